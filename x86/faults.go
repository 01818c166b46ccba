package x86

import "fmt"

// FaultKind enumerates the architectural fault classes this core raises.
type FaultKind uint8

const (
	FaultInvalidOpcode FaultKind = iota
	FaultMath                    // unmasked x87/SSE exception
	FaultBus                     // paging/permission/out-of-range memory access
	FaultAlignment               // alignment-checked vector access
)

func (k FaultKind) String() string {
	switch k {
	case FaultInvalidOpcode:
		return "InvalidOpcode"
	case FaultMath:
		return "MathFault"
	case FaultBus:
		return "BusFault"
	case FaultAlignment:
		return "AlignmentFault"
	default:
		return fmt.Sprintf("FaultKind(%d)", uint8(k))
	}
}

// Fault is the typed architectural fault returned by interpreter calls.
// A nil *Fault means success. Bus paging faults and interpreter faults
// share this one type so callers handle both uniformly.
type Fault struct {
	Kind FaultKind
	Addr uint64 // faulting guest-linear address, when meaningful
}

func (f *Fault) Error() string {
	if f.Addr != 0 {
		return fmt.Sprintf("%s at 0x%x", f.Kind, f.Addr)
	}
	return f.Kind.String()
}

func busFault(addr uint64) *Fault {
	return &Fault{Kind: FaultBus, Addr: addr}
}

func alignmentFault(addr uint64) *Fault {
	return &Fault{Kind: FaultAlignment, Addr: addr}
}

func mathFault() *Fault {
	return &Fault{Kind: FaultMath}
}
