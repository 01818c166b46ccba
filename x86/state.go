// Package x86 implements the instruction-execution core of the guest CPU:
// the register/flag/FPU substrate, the SSE2 interpreter and the x87
// interpreter. Decoding raw bytes and native code generation live outside
// this package.
package x86

// General register indices in hardware encoding order.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	NumGpr = 16
)

var gprNames = [NumGpr]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// GprName returns the canonical 64-bit name of a general register index.
func GprName(reg int) string {
	if reg < 0 || reg >= NumGpr {
		return "r?"
	}
	return gprNames[reg]
}

// RFLAGS bit positions. Bit 1 is architecturally fixed to 1.
const (
	FlagBitCF    uint64 = 1 << 0
	FlagBitFixed uint64 = 1 << 1
	FlagBitPF    uint64 = 1 << 2
	FlagBitAF    uint64 = 1 << 4
	FlagBitZF    uint64 = 1 << 6
	FlagBitSF    uint64 = 1 << 7
	FlagBitOF    uint64 = 1 << 11
)

// MXCSR layout: sticky exception flags in bits 0-5, masks in bits 7-12,
// rounding control in bits 13-14.
const (
	MxcsrIE uint32 = 1 << 0 // invalid operation
	MxcsrDE uint32 = 1 << 1 // denormal
	MxcsrZE uint32 = 1 << 2 // divide by zero
	MxcsrOE uint32 = 1 << 3 // overflow
	MxcsrUE uint32 = 1 << 4 // underflow
	MxcsrPE uint32 = 1 << 5 // precision

	MxcsrRCShift = 13
	MxcsrRCMask  uint32 = 3 << MxcsrRCShift

	MxcsrDefault uint32 = 0x1F80 // all exceptions masked, round nearest
)

// Rounding modes shared by MXCSR bits 13-14 and the x87 control word bits 10-11.
type Rounding uint8

const (
	RoundNearest Rounding = 0 // round half to even
	RoundDown    Rounding = 1 // toward negative infinity
	RoundUp      Rounding = 2 // toward positive infinity
	RoundZero    Rounding = 3 // truncate
)

// CpuState is the full architectural register state of one guest CPU.
// It is exclusively owned by the single execution context driving it;
// emulators modeling several virtual CPUs give each its own instance.
type CpuState struct {
	Regs   [NumGpr]uint64
	Rip    uint64
	Rflags uint64
	Xmm    [16]Vec128
	Mxcsr  uint32
	Fpu    FpuState
}

// NewCpuState returns a reset CPU: fixed flag bit set, MXCSR at its
// power-on default, FPU in the FNINIT state.
func NewCpuState() *CpuState {
	s := &CpuState{
		Rflags: FlagBitFixed,
		Mxcsr:  MxcsrDefault,
	}
	s.Fpu.Init()
	return s
}

// SseRounding returns the rounding mode selected by MXCSR.
func (s *CpuState) SseRounding() Rounding {
	return Rounding((s.Mxcsr & MxcsrRCMask) >> MxcsrRCShift)
}

// SetSseFlags ORs sticky exception flags into MXCSR. SSE exceptions are
// sticky-only side effects; they never hard-fault by default.
func (s *CpuState) SetSseFlags(flags uint32) {
	s.Mxcsr |= flags & 0x3F
}

// GetFlag reports one RFLAGS bit as a boolean.
func (s *CpuState) GetFlag(f Flag) bool {
	return s.Rflags&f.Bit() != 0
}

// SetFlag sets or clears one RFLAGS bit, preserving the fixed bit.
func (s *CpuState) SetFlag(f Flag, v bool) {
	if v {
		s.Rflags |= f.Bit()
	} else {
		s.Rflags &^= f.Bit()
	}
	s.Rflags |= FlagBitFixed
}
