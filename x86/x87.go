package x86

import (
	"math"

	"github.com/colorfulnotion/x86core/log"
)

// x87 status word bits.
const (
	swIE uint16 = 1 << 0 // invalid operation
	swDE uint16 = 1 << 1 // denormal operand
	swZE uint16 = 1 << 2 // zero divide
	swOE uint16 = 1 << 3 // overflow
	swUE uint16 = 1 << 4 // underflow
	swPE uint16 = 1 << 5 // precision
	swSF uint16 = 1 << 6 // stack fault
	swES uint16 = 1 << 7 // exception summary
	swC0 uint16 = 1 << 8
	swC1 uint16 = 1 << 9
	swC2 uint16 = 1 << 10
	swC3 uint16 = 1 << 14

	swTopShift        = 11
	swTopMask  uint16 = 7 << swTopShift

	swExceptionBits uint16 = swIE | swDE | swZE | swOE | swUE | swPE
)

// x87 control word: exception masks in bits 0-5, rounding control bits 10-11.
const (
	cwMaskBits uint16 = 0x3F
	cwRCShift         = 10

	cwDefault uint16 = 0x037F // FNINIT: all exceptions masked, round nearest
)

// The "real indefinite" quiet NaN the FPU produces on masked invalid ops.
var fpuIndefinite = math.Float64frombits(0xFFF8000000000000)

// Integer indefinite sentinels stored by FIST on invalid input.
const (
	intIndefinite16 = int16(math.MinInt16)
	intIndefinite32 = int32(math.MinInt32)
	intIndefinite64 = int64(math.MinInt64)
)

// Tag classifies the content of one physical FPU register.
type Tag uint8

const (
	TagValid Tag = iota
	TagZero
	TagSpecial
	TagEmpty
)

func (t Tag) String() string {
	switch t {
	case TagValid:
		return "valid"
	case TagZero:
		return "zero"
	case TagSpecial:
		return "special"
	case TagEmpty:
		return "empty"
	default:
		return "tag?"
	}
}

const minNormalF64 = 2.2250738585072014e-308

func tagFor(v float64) Tag {
	switch {
	case v == 0:
		return TagZero
	case math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) < minNormalF64:
		return TagSpecial
	default:
		return TagValid
	}
}

// FpuState is the 8-register x87 stack machine, backed by f64 values.
// ST(i) addresses physical register (Top+i) mod 8. The status word's TOP
// field always mirrors Top, and Tags always track register contents.
type FpuState struct {
	Regs [8]float64
	Tags [8]Tag
	Top  uint8
	Cw   uint16
	Sw   uint16
}

// Init puts the FPU into the FNINIT state: TOP=0, all tags Empty,
// default control word, clear status.
func (f *FpuState) Init() {
	*f = FpuState{Cw: cwDefault}
	for i := range f.Tags {
		f.Tags[i] = TagEmpty
	}
}

// Rounding returns the rounding control selected by the control word.
func (f *FpuState) Rounding() Rounding {
	return Rounding((f.Cw >> cwRCShift) & 3)
}

func (f *FpuState) syncTop() {
	f.Sw = (f.Sw &^ swTopMask) | uint16(f.Top)<<swTopShift
}

func (f *FpuState) phys(i int) int {
	return int((uint8(i) + f.Top) & 7)
}

func (f *FpuState) setCC(c0, c1, c2, c3 bool) {
	f.Sw &^= swC0 | swC1 | swC2 | swC3
	if c0 {
		f.Sw |= swC0
	}
	if c1 {
		f.Sw |= swC1
	}
	if c2 {
		f.Sw |= swC2
	}
	if c3 {
		f.Sw |= swC3
	}
}

// updateSummary recomputes ES: set iff any unmasked sticky flag is set.
func (f *FpuState) updateSummary() {
	if (f.Sw&^f.Cw)&swExceptionBits != 0 {
		f.Sw |= swES
	} else {
		f.Sw &^= swES
	}
}

// raise is the single choke point for exception delivery: OR the sticky
// flags into the status word, recompute the summary bit, and hard-fault
// iff one of the raised exceptions is unmasked in the control word.
func (f *FpuState) raise(flags uint16) *Fault {
	f.Sw |= flags
	f.updateSummary()
	if (flags&^f.Cw)&swExceptionBits != 0 {
		return mathFault()
	}
	return nil
}

// push implements the stack-grow primitive. Pushing into a non-Empty slot
// is a stack overflow: Invalid-Operation with SF and C1 set. TOP still
// advances and a quiet NaN is written, matching hardware's
// corrupted-but-progressing behavior.
func (f *FpuState) push(v float64) *Fault {
	next := (f.Top + 7) & 7
	var fault *Fault
	if f.Tags[next] != TagEmpty {
		log.Trace(log.X87Monitoring, "stack overflow", "top", f.Top)
		f.Sw |= swC1
		fault = f.raise(swIE | swSF)
		v = fpuIndefinite
	}
	f.Top = next
	f.syncTop()
	f.Regs[next] = v
	f.Tags[next] = tagFor(v)
	return fault
}

// pop implements the stack-shrink primitive. Popping an Empty slot is a
// stack underflow: Invalid-Operation with SF set, TOP does not move.
func (f *FpuState) pop() (float64, *Fault) {
	i := f.Top
	if f.Tags[i] == TagEmpty {
		log.Trace(log.X87Monitoring, "stack underflow", "top", f.Top)
		return fpuIndefinite, f.raise(swIE | swSF)
	}
	v := f.Regs[i]
	f.Tags[i] = TagEmpty
	f.Top = (f.Top + 1) & 7
	f.syncTop()
	return v, nil
}

// readST reads ST(i); an Empty operand takes the underflow path.
func (f *FpuState) readST(i int) (float64, *Fault) {
	p := f.phys(i)
	if f.Tags[p] == TagEmpty {
		return fpuIndefinite, f.raise(swIE | swSF)
	}
	return f.Regs[p], nil
}

// writeST writes ST(i) and retags the slot.
func (f *FpuState) writeST(i int, v float64) {
	p := f.phys(i)
	f.Regs[p] = v
	f.Tags[p] = tagFor(v)
}

// --- stack and control operations (no bus access) ---

func (vm *VM) Fninit() {
	vm.Cpu.Fpu.Init()
}

func (vm *VM) Fldcw(cw uint16) {
	vm.Cpu.Fpu.Cw = cw
	vm.Cpu.Fpu.updateSummary()
}

func (vm *VM) Fnstcw() uint16 {
	return vm.Cpu.Fpu.Cw
}

func (vm *VM) Fnstsw() uint16 {
	vm.Cpu.Fpu.syncTop()
	return vm.Cpu.Fpu.Sw
}

// Fincstp rotates TOP forward and clears C1 without touching tags.
func (vm *VM) Fincstp() {
	f := &vm.Cpu.Fpu
	f.Top = (f.Top + 1) & 7
	f.syncTop()
	f.Sw &^= swC1
}

// Fdecstp rotates TOP backward and clears C1 without touching tags.
func (vm *VM) Fdecstp() {
	f := &vm.Cpu.Fpu
	f.Top = (f.Top + 7) & 7
	f.syncTop()
	f.Sw &^= swC1
}

// Ffree tags ST(i) Empty without moving TOP.
func (vm *VM) Ffree(i int) {
	f := &vm.Cpu.Fpu
	f.Tags[f.phys(i)] = TagEmpty
}

// Fxch swaps ST(0) with ST(i); either slot being Empty is a stack
// underflow, after which (masked) the empty slots hold the indefinite.
func (vm *VM) Fxch(i int) *Fault {
	f := &vm.Cpu.Fpu
	p0, pi := f.phys(0), f.phys(i)
	var fault *Fault
	if f.Tags[p0] == TagEmpty || f.Tags[pi] == TagEmpty {
		fault = f.raise(swIE | swSF)
		if fault != nil {
			return fault
		}
		if f.Tags[p0] == TagEmpty {
			f.Regs[p0] = fpuIndefinite
			f.Tags[p0] = TagSpecial
		}
		if f.Tags[pi] == TagEmpty {
			f.Regs[pi] = fpuIndefinite
			f.Tags[pi] = TagSpecial
		}
	}
	f.Regs[p0], f.Regs[pi] = f.Regs[pi], f.Regs[p0]
	f.Tags[p0], f.Tags[pi] = f.Tags[pi], f.Tags[p0]
	f.Sw &^= swC1
	return fault
}

func (vm *VM) Fchs() *Fault {
	f := &vm.Cpu.Fpu
	v, fault := f.readST(0)
	if fault != nil {
		return fault
	}
	f.writeST(0, -v)
	return nil
}

func (vm *VM) Fabs() *Fault {
	f := &vm.Cpu.Fpu
	v, fault := f.readST(0)
	if fault != nil {
		return fault
	}
	f.writeST(0, math.Abs(v))
	return nil
}

func (vm *VM) Fldz() *Fault {
	return vm.Cpu.Fpu.push(0)
}

func (vm *VM) Fld1() *Fault {
	return vm.Cpu.Fpu.push(1)
}

// FldSt pushes a copy of ST(i).
func (vm *VM) FldSt(i int) *Fault {
	f := &vm.Cpu.Fpu
	v, fault := f.readST(i)
	if fault != nil {
		return fault
	}
	return f.push(v)
}

// FstSt copies ST(0) into ST(i), optionally popping.
func (vm *VM) FstSt(i int, pop bool) *Fault {
	f := &vm.Cpu.Fpu
	v, fault := f.readST(0)
	if fault != nil {
		return fault
	}
	f.writeST(i, v)
	if pop {
		_, fault = f.pop()
	}
	return fault
}

// --- loads and stores through the bus ---

func (vm *VM) FldF32(addr uint64) *Fault {
	b, fault := vm.Bus.Read32(addr)
	if fault != nil {
		return fault
	}
	return vm.Cpu.Fpu.push(float64(math.Float32frombits(b)))
}

func (vm *VM) FldF64(addr uint64) *Fault {
	b, fault := vm.Bus.Read64(addr)
	if fault != nil {
		return fault
	}
	return vm.Cpu.Fpu.push(math.Float64frombits(b))
}

// FldF80 loads an 80-bit extended value through the reduced-precision codec.
func (vm *VM) FldF80(addr uint64) *Fault {
	mant, fault := vm.Bus.Read64(addr)
	if fault != nil {
		return fault
	}
	se, fault := vm.Bus.Read16(addr + 8)
	if fault != nil {
		return fault
	}
	return vm.Cpu.Fpu.push(F64FromExt80(Ext80{Mantissa: mant, SignExp: se}))
}

func (vm *VM) FstF32(addr uint64, pop bool) *Fault {
	f := &vm.Cpu.Fpu
	v, fault := f.readST(0)
	if fault != nil {
		return fault
	}
	if fault = vm.Bus.Write32(addr, math.Float32bits(float32(v))); fault != nil {
		return fault
	}
	if pop {
		_, fault = f.pop()
	}
	return fault
}

func (vm *VM) FstF64(addr uint64, pop bool) *Fault {
	f := &vm.Cpu.Fpu
	v, fault := f.readST(0)
	if fault != nil {
		return fault
	}
	if fault = vm.Bus.Write64(addr, math.Float64bits(v)); fault != nil {
		return fault
	}
	if pop {
		_, fault = f.pop()
	}
	return fault
}

func (vm *VM) FstF80(addr uint64, pop bool) *Fault {
	f := &vm.Cpu.Fpu
	v, fault := f.readST(0)
	if fault != nil {
		return fault
	}
	e := Ext80FromF64(v)
	if fault = vm.Bus.Write64(addr, e.Mantissa); fault != nil {
		return fault
	}
	if fault = vm.Bus.Write16(addr+8, e.SignExp); fault != nil {
		return fault
	}
	if pop {
		_, fault = f.pop()
	}
	return fault
}

func (vm *VM) FildI16(addr uint64) *Fault {
	v, fault := vm.Bus.Read16(addr)
	if fault != nil {
		return fault
	}
	return vm.Cpu.Fpu.push(float64(int16(v)))
}

func (vm *VM) FildI32(addr uint64) *Fault {
	v, fault := vm.Bus.Read32(addr)
	if fault != nil {
		return fault
	}
	return vm.Cpu.Fpu.push(float64(int32(v)))
}

func (vm *VM) FildI64(addr uint64) *Fault {
	v, fault := vm.Bus.Read64(addr)
	if fault != nil {
		return fault
	}
	f, inexact := cvtI64ToF64(int64(v), vm.Cpu.Fpu.Rounding())
	if inexact {
		if ff := vm.Cpu.Fpu.raise(swPE); ff != nil {
			return ff
		}
	}
	return vm.Cpu.Fpu.push(f)
}

// roundX87 applies the control word's rounding control.
func (f *FpuState) roundX87(x float64) float64 {
	switch f.Rounding() {
	case RoundDown:
		return math.Floor(x)
	case RoundUp:
		return math.Ceil(x)
	case RoundZero:
		return math.Trunc(x)
	default:
		return math.RoundToEven(x)
	}
}

// fistConvert rounds ST(0) per the control word and range-checks it for
// the given bit width. Non-finite or out-of-range input stores the integer
// indefinite and raises Invalid-Operation.
func (vm *VM) fistConvert(limit float64) (int64, *Fault, bool) {
	f := &vm.Cpu.Fpu
	v, fault := f.readST(0)
	if fault != nil {
		return 0, fault, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, f.raise(swIE), false
	}
	r := f.roundX87(v)
	if r >= limit || r < -limit {
		return 0, f.raise(swIE), false
	}
	if r != v {
		if fault := f.raise(swPE); fault != nil {
			return 0, fault, false
		}
	}
	return int64(r), nil, true
}

func (vm *VM) FistI16(addr uint64, pop bool) *Fault {
	f := &vm.Cpu.Fpu
	v, fault, ok := vm.fistConvert(0x1p15)
	if fault != nil {
		return fault
	}
	out := int16(v)
	if !ok {
		out = intIndefinite16
	}
	if fault = vm.Bus.Write16(addr, uint16(out)); fault != nil {
		return fault
	}
	if pop {
		_, fault = f.pop()
	}
	return fault
}

func (vm *VM) FistI32(addr uint64, pop bool) *Fault {
	f := &vm.Cpu.Fpu
	v, fault, ok := vm.fistConvert(0x1p31)
	if fault != nil {
		return fault
	}
	out := int32(v)
	if !ok {
		out = intIndefinite32
	}
	if fault = vm.Bus.Write32(addr, uint32(out)); fault != nil {
		return fault
	}
	if pop {
		_, fault = f.pop()
	}
	return fault
}

func (vm *VM) FistI64(addr uint64, pop bool) *Fault {
	f := &vm.Cpu.Fpu
	v, fault, ok := vm.fistConvert(0x1p63)
	if fault != nil {
		return fault
	}
	out := v
	if !ok {
		out = intIndefinite64
	}
	if fault = vm.Bus.Write64(addr, uint64(out)); fault != nil {
		return fault
	}
	if pop {
		_, fault = f.pop()
	}
	return fault
}

// --- arithmetic ---

// FpOp selects one of the six dyadic x87 arithmetic operations.
type FpOp uint8

const (
	FpAdd FpOp = iota
	FpSub
	FpSubr
	FpMul
	FpDiv
	FpDivr
)

func (op FpOp) String() string {
	switch op {
	case FpAdd:
		return "fadd"
	case FpSub:
		return "fsub"
	case FpSubr:
		return "fsubr"
	case FpMul:
		return "fmul"
	case FpDiv:
		return "fdiv"
	case FpDivr:
		return "fdivr"
	default:
		return "fop?"
	}
}

// x87Compute applies op to (dst, src) with dst as the left operand.
// Division checks the divisor before dividing; a zero divisor with a
// nonzero finite dividend raises the separate Zero-Divide sticky, and
// 0/0 raises Invalid-Operation.
func (f *FpuState) x87Compute(op FpOp, dst, src float64) (float64, *Fault) {
	var a, b float64
	switch op {
	case FpAdd:
		return dst + src, nil
	case FpSub:
		return dst - src, nil
	case FpSubr:
		return src - dst, nil
	case FpMul:
		return dst * src, nil
	case FpDiv:
		a, b = dst, src
	case FpDivr:
		a, b = src, dst
	}
	if b == 0 && !math.IsNaN(a) {
		if a == 0 {
			return fpuIndefinite, f.raise(swIE)
		}
		if !math.IsInf(a, 0) {
			if fault := f.raise(swZE); fault != nil {
				return 0, fault
			}
		}
	}
	return a / b, nil
}

// FArithMem64 computes ST(0) = ST(0) op m64.
func (vm *VM) FArithMem64(op FpOp, addr uint64) *Fault {
	b, fault := vm.Bus.Read64(addr)
	if fault != nil {
		return fault
	}
	return vm.x87ArithST0(op, math.Float64frombits(b))
}

// FArithMem32 computes ST(0) = ST(0) op m32.
func (vm *VM) FArithMem32(op FpOp, addr uint64) *Fault {
	b, fault := vm.Bus.Read32(addr)
	if fault != nil {
		return fault
	}
	return vm.x87ArithST0(op, float64(math.Float32frombits(b)))
}

func (vm *VM) x87ArithST0(op FpOp, src float64) *Fault {
	f := &vm.Cpu.Fpu
	dst, fault := f.readST(0)
	if fault != nil {
		return fault
	}
	r, fault := f.x87Compute(op, dst, src)
	if fault != nil {
		return fault
	}
	f.writeST(0, r)
	return nil
}

// FArithSt0 computes ST(0) = ST(0) op ST(i).
func (vm *VM) FArithSt0(op FpOp, i int) *Fault {
	f := &vm.Cpu.Fpu
	src, fault := f.readST(i)
	if fault != nil {
		return fault
	}
	return vm.x87ArithST0(op, src)
}

// FArithSti computes ST(i) = ST(i) op ST(0), optionally popping afterwards
// (the FADDP/FSUBP/... shapes).
func (vm *VM) FArithSti(op FpOp, i int, pop bool) *Fault {
	f := &vm.Cpu.Fpu
	dst, fault := f.readST(i)
	if fault != nil {
		return fault
	}
	src, fault := f.readST(0)
	if fault != nil {
		return fault
	}
	r, fault := f.x87Compute(op, dst, src)
	if fault != nil {
		return fault
	}
	f.writeST(i, r)
	if pop {
		_, fault = f.pop()
	}
	return fault
}

// --- compares ---

type fpOrder int

const (
	fpGreater fpOrder = iota
	fpLess
	fpEqual
	fpUnordered
)

func compareF64(a, b float64) fpOrder {
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		return fpUnordered
	case a > b:
		return fpGreater
	case a < b:
		return fpLess
	default:
		return fpEqual
	}
}

// Fcom compares ST(0) against ST(i) into C0/C2/C3, then pops 0, 1 or 2
// slots (FCOM/FCOMP/FCOMPP). Unordered input raises Invalid-Operation;
// quiet and signalling NaNs are treated identically here.
func (vm *VM) Fcom(i int, pops int) *Fault {
	f := &vm.Cpu.Fpu
	a, fault := f.readST(0)
	if fault != nil {
		return fault
	}
	b, fault := f.readST(i)
	if fault != nil {
		return fault
	}
	fault = vm.setCompareCC(a, b)
	for ; pops > 0 && fault == nil; pops-- {
		_, fault = f.pop()
	}
	return fault
}

func (vm *VM) FcomMem64(addr uint64, pop bool) *Fault {
	f := &vm.Cpu.Fpu
	a, fault := f.readST(0)
	if fault != nil {
		return fault
	}
	b, fault := vm.Bus.Read64(addr)
	if fault != nil {
		return fault
	}
	fault = vm.setCompareCC(a, math.Float64frombits(b))
	if pop && fault == nil {
		_, fault = f.pop()
	}
	return fault
}

func (vm *VM) setCompareCC(a, b float64) *Fault {
	f := &vm.Cpu.Fpu
	switch compareF64(a, b) {
	case fpGreater:
		f.setCC(false, false, false, false)
	case fpLess:
		f.setCC(true, false, false, false)
	case fpEqual:
		f.setCC(false, false, false, true)
	case fpUnordered:
		f.setCC(true, false, true, true)
		return f.raise(swIE)
	}
	return nil
}

// Fcomi compares ST(0) against ST(i) straight into RFLAGS:
// greater -> (CF,PF,ZF)=(0,0,0), less -> (1,0,0), equal -> (0,0,1),
// unordered -> (1,1,1).
func (vm *VM) Fcomi(i int, pop bool) *Fault {
	f := &vm.Cpu.Fpu
	a, fault := f.readST(0)
	if fault != nil {
		return fault
	}
	b, fault := f.readST(i)
	if fault != nil {
		return fault
	}
	var cf, pf, zf bool
	switch compareF64(a, b) {
	case fpGreater:
	case fpLess:
		cf = true
	case fpEqual:
		zf = true
	case fpUnordered:
		cf, pf, zf = true, true, true
		fault = f.raise(swIE)
	}
	vm.Cpu.SetFlag(CF, cf)
	vm.Cpu.SetFlag(PF, pf)
	vm.Cpu.SetFlag(ZF, zf)
	if pop && fault == nil {
		_, fault = f.pop()
	}
	return fault
}

func (vm *VM) Fsqrt() *Fault {
	f := &vm.Cpu.Fpu
	v, fault := f.readST(0)
	if fault != nil {
		return fault
	}
	if v < 0 {
		if fault = f.raise(swIE); fault != nil {
			return fault
		}
		f.writeST(0, fpuIndefinite)
		return nil
	}
	f.writeST(0, math.Sqrt(v))
	return nil
}
