package x86

import (
	"github.com/colorfulnotion/x86core/log"
)

// VM couples one CpuState with the Bus it executes against. Every method
// executes exactly one already-decoded instruction and either mutates the
// state or returns a typed fault; there is no hidden state anywhere else.
type VM struct {
	Cpu *CpuState
	Bus Bus
}

func NewVM(bus Bus) *VM {
	return &VM{Cpu: NewCpuState(), Bus: bus}
}

// --- 128-bit moves ---

// MovdqaLoad performs an alignment-checked 128-bit load into an XMM register.
func (vm *VM) MovdqaLoad(dst int, addr uint64) *Fault {
	if addr&15 != 0 {
		log.Trace(log.SseMonitoring, "movdqa misaligned", "addr", addr)
		return alignmentFault(addr)
	}
	v, fault := vm.Bus.Read128(addr)
	if fault != nil {
		return fault
	}
	vm.Cpu.Xmm[dst] = v
	return nil
}

// MovdqaStore performs an alignment-checked 128-bit store from an XMM register.
func (vm *VM) MovdqaStore(addr uint64, src int) *Fault {
	if addr&15 != 0 {
		log.Trace(log.SseMonitoring, "movdqa misaligned", "addr", addr)
		return alignmentFault(addr)
	}
	return vm.Bus.Write128(addr, vm.Cpu.Xmm[src])
}

func (vm *VM) MovdquLoad(dst int, addr uint64) *Fault {
	v, fault := vm.Bus.Read128(addr)
	if fault != nil {
		return fault
	}
	vm.Cpu.Xmm[dst] = v
	return nil
}

func (vm *VM) MovdquStore(addr uint64, src int) *Fault {
	return vm.Bus.Write128(addr, vm.Cpu.Xmm[src])
}

// MovdqaReg copies a whole XMM register.
func (vm *VM) MovdqaReg(dst, src int) {
	vm.Cpu.Xmm[dst] = vm.Cpu.Xmm[src]
}

// MovsdReg moves the low 64 bits between XMM registers, preserving the
// destination's high 64 bits.
func (vm *VM) MovsdReg(dst, src int) {
	vm.Cpu.Xmm[dst].Lo = vm.Cpu.Xmm[src].Lo
}

// MovsdLoad loads a scalar double, zeroing the high 64 bits.
func (vm *VM) MovsdLoad(dst int, addr uint64) *Fault {
	v, fault := vm.Bus.Read64(addr)
	if fault != nil {
		return fault
	}
	vm.Cpu.Xmm[dst] = Vec128{Lo: v}
	return nil
}

func (vm *VM) MovsdStore(addr uint64, src int) *Fault {
	return vm.Bus.Write64(addr, vm.Cpu.Xmm[src].Lo)
}

// MovdLoad zero-extends a 32-bit load into the full register.
func (vm *VM) MovdLoad(dst int, addr uint64) *Fault {
	v, fault := vm.Bus.Read32(addr)
	if fault != nil {
		return fault
	}
	vm.Cpu.Xmm[dst] = Vec128{Lo: uint64(v)}
	return nil
}

func (vm *VM) MovdStore(addr uint64, src int) *Fault {
	return vm.Bus.Write32(addr, uint32(vm.Cpu.Xmm[src].Lo))
}

// MovdFromGpr zero-extends the low 32 bits of a general register.
func (vm *VM) MovdFromGpr(dst, gpr int) {
	vm.Cpu.Xmm[dst] = Vec128{Lo: uint64(uint32(vm.Cpu.Regs[gpr]))}
}

func (vm *VM) MovdToGpr(gpr, src int) {
	vm.Cpu.Regs[gpr] = uint64(uint32(vm.Cpu.Xmm[src].Lo))
}

// MovqLoad zero-extends a 64-bit load into the full register.
func (vm *VM) MovqLoad(dst int, addr uint64) *Fault {
	v, fault := vm.Bus.Read64(addr)
	if fault != nil {
		return fault
	}
	vm.Cpu.Xmm[dst] = Vec128{Lo: v}
	return nil
}

func (vm *VM) MovqStore(addr uint64, src int) *Fault {
	return vm.Bus.Write64(addr, vm.Cpu.Xmm[src].Lo)
}

// MovqReg zero-extends the low 64 bits of src into dst.
func (vm *VM) MovqReg(dst, src int) {
	vm.Cpu.Xmm[dst] = Vec128{Lo: vm.Cpu.Xmm[src].Lo}
}

func (vm *VM) MovqFromGpr(dst, gpr int) {
	vm.Cpu.Xmm[dst] = Vec128{Lo: vm.Cpu.Regs[gpr]}
}

func (vm *VM) MovqToGpr(gpr, src int) {
	vm.Cpu.Regs[gpr] = vm.Cpu.Xmm[src].Lo
}

// --- bitwise ---

func (vm *VM) Pand(dst int, src Vec128) {
	vm.Cpu.Xmm[dst].Lo &= src.Lo
	vm.Cpu.Xmm[dst].Hi &= src.Hi
}

func (vm *VM) Por(dst int, src Vec128) {
	vm.Cpu.Xmm[dst].Lo |= src.Lo
	vm.Cpu.Xmm[dst].Hi |= src.Hi
}

func (vm *VM) Pxor(dst int, src Vec128) {
	vm.Cpu.Xmm[dst].Lo ^= src.Lo
	vm.Cpu.Xmm[dst].Hi ^= src.Hi
}

// Pandn computes NOT(dst) AND src.
func (vm *VM) Pandn(dst int, src Vec128) {
	vm.Cpu.Xmm[dst].Lo = ^vm.Cpu.Xmm[dst].Lo & src.Lo
	vm.Cpu.Xmm[dst].Hi = ^vm.Cpu.Xmm[dst].Hi & src.Hi
}

// --- packed wrapping add/sub ---

func (vm *VM) PaddB(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 16; i++ {
		d.SetU8(i, d.U8(i)+src.U8(i))
	}
}

func (vm *VM) PaddW(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 8; i++ {
		d.SetU16(i, d.U16(i)+src.U16(i))
	}
}

func (vm *VM) PaddD(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 4; i++ {
		d.SetU32(i, d.U32(i)+src.U32(i))
	}
}

func (vm *VM) PaddQ(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	d.Lo += src.Lo
	d.Hi += src.Hi
}

func (vm *VM) PsubB(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 16; i++ {
		d.SetU8(i, d.U8(i)-src.U8(i))
	}
}

func (vm *VM) PsubW(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 8; i++ {
		d.SetU16(i, d.U16(i)-src.U16(i))
	}
}

func (vm *VM) PsubD(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 4; i++ {
		d.SetU32(i, d.U32(i)-src.U32(i))
	}
}

func (vm *VM) PsubQ(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	d.Lo -= src.Lo
	d.Hi -= src.Hi
}

// --- packed saturating add/sub, 8-bit lanes ---

func satI8(v int) uint8 {
	if v > 127 {
		return 127
	}
	if v < -128 {
		return 0x80
	}
	return uint8(int8(v))
}

func satU8(v int) uint8 {
	if v > 255 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return uint8(v)
}

func (vm *VM) PaddsB(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 16; i++ {
		d.SetU8(i, satI8(int(int8(d.U8(i)))+int(int8(src.U8(i)))))
	}
}

func (vm *VM) PsubsB(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 16; i++ {
		d.SetU8(i, satI8(int(int8(d.U8(i)))-int(int8(src.U8(i)))))
	}
}

func (vm *VM) PaddusB(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 16; i++ {
		d.SetU8(i, satU8(int(d.U8(i))+int(src.U8(i))))
	}
}

func (vm *VM) PsubusB(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 16; i++ {
		d.SetU8(i, satU8(int(d.U8(i))-int(src.U8(i))))
	}
}

// --- multiplies ---

// PmullW keeps the low 16 bits of the signed 16x16 product per lane.
func (vm *VM) PmullW(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 8; i++ {
		p := int32(int16(d.U16(i))) * int32(int16(src.U16(i)))
		d.SetU16(i, uint16(p))
	}
}

// PmuludQ multiplies the unsigned 32-bit values in lanes 0 and 2 into full
// 64-bit products.
func (vm *VM) PmuludQ(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	d.Lo = uint64(uint32(d.Lo)) * uint64(uint32(src.Lo))
	d.Hi = uint64(uint32(d.Hi)) * uint64(uint32(src.Hi))
}

// --- per-lane shifts; counts >= lane width zero (logical) or sign-fill
// (arithmetic) the lane ---

func (vm *VM) PsllW(dst int, count uint64) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 8; i++ {
		if count >= 16 {
			d.SetU16(i, 0)
		} else {
			d.SetU16(i, d.U16(i)<<count)
		}
	}
}

func (vm *VM) PsllD(dst int, count uint64) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 4; i++ {
		if count >= 32 {
			d.SetU32(i, 0)
		} else {
			d.SetU32(i, d.U32(i)<<count)
		}
	}
}

func (vm *VM) PsllQ(dst int, count uint64) {
	d := &vm.Cpu.Xmm[dst]
	if count >= 64 {
		d.Lo, d.Hi = 0, 0
		return
	}
	d.Lo <<= count
	d.Hi <<= count
}

func (vm *VM) PsrlW(dst int, count uint64) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 8; i++ {
		if count >= 16 {
			d.SetU16(i, 0)
		} else {
			d.SetU16(i, d.U16(i)>>count)
		}
	}
}

func (vm *VM) PsrlD(dst int, count uint64) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 4; i++ {
		if count >= 32 {
			d.SetU32(i, 0)
		} else {
			d.SetU32(i, d.U32(i)>>count)
		}
	}
}

func (vm *VM) PsrlQ(dst int, count uint64) {
	d := &vm.Cpu.Xmm[dst]
	if count >= 64 {
		d.Lo, d.Hi = 0, 0
		return
	}
	d.Lo >>= count
	d.Hi >>= count
}

func (vm *VM) PsraW(dst int, count uint64) {
	if count > 15 {
		count = 15
	}
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 8; i++ {
		d.SetU16(i, uint16(int16(d.U16(i))>>count))
	}
}

func (vm *VM) PsraD(dst int, count uint64) {
	if count > 31 {
		count = 31
	}
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 4; i++ {
		d.SetU32(i, uint32(int32(d.U32(i))>>count))
	}
}

// Pslldq shifts the whole register left by imm bytes.
func (vm *VM) Pslldq(dst int, imm int) {
	vm.Cpu.Xmm[dst] = vm.Cpu.Xmm[dst].ShlBytes(imm)
}

// Psrldq shifts the whole register right by imm bytes.
func (vm *VM) Psrldq(dst int, imm int) {
	vm.Cpu.Xmm[dst] = vm.Cpu.Xmm[dst].ShrBytes(imm)
}

// --- packed compares producing all-ones/all-zeros lane masks ---

func boolMask8(b bool) uint8 {
	if b {
		return 0xFF
	}
	return 0
}

func (vm *VM) PcmpeqB(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 16; i++ {
		d.SetU8(i, boolMask8(d.U8(i) == src.U8(i)))
	}
}

func (vm *VM) PcmpeqW(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 8; i++ {
		if d.U16(i) == src.U16(i) {
			d.SetU16(i, 0xFFFF)
		} else {
			d.SetU16(i, 0)
		}
	}
}

func (vm *VM) PcmpeqD(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 4; i++ {
		if d.U32(i) == src.U32(i) {
			d.SetU32(i, 0xFFFFFFFF)
		} else {
			d.SetU32(i, 0)
		}
	}
}

func (vm *VM) PcmpgtB(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 16; i++ {
		d.SetU8(i, boolMask8(int8(d.U8(i)) > int8(src.U8(i))))
	}
}

func (vm *VM) PcmpgtW(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 8; i++ {
		if int16(d.U16(i)) > int16(src.U16(i)) {
			d.SetU16(i, 0xFFFF)
		} else {
			d.SetU16(i, 0)
		}
	}
}

func (vm *VM) PcmpgtD(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	for i := 0; i < 4; i++ {
		if int32(d.U32(i)) > int32(src.U32(i)) {
			d.SetU32(i, 0xFFFFFFFF)
		} else {
			d.SetU32(i, 0)
		}
	}
}
