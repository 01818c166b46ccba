package x86

import (
	"encoding/binary"

	"github.com/colorfulnotion/x86core/log"
)

// Bus is the external memory interface the interpreters read and write
// through. Implementations surface paging/permission failures as BusFault,
// the same fault type architectural faults use.
type Bus interface {
	Read8(addr uint64) (uint8, *Fault)
	Read16(addr uint64) (uint16, *Fault)
	Read32(addr uint64) (uint32, *Fault)
	Read64(addr uint64) (uint64, *Fault)
	Read128(addr uint64) (Vec128, *Fault)

	Write8(addr uint64, v uint8) *Fault
	Write16(addr uint64, v uint16) *Fault
	Write32(addr uint64, v uint32) *Fault
	Write64(addr uint64, v uint64) *Fault
	Write128(addr uint64, v Vec128) *Fault
}

// FlatRAM is a simple flat memory backing the Bus interface, used by tests
// and the CLI. Accesses outside the array raise BusFault.
type FlatRAM struct {
	Mem []byte
}

func NewFlatRAM(size int) *FlatRAM {
	return &FlatRAM{Mem: make([]byte, size)}
}

func (r *FlatRAM) check(addr uint64, n int) *Fault {
	if addr+uint64(n) > uint64(len(r.Mem)) || addr > addr+uint64(n) {
		log.Trace(log.BusMonitoring, "bus fault", "addr", addr, "size", n, "limit", len(r.Mem))
		return busFault(addr)
	}
	return nil
}

func (r *FlatRAM) Read8(addr uint64) (uint8, *Fault) {
	if f := r.check(addr, 1); f != nil {
		return 0, f
	}
	return r.Mem[addr], nil
}

func (r *FlatRAM) Read16(addr uint64) (uint16, *Fault) {
	if f := r.check(addr, 2); f != nil {
		return 0, f
	}
	return binary.LittleEndian.Uint16(r.Mem[addr:]), nil
}

func (r *FlatRAM) Read32(addr uint64) (uint32, *Fault) {
	if f := r.check(addr, 4); f != nil {
		return 0, f
	}
	return binary.LittleEndian.Uint32(r.Mem[addr:]), nil
}

func (r *FlatRAM) Read64(addr uint64) (uint64, *Fault) {
	if f := r.check(addr, 8); f != nil {
		return 0, f
	}
	return binary.LittleEndian.Uint64(r.Mem[addr:]), nil
}

func (r *FlatRAM) Read128(addr uint64) (Vec128, *Fault) {
	if f := r.check(addr, 16); f != nil {
		return Vec128{}, f
	}
	return Vec128{
		Lo: binary.LittleEndian.Uint64(r.Mem[addr:]),
		Hi: binary.LittleEndian.Uint64(r.Mem[addr+8:]),
	}, nil
}

func (r *FlatRAM) Write8(addr uint64, v uint8) *Fault {
	if f := r.check(addr, 1); f != nil {
		return f
	}
	r.Mem[addr] = v
	return nil
}

func (r *FlatRAM) Write16(addr uint64, v uint16) *Fault {
	if f := r.check(addr, 2); f != nil {
		return f
	}
	binary.LittleEndian.PutUint16(r.Mem[addr:], v)
	return nil
}

func (r *FlatRAM) Write32(addr uint64, v uint32) *Fault {
	if f := r.check(addr, 4); f != nil {
		return f
	}
	binary.LittleEndian.PutUint32(r.Mem[addr:], v)
	return nil
}

func (r *FlatRAM) Write64(addr uint64, v uint64) *Fault {
	if f := r.check(addr, 8); f != nil {
		return f
	}
	binary.LittleEndian.PutUint64(r.Mem[addr:], v)
	return nil
}

func (r *FlatRAM) Write128(addr uint64, v Vec128) *Fault {
	if f := r.check(addr, 16); f != nil {
		return f
	}
	binary.LittleEndian.PutUint64(r.Mem[addr:], v.Lo)
	binary.LittleEndian.PutUint64(r.Mem[addr+8:], v.Hi)
	return nil
}
