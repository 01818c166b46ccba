package x86

import (
	"encoding/binary"
	"math"

	"github.com/holiman/uint256"
)

// Vec128 is one 128-bit vector register lane pair, little-endian: Lo holds
// bytes 0-7, Hi bytes 8-15.
type Vec128 struct {
	Lo uint64
	Hi uint64
}

// Bytes returns the 16-byte little-endian image of the register.
func (v Vec128) Bytes() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], v.Lo)
	binary.LittleEndian.PutUint64(b[8:16], v.Hi)
	return b
}

// Vec128FromBytes builds a register from its 16-byte little-endian image.
func Vec128FromBytes(b [16]byte) Vec128 {
	return Vec128{
		Lo: binary.LittleEndian.Uint64(b[0:8]),
		Hi: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func (v Vec128) U64(lane int) uint64 {
	if lane == 0 {
		return v.Lo
	}
	return v.Hi
}

func (v *Vec128) SetU64(lane int, x uint64) {
	if lane == 0 {
		v.Lo = x
	} else {
		v.Hi = x
	}
}

func (v Vec128) U32(lane int) uint32 {
	w := v.U64(lane >> 1)
	return uint32(w >> (uint(lane&1) * 32))
}

func (v *Vec128) SetU32(lane int, x uint32) {
	w := v.U64(lane >> 1)
	sh := uint(lane&1) * 32
	w = (w &^ (uint64(0xFFFFFFFF) << sh)) | uint64(x)<<sh
	v.SetU64(lane>>1, w)
}

func (v Vec128) U16(lane int) uint16 {
	w := v.U64(lane >> 2)
	return uint16(w >> (uint(lane&3) * 16))
}

func (v *Vec128) SetU16(lane int, x uint16) {
	w := v.U64(lane >> 2)
	sh := uint(lane&3) * 16
	w = (w &^ (uint64(0xFFFF) << sh)) | uint64(x)<<sh
	v.SetU64(lane>>2, w)
}

func (v Vec128) U8(lane int) uint8 {
	w := v.U64(lane >> 3)
	return uint8(w >> (uint(lane&7) * 8))
}

func (v *Vec128) SetU8(lane int, x uint8) {
	w := v.U64(lane >> 3)
	sh := uint(lane&7) * 8
	w = (w &^ (uint64(0xFF) << sh)) | uint64(x)<<sh
	v.SetU64(lane>>3, w)
}

// F64 interprets one 64-bit lane as a double.
func (v Vec128) F64(lane int) float64 {
	return math.Float64frombits(v.U64(lane))
}

func (v *Vec128) SetF64(lane int, x float64) {
	v.SetU64(lane, math.Float64bits(x))
}

// ShlBytes shifts the whole register left by n bytes, filling with zeros.
// The 128-bit value rides in the low two words of a uint256.
func (v Vec128) ShlBytes(n int) Vec128 {
	if n >= 16 {
		return Vec128{}
	}
	x := &uint256.Int{v.Lo, v.Hi, 0, 0}
	x.Lsh(x, uint(n)*8)
	return Vec128{Lo: x[0], Hi: x[1]}
}

// ShrBytes shifts the whole register right by n bytes, filling with zeros.
func (v Vec128) ShrBytes(n int) Vec128 {
	if n >= 16 {
		return Vec128{}
	}
	x := &uint256.Int{v.Lo, v.Hi, 0, 0}
	x.Rsh(x, uint(n)*8)
	return Vec128{Lo: x[0], Hi: x[1]}
}
