package x86

import (
	"math"
	"math/bits"
)

// --- packed and scalar double-precision arithmetic ---

func (vm *VM) Addpd(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	d.SetF64(0, d.F64(0)+src.F64(0))
	d.SetF64(1, d.F64(1)+src.F64(1))
}

func (vm *VM) Subpd(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	d.SetF64(0, d.F64(0)-src.F64(0))
	d.SetF64(1, d.F64(1)-src.F64(1))
}

func (vm *VM) Mulpd(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	d.SetF64(0, d.F64(0)*src.F64(0))
	d.SetF64(1, d.F64(1)*src.F64(1))
}

func (vm *VM) Divpd(dst int, src Vec128) {
	d := &vm.Cpu.Xmm[dst]
	vm.noteDivFlags(d.F64(0), src.F64(0))
	vm.noteDivFlags(d.F64(1), src.F64(1))
	d.SetF64(0, d.F64(0)/src.F64(0))
	d.SetF64(1, d.F64(1)/src.F64(1))
}

// Scalar forms operate on lane 0 and preserve the destination's high 64 bits.

func (vm *VM) Addsd(dst int, src float64) {
	vm.Cpu.Xmm[dst].SetF64(0, vm.Cpu.Xmm[dst].F64(0)+src)
}

func (vm *VM) Subsd(dst int, src float64) {
	vm.Cpu.Xmm[dst].SetF64(0, vm.Cpu.Xmm[dst].F64(0)-src)
}

func (vm *VM) Mulsd(dst int, src float64) {
	vm.Cpu.Xmm[dst].SetF64(0, vm.Cpu.Xmm[dst].F64(0)*src)
}

func (vm *VM) Divsd(dst int, src float64) {
	vm.noteDivFlags(vm.Cpu.Xmm[dst].F64(0), src)
	vm.Cpu.Xmm[dst].SetF64(0, vm.Cpu.Xmm[dst].F64(0)/src)
}

func (vm *VM) noteDivFlags(a, b float64) {
	if b == 0 && a != 0 && !math.IsNaN(a) && !math.IsInf(a, 0) {
		vm.Cpu.SetSseFlags(MxcsrZE)
	}
	if a == 0 && b == 0 {
		vm.Cpu.SetSseFlags(MxcsrIE)
	}
}

// --- integer -> double ---

// CvtSi32ToSd converts a signed 32-bit integer into lane 0, preserving the
// high 64 bits. Every int32 is exactly representable, so no flags move.
func (vm *VM) CvtSi32ToSd(dst int, v int32) {
	vm.Cpu.Xmm[dst].SetF64(0, float64(v))
}

// CvtSi64ToSd converts a signed 64-bit integer into lane 0, preserving the
// high 64 bits, rounding per MXCSR and raising the sticky Precision flag
// when rounding changed the value.
func (vm *VM) CvtSi64ToSd(dst int, v int64) {
	f, inexact := cvtI64ToF64(v, vm.Cpu.SseRounding())
	if inexact {
		vm.Cpu.SetSseFlags(MxcsrPE)
	}
	vm.Cpu.Xmm[dst].SetF64(0, f)
}

// cvtI64ToF64 builds the double by hand: doubles carry only 53 mantissa
// bits, so 64-bit magnitudes must be rounded explicitly. Returns the
// rounded value and whether it differs from the exact integer.
func cvtI64ToF64(v int64, rc Rounding) (float64, bool) {
	if v == 0 {
		return 0, false
	}
	neg := v < 0
	var mag uint64
	if neg {
		mag = uint64(-v) // math.MinInt64 negates to itself, which is correct here
	} else {
		mag = uint64(v)
	}

	n := bits.Len64(mag)
	exp := n - 1
	var mant uint64
	inexact := false
	if n <= 53 {
		mant = mag << uint(53-n)
	} else {
		shift := uint(n - 53)
		mant = mag >> shift
		rem := mag & (1<<shift - 1)
		if rem != 0 {
			inexact = true
			half := uint64(1) << (shift - 1)
			roundUp := false
			switch rc {
			case RoundNearest:
				roundUp = rem > half || (rem == half && mant&1 == 1)
			case RoundDown:
				roundUp = neg // larger magnitude is more negative
			case RoundUp:
				roundUp = !neg
			case RoundZero:
				// truncate
			}
			if roundUp {
				mant++
				if mant == 1<<53 {
					// carry out of the mantissa: renormalize
					mant >>= 1
					exp++
				}
			}
		}
	}

	b := uint64(exp+1023)<<52 | (mant &^ (1 << 52))
	if neg {
		b |= 1 << 63
	}
	return math.Float64frombits(b), inexact
}

// --- double -> integer ---

// CvtSdToSi64 converts lane 0 of src to a signed 64-bit integer using the
// MXCSR rounding mode; truncate forces round-toward-zero (the CVTT form).
// NaN, infinities and out-of-range values saturate to the minimum and set
// the sticky Invalid flag.
func (vm *VM) CvtSdToSi64(src int, truncate bool) int64 {
	return vm.cvtF64ToI64(vm.Cpu.Xmm[src].F64(0), truncate)
}

func (vm *VM) cvtF64ToI64(x float64, truncate bool) int64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		vm.Cpu.SetSseFlags(MxcsrIE)
		return math.MinInt64
	}
	r := vm.roundSse(x, truncate)
	// 2^63-1 is not representable as a double; the first double at or above
	// the boundary is exactly 2^63.
	if r >= 0x1p63 || r < -0x1p63 {
		vm.Cpu.SetSseFlags(MxcsrIE)
		return math.MinInt64
	}
	if r != x {
		vm.Cpu.SetSseFlags(MxcsrPE)
	}
	return int64(r)
}

func (vm *VM) CvtSdToSi32(src int, truncate bool) int32 {
	return vm.cvtF64ToI32(vm.Cpu.Xmm[src].F64(0), truncate)
}

func (vm *VM) cvtF64ToI32(x float64, truncate bool) int32 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		vm.Cpu.SetSseFlags(MxcsrIE)
		return math.MinInt32
	}
	r := vm.roundSse(x, truncate)
	if r >= 0x1p31 || r < -0x1p31 {
		vm.Cpu.SetSseFlags(MxcsrIE)
		return math.MinInt32
	}
	if r != x {
		vm.Cpu.SetSseFlags(MxcsrPE)
	}
	return int32(r)
}

func (vm *VM) roundSse(x float64, truncate bool) float64 {
	if truncate {
		return math.Trunc(x)
	}
	switch vm.Cpu.SseRounding() {
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

// CvtDq2Pd widens the two low signed 32-bit lanes into doubles (exact).
func (vm *VM) CvtDq2Pd(dst int, src Vec128) {
	lo := float64(int32(src.U32(0)))
	hi := float64(int32(src.U32(1)))
	vm.Cpu.Xmm[dst].SetF64(0, lo)
	vm.Cpu.Xmm[dst].SetF64(1, hi)
}

// CvtTPd2Dq truncates both double lanes into the two low 32-bit lanes and
// zeros the high 64 bits.
func (vm *VM) CvtTPd2Dq(dst int, src Vec128) {
	lo := vm.cvtF64ToI32(src.F64(0), true)
	hi := vm.cvtF64ToI32(src.F64(1), true)
	vm.Cpu.Xmm[dst] = Vec128{Lo: uint64(uint32(lo)) | uint64(uint32(hi))<<32}
}
