package x86

import (
	"encoding/binary"
	"errors"
	"math"
	"math/bits"
)

// Ext80 is an 80-bit extended-precision value: a 64-bit mantissa with an
// explicit integer bit, and sign plus 15-bit biased exponent packed into
// SignExp. It is conceptually a 10-byte buffer; any wider carrier's unused
// bits are ignored.
type Ext80 struct {
	Mantissa uint64
	SignExp  uint16
}

const (
	ext80Bias    = 16383
	ext80ExpMask = 0x7FFF

	f64Bias    = 1023
	f64ExpMask = 0x7FF
)

// Ext80FromF64 encodes a double into 80-bit extended format. Every double,
// including subnormals, is exactly representable: the 80-bit exponent range
// is wide enough that double subnormals re-normalize into genuine 80-bit
// normals via their leading-zero count.
func Ext80FromF64(v float64) Ext80 {
	b := math.Float64bits(v)
	sign := uint16(b>>63) << 15
	exp := uint16(b>>52) & f64ExpMask
	frac := b & (1<<52 - 1)

	switch {
	case exp == f64ExpMask && frac == 0: // infinity
		return Ext80{Mantissa: 1 << 63, SignExp: sign | ext80ExpMask}
	case exp == f64ExpMask: // NaN: quiet, minimal payload
		return Ext80{Mantissa: 0xC000000000000000, SignExp: sign | ext80ExpMask}
	case exp == 0 && frac == 0: // zero
		return Ext80{SignExp: sign}
	case exp == 0: // double subnormal: renormalize
		lz := bits.LeadingZeros64(frac)
		mant := frac << uint(lz)
		// frac * 2^-1074 == mant * 2^-(1074+lz); with the integer bit at
		// position 63 the unbiased exponent is -1011-lz.
		e80 := uint16(ext80Bias - 1011 - lz)
		return Ext80{Mantissa: mant, SignExp: sign | e80}
	default: // normal
		mant := 1<<63 | frac<<11
		e80 := exp - f64Bias + ext80Bias
		return Ext80{Mantissa: mant, SignExp: sign | e80}
	}
}

// F64FromExt80 decodes an 80-bit extended value back to a double. This is
// the exact inverse of Ext80FromF64 for everything that function produces.
// Decoding an 80-bit subnormal is an approximation (scaled fixed-point
// through a rounded float64), a documented precision tradeoff of the
// f64-backed model; do not "fix" it without revisiting guest-visible
// results.
func F64FromExt80(e Ext80) float64 {
	neg := e.SignExp&0x8000 != 0
	exp := int(e.SignExp & ext80ExpMask)
	mant := e.Mantissa

	applySign := func(v float64) float64 {
		if neg {
			return -v
		}
		return v
	}

	switch {
	case exp == ext80ExpMask:
		if mant == 1<<63 {
			return applySign(math.Inf(1))
		}
		return math.NaN()
	case exp == 0 && mant == 0:
		return applySign(0)
	case exp == 0: // 80-bit subnormal: scaled fixed-point approximation
		return applySign(math.Ldexp(float64(mant), -ext80Bias-63+1))
	case mant&(1<<63) == 0:
		// unnormal encodings do not round-trip through a double
		return math.NaN()
	}

	// Normal. Round the 64-bit mantissa to the double's 53 bits
	// (nearest-even); values our encoder produced have zero low bits and
	// round-trip exactly.
	frac := mant >> 11
	rem := mant & (1<<11 - 1)
	if rem > 1<<10 || (rem == 1<<10 && frac&1 == 1) {
		frac++
		if frac == 1<<53 {
			frac >>= 1
			exp++
		}
	}

	e64 := exp - ext80Bias + f64Bias
	switch {
	case e64 >= f64ExpMask: // overflows the double exponent
		return applySign(math.Inf(1))
	case e64 <= 0: // underflows into double subnormal range
		return applySign(math.Ldexp(float64(frac), e64-1075))
	}

	b := uint64(e64)<<52 | (frac &^ (1 << 52))
	return applySign(math.Float64frombits(b))
}

// --- persisted FPU image ---

// The image layout is external and fixed: control word, status word (TOP
// field mirroring the live TOP), an 8-bit presence bitmap (bit i set iff
// physical register i is non-Empty, not the 2-bit hardware tag encoding),
// then 8 slots of 80-bit extended storage.
const (
	fpuImageCwOff    = 0
	fpuImageSwOff    = 2
	fpuImageTagsOff  = 4
	fpuImageSlotsOff = 5
	fpuImageSlotSize = 10

	FpuImageSize = fpuImageSlotsOff + 8*fpuImageSlotSize
)

var ErrShortFpuImage = errors.New("fpu image buffer too small")

// StoreImage serializes the FPU state into buf.
func (f *FpuState) StoreImage(buf []byte) error {
	if len(buf) < FpuImageSize {
		return ErrShortFpuImage
	}
	f.syncTop()
	binary.LittleEndian.PutUint16(buf[fpuImageCwOff:], f.Cw)
	binary.LittleEndian.PutUint16(buf[fpuImageSwOff:], f.Sw)

	var present uint8
	for i := 0; i < 8; i++ {
		if f.Tags[i] != TagEmpty {
			present |= 1 << uint(i)
		}
	}
	buf[fpuImageTagsOff] = present

	for i := 0; i < 8; i++ {
		slot := buf[fpuImageSlotsOff+i*fpuImageSlotSize:]
		e := Ext80FromF64(f.Regs[i])
		binary.LittleEndian.PutUint64(slot, e.Mantissa)
		binary.LittleEndian.PutUint16(slot[8:], e.SignExp)
	}
	return nil
}

// LoadImage restores the FPU state from buf. TOP comes from the status
// word's TOP field; tags are recomputed from the presence bitmap and the
// decoded values.
func (f *FpuState) LoadImage(buf []byte) error {
	if len(buf) < FpuImageSize {
		return ErrShortFpuImage
	}
	f.Cw = binary.LittleEndian.Uint16(buf[fpuImageCwOff:])
	f.Sw = binary.LittleEndian.Uint16(buf[fpuImageSwOff:])
	f.Top = uint8((f.Sw & swTopMask) >> swTopShift)

	present := buf[fpuImageTagsOff]
	for i := 0; i < 8; i++ {
		slot := buf[fpuImageSlotsOff+i*fpuImageSlotSize:]
		e := Ext80{
			Mantissa: binary.LittleEndian.Uint64(slot),
			SignExp:  binary.LittleEndian.Uint16(slot[8:]),
		}
		f.Regs[i] = F64FromExt80(e)
		if present&(1<<uint(i)) != 0 {
			f.Tags[i] = tagFor(f.Regs[i])
		} else {
			f.Tags[i] = TagEmpty
		}
	}
	f.updateSummary()
	return nil
}
