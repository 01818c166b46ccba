package x86

import "fmt"

// Flag identifies one tracked RFLAGS bit.
type Flag uint8

const (
	CF Flag = iota
	PF
	AF
	ZF
	SF
	OF
)

// Bit returns the RFLAGS mask of the flag.
func (f Flag) Bit() uint64 {
	switch f {
	case CF:
		return FlagBitCF
	case PF:
		return FlagBitPF
	case AF:
		return FlagBitAF
	case ZF:
		return FlagBitZF
	case SF:
		return FlagBitSF
	case OF:
		return FlagBitOF
	default:
		return 0
	}
}

func (f Flag) String() string {
	switch f {
	case CF:
		return "CF"
	case PF:
		return "PF"
	case AF:
		return "AF"
	case ZF:
		return "ZF"
	case SF:
		return "SF"
	case OF:
		return "OF"
	default:
		return "F?"
	}
}

// GuestRegKind discriminates the closed GuestReg variant.
type GuestRegKind uint8

const (
	GuestRip GuestRegKind = iota
	GuestGpr
	GuestFlag
)

// GuestReg is the generic addressing scheme the IR uses to reference
// architectural state, independent of x86's register aliasing. A Gpr
// reference names the 64-bit backing register plus an access width and,
// for 8-bit accesses, whether the high byte (AH/CH/DH/BH) is meant.
type GuestReg struct {
	Kind  GuestRegKind
	Gpr   int
	Width uint8 // 8, 16, 32 or 64
	High  bool  // high-byte alias, only meaningful with Width == 8
	Flag  Flag
}

func Rip() GuestReg {
	return GuestReg{Kind: GuestRip}
}

func Gpr(reg int, width uint8) GuestReg {
	return GuestReg{Kind: GuestGpr, Gpr: reg, Width: width}
}

func GprHigh(reg int) GuestReg {
	return GuestReg{Kind: GuestGpr, Gpr: reg, Width: 8, High: true}
}

func FlagReg(f Flag) GuestReg {
	return GuestReg{Kind: GuestFlag, Flag: f}
}

func (g GuestReg) String() string {
	switch g.Kind {
	case GuestRip:
		return "rip"
	case GuestFlag:
		return g.Flag.String()
	case GuestGpr:
		if g.High {
			return fmt.Sprintf("%s.h8", GprName(g.Gpr))
		}
		return fmt.Sprintf("%s.%d", GprName(g.Gpr), g.Width)
	default:
		return "reg?"
	}
}

// AliasShiftMask is the one authoritative mapping from (width, high-byte)
// to the bit position and mask of the alias inside the 64-bit backing
// register. There is no narrower physical storage anywhere.
func AliasShiftMask(width uint8, high bool) (shift uint8, mask uint64, ok bool) {
	if high {
		if width != 8 {
			return 0, 0, false
		}
		return 8, 0xFF, true
	}
	switch width {
	case 8:
		return 0, 0xFF, true
	case 16:
		return 0, 0xFFFF, true
	case 32:
		return 0, 0xFFFFFFFF, true
	case 64:
		return 0, ^uint64(0), true
	default:
		return 0, 0, false
	}
}

// ReadGuestReg reads one GuestReg out of the state. Narrow reads always go
// through the full backing register, then shift and mask.
func (s *CpuState) ReadGuestReg(g GuestReg) (uint64, bool) {
	switch g.Kind {
	case GuestRip:
		return s.Rip, true
	case GuestFlag:
		if s.GetFlag(g.Flag) {
			return 1, true
		}
		return 0, true
	case GuestGpr:
		if g.Gpr < 0 || g.Gpr >= NumGpr {
			return 0, false
		}
		shift, mask, ok := AliasShiftMask(g.Width, g.High)
		if !ok {
			return 0, false
		}
		return (s.Regs[g.Gpr] >> shift) & mask, true
	default:
		return 0, false
	}
}

// WriteGuestReg writes one GuestReg. 64-bit writes replace the register,
// 32-bit writes zero-extend (x86-64 convention), 16-/8-bit writes merge
// into the untouched bits.
func (s *CpuState) WriteGuestReg(g GuestReg, v uint64) bool {
	switch g.Kind {
	case GuestRip:
		s.Rip = v
		return true
	case GuestFlag:
		s.SetFlag(g.Flag, v != 0)
		return true
	case GuestGpr:
		if g.Gpr < 0 || g.Gpr >= NumGpr {
			return false
		}
		switch {
		case g.Width == 64:
			s.Regs[g.Gpr] = v
		case g.Width == 32 && !g.High:
			s.Regs[g.Gpr] = v & 0xFFFFFFFF
		default:
			shift, mask, ok := AliasShiftMask(g.Width, g.High)
			if !ok {
				return false
			}
			old := s.Regs[g.Gpr]
			s.Regs[g.Gpr] = (old &^ (mask << shift)) | ((v & mask) << shift)
		}
		return true
	default:
		return false
	}
}
