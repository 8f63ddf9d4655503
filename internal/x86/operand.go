package x86

import "fmt"

// OperandKind tags the variant held by an Operand, per spec §3.
type OperandKind uint8

const (
	OpNone OperandKind = iota
	OpReg
	OpImm
	OpInd
)

// Segment identifies a segment-override prefix recognized on an indirect
// operand. CS/DS/ES/SS are never represented — they're implicit in x86-64
// and the decoder never emits an override for them.
type Segment uint8

const (
	SegNone Segment = iota
	SegFS
	SegGS
)

// Operand is a tagged variant: exactly one of the Reg/Imm/Ind shapes is
// meaningful, selected by Kind. Modeled as a flat struct rather than an
// interface hierarchy (spec §9 design note: "model Operand as a tagged
// variant, not by inheritance"), keeping src/dst as plain fields switched
// on a Kind tag instead of a polymorphic Operand type.
type Operand struct {
	Kind OperandKind

	// OpReg
	Reg Reg

	// OpImm: ImmWidth declares how many bits were encoded (8/16/32/64); Value
	// holds the decoded bits and is not necessarily extended to 64 bits (a
	// 32-bit immediate is stored zero-extended); SignedImm sign-extends it
	// from ImmWidth.
	ImmWidth uint8
	Value    uint64

	// OpInd
	Width   ValType // element width of the memory access
	Base    Reg     // None if absent (e.g. mod=0,base=5 with no RIP)
	Index   Reg      // None if no index register is used
	Scale   uint8    // one of 0, 1, 2, 4, 8; 0 iff Index is None
	Disp    int64
	Segment Segment
}

func RegOperand(r Reg) Operand { return Operand{Kind: OpReg, Reg: r} }

func ImmOperand(width uint8, value uint64) Operand {
	return Operand{Kind: OpImm, ImmWidth: width, Value: value}
}

// IndOperand builds a memory operand. It panics if the (index,scale)
// invariant from spec §3 is violated: index None implies scale 0.
func IndOperand(width ValType, base, index Reg, scale uint8, disp int64, seg Segment) Operand {
	if index.Kind == RegNone && scale != 0 {
		panic("x86: IndOperand scale must be 0 when index is absent")
	}
	if index.Kind != RegNone && scale == 0 {
		panic("x86: IndOperand scale must be nonzero when index is present")
	}
	return Operand{Kind: OpInd, Width: width, Base: base, Index: index, Scale: scale, Disp: disp, Segment: seg}
}

// RipRelative builds a RIP-relative memory operand: Base=IP, no index.
func RipRelative(width ValType, disp int64) Operand {
	return Operand{Kind: OpInd, Width: width, Base: IP, Disp: disp}
}

// IsRipRelative reports whether this is a RIP-relative memory operand.
func (o Operand) IsRipRelative() bool {
	return o.Kind == OpInd && o.Base.Kind == RegIP
}

// SignedImm sign-extends the stored immediate to int64 according to ImmWidth.
func (o Operand) SignedImm() int64 {
	switch o.ImmWidth {
	case 8:
		return int64(int8(o.Value))
	case 16:
		return int64(int16(o.Value))
	case 32:
		return int64(int32(o.Value))
	default:
		return int64(o.Value)
	}
}

func (o Operand) String() string {
	switch o.Kind {
	case OpNone:
		return ""
	case OpReg:
		return o.Reg.String()
	case OpImm:
		return fmt.Sprintf("$0x%x", o.Value)
	case OpInd:
		seg := ""
		switch o.Segment {
		case SegFS:
			seg = "%fs:"
		case SegGS:
			seg = "%gs:"
		}
		if o.Base.Kind == RegIP {
			return fmt.Sprintf("%s%d(%%rip)", seg, o.Disp)
		}
		base := ""
		if o.Base.Kind != RegNone {
			base = o.Base.String()
		}
		if o.Index.Kind != RegNone {
			return fmt.Sprintf("%s%d(%s,%s,%d)", seg, o.Disp, base, o.Index, o.Scale)
		}
		return fmt.Sprintf("%s%d(%s)", seg, o.Disp, base)
	}
	return "<bad-operand>"
}
