package x86

// InstrType identifies the semantic operation an Instruction performs,
// independent of operand width (width lives in VType) — deliberately not
// width-suffixed (no ADDL/ADDQ/... split) because the Emulator (spec §4.3)
// dispatches on operation identity first and width second, and keeping them
// separate avoids an explosion of near-duplicate cases.
type InstrType uint16

const (
	ITInvalid InstrType = iota

	// Integer arithmetic/logic, all three encodings (MR, RM, AL/AX-imm).
	ITAdd
	ITAdc
	ITSub
	ITSbb
	ITAnd
	ITOr
	ITXor
	ITCmp
	ITTest

	ITMov
	ITMovsx
	ITMovzx
	ITLea

	ITShl
	ITShr
	ITSar

	ITPush
	ITPop

	ITCall
	ITJmp
	ITJmpIndirect
	ITJcc
	ITCmovCc
	ITSetCc

	ITImul
	ITMul
	ITDiv
	ITIdiv

	ITNot
	ITNeg
	ITInc
	ITDec

	ITNop
	ITLeave
	ITRet

	ITCltq // CDQE/CLTQ: sign-extend EAX into RAX
	ITCqto // CQO/CQTO: sign-extend RAX into RDX:RAX
	ITCdq  // CDQ: sign-extend EAX into EDX:EAX
	ITBsf

	// SSE/SSE2 subset (spec §4.2).
	ITMovss
	ITMovsd
	ITMovaps
	ITMovapd
	ITMovups
	ITMovupd
	ITMovdReg // MOVD/MOVQ between GPR and XMM
	ITMovdqa
	ITMovdqu
	ITAddss
	ITAddsd
	ITAddps
	ITAddpd
	ITSubss
	ITSubsd
	ITSubps
	ITSubpd
	ITMulss
	ITMulsd
	ITMulps
	ITMulpd
	ITXorps
	ITPxor
	ITUcomisd
	ITPcmpeqb
	ITPminub
	ITPmovmskb
	ITPaddq
	ITMovlps
	ITMovhps
	ITUnpcklps
	ITUnpcklpd
)

// Cond is a condition-code predicate, as tested by Jcc/CMOVcc/SETcc. Values
// mirror the low nibble of the one- and two-byte Jcc/SETcc opcode maps so
// that Cond(opcodeLowNibble) is a valid conversion in the decoder.
type Cond uint8

const (
	CondO  Cond = 0x0 // overflow
	CondNO Cond = 0x1
	CondB  Cond = 0x2 // below / CF
	CondAE Cond = 0x3
	CondE  Cond = 0x4 // equal / ZF
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8 // sign
	CondNS Cond = 0x9
	CondP  Cond = 0xA // parity
	CondNP Cond = 0xB
	CondL  Cond = 0xC // less (signed)
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

func (c Cond) String() string {
	names := [...]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}
	if int(c) < len(names) {
		return names[c]
	}
	return "?"
}

// OpEnc names the operand encoding family a passthrough record was captured
// with (spec §3's "OE_RM/MR/RVM/MI").
type OpEnc uint8

const (
	OeNone OpEnc = iota
	OeRM         // reg <- reg/mem
	OeMR         // reg/mem <- reg
	OeRVM        // reg <- reg, reg/mem  (3-operand vector form)
	OeMI         // reg/mem <- imm
)

// PTRec is the passthrough record attached to an Instruction the semantic
// decoder could not classify but must still be able to re-emit byte-exact,
// modulo ModR/M register-field patches (spec §3, §4.5).
type PTRec struct {
	// Raw holds the full original instruction bytes, prefixes through the
	// last immediate byte.
	Raw []byte
	// OpcodeMapLen is 1 for a one-byte primary opcode, 2 for the 0F-escaped
	// two-byte map.
	OpcodeMapLen uint8
	// ModRMOffset is the index into Raw of the ModR/M byte, or -1 if the
	// instruction has no ModR/M byte.
	ModRMOffset int
	Enc         OpEnc
}

// Instruction is a single decoded or captured x86-64 instruction, per the
// tagged-variant data model of spec §3. Dst/Src/Src2 follow AT&T operand
// order as used throughout the Operand.String() disassembly (dst last at
// print time).
type Instruction struct {
	Address uint64
	Length  uint8

	Type  InstrType
	Form  uint8 // reserved operand-form discriminant, mirrors spec's form∈{0,1,2,3}
	VType ValType

	Dst, Src, Src2 Operand

	// Cond is meaningful for ITJcc, ITCmovCc, ITSetCc.
	Cond Cond

	Passthrough *PTRec
}

// IsExit reports whether this instruction ends a Decoded Basic Block, per
// spec §4.2 step 3.e.
func (in *Instruction) IsExit() bool {
	switch in.Type {
	case ITJcc, ITJmp, ITJmpIndirect, ITCall, ITRet:
		return true
	}
	return false
}
