package x86

import "fmt"

var instrNames = map[InstrType]string{
	ITInvalid: "(bad)",
	ITAdd: "add", ITAdc: "adc", ITSub: "sub", ITSbb: "sbb",
	ITAnd: "and", ITOr: "or", ITXor: "xor", ITCmp: "cmp", ITTest: "test",
	ITMov: "mov", ITMovsx: "movsx", ITMovzx: "movzx", ITLea: "lea",
	ITShl: "shl", ITShr: "shr", ITSar: "sar",
	ITPush: "push", ITPop: "pop",
	ITCall: "call", ITJmp: "jmp", ITJmpIndirect: "jmp",
	ITImul: "imul", ITMul: "mul", ITDiv: "div", ITIdiv: "idiv",
	ITNot: "not", ITNeg: "neg", ITInc: "inc", ITDec: "dec",
	ITNop: "nop", ITLeave: "leave", ITRet: "ret",
	ITCltq: "cltq", ITCqto: "cqto", ITCdq: "cdq", ITBsf: "bsf",
	ITMovss: "movss", ITMovsd: "movsd", ITMovaps: "movaps", ITMovapd: "movapd",
	ITMovups: "movups", ITMovupd: "movupd", ITMovdReg: "movd", ITMovdqa: "movdqa", ITMovdqu: "movdqu",
	ITAddss: "addss", ITAddsd: "addsd", ITAddps: "addps", ITAddpd: "addpd",
	ITSubss: "subss", ITSubsd: "subsd", ITSubps: "subps", ITSubpd: "subpd",
	ITMulss: "mulss", ITMulsd: "mulsd", ITMulps: "mulps", ITMulpd: "mulpd",
	ITXorps: "xorps", ITPxor: "pxor", ITUcomisd: "ucomisd",
	ITPcmpeqb: "pcmpeqb", ITPminub: "pminub", ITPmovmskb: "pmovmskb", ITPaddq: "paddq",
	ITMovlps: "movlps", ITMovhps: "movhps", ITUnpcklps: "unpcklps", ITUnpcklpd: "unpcklpd",
}

// Mnemonic returns the instruction's base mnemonic, without condition-code
// suffix.
func (t InstrType) Mnemonic() string {
	if n, ok := instrNames[t]; ok {
		return n
	}
	return fmt.Sprintf("it(%d)", uint16(t))
}

// String renders the instruction as its address followed by AT&T-style
// "op src, dst" ("0x1000: add %esi, %eax"): used for
// session_decode_print and test failure messages, not a stable format.
func (in *Instruction) String() string {
	name := in.Type.Mnemonic()
	switch in.Type {
	case ITJcc:
		name = "j" + in.Cond.String()
	case ITCmovCc:
		name = "cmov" + in.Cond.String()
	case ITSetCc:
		name = "set" + in.Cond.String()
	}
	if in.Passthrough != nil {
		name = name + "/pt"
	}

	var ops []Operand
	if in.Src2.Kind != OpNone {
		ops = append(ops, in.Src2)
	}
	if in.Src.Kind != OpNone {
		ops = append(ops, in.Src)
	}
	if in.Dst.Kind != OpNone {
		ops = append(ops, in.Dst)
	}
	s := fmt.Sprintf("%#x: %s", in.Address, name)
	for i, o := range ops {
		if i == 0 {
			s += " " + o.String()
		} else {
			s += ", " + o.String()
		}
	}
	return s
}
