package x86

// arithGroupOps maps the 3-bit "group" selector embedded in opcodes 0x00-0x3D
// (group = opcode>>3) to the operation it performs, per the standard x86
// opcode map.
var arithGroupOps = [8]InstrType{ITAdd, ITOr, ITAdc, ITSbb, ITAnd, ITSub, ITXor, ITCmp}

// group1Ops maps the ModR/M reg-field selector used by opcodes 0x80/0x81/0x83
// to an operation.
var group1Ops = [8]InstrType{ITAdd, ITOr, ITAdc, ITSbb, ITAnd, ITSub, ITXor, ITCmp}

// group2Ops maps the ModR/M reg-field selector used by opcodes 0xC0/0xC1 to a
// shift operation. Only SHL/SHR/SAR are modeled (spec §4.2); ROL/ROR/RCL/RCR
// decode to ITInvalid with no passthrough record, and the emulator stops a
// trace that reaches them with ErrTraceInvalid.
var group2Ops = [8]InstrType{ITInvalid, ITInvalid, ITInvalid, ITInvalid, ITShl, ITShr, ITShl, ITSar}

// group3Ops maps the ModR/M reg-field selector used by opcodes 0xF6/0xF7.
var group3Ops = [8]InstrType{ITTest, ITTest, ITNot, ITNeg, ITMul, ITImul, ITDiv, ITIdiv}
