package chunk

// Opcode is the first byte of every instruction.
type Opcode uint8

// Opcodes. The numbering is part of the binary chunk format.
const (
	OpNop Opcode = iota
	OpHalt
	OpRet
	OpSRet
	OpWide

	OpMov
	OpSet
	OpConst
	OpRef
	OpDef
	OpDefV
	OpRefI
	OpClrReg
	OpRegT
	OpRegF
	OpRegN
	OpRegC
	OpRegB
	OpRegI
	OpRegU

	OpClose
	OpBMov

	OpCall
	OpCallG
	OpTCall
	OpTCallG
	OpCallM
	OpTCallM

	OpEq
	OpEqual
	OpNot

	OpErr
	OpCCC
	OpDfr
	OpDfrPop
	OpOnErr

	OpJmp
	OpJmpF
	OpJmpB
	OpJmpFT
	OpJmpBT
	OpJmpFF
	OpJmpBF
	OpJmpT
	OpJmpFalse
	OpJmpEq
	OpJmpLt
	OpJmpGt
	OpJmpFU
	OpJmpBU
	OpJmpFNU
	OpJmpBNU

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpAddM
	OpSubM
	OpMulM
	OpDivM
	OpNumEq
	OpNumNeq
	OpNumLt
	OpNumGt
	OpNumLte
	OpNumGte
	OpInc
	OpDec

	OpCons
	OpCar
	OpCdr
	OpXar
	OpXdr

	OpList
	OpApnd
	OpVecMk
	OpVecEls
	OpVecPsh
	OpVecPop
	OpVecNth
	OpVecSth
	OpVecMkD
	OpVec
	OpVecLen
	OpVecClr
	OpStr

	OpType

	// MaxOpcode is the highest recognized opcode.
	MaxOpcode = OpType
)

// OperandKind describes how an operand is encoded and rendered.
type OperandKind uint8

const (
	// Reg addresses a register in the current window.
	Reg OperandKind = iota + 1
	// Const addresses the constant pool.
	Const
	// Imm is an unsigned inline literal (counts, jump offsets).
	Imm
	// SImm is a signed inline literal.
	SImm
	// Global is a big immediate indexing the global table.
	Global
	// GlobalReg is a register holding the global's symbol.
	GlobalReg
)

// Size returns the encoded width of the operand in bytes.
func (k OperandKind) Size(wide bool) int {
	switch {
	case k == Global && wide:
		return 4
	case k == Global, wide:
		return 2
	default:
		return 1
	}
}

// Info describes the layout of one opcode.
type Info struct {
	Name     string
	Operands []OperandKind
}

var (
	none    = []OperandKind{}
	r       = []OperandKind{Reg}
	rr      = []OperandKind{Reg, Reg}
	rrr     = []OperandKind{Reg, Reg, Reg}
	ri      = []OperandKind{Reg, Imm}
	rri     = []OperandKind{Reg, Reg, Imm}
	imm     = []OperandKind{Imm}
	jmpCond = ri
)

var infos = [MaxOpcode + 1]Info{
	OpNop:  {"NOP", none},
	OpHalt: {"HALT", none},
	OpRet:  {"RET", none},
	OpSRet: {"SRET", r},
	OpWide: {"WIDE", none},

	OpMov:    {"MOV", rr},
	OpSet:    {"SET", rr},
	OpConst:  {"CONST", []OperandKind{Reg, Const}},
	OpRef:    {"REF", []OperandKind{Reg, GlobalReg}},
	OpDef:    {"DEF", []OperandKind{GlobalReg, Reg}},
	OpDefV:   {"DEFV", []OperandKind{GlobalReg, Reg}},
	OpRefI:   {"REFI", []OperandKind{Reg, Global}},
	OpClrReg: {"CLRREG", r},
	OpRegT:   {"REGT", r},
	OpRegF:   {"REGF", r},
	OpRegN:   {"REGN", r},
	OpRegC:   {"REGC", r},
	OpRegB:   {"REGB", ri},
	OpRegI:   {"REGI", []OperandKind{Reg, SImm}},
	OpRegU:   {"REGU", ri},

	OpClose: {"CLOSE", rr},
	OpBMov:  {"BMOV", rri},

	OpCall:   {"CALL", []OperandKind{Reg, Imm, Reg}},
	OpCallG:  {"CALLG", []OperandKind{Global, Imm, Reg}},
	OpTCall:  {"TCALL", ri},
	OpTCallG: {"TCALLG", []OperandKind{Global, Imm}},
	OpCallM:  {"CALLM", []OperandKind{Imm, Reg}},
	OpTCallM: {"TCALLM", imm},

	OpEq:    {"EQ", rrr},
	OpEqual: {"EQUAL", rrr},
	OpNot:   {"NOT", rr},

	OpErr:    {"ERR", rr},
	OpCCC:    {"CCC", rr},
	OpDfr:    {"DFR", r},
	OpDfrPop: {"DFRPOP", none},
	OpOnErr:  {"ONERR", r},

	OpJmp:      {"JMP", imm},
	OpJmpF:     {"JMPF", imm},
	OpJmpB:     {"JMPB", imm},
	OpJmpFT:    {"JMPFT", jmpCond},
	OpJmpBT:    {"JMPBT", jmpCond},
	OpJmpFF:    {"JMPFF", jmpCond},
	OpJmpBF:    {"JMPBF", jmpCond},
	OpJmpT:     {"JMP_T", jmpCond},
	OpJmpFalse: {"JMP_F", jmpCond},
	OpJmpEq:    {"JMPEQ", rri},
	OpJmpLt:    {"JMPLT", rri},
	OpJmpGt:    {"JMPGT", rri},
	OpJmpFU:    {"JMPFU", jmpCond},
	OpJmpBU:    {"JMPBU", jmpCond},
	OpJmpFNU:   {"JMPFNU", jmpCond},
	OpJmpBNU:   {"JMPBNU", jmpCond},

	OpAdd:    {"ADD", rrr},
	OpSub:    {"SUB", rrr},
	OpMul:    {"MUL", rrr},
	OpDiv:    {"DIV", rrr},
	OpAddM:   {"ADDM", rr},
	OpSubM:   {"SUBM", rr},
	OpMulM:   {"MULM", rr},
	OpDivM:   {"DIVM", rr},
	OpNumEq:  {"NUMEQ", rrr},
	OpNumNeq: {"NUMNEQ", rrr},
	OpNumLt:  {"NUMLT", rrr},
	OpNumGt:  {"NUMGT", rrr},
	OpNumLte: {"NUMLTE", rrr},
	OpNumGte: {"NUMGTE", rrr},
	OpInc:    {"INC", ri},
	OpDec:    {"DEC", ri},

	OpCons: {"CONS", rrr},
	OpCar:  {"CAR", rr},
	OpCdr:  {"CDR", rr},
	OpXar:  {"XAR", rr},
	OpXdr:  {"XDR", rr},

	OpList:   {"LIST", rrr},
	OpApnd:   {"APND", rrr},
	OpVecMk:  {"VECMK", rr},
	OpVecEls: {"VECELS", rr},
	OpVecPsh: {"VECPSH", rr},
	OpVecPop: {"VECPOP", rr},
	OpVecNth: {"VECNTH", rrr},
	OpVecSth: {"VECSTH", rrr},
	OpVecMkD: {"VECMKD", rrr},
	OpVec:    {"VEC", rrr},
	OpVecLen: {"VECLEN", rr},
	OpVecClr: {"VECCLR", r},
	OpStr:    {"STR", rrr},

	OpType: {"TYPE", rr},
}

var byName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(infos))
	for op, info := range infos {
		m[info.Name] = Opcode(op) //nolint:gosec // table is bounded by MaxOpcode
	}
	return m
}()

// Lookup returns the layout of op.
func Lookup(op Opcode) (Info, bool) {
	if op > MaxOpcode {
		return Info{}, false
	}
	return infos[op], true
}

// ByName resolves an upper-case mnemonic.
func ByName(name string) (Opcode, bool) {
	op, ok := byName[name]
	return op, ok
}

// String returns the mnemonic.
func (op Opcode) String() string {
	if info, ok := Lookup(op); ok {
		return info.Name
	}
	return "???"
}

// IsRelativeJump reports whether the jump target operand is an offset from
// the ip following the instruction. The sign is given by Backward.
func (op Opcode) IsRelativeJump() bool {
	switch op {
	case OpJmpF, OpJmpB, OpJmpFT, OpJmpBT, OpJmpFF, OpJmpBF,
		OpJmpFU, OpJmpBU, OpJmpFNU, OpJmpBNU:
		return true
	}
	return false
}

// IsAbsoluteJump reports whether the last operand is an absolute code offset.
func (op Opcode) IsAbsoluteJump() bool {
	switch op {
	case OpJmp, OpJmpT, OpJmpFalse, OpJmpEq, OpJmpLt, OpJmpGt:
		return true
	}
	return false
}

// Backward reports whether a relative jump moves towards lower offsets.
func (op Opcode) Backward() bool {
	switch op {
	case OpJmpB, OpJmpBT, OpJmpBF, OpJmpBU, OpJmpBNU:
		return true
	}
	return false
}
