package vm

import "fmt"

// Opcode is a QVM instruction opcode.
type Opcode uint8

// QVM opcodes, numbered as in the module container.
const (
	OpUndef Opcode = iota // Invalid
	OpIgnore              // No-op
	OpBreak               // Breakpoint marker (no-op)

	OpEnter // Allocate frame: sp -= n
	OpLeave // Release frame: sp += n, return
	OpCall  // Call popped target (negative: native)
	OpPush  // Push 0
	OpPop   // Drop top
	OpConst // Push n
	OpLocal // Push sp + n
	OpJump  // Jump to popped target

	OpEq  // ==
	OpNe  // !=
	OpLti // < (signed)
	OpLei // <= (signed)
	OpGti // > (signed)
	OpGei // >= (signed)
	OpLtu // < (unsigned)
	OpLeu // <= (unsigned)
	OpGtu // > (unsigned)
	OpGeu // >= (unsigned)
	OpEqf // == (float)
	OpNef // != (float)
	OpLtf // < (float)
	OpLef // <= (float)
	OpGtf // > (float)
	OpGef // >= (float)

	OpLoad1     // Load byte
	OpLoad2     // Load 16-bit
	OpLoad4     // Load 32-bit
	OpStore1    // Store byte
	OpStore2    // Store 16-bit
	OpStore4    // Store 32-bit
	OpArg       // Store popped value at sp + n
	OpBlockCopy // Copy n bytes

	OpSex8  // Sign-extend 8
	OpSex16 // Sign-extend 16

	OpNegi
	OpAdd
	OpSub
	OpDivi
	OpDivu
	OpModi
	OpModu
	OpMuli
	OpMulu

	OpBand
	OpBor
	OpBxor
	OpBcom

	OpLsh
	OpRshi
	OpRshu

	OpNegf
	OpAddf
	OpSubf
	OpDivf
	OpMulf

	OpCvif // int -> float
	OpCvfi // float -> int

	opCount
)

var opNames = [opCount]string{
	"undef", "ignore", "break",
	"enter", "leave", "call", "push", "pop", "const", "local", "jump",
	"eq", "ne", "lti", "lei", "gti", "gei", "ltu", "leu", "gtu", "geu",
	"eqf", "nef", "ltf", "lef", "gtf", "gef",
	"load1", "load2", "load4", "store1", "store2", "store4", "arg", "block_copy",
	"sex8", "sex16",
	"negi", "add", "sub", "divi", "divu", "modi", "modu", "muli", "mulu",
	"band", "bor", "bxor", "bcom",
	"lsh", "rshi", "rshu",
	"negf", "addf", "subf", "divf", "mulf",
	"cvif", "cvfi",
}

// Valid reports whether op is a defined opcode. OpUndef is defined but
// never executable.
func (op Opcode) Valid() bool {
	return op < opCount
}

// String returns the opcode mnemonic.
func (op Opcode) String() string {
	if op < opCount {
		return opNames[op]
	}
	return fmt.Sprintf("op(0x%02x)", uint8(op))
}

// OperandSize returns the size in bytes of the operand that follows op in
// the module container.
func (op Opcode) OperandSize() int {
	switch op {
	case OpEnter, OpLeave, OpConst, OpLocal, OpBlockCopy,
		OpEq, OpNe, OpLti, OpLei, OpGti, OpGei, OpLtu, OpLeu, OpGtu, OpGeu,
		OpEqf, OpNef, OpLtf, OpLef, OpGtf, OpGef:
		return 4
	case OpArg:
		return 1
	default:
		return 0
	}
}

// IsBranch reports whether op is a conditional jump.
func (op Opcode) IsBranch() bool {
	return op >= OpEq && op <= OpGef
}

// Instruction is a decoded QVM instruction.
type Instruction struct {
	Op  Opcode
	Arg int32
}

// Ins builds an instruction. Used by tests and assemblers.
func Ins(op Opcode, arg int32) Instruction {
	return Instruction{Op: op, Arg: arg}
}

// String returns a one-line disassembly of the instruction.
func (i Instruction) String() string {
	if i.Op.OperandSize() == 0 {
		return i.Op.String()
	}
	return fmt.Sprintf("%s %d", i.Op, i.Arg)
}
