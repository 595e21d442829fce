package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
//
// Numeric opcode values are the wire format: programs are exchanged as raw
// byte sequences, so a value is never reused or renumbered once assigned.
// Gaps inside each group are reserved for future instructions of that group.
// Multi-byte immediates are little-endian.
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpUnreachable Opcode = 0x00 // fault immediately (0x00 so zeroed memory traps)
	OpNoOperation Opcode = 0x01 // do nothing
	OpDrop        Opcode = 0x02 // discard top of stack
	OpDuplicate   Opcode = 0x03 // duplicate top of stack
	OpSwap        Opcode = 0x04 // exchange the top two values
)

// Pushes
const (
	OpPushA         Opcode = 0x10 // push A-inputs[i] (8-bit index)
	OpPushB         Opcode = 0x11 // push B-inputs[i] (8-bit index)
	OpPushR         Opcode = 0x12 // push register r (8-bit index)
	OpStoreR        Opcode = 0x13 // pop into register r (8-bit index)
	OpPushSmall     Opcode = 0x14 // push Raw literal (8-bit, zero-extended)
	OpPushImmediate Opcode = 0x15 // push Raw literal (64-bit)
)

// Arithmetic (operates on Raw payloads; pops right operand first)
const (
	OpAdd       Opcode = 0x20 // wrapping unsigned add
	OpSubtract  Opcode = 0x21 // wrapping unsigned subtract
	OpMultiply  Opcode = 0x22 // wrapping unsigned multiply
	OpDivide    Opcode = 0x23 // unsigned quotient, faults on zero divisor
	OpRemainder Opcode = 0x24 // unsigned remainder, faults on zero divisor
)

// Objects
const (
	OpNewObject Opcode = 0x30 // allocate in size class (8-bit index), push Reference
	OpLoadSlot  Opcode = 0x31 // pop Reference, push slot value (8-bit slot)
	OpStoreSlot Opcode = 0x32 // pop value, pop Reference, write slot (8-bit slot)
)

// Control Flow
const (
	OpJump          Opcode = 0x40 // unconditional relative jump (16-bit signed offset)
	OpJumpIfZero    Opcode = 0x41 // pop Raw, jump if payload == 0 (16-bit signed offset)
	OpJumpIfNotZero Opcode = 0x42 // pop Raw, jump if payload != 0 (16-bit signed offset)
)

// Termination
const (
	OpHalt Opcode = 0xFF // stop normally
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name       string // human-readable name
	StackPop   int    // values popped
	StackPush  int    // values pushed
	OperandLen int    // operand bytes following the opcode
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack operations
	OpUnreachable: {"UNREACHABLE", 0, 0, 0},
	OpNoOperation: {"NOP", 0, 0, 0},
	OpDrop:        {"DROP", 1, 0, 0},
	OpDuplicate:   {"DUP", 1, 2, 0},
	OpSwap:        {"SWAP", 2, 2, 0},

	// Pushes
	OpPushA:         {"PUSH_A", 0, 1, 1},
	OpPushB:         {"PUSH_B", 0, 1, 1},
	OpPushR:         {"PUSH_R", 0, 1, 1},
	OpStoreR:        {"STORE_R", 1, 0, 1},
	OpPushSmall:     {"PUSH_SMALL", 0, 1, 1},
	OpPushImmediate: {"PUSH_IMM", 0, 1, 8},

	// Arithmetic
	OpAdd:       {"ADD", 2, 1, 0},
	OpSubtract:  {"SUB", 2, 1, 0},
	OpMultiply:  {"MUL", 2, 1, 0},
	OpDivide:    {"DIV", 2, 1, 0},
	OpRemainder: {"REM", 2, 1, 0},

	// Objects
	OpNewObject: {"NEW_OBJECT", 0, 1, 1},
	OpLoadSlot:  {"LOAD_SLOT", 1, 1, 1},
	OpStoreSlot: {"STORE_SLOT", 2, 0, 1},

	// Control flow
	OpJump:          {"JUMP", 0, 0, 2},
	OpJumpIfZero:    {"JUMP_IF_ZERO", 1, 0, 2},
	OpJumpIfNotZero: {"JUMP_IF_NOT_ZERO", 1, 0, 2},

	// Termination
	OpHalt: {"HALT", 0, 0, 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// IsValid returns true if op is a defined instruction.
func (op Opcode) IsValid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandLen returns the number of operand bytes following the opcode.
func (op Opcode) OperandLen() int {
	return op.Info().OperandLen
}

// InstructionLen returns the total instruction length including the opcode.
func (op Opcode) InstructionLen() int {
	return 1 + op.Info().OperandLen
}

// IsJump returns true for control-flow opcodes.
func (op Opcode) IsJump() bool {
	switch op {
	case OpJump, OpJumpIfZero, OpJumpIfNotZero:
		return true
	}
	return false
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// AllOpcodes returns every defined opcode in ascending numeric order.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeInfoTable))
	for i := 0; i <= 0xFF; i++ {
		if op := Opcode(i); op.IsValid() {
			ops = append(ops, op)
		}
	}
	return ops
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
