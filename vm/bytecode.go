package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitRaw appends a raw byte to the bytecode.
func (b *BytecodeBuilder) EmitRaw(data byte) {
	b.bytes = append(b.bytes, data)
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitUint64 appends an opcode with a 64-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint64(op Opcode, operand uint64) {
	b.bytes = append(b.bytes, byte(op))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], operand)
	b.bytes = append(b.bytes, buf[:]...)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target that may not be emitted yet.
type Label struct {
	resolved bool
	position int   // target position once resolved
	refs     []int // operand positions awaiting the target
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position and patches every jump
// emitted against it so far.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// EmitJump emits a jump instruction targeting a label. Backward jumps are
// encoded immediately; forward jumps leave a placeholder patched by Mark.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0) // placeholder
	}
}

// EmitJumpAbsolute emits a jump to an absolute code position.
func (b *BytecodeBuilder) EmitJumpAbsolute(op Opcode, target int) {
	b.bytes = append(b.bytes, byte(op))
	offset := target - (len(b.bytes) + 2)
	b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
}

// ---------------------------------------------------------------------------
// Bytecode reader for disassembly
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode sequentially for tooling. It panics past the
// end of the buffer; the interpreter never uses it and does its own bounds
// checks, faulting instead.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	op := Opcode(r.bytes[r.pos])
	r.pos++
	return op
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadUint16 reads a 16-bit operand (little-endian).
func (r *BytecodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a signed 16-bit operand (little-endian).
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// ReadUint64 reads a 64-bit operand (little-endian).
func (r *BytecodeReader) ReadUint64() uint64 {
	if r.pos+8 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint64(r.bytes[r.pos:])
	r.pos += 8
	return v
}

// Skip advances the position by n bytes.
func (r *BytecodeReader) Skip(n int) {
	r.pos += n
}

// Seek sets the read position.
func (r *BytecodeReader) Seek(pos int) {
	r.pos = pos
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles a single instruction at the reader's
// position, advancing the reader past it.
func DisassembleInstruction(r *BytecodeReader) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch op {
	case OpUnreachable, OpNoOperation, OpDrop, OpDuplicate, OpSwap,
		OpAdd, OpSubtract, OpMultiply, OpDivide, OpRemainder, OpHalt:
		return fmt.Sprintf("%04d  %s", pos, info.Name)

	case OpPushA, OpPushB, OpPushR, OpStoreR, OpNewObject, OpLoadSlot, OpStoreSlot:
		idx := r.ReadByte()
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, idx)

	case OpPushSmall:
		v := r.ReadByte()
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, v)

	case OpPushImmediate:
		v := r.ReadUint64()
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, v)

	case OpJump, OpJumpIfZero, OpJumpIfNotZero:
		offset := r.ReadInt16()
		target := r.Position() + int(offset)
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, offset, target)

	default:
		// Unknown opcode: skip whatever the table claims (zero for unknowns)
		r.Skip(info.OperandLen)
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble returns a full disassembly of bytecode, one instruction per
// line. Truncated trailing instructions are reported in place.
func Disassemble(bc []byte) string {
	r := NewBytecodeReader(bc)
	var sb strings.Builder
	for r.HasMore() {
		pos := r.Position()
		op := Opcode(bc[pos])
		if pos+op.InstructionLen() > len(bc) {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "%04d  %s <truncated>", pos, op.Name())
			break
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(DisassembleInstruction(r))
	}
	return sb.String()
}
