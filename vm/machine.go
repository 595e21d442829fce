package vm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ---------------------------------------------------------------------------
// Machine: bytecode interpreter
// ---------------------------------------------------------------------------

// State tracks a machine through its lifecycle. A running machine reaches
// exactly one of the terminal states and never leaves it.
type State uint8

const (
	StateRunning State = iota
	StateHalted
	StateFaulted
)

// String implements the Stringer interface.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateHalted:
		return "Halted"
	case StateFaulted:
		return "Faulted"
	default:
		return fmt.Sprintf("STATE_%d", uint8(s))
	}
}

// Construction and lifecycle errors.
var (
	ErrNilHeap         = errors.New("machine: nil heap")
	ErrEntryOutOfRange = errors.New("machine: entry offset out of range")
	ErrBadCapacity     = errors.New("machine: invalid capacity")
	ErrAlreadyExecuted = errors.New("machine: already driven to a terminal state")
)

const (
	// DefaultStackCapacity is the operand stack size when WithStackCapacity
	// is not given. The stack never grows past its capacity.
	DefaultStackCapacity = 1024

	// DefaultRegisterCount is the register file size when WithRegisterCount
	// is not given. Register operands are a single byte, so at most 256.
	DefaultRegisterCount = 16

	// DefaultStepLimit bounds runaway loops when the caller sets no limit of
	// its own. WithStepLimit(0) disables the budget entirely.
	DefaultStepLimit = 1 << 20

	// Context cancellation is polled every 256 steps.
	cancelCheckMask = 0xFF
)

// MachineOption configures machine construction.
type MachineOption func(*machineConfig)

type machineConfig struct {
	stackCapacity int
	registers     int
	stepLimit     uint64
	trace         io.Writer
}

// WithStackCapacity sets the fixed operand stack capacity.
func WithStackCapacity(n int) MachineOption {
	return func(c *machineConfig) {
		c.stackCapacity = n
	}
}

// WithRegisterCount sets the register file size (at most 256).
func WithRegisterCount(n int) MachineOption {
	return func(c *machineConfig) {
		c.registers = n
	}
}

// WithStepLimit sets the execution step budget. 0 disables the budget.
func WithStepLimit(n uint64) MachineOption {
	return func(c *machineConfig) {
		c.stepLimit = n
	}
}

// WithTrace writes one line per executed instruction to w.
func WithTrace(w io.Writer) MachineOption {
	return func(c *machineConfig) {
		c.trace = w
	}
}

// Machine executes one bytecode buffer against a shared heap. The code
// buffer, entry offset, and input slices are fixed at construction and must
// not be mutated by the caller while the machine runs; the machine itself
// never writes to them. A machine is single-use: one Execute call drives it
// from Running to a terminal state.
type Machine struct {
	code    []byte
	aInputs []Value
	bInputs []Value
	heap    *Heap

	stack []Value
	sp    int
	regs  []Value
	pc    int

	state     State
	fault     *Fault
	steps     uint64
	stepLimit uint64
	trace     io.Writer
	executed  bool
}

// NewMachine creates a machine over code, starting at the entry offset, with
// the given read-only input slices and shared heap. Construction errors are
// surfaced immediately; entry == len(code) is legal and halts on the first
// step.
func NewMachine(code []byte, entry int, aInputs, bInputs []Value, heap *Heap, opts ...MachineOption) (*Machine, error) {
	cfg := machineConfig{
		stackCapacity: DefaultStackCapacity,
		registers:     DefaultRegisterCount,
		stepLimit:     DefaultStepLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if heap == nil {
		return nil, ErrNilHeap
	}
	if entry < 0 || entry > len(code) {
		return nil, fmt.Errorf("%w: %d (code length %d)", ErrEntryOutOfRange, entry, len(code))
	}
	if cfg.stackCapacity <= 0 {
		return nil, fmt.Errorf("%w: stack capacity %d", ErrBadCapacity, cfg.stackCapacity)
	}
	if cfg.registers <= 0 || cfg.registers > 256 {
		return nil, fmt.Errorf("%w: register count %d", ErrBadCapacity, cfg.registers)
	}

	return &Machine{
		code:      code,
		aInputs:   aInputs,
		bInputs:   bInputs,
		heap:      heap,
		stack:     make([]Value, cfg.stackCapacity),
		regs:      make([]Value, cfg.registers),
		pc:        entry,
		stepLimit: cfg.stepLimit,
		trace:     cfg.trace,
	}, nil
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// State returns the machine's lifecycle state.
func (m *Machine) State() State {
	return m.state
}

// Fault returns the fault that stopped the machine, or nil.
func (m *Machine) Fault() *Fault {
	return m.fault
}

// Top returns the value on top of the operand stack, if any.
func (m *Machine) Top() (Value, bool) {
	if m.sp == 0 {
		return Value{}, false
	}
	return m.stack[m.sp-1], true
}

// StackDepth returns the number of values on the operand stack.
func (m *Machine) StackDepth() int {
	return m.sp
}

// Register returns the value in register i.
// Panics if i is out of range.
func (m *Machine) Register(i int) Value {
	if i < 0 || i >= len(m.regs) {
		panic("Machine.Register: index out of range")
	}
	return m.regs[i]
}

// Steps returns the number of instructions executed so far.
func (m *Machine) Steps() uint64 {
	return m.steps
}

// PC returns the current code offset.
func (m *Machine) PC() int {
	return m.pc
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Execute drives the machine to a terminal state. The returned error is nil
// when the machine halts and the *Fault when it faults.
func (m *Machine) Execute() error {
	return m.ExecuteContext(context.Background())
}

// ExecuteContext is Execute with external cancellation, polled every 256
// steps. Cancellation faults the machine with a Cancelled fault that unwraps
// to ctx.Err().
func (m *Machine) ExecuteContext(ctx context.Context) error {
	if m.executed {
		return ErrAlreadyExecuted
	}
	m.executed = true

	m.run(ctx)
	if m.state == StateFaulted {
		return m.fault
	}
	return nil
}

func (m *Machine) setFault(code FaultCode, at int, detail string, err error) {
	m.state = StateFaulted
	m.fault = &Fault{Code: code, Offset: at, Detail: detail, err: err}
}

func (m *Machine) run(ctx context.Context) {
	for {
		// Reaching the end of the buffer at an instruction boundary is a
		// normal halt, same as OpHalt. Truncated operands fault below.
		if m.pc == len(m.code) {
			m.state = StateHalted
			return
		}

		if m.stepLimit != 0 && m.steps == m.stepLimit {
			m.setFault(FaultStepLimitExceeded, m.pc, fmt.Sprintf("limit %d", m.stepLimit), nil)
			return
		}
		if m.steps&cancelCheckMask == 0 {
			if err := ctx.Err(); err != nil {
				m.setFault(FaultCancelled, m.pc, "", err)
				return
			}
		}
		m.steps++

		at := m.pc
		op := Opcode(m.code[m.pc])
		m.pc++

		if m.trace != nil {
			fmt.Fprintf(m.trace, "%04d  %-16s sp=%d\n", at, op, m.sp)
		}

		switch op {
		case OpUnreachable:
			m.setFault(FaultUnreachable, at, "", nil)
			return

		case OpNoOperation:
			// nothing

		case OpDrop:
			if _, ok := m.pop(at); !ok {
				return
			}

		case OpDuplicate:
			v, ok := m.pop(at)
			if !ok {
				return
			}
			m.push(at, v) // restores the slot just popped, cannot fail
			if !m.push(at, v) {
				return
			}

		case OpSwap:
			b, ok := m.pop(at)
			if !ok {
				return
			}
			a, ok := m.pop(at)
			if !ok {
				return
			}
			m.push(at, b)
			m.push(at, a)

		case OpPushA:
			idx, ok := m.readByte(at)
			if !ok {
				return
			}
			if int(idx) >= len(m.aInputs) {
				m.setFault(FaultOutOfBounds, at, fmt.Sprintf("A-input %d of %d", idx, len(m.aInputs)), nil)
				return
			}
			if !m.push(at, m.aInputs[idx]) {
				return
			}

		case OpPushB:
			idx, ok := m.readByte(at)
			if !ok {
				return
			}
			if int(idx) >= len(m.bInputs) {
				m.setFault(FaultOutOfBounds, at, fmt.Sprintf("B-input %d of %d", idx, len(m.bInputs)), nil)
				return
			}
			if !m.push(at, m.bInputs[idx]) {
				return
			}

		case OpPushR:
			r, ok := m.readByte(at)
			if !ok {
				return
			}
			if int(r) >= len(m.regs) {
				m.setFault(FaultOutOfBounds, at, fmt.Sprintf("register %d of %d", r, len(m.regs)), nil)
				return
			}
			if !m.push(at, m.regs[r]) {
				return
			}

		case OpStoreR:
			r, ok := m.readByte(at)
			if !ok {
				return
			}
			if int(r) >= len(m.regs) {
				m.setFault(FaultOutOfBounds, at, fmt.Sprintf("register %d of %d", r, len(m.regs)), nil)
				return
			}
			v, ok := m.pop(at)
			if !ok {
				return
			}
			m.regs[r] = v

		case OpPushSmall:
			b, ok := m.readByte(at)
			if !ok {
				return
			}
			if !m.push(at, FromUint8(b)) {
				return
			}

		case OpPushImmediate:
			u, ok := m.readUint64(at)
			if !ok {
				return
			}
			if !m.push(at, FromUint64(u)) {
				return
			}

		case OpAdd, OpSubtract, OpMultiply:
			b, ok := m.popRaw(at)
			if !ok {
				return
			}
			a, ok := m.popRaw(at)
			if !ok {
				return
			}
			var r uint64
			switch op {
			case OpAdd:
				r = a + b
			case OpSubtract:
				r = a - b
			case OpMultiply:
				r = a * b
			}
			m.push(at, FromUint64(r))

		case OpDivide, OpRemainder:
			b, ok := m.popRaw(at)
			if !ok {
				return
			}
			a, ok := m.popRaw(at)
			if !ok {
				return
			}
			if b == 0 {
				m.setFault(FaultDivisionByZero, at, "", nil)
				return
			}
			var r uint64
			if op == OpDivide {
				r = a / b
			} else {
				r = a % b
			}
			m.push(at, FromUint64(r))

		case OpNewObject:
			class, ok := m.readByte(at)
			if !ok {
				return
			}
			hd, err := m.heap.Allocate(int(class))
			if err != nil {
				code := FaultOutOfMemory
				if errors.Is(err, ErrInvalidSizeClass) {
					code = FaultInvalidSizeClass
				}
				m.setFault(code, at, "", err)
				return
			}
			if !m.push(at, FromHandle(hd)) {
				return
			}

		case OpLoadSlot:
			slot, ok := m.readByte(at)
			if !ok {
				return
			}
			ref, ok := m.pop(at)
			if !ok {
				return
			}
			v, ok := m.loadSlot(at, slot, ref)
			if !ok {
				return
			}
			if !m.push(at, v) {
				return
			}

		case OpStoreSlot:
			slot, ok := m.readByte(at)
			if !ok {
				return
			}
			v, ok := m.pop(at)
			if !ok {
				return
			}
			ref, ok := m.pop(at)
			if !ok {
				return
			}
			if !m.storeSlot(at, slot, ref, v) {
				return
			}

		case OpJump:
			off, ok := m.readInt16(at)
			if !ok {
				return
			}
			if !m.jump(at, int(off)) {
				return
			}

		case OpJumpIfZero, OpJumpIfNotZero:
			off, ok := m.readInt16(at)
			if !ok {
				return
			}
			c, ok := m.popRaw(at)
			if !ok {
				return
			}
			taken := c == 0
			if op == OpJumpIfNotZero {
				taken = !taken
			}
			if taken {
				if !m.jump(at, int(off)) {
					return
				}
			}

		case OpHalt:
			m.state = StateHalted
			return

		default:
			m.setFault(FaultInvalidOpcode, at, fmt.Sprintf("0x%02X", byte(op)), nil)
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Execution helpers (each failure faults the machine and returns false)
// ---------------------------------------------------------------------------

func (m *Machine) push(at int, v Value) bool {
	if m.sp == len(m.stack) {
		m.setFault(FaultStackOverflow, at, fmt.Sprintf("capacity %d", len(m.stack)), nil)
		return false
	}
	m.stack[m.sp] = v
	m.sp++
	return true
}

func (m *Machine) pop(at int) (Value, bool) {
	if m.sp == 0 {
		m.setFault(FaultStackUnderflow, at, "", nil)
		return Value{}, false
	}
	m.sp--
	return m.stack[m.sp], true
}

// popRaw pops the top value and faults TypeMismatch unless it is Raw.
func (m *Machine) popRaw(at int) (uint64, bool) {
	v, ok := m.pop(at)
	if !ok {
		return 0, false
	}
	if !v.IsRaw() {
		m.setFault(FaultTypeMismatch, at, "expected a raw value", nil)
		return 0, false
	}
	return v.Uint64(), true
}

func (m *Machine) readByte(at int) (byte, bool) {
	if m.pc >= len(m.code) {
		m.setFault(FaultUnexpectedEndOfCode, at, "", nil)
		return 0, false
	}
	b := m.code[m.pc]
	m.pc++
	return b, true
}

func (m *Machine) readInt16(at int) (int16, bool) {
	if m.pc+2 > len(m.code) {
		m.setFault(FaultUnexpectedEndOfCode, at, "", nil)
		return 0, false
	}
	v := binary.LittleEndian.Uint16(m.code[m.pc:])
	m.pc += 2
	return int16(v), true
}

func (m *Machine) readUint64(at int) (uint64, bool) {
	if m.pc+8 > len(m.code) {
		m.setFault(FaultUnexpectedEndOfCode, at, "", nil)
		return 0, false
	}
	v := binary.LittleEndian.Uint64(m.code[m.pc:])
	m.pc += 8
	return v, true
}

// jump moves the PC by delta relative to the next instruction. Landing
// exactly at len(code) halts on the next iteration.
func (m *Machine) jump(at, delta int) bool {
	target := m.pc + delta
	if target < 0 || target > len(m.code) {
		m.setFault(FaultOutOfBounds, at, fmt.Sprintf("jump target %d (code length %d)", target, len(m.code)), nil)
		return false
	}
	m.pc = target
	return true
}

// loadSlot reads one object slot under the object's lock.
func (m *Machine) loadSlot(at int, slot byte, ref Value) (Value, bool) {
	if !ref.IsRef() {
		m.setFault(FaultTypeMismatch, at, "expected a reference", nil)
		return Value{}, false
	}
	g, err := m.heap.Lock(ref.Handle())
	if err != nil {
		m.setFault(FaultStaleReference, at, "", err)
		return Value{}, false
	}
	defer g.Unlock()

	if int(slot) >= g.Len() {
		m.setFault(FaultOutOfBounds, at, fmt.Sprintf("slot %d of %d", slot, g.Len()), nil)
		return Value{}, false
	}
	return g.Get(int(slot)), true
}

// storeSlot writes one object slot under the object's lock.
func (m *Machine) storeSlot(at int, slot byte, ref, v Value) bool {
	if !ref.IsRef() {
		m.setFault(FaultTypeMismatch, at, "expected a reference", nil)
		return false
	}
	g, err := m.heap.Lock(ref.Handle())
	if err != nil {
		m.setFault(FaultStaleReference, at, "", err)
		return false
	}
	defer g.Unlock()

	if int(slot) >= g.Len() {
		m.setFault(FaultOutOfBounds, at, fmt.Sprintf("slot %d of %d", slot, g.Len()), nil)
		return false
	}
	g.Set(int(slot), v)
	return true
}
