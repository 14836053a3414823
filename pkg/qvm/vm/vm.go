// Package vm implements the Quake III virtual machine (QVM) interpreter.
//
// A QVM module is a stack-based bytecode program with a single flat 32-bit
// address space. The interpreter owns the module's memory image:
//
//	[0, data)          initialized data words (little-endian)
//	[data, lit)        literal bytes
//	[lit, bss)         zero-initialized bss
//	[bss, bss+stack)   program stack, growing down from the top
//
// Expression temporaries live on a separate, bounded operand stack. Every
// memory access, jump and stack adjustment is bounds checked; a violation
// halts the interpreter with a *Fault.
//
// Calls to negative addresses are native calls into the host. The
// interpreter suspends on them and resumes when the host supplies a result,
// either through Resume in step-wise use or through the registered
// NativeHandler under Run.
package vm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Address is an offset in the module's flat address space, or an
// instruction index for code addresses.
type Address = uint32

// Stack constants.
const (
	DefaultStackSize         = 0x10000 // 64 KB program stack
	DefaultOperandStackDepth = 1024    // Operand stack words
	MaxEntryArgs             = 13      // Arguments passed to the entry point
	entryFrameSize           = 8 + 4*MaxEntryArgs
	returnToHost             = -1 // Return address that ends execution
)

// Errors.
var (
	ErrNilProgram    = errors.New("nil program")
	ErrImageTooLarge = errors.New("memory image exceeds address space")
	ErrHalted        = errors.New("interpreter halted")
	ErrSuspended     = errors.New("interpreter suspended on native call")
	ErrNotSuspended  = errors.New("interpreter not suspended")
	ErrNotReady      = errors.New("interpreter already started")
	ErrTooManyArgs   = errors.New("too many entry arguments")
)

// State is the interpreter's execution state.
type State int

// Interpreter states.
const (
	StateReady State = iota
	StateRunning
	StateSuspended
	StateHaltedOk
	StateHaltedFault
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateSuspended:
		return "Suspended"
	case StateHaltedOk:
		return "Halted-Ok"
	case StateHaltedFault:
		return "Halted-Fault"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Halted reports whether s is terminal.
func (s State) Halted() bool {
	return s == StateHaltedOk || s == StateHaltedFault
}

// Program is a decoded QVM module. The interpreter never modifies it, so
// one Program may back any number of interpreters.
type Program struct {
	Instructions []Instruction // Code, indexed by instruction number
	Data         []uint32      // Initialized data words
	Lit          []byte        // Literal bytes
	BSSWords     uint32        // Zero-initialized words
}

// ImageLength returns the size in bytes of data + lit + bss.
func (p *Program) ImageLength() uint64 {
	return uint64(len(p.Data))*4 + uint64(len(p.Lit)) + uint64(p.BSSWords)*4
}

// Options configures an interpreter.
type Options struct {
	// StackSize is the program stack size in bytes. Zero is a valid, if
	// useless, stack.
	StackSize uint32

	// OperandStackDepth is the operand stack size in words. Zero selects
	// DefaultOperandStackDepth.
	OperandStackDepth int

	// Symbols resolves fault addresses. Optional.
	Symbols Resolver

	// Native services native calls under Run. Optional.
	Native NativeHandler
}

// DefaultOptions returns options with the default stack sizes.
func DefaultOptions() Options {
	return Options{
		StackSize:         DefaultStackSize,
		OperandStackDepth: DefaultOperandStackDepth,
	}
}

// Interpreter executes one QVM module instance.
type Interpreter struct {
	code []Instruction
	mem  []byte

	imageLen  uint32
	stackBase uint32
	stackTop  uint32

	pc  Address // Next instruction
	cur Address // Instruction being executed
	sp  Address // Program stack pointer

	ops  []int32 // Operand stack
	opsp int     // Operand stack depth

	state     State
	entryArgs []int32
	pending   NativeCall
	status    int32
	fault     *Fault
	steps     uint64

	symbols Resolver
	native  NativeHandler
}

// New builds the memory image for prog and returns an interpreter in the
// Ready state.
func New(prog *Program, opts Options) (*Interpreter, error) {
	if prog == nil {
		return nil, ErrNilProgram
	}

	imageLen := prog.ImageLength()
	total := imageLen + uint64(opts.StackSize)
	if total > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, total)
	}

	mem := make([]byte, 0, total)
	for _, w := range prog.Data {
		mem = binary.LittleEndian.AppendUint32(mem, w)
	}
	mem = append(mem, prog.Lit...)
	// bss must be materialized before the stack base is taken.
	mem = append(mem, make([]byte, uint64(prog.BSSWords)*4)...)
	mem = append(mem, make([]byte, opts.StackSize)...)

	depth := opts.OperandStackDepth
	if depth <= 0 {
		depth = DefaultOperandStackDepth
	}

	return &Interpreter{
		code:      prog.Instructions,
		mem:       mem,
		imageLen:  uint32(imageLen),
		stackBase: uint32(imageLen),
		stackTop:  uint32(total),
		sp:        uint32(total),
		ops:       make([]int32, depth),
		state:     StateReady,
		symbols:   opts.Symbols,
		native:    opts.Native,
	}, nil
}

// SetNativeHandler registers the handler Run uses to service native calls.
func (ip *Interpreter) SetNativeHandler(h NativeHandler) {
	ip.native = h
}

// SetSymbols sets the resolver used to annotate faults.
func (ip *Interpreter) SetSymbols(r Resolver) {
	ip.symbols = r
}

// Call sets the arguments passed to the entry point. It must be called
// before the first Step or Run.
func (ip *Interpreter) Call(args ...int32) error {
	if ip.state != StateReady {
		return ErrNotReady
	}
	if len(args) > MaxEntryArgs {
		return fmt.Errorf("%w: %d > %d", ErrTooManyArgs, len(args), MaxEntryArgs)
	}
	ip.entryArgs = append([]int32(nil), args...)
	return nil
}

// State returns the current execution state.
func (ip *Interpreter) State() State { return ip.state }

// PC returns the index of the next instruction.
func (ip *Interpreter) PC() Address { return ip.pc }

// StackPointer returns the program stack pointer.
func (ip *Interpreter) StackPointer() Address { return ip.sp }

// StackBase returns the lowest valid program stack address.
func (ip *Interpreter) StackBase() Address { return ip.stackBase }

// StackTop returns the address just past the program stack.
func (ip *Interpreter) StackTop() Address { return ip.stackTop }

// ImageLength returns the size of data + lit + bss in bytes.
func (ip *Interpreter) ImageLength() uint32 { return ip.imageLen }

// Memory returns the live memory image. Callers must not retain it across
// steps if they expect a snapshot.
func (ip *Interpreter) Memory() []byte { return ip.mem }

// Steps returns the number of instructions executed.
func (ip *Interpreter) Steps() uint64 { return ip.steps }

// Status returns the exit status once the interpreter is HaltedOk.
func (ip *Interpreter) Status() int32 { return ip.status }

// Fault returns the fault once the interpreter is HaltedFault.
func (ip *Interpreter) Fault() *Fault { return ip.fault }

// Pending returns the native call the interpreter is suspended on.
func (ip *Interpreter) Pending() (NativeCall, bool) {
	if ip.state != StateSuspended {
		return NativeCall{}, false
	}
	return ip.pending, true
}

// OperandStack returns a copy of the operand stack, bottom first.
func (ip *Interpreter) OperandStack() []int32 {
	return append([]int32(nil), ip.ops[:ip.opsp]...)
}

// Current returns the instruction at the program counter.
func (ip *Interpreter) Current() (Instruction, bool) {
	if uint64(ip.pc) >= uint64(len(ip.code)) {
		return Instruction{}, false
	}
	return ip.code[ip.pc], true
}

// Location resolves a code address through the symbol resolver.
func (ip *Interpreter) Location(pc Address) string {
	if ip.symbols == nil {
		return ""
	}
	loc, _ := ip.symbols.Resolve(pc)
	return loc
}

// Step executes exactly one instruction and returns the new state. The
// first Step also sets up the entry frame. A fault is returned as a *Fault
// with state StateHaltedFault.
func (ip *Interpreter) Step() (State, error) {
	switch ip.state {
	case StateHaltedOk, StateHaltedFault:
		return ip.state, ErrHalted
	case StateSuspended:
		return ip.state, ErrSuspended
	case StateReady:
		if f := ip.start(); f != nil {
			return ip.halt(f)
		}
	}

	if f := ip.exec(); f != nil {
		return ip.halt(f)
	}
	return ip.state, nil
}

// Resume supplies the result of the pending native call and returns the
// interpreter to Running.
func (ip *Interpreter) Resume(v int32) error {
	if ip.state != StateSuspended {
		return ErrNotSuspended
	}
	ip.pending = NativeCall{}
	ip.state = StateRunning
	if f := ip.push(v); f != nil {
		_, err := ip.halt(f)
		return err
	}
	return nil
}

// Run executes until the module exits or faults, servicing native calls
// through the registered handler. It returns the exit status. If ctx is
// cancelled while a native call is pending, Run returns ctx.Err() and the
// interpreter stays Suspended.
func (ip *Interpreter) Run(ctx context.Context) (int32, error) {
	if ip.state.Halted() {
		return 0, ErrHalted
	}

	for {
		if ip.state == StateSuspended {
			if err := ip.ServiceNative(ctx); err != nil {
				return 0, err
			}
			continue
		}

		state, err := ip.Step()
		switch state {
		case StateHaltedOk:
			return ip.status, nil
		case StateHaltedFault:
			return 0, err
		}
	}
}

// ServiceNative resolves the pending native call through the registered
// handler and resumes with its result. Without a handler the interpreter
// halts with an unhandled native call fault; a handler error halts it with
// a native call failed fault. If ctx is already done, ServiceNative returns
// ctx.Err() and the interpreter stays Suspended.
func (ip *Interpreter) ServiceNative(ctx context.Context) error {
	if ip.state != StateSuspended {
		return ErrNotSuspended
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	call := ip.pending
	if ip.native == nil {
		_, err := ip.halt(faultf(FaultUnhandledNativeCall, "selector %d", call.Selector))
		return err
	}
	v, err := ip.native.Invoke(ctx, ip, call)
	if err != nil {
		_, ferr := ip.halt(&Fault{
			Kind: FaultNativeCallFailed,
			Err:  fmt.Errorf("selector %d: %w", call.Selector, err),
		})
		return ferr
	}
	return ip.Resume(v)
}

// start reserves the entry frame: return address -1, a zero word, then the
// entry arguments.
func (ip *Interpreter) start() *Fault {
	ip.cur = ip.pc
	if ip.stackTop-ip.stackBase < entryFrameSize {
		return faultf(FaultStackOverflow, "entry frame needs %d bytes, stack has %d",
			entryFrameSize, ip.stackTop-ip.stackBase)
	}
	ip.sp = ip.stackTop - entryFrameSize
	binary.LittleEndian.PutUint32(ip.mem[ip.sp:], ^uint32(0)) // -1, returnToHost
	binary.LittleEndian.PutUint32(ip.mem[ip.sp+4:], 0)
	for i := 0; i < MaxEntryArgs; i++ {
		var v int32
		if i < len(ip.entryArgs) {
			v = ip.entryArgs[i]
		}
		binary.LittleEndian.PutUint32(ip.mem[ip.sp+8+uint32(i)*4:], uint32(v))
	}
	ip.state = StateRunning
	return nil
}

// halt records f as the terminal fault.
func (ip *Interpreter) halt(f *Fault) (State, error) {
	f.PC = ip.cur
	if uint64(ip.cur) < uint64(len(ip.code)) {
		f.Op = ip.code[ip.cur].Op
	}
	f.Location = ip.Location(ip.cur)
	ip.fault = f
	ip.pending = NativeCall{}
	ip.state = StateHaltedFault
	return ip.state, f
}

// nativeArgs collects the argument words at sp+8 for a native call.
func (ip *Interpreter) nativeArgs() []int32 {
	args := make([]int32, 0, MaxNativeArgs)
	for i := uint64(0); i < MaxNativeArgs; i++ {
		addr := uint64(ip.sp) + 8 + i*4
		if addr+4 > uint64(ip.stackTop) {
			break
		}
		args = append(args, int32(binary.LittleEndian.Uint32(ip.mem[addr:])))
	}
	return args
}

// Operand stack.

func (ip *Interpreter) push(v int32) *Fault {
	if ip.opsp >= len(ip.ops) {
		return faultf(FaultStackOverflow, "operand stack full (%d words)", len(ip.ops))
	}
	ip.ops[ip.opsp] = v
	ip.opsp++
	return nil
}

func (ip *Interpreter) pop() (int32, *Fault) {
	if ip.opsp == 0 {
		return 0, faultf(FaultStackUnderflow, "operand stack empty")
	}
	ip.opsp--
	return ip.ops[ip.opsp], nil
}

// pop2 pops the top two operands; r0 is the top, r1 the one below it.
func (ip *Interpreter) pop2() (r1, r0 int32, f *Fault) {
	if ip.opsp < 2 {
		return 0, 0, faultf(FaultStackUnderflow, "need 2 operands, have %d", ip.opsp)
	}
	ip.opsp -= 2
	return ip.ops[ip.opsp], ip.ops[ip.opsp+1], nil
}

// Program stack and memory.

// access returns the memory backing an operand access, or an
// out-of-bounds fault naming the opcode.
func (ip *Interpreter) access(op Opcode, addr Address, size uint32) ([]byte, *Fault) {
	end := uint64(addr) + uint64(size)
	if end > uint64(len(ip.mem)) {
		return nil, faultf(FaultOutOfBounds, "%s address 0x%08x (size %d, memory 0x%x)", op, addr, size, len(ip.mem))
	}
	return ip.mem[addr:end], nil
}

// setSP moves the program stack pointer, keeping it within the stack.
func (ip *Interpreter) setSP(sp int64) *Fault {
	if sp < int64(ip.stackBase) {
		return faultf(FaultStackOverflow, "stack pointer 0x%x below stack base 0x%08x", sp, ip.stackBase)
	}
	if sp > int64(ip.stackTop) {
		return faultf(FaultStackUnderflow, "stack pointer 0x%x above stack top 0x%08x", sp, ip.stackTop)
	}
	ip.sp = Address(sp)
	return nil
}

// frameSlot returns the 4-byte program stack slot at sp, which holds the
// return address of the current frame.
func (ip *Interpreter) frameSlot() ([]byte, *Fault) {
	if uint64(ip.sp)+4 > uint64(ip.stackTop) {
		return nil, faultf(FaultStackUnderflow, "no frame at stack pointer 0x%08x", ip.sp)
	}
	return ip.mem[ip.sp : ip.sp+4], nil
}

func (ip *Interpreter) jump(target int32) *Fault {
	if target < 0 || int64(target) >= int64(len(ip.code)) {
		return faultf(FaultInvalidJumpTarget, "target %d outside %d instructions", target, len(ip.code))
	}
	ip.pc = Address(target)
	return nil
}

func f32(v int32) float32 {
	return math.Float32frombits(uint32(v))
}

func i32(f float32) int32 {
	return int32(math.Float32bits(f))
}

// exec fetches and executes one instruction.
func (ip *Interpreter) exec() *Fault {
	ip.cur = ip.pc
	if uint64(ip.pc) >= uint64(len(ip.code)) {
		return faultf(FaultInvalidJumpTarget, "program counter %d outside %d instructions", ip.pc, len(ip.code))
	}
	ins := ip.code[ip.pc]
	ip.pc++
	ip.steps++

	switch ins.Op {
	case OpIgnore, OpBreak:

	// Frames and calls
	case OpEnter:
		return ip.setSP(int64(ip.sp) - int64(ins.Arg))

	case OpLeave:
		if f := ip.setSP(int64(ip.sp) + int64(ins.Arg)); f != nil {
			return f
		}
		slot, f := ip.frameSlot()
		if f != nil {
			return f
		}
		ret := int32(binary.LittleEndian.Uint32(slot))
		if ret == returnToHost {
			if ip.opsp > 0 {
				ip.status, _ = ip.pop()
			}
			ip.state = StateHaltedOk
			return nil
		}
		return ip.jump(ret)

	case OpCall:
		target, f := ip.pop()
		if f != nil {
			return f
		}
		slot, f := ip.frameSlot()
		if f != nil {
			return f
		}
		binary.LittleEndian.PutUint32(slot, ip.pc)
		if target < 0 {
			ip.pending = NativeCall{
				Selector: ^target,
				PC:       ip.cur,
				Args:     ip.nativeArgs(),
			}
			ip.state = StateSuspended
			return nil
		}
		return ip.jump(target)

	// Operand stack
	case OpPush:
		return ip.push(0)

	case OpPop:
		_, f := ip.pop()
		return f

	case OpConst:
		return ip.push(ins.Arg)

	case OpLocal:
		return ip.push(int32(ip.sp + uint32(ins.Arg)))

	case OpArg:
		v, f := ip.pop()
		if f != nil {
			return f
		}
		mem, f := ip.access(ins.Op, ip.sp+uint32(ins.Arg), 4)
		if f != nil {
			return f
		}
		binary.LittleEndian.PutUint32(mem, uint32(v))

	// Jumps
	case OpJump:
		target, f := ip.pop()
		if f != nil {
			return f
		}
		return ip.jump(target)

	case OpEq, OpNe, OpLti, OpLei, OpGti, OpGei, OpLtu, OpLeu, OpGtu, OpGeu,
		OpEqf, OpNef, OpLtf, OpLef, OpGtf, OpGef:
		r1, r0, f := ip.pop2()
		if f != nil {
			return f
		}
		if compare(ins.Op, r1, r0) {
			return ip.jump(ins.Arg)
		}

	// Memory
	case OpLoad1:
		addr, f := ip.pop()
		if f != nil {
			return f
		}
		mem, f := ip.access(ins.Op, Address(addr), 1)
		if f != nil {
			return f
		}
		return ip.push(int32(mem[0]))

	case OpLoad2:
		addr, f := ip.pop()
		if f != nil {
			return f
		}
		mem, f := ip.access(ins.Op, Address(addr), 2)
		if f != nil {
			return f
		}
		return ip.push(int32(binary.LittleEndian.Uint16(mem)))

	case OpLoad4:
		addr, f := ip.pop()
		if f != nil {
			return f
		}
		mem, f := ip.access(ins.Op, Address(addr), 4)
		if f != nil {
			return f
		}
		return ip.push(int32(binary.LittleEndian.Uint32(mem)))

	case OpStore1, OpStore2, OpStore4:
		addr, v, f := ip.pop2()
		if f != nil {
			return f
		}
		size := uint32(1) << (ins.Op - OpStore1)
		mem, f := ip.access(ins.Op, Address(addr), size)
		if f != nil {
			return f
		}
		switch size {
		case 1:
			mem[0] = uint8(v)
		case 2:
			binary.LittleEndian.PutUint16(mem, uint16(v))
		default:
			binary.LittleEndian.PutUint32(mem, uint32(v))
		}

	case OpBlockCopy:
		dst, src, f := ip.pop2()
		if f != nil {
			return f
		}
		n := uint32(ins.Arg)
		from, f := ip.access(ins.Op, Address(src), n)
		if f != nil {
			return f
		}
		to, f := ip.access(ins.Op, Address(dst), n)
		if f != nil {
			return f
		}
		copy(to, from)

	// Integer ALU
	case OpSex8, OpSex16, OpNegi, OpBcom, OpNegf, OpCvif, OpCvfi:
		v, f := ip.pop()
		if f != nil {
			return f
		}
		return ip.push(unop(ins.Op, v))

	case OpAdd, OpSub, OpMuli, OpMulu, OpBand, OpBor, OpBxor, OpLsh, OpRshi, OpRshu,
		OpAddf, OpSubf, OpMulf, OpDivf:
		r1, r0, f := ip.pop2()
		if f != nil {
			return f
		}
		return ip.push(binop(ins.Op, r1, r0))

	case OpDivi, OpDivu, OpModi, OpModu:
		r1, r0, f := ip.pop2()
		if f != nil {
			return f
		}
		if r0 == 0 {
			return faultf(FaultDivideByZero, "%s %d / 0", ins.Op, r1)
		}
		var v int32
		switch ins.Op {
		case OpDivi:
			v = r1 / r0
		case OpDivu:
			v = int32(uint32(r1) / uint32(r0))
		case OpModi:
			v = r1 % r0
		default:
			v = int32(uint32(r1) % uint32(r0))
		}
		return ip.push(v)

	default:
		return faultf(FaultInvalidOpcode, "opcode 0x%02x", uint8(ins.Op))
	}

	return nil
}

// compare evaluates a conditional jump; r0 is the top operand.
func compare(op Opcode, r1, r0 int32) bool {
	switch op {
	case OpEq:
		return r1 == r0
	case OpNe:
		return r1 != r0
	case OpLti:
		return r1 < r0
	case OpLei:
		return r1 <= r0
	case OpGti:
		return r1 > r0
	case OpGei:
		return r1 >= r0
	case OpLtu:
		return uint32(r1) < uint32(r0)
	case OpLeu:
		return uint32(r1) <= uint32(r0)
	case OpGtu:
		return uint32(r1) > uint32(r0)
	case OpGeu:
		return uint32(r1) >= uint32(r0)
	case OpEqf:
		return f32(r1) == f32(r0)
	case OpNef:
		return f32(r1) != f32(r0)
	case OpLtf:
		return f32(r1) < f32(r0)
	case OpLef:
		return f32(r1) <= f32(r0)
	case OpGtf:
		return f32(r1) > f32(r0)
	case OpGef:
		return f32(r1) >= f32(r0)
	}
	return false
}

func unop(op Opcode, v int32) int32 {
	switch op {
	case OpSex8:
		return int32(int8(v))
	case OpSex16:
		return int32(int16(v))
	case OpNegi:
		return -v
	case OpBcom:
		return ^v
	case OpNegf:
		return i32(-f32(v))
	case OpCvif:
		return i32(float32(v))
	case OpCvfi:
		return int32(f32(v))
	}
	return v
}

func binop(op Opcode, r1, r0 int32) int32 {
	switch op {
	case OpAdd:
		return r1 + r0
	case OpSub:
		return r1 - r0
	case OpMuli:
		return r1 * r0
	case OpMulu:
		return int32(uint32(r1) * uint32(r0))
	case OpBand:
		return r1 & r0
	case OpBor:
		return r1 | r0
	case OpBxor:
		return r1 ^ r0
	case OpLsh:
		return r1 << (uint32(r0) & 31)
	case OpRshi:
		return r1 >> (uint32(r0) & 31)
	case OpRshu:
		return int32(uint32(r1) >> (uint32(r0) & 31))
	case OpAddf:
		return i32(f32(r1) + f32(r0))
	case OpSubf:
		return i32(f32(r1) - f32(r0))
	case OpMulf:
		return i32(f32(r1) * f32(r0))
	case OpDivf:
		return i32(f32(r1) / f32(r0))
	}
	return r0
}
