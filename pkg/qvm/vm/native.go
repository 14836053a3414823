package vm

import "context"

// MaxNativeArgs is the number of argument words exposed to a native call.
const MaxNativeArgs = 16

// NativeCall describes a pending call into host functionality.
type NativeCall struct {
	// Selector is the host function number (-target-1 of the CALL).
	Selector int32

	// PC is the index of the CALL instruction.
	PC Address

	// Args are the argument words the module passed, read from the
	// program stack at sp+8 upward. Truncated at the top of the stack.
	Args []int32
}

// Arg returns argument i, or 0 if the module passed fewer words.
func (c NativeCall) Arg(i int) int32 {
	if i < 0 || i >= len(c.Args) {
		return 0
	}
	return c.Args[i]
}

// NativeHandler services native calls on behalf of a suspended interpreter.
type NativeHandler interface {
	// Invoke executes the call and returns the value to resume with.
	// mem is the calling module's memory; it is valid only for the
	// duration of the call.
	Invoke(ctx context.Context, mem Memory, call NativeCall) (int32, error)
}

// NativeFunc is a function that implements NativeHandler.
type NativeFunc func(ctx context.Context, mem Memory, call NativeCall) (int32, error)

// Invoke implements NativeHandler.
func (f NativeFunc) Invoke(ctx context.Context, mem Memory, call NativeCall) (int32, error) {
	return f(ctx, mem, call)
}

// Resolver turns a code address into a readable location.
// *symbols.Map satisfies it.
type Resolver interface {
	Resolve(addr Address) (string, bool)
}
