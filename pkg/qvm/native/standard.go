package native

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"github.com/fortiblox/q3vm/pkg/qvm/vm"
)

// Standard returns a registry with the standard natives, using hc for
// output, time and budget.
func Standard(hc Context) *Registry {
	r := NewRegistry()
	r.registerConsole(hc)
	r.registerMemory(hc)
	r.registerMath(hc)
	return r
}

func f32(v int32) float32 {
	return math.Float32frombits(uint32(v))
}

func bits(f float32) int32 {
	return int32(math.Float32bits(f))
}

// length validates a byte count argument.
func length(n int32) (uint32, error) {
	if n < 0 || n > MaxMemOpSize {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	return uint32(n), nil
}

// registerConsole registers output and clock natives.
func (r *Registry) registerConsole(hc Context) {
	// print(msg) - log a NUL-terminated string
	r.Register(SelPrint, "print", func(ctx context.Context, mem vm.Memory, call vm.NativeCall) (int32, error) {
		msg, err := mem.CString(vm.Address(call.Arg(0)), MaxPrintLen)
		if err != nil {
			return 0, err
		}
		if err := hc.Consume(CostBase + CostPerByte*uint64(len(msg))); err != nil {
			return 0, err
		}
		hc.Log(msg)
		return 0, nil
	})

	// error(msg) - abort the module with a message
	r.Register(SelError, "error", func(ctx context.Context, mem vm.Memory, call vm.NativeCall) (int32, error) {
		msg, err := mem.CString(vm.Address(call.Arg(0)), MaxPrintLen)
		if err != nil {
			return 0, err
		}
		hc.Log(msg)
		return 0, fmt.Errorf("%w: %s", ErrModuleError, msg)
	})

	// milliseconds() - host clock
	r.Register(SelMilliseconds, "milliseconds", func(ctx context.Context, mem vm.Memory, call vm.NativeCall) (int32, error) {
		if err := hc.Consume(CostBase); err != nil {
			return 0, err
		}
		return hc.Milliseconds(), nil
	})
}

// registerMemory registers memory natives. Each returns its destination.
func (r *Registry) registerMemory(hc Context) {
	// memset(dst, c, n)
	r.Register(SelMemset, "memset", func(ctx context.Context, mem vm.Memory, call vm.NativeCall) (int32, error) {
		n, err := length(call.Arg(2))
		if err != nil {
			return 0, err
		}
		if err := hc.Consume(CostBase + CostPerByte*uint64(n)); err != nil {
			return 0, err
		}
		buf := bytes.Repeat([]byte{byte(call.Arg(1))}, int(n))
		if err := mem.Write(vm.Address(call.Arg(0)), buf); err != nil {
			return 0, err
		}
		return call.Arg(0), nil
	})

	// memcpy(dst, src, n)
	r.Register(SelMemcpy, "memcpy", func(ctx context.Context, mem vm.Memory, call vm.NativeCall) (int32, error) {
		n, err := length(call.Arg(2))
		if err != nil {
			return 0, err
		}
		if err := hc.Consume(CostBase + CostPerByte*uint64(n)); err != nil {
			return 0, err
		}
		buf := make([]byte, n)
		if err := mem.Read(vm.Address(call.Arg(1)), buf); err != nil {
			return 0, err
		}
		if err := mem.Write(vm.Address(call.Arg(0)), buf); err != nil {
			return 0, err
		}
		return call.Arg(0), nil
	})

	// strncpy(dst, src, n) - copy at most n bytes, NUL padding the rest
	r.Register(SelStrncpy, "strncpy", func(ctx context.Context, mem vm.Memory, call vm.NativeCall) (int32, error) {
		n, err := length(call.Arg(2))
		if err != nil {
			return 0, err
		}
		if err := hc.Consume(CostBase + CostPerByte*uint64(n)); err != nil {
			return 0, err
		}
		src, err := mem.CString(vm.Address(call.Arg(1)), int(n))
		if err != nil {
			return 0, err
		}
		buf := make([]byte, n)
		copy(buf, src)
		if err := mem.Write(vm.Address(call.Arg(0)), buf); err != nil {
			return 0, err
		}
		return call.Arg(0), nil
	})
}

// registerMath registers float math natives.
func (r *Registry) registerMath(hc Context) {
	unary := func(sel int32, name string, fn func(float64) float64) {
		r.Register(sel, name, func(ctx context.Context, mem vm.Memory, call vm.NativeCall) (int32, error) {
			if err := hc.Consume(CostBase); err != nil {
				return 0, err
			}
			return bits(float32(fn(float64(f32(call.Arg(0)))))), nil
		})
	}

	unary(SelSin, "sin", math.Sin)
	unary(SelCos, "cos", math.Cos)
	unary(SelSqrt, "sqrt", math.Sqrt)
	unary(SelFloor, "floor", math.Floor)
	unary(SelCeil, "ceil", math.Ceil)

	// atan2(y, x)
	r.Register(SelAtan2, "atan2", func(ctx context.Context, mem vm.Memory, call vm.NativeCall) (int32, error) {
		if err := hc.Consume(CostBase); err != nil {
			return 0, err
		}
		y, x := float64(f32(call.Arg(0))), float64(f32(call.Arg(1)))
		return bits(float32(math.Atan2(y, x))), nil
	})
}
