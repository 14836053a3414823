// Package native implements host functions callable from QVM modules.
//
// A module calls into the host by calling a negative address; the
// interpreter suspends with selector -address-1 and the words the module
// stored at its argument slots. Natives are identified by selector and
// receive the caller's memory for pointer arguments. Float arguments and
// results are float32 bit patterns.
package native

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fortiblox/q3vm/pkg/qvm/vm"
)

// Native errors.
var (
	ErrUnknownNative = errors.New("unknown native")
	ErrInvalidLength = errors.New("invalid length")
	ErrModuleError   = errors.New("module error")
)

// Standard selectors.
const (
	SelPrint        int32 = 0
	SelError        int32 = 1
	SelMilliseconds int32 = 2

	SelMemset  int32 = 100
	SelMemcpy  int32 = 101
	SelStrncpy int32 = 102
	SelSin     int32 = 103
	SelCos     int32 = 104
	SelAtan2   int32 = 105
	SelSqrt    int32 = 106
	SelFloor   int32 = 110
	SelCeil    int32 = 111
)

// Step costs charged to the host budget.
const (
	CostBase    = uint64(10) // Every native call
	CostPerByte = uint64(1)  // Memory operations and printed bytes
)

// Maximum sizes.
const (
	MaxPrintLen  = 1024             // Maximum printed message length
	MaxMemOpSize = 16 * 1024 * 1024 // Maximum memory operation size
)

// Context provides host services to natives.
type Context interface {
	// Log records a message printed by the module.
	Log(msg string)

	// Milliseconds returns the host clock in milliseconds.
	Milliseconds() int32

	// Consume charges cost steps against the execution budget.
	Consume(cost uint64) error
}

// Func implements one native.
type Func func(ctx context.Context, mem vm.Memory, call vm.NativeCall) (int32, error)

type entry struct {
	name string
	fn   Func
}

// Registry holds natives by selector. It implements vm.NativeHandler.
type Registry struct {
	natives map[int32]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{natives: make(map[int32]entry)}
}

// Register adds or replaces the native for sel.
func (r *Registry) Register(sel int32, name string, fn Func) {
	r.natives[sel] = entry{name: name, fn: fn}
}

// Get returns the native for sel.
func (r *Registry) Get(sel int32) (Func, bool) {
	e, ok := r.natives[sel]
	return e.fn, ok
}

// Name returns the registered name for sel, or "" if none.
func (r *Registry) Name(sel int32) string {
	return r.natives[sel].name
}

// Selectors returns the registered selectors in ascending order.
func (r *Registry) Selectors() []int32 {
	sels := make([]int32, 0, len(r.natives))
	for sel := range r.natives {
		sels = append(sels, sel)
	}
	sort.Slice(sels, func(i, j int) bool { return sels[i] < sels[j] })
	return sels
}

// Invoke dispatches call to the registered native.
func (r *Registry) Invoke(ctx context.Context, mem vm.Memory, call vm.NativeCall) (int32, error) {
	e, ok := r.natives[call.Selector]
	if !ok {
		return 0, fmt.Errorf("%w: selector %d", ErrUnknownNative, call.Selector)
	}
	v, err := e.fn(ctx, mem, call)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", e.name, err)
	}
	return v, nil
}

// Verify that Registry implements vm.NativeHandler.
var _ vm.NativeHandler = (*Registry)(nil)
