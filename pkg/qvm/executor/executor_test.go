package executor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fortiblox/q3vm/internal/types"
	"github.com/fortiblox/q3vm/pkg/journal"
	"github.com/fortiblox/q3vm/pkg/modstore"
	"github.com/fortiblox/q3vm/pkg/qvm"
	"github.com/fortiblox/q3vm/pkg/qvm/loader"
	"github.com/fortiblox/q3vm/pkg/qvm/native"
	"github.com/fortiblox/q3vm/pkg/qvm/symbols"
	"github.com/fortiblox/q3vm/pkg/qvm/vm"
)

func encode(lit string, code ...vm.Instruction) []byte {
	return loader.Encode(&vm.Program{Instructions: code, Lit: []byte(lit)}, nil)
}

// faultModule divides by zero at instruction 3.
func faultModule() []byte {
	return encode("",
		vm.Ins(vm.OpIgnore, 0),
		vm.Ins(vm.OpConst, 1),
		vm.Ins(vm.OpConst, 0),
		vm.Ins(vm.OpDivi, 0),
		vm.Ins(vm.OpLeave, 0),
	)
}

func newTestStore(t *testing.T) *modstore.Store {
	t.Helper()
	store, err := modstore.Open(modstore.DefaultConfig(filepath.Join(t.TempDir(), "modules.db")))
	if err != nil {
		t.Fatalf("modstore.Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	cfg := journal.DefaultConfig("")
	cfg.InMemory = true
	jr, err := journal.Open(cfg)
	if err != nil {
		t.Fatalf("journal.Open() failed: %v", err)
	}
	t.Cleanup(func() { jr.Close() })
	return jr
}

func TestExecuteSuccess(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	module := encode("", vm.Ins(vm.OpConst, 42), vm.Ins(vm.OpLeave, 0))

	result, err := e.Execute(context.Background(), module, Request{})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if !result.Success || result.Status != 42 {
		t.Errorf("result = %+v, want success with status 42", result)
	}
	if result.Steps != 2 {
		t.Errorf("Steps = %d, want 2", result.Steps)
	}
	if result.ModuleID != types.ComputeModuleID(module) {
		t.Errorf("ModuleID = %s, want digest of module", result.ModuleID)
	}
}

func TestExecuteArgs(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	module := encode("",
		vm.Ins(vm.OpEnter, 8),
		vm.Ins(vm.OpLocal, 16),
		vm.Ins(vm.OpLoad4, 0),
		vm.Ins(vm.OpLeave, 8),
	)

	result, err := e.Execute(context.Background(), module, Request{Args: []int32{-9}})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if result.Status != -9 {
		t.Errorf("Status = %d, want -9", result.Status)
	}
}

func TestExecuteFault(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	syms := symbols.WithSymbols([]symbols.Symbol{symbols.NewSymbol(0, "vmMain")})

	result, err := e.Execute(context.Background(), faultModule(), Request{Symbols: syms})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if result.Success {
		t.Fatal("Success = true, want false")
	}
	if result.Fault == nil || result.Fault.Kind != vm.FaultDivideByZero {
		t.Fatalf("Fault = %v, want DivideByZero", result.Fault)
	}
	if result.Fault.PC != 3 || result.Fault.Location != "vmMain+3" {
		t.Errorf("Fault at %d (%s), want 3 (vmMain+3)", result.Fault.PC, result.Fault.Location)
	}
	if !strings.Contains(result.Error, "vmMain+3") {
		t.Errorf("Error = %q, want location", result.Error)
	}
}

func TestExecuteBudgetExceeded(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	loop := encode("", vm.Ins(vm.OpConst, 0), vm.Ins(vm.OpJump, 0))

	result, err := e.Execute(context.Background(), loop, Request{MaxSteps: 100})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if result.Success {
		t.Error("Success = true, want false")
	}
	if result.Fault != nil {
		t.Errorf("Fault = %v, want nil", result.Fault)
	}
	if !strings.Contains(result.Error, qvm.ErrBudgetExceeded.Error()) {
		t.Errorf("Error = %q, want budget exceeded", result.Error)
	}
	if result.Steps != 100 {
		t.Errorf("Steps = %d, want 100", result.Steps)
	}
}

func TestExecuteCancelled(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	loop := encode("", vm.Ins(vm.OpConst, 0), vm.Ins(vm.OpJump, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Execute(ctx, loop, Request{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() = %v, want context.Canceled", err)
	}
}

// cancelAfter reports cancellation from its n-th Err call on.
type cancelAfter struct {
	context.Context
	n     int
	calls int
}

func (c *cancelAfter) Err() error {
	c.calls++
	if c.calls >= c.n {
		return context.Canceled
	}
	return nil
}

func TestExecuteCancelledMidRun(t *testing.T) {
	spin := encode("", vm.Ins(vm.OpConst, 0), vm.Ins(vm.OpJump, 0))

	// Five instructions of padding, then a loop whose memset brings each
	// iteration to exactly ctxCheckInterval budget steps.
	code := []vm.Instruction{
		vm.Ins(vm.OpIgnore, 0),
		vm.Ins(vm.OpIgnore, 0),
		vm.Ins(vm.OpIgnore, 0),
		vm.Ins(vm.OpIgnore, 0),
		vm.Ins(vm.OpIgnore, 0),
		vm.Ins(vm.OpConst, 0),
		vm.Ins(vm.OpArg, 8),
		vm.Ins(vm.OpConst, 0),
		vm.Ins(vm.OpArg, 12),
		vm.Ins(vm.OpConst, 4075),
		vm.Ins(vm.OpArg, 16),
		vm.Ins(vm.OpConst, -1-native.SelMemset),
		vm.Ins(vm.OpCall, 0),
		vm.Ins(vm.OpPop, 0),
		vm.Ins(vm.OpConst, 5),
		vm.Ins(vm.OpJump, 0),
	}
	memsetLoop := loader.Encode(&vm.Program{Instructions: code, BSSWords: 1024}, nil)

	tests := []struct {
		name   string
		module []byte
		checks int
	}{
		{"instruction loop", spin, 2},
		{"native loop", memsetLoop, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(DefaultConfig(), nil, nil)
			ctx := &cancelAfter{Context: context.Background(), n: tt.checks}

			_, err := e.Execute(ctx, tt.module, Request{MaxSteps: qvm.StepsMax})
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Execute() = %v, want context.Canceled", err)
			}
		})
	}
}

func TestExecuteNatives(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	module := encode("frag\x00",
		vm.Ins(vm.OpEnter, 16),
		vm.Ins(vm.OpConst, 0),
		vm.Ins(vm.OpArg, 8),
		vm.Ins(vm.OpConst, -1-native.SelPrint),
		vm.Ins(vm.OpCall, 0),
		vm.Ins(vm.OpLeave, 16),
	)

	result, err := e.Execute(context.Background(), module, Request{})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("Success = false: %s", result.Error)
	}
	if len(result.Logs) != 1 || result.Logs[0] != "frag" {
		t.Errorf("Logs = %q, want [frag]", result.Logs)
	}
	// Six instructions plus the print cost.
	if want := uint64(6) + native.CostBase + 4*native.CostPerByte; result.Steps != want {
		t.Errorf("Steps = %d, want %d", result.Steps, want)
	}
}

func TestExecuteUnknownNative(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	module := encode("",
		vm.Ins(vm.OpEnter, 16),
		vm.Ins(vm.OpConst, -1000),
		vm.Ins(vm.OpCall, 0),
		vm.Ins(vm.OpLeave, 16),
	)

	result, err := e.Execute(context.Background(), module, Request{})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if result.Fault == nil || result.Fault.Kind != vm.FaultNativeCallFailed {
		t.Fatalf("Fault = %v, want NativeCallFailed", result.Fault)
	}
	if !errors.Is(result.Fault, native.ErrUnknownNative) {
		t.Errorf("fault %v does not wrap ErrUnknownNative", result.Fault)
	}
	if result.Fault.PC != 2 {
		t.Errorf("Fault.PC = %d, want 2", result.Fault.PC)
	}
}

func TestExecuteLoadFailure(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	_, err := e.Execute(context.Background(), []byte("garbage!"), Request{})
	if !errors.Is(err, ErrModuleLoadFailed) {
		t.Errorf("Execute() = %v, want ErrModuleLoadFailed", err)
	}
}

func TestExecuteStoredAndJournal(t *testing.T) {
	store := newTestStore(t)
	jr := newTestJournal(t)
	e := New(DefaultConfig(), store, jr)

	id, err := store.Put("game", faultModule(), []byte("0 0 vmMain\n0 2 divide\n"))
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		result, err := e.ExecuteStored(context.Background(), id, Request{})
		if err != nil {
			t.Fatalf("ExecuteStored() failed: %v", err)
		}
		if result.Fault == nil || result.Fault.Location != "divide+1" {
			t.Fatalf("Fault = %v, want location divide+1", result.Fault)
		}
	}

	entries, err := jr.Recent(id, 10)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(Recent()) = %d, want 2", len(entries))
	}
	if entries[0].FaultKind != "DivideByZero" || entries[0].FaultPC != 3 || entries[0].Location != "divide+1" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestExecuteStoredErrors(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	if _, err := e.ExecuteStored(context.Background(), types.ModuleID{}, Request{}); !errors.Is(err, ErrNoStore) {
		t.Errorf("ExecuteStored() without store = %v, want ErrNoStore", err)
	}

	e = New(DefaultConfig(), newTestStore(t), nil)
	if _, err := e.ExecuteStored(context.Background(), types.ModuleID{1}, Request{}); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("ExecuteStored(unknown) = %v, want ErrModuleNotFound", err)
	}
}

func TestExecuteTrace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trace = true
	e := New(cfg, nil, nil)

	result, err := e.Execute(context.Background(), encode("", vm.Ins(vm.OpLeave, 0)), Request{})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if !result.Success {
		t.Errorf("Success = false: %s", result.Error)
	}
}
