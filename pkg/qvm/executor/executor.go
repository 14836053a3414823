// Package executor implements the QVM module executor.
//
// This package provides the runtime environment for executing QVM modules:
// - Module loading from bytes or from the module store
// - Interpreter setup with symbols for fault reports
// - Native call dispatch through the standard registry
// - Step budget enforcement
// - Journaling of execution outcomes
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/fortiblox/q3vm/internal/types"
	"github.com/fortiblox/q3vm/pkg/journal"
	"github.com/fortiblox/q3vm/pkg/modstore"
	"github.com/fortiblox/q3vm/pkg/qvm"
	"github.com/fortiblox/q3vm/pkg/qvm/loader"
	"github.com/fortiblox/q3vm/pkg/qvm/native"
	"github.com/fortiblox/q3vm/pkg/qvm/symbols"
	"github.com/fortiblox/q3vm/pkg/qvm/vm"
)

// Executor errors.
var (
	ErrModuleNotFound   = errors.New("module not found")
	ErrModuleLoadFailed = errors.New("module load failed")
	ErrNoStore          = errors.New("no module store configured")
)

// ctxCheckInterval is how many instructions run between context checks.
const ctxCheckInterval = 4096

// Config configures an Executor.
type Config struct {
	// StackSize is the program stack size in bytes.
	StackSize uint32

	// OperandStackDepth is the operand stack size in words.
	OperandStackDepth int

	// MaxSteps is the default step budget per execution.
	MaxSteps uint64

	// Trace logs every instruction at debug level.
	Trace bool
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		StackSize:         vm.DefaultStackSize,
		OperandStackDepth: vm.DefaultOperandStackDepth,
		MaxSteps:          qvm.StepsDefault,
	}
}

// Request describes one execution.
type Request struct {
	// Args are passed to the module entry point.
	Args []int32

	// Symbols overrides the stored symbol map. Optional.
	Symbols *symbols.Map

	// MaxSteps overrides the configured step budget when non-zero.
	MaxSteps uint64
}

// ExecutionResult contains the result of module execution.
type ExecutionResult struct {
	// Success indicates the module exited normally.
	Success bool

	// Status is the module's exit status.
	Status int32

	// Fault is the terminal fault, if any.
	Fault *vm.Fault

	// Error contains the error message if execution failed.
	Error string

	// Steps is the number of budget steps consumed.
	Steps uint64

	// Logs contains messages printed by the module.
	Logs []string

	// ModuleID identifies the executed module.
	ModuleID types.ModuleID

	// Duration is the wall time of the execution.
	Duration time.Duration
}

// Executor executes QVM modules.
type Executor struct {
	config  Config
	store   *modstore.Store
	journal *journal.Journal
	logger  commonlog.Logger

	// cache holds loaded modules by id.
	mu    sync.Mutex
	cache map[types.ModuleID]*cachedModule
}

type cachedModule struct {
	exe     *loader.Executable
	symbols *symbols.Map
}

// New creates an executor. store and jr may be nil.
func New(config Config, store *modstore.Store, jr *journal.Journal) *Executor {
	return &Executor{
		config:  config,
		store:   store,
		journal: jr,
		logger:  commonlog.GetLogger("q3vm.executor"),
		cache:   make(map[types.ModuleID]*cachedModule),
	}
}

// Execute loads a module from its container bytes and runs it.
func (e *Executor) Execute(ctx context.Context, module []byte, req Request) (*ExecutionResult, error) {
	exe, err := loader.Load(module)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModuleLoadFailed, err)
	}
	e.logger.Debugf("loaded module %s: v%d, %d instructions", exe.ID.Short(), exe.Version(), len(exe.Program.Instructions))
	return e.run(ctx, exe, req.Symbols, req)
}

// ExecuteStored runs a module from the module store.
func (e *Executor) ExecuteStored(ctx context.Context, id types.ModuleID, req Request) (*ExecutionResult, error) {
	mod, err := e.loadStored(id)
	if err != nil {
		return nil, err
	}
	syms := req.Symbols
	if syms == nil {
		syms = mod.symbols
	}
	return e.run(ctx, mod.exe, syms, req)
}

// loadStored loads a module from the store, through the cache.
func (e *Executor) loadStored(id types.ModuleID) (*cachedModule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mod, ok := e.cache[id]; ok {
		return mod, nil
	}
	if e.store == nil {
		return nil, ErrNoStore
	}

	data, err := e.store.Get(id)
	if errors.Is(err, modstore.ErrModuleNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	exe, err := loader.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModuleLoadFailed, err)
	}
	syms, err := e.store.Symbols(id)
	if err != nil {
		return nil, err
	}

	mod := &cachedModule{exe: exe, symbols: syms}
	e.cache[id] = mod
	return mod, nil
}

// ClearCache clears the module cache.
func (e *Executor) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[types.ModuleID]*cachedModule)
}

// run executes a loaded module under a fresh budget.
func (e *Executor) run(ctx context.Context, exe *loader.Executable, syms *symbols.Map, req Request) (*ExecutionResult, error) {
	ip, err := vm.New(exe.Program, vm.Options{
		StackSize:         e.config.StackSize,
		OperandStackDepth: e.config.OperandStackDepth,
	})
	if err != nil {
		return nil, err
	}
	if syms != nil {
		ip.SetSymbols(syms)
	}
	if err := ip.Call(req.Args...); err != nil {
		return nil, err
	}

	maxSteps := req.MaxSteps
	if maxSteps == 0 {
		maxSteps = e.config.MaxSteps
	}
	budget := qvm.NewBudget(maxSteps)
	hc := newHostContext(budget, e.logger)
	ip.SetNativeHandler(native.Standard(hc))

	start := time.Now()
	runErr := e.step(ctx, ip, budget)
	if runErr != nil && !isTerminal(runErr) {
		// Cancellation leaves the module unfinished; nothing to report.
		return nil, runErr
	}

	result := &ExecutionResult{
		Success:  ip.State() == vm.StateHaltedOk,
		Status:   ip.Status(),
		Fault:    ip.Fault(),
		Steps:    budget.Consumed(),
		Logs:     hc.logs,
		ModuleID: exe.ID,
		Duration: time.Since(start),
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	switch {
	case result.Success:
		e.logger.Infof("module %s exited with status %d after %d steps", exe.ID.Short(), result.Status, result.Steps)
	case budget.IsExhausted():
		e.logger.Warningf("module %s exhausted its budget of %d steps: %s", exe.ID.Short(), budget.Limit(), result.Error)
	default:
		e.logger.Warningf("module %s failed after %d steps: %s", exe.ID.Short(), result.Steps, result.Error)
	}

	e.record(exe.ID, req, result)
	return result, nil
}

// step drives the interpreter one instruction at a time, charging the
// budget and servicing native calls.
func (e *Executor) step(ctx context.Context, ip *vm.Interpreter, budget *qvm.Budget) error {
	for {
		switch ip.State() {
		case vm.StateHaltedOk:
			return nil
		case vm.StateHaltedFault:
			return ip.Fault()
		case vm.StateSuspended:
			if err := ip.ServiceNative(ctx); err != nil {
				return err
			}
			continue
		}

		if ip.Steps()%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := budget.Consume(1); err != nil {
			return err
		}
		if e.config.Trace {
			if ins, ok := ip.Current(); ok {
				e.logger.Debugf("%08x  %-20s sp=%08x", ip.PC(), ins, ip.StackPointer())
			}
		}
		if _, err := ip.Step(); err != nil {
			if _, ok := vm.AsFault(err); !ok {
				return err
			}
		}
	}
}

// isTerminal reports whether err ends the execution with a result.
func isTerminal(err error) bool {
	if _, ok := vm.AsFault(err); ok {
		return true
	}
	return errors.Is(err, qvm.ErrBudgetExceeded)
}

// record appends the result to the journal, if one is configured.
func (e *Executor) record(id types.ModuleID, req Request, result *ExecutionResult) {
	if e.journal == nil {
		return
	}

	entry := &journal.Entry{
		ModuleID: id,
		Args:     req.Args,
		Success:  result.Success,
		Status:   result.Status,
		Steps:    result.Steps,
		Error:    result.Error,
	}
	if f := result.Fault; f != nil {
		entry.FaultKind = f.Kind.String()
		entry.FaultPC = f.PC
		entry.Location = f.Location
	}
	if _, err := e.journal.Append(entry); err != nil {
		e.logger.Errorf("journal append for module %s: %v", id.Short(), err)
	}
}

// hostContext implements native.Context.
type hostContext struct {
	budget *qvm.Budget
	logger commonlog.Logger
	start  time.Time
	logs   []string
}

func newHostContext(budget *qvm.Budget, logger commonlog.Logger) *hostContext {
	return &hostContext{
		budget: budget,
		logger: logger,
		start:  time.Now(),
		logs:   make([]string, 0),
	}
}

func (c *hostContext) Log(msg string) {
	c.logs = append(c.logs, msg)
	c.logger.Infof("module: %s", msg)
}

func (c *hostContext) Milliseconds() int32 {
	return int32(time.Since(c.start).Milliseconds())
}

func (c *hostContext) Consume(cost uint64) error {
	return c.budget.Consume(cost)
}

// Verify that hostContext implements native.Context.
var _ native.Context = (*hostContext)(nil)
