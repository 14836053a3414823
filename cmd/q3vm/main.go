// q3vm: sandboxed runner for Quake 3 virtual machine modules
//
// This is the main entry point for q3vm. It loads a compiled .qvm module,
// optionally records it in the module store, runs vmMain under a step budget
// and reports the exit status or the fault with its symbolic location.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/fortiblox/q3vm/internal/config"
	"github.com/fortiblox/q3vm/pkg/journal"
	"github.com/fortiblox/q3vm/pkg/modstore"
	"github.com/fortiblox/q3vm/pkg/qvm/executor"
	"github.com/fortiblox/q3vm/pkg/qvm/loader"
	"github.com/fortiblox/q3vm/pkg/qvm/symbols"
	"github.com/fortiblox/q3vm/pkg/qvm/vm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	configPath  = flag.String("config", "", "Path to q3vm.toml")
	mapPath     = flag.String("map", "", "Symbol map produced by q3asm (default: module path with .map)")
	stackSize   = flag.Uint("stack", 0, "Program stack size in bytes (0 = config)")
	maxSteps    = flag.Uint64("max-steps", 0, "Step budget (0 = config)")
	storePath   = flag.String("store", "", "Module store database path")
	journalPath = flag.String("journal", "", "Execution journal directory")
	history     = flag.Int("history", 0, "Print the last N journal entries for the module")
	trace       = flag.Bool("trace", false, "Log every executed instruction")
	disasm      = flag.Bool("disasm", false, "Print the disassembly and exit")
	logLevel    = flag.String("log-level", "", "Log level: none, critical, error, warning, notice, info, debug")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

var log = commonlog.GetLogger("q3vm")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] module.qvm [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("q3vm %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "q3vm: %v\n", err)
		os.Exit(2)
	}
	verbosity, _ := cfg.Verbosity()
	var logFile *string
	if cfg.Log.File != "" {
		logFile = &cfg.Log.File
	}
	commonlog.Configure(verbosity, logFile)

	args, err := parseArgs(flag.Args()[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "q3vm: %v\n", err)
		os.Exit(2)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Noticef("received signal %v, stopping module", sig)
		cancel()
	}()

	code, err := run(ctx, cfg, flag.Arg(0), args)
	if err != nil {
		log.Errorf("%v", err)
		fmt.Fprintf(os.Stderr, "q3vm: %v\n", err)
		os.Exit(2)
	}
	os.Exit(code)
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}

	if *stackSize != 0 {
		cfg.VM.StackSize = uint32(*stackSize)
	}
	if *maxSteps != 0 {
		cfg.VM.MaxSteps = *maxSteps
	}
	if *trace {
		cfg.VM.Trace = true
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *journalPath != "" {
		cfg.Journal.Path = *journalPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if cfg.VM.Trace && *logLevel == "" {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// parseArgs converts entry arguments to words.
func parseArgs(raw []string) ([]int32, error) {
	if len(raw) > vm.MaxEntryArgs {
		return nil, fmt.Errorf("%w: %d", vm.ErrTooManyArgs, len(raw))
	}
	args := make([]int32, len(raw))
	for i, s := range raw {
		v, err := strconv.ParseInt(s, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = int32(v)
	}
	return args, nil
}

// readMap reads the module's symbol map. A missing default map is not an error.
func readMap(modulePath string) ([]byte, error) {
	path := *mapPath
	explicit := path != ""
	if !explicit {
		path = defaultMapPath(modulePath)
	}
	text, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	log.Infof("using symbol map %s", path)
	return text, nil
}

func defaultMapPath(modulePath string) string {
	return strings.TrimSuffix(modulePath, filepath.Ext(modulePath)) + ".map"
}

func run(ctx context.Context, cfg *config.Config, modulePath string, args []int32) (int, error) {
	module, err := os.ReadFile(modulePath)
	if err != nil {
		return 0, err
	}
	mapText, err := readMap(modulePath)
	if err != nil {
		return 0, err
	}
	syms, err := parseSymbols(mapText)
	if err != nil {
		return 0, err
	}

	if *disasm {
		exe, err := loader.Load(module)
		if err != nil {
			return 0, err
		}
		return 0, loader.Disassemble(os.Stdout, exe.Program, syms)
	}

	var store *modstore.Store
	if cfg.Store.Path != "" {
		storeCfg := modstore.DefaultConfig(cfg.Store.Path)
		storeCfg.NoSync = cfg.Store.NoSync
		if store, err = modstore.Open(storeCfg); err != nil {
			return 0, fmt.Errorf("open module store: %w", err)
		}
		defer store.Close()
	}

	var jr *journal.Journal
	if cfg.Journal.Path != "" {
		jrCfg := journal.DefaultConfig(cfg.Journal.Path)
		jrCfg.SyncWrites = cfg.Journal.SyncWrites
		jrCfg.Logger = commonlog.GetLogger("q3vm.journal")
		if jr, err = journal.Open(jrCfg); err != nil {
			return 0, fmt.Errorf("open journal: %w", err)
		}
		defer jr.Close()
	}

	exec := executor.New(executor.Config{
		StackSize:         cfg.VM.StackSize,
		OperandStackDepth: cfg.VM.OperandStackDepth,
		MaxSteps:          cfg.VM.MaxSteps,
		Trace:             cfg.VM.Trace,
	}, store, jr)

	req := executor.Request{Args: args}
	var result *executor.ExecutionResult
	if store != nil {
		id, err := store.Put(filepath.Base(modulePath), module, mapText)
		if err != nil {
			return 0, fmt.Errorf("store module: %w", err)
		}
		log.Infof("stored module %s", id)
		result, err = exec.ExecuteStored(ctx, id, req)
		if err != nil {
			return 0, err
		}
	} else {
		req.Symbols = syms
		if result, err = exec.Execute(ctx, module, req); err != nil {
			return 0, err
		}
	}

	report(result)
	if jr != nil && *history > 0 {
		if err := printHistory(jr, result, *history); err != nil {
			return 0, err
		}
	}
	if !result.Success {
		return 1, nil
	}
	return 0, nil
}

func parseSymbols(mapText []byte) (*symbols.Map, error) {
	if mapText == nil {
		return nil, nil
	}
	entries, err := symbols.ParseMap(bytes.NewReader(mapText))
	if err != nil {
		return nil, err
	}
	return symbols.CodeSymbols(entries), nil
}

func report(result *executor.ExecutionResult) {
	for _, line := range result.Logs {
		fmt.Println(line)
	}
	if result.Success {
		fmt.Printf("exit status %d (%d steps, %s)\n", result.Status, result.Steps, result.Duration)
		return
	}
	fmt.Fprintf(os.Stderr, "module %s failed after %d steps: %s\n", result.ModuleID.Short(), result.Steps, result.Error)
}

func printHistory(jr *journal.Journal, result *executor.ExecutionResult, n int) error {
	entries, err := jr.Recent(result.ModuleID, n)
	if err != nil {
		return err
	}
	for _, e := range entries {
		outcome := fmt.Sprintf("status %d", e.Status)
		if !e.Success {
			outcome = e.Error
		}
		fmt.Printf("#%d %s %v steps=%d %s\n", e.Seq, e.Time.Format("2006-01-02 15:04:05"), e.Args, e.Steps, outcome)
	}
	return nil
}
