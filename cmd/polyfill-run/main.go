package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-polyfill/bridge"
	"github.com/wippyai/wasi-polyfill/engine"
	"github.com/wippyai/wasi-polyfill/linker"
)

type options struct {
	wasmFile    string
	calls       string
	stdinFile   string
	clockNS     string
	cacheDir    string
	memoryLimit uint
	verbose     bool
	list        bool
	interactive bool
}

func main() {
	var opts options
	flag.StringVar(&opts.wasmFile, "wasm", "", "Path to guest wasm module")
	flag.StringVar(&opts.calls, "call", "", "Zero-argument exports to call after _initialize (comma-separated)")
	flag.StringVar(&opts.stdinFile, "stdin", "", "File to serve as guest stdin (default: process stdin)")
	flag.StringVar(&opts.clockNS, "clock-ns", "env", "Import namespace of __wasi_clock_time_get")
	flag.StringVar(&opts.cacheDir, "cache-dir", "", "Compilation cache directory")
	flag.UintVar(&opts.memoryLimit, "memory-limit", 0, "Guest memory limit in 64KiB pages (0 = runtime default)")
	flag.BoolVar(&opts.verbose, "v", false, "Verbose logging")
	flag.BoolVar(&opts.list, "list", false, "List imports and exports and exit")
	flag.BoolVar(&opts.interactive, "i", false, "Interactive mode with TUI")
	flag.Parse()

	if opts.wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: polyfill-run -wasm <file.wasm> [-call f1,f2] [-stdin file] [-clock-ns ns]")
		fmt.Fprintln(os.Stderr, "       polyfill-run -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       polyfill-run -wasm <file.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	logger, err := newLogger(opts.verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	engine.SetLogger(logger.Named("engine"))

	if opts.interactive {
		err = runInteractive(opts, logger)
	} else {
		err = run(opts, logger)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func newEngine(ctx context.Context, opts options, logger *zap.Logger) (*engine.Engine, *linker.Linker, error) {
	if opts.memoryLimit > 65536 {
		return nil, nil, fmt.Errorf("memory limit %d exceeds 65536 pages", opts.memoryLimit)
	}
	eng, err := engine.New(ctx, &engine.Config{
		CacheDir:         opts.cacheDir,
		MemoryLimitPages: uint32(opts.memoryLimit),
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, linker.New(eng, linker.Options{Logger: logger.Named("linker")}), nil
}

func bridgeOptions(opts options, logger *zap.Logger) []bridge.Option {
	return []bridge.Option{
		bridge.WithClockNamespace(opts.clockNS),
		bridge.WithLogger(logger.Named("bridge")),
	}
}

func growthLogger(logger *zap.Logger) func(context.Context, uint32) {
	return func(_ context.Context, delta uint32) {
		logger.Debug("guest memory grew", zap.Uint32("delta_pages", delta))
	}
}

func openStdin(path string) (io.ReadCloser, error) {
	if path == "" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func run(opts options, logger *zap.Logger) error {
	ctx := context.Background()

	eng, lk, err := newEngine(ctx, opts, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer eng.Close(ctx)
	defer lk.Close(ctx)

	if opts.list {
		return list(ctx, eng, opts.wasmFile)
	}

	stdin, err := openStdin(opts.stdinFile)
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	defer stdin.Close()

	handlers := bridge.Stdio(stdin, os.Stdout, os.Stderr)
	handlers.OnMemoryGrowth = growthLogger(logger)

	b, err := bridge.New(ctx, eng, lk, opts.wasmFile, handlers, bridgeOptions(opts, logger)...)
	if err != nil {
		return err
	}
	defer b.Close(ctx)

	for _, name := range splitList(opts.calls) {
		results, err := b.Call(ctx, name)
		if err != nil {
			return err
		}
		if len(results) > 0 {
			def := b.Instance().ExportedFunction(name).Definition()
			fmt.Fprintf(os.Stderr, "%s -> %s\n", name, formatResults(def.ResultTypes(), results))
		}
	}
	return nil
}

func list(ctx context.Context, eng *engine.Engine, path string) error {
	mod, err := eng.CompileFile(ctx, path)
	if err != nil {
		return err
	}
	defer mod.Close(ctx)

	fmt.Printf("Module: %s\n", path)
	fmt.Printf("\nImports:\n")
	for _, imp := range mod.Imports() {
		fmt.Printf("  %s.%s%s\n", imp.Namespace, imp.Name, formatSignature(imp.Params, imp.Results))
	}

	exports := mod.Exports()
	names := make([]string, 0, len(exports))
	for name := range exports {
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Printf("\nExported functions:\n")
	for _, name := range names {
		sig := exports[name]
		fmt.Printf("  %s%s\n", name, formatSignature(sig.Params, sig.Results))
	}
	fmt.Printf("\nExports memory: %v\n", mod.ExportsMemory("memory"))
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func formatSignature(params, results []api.ValueType) string {
	s := "(" + formatTypes(params) + ")"
	if len(results) > 0 {
		s += " -> " + formatTypes(results)
	}
	return s
}

func formatTypes(types []api.ValueType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = api.ValueTypeName(t)
	}
	return strings.Join(names, ", ")
}

func formatResults(types []api.ValueType, results []uint64) string {
	parts := make([]string, len(results))
	for i, r := range results {
		var t api.ValueType
		if i < len(types) {
			t = types[i]
		}
		parts[i] = formatValue(t, r)
	}
	return strings.Join(parts, ", ")
}

func formatValue(t api.ValueType, v uint64) string {
	switch t {
	case api.ValueTypeI32:
		return fmt.Sprintf("%d", api.DecodeI32(v))
	case api.ValueTypeI64:
		return fmt.Sprintf("%d", int64(v))
	case api.ValueTypeF32:
		return fmt.Sprintf("%g", api.DecodeF32(v))
	case api.ValueTypeF64:
		return fmt.Sprintf("%g", api.DecodeF64(v))
	default:
		return fmt.Sprintf("%#x", v)
	}
}
