package engine

import (
	"context"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-polyfill/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds configuration for engine creation
type Config struct {
	// CacheDir enables a persistent compilation cache in the given directory.
	CacheDir string `validate:"omitempty,dirpath"`

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32 `validate:"lte=65536"`

	// CloseOnContextDone makes guest execution observe context cancellation.
	// Off by default: host callbacks may block on purpose.
	CloseOnContextDone bool
}

// Engine owns the wazero runtime guest modules are compiled and run in.
type Engine struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
}

// New creates an engine. A nil cfg uses defaults.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.InvalidInput(errors.PhaseConfig, "engine config", err)
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(cfg.CloseOnContextDone)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errors.InvalidInput(errors.PhaseConfig, "compilation cache", err)
		}
		cache = c
		runtimeCfg = runtimeCfg.WithCompilationCache(cache)
	}

	Logger().Debug("engine created",
		zap.Uint32("memory_limit_pages", cfg.MemoryLimitPages),
		zap.String("cache_dir", cfg.CacheDir))

	return &Engine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		cache:   cache,
	}, nil
}

// Runtime returns the underlying wazero runtime.
func (e *Engine) Runtime() wazero.Runtime {
	return e.runtime
}

// Compile compiles a guest module from its binary encoding.
func (e *Engine) Compile(ctx context.Context, wasm []byte) (*Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.ModuleLoad("compile module", err)
	}
	Logger().Debug("module compiled",
		zap.Int("size", len(wasm)),
		zap.Int("imports", len(compiled.ImportedFunctions())))
	return &Module{compiled: compiled}, nil
}

// CompileFile reads and compiles the guest module at path.
func (e *Engine) CompileFile(ctx context.Context, path string) (*Module, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ModuleLoad("read "+path, err)
	}
	mod, err := e.Compile(ctx, wasm)
	if err != nil {
		return nil, err
	}
	mod.path = path
	return mod, nil
}

// Close releases the runtime and every module instantiated in it.
func (e *Engine) Close(ctx context.Context) error {
	err := e.runtime.Close(ctx)
	if e.cache != nil {
		if cerr := e.cache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

// Module is a compiled guest module.
type Module struct {
	compiled wazero.CompiledModule
	path     string
}

// Compiled returns the underlying wazero compiled module.
func (m *Module) Compiled() wazero.CompiledModule {
	return m.compiled
}

// Path returns the file the module was loaded from, if any.
func (m *Module) Path() string {
	return m.path
}

// FuncSignature describes an imported or exported function.
type FuncSignature struct {
	Namespace string
	Name      string
	Params    []api.ValueType
	Results   []api.ValueType
}

// Imports lists the module's function imports in declaration order.
func (m *Module) Imports() []FuncSignature {
	defs := m.compiled.ImportedFunctions()
	out := make([]FuncSignature, 0, len(defs))
	for _, def := range defs {
		ns, name, _ := def.Import()
		out = append(out, FuncSignature{
			Namespace: ns,
			Name:      name,
			Params:    def.ParamTypes(),
			Results:   def.ResultTypes(),
		})
	}
	return out
}

// Exports lists the module's exported functions keyed by export name.
func (m *Module) Exports() map[string]FuncSignature {
	defs := m.compiled.ExportedFunctions()
	out := make(map[string]FuncSignature, len(defs))
	for name, def := range defs {
		out[name] = FuncSignature{
			Name:    name,
			Params:  def.ParamTypes(),
			Results: def.ResultTypes(),
		}
	}
	return out
}

// ExportsMemory reports whether the module exports a memory under name.
func (m *Module) ExportsMemory(name string) bool {
	_, ok := m.compiled.ExportedMemories()[name]
	return ok
}

// Close releases the compiled module.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}
