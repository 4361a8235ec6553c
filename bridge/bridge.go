package bridge

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasipolyfill "github.com/wippyai/wasi-polyfill"
	"github.com/wippyai/wasi-polyfill/engine"
	"github.com/wippyai/wasi-polyfill/errors"
	"github.com/wippyai/wasi-polyfill/linker"
	"github.com/wippyai/wasi-polyfill/memory"
	"github.com/wippyai/wasi-polyfill/polyfill"
)

// ReadWriteFunc services one I/O import call. span holds exactly requested
// bytes of guest memory; the return value is the number of bytes read or
// written and becomes the import's result.
type ReadWriteFunc func(ctx context.Context, span []byte, requested int32) int32

// Handlers are the host callbacks the bridge wires to guest imports.
// A nil I/O handler is only allowed for guests that do not import it.
type Handlers struct {
	ReadStdin      ReadWriteFunc
	WriteStdout    ReadWriteFunc
	WriteStderr    ReadWriteFunc
	OnMemoryGrowth polyfill.GrowthHandler
}

func (h Handlers) byImport() map[string]ReadWriteFunc {
	return map[string]ReadWriteFunc{
		wasipolyfill.FuncReadStdin:   h.ReadStdin,
		wasipolyfill.FuncWriteStdout: h.WriteStdout,
		wasipolyfill.FuncWriteStderr: h.WriteStderr,
	}
}

// ioImports lists the fs_wrapper imports in registration order.
var ioImports = []string{
	wasipolyfill.FuncReadStdin,
	wasipolyfill.FuncWriteStdout,
	wasipolyfill.FuncWriteStderr,
}

var ioParams = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI64}
var ioResults = []api.ValueType{api.ValueTypeI32}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds bridge construction options.
type Config struct {
	Clock  polyfill.Nanotime
	Logger *zap.Logger

	// ClockNamespace is where __wasi_clock_time_get is registered.
	// Empty selects "env".
	ClockNamespace string `validate:"omitempty,printascii,max=255"`

	// ModuleName names the guest instance in the runtime. Empty keeps it
	// anonymous so several guests can share one engine.
	ModuleName string `validate:"omitempty,printascii,max=255"`
}

// Option configures a Bridge.
type Option func(*Config)

// WithClockNamespace sets the clock import namespace to match the guest toolchain.
func WithClockNamespace(ns string) Option {
	return func(c *Config) {
		c.ClockNamespace = ns
	}
}

// WithClock replaces the monotonic clock source.
func WithClock(now polyfill.Nanotime) Option {
	return func(c *Config) {
		c.Clock = now
	}
}

// WithModuleName names the guest instance.
func WithModuleName(name string) Option {
	return func(c *Config) {
		c.ModuleName = name
	}
}

// WithLogger sets the bridge logger. Defaults to the engine package logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// Bridge is an instantiated and initialized guest.
type Bridge struct {
	module   *engine.Module
	instance api.Module
	memory   api.Memory
	view     *memory.Wrapper
	handlers Handlers
	logger   *zap.Logger
}

// New compiles the guest at path and returns it instantiated and initialized.
func New(ctx context.Context, eng *engine.Engine, lk *linker.Linker, path string, h Handlers, opts ...Option) (*Bridge, error) {
	cfg, err := buildConfig(eng, lk, opts)
	if err != nil {
		return nil, err
	}
	mod, err := eng.CompileFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return newBridge(ctx, lk, mod, h, cfg)
}

// NewFromBinary is New for a guest held in memory.
func NewFromBinary(ctx context.Context, eng *engine.Engine, lk *linker.Linker, wasm []byte, h Handlers, opts ...Option) (*Bridge, error) {
	cfg, err := buildConfig(eng, lk, opts)
	if err != nil {
		return nil, err
	}
	mod, err := eng.Compile(ctx, wasm)
	if err != nil {
		return nil, err
	}
	return newBridge(ctx, lk, mod, h, cfg)
}

func buildConfig(eng *engine.Engine, lk *linker.Linker, opts []Option) (Config, error) {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, errors.InvalidInput(errors.PhaseConfig, "bridge options", err)
	}
	if eng == nil || lk == nil {
		return cfg, errors.InvalidInput(errors.PhaseConfig, "engine and linker are required", nil)
	}
	if lk.Engine() != eng {
		return cfg, errors.InvalidInput(errors.PhaseConfig, "linker belongs to a different engine", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = engine.Logger().Named("bridge")
	}
	return cfg, nil
}

func newBridge(ctx context.Context, lk *linker.Linker, mod *engine.Module, h Handlers, cfg Config) (*Bridge, error) {
	b := &Bridge{
		module:   mod,
		handlers: h,
		logger:   cfg.Logger.With(zap.String("module", mod.Path())),
	}
	b.view = memory.Wrap(b.currentMemory)

	fail := func(err error) (*Bridge, error) {
		b.logger.Debug("bridge construction failed", zap.Error(err))
		b.Close(ctx)
		return nil, err
	}

	if err := checkHandlers(mod, h); err != nil {
		return fail(err)
	}
	if err := b.defineIO(lk); err != nil {
		return fail(err)
	}

	clockOpts := []polyfill.Option{
		polyfill.WithNamespace(cfg.ClockNamespace),
		polyfill.WithClock(cfg.Clock),
		polyfill.WithLogger(b.logger),
	}
	if err := polyfill.AttachClockTimeExport(lk, b.currentMemory, clockOpts...); err != nil {
		return fail(err)
	}
	if err := polyfill.AttachMemoryGrowthExport(lk, h.OnMemoryGrowth, polyfill.WithLogger(b.logger)); err != nil {
		return fail(err)
	}

	inst, err := lk.Instantiate(ctx, mod, cfg.ModuleName)
	if err != nil {
		return fail(err)
	}
	b.instance = inst

	mem := inst.ExportedMemory(wasipolyfill.ExportMemory)
	if mem == nil {
		return fail(errors.MissingExport("memory", wasipolyfill.ExportMemory))
	}
	initialize := inst.ExportedFunction(wasipolyfill.ExportInitialize)
	if initialize == nil {
		return fail(errors.MissingExport("function", wasipolyfill.ExportInitialize))
	}
	b.memory = mem
	b.logger.Debug("guest memory captured",
		zap.Uint32("size", b.view.Size()),
		zap.Uint32("pages", b.view.Pages()))

	if _, err := initialize.Call(ctx); err != nil {
		return fail(errors.GuestTrap(errors.PhaseInit, wasipolyfill.ExportInitialize, err))
	}
	b.logger.Debug("guest initialized")

	return b, nil
}

// checkHandlers rejects guests importing an I/O function with no handler.
func checkHandlers(mod *engine.Module, h Handlers) error {
	handlers := h.byImport()
	var missing []string
	for _, imp := range mod.Imports() {
		if imp.Namespace != wasipolyfill.NamespaceFSWrapper {
			continue
		}
		if fn, known := handlers[imp.Name]; known && fn == nil {
			missing = append(missing, imp.Namespace+"#"+imp.Name)
		}
	}
	if len(missing) > 0 {
		return errors.Instantiation("no handler for imported function", errors.NewMissingImportsError(missing))
	}
	return nil
}

func (b *Bridge) defineIO(lk *linker.Linker) error {
	handlers := b.handlers.byImport()
	for _, name := range ioImports {
		cb := handlers[name]
		if cb == nil {
			continue
		}
		err := lk.DefineFunc(wasipolyfill.NamespaceFSWrapper, name, b.ioImport(name, cb),
			ioParams, ioResults, "buf", "len", "offset")
		if err != nil {
			return err
		}
	}
	return nil
}

// ioImport adapts cb to the (buf, len, offset) -> count import signature.
func (b *Bridge) ioImport(name string, cb ReadWriteFunc) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		buf := api.DecodeU32(stack[0])
		length := api.DecodeI32(stack[1])
		offset := int64(stack[2])

		span, err := b.view.Span(buf, uint32(length), offset)
		if err != nil {
			panic(errors.New(errors.PhaseHost, errors.KindOutOfBounds).
				Import(wasipolyfill.NamespaceFSWrapper, name).
				Cause(err).
				Build())
		}
		stack[0] = api.EncodeI32(cb(ctx, span, length))
	}
}

// currentMemory is the lazy accessor shared by every import.
func (b *Bridge) currentMemory() api.Memory {
	return b.memory
}

// Memory returns the guest's linear memory.
func (b *Bridge) Memory() api.Memory {
	return b.memory
}

// Instance returns the guest instance for calling further exports.
func (b *Bridge) Instance() api.Module {
	return b.instance
}

// Call invokes a guest export. Faults are reported as errors.ErrGuestTrap.
func (b *Bridge) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if b.instance == nil {
		return nil, errors.NotInitialized(errors.PhaseCall, "guest instance")
	}
	fn := b.instance.ExportedFunction(name)
	if fn == nil {
		return nil, errors.New(errors.PhaseCall, errors.KindMissingExport).
			Import("", name).
			Detail("guest does not export function %q", name).
			Build()
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, errors.GuestTrap(errors.PhaseCall, name, err)
	}
	return results, nil
}

// Close releases the guest instance and its compiled module.
func (b *Bridge) Close(ctx context.Context) error {
	var err error
	if b.instance != nil {
		err = b.instance.Close(ctx)
		b.instance = nil
	}
	if b.module != nil {
		if cerr := b.module.Close(ctx); err == nil {
			err = cerr
		}
		b.module = nil
	}
	b.memory = nil
	return err
}
