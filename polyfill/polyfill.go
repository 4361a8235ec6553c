package polyfill

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasipolyfill "github.com/wippyai/wasi-polyfill"
	"github.com/wippyai/wasi-polyfill/errors"
	"github.com/wippyai/wasi-polyfill/linker"
	"github.com/wippyai/wasi-polyfill/memory"
)

// Nanotime returns a monotonic timestamp in nanoseconds.
type Nanotime func() int64

// GrowthHandler observes guest memory growth. It runs synchronously on the
// guest's goroutine and must not retain spans of guest memory.
type GrowthHandler func(ctx context.Context, deltaPages uint32)

var epoch = time.Now()

// Monotonic returns the nanoseconds elapsed on Go's monotonic clock since
// the process started.
func Monotonic() int64 {
	return time.Since(epoch).Nanoseconds()
}

type options struct {
	namespace string
	now       Nanotime
	logger    *zap.Logger
}

// Option configures the installed exports.
type Option func(*options)

// WithNamespace sets the namespace of the clock import. Empty selects "env".
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithClock replaces the monotonic time source.
func WithClock(now Nanotime) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger for dropped growth-handler panics.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		namespace: wasipolyfill.NamespaceEnv,
		now:       Monotonic,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.namespace == "" {
		o.namespace = wasipolyfill.NamespaceEnv
	}
	return o
}

// ClockNamespace returns the namespace the clock import is registered under
// for the given options.
func ClockNamespace(opts ...Option) string {
	return buildOptions(opts).namespace
}

// AttachClockTimeExport defines __wasi_clock_time_get in l. An out-of-bounds
// out_ptr traps the calling guest.
func AttachClockTimeExport(l *linker.Linker, mem memory.Getter, opts ...Option) error {
	if mem == nil {
		return errors.InvalidInput(errors.PhaseLinking, "clock export requires a memory getter", nil)
	}
	o := buildOptions(opts)
	view := memory.Wrap(mem)
	ns := o.namespace

	clockTimeGet := func(_ context.Context, _ api.Module, stack []uint64) {
		// stack[0] clock_id and stack[1] precision are ignored.
		outPtr := api.DecodeU32(stack[2])
		if err := view.WriteU64(outPtr, uint64(o.now())); err != nil {
			panic(errors.New(errors.PhaseHost, errors.KindOutOfBounds).
				Import(ns, wasipolyfill.FuncClockTimeGet).
				Cause(err).
				Build())
		}
	}

	return l.DefineFunc(ns, wasipolyfill.FuncClockTimeGet, clockTimeGet,
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeI32}, nil,
		"clock_id", "precision", "out_ptr")
}

// AttachMemoryGrowthExport defines env.emscripten_notify_memory_growth in l.
// A nil handler installs a no-op. Handler panics are logged and dropped so
// the notification never faults the guest.
func AttachMemoryGrowthExport(l *linker.Linker, handler GrowthHandler, opts ...Option) error {
	o := buildOptions(opts)

	notify := func(ctx context.Context, _ api.Module, stack []uint64) {
		if handler == nil {
			return
		}
		delta := api.DecodeU32(stack[0])
		defer func() {
			if r := recover(); r != nil {
				o.logger.Warn("memory growth handler panicked",
					zap.Uint32("delta_pages", delta),
					zap.Any("panic", r))
			}
		}()
		handler(ctx, delta)
	}

	return l.DefineFunc(wasipolyfill.NamespaceEnv, wasipolyfill.FuncNotifyMemoryGrowth, notify,
		[]api.ValueType{api.ValueTypeI32}, nil,
		"delta_pages")
}
