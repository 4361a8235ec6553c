package linker

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-polyfill/engine"
	"github.com/wippyai/wasi-polyfill/errors"
)

// Options configures linker behavior.
type Options struct {
	// Logger receives debug events. Nil means no logging.
	Logger *zap.Logger
}

// DefaultOptions returns default linker configuration.
func DefaultOptions() Options {
	return Options{}
}

// Linker manages host function definitions and guest instantiation.
// Thread-safe.
type Linker struct {
	engine       *engine.Engine
	runtime      wazero.Runtime
	logger       *zap.Logger
	namespaces   map[string]*Namespace
	built        map[string]uint64
	mu           sync.RWMutex
	hostModuleMu sync.Mutex
}

// New creates a new Linker bound to the engine's runtime.
func New(eng *engine.Engine, opts Options) *Linker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Linker{
		engine:     eng,
		runtime:    eng.Runtime(),
		logger:     logger,
		namespaces: make(map[string]*Namespace),
		built:      make(map[string]uint64),
	}
}

// NewWithDefaults creates a new Linker with default options.
func NewWithDefaults(eng *engine.Engine) *Linker {
	return New(eng, DefaultOptions())
}

// Engine returns the engine the linker instantiates into.
func (l *Linker) Engine() *engine.Engine {
	return l.engine
}

// Namespace returns or creates a namespace by name.
func (l *Linker) Namespace(name string) *Namespace {
	l.mu.Lock()
	defer l.mu.Unlock()

	ns, ok := l.namespaces[name]
	if !ok {
		ns = newNamespace(name)
		l.namespaces[name] = ns
	}
	return ns
}

// DefineFunc registers fn as namespace.name. Redefinition overwrites.
// The namespace must be non-empty: wazero cannot resolve imports from an
// anonymous module.
func (l *Linker) DefineFunc(namespace, name string, fn api.GoModuleFunc, params, results []api.ValueType, paramNames ...string) error {
	if namespace == "" {
		return errors.New(errors.PhaseLinking, errors.KindInvalidInput).
			Import(namespace, name).
			Detail("namespace cannot be empty").
			Build()
	}
	if name == "" {
		return errors.New(errors.PhaseLinking, errors.KindInvalidInput).
			Import(namespace, name).
			Detail("function name cannot be empty").
			Build()
	}
	if fn == nil {
		return errors.New(errors.PhaseLinking, errors.KindInvalidInput).
			Import(namespace, name).
			Detail("handler cannot be nil").
			Build()
	}
	if len(paramNames) > 0 && len(paramNames) != len(params) {
		return errors.New(errors.PhaseLinking, errors.KindInvalidInput).
			Import(namespace, name).
			Detail("%d parameter names for %d parameters", len(paramNames), len(params)).
			Build()
	}

	l.Namespace(namespace).DefineFunc(name, fn, params, results, paramNames...)
	l.logger.Debug("host function defined",
		zap.String("namespace", namespace),
		zap.String("name", name))
	return nil
}

// Resolve looks up a function, returning nil if it is not defined.
func (l *Linker) Resolve(namespace, name string) *FuncDef {
	l.mu.RLock()
	ns := l.namespaces[namespace]
	l.mu.RUnlock()

	if ns == nil {
		return nil
	}
	return ns.GetFunc(name)
}

// Check verifies every function import of mod against the registry.
// It returns an errors.ErrInstantiation error wrapping an
// *errors.MissingImportsError and/or *errors.SignatureMismatchError.
func (l *Linker) Check(mod *engine.Module) error {
	_, err := l.check(mod)
	return err
}

func (l *Linker) check(mod *engine.Module) ([]*Namespace, error) {
	var (
		missing    []string
		mismatches []errors.SignatureMismatch
		used       []*Namespace
		seen       = make(map[string]bool)
	)

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, imp := range mod.Imports() {
		ns, known := l.namespaces[imp.Namespace]
		if !known {
			// Left to modules instantiated directly in the runtime.
			if l.runtime.Module(imp.Namespace) == nil {
				missing = append(missing, imp.Namespace+"#"+imp.Name)
			}
			continue
		}
		if !seen[imp.Namespace] {
			seen[imp.Namespace] = true
			used = append(used, ns)
		}

		def := ns.GetFunc(imp.Name)
		switch {
		case def == nil:
			missing = append(missing, imp.Namespace+"#"+imp.Name)
		case !def.Matches(imp.Params, imp.Results):
			mismatches = append(mismatches, errors.SignatureMismatch{
				Namespace:   imp.Namespace,
				Function:    imp.Name,
				WantParams:  imp.Params,
				WantResults: imp.Results,
				HaveParams:  def.ParamTypes,
				HaveResults: def.ResultTypes,
			})
		}
	}

	var causes []error
	if len(missing) > 0 {
		causes = append(causes, errors.NewMissingImportsError(missing))
	}
	if len(mismatches) > 0 {
		causes = append(causes, &errors.SignatureMismatchError{Mismatches: mismatches})
	}
	switch len(causes) {
	case 0:
		return used, nil
	case 1:
		return nil, errors.Instantiation("resolve imports", causes[0])
	default:
		return nil, errors.Instantiation("resolve imports", stderrors.Join(causes...))
	}
}

// Instantiate links mod against the registry and instantiates it under name
// ("" for an anonymous instance). Start functions are not run.
func (l *Linker) Instantiate(ctx context.Context, mod *engine.Module, name string) (api.Module, error) {
	used, err := l.check(mod)
	if err != nil {
		l.logger.Debug("import resolution failed", zap.Error(err))
		return nil, err
	}

	slices.SortFunc(used, func(a, b *Namespace) int { return strings.Compare(a.Name(), b.Name()) })
	for _, ns := range used {
		if err := l.materialize(ctx, ns); err != nil {
			return nil, err
		}
	}

	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions()
	inst, err := l.runtime.InstantiateModule(ctx, mod.Compiled(), cfg)
	if err != nil {
		return nil, errors.Instantiation("instantiate guest", err)
	}

	l.logger.Debug("guest instantiated",
		zap.String("name", name),
		zap.Int("namespaces", len(used)))
	return inst, nil
}

// materialize instantiates ns as a host module unless the runtime already
// holds the current generation of it.
func (l *Linker) materialize(ctx context.Context, ns *Namespace) error {
	l.hostModuleMu.Lock()
	defer l.hostModuleMu.Unlock()

	funcs, gen := ns.snapshot()
	name := ns.Name()

	if existing := l.runtime.Module(name); existing != nil {
		built, ours := l.built[name]
		if !ours {
			return errors.Instantiation(
				fmt.Sprintf("namespace %q is already instantiated outside the linker", name), nil)
		}
		if built == gen {
			return nil
		}
		if err := existing.Close(ctx); err != nil {
			return errors.Instantiation(fmt.Sprintf("replace host module %q", name), err)
		}
		delete(l.built, name)
	}

	builder := l.runtime.NewHostModuleBuilder(name)
	for _, f := range funcs {
		fb := builder.NewFunctionBuilder().
			WithGoModuleFunction(f.Handler, f.ParamTypes, f.ResultTypes).
			WithName(f.Name)
		if len(f.ParamNames) > 0 {
			fb = fb.WithParameterNames(f.ParamNames...)
		}
		fb.Export(f.Name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.Instantiation(fmt.Sprintf("host module %q", name), err)
	}

	l.built[name] = gen
	l.logger.Debug("host module materialized",
		zap.String("namespace", name),
		zap.Int("functions", len(funcs)),
		zap.Uint64("generation", gen))
	return nil
}

// Stale reports whether the namespace changed since it was last materialized.
func (l *Linker) Stale(namespace string) bool {
	l.mu.RLock()
	ns := l.namespaces[namespace]
	l.mu.RUnlock()
	if ns == nil {
		return false
	}

	l.hostModuleMu.Lock()
	defer l.hostModuleMu.Unlock()
	built, ok := l.built[namespace]
	return !ok || built != ns.currentGeneration()
}

// Close closes the host modules this linker materialized.
// It does not close the engine.
func (l *Linker) Close(ctx context.Context) error {
	l.hostModuleMu.Lock()
	defer l.hostModuleMu.Unlock()

	var errs []error
	for name := range l.built {
		if mod := l.runtime.Module(name); mod != nil {
			if err := mod.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		delete(l.built, name)
	}
	return stderrors.Join(errs...)
}
