package linker

import (
	"slices"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

// FuncDef defines a host function
type FuncDef struct {
	Name        string
	Handler     api.GoModuleFunc
	ParamTypes  []api.ValueType
	ResultTypes []api.ValueType
	ParamNames  []string
}

// Matches reports whether the definition has exactly the given signature.
func (f *FuncDef) Matches(params, results []api.ValueType) bool {
	return slices.Equal(f.ParamTypes, params) && slices.Equal(f.ResultTypes, results)
}

// Namespace holds the host functions of one import module name.
type Namespace struct {
	funcs      map[string]*FuncDef
	name       string
	generation uint64
	mu         sync.RWMutex
}

func newNamespace(name string) *Namespace {
	return &Namespace{
		name:  name,
		funcs: make(map[string]*FuncDef),
	}
}

// Name returns the namespace name
func (ns *Namespace) Name() string {
	return ns.name
}

// DefineFunc registers a host function in this namespace.
// DefineFunc overwrites any existing function with the same name.
func (ns *Namespace) DefineFunc(name string, fn api.GoModuleFunc, params, results []api.ValueType, paramNames ...string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.funcs[name] = &FuncDef{
		Name:        name,
		Handler:     fn,
		ParamTypes:  params,
		ResultTypes: results,
		ParamNames:  paramNames,
	}
	ns.generation++
}

// GetFunc returns a function by name, or nil if not found
func (ns *Namespace) GetFunc(name string) *FuncDef {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.funcs[name]
}

// AllFuncs returns all functions sorted by name.
func (ns *Namespace) AllFuncs() []*FuncDef {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.sortedLocked()
}

// Len returns the number of functions defined.
func (ns *Namespace) Len() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.funcs)
}

// snapshot returns the functions together with the generation they belong to.
func (ns *Namespace) snapshot() ([]*FuncDef, uint64) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.sortedLocked(), ns.generation
}

func (ns *Namespace) currentGeneration() uint64 {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.generation
}

func (ns *Namespace) sortedLocked() []*FuncDef {
	out := make([]*FuncDef, 0, len(ns.funcs))
	for _, f := range ns.funcs {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b *FuncDef) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
