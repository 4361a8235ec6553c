package errors

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseConfig      Phase = "config"      // option validation
	PhaseLoad        Phase = "load"        // module compilation
	PhaseLinking     Phase = "linking"     // import resolution
	PhaseInstantiate Phase = "instantiate" // guest instantiation
	PhaseInit        Phase = "init"        // _initialize
	PhaseHost        Phase = "host"        // host import execution
	PhaseCall        Phase = "call"        // guest export calls
)

// Kind categorizes the error
type Kind string

const (
	KindModuleLoad     Kind = "module_load"
	KindInstantiation  Kind = "instantiation"
	KindMissingExport  Kind = "missing_export"
	KindGuestTrap      Kind = "guest_trap"
	KindMissingImport  Kind = "missing_import"
	KindTypeMismatch   Kind = "type_mismatch"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindInvalidInput   Kind = "invalid_input"
	KindNotInitialized Kind = "not_initialized"
)

// Sentinel targets for errors.Is. They match any Error of the same Kind
// regardless of Phase.
var (
	ErrModuleLoad    = &Error{Kind: KindModuleLoad}
	ErrInstantiation = &Error{Kind: KindInstantiation}
	ErrMissingExport = &Error{Kind: KindMissingExport}
	ErrGuestTrap     = &Error{Kind: KindGuestTrap}

	// Matched by *MissingImportsError and *SignatureMismatchError, which
	// travel as the cause of an ErrInstantiation error.
	ErrMissingImport = &Error{Kind: KindMissingImport}
	ErrTypeMismatch  = &Error{Kind: KindTypeMismatch}
)

// Error is the structured error type used throughout the module
type Error struct {
	Value     any
	Cause     error
	Phase     Phase
	Kind      Kind
	Namespace string
	Name      string
	Detail    string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if e.Namespace != "" || e.Name != "" {
		b.WriteString(" at ")
		b.WriteString(e.Namespace)
		b.WriteByte('.')
		b.WriteString(e.Name)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target without a Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Import sets the namespace and name the error concerns
func (b *Builder) Import(namespace, name string) *Builder {
	b.err.Namespace = namespace
	b.err.Name = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for the fatal construction failures

// ModuleLoad creates a module loading error
func ModuleLoad(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindModuleLoad,
		Detail: detail,
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindInstantiation,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingExport creates an error for a required export the guest lacks
func MissingExport(what, name string) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindMissingExport,
		Name:   name,
		Detail: fmt.Sprintf("guest does not export %s %q", what, name),
	}
}

// GuestTrap creates an error for a fault raised while the guest was running
func GuestTrap(phase Phase, export string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindGuestTrap,
		Name:   export,
		Detail: fmt.Sprintf("guest trapped in %q", export),
		Cause:  cause,
	}
}

// OutOfBounds creates an out of bounds error for a guest memory range
func OutOfBounds(phase Phase, offset, length uint64, size uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("range [%d, %d) out of bounds (memory size %d)", offset, offset+length, size),
		Value:  offset,
	}
}

// NotInitialized creates a not-initialized error
func NotInitialized(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", what),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingImport identifies a single unresolved import
type MissingImport struct {
	Namespace string
	Function  string
}

// MissingImportsError lists every guest import absent from the registry
type MissingImportsError struct {
	Imports []MissingImport
}

// NewMissingImportsError creates an error from a list of "namespace#function" strings
func NewMissingImportsError(imports []string) *MissingImportsError {
	result := &MissingImportsError{
		Imports: make([]MissingImport, 0, len(imports)),
	}
	for _, imp := range imports {
		ns, fn := parseImportKey(imp)
		result.Imports = append(result.Imports, MissingImport{
			Namespace: ns,
			Function:  fn,
		})
	}
	return result
}

func parseImportKey(key string) (namespace, function string) {
	ns, fn, found := strings.Cut(key, "#")
	if found {
		return ns, fn
	}
	return key, ""
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[linking] missing_import: no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "missing %d host function(s):\n", len(e.Imports))

	// Group by namespace for cleaner output
	byNS := make(map[string][]string)
	var nsOrder []string
	for _, imp := range e.Imports {
		if _, exists := byNS[imp.Namespace]; !exists {
			nsOrder = append(nsOrder, imp.Namespace)
		}
		byNS[imp.Namespace] = append(byNS[imp.Namespace], imp.Function)
	}

	for _, ns := range nsOrder {
		b.WriteString("\n  ")
		b.WriteString(ns)
		b.WriteString(":\n")
		for _, fn := range byNS[ns] {
			b.WriteString("    - ")
			b.WriteString(fn)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingImportsError) Is(target error) bool {
	return isImportError(target, KindMissingImport, func(t error) bool {
		_, ok := t.(*MissingImportsError)
		return ok
	})
}

// SignatureMismatch describes one import whose registered signature
// disagrees with what the guest declares.
type SignatureMismatch struct {
	Namespace   string
	Function    string
	WantParams  []api.ValueType
	WantResults []api.ValueType
	HaveParams  []api.ValueType
	HaveResults []api.ValueType
}

// SignatureMismatchError lists every import with a disagreeing signature
type SignatureMismatchError struct {
	Mismatches []SignatureMismatch
}

func (e *SignatureMismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d import signature mismatch(es):", len(e.Mismatches))
	for _, m := range e.Mismatches {
		fmt.Fprintf(&b, "\n  %s.%s: guest wants %s, host has %s",
			m.Namespace, m.Function,
			formatSignature(m.WantParams, m.WantResults),
			formatSignature(m.HaveParams, m.HaveResults))
	}
	return b.String()
}

// Is reports whether target matches this error type
func (e *SignatureMismatchError) Is(target error) bool {
	return isImportError(target, KindTypeMismatch, func(t error) bool {
		_, ok := t.(*SignatureMismatchError)
		return ok
	})
}

// isImportError matches target either by type or as a phase-less sentinel of kind.
func isImportError(target error, kind Kind, sameType func(error) bool) bool {
	if t, ok := target.(*Error); ok {
		return t.Phase == "" && t.Kind == kind
	}
	return sameType(target)
}

func formatSignature(params, results []api.ValueType) string {
	return "(" + formatTypes(params) + ") -> (" + formatTypes(results) + ")"
}

func formatTypes(types []api.ValueType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = api.ValueTypeName(t)
	}
	return strings.Join(names, ", ")
}
