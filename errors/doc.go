// Package errors provides structured error types for the polyfill.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the import or export it concerns, a detail message and a cause chain.
//
// The four fatal construction failures have sentinel targets:
//
//	errors.Is(err, errors.ErrModuleLoad)     // unreadable path or malformed binary
//	errors.Is(err, errors.ErrInstantiation)  // missing or mismatched import
//	errors.Is(err, errors.ErrMissingExport)  // guest lacks "memory" or "_initialize"
//	errors.Is(err, errors.ErrGuestTrap)      // guest faulted
//
// Instantiation failures additionally match ErrMissingImport and/or
// ErrTypeMismatch through their *MissingImportsError and
// *SignatureMismatchError causes.
//
// Use the Builder for other structured errors:
//
//	err := errors.New(errors.PhaseHost, errors.KindOutOfBounds).
//		Import("fs_wrapper", "write_stdout").
//		Detail("span [%d, %d) exceeds memory size %d", lo, hi, size).
//		Build()
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
