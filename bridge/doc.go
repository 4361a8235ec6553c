// Package bridge connects a guest module's console imports to host callbacks.
//
// # Construction
//
// New performs the whole sequence, failing as a unit:
//
//  1. compile the guest module (errors.ErrModuleLoad)
//  2. define fs_wrapper.read_stdin, write_stdout and write_stderr
//  3. define the clock and memory-growth exports (package polyfill)
//  4. instantiate against the linker (errors.ErrInstantiation)
//  5. capture the "memory" export (errors.ErrMissingExport)
//  6. call "_initialize" once (errors.ErrGuestTrap)
//
// # Addressing
//
// Each I/O import receives (buf, len, offset). The callback gets the len
// bytes starting at guest address buf+offset: the host reads the view
// [buf, buf+offset+len) and re-slices it at offset. Guest toolchains emitting
// these imports must agree on this convention.
//
// # Callbacks
//
// Callbacks run synchronously on the goroutine driving the guest and may
// block. The span they receive aliases guest memory and must not be retained
// after the callback returns. The returned count is passed to the guest
// unchanged; it should be non-negative and no greater than requested.
//
// # Thread Safety
//
// A Bridge is NOT thread-safe. Drive it from a single goroutine.
package bridge
