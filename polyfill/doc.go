// Package polyfill installs the clock and memory-growth host exports.
//
// Both exports are defined in a linker.Linker before the guest is
// instantiated:
//
//	<ns>.__wasi_clock_time_get(i32 clock_id, i64 precision, i32 out_ptr)
//	env.emscripten_notify_memory_growth(i32 delta_pages)
//
// The clock ignores clock_id and precision and writes a little-endian u64 of
// monotonic nanoseconds at out_ptr. Guest memory is resolved through the
// supplied getter on every call because growth may have replaced it.
package polyfill
