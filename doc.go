// Package wasipolyfill is a minimal host-side polyfill that lets a WebAssembly
// guest perform console I/O, read a monotonic clock, and observe its own
// linear-memory growth without a full WASI implementation.
//
// # Architecture Overview
//
//	wasipolyfill/        Root package with the guest-facing ABI names
//	├── engine/          wazero runtime wrapper and guest module compilation
//	├── linker/          Import registry and guest instantiation
//	├── memory/          Host views over guest linear memory
//	├── polyfill/        Clock and memory-growth host exports
//	├── bridge/          Guest bridge: stdio imports, instantiation, _initialize
//	├── errors/          Structured error types
//	└── cmd/polyfill-run CLI runner with an interactive mode
//
// # Quick Start
//
//	eng, err := engine.New(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	lk := linker.NewWithDefaults(eng)
//	b, err := bridge.New(ctx, eng, lk, "guest.wasm", bridge.Handlers{
//	    ReadStdin:   bridge.ReaderFunc(os.Stdin),
//	    WriteStdout: bridge.WriterFunc(os.Stdout),
//	    WriteStderr: bridge.WriterFunc(os.Stderr),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close(ctx)
//
// # Guest ABI
//
//	fs_wrapper.read_stdin(i32 buf, i32 len, i64 offset) -> i32
//	fs_wrapper.write_stdout(i32 buf, i32 len, i64 offset) -> i32
//	fs_wrapper.write_stderr(i32 buf, i32 len, i64 offset) -> i32
//	<ns>.__wasi_clock_time_get(i32 clock_id, i64 precision, i32 out_ptr)
//	env.emscripten_notify_memory_growth(i32 delta_pages)
//
// The I/O imports operate on the len bytes starting at buf+offset.
// The guest must export "memory" and "_initialize".
//
// # Thread Safety
//
// Engine and Linker are safe for concurrent use. A Bridge and its guest
// instance are NOT thread-safe and must be driven by a single goroutine.
//
// # Memory Model
//
// Byte spans handed to callbacks alias guest memory and are valid only for
// the duration of the callback. Growth may relocate the backing buffer.
package wasipolyfill
