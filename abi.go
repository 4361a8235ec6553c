package wasipolyfill

// Guest-facing import namespaces.
const (
	NamespaceFSWrapper = "fs_wrapper"
	NamespaceEnv       = "env"
)

// Import names satisfied by the host.
const (
	FuncReadStdin          = "read_stdin"
	FuncWriteStdout        = "write_stdout"
	FuncWriteStderr        = "write_stderr"
	FuncClockTimeGet       = "__wasi_clock_time_get"
	FuncNotifyMemoryGrowth = "emscripten_notify_memory_growth"
)

// Exports the guest must provide.
const (
	ExportMemory     = "memory"
	ExportInitialize = "_initialize"
)

// PageSize is the size of a WebAssembly memory page in bytes.
const PageSize = 65536
