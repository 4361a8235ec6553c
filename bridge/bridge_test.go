package bridge

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasi-polyfill/engine"
	"github.com/wippyai/wasi-polyfill/errors"
	"github.com/wippyai/wasi-polyfill/internal/wasmtest"
	"github.com/wippyai/wasi-polyfill/linker"
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64

	ioType = wasmtest.FuncType{Params: []api.ValueType{i32, i32, i64}, Results: []api.ValueType{i32}}
)

const (
	fnRead = iota
	fnWrite
	fnErrWrite
	fnClock
	fnGrowth
)

// initBody stores a canary at 100 and bumps a counter at 104.
var initBody = wasmtest.Seq(
	wasmtest.I32Const(100), wasmtest.I32Const(0xCAFE), wasmtest.I32Store(0),
	wasmtest.I32Const(104),
	wasmtest.I32Const(104), wasmtest.I32Load(0),
	wasmtest.I32Const(1), []byte{wasmtest.OpI32Add},
	wasmtest.I32Store(0),
)

func forward(idx uint32) []byte {
	return wasmtest.Seq(wasmtest.LocalGet(0), wasmtest.LocalGet(1), wasmtest.LocalGet(2), wasmtest.Call(idx))
}

// consoleGuest imports every bridge function and re-exports each one.
func consoleGuest(clockNS string) *wasmtest.Module {
	return &wasmtest.Module{
		Imports: []wasmtest.Import{
			{Module: "fs_wrapper", Name: "read_stdin", Type: ioType},
			{Module: "fs_wrapper", Name: "write_stdout", Type: ioType},
			{Module: "fs_wrapper", Name: "write_stderr", Type: ioType},
			{Module: clockNS, Name: "__wasi_clock_time_get", Type: wasmtest.FuncType{Params: []api.ValueType{i32, i64, i32}}},
			{Module: "env", Name: "emscripten_notify_memory_growth", Type: wasmtest.FuncType{Params: []api.ValueType{i32}}},
		},
		Funcs: []wasmtest.Func{
			{Export: "_initialize", Body: initBody},
			{Type: ioType, Export: "read", Body: forward(fnRead)},
			{Type: ioType, Export: "write", Body: forward(fnWrite)},
			{Type: ioType, Export: "ewrite", Body: forward(fnErrWrite)},
			{
				Type:   wasmtest.FuncType{Params: []api.ValueType{i32}},
				Export: "clock",
				Body:   wasmtest.Seq(wasmtest.I32Const(1), wasmtest.I64Const(0), wasmtest.LocalGet(0), wasmtest.Call(fnClock)),
			},
			{
				Type:   wasmtest.FuncType{Params: []api.ValueType{i32}, Results: []api.ValueType{i32}},
				Export: "grow",
				Body:   wasmtest.Seq(wasmtest.LocalGet(0), wasmtest.MemoryGrow(), wasmtest.LocalGet(0), wasmtest.Call(fnGrowth)),
			},
		},
		Data: []wasmtest.Data{
			{Offset: 0, Bytes: []byte("hi")},
			{Offset: 16, Bytes: []byte("hello world")},
		},
		MemoryPages:  1,
		MemoryExport: "memory",
	}
}

// writerGuest imports only write_stdout.
func writerGuest() *wasmtest.Module {
	return &wasmtest.Module{
		Imports: []wasmtest.Import{
			{Module: "fs_wrapper", Name: "write_stdout", Type: ioType},
		},
		Funcs: []wasmtest.Func{
			{Export: "_initialize"},
			{Type: ioType, Export: "write", Body: forward(0)},
		},
		Data:         []wasmtest.Data{{Offset: 0, Bytes: []byte("hi")}},
		MemoryPages:  1,
		MemoryExport: "memory",
	}
}

func newEnv(t *testing.T) (*engine.Engine, *linker.Linker) {
	t.Helper()
	ctx := context.Background()
	eng, err := engine.New(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close(ctx) })
	return eng, linker.NewWithDefaults(eng)
}

func newTestBridge(t *testing.T, guest *wasmtest.Module, h Handlers, opts ...Option) *Bridge {
	t.Helper()
	eng, lk := newEnv(t)
	b, err := NewFromBinary(context.Background(), eng, lk, guest.Encode(), h, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close(context.Background()) })
	return b
}

func ioArgs(buf, length int32, offset int64) []uint64 {
	return []uint64{api.EncodeI32(buf), api.EncodeI32(length), api.EncodeI64(offset)}
}

func callIO(t *testing.T, b *Bridge, export string, buf, length int32, offset int64) int32 {
	t.Helper()
	res, err := b.Call(context.Background(), export, ioArgs(buf, length, offset)...)
	require.NoError(t, err)
	return api.DecodeI32(res[0])
}

type recorder struct {
	calls     int
	data      []byte
	requested int32
	result    int32
}

func (r *recorder) handle(_ context.Context, span []byte, requested int32) int32 {
	r.calls++
	r.data = append([]byte(nil), span...)
	r.requested = requested
	return r.result
}

func stdinEmpty() ReadWriteFunc {
	return ReaderFunc(strings.NewReader(""))
}

func TestBridge_WriteStdout(t *testing.T) {
	out := &recorder{result: 2}
	b := newTestBridge(t, consoleGuest("env"), Handlers{
		ReadStdin:   stdinEmpty(),
		WriteStdout: out.handle,
		WriteStderr: WriterFunc(&bytes.Buffer{}),
	})

	n := callIO(t, b, "write", 0, 2, 0)
	assert.Equal(t, int32(2), n)
	assert.Equal(t, 1, out.calls)
	assert.Equal(t, []byte("hi"), out.data)
	assert.Equal(t, int32(2), out.requested)
}

func TestBridge_SpanAddressing(t *testing.T) {
	out := &recorder{}
	b := newTestBridge(t, consoleGuest("env"), Handlers{
		ReadStdin:   stdinEmpty(),
		WriteStdout: out.handle,
		WriteStderr: out.handle,
	})

	tests := []struct {
		name   string
		buf    int32
		length int32
		offset int64
		want   string
	}{
		{"no offset", 16, 5, 0, "hello"},
		{"offset within buffer", 16, 5, 6, "world"},
		{"offset past base", 10, 5, 12, "world"},
		{"zero length", 16, 0, 3, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			callIO(t, b, "write", tt.buf, tt.length, tt.offset)
			assert.Equal(t, tt.want, string(out.data))
			assert.Equal(t, tt.length, out.requested)
		})
	}
}

func TestBridge_ResultPassthrough(t *testing.T) {
	for _, want := range []int32{0, 1, 7, -3} {
		out := &recorder{result: want}
		b := newTestBridge(t, consoleGuest("env"), Handlers{
			ReadStdin:   stdinEmpty(),
			WriteStdout: out.handle,
			WriteStderr: out.handle,
		})
		assert.Equal(t, want, callIO(t, b, "write", 0, 2, 0))
	}
}

func TestBridge_SpanAliasesMemory(t *testing.T) {
	fill := func(_ context.Context, span []byte, requested int32) int32 {
		for i := range span {
			span[i] = 'x'
		}
		return requested
	}
	b := newTestBridge(t, consoleGuest("env"), Handlers{
		ReadStdin:   fill,
		WriteStdout: fill,
		WriteStderr: fill,
	})

	assert.Equal(t, int32(3), callIO(t, b, "read", 200, 3, 4))
	got, ok := b.Memory().Read(200, 8)
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 0, 0, 'x', 'x', 'x', 0}, got)
}

func TestBridge_ReadStdin(t *testing.T) {
	b := newTestBridge(t, consoleGuest("env"), Stdio(strings.NewReader("abc"), &bytes.Buffer{}, &bytes.Buffer{}))

	assert.Equal(t, int32(3), callIO(t, b, "read", 300, 16, 0))
	got, ok := b.Memory().Read(300, 3)
	require.True(t, ok)
	assert.Equal(t, "abc", string(got))

	assert.Equal(t, int32(0), callIO(t, b, "read", 300, 16, 0), "end of input")
}

func TestBridge_StderrRouting(t *testing.T) {
	var stdout, stderr bytes.Buffer
	b := newTestBridge(t, consoleGuest("env"), Stdio(strings.NewReader(""), &stdout, &stderr))

	assert.Equal(t, int32(5), callIO(t, b, "ewrite", 16, 5, 0))
	assert.Equal(t, int32(2), callIO(t, b, "write", 0, 2, 0))
	assert.Equal(t, "hello", stderr.String())
	assert.Equal(t, "hi", stdout.String())
}

func TestBridge_OutOfBounds(t *testing.T) {
	tests := []struct {
		name   string
		buf    int32
		length int32
		offset int64
	}{
		{"past end", 65530, 10, 0},
		{"offset past end", 0, 1, 65536},
		{"negative offset", 0, 1, -1},
		{"negative length", 0, -1, 0},
		{"total overflows", 0, 1, math.MaxUint32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &recorder{}
			b := newTestBridge(t, consoleGuest("env"), Handlers{
				ReadStdin:   out.handle,
				WriteStdout: out.handle,
				WriteStderr: out.handle,
			})

			_, err := b.Call(context.Background(), "write", ioArgs(tt.buf, tt.length, tt.offset)...)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrGuestTrap)
			assert.Zero(t, out.calls, "handler must not run")
		})
	}
}

func TestBridge_Clock(t *testing.T) {
	b := newTestBridge(t, consoleGuest("env"), Stdio(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}),
		WithClock(func() int64 { return 123456789 }))

	_, err := b.Call(context.Background(), "clock", api.EncodeU32(512))
	require.NoError(t, err)
	v, ok := b.Memory().ReadUint64Le(512)
	require.True(t, ok)
	assert.Equal(t, uint64(123456789), v)
}

func TestBridge_ClockNamespace(t *testing.T) {
	b := newTestBridge(t, consoleGuest("wasi"), Stdio(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}),
		WithClockNamespace("wasi"), WithClock(func() int64 { return 42 }))

	_, err := b.Call(context.Background(), "clock", api.EncodeU32(8))
	require.NoError(t, err)
	v, ok := b.Memory().ReadUint64Le(8)
	require.True(t, ok)
	assert.Equal(t, uint64(42), v)
}

func TestBridge_ClockNamespaceMismatch(t *testing.T) {
	eng, lk := newEnv(t)
	_, err := NewFromBinary(context.Background(), eng, lk, consoleGuest("wasi").Encode(),
		Stdio(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}))
	assert.ErrorIs(t, err, errors.ErrInstantiation)
}

func TestBridge_MemoryGrowth(t *testing.T) {
	var deltas []uint32
	out := &recorder{result: 4}
	b := newTestBridge(t, consoleGuest("env"), Handlers{
		ReadStdin:      stdinEmpty(),
		WriteStdout:    out.handle,
		WriteStderr:    out.handle,
		OnMemoryGrowth: func(_ context.Context, delta uint32) { deltas = append(deltas, delta) },
	})

	res, err := b.Call(context.Background(), "grow", api.EncodeU32(2))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), api.DecodeU32(res[0]), "previous size in pages")
	assert.Equal(t, []uint32{2}, deltas)
	assert.Equal(t, uint32(3*65536), b.Memory().Size())

	// The I/O path sees the grown memory.
	require.True(t, b.Memory().Write(70000, []byte("grow")))
	assert.Equal(t, int32(4), callIO(t, b, "write", 70000, 4, 0))
	assert.Equal(t, "grow", string(out.data))
}

func TestBridge_InitializeRunsOnce(t *testing.T) {
	b := newTestBridge(t, consoleGuest("env"), Stdio(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}))

	canary, ok := b.Memory().ReadUint32Le(100)
	require.True(t, ok)
	assert.Equal(t, uint32(0xCAFE), canary)

	callIO(t, b, "write", 0, 2, 0)
	_, err := b.Call(context.Background(), "clock", api.EncodeU32(512))
	require.NoError(t, err)

	count, ok := b.Memory().ReadUint32Le(104)
	require.True(t, ok)
	assert.Equal(t, uint32(1), count)
}

func TestBridge_MissingMemoryExport(t *testing.T) {
	guest := writerGuest()
	guest.MemoryExport = ""

	eng, lk := newEnv(t)
	_, err := NewFromBinary(context.Background(), eng, lk, guest.Encode(), Handlers{WriteStdout: (&recorder{}).handle},
		WithModuleName("guest"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingExport)
	assert.Nil(t, eng.Runtime().Module("guest"), "instance must be closed")
}

func TestBridge_MissingInitialize(t *testing.T) {
	guest := writerGuest()
	guest.Funcs[0].Export = ""

	eng, lk := newEnv(t)
	_, err := NewFromBinary(context.Background(), eng, lk, guest.Encode(), Handlers{WriteStdout: (&recorder{}).handle},
		WithModuleName("guest"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingExport)
	assert.Nil(t, eng.Runtime().Module("guest"), "instance must be closed")
}

func TestBridge_InitializeTraps(t *testing.T) {
	guest := writerGuest()
	guest.Funcs[0].Body = []byte{wasmtest.OpUnreachable}

	eng, lk := newEnv(t)
	_, err := NewFromBinary(context.Background(), eng, lk, guest.Encode(), Handlers{WriteStdout: (&recorder{}).handle},
		WithModuleName("guest"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrGuestTrap)

	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.PhaseInit, e.Phase)
	assert.Equal(t, "_initialize", e.Name)
	assert.Nil(t, eng.Runtime().Module("guest"), "instance must be closed")
}

func TestBridge_ModuleLoad(t *testing.T) {
	eng, lk := newEnv(t)
	ctx := context.Background()

	_, err := New(ctx, eng, lk, filepath.Join(t.TempDir(), "missing.wasm"), Handlers{})
	assert.ErrorIs(t, err, errors.ErrModuleLoad)

	_, err = NewFromBinary(ctx, eng, lk, []byte("not wasm"), Handlers{})
	assert.ErrorIs(t, err, errors.ErrModuleLoad)
}

func TestBridge_NewFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guest.wasm")
	require.NoError(t, os.WriteFile(path, writerGuest().Encode(), 0o600))

	var out bytes.Buffer
	eng, lk := newEnv(t)
	b, err := New(context.Background(), eng, lk, path, Stdio(nil, &out, nil))
	require.NoError(t, err)
	defer b.Close(context.Background())

	assert.Equal(t, int32(2), callIO(t, b, "write", 0, 2, 0))
	assert.Equal(t, "hi", out.String())
}

func TestBridge_MissingHandler(t *testing.T) {
	eng, lk := newEnv(t)
	_, err := NewFromBinary(context.Background(), eng, lk, writerGuest().Encode(), Stdio(strings.NewReader(""), nil, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInstantiation)
	assert.ErrorIs(t, err, errors.ErrMissingImport)

	var missing *errors.MissingImportsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []errors.MissingImport{{Namespace: "fs_wrapper", Function: "write_stdout"}}, missing.Imports)
	assert.Nil(t, lk.Resolve("fs_wrapper", "read_stdin"), "nothing registered on failure")
}

func TestBridge_UnresolvedImport(t *testing.T) {
	guest := writerGuest()
	guest.Imports = append(guest.Imports, wasmtest.Import{Module: "env", Name: "abort"})

	eng, lk := newEnv(t)
	_, err := NewFromBinary(context.Background(), eng, lk, guest.Encode(), Stdio(nil, &bytes.Buffer{}, nil))
	assert.ErrorIs(t, err, errors.ErrInstantiation)
}

func TestBridge_GuestWithoutImports(t *testing.T) {
	guest := &wasmtest.Module{
		Funcs:        []wasmtest.Func{{Export: "_initialize", Body: initBody}},
		MemoryPages:  1,
		MemoryExport: "memory",
	}
	b := newTestBridge(t, guest, Handlers{})

	count, ok := b.Memory().ReadUint32Le(104)
	require.True(t, ok)
	assert.Equal(t, uint32(1), count)
}

func TestBridge_Options(t *testing.T) {
	eng, lk := newEnv(t)
	ctx := context.Background()
	wasm := writerGuest().Encode()

	_, err := NewFromBinary(ctx, eng, lk, wasm, Handlers{}, WithClockNamespace("bad\x00ns"))
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.KindInvalidInput, e.Kind)
	assert.Equal(t, errors.PhaseConfig, e.Phase)

	other, err := engine.New(ctx, nil)
	require.NoError(t, err)
	defer other.Close(ctx)

	_, err = NewFromBinary(ctx, eng, linker.NewWithDefaults(other), wasm, Handlers{})
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.KindInvalidInput, e.Kind)

	_, err = NewFromBinary(ctx, nil, lk, wasm, Handlers{})
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.KindInvalidInput, e.Kind)
}

func TestBridge_NamedInstance(t *testing.T) {
	eng, lk := newEnv(t)
	b, err := NewFromBinary(context.Background(), eng, lk, writerGuest().Encode(),
		Stdio(nil, &bytes.Buffer{}, nil), WithModuleName("console"))
	require.NoError(t, err)
	defer b.Close(context.Background())

	assert.NotNil(t, eng.Runtime().Module("console"))
	assert.Equal(t, "console", b.Instance().Name())
}

func TestBridge_CallMissingExport(t *testing.T) {
	b := newTestBridge(t, writerGuest(), Stdio(nil, &bytes.Buffer{}, nil))

	_, err := b.Call(context.Background(), "nope")
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.KindMissingExport, e.Kind)
	assert.Equal(t, errors.PhaseCall, e.Phase)
}

func TestBridge_Close(t *testing.T) {
	eng, lk := newEnv(t)
	ctx := context.Background()
	b, err := NewFromBinary(ctx, eng, lk, writerGuest().Encode(), Stdio(nil, &bytes.Buffer{}, nil), WithModuleName("console"))
	require.NoError(t, err)

	require.NoError(t, b.Close(ctx))
	assert.Nil(t, b.Instance())
	assert.Nil(t, eng.Runtime().Module("console"))

	_, err = b.Call(ctx, "write", ioArgs(0, 2, 0)...)
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.KindNotInitialized, e.Kind)

	assert.NoError(t, b.Close(ctx), "second close is a no-op")
}

func TestBridge_SharedLinker(t *testing.T) {
	eng, lk := newEnv(t)
	ctx := context.Background()

	var out1, out2 bytes.Buffer
	first, err := NewFromBinary(ctx, eng, lk, writerGuest().Encode(), Stdio(nil, &out1, nil))
	require.NoError(t, err)
	defer first.Close(ctx)

	second, err := NewFromBinary(ctx, eng, lk, writerGuest().Encode(), Stdio(nil, &out2, nil))
	require.NoError(t, err)
	defer second.Close(ctx)

	require.True(t, second.Memory().Write(0, []byte("yo")))

	assert.Equal(t, int32(2), callIO(t, first, "write", 0, 2, 0))
	assert.Equal(t, int32(2), callIO(t, second, "write", 0, 2, 0))
	assert.Equal(t, "hi", out1.String(), "first guest keeps its own handler")
	assert.Equal(t, "yo", out2.String())
}
