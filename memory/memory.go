package memory

import (
	"math"

	"github.com/tetratelabs/wazero/api"

	wasipolyfill "github.com/wippyai/wasi-polyfill"
	"github.com/wippyai/wasi-polyfill/errors"
)

// Getter lazily resolves the guest's current linear memory.
// It returns nil while the memory is not yet known.
type Getter func() api.Memory

// Span returns the length bytes of mem starting at guest address buf+offset.
// The returned slice aliases guest memory and must not be retained past the
// host call that obtained it.
func Span(mem api.Memory, buf, length uint32, offset int64) ([]byte, error) {
	if mem == nil {
		return nil, errors.NotInitialized(errors.PhaseHost, "guest memory")
	}
	if offset < 0 {
		return nil, errors.New(errors.PhaseHost, errors.KindOutOfBounds).
			Value(offset).
			Detail("negative offset %d", offset).
			Build()
	}

	total := uint64(offset) + uint64(length)
	if total > math.MaxUint32 {
		return nil, errors.OutOfBounds(errors.PhaseHost, uint64(buf), total, mem.Size())
	}

	view, ok := mem.Read(buf, uint32(total))
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseHost, uint64(buf), total, mem.Size())
	}
	// Cap the span so appends cannot spill into neighbouring guest memory.
	return view[offset:total:total], nil
}

// Wrapper adapts a Getter to bounds-checked, error-returning accessors.
// The memory is re-resolved on every call.
type Wrapper struct {
	Get Getter
}

// Wrap returns a Wrapper over the given getter.
func Wrap(get Getter) *Wrapper {
	return &Wrapper{Get: get}
}

func (w *Wrapper) mem() (api.Memory, error) {
	if w.Get == nil {
		return nil, errors.NotInitialized(errors.PhaseHost, "guest memory")
	}
	m := w.Get()
	if m == nil {
		return nil, errors.NotInitialized(errors.PhaseHost, "guest memory")
	}
	return m, nil
}

// Span resolves buf+offset like the package-level Span.
func (w *Wrapper) Span(buf, length uint32, offset int64) ([]byte, error) {
	m, err := w.mem()
	if err != nil {
		return nil, err
	}
	return Span(m, buf, length, offset)
}

// WriteU64 writes an unsigned 64-bit little-endian value.
func (w *Wrapper) WriteU64(offset uint32, value uint64) error {
	m, err := w.mem()
	if err != nil {
		return err
	}
	if !m.WriteUint64Le(offset, value) {
		return errors.OutOfBounds(errors.PhaseHost, uint64(offset), 8, m.Size())
	}
	return nil
}

// Size returns the current memory size in bytes, or 0 if unknown.
func (w *Wrapper) Size() uint32 {
	m, err := w.mem()
	if err != nil {
		return 0
	}
	return m.Size()
}

// Pages returns the current memory size in pages, or 0 if unknown.
func (w *Wrapper) Pages() uint32 {
	return w.Size() / wasipolyfill.PageSize
}
