// Package wasmtest assembles small core WebAssembly modules for tests.
//
// Only the sections the polyfill's tests need are supported: types, function
// imports, functions, one memory, exports, code and active data segments.
package wasmtest

import (
	"bytes"

	"github.com/tetratelabs/wazero/api"
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	kindFunc   = 0x00
	kindMemory = 0x02

	funcTypeByte = 0x60
)

// Opcodes used by test guests.
const (
	OpUnreachable = 0x00
	OpEnd         = 0x0b
	OpCall        = 0x10
	OpDrop        = 0x1a
	OpLocalGet    = 0x20
	OpI32Load     = 0x28
	OpI32Store    = 0x36
	OpMemoryGrow  = 0x40
	OpI32Const    = 0x41
	OpI64Const    = 0x42
	OpI32Add      = 0x6a
)

// FuncType is a function signature.
type FuncType struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// Import is a function import.
type Import struct {
	Module string
	Name   string
	Type   FuncType
}

// Func is a defined function. Body holds instructions without the final end.
type Func struct {
	Type   FuncType
	Export string
	Body   []byte
}

// Data is an active data segment for memory 0.
type Data struct {
	Offset int32
	Bytes  []byte
}

// Module describes a module to encode. Imported functions occupy the first
// function indices in declaration order.
type Module struct {
	Imports      []Import
	Funcs        []Func
	Data         []Data
	MemoryPages  uint32
	MemoryMax    *uint32
	MemoryExport string
	NoMemory     bool
}

// Encode returns the module's binary encoding.
func (m *Module) Encode() []byte {
	var types []FuncType
	typeIdx := func(ft FuncType) uint32 {
		for i, t := range types {
			if sameTypes(t.Params, ft.Params) && sameTypes(t.Results, ft.Results) {
				return uint32(i)
			}
		}
		types = append(types, ft)
		return uint32(len(types) - 1)
	}

	importIdx := make([]uint32, len(m.Imports))
	for i, imp := range m.Imports {
		importIdx[i] = typeIdx(imp.Type)
	}
	funcIdx := make([]uint32, len(m.Funcs))
	for i, f := range m.Funcs {
		funcIdx[i] = typeIdx(f.Type)
	}

	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d})
	out.Write([]byte{0x01, 0x00, 0x00, 0x00})

	if len(types) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(types)))
		for _, t := range types {
			sec.WriteByte(funcTypeByte)
			writeValTypes(&sec, t.Params)
			writeValTypes(&sec, t.Results)
		}
		writeSection(&out, sectionType, sec.Bytes())
	}

	if len(m.Imports) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.Imports)))
		for i, imp := range m.Imports {
			writeName(&sec, imp.Module)
			writeName(&sec, imp.Name)
			sec.WriteByte(kindFunc)
			writeU32(&sec, importIdx[i])
		}
		writeSection(&out, sectionImport, sec.Bytes())
	}

	if len(m.Funcs) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.Funcs)))
		for _, idx := range funcIdx {
			writeU32(&sec, idx)
		}
		writeSection(&out, sectionFunction, sec.Bytes())
	}

	if !m.NoMemory {
		var sec bytes.Buffer
		writeU32(&sec, 1)
		if m.MemoryMax != nil {
			sec.WriteByte(0x01)
			writeU32(&sec, m.MemoryPages)
			writeU32(&sec, *m.MemoryMax)
		} else {
			sec.WriteByte(0x00)
			writeU32(&sec, m.MemoryPages)
		}
		writeSection(&out, sectionMemory, sec.Bytes())
	}

	var exports bytes.Buffer
	exportCount := 0
	if !m.NoMemory && m.MemoryExport != "" {
		writeName(&exports, m.MemoryExport)
		exports.WriteByte(kindMemory)
		writeU32(&exports, 0)
		exportCount++
	}
	for i, f := range m.Funcs {
		if f.Export == "" {
			continue
		}
		writeName(&exports, f.Export)
		exports.WriteByte(kindFunc)
		writeU32(&exports, uint32(len(m.Imports)+i))
		exportCount++
	}
	if exportCount > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(exportCount))
		sec.Write(exports.Bytes())
		writeSection(&out, sectionExport, sec.Bytes())
	}

	if len(m.Funcs) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.Funcs)))
		for _, f := range m.Funcs {
			var body bytes.Buffer
			writeU32(&body, 0) // no locals beyond params
			body.Write(f.Body)
			body.WriteByte(OpEnd)
			writeU32(&sec, uint32(body.Len()))
			sec.Write(body.Bytes())
		}
		writeSection(&out, sectionCode, sec.Bytes())
	}

	if len(m.Data) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.Data)))
		for _, d := range m.Data {
			sec.WriteByte(0x00) // active, memory 0
			sec.WriteByte(OpI32Const)
			writeS64(&sec, int64(d.Offset))
			sec.WriteByte(OpEnd)
			writeU32(&sec, uint32(len(d.Bytes)))
			sec.Write(d.Bytes)
		}
		writeSection(&out, sectionData, sec.Bytes())
	}

	return out.Bytes()
}

// Instruction helpers. Each returns the encoded instruction.

func LocalGet(idx uint32) []byte { return append([]byte{OpLocalGet}, u32(idx)...) }
func Call(idx uint32) []byte     { return append([]byte{OpCall}, u32(idx)...) }
func I32Const(v int32) []byte    { return append([]byte{OpI32Const}, s64(int64(v))...) }
func I64Const(v int64) []byte    { return append([]byte{OpI64Const}, s64(v)...) }

// I32Load loads from the address on the stack with a static offset.
func I32Load(offset uint32) []byte {
	return append([]byte{OpI32Load, 0x02}, u32(offset)...)
}

// I32Store stores to the address on the stack with a static offset.
func I32Store(offset uint32) []byte {
	return append([]byte{OpI32Store, 0x02}, u32(offset)...)
}

// MemoryGrow grows memory 0 by the page count on the stack.
func MemoryGrow() []byte { return []byte{OpMemoryGrow, 0x00} }

// Seq concatenates instructions.
func Seq(parts ...[]byte) []byte {
	var b []byte
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

func u32(v uint32) []byte {
	var b bytes.Buffer
	writeU32(&b, v)
	return b.Bytes()
}

func s64(v int64) []byte {
	var b bytes.Buffer
	writeS64(&b, v)
	return b.Bytes()
}

func writeU32(w *bytes.Buffer, v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func writeS64(w *bytes.Buffer, v int64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		w.WriteByte(b)
		if done {
			return
		}
	}
}

func writeName(w *bytes.Buffer, s string) {
	writeU32(w, uint32(len(s)))
	w.WriteString(s)
}

func writeValTypes(w *bytes.Buffer, types []api.ValueType) {
	writeU32(w, uint32(len(types)))
	for _, t := range types {
		w.WriteByte(t)
	}
}

func writeSection(w *bytes.Buffer, id byte, payload []byte) {
	w.WriteByte(id)
	writeU32(w, uint32(len(payload)))
	w.Write(payload)
}

func sameTypes(a, b []api.ValueType) bool {
	return bytes.Equal(a, b)
}
