// Package ggufgen builds synthetic model buffers for tests and tooling.
// Output is always format version 3 with the default 32-byte alignment.
package ggufgen

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/23skdu/arbalest/internal/quant"
)

const alignment = 32

type kvEntry struct {
	key string
	typ uint32
	val interface{}
}

type tensorEntry struct {
	name string
	dims []uint64
	enc  quant.Encoding
	data []byte
}

// Builder accumulates metadata and tensors, then serializes them in calls
// order. Add methods never fail; Bytes reports accumulated errors.
type Builder struct {
	kv      []kvEntry
	tensors []tensorEntry
	err     error
}

func New() *Builder { return &Builder{} }

func (b *Builder) fail(format string, args ...interface{}) {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
}

func (b *Builder) AddString(key, val string) *Builder {
	b.kv = append(b.kv, kvEntry{key, 8, val})
	return b
}

func (b *Builder) AddUint32(key string, val uint32) *Builder {
	b.kv = append(b.kv, kvEntry{key, 4, val})
	return b
}

func (b *Builder) AddFloat32(key string, val float32) *Builder {
	b.kv = append(b.kv, kvEntry{key, 6, val})
	return b
}

func (b *Builder) AddStringArray(key string, vals []string) *Builder {
	b.kv = append(b.kv, kvEntry{key, 9, vals})
	return b
}

func (b *Builder) AddFloat32Array(key string, vals []float32) *Builder {
	b.kv = append(b.kv, kvEntry{key, 9, vals})
	return b
}

func (b *Builder) AddInt32Array(key string, vals []int32) *Builder {
	b.kv = append(b.kv, kvEntry{key, 9, vals})
	return b
}

// AddTensor appends a raw tensor. data length must match the block geometry
// of the encoding for the given element count.
func (b *Builder) AddTensor(name string, dims []uint64, enc quant.Encoding, data []byte) *Builder {
	elems := 1
	for _, d := range dims {
		elems *= int(d)
	}
	want, err := quant.RowBytes(enc, elems)
	if err != nil {
		b.fail("tensor %s: %v", name, err)
		return b
	}
	if want != len(data) {
		b.fail("tensor %s: have %d bytes, encoding needs %d", name, len(data), want)
		return b
	}
	b.tensors = append(b.tensors, tensorEntry{name, dims, enc, data})
	return b
}

// AddF32 appends a float32 tensor from values in row-major order.
func (b *Builder) AddF32(name string, dims []uint64, vals []float32) *Builder {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return b.AddTensor(name, dims, quant.F32, data)
}

// Bytes serializes the accumulated model.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	w := func(v interface{}) { _ = binary.Write(&buf, le, v) }
	ws := func(s string) {
		w(uint64(len(s)))
		buf.WriteString(s)
	}

	w(uint32(0x46554747))
	w(uint32(3))
	w(uint64(len(b.tensors)))
	w(uint64(len(b.kv)))

	for _, e := range b.kv {
		ws(e.key)
		w(e.typ)
		switch v := e.val.(type) {
		case string:
			ws(v)
		case uint32:
			w(v)
		case float32:
			w(v)
		case []string:
			w(uint32(8))
			w(uint64(len(v)))
			for _, s := range v {
				ws(s)
			}
		case []float32:
			w(uint32(6))
			w(uint64(len(v)))
			w(v)
		case []int32:
			w(uint32(5))
			w(uint64(len(v)))
			w(v)
		}
	}

	// Tensor data offsets are relative to the aligned data region and each
	// tensor start is itself aligned, matching common writer behavior.
	offset := uint64(0)
	for _, t := range b.tensors {
		ws(t.name)
		w(uint32(len(t.dims)))
		for _, d := range t.dims {
			w(d)
		}
		w(uint32(t.enc))
		w(offset)
		offset = align(offset + uint64(len(t.data)))
	}

	pad(&buf, align(uint64(buf.Len()))-uint64(buf.Len()))
	for _, t := range b.tensors {
		buf.Write(t.data)
		pad(&buf, align(uint64(len(t.data)))-uint64(len(t.data)))
	}

	return buf.Bytes(), nil
}

func align(n uint64) uint64 { return (n + alignment - 1) &^ (alignment - 1) }

func pad(buf *bytes.Buffer, n uint64) {
	buf.Write(make([]byte, n))
}

// EncodeQ8_0 packs values into Q8_0 blocks. len(vals) must be a multiple
// of the block size.
func EncodeQ8_0(vals []float32) ([]byte, error) {
	g, _ := quant.GeometryOf(quant.Q8_0)
	if len(vals)%g.BlockElems != 0 {
		return nil, fmt.Errorf("length %d not a multiple of %d", len(vals), g.BlockElems)
	}
	out := make([]byte, 0, len(vals)/g.BlockElems*g.BlockBytes)
	blk := make([]byte, g.BlockBytes)
	for i := 0; i < len(vals); i += g.BlockElems {
		maxAbs := float32(0)
		for _, v := range vals[i : i+g.BlockElems] {
			if a := float32(math.Abs(float64(v))); a > maxAbs {
				maxAbs = a
			}
		}
		scale := maxAbs / 127
		inv := float32(0)
		if scale > 0 {
			inv = 1 / scale
		}
		binary.LittleEndian.PutUint16(blk, quant.F32ToF16(scale))
		for j, v := range vals[i : i+g.BlockElems] {
			q := math.RoundToEven(float64(v * inv))
			if q > 127 {
				q = 127
			} else if q < -128 {
				q = -128
			}
			blk[2+j] = byte(int8(q))
		}
		out = append(out, blk...)
	}
	return out, nil
}
