package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"syscall"

	"github.com/23skdu/arbalest/internal/logger"
	"github.com/23skdu/arbalest/internal/metrics"
	"github.com/23skdu/arbalest/internal/quant"
)

var log = logger.Log.Component("gguf")

// cursor walks the buffer with bounds checking on every read. wide selects
// the 64-bit count/length fields of format versions 2 and 3.
type cursor struct {
	data []byte
	off  uint64
	wide bool
}

func (c *cursor) need(n uint64) error {
	if n > uint64(len(c.data)) || c.off > uint64(len(c.data))-n {
		return ErrTruncated{Offset: c.off}
	}
	return nil
}

func (c *cursor) u8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.data[c.off]
	c.off++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(c.data[c.off:])
	c.off += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(c.data[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(c.data[c.off:])
	c.off += 8
	return v, nil
}

// count reads a count/length field at the version-selected width.
func (c *cursor) count() (uint64, error) {
	if c.wide {
		return c.u64()
	}
	v, err := c.u32()
	return uint64(v), err
}

// str reads a length-prefixed UTF-8 string without terminator.
func (c *cursor) str() (string, error) {
	n, err := c.count()
	if err != nil {
		return "", err
	}
	if n > MaxStringLen {
		return "", ErrCountExceeded{Kind: "string length", Count: n, Limit: MaxStringLen}
	}
	if err := c.need(n); err != nil {
		return "", err
	}
	s := string(c.data[c.off : c.off+n])
	c.off += n
	return s, nil
}

// value reads one typed metadata value. Unknown keys are handled by the
// caller storing whatever comes back; the length computation here is purely
// type-directed so parsing never stalls on vendor-specific metadata.
func (c *cursor) value(t ValueType) (interface{}, error) {
	switch t {
	case TypeUint8:
		return c.u8()
	case TypeInt8:
		v, err := c.u8()
		return int8(v), err
	case TypeUint16:
		return c.u16()
	case TypeInt16:
		v, err := c.u16()
		return int16(v), err
	case TypeUint32:
		return c.u32()
	case TypeInt32:
		v, err := c.u32()
		return int32(v), err
	case TypeFloat32:
		v, err := c.u32()
		return math.Float32frombits(v), err
	case TypeBool:
		v, err := c.u8()
		return v != 0, err
	case TypeString:
		return c.str()
	case TypeUint64:
		return c.u64()
	case TypeInt64:
		v, err := c.u64()
		return int64(v), err
	case TypeFloat64:
		v, err := c.u64()
		return math.Float64frombits(v), err
	case TypeArray:
		return c.array()
	default:
		return nil, fmt.Errorf("%w: metadata value type %d", ErrFormat, t)
	}
}

// array reads a homogeneous array of any scalar type into a typed slice.
func (c *cursor) array() (interface{}, error) {
	et, err := c.u32()
	if err != nil {
		return nil, err
	}
	n, err := c.count()
	if err != nil {
		return nil, err
	}
	if n > MaxArrayElems {
		return nil, ErrCountExceeded{Kind: "array length", Count: n, Limit: MaxArrayElems}
	}
	switch ValueType(et) {
	case TypeString:
		out := make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			s, err := c.str()
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case TypeFloat32:
		out := make([]float32, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := c.u32()
			if err != nil {
				return nil, err
			}
			out = append(out, math.Float32frombits(v))
		}
		return out, nil
	case TypeInt32:
		out := make([]int32, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := c.u32()
			if err != nil {
				return nil, err
			}
			out = append(out, int32(v))
		}
		return out, nil
	case TypeUint32:
		out := make([]uint32, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := c.u32()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case TypeArray:
		return nil, fmt.Errorf("%w: nested metadata arrays", ErrFormat)
	default:
		// Other scalars parse generically; the engine never consumes
		// them, so the boxed form is fine.
		out := make([]interface{}, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := c.value(ValueType(et))
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
}

// Parse validates and decodes a model buffer. The buffer is treated as
// untrusted: counts are bounded, every read is bounds-checked and all
// failures are typed. The returned File borrows data, which must outlive it.
func Parse(data []byte) (*File, error) {
	f, err := parse(data)
	if err != nil {
		metrics.RecordParseFailure(failureReason(err))
		return nil, err
	}
	return f, nil
}

func parse(data []byte) (*File, error) {
	c := &cursor{data: data}

	f := &File{
		Data: data,
		KV:   make(map[string]interface{}),
	}

	magic, err := c.u32()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, ErrInvalidMagic{Magic: magic}
	}
	f.Header.Magic = magic

	version, err := c.u32()
	if err != nil {
		return nil, err
	}
	if version < 1 || version > 3 {
		return nil, ErrUnsupportedVersion{Version: version}
	}
	f.Header.Version = version
	c.wide = version >= 2

	if f.Header.TensorCount, err = c.count(); err != nil {
		return nil, err
	}
	if f.Header.KVCount, err = c.count(); err != nil {
		return nil, err
	}
	if f.Header.TensorCount > MaxTensors {
		return nil, ErrCountExceeded{Kind: "tensor", Count: f.Header.TensorCount, Limit: MaxTensors}
	}
	if f.Header.KVCount > MaxMetadataEntries {
		return nil, ErrCountExceeded{Kind: "metadata", Count: f.Header.KVCount, Limit: MaxMetadataEntries}
	}

	log.Debug("header", "version", version, "tensors", f.Header.TensorCount, "kv", f.Header.KVCount)

	for i := uint64(0); i < f.Header.KVCount; i++ {
		key, err := c.str()
		if err != nil {
			return nil, err
		}
		vt, err := c.u32()
		if err != nil {
			return nil, err
		}
		val, err := c.value(ValueType(vt))
		if err != nil {
			return nil, err
		}
		f.KV[key] = val
	}

	f.buildVocab()

	for i := uint64(0); i < f.Header.TensorCount; i++ {
		name, err := c.str()
		if err != nil {
			return nil, err
		}
		nDims, err := c.u32()
		if err != nil {
			return nil, err
		}
		if nDims == 0 || nDims > 4 {
			return nil, fmt.Errorf("%w: tensor %s has %d dimensions", ErrFormat, name, nDims)
		}
		dims := make([]uint64, nDims)
		for j := uint32(0); j < nDims; j++ {
			if c.wide {
				dims[j], err = c.u64()
			} else {
				var v uint32
				v, err = c.u32()
				dims[j] = uint64(v)
			}
			if err != nil {
				return nil, err
			}
		}
		enc, err := c.u32()
		if err != nil {
			return nil, err
		}
		off, err := c.u64()
		if err != nil {
			return nil, err
		}
		// Record a bounded number of descriptors but keep walking so the
		// tensor-data region boundary comes out right.
		if uint64(len(f.Tensors)) < MaxTensorsRecorded {
			f.Tensors = append(f.Tensors, &TensorInfo{
				Name:       name,
				Dimensions: dims,
				Encoding:   quant.Encoding(enc),
				Offset:     off,
			})
		}
	}

	alignment := alignmentOf(f.KV)
	f.DataOffset = (c.off + alignment - 1) &^ (alignment - 1)
	if f.DataOffset > uint64(len(data)) {
		return nil, ErrTruncated{Offset: f.DataOffset}
	}

	for _, t := range f.Tensors {
		size := t.SizeBytes()
		start := f.DataOffset + t.Offset
		if start < f.DataOffset { // overflow
			return nil, ErrBadOffset{Name: t.Name, Offset: t.Offset}
		}
		end := start + size
		if end < start || end > uint64(len(data)) {
			return nil, ErrBadOffset{Name: t.Name, Offset: t.Offset}
		}
		t.Data = data[start:end]
	}

	log.Debug("parsed model buffer", "tensors", len(f.Tensors), "vocab", len(f.Vocab.Tokens), "data_offset", f.DataOffset)
	return f, nil
}

func alignmentOf(kv map[string]interface{}) uint64 {
	alignment := uint64(DefaultAlignment)
	switch v := kv["general.alignment"].(type) {
	case uint32:
		alignment = uint64(v)
	case uint64:
		alignment = v
	case int32:
		alignment = uint64(v)
	}
	if alignment == 0 || alignment&(alignment-1) != 0 {
		log.Warn("non-power-of-two alignment, using default", "alignment", alignment)
		alignment = DefaultAlignment
	}
	return alignment
}

func (f *File) buildVocab() {
	if tokens, ok := f.KV["tokenizer.ggml.tokens"].([]string); ok {
		f.Vocab.Tokens = tokens
	}
	if scores, ok := f.KV["tokenizer.ggml.scores"].([]float32); ok {
		f.Vocab.Scores = scores
	}
	if types, ok := f.KV["tokenizer.ggml.token_type"].([]int32); ok {
		f.Vocab.Types = types
	}
}

func failureReason(err error) string {
	switch err.(type) {
	case ErrInvalidMagic:
		return "magic"
	case ErrUnsupportedVersion:
		return "version"
	case ErrTruncated:
		return "truncated"
	case ErrCountExceeded:
		return "count"
	case ErrBadOffset:
		return "offset"
	default:
		return "other"
	}
}

// LoadFile maps a model file into memory and parses it.
func LoadFile(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = fd.Close()
	}()

	info, err := fd.Stat()
	if err != nil {
		return nil, err
	}

	data, err := syscall.Mmap(int(fd.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	f, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, err
	}
	f.mapped = true
	return f, nil
}

// Close unmaps a file-backed buffer. No-op for byte-slice-backed files.
func (f *File) Close() error {
	if !f.mapped {
		return nil
	}
	f.mapped = false
	return syscall.Munmap(f.Data)
}
