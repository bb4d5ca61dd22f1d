package gguf

import (
	"errors"
	"fmt"

	"github.com/23skdu/arbalest/internal/quant"
)

const (
	Magic   = 0x46554747 // "GGUF"
	Version = 3

	// Ceilings for hostile or corrupt buffers. These bound worst-case
	// parser memory, they are not feature limits.
	MaxMetadataEntries = 4096
	MaxTensors         = 65536
	MaxTensorsRecorded = 16384
	MaxStringLen       = 1 << 20
	MaxArrayElems      = 1 << 22

	DefaultAlignment = 32
)

// ErrFormat is the class sentinel for all load-fatal parse failures.
// Every typed parse error unwraps to it.
var ErrFormat = errors.New("invalid model format")

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid magic: %x", e.Magic)
}
func (e ErrInvalidMagic) Unwrap() error { return ErrFormat }

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported version: %d", e.Version)
}
func (e ErrUnsupportedVersion) Unwrap() error { return ErrFormat }

type ErrTruncated struct{ Offset uint64 }

func (e ErrTruncated) Error() string {
	return fmt.Sprintf("buffer truncated at offset %d", e.Offset)
}
func (e ErrTruncated) Unwrap() error { return ErrFormat }

type ErrCountExceeded struct {
	Kind  string
	Count uint64
	Limit uint64
}

func (e ErrCountExceeded) Error() string {
	return fmt.Sprintf("declared %s count %d exceeds safety ceiling %d", e.Kind, e.Count, e.Limit)
}
func (e ErrCountExceeded) Unwrap() error { return ErrFormat }

type ErrBadOffset struct {
	Name   string
	Offset uint64
}

func (e ErrBadOffset) Error() string {
	return fmt.Sprintf("tensor %s: offset %d out of bounds", e.Name, e.Offset)
}
func (e ErrBadOffset) Unwrap() error { return ErrFormat }

// metadata value type tags
type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

// TensorInfo describes one named weight: encoding, per-axis extents and
// resolved byte range. Data is a non-owning view into the model buffer.
type TensorInfo struct {
	Name       string
	Dimensions []uint64 // elements per axis
	Encoding   quant.Encoding
	Offset     uint64 // relative to the tensor-data region start
	Data       []byte
}

// Elems returns the total element count.
func (t *TensorInfo) Elems() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

// SizeBytes returns the compressed byte size, always a whole number of
// blocks, or 0 when the encoding is unknown.
func (t *TensorInfo) SizeBytes() uint64 {
	g, ok := quant.GeometryOf(t.Encoding)
	if !ok {
		return 0
	}
	n := t.Elems()
	if n%uint64(g.BlockElems) != 0 {
		return 0
	}
	return n / uint64(g.BlockElems) * uint64(g.BlockBytes)
}

// Vocabulary is the ordered token table with optional parallel score and
// category arrays. Immutable after load; callers borrow, never copy.
type Vocabulary struct {
	Tokens []string
	Scores []float32
	Types  []int32
}

// TokenText returns the token string for id, or "" and false when id is out
// of range.
func (v *Vocabulary) TokenText(id int) (string, bool) {
	if id < 0 || id >= len(v.Tokens) {
		return "", false
	}
	return v.Tokens[id], true
}

type Header struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// File is a parsed model buffer: header, metadata, vocabulary and tensor
// descriptor index. All accessors are read-only and safe for concurrent
// readers once Parse returns.
type File struct {
	Header     Header
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	Vocab      Vocabulary
	Data       []byte // the raw model buffer
	DataOffset uint64 // where the tensor-data region starts

	mapped bool
}

// Tensor finds a descriptor by exact name. Linear scan; called at
// model-load scale only.
func (f *File) Tensor(name string) *TensorInfo {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// TokenText returns the vocabulary string for a token id.
func (f *File) TokenText(id int) (string, bool) {
	return f.Vocab.TokenText(id)
}
