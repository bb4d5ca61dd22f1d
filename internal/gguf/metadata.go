package gguf

import (
	"sort"

	"github.com/23skdu/arbalest/internal/quant"
)

// Report summarizes a parsed model for the inspect tool.
type Report struct {
	Architecture    string
	ModelName       string
	ContextLength   int
	EmbeddingDim    int
	HiddenDim       int
	Layers          int
	AttentionHeads  int
	KVHeads         int
	VocabSize       int
	TensorCount     int
	TotalParameters int64
	TensorBytes     int64

	// Encodings maps encoding name to tensor count, EncodingNames holds
	// the keys in descending-count order for stable printing.
	Encodings     map[string]int
	EncodingNames []string
}

// Analyze walks the metadata and tensor table and builds a summary report.
func (f *File) Analyze() *Report {
	r := &Report{
		TensorCount: len(f.Tensors),
		Encodings:   make(map[string]int),
	}

	r.Architecture = kvString(f.KV, "general.architecture", "")
	r.ModelName = kvString(f.KV, "general.name", "")

	arch := r.Architecture
	r.ContextLength = kvInt(f.KV, arch+".context_length", 2048)
	r.EmbeddingDim = kvInt(f.KV, arch+".embedding_length", 0)
	r.HiddenDim = kvInt(f.KV, arch+".feed_forward_length", 0)
	r.Layers = kvInt(f.KV, arch+".block_count", 0)
	r.AttentionHeads = kvInt(f.KV, arch+".attention.head_count", 0)
	r.KVHeads = kvInt(f.KV, arch+".attention.head_count_kv", r.AttentionHeads)
	r.VocabSize = kvInt(f.KV, arch+".vocab_size", len(f.Vocab.Tokens))

	for _, t := range f.Tensors {
		r.TotalParameters += int64(t.Elems())
		if size := t.SizeBytes(); size > 0 {
			r.TensorBytes += int64(size)
		} else {
			// Unknown encoding, estimate at full precision.
			r.TensorBytes += int64(t.Elems()) * 4
		}
		r.Encodings[t.Encoding.String()]++
	}

	for name := range r.Encodings {
		r.EncodingNames = append(r.EncodingNames, name)
	}
	sort.Slice(r.EncodingNames, func(i, j int) bool {
		a, b := r.EncodingNames[i], r.EncodingNames[j]
		if r.Encodings[a] != r.Encodings[b] {
			return r.Encodings[a] > r.Encodings[b]
		}
		return a < b
	})

	return r
}

// Decodable reports whether every tensor in the file uses an encoding the
// codec library can expand.
func (f *File) Decodable() bool {
	for _, t := range f.Tensors {
		if _, ok := quant.GeometryOf(t.Encoding); !ok {
			return false
		}
	}
	return true
}
