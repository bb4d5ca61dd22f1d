package engine

import (
	"fmt"

	"github.com/23skdu/arbalest/internal/gguf"
	"github.com/23skdu/arbalest/internal/quant"
)

// mat is a quantized weight matrix view into the model buffer. Rows are
// the output dimension, cols the input dimension; one row is rowBytes of
// encoded blocks.
type mat struct {
	name     string
	enc      quant.Encoding
	data     []byte
	rows     int
	cols     int
	rowBytes int
}

// layerWeights are the nine tensors of one transformer block.
type layerWeights struct {
	attnNorm []float32
	wq       *mat
	wk       *mat
	wv       *mat
	wo       *mat
	ffnNorm  []float32
	wGate    *mat
	wUp      *mat
	wDown    *mat
}

type weights struct {
	embed   *mat      // vocab rows x dim cols
	embedT  *mat      // dim rows x vocab cols when the stored layout was transposed
	colBuf  []float32 // one decoded block, reused by column gathers
	layers  []layerWeights
	outNorm []float32
	output  *mat // nil when tied to the embedding table
}

func resolveMat(f *gguf.File, name string, rows, cols int) (*mat, error) {
	t := f.Tensor(name)
	if t == nil {
		return nil, fmt.Errorf("missing tensor %s", name)
	}
	if len(t.Dimensions) != 2 {
		return nil, fmt.Errorf("tensor %s: want 2 dimensions, have %d", name, len(t.Dimensions))
	}
	// Dimension order is cols then rows: dims[0] is the contiguous axis.
	if int(t.Dimensions[0]) != cols || int(t.Dimensions[1]) != rows {
		return nil, fmt.Errorf("tensor %s: shape [%d %d], want [%d %d]",
			name, t.Dimensions[0], t.Dimensions[1], cols, rows)
	}
	rb, err := quant.RowBytes(t.Encoding, cols)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	if rb*rows != len(t.Data) {
		return nil, fmt.Errorf("tensor %s: %d data bytes, want %d", name, len(t.Data), rb*rows)
	}
	return &mat{name: name, enc: t.Encoding, data: t.Data, rows: rows, cols: cols, rowBytes: rb}, nil
}

// resolveVec loads a 1-D tensor fully expanded. Norm weights are tiny, so
// they are kept in float32 regardless of their stored encoding.
func resolveVec(f *gguf.File, name string, n int) ([]float32, error) {
	t := f.Tensor(name)
	if t == nil {
		return nil, fmt.Errorf("missing tensor %s", name)
	}
	if t.Elems() != uint64(n) {
		return nil, fmt.Errorf("tensor %s: %d elements, want %d", name, t.Elems(), n)
	}
	out := make([]float32, n)
	quant.Dequantize(out, t.Encoding, t.Data)
	return out, nil
}

// row decodes one matrix row into dst. dst must be cols long.
func (m *mat) row(r int, dst []float32) {
	quant.Dequantize(dst, m.enc, m.data[r*m.rowBytes:(r+1)*m.rowBytes])
}

// col gathers one column into dst without expanding the matrix. Only the
// block holding the column is decoded in each row. dst must be rows long
// and blockBuf one block long.
func (m *mat) col(c int, dst, blockBuf []float32) {
	g, _ := quant.GeometryOf(m.enc)
	bi := c / g.BlockElems * g.BlockBytes
	off := c % g.BlockElems
	for r := 0; r < m.rows; r++ {
		start := r*m.rowBytes + bi
		quant.Dequantize(blockBuf, m.enc, m.data[start:start+g.BlockBytes])
		dst[r] = blockBuf[off]
	}
}

func resolveWeights(f *gguf.File, dim, hiddenDim, kvDim, vocab, layers int) (*weights, error) {
	w := &weights{}

	et := f.Tensor("token_embd.weight")
	if et == nil {
		return nil, fmt.Errorf("missing tensor token_embd.weight")
	}
	transposed := len(et.Dimensions) == 2 &&
		int(et.Dimensions[0]) == vocab && int(et.Dimensions[1]) == dim && vocab != dim
	if transposed {
		// Stored as dim rows of vocab columns. Token lookup gathers a
		// strided column per step instead of expanding the table.
		log.Debug("embedding table stored transposed", "vocab", vocab, "dim", dim)
		src, err := resolveMat(f, "token_embd.weight", dim, vocab)
		if err != nil {
			return nil, err
		}
		g, _ := quant.GeometryOf(src.enc)
		w.embedT = src
		w.colBuf = make([]float32, g.BlockElems)
	} else {
		m, err := resolveMat(f, "token_embd.weight", vocab, dim)
		if err != nil {
			return nil, err
		}
		w.embed = m
	}

	var err error
	if w.outNorm, err = resolveVec(f, "output_norm.weight", dim); err != nil {
		return nil, err
	}

	// Output projection falls back to the tied embedding table, in
	// whichever orientation that table is stored.
	if f.Tensor("output.weight") != nil {
		if w.output, err = resolveMat(f, "output.weight", vocab, dim); err != nil {
			return nil, err
		}
	} else {
		log.Debug("output.weight absent, tying to token_embd.weight")
	}

	w.layers = make([]layerWeights, layers)
	for l := 0; l < layers; l++ {
		lw := &w.layers[l]
		p := func(suffix string) string { return fmt.Sprintf("blk.%d.%s.weight", l, suffix) }

		if lw.attnNorm, err = resolveVec(f, p("attn_norm"), dim); err != nil {
			return nil, err
		}
		if lw.wq, err = resolveMat(f, p("attn_q"), dim, dim); err != nil {
			return nil, err
		}
		if lw.wk, err = resolveMat(f, p("attn_k"), kvDim, dim); err != nil {
			return nil, err
		}
		if lw.wv, err = resolveMat(f, p("attn_v"), kvDim, dim); err != nil {
			return nil, err
		}
		if lw.wo, err = resolveMat(f, p("attn_output"), dim, dim); err != nil {
			return nil, err
		}
		if lw.ffnNorm, err = resolveVec(f, p("ffn_norm"), dim); err != nil {
			return nil, err
		}
		if lw.wGate, err = resolveMat(f, p("ffn_gate"), hiddenDim, dim); err != nil {
			return nil, err
		}
		if lw.wUp, err = resolveMat(f, p("ffn_up"), hiddenDim, dim); err != nil {
			return nil, err
		}
		if lw.wDown, err = resolveMat(f, p("ffn_down"), dim, hiddenDim); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// embedRow copies the embedding vector for one token into dst. A
// transposed table is read as a strided column.
func (w *weights) embedRow(token int, dst []float32) {
	if w.embedT != nil {
		w.embedT.col(token, dst, w.colBuf)
		return
	}
	w.embed.row(token, dst)
}
