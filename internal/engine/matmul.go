package engine

import (
	"github.com/23skdu/arbalest/internal/quant"
	"github.com/23skdu/arbalest/internal/simd"
)

// scratchSet holds one row-decode buffer and one activation quantization
// buffer per worker goroutine so matVec never allocates on the decode path.
type scratchSet struct {
	rows [][]float32
	q8   *quant.Q8Row
}

func newScratchSet(workers, maxCols int) *scratchSet {
	s := &scratchSet{rows: make([][]float32, workers)}
	for i := range s.rows {
		s.rows[i] = make([]float32, maxCols)
	}
	s.q8 = quant.NewQ8Row(maxCols)
	return s
}

// matVec computes dst = m x. Rows are split across workers; each chunk
// owns one decode scratch buffer.
//
// The Q8_0 path quantizes x once and runs integer dot products per block.
// Every other encoding expands each row to float32 first.
func matVec(dst []float32, m *mat, x []float32, workers int, sc *scratchSet) {
	if m.enc == quant.Q8_0 {
		q8 := sc.q8.Slice(m.cols)
		quant.QuantizeRowQ8(x, q8)
		simd.Parallel(m.rows, workers, func(start, end int) {
			for r := start; r < end; r++ {
				dst[r] = quant.DotQ8_0(m.data[r*m.rowBytes:(r+1)*m.rowBytes], q8)
			}
		})
		return
	}

	// One chunk per scratch buffer; Parallel with workers == n hands each
	// goroutine a single index, which selects its buffer.
	chunks := chunkCount(m.rows, workers, len(sc.rows))
	simd.Parallel(chunks, chunks, func(ci, _ int) {
		lo, hi := chunkRange(m.rows, chunks, ci)
		row := sc.rows[ci][:m.cols]
		for r := lo; r < hi; r++ {
			quant.Dequantize(row, m.enc, m.data[r*m.rowBytes:(r+1)*m.rowBytes])
			dst[r] = simd.Dot(row, x)
		}
	})
}

// matVecT computes dst = m'x, reading m in its stored [rows x cols]
// layout when the operation needs the transposed orientation. Columns are
// split across workers on block boundaries; each chunk decodes only the
// blocks covering its columns and accumulates row by row.
func matVecT(dst []float32, m *mat, x []float32, workers int, sc *scratchSet) {
	g, _ := quant.GeometryOf(m.enc)
	nBlocks := m.cols / g.BlockElems
	chunks := chunkCount(nBlocks, workers, len(sc.rows))
	simd.Parallel(chunks, chunks, func(ci, _ int) {
		lo, hi := chunkRange(nBlocks, chunks, ci)
		c0 := lo * g.BlockElems
		c1 := hi * g.BlockElems
		out := dst[c0:c1]
		for i := range out {
			out[i] = 0
		}
		buf := sc.rows[ci][:c1-c0]
		for r := 0; r < m.rows; r++ {
			start := r*m.rowBytes + lo*g.BlockBytes
			quant.Dequantize(buf, m.enc, m.data[start:start+(hi-lo)*g.BlockBytes])
			xr := x[r]
			for i, v := range buf {
				out[i] += xr * v
			}
		}
	})
}

func chunkCount(rows, workers, maxChunks int) int {
	n := workers
	if n <= 0 {
		n = 1
	}
	if n > maxChunks {
		n = maxChunks
	}
	if n > rows {
		n = rows
	}
	if n < 1 {
		n = 1
	}
	return n
}

func chunkRange(rows, chunks, i int) (int, int) {
	per := (rows + chunks - 1) / chunks
	lo := i * per
	hi := lo + per
	if hi > rows {
		hi = rows
	}
	return lo, hi
}
