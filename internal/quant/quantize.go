package quant

import (
	"encoding/binary"
	"math"
)

// Q8Row is an activation vector quantized to the Q8_0 block shape: 32
// elements per block, one scale per block. Sums are the per-block sums of
// quantized values, captured during quantization for encodings that carry a
// shared offset. Buffers are sized once and reused every step.
type Q8Row struct {
	Q      []int8
	Scales []float32
	Sums   []int32
}

// NewQ8Row allocates a reusable quantized row for elems elements.
func NewQ8Row(elems int) *Q8Row {
	nblocks := (elems + 31) / 32
	return &Q8Row{
		Q:      make([]int8, nblocks*32),
		Scales: make([]float32, nblocks),
		Sums:   make([]int32, nblocks),
	}
}

// Slice returns a view of r sized for elems elements, so one maximal
// buffer serves matrices of different input widths.
func (r *Q8Row) Slice(elems int) *Q8Row {
	nblocks := (elems + 31) / 32
	return &Q8Row{
		Q:      r.Q[:nblocks*32],
		Scales: r.Scales[:nblocks],
		Sums:   r.Sums[:nblocks],
	}
}

// QuantizeRowQ8 quantizes src into r, one scale per 32-element block.
// scale = maxAbs/127, q = round(x/scale). A near-zero block quantizes to
// all zeros with scale 0.
func QuantizeRowQ8(src []float32, r *Q8Row) {
	nblocks := len(src) / 32
	for b := 0; b < nblocks; b++ {
		in := src[b*32 : b*32+32]
		out := r.Q[b*32 : b*32+32]

		var maxAbs float32
		for _, v := range in {
			if v < 0 {
				v = -v
			}
			if v > maxAbs {
				maxAbs = v
			}
		}
		if maxAbs < 1e-30 {
			for i := range out {
				out[i] = 0
			}
			r.Scales[b] = 0
			r.Sums[b] = 0
			continue
		}

		scale := maxAbs / 127.0
		inv := 1.0 / float64(scale)
		var sum int32
		for i, v := range in {
			q := math.RoundToEven(float64(v) * inv)
			if q > 127 {
				q = 127
			} else if q < -128 {
				q = -128
			}
			out[i] = int8(q)
			sum += int32(out[i])
		}
		r.Scales[b] = scale
		r.Sums[b] = sum
	}
}

// DotQ8_0 computes the dot product of one Q8_0-encoded weight row against a
// quantized activation row without dequantizing the weights: per block an
// integer dot product of the two int8 streams, rescaled once by the product
// of the block scales. Exact to the dequantize-then-multiply result up to
// float rounding of the per-block rescale.
func DotQ8_0(row []byte, x *Q8Row) float32 {
	nblocks := len(row) / 34
	var sum float32
	for b := 0; b < nblocks; b++ {
		block := row[b*34 : b*34+34]
		d := F16ToF32(binary.LittleEndian.Uint16(block[0:2]))
		xq := x.Q[b*32 : b*32+32]
		var dot int32
		for j := 0; j < 32; j++ {
			dot += int32(int8(block[2+j])) * int32(xq[j])
		}
		sum += float32(dot) * d * x.Scales[b]
	}
	return sum
}
