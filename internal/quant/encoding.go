package quant

import "fmt"

// Encoding is the tensor element encoding tag as stored in the model buffer.
type Encoding uint32

const (
	F32  Encoding = 0
	F16  Encoding = 1
	Q4_0 Encoding = 2
	Q4_1 Encoding = 3
	Q5_0 Encoding = 6
	Q5_1 Encoding = 7
	Q8_0 Encoding = 8
	Q8_1 Encoding = 9
	Q2_K Encoding = 10
	Q3_K Encoding = 11
	Q4_K Encoding = 12
	Q5_K Encoding = 13
	Q6_K Encoding = 14
	Q8_K Encoding = 15
)

// Geometry is the block shape of one encoding.
type Geometry struct {
	BlockElems int // elements decoded per block
	BlockBytes int // compressed bytes per block
}

var geometries = map[Encoding]Geometry{
	F32:  {1, 4},
	F16:  {1, 2},
	Q4_0: {32, 18},
	Q4_1: {32, 20},
	Q5_0: {32, 22},
	Q8_0: {32, 34},
	Q2_K: {256, 84},
	Q3_K: {256, 110},
	Q4_K: {256, 144},
	Q5_K: {256, 176},
	Q6_K: {256, 210},
}

// GeometryOf returns the block geometry for an encoding tag.
func GeometryOf(e Encoding) (Geometry, bool) {
	g, ok := geometries[e]
	return g, ok
}

// RowBytes computes the compressed byte size of elems elements. Tensor rows
// are always a whole number of blocks.
func RowBytes(e Encoding, elems int) (int, error) {
	g, ok := geometries[e]
	if !ok {
		return 0, fmt.Errorf("quant: unknown encoding %d", e)
	}
	if elems%g.BlockElems != 0 {
		return 0, fmt.Errorf("quant: %d elements not a whole number of %s blocks (%d)", elems, e, g.BlockElems)
	}
	return elems / g.BlockElems * g.BlockBytes, nil
}

func (e Encoding) String() string {
	switch e {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case Q4_0:
		return "Q4_0"
	case Q4_1:
		return "Q4_1"
	case Q5_0:
		return "Q5_0"
	case Q5_1:
		return "Q5_1"
	case Q8_0:
		return "Q8_0"
	case Q8_1:
		return "Q8_1"
	case Q2_K:
		return "Q2_K"
	case Q3_K:
		return "Q3_K"
	case Q4_K:
		return "Q4_K"
	case Q5_K:
		return "Q5_K"
	case Q6_K:
		return "Q6_K"
	case Q8_K:
		return "Q8_K"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", uint32(e))
	}
}
