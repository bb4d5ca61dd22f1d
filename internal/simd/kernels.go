package simd

import "math"

func dotScalar(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// dot4 keeps two independent accumulators so the multiplies pipeline.
func dot4(a, b []float32) float32 {
	var s0, s1 float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		s0 += a[i]*b[i] + a[i+2]*b[i+2]
		s1 += a[i+1]*b[i+1] + a[i+3]*b[i+3]
	}
	sum := s0 + s1
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// dot8 keeps four independent accumulators so the multiplies pipeline.
func dot8(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+8 <= len(a); i += 8 {
		s0 += a[i]*b[i] + a[i+4]*b[i+4]
		s1 += a[i+1]*b[i+1] + a[i+5]*b[i+5]
		s2 += a[i+2]*b[i+2] + a[i+6]*b[i+6]
		s3 += a[i+3]*b[i+3] + a[i+7]*b[i+7]
	}
	sum := s0 + s1 + s2 + s3
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func addScalar(dst, x []float32) {
	for i := range dst {
		dst[i] += x[i]
	}
}

func add4(dst, x []float32) {
	i := 0
	for ; i+4 <= len(dst); i += 4 {
		dst[i] += x[i]
		dst[i+1] += x[i+1]
		dst[i+2] += x[i+2]
		dst[i+3] += x[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += x[i]
	}
}

func add8(dst, x []float32) {
	i := 0
	for ; i+8 <= len(dst); i += 8 {
		dst[i] += x[i]
		dst[i+1] += x[i+1]
		dst[i+2] += x[i+2]
		dst[i+3] += x[i+3]
		dst[i+4] += x[i+4]
		dst[i+5] += x[i+5]
		dst[i+6] += x[i+6]
		dst[i+7] += x[i+7]
	}
	for ; i < len(dst); i++ {
		dst[i] += x[i]
	}
}

func mulScalar(dst, x []float32) {
	for i := range dst {
		dst[i] *= x[i]
	}
}

func mul4(dst, x []float32) {
	i := 0
	for ; i+4 <= len(dst); i += 4 {
		dst[i] *= x[i]
		dst[i+1] *= x[i+1]
		dst[i+2] *= x[i+2]
		dst[i+3] *= x[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] *= x[i]
	}
}

func mul8(dst, x []float32) {
	i := 0
	for ; i+8 <= len(dst); i += 8 {
		dst[i] *= x[i]
		dst[i+1] *= x[i+1]
		dst[i+2] *= x[i+2]
		dst[i+3] *= x[i+3]
		dst[i+4] *= x[i+4]
		dst[i+5] *= x[i+5]
		dst[i+6] *= x[i+6]
		dst[i+7] *= x[i+7]
	}
	for ; i < len(dst); i++ {
		dst[i] *= x[i]
	}
}

func swigluScalar(dst, gate, up []float32) {
	for i := range dst {
		g := gate[i]
		dst[i] = g / (1 + float32(math.Exp(float64(-g)))) * up[i]
	}
}

func rmsNormScalar(dst, x, w []float32, eps float32) {
	var ss float32
	for _, v := range x {
		ss += v * v
	}
	inv := 1 / float32(math.Sqrt(float64(ss/float32(len(x))+eps)))
	for i := range dst {
		dst[i] = x[i] * inv * w[i]
	}
}

// Softmax normalizes x in place. The running max is subtracted before
// exponentiation so large logits cannot overflow.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range x {
			x[i] *= inv
		}
	}
}

// MatVec computes dst = W x for a row-major rows x cols weight matrix.
// Rows are partitioned across workers.
func MatVec(dst, w, x []float32, rows, cols, workers int) {
	Parallel(rows, workers, func(start, end int) {
		for r := start; r < end; r++ {
			dst[r] = dotImpl(w[r*cols:(r+1)*cols], x)
		}
	})
}
