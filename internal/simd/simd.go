// Package simd is the math kernel library for the forward pass. Each
// kernel has a scalar reference implementation and a wider unrolled one;
// the active set is selected once at startup from the CPU feature probe.
package simd

import (
	"github.com/klauspost/cpuid/v2"

	"github.com/23skdu/arbalest/internal/logger"
)

var (
	dotImpl     func(a, b []float32) float32
	addImpl     func(dst, x []float32)
	mulImpl     func(dst, x []float32)
	swigluImpl  func(dst, gate, up []float32)
	rmsNormImpl func(dst, x, w []float32, eps float32)

	width int
)

func init() {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX2):
		Select(8)
	case cpuid.CPU.Supports(cpuid.ASIMD):
		Select(4)
	default:
		Select(1)
	}
}

// Select installs the kernel set for a lane count of 8, 4 or 1. Exposed so
// tests can force a specific set.
func Select(lanes int) {
	switch {
	case lanes >= 8:
		dotImpl = dot8
		addImpl = add8
		mulImpl = mul8
		width = 8
	case lanes >= 4:
		dotImpl = dot4
		addImpl = add4
		mulImpl = mul4
		width = 4
	default:
		dotImpl = dotScalar
		addImpl = addScalar
		mulImpl = mulScalar
		width = 1
	}
	swigluImpl = swigluScalar
	rmsNormImpl = rmsNormScalar
	logger.Log.Debug("kernel set selected", "width", width,
		"avx2", cpuid.CPU.Supports(cpuid.AVX2), "asimd", cpuid.CPU.Supports(cpuid.ASIMD))
}

// Width reports the lane count of the active kernel set.
func Width() int { return width }

// Dot returns the inner product of a and b. Lengths must match.
func Dot(a, b []float32) float32 { return dotImpl(a, b) }

// Add accumulates x into dst elementwise.
func Add(dst, x []float32) { addImpl(dst, x) }

// Mul scales dst by x elementwise.
func Mul(dst, x []float32) { mulImpl(dst, x) }

// SwiGLU writes silu(gate) * up into dst.
func SwiGLU(dst, gate, up []float32) { swigluImpl(dst, gate, up) }

// RMSNorm writes the root-mean-square normalization of x, scaled by the
// weight vector w, into dst. dst and x may alias.
func RMSNorm(dst, x, w []float32, eps float32) { rmsNormImpl(dst, x, w, eps) }
