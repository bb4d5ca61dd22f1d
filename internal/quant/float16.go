package quant

import "github.com/x448/float16"

// F16ToF32 converts an IEEE 754 binary16 bit pattern to float32. Subnormals,
// infinities and NaN payloads are preserved bit-for-bit in the widened form.
func F16ToF32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// F32ToF16 converts a float32 to the nearest binary16 bit pattern
// (round-to-nearest-even, overflow to infinity).
func F32ToF16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}
