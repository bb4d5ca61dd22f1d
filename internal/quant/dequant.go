package quant

import (
	"encoding/binary"
	"math"

	"github.com/23skdu/arbalest/internal/logger"
	"github.com/23skdu/arbalest/internal/metrics"
)

// DequantQ4_0 decodes Q4_0 blocks into dst.
// Layout per 32-element block (18 bytes): d (f16) + 16 nibble bytes.
// value = d * (q - 8)
func DequantQ4_0(data []byte, dst []float32) {
	nblocks := len(dst) / 32
	for i := 0; i < nblocks; i++ {
		block := data[i*18 : i*18+18]
		d := F16ToF32(binary.LittleEndian.Uint16(block[0:2]))
		out := dst[i*32:]
		for j := 0; j < 16; j++ {
			b := block[2+j]
			out[j] = float32(int(b&0x0F)-8) * d
			out[j+16] = float32(int(b>>4)-8) * d
		}
	}
}

// DequantQ4_1 decodes Q4_1 blocks into dst.
// Layout per 32-element block (20 bytes): d (f16), m (f16), 16 nibble bytes.
// value = d * q + m
func DequantQ4_1(data []byte, dst []float32) {
	nblocks := len(dst) / 32
	for i := 0; i < nblocks; i++ {
		block := data[i*20 : i*20+20]
		d := F16ToF32(binary.LittleEndian.Uint16(block[0:2]))
		m := F16ToF32(binary.LittleEndian.Uint16(block[2:4]))
		out := dst[i*32:]
		for j := 0; j < 16; j++ {
			b := block[4+j]
			out[j] = float32(b&0x0F)*d + m
			out[j+16] = float32(b>>4)*d + m
		}
	}
}

// DequantQ5_0 decodes Q5_0 blocks into dst.
// Layout per 32-element block (22 bytes): d (f16), qh (u32, one high bit per
// element), 16 nibble bytes.
// value = d * (q - 16)
func DequantQ5_0(data []byte, dst []float32) {
	nblocks := len(dst) / 32
	for i := 0; i < nblocks; i++ {
		block := data[i*22 : i*22+22]
		d := F16ToF32(binary.LittleEndian.Uint16(block[0:2]))
		qh := binary.LittleEndian.Uint32(block[2:6])
		qs := block[6:22]
		out := dst[i*32:]
		for j := 0; j < 16; j++ {
			lo := int(qs[j] & 0x0F)
			hi := int(qs[j] >> 4)
			h0 := int((qh >> uint(j)) & 1)
			h1 := int((qh >> uint(j+16)) & 1)
			out[j] = float32((lo|h0<<4)-16) * d
			out[j+16] = float32((hi|h1<<4)-16) * d
		}
	}
}

// DequantQ8_0 decodes Q8_0 blocks into dst.
// Layout per 32-element block (34 bytes): d (f16) + 32 signed bytes.
// value = d * q
func DequantQ8_0(data []byte, dst []float32) {
	nblocks := len(dst) / 32
	for i := 0; i < nblocks; i++ {
		block := data[i*34 : i*34+34]
		d := F16ToF32(binary.LittleEndian.Uint16(block[0:2]))
		out := dst[i*32:]
		for j := 0; j < 32; j++ {
			out[j] = float32(int8(block[2+j])) * d
		}
	}
}

// DequantF16 widens raw little-endian f16 data into dst.
func DequantF16(data []byte, dst []float32) {
	for i := range dst {
		dst[i] = F16ToF32(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
}

// DequantF32 copies raw little-endian f32 data into dst.
func DequantF32(data []byte, dst []float32) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
}

// Dequantize decodes data into dst by encoding tag. dst length selects how
// many elements are decoded and must be a whole number of blocks. An
// unrecognized tag zero-fills dst and reports a diagnostic; it never fails,
// because unknown encodings may appear on tensors the engine does not need.
func Dequantize(dst []float32, e Encoding, data []byte) {
	switch e {
	case F32:
		DequantF32(data, dst)
	case F16:
		DequantF16(data, dst)
	case Q4_0:
		DequantQ4_0(data, dst)
	case Q4_1:
		DequantQ4_1(data, dst)
	case Q5_0:
		DequantQ5_0(data, dst)
	case Q8_0:
		DequantQ8_0(data, dst)
	case Q2_K:
		DequantQ2K(data, dst)
	case Q3_K:
		DequantQ3K(data, dst)
	case Q4_K:
		DequantQ4K(data, dst)
	case Q5_K:
		DequantQ5K(data, dst)
	case Q6_K:
		DequantQ6K(data, dst)
	default:
		for i := range dst {
			dst[i] = 0
		}
		logger.Log.Warn("dequantize: unsupported encoding, zero-filling", "encoding", e.String(), "elems", len(dst))
		metrics.RecordUnsupportedEncoding(e.String())
	}
}
