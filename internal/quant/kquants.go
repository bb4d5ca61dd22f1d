package quant

import "encoding/binary"

// K-block super-block formats: 256 elements per block, two f16 super scales
// plus packed sub-block scale/min codes. The bit layouts must reproduce the
// reference arithmetic exactly; see the fixed vectors in kquants_test.go.

// getScaleMinK4 unpacks the j-th 6-bit scale/min pair from the 12-byte
// packed scales region shared by Q4_K and Q5_K.
func getScaleMinK4(j int, scales []byte) (sc, m uint8) {
	if j < 4 {
		sc = scales[j] & 63
		m = scales[j+4] & 63
	} else {
		sc = (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
		m = (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	}
	return
}

// DequantQ2K decodes Q2_K blocks into dst.
// Layout per 256-element block (84 bytes):
// - scales: 16 bytes (low nibble scale code, high nibble min code)
// - qs: 64 bytes (2-bit quants, shift-grouped per 128-element half)
// - d (f16), dmin (f16)
// value = d*sc*q - dmin*m
func DequantQ2K(data []byte, dst []float32) {
	nblocks := len(dst) / 256
	for i := 0; i < nblocks; i++ {
		block := data[i*84 : i*84+84]
		scales := block[0:16]
		qs := block[16:80]
		d := F16ToF32(binary.LittleEndian.Uint16(block[80:82]))
		dmin := F16ToF32(binary.LittleEndian.Uint16(block[82:84]))

		out := dst[i*256:]
		is := 0
		y := 0
		for n := 0; n < 256; n += 128 {
			q := qs[n/4:]
			shift := uint(0)
			for j := 0; j < 4; j++ {
				sc := scales[is]
				is++
				dl := d * float32(sc&0xF)
				ml := dmin * float32(sc>>4)
				for l := 0; l < 16; l++ {
					out[y] = dl*float32((q[l]>>shift)&3) - ml
					y++
				}
				sc = scales[is]
				is++
				dl = d * float32(sc&0xF)
				ml = dmin * float32(sc>>4)
				for l := 0; l < 16; l++ {
					out[y] = dl*float32((q[l+16]>>shift)&3) - ml
					y++
				}
				shift += 2
			}
		}
	}
}

// unpackScalesQ3K expands the 12 packed bytes into 16 signed 6-bit scale
// values (stored biased by 32).
func unpackScalesQ3K(scales []byte, sc *[16]int8) {
	for i := 0; i < 4; i++ {
		sc[i] = int8((scales[i]&0xF)|((scales[8+i]>>0)&3)<<4) - 32
		sc[4+i] = int8((scales[4+i]&0xF)|((scales[8+i]>>2)&3)<<4) - 32
		sc[8+i] = int8((scales[i]>>4)|((scales[8+i]>>4)&3)<<4) - 32
		sc[12+i] = int8((scales[4+i]>>4)|((scales[8+i]>>6)&3)<<4) - 32
	}
}

// DequantQ3K decodes Q3_K blocks into dst.
// Layout per 256-element block (110 bytes):
// - hmask: 32 bytes (one high bit per element, bit plane per 32-group)
// - qs: 64 bytes (low 2 bits, shift-grouped per 128-element half)
// - scales: 12 bytes (16 packed 6-bit scales, biased by 32)
// - d (f16)
// value = d * sc * (q2 + 4*h - 4)
func DequantQ3K(data []byte, dst []float32) {
	nblocks := len(dst) / 256
	for i := 0; i < nblocks; i++ {
		block := data[i*110 : i*110+110]
		hmask := block[0:32]
		qs := block[32:96]
		var sc [16]int8
		unpackScalesQ3K(block[96:108], &sc)
		d := F16ToF32(binary.LittleEndian.Uint16(block[108:110]))

		out := dst[i*256:]
		y := 0
		m := uint8(1)
		for n := 0; n < 256; n += 128 {
			q := qs[n/4:]
			shift := uint(0)
			for j := 0; j < 4; j++ {
				dl1 := d * float32(sc[y/16])
				for l := 0; l < 16; l++ {
					sub := 4
					if hmask[l]&m != 0 {
						sub = 0
					}
					out[y] = dl1 * float32(int((q[l]>>shift)&3)-sub)
					y++
				}
				dl2 := d * float32(sc[y/16])
				for l := 0; l < 16; l++ {
					sub := 4
					if hmask[l+16]&m != 0 {
						sub = 0
					}
					out[y] = dl2 * float32(int((q[l+16]>>shift)&3)-sub)
					y++
				}
				shift += 2
				m <<= 1
			}
		}
	}
}

// DequantQ4K decodes Q4_K blocks into dst.
// Layout per 256-element block (144 bytes):
// - d (f16), dmin (f16)
// - scales: 12 bytes (8 packed 6-bit scale/min pairs)
// - qs: 128 bytes (4-bit quants, low nibbles then high nibbles per 64-group)
// value = d*sc*q - dmin*m
func DequantQ4K(data []byte, dst []float32) {
	nblocks := len(dst) / 256
	for i := 0; i < nblocks; i++ {
		block := data[i*144 : i*144+144]
		d := F16ToF32(binary.LittleEndian.Uint16(block[0:2]))
		dmin := F16ToF32(binary.LittleEndian.Uint16(block[2:4]))
		scales := block[4:16]
		qs := block[16:144]

		out := dst[i*256:]
		is := 0
		q := 0
		for j := 0; j < 256; j += 64 {
			sc0, m0 := getScaleMinK4(is, scales)
			d1 := d * float32(sc0)
			m1 := dmin * float32(m0)
			sc1, mv := getScaleMinK4(is+1, scales)
			d2 := d * float32(sc1)
			m2 := dmin * float32(mv)
			for l := 0; l < 32; l++ {
				out[j+l] = d1*float32(qs[q+l]&0x0F) - m1
			}
			for l := 0; l < 32; l++ {
				out[j+32+l] = d2*float32(qs[q+l]>>4) - m2
			}
			q += 32
			is += 2
		}
	}
}

// DequantQ5K decodes Q5_K blocks into dst.
// Layout per 256-element block (176 bytes):
// - d (f16), dmin (f16)
// - scales: 12 bytes (8 packed 6-bit scale/min pairs, as Q4_K)
// - qh: 32 bytes (one high bit per element, bit plane per 64-group)
// - qs: 128 bytes (4-bit quants)
// value = d*sc*(q4 + 16*h) - dmin*m
func DequantQ5K(data []byte, dst []float32) {
	nblocks := len(dst) / 256
	for i := 0; i < nblocks; i++ {
		block := data[i*176 : i*176+176]
		d := F16ToF32(binary.LittleEndian.Uint16(block[0:2]))
		dmin := F16ToF32(binary.LittleEndian.Uint16(block[2:4]))
		scales := block[4:16]
		qh := block[16:48]
		qs := block[48:176]

		out := dst[i*256:]
		is := 0
		ql := 0
		u1, u2 := uint8(1), uint8(2)
		for j := 0; j < 256; j += 64 {
			sc0, m0 := getScaleMinK4(is, scales)
			d1 := d * float32(sc0)
			m1 := dmin * float32(m0)
			sc1, mv := getScaleMinK4(is+1, scales)
			d2 := d * float32(sc1)
			m2 := dmin * float32(mv)
			for l := 0; l < 32; l++ {
				q := int(qs[ql+l] & 0x0F)
				if qh[l]&u1 != 0 {
					q += 16
				}
				out[j+l] = d1*float32(q) - m1
			}
			for l := 0; l < 32; l++ {
				q := int(qs[ql+l] >> 4)
				if qh[l]&u2 != 0 {
					q += 16
				}
				out[j+32+l] = d2*float32(q) - m2
			}
			ql += 32
			is += 2
			u1 <<= 2
			u2 <<= 2
		}
	}
}

// DequantQ6K decodes Q6_K blocks into dst.
// Layout per 256-element block (210 bytes):
// - ql: 128 bytes (low 4 bits)
// - qh: 64 bytes (high 2 bits)
// - scales: 16 signed bytes
// - d (f16)
// value = d * sc * (q - 32)
// Each half of 128 elements interleaves as l, l+32, l+64, l+96; no output
// slot is written twice.
func DequantQ6K(data []byte, dst []float32) {
	nblocks := len(dst) / 256
	for i := 0; i < nblocks; i++ {
		block := data[i*210 : i*210+210]
		ql := block[0:128]
		qh := block[128:192]
		scales := block[192:208]
		d := F16ToF32(binary.LittleEndian.Uint16(block[208:210]))

		out := dst[i*256:]
		for n := 0; n < 2; n++ {
			qlP := ql[n*64:]
			qhP := qh[n*32:]
			scP := scales[n*8:]
			y := n * 128
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int(qlP[l]&0x0F) | int(qhP[l]>>0&3)<<4
				q2 := int(qlP[l+32]&0x0F) | int(qhP[l]>>2&3)<<4
				q3 := int(qlP[l]>>4) | int(qhP[l]>>4&3)<<4
				q4 := int(qlP[l+32]>>4) | int(qhP[l]>>6&3)<<4

				out[y+l] = d * float32(int8(scP[is])) * float32(q1-32)
				out[y+l+32] = d * float32(int8(scP[is+2])) * float32(q2-32)
				out[y+l+64] = d * float32(int8(scP[is+4])) * float32(q3-32)
				out[y+l+96] = d * float32(int8(scP[is+6])) * float32(q4-32)
			}
		}
	}
}
