package quant

import "testing"

func TestDequantQ4K(t *testing.T) {
	block := make([]byte, 144)
	copy(block[0:2], f16bits(1.0)) // d
	copy(block[2:4], f16bits(0.0)) // dmin
	// sc[0..7] = 1, m[0..7] = 0.
	scales := block[4:16]
	scales[0], scales[1], scales[2], scales[3] = 1, 1, 1, 1
	scales[8], scales[9], scales[10], scales[11] = 1, 1, 1, 1
	// Every qs byte: low nibble 1, high nibble 2.
	for i := 16; i < 144; i++ {
		block[i] = 0x21
	}
	out := make([]float32, 256)
	DequantQ4K(block, out)
	for j := 0; j < 256; j += 64 {
		for l := 0; l < 32; l++ {
			if out[j+l] != 1.0 {
				t.Fatalf("out[%d] = %v, want 1.0", j+l, out[j+l])
			}
			if out[j+32+l] != 2.0 {
				t.Fatalf("out[%d] = %v, want 2.0", j+32+l, out[j+32+l])
			}
		}
	}
}

func TestDequantQ4KMinSubtracts(t *testing.T) {
	block := make([]byte, 144)
	copy(block[0:2], f16bits(1.0))
	copy(block[2:4], f16bits(1.0)) // dmin = 1
	scales := block[4:16]
	scales[0], scales[1], scales[2], scales[3] = 1, 1, 1, 1
	scales[4], scales[5], scales[6], scales[7] = 2, 2, 2, 2 // m = 2
	scales[8], scales[9], scales[10], scales[11] = 0x21, 0x21, 0x21, 0x21
	out := make([]float32, 256)
	DequantQ4K(block, out)
	// q = 0 everywhere: value = -m for each sub-block.
	if out[0] != -2.0 {
		t.Errorf("out[0] = %v, want -2.0", out[0])
	}
}

func TestDequantQ5K(t *testing.T) {
	block := make([]byte, 176)
	copy(block[0:2], f16bits(1.0))
	scales := block[4:16]
	scales[0], scales[1], scales[2], scales[3] = 1, 1, 1, 1
	scales[8], scales[9], scales[10], scales[11] = 1, 1, 1, 1
	// qh bit 0 of byte 0: element 0 gains +16.
	block[16] = 0x01
	// qs low/high nibbles: 1 and 2.
	for i := 48; i < 176; i++ {
		block[i] = 0x21
	}
	out := make([]float32, 256)
	DequantQ5K(block, out)
	if out[0] != 17.0 { // 1 + 16
		t.Errorf("out[0] = %v, want 17.0", out[0])
	}
	if out[1] != 1.0 {
		t.Errorf("out[1] = %v, want 1.0", out[1])
	}
	if out[32] != 2.0 {
		t.Errorf("out[32] = %v, want 2.0", out[32])
	}
}

func TestDequantQ6K(t *testing.T) {
	block := make([]byte, 210)
	// scales all 1, d = 1: value = q - 32.
	for i := 192; i < 208; i++ {
		block[i] = 1
	}
	copy(block[208:210], f16bits(1.0))
	block[0] = 0x05 // ql[0]: low nibble 5 feeds element 0, high nibble 0 feeds element 64
	out := make([]float32, 256)
	DequantQ6K(block, out)
	if out[0] != -27.0 { // 5 - 32
		t.Errorf("out[0] = %v, want -27.0", out[0])
	}
	if out[64] != -32.0 {
		t.Errorf("out[64] = %v, want -32.0", out[64])
	}
	if out[255] != -32.0 {
		t.Errorf("out[255] = %v, want -32.0", out[255])
	}
}

func TestDequantQ6KHighBits(t *testing.T) {
	block := make([]byte, 210)
	for i := 192; i < 208; i++ {
		block[i] = 1
	}
	copy(block[208:210], f16bits(1.0))
	// qh[0] bits 0-1 = 3: element 0 gains 3<<4 = 48.
	block[128] = 0x03
	out := make([]float32, 256)
	DequantQ6K(block, out)
	if out[0] != 16.0 { // 48 - 32
		t.Errorf("out[0] = %v, want 16.0", out[0])
	}
}

func TestDequantQ2K(t *testing.T) {
	block := make([]byte, 84)
	// scales: sc = 1, m = 0 per sub-block.
	for i := 0; i < 16; i++ {
		block[i] = 0x01
	}
	// qs[0] = 0b11100100: shift groups decode 0,1,2,3.
	block[16] = 0xE4
	copy(block[80:82], f16bits(1.0)) // d
	copy(block[82:84], f16bits(0.0)) // dmin
	out := make([]float32, 256)
	DequantQ2K(block, out)
	want := map[int]float32{0: 0, 32: 1, 64: 2, 96: 3}
	for idx, w := range want {
		if out[idx] != w {
			t.Errorf("out[%d] = %v, want %v", idx, out[idx], w)
		}
	}
}

func TestDequantQ3K(t *testing.T) {
	block := make([]byte, 110)
	// hmask all set: no -4 correction.
	for i := 0; i < 32; i++ {
		block[i] = 0xFF
	}
	// qs[0] = 0b11100100: shift groups decode 0,1,2,3.
	block[32] = 0xE4
	// Packed scales so every 6-bit scale is 33 (33-32 = 1).
	scales := block[96:108]
	for i := 0; i < 8; i++ {
		scales[i] = 0x11
	}
	for i := 8; i < 12; i++ {
		scales[i] = 0xAA
	}
	copy(block[108:110], f16bits(1.0))
	out := make([]float32, 256)
	DequantQ3K(block, out)
	want := map[int]float32{0: 0, 32: 1, 64: 2, 96: 3}
	for idx, w := range want {
		if out[idx] != w {
			t.Errorf("out[%d] = %v, want %v", idx, out[idx], w)
		}
	}
}

func TestDequantQ3KHighBitClear(t *testing.T) {
	block := make([]byte, 110)
	// hmask zero: every value is shifted down by 4.
	scales := block[96:108]
	for i := 0; i < 8; i++ {
		scales[i] = 0x11
	}
	for i := 8; i < 12; i++ {
		scales[i] = 0xAA
	}
	copy(block[108:110], f16bits(1.0))
	out := make([]float32, 256)
	DequantQ3K(block, out)
	if out[0] != -4.0 {
		t.Errorf("out[0] = %v, want -4.0", out[0])
	}
}

func TestUnpackScalesQ3K(t *testing.T) {
	var packed [12]byte
	for i := 0; i < 8; i++ {
		packed[i] = 0x11
	}
	for i := 8; i < 12; i++ {
		packed[i] = 0xAA
	}
	var sc [16]int8
	unpackScalesQ3K(packed[:], &sc)
	for i, v := range sc {
		if v != 1 {
			t.Errorf("sc[%d] = %d, want 1", i, v)
		}
	}
}
