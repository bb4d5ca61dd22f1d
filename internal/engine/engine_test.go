package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/arbalest/internal/config"
	"github.com/23skdu/arbalest/internal/gguf"
	"github.com/23skdu/arbalest/internal/ggufgen"
	"github.com/23skdu/arbalest/internal/quant"
)

const (
	tDim     = 32
	tHidden  = 32
	tLayers  = 2
	tHeads   = 4
	tKVHeads = 2
	tVocab   = 8
	tSeqLen  = 16
)

// weightVals draws small fixed-point-friendly values: integer multiples of
// 0.01 with every 32-element block topping out at 1.27, so a Q8_0 encoding
// of the same matrix is exact.
func weightVals(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(rng.Intn(255)-127) * 0.01
	}
	for b := 0; b+32 <= n; b += 32 {
		v[b] = 1.27
	}
	return v
}

func ones(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

// testWeights generates every tensor of the test architecture once, keyed
// by name, so the float32 and requantized fixtures share values.
func testWeights(seed int64) map[string][]float32 {
	rng := rand.New(rand.NewSource(seed))
	kvDim := tKVHeads * (tDim / tHeads)
	w := map[string][]float32{
		"token_embd.weight":  weightVals(rng, tVocab*tDim),
		"output_norm.weight": ones(tDim),
		"output.weight":      weightVals(rng, tVocab*tDim),
	}
	for l := 0; l < tLayers; l++ {
		p := func(s string) string { return fmt.Sprintf("blk.%d.%s.weight", l, s) }
		w[p("attn_norm")] = ones(tDim)
		w[p("attn_q")] = weightVals(rng, tDim*tDim)
		w[p("attn_k")] = weightVals(rng, kvDim*tDim)
		w[p("attn_v")] = weightVals(rng, kvDim*tDim)
		w[p("attn_output")] = weightVals(rng, tDim*tDim)
		w[p("ffn_norm")] = ones(tDim)
		w[p("ffn_gate")] = weightVals(rng, tHidden*tDim)
		w[p("ffn_up")] = weightVals(rng, tHidden*tDim)
		w[p("ffn_down")] = weightVals(rng, tDim*tHidden)
	}
	return w
}

func matDims(name string) []uint64 {
	kvDim := uint64(tKVHeads * (tDim / tHeads))
	switch {
	case name == "output_norm.weight":
		return []uint64{tDim}
	case name == "token_embd.weight", name == "output.weight":
		return []uint64{tDim, tVocab}
	}
	switch suffix := name[len("blk.0."):]; suffix {
	case "attn_norm.weight", "ffn_norm.weight":
		return []uint64{tDim}
	case "attn_k.weight", "attn_v.weight":
		return []uint64{tDim, kvDim}
	case "ffn_gate.weight", "ffn_up.weight":
		return []uint64{tDim, tHidden}
	case "ffn_down.weight":
		return []uint64{tHidden, tDim}
	default:
		return []uint64{tDim, tDim}
	}
}

// buildModel serializes the test weights. When enc is Q8_0 the matrix
// tensors are block-quantized; norm vectors stay float32 either way.
func buildModel(t *testing.T, vals map[string][]float32, enc quant.Encoding, extraKV func(*ggufgen.Builder)) *gguf.File {
	t.Helper()
	return buildModelDims(t, vals, enc, extraKV, matDims)
}

// buildModelDims is buildModel with per-tensor dimension control.
func buildModelDims(t *testing.T, vals map[string][]float32, enc quant.Encoding, extraKV func(*ggufgen.Builder), dimsOf func(string) []uint64) *gguf.File {
	t.Helper()
	b := ggufgen.New().
		AddString("general.architecture", "llama").
		AddUint32("llama.embedding_length", tDim).
		AddUint32("llama.feed_forward_length", tHidden).
		AddUint32("llama.block_count", tLayers).
		AddUint32("llama.attention.head_count", tHeads).
		AddUint32("llama.attention.head_count_kv", tKVHeads).
		AddUint32("llama.context_length", tSeqLen).
		AddStringArray("tokenizer.ggml.tokens",
			[]string{"a", "b", "c", "d", "e", "f", "g", "h"})
	if extraKV != nil {
		extraKV(b)
	}

	for name, v := range vals {
		dims := dimsOf(name)
		if enc == quant.Q8_0 && len(dims) == 2 {
			data, err := ggufgen.EncodeQ8_0(v)
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			b.AddTensor(name, dims, quant.Q8_0, data)
		} else {
			b.AddF32(name, dims, v)
		}
	}

	data, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	f, err := gguf.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func newTestEngine(t *testing.T, enc quant.Encoding, extraKV func(*ggufgen.Builder)) *Engine {
	t.Helper()
	e, err := New(buildModel(t, testWeights(11), enc, extraKV))
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func greedyOpts(n int) config.GenOptions {
	o := config.DefaultGenOptions()
	o.MaxTokens = n
	o.Temperature = 0
	return o
}

func TestEngineConfigure(t *testing.T) {
	e := newTestEngine(t, quant.F32, nil)
	if e.State() != StateReady || !e.IsReady() {
		t.Fatalf("state = %v", e.State())
	}
	cfg := e.Config()
	if cfg.Dim != tDim || cfg.Layers != tLayers || cfg.VocabSize != tVocab {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.GQAGroup != 2 || cfg.KVDim != 16 {
		t.Errorf("derived = %+v", cfg)
	}
	if e.TokenText(2) != "c" {
		t.Errorf("TokenText = %q", e.TokenText(2))
	}
}

func TestMissingTensorFailsConfigure(t *testing.T) {
	vals := testWeights(11)
	delete(vals, "blk.1.ffn_down.weight")
	f := buildModel(t, vals, quant.F32, nil)
	if _, err := New(f); err == nil {
		t.Fatal("configure succeeded with a missing layer tensor")
	}
}

func TestGreedyGenerate(t *testing.T) {
	e := newTestEngine(t, quant.F32, nil)
	out, report, err := e.GenerateWithReport(context.Background(), []int{1, 2}, greedyOpts(6))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 6 {
		t.Fatalf("generated %d tokens", len(out))
	}
	for _, tok := range out {
		if tok < 0 || tok >= tVocab {
			t.Fatalf("token %d outside vocabulary", tok)
		}
	}
	if report.Tokens() != 6 || report.Total <= 0 {
		t.Errorf("report = %+v", report)
	}
	if e.ContextLen() != 2+6-1 {
		t.Errorf("context length = %d", e.ContextLen())
	}
}

// Resetting the cache and generating again must reproduce the run exactly.
func TestResetReproducesRun(t *testing.T) {
	e := newTestEngine(t, quant.F32, nil)
	opts := greedyOpts(8)
	opts.Deterministic = true

	first, err := e.Generate(context.Background(), []int{3}, opts)
	if err != nil {
		t.Fatal(err)
	}
	e.Reset()
	second, err := e.Generate(context.Background(), []int{3}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("lengths %d != %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("token %d: %d != %d", i, first[i], second[i])
		}
	}
}

func TestSeededSamplingReproduces(t *testing.T) {
	e := newTestEngine(t, quant.F32, nil)
	opts := greedyOpts(8)
	opts.Temperature = 0.8
	opts.TopK = 4
	opts.Seed = 1234
	opts.Deterministic = true

	first, err := e.Generate(context.Background(), []int{1}, opts)
	if err != nil {
		t.Fatal(err)
	}
	e.Reset()
	second, err := e.Generate(context.Background(), []int{1}, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("token %d: %d != %d", i, first[i], second[i])
		}
	}
}

// Multi-worker steps must produce the same tokens as single-threaded ones:
// partitioning changes scheduling, not per-row arithmetic.
func TestWorkerCountInvariant(t *testing.T) {
	e := newTestEngine(t, quant.F32, nil)
	opts := greedyOpts(6)
	opts.Workers = 1
	single, err := e.Generate(context.Background(), []int{2, 4}, opts)
	if err != nil {
		t.Fatal(err)
	}
	e.Reset()
	opts.Workers = 4
	multi, err := e.Generate(context.Background(), []int{2, 4}, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := range single {
		if single[i] != multi[i] {
			t.Fatalf("token %d: %d != %d", i, single[i], multi[i])
		}
	}
}

// The fused integer path over Q8_0 weights must track the float32 model
// within activation quantization error.
func TestFusedQ8TracksF32(t *testing.T) {
	vals := testWeights(11)
	ef, err := New(buildModel(t, vals, quant.F32, nil))
	if err != nil {
		t.Fatal(err)
	}
	eq, err := New(buildModel(t, vals, quant.Q8_0, nil))
	if err != nil {
		t.Fatal(err)
	}

	prompt := []int{1, 2, 3}
	if _, err := ef.Generate(context.Background(), prompt, greedyOpts(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := eq.Generate(context.Background(), prompt, greedyOpts(1)); err != nil {
		t.Fatal(err)
	}

	ref := ef.Logits()
	got := eq.Logits()
	var num, den float64
	for i := range ref {
		d := float64(ref[i] - got[i])
		num += d * d
		den += float64(ref[i]) * float64(ref[i])
	}
	if den == 0 {
		t.Fatal("reference logits all zero")
	}
	if rel := math.Sqrt(num / den); rel > 0.05 {
		t.Errorf("relative logit error %.4f", rel)
	}
}

// A full causal context ends generation cleanly instead of erroring.
func TestCausalContextFullStops(t *testing.T) {
	e := newTestEngine(t, quant.F32, nil)
	out, err := e.Generate(context.Background(), []int{1}, greedyOpts(100))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != tSeqLen {
		t.Errorf("generated %d tokens with a %d-slot context", len(out), tSeqLen)
	}
}

// Sliding-window attention keeps generating past the window size.
func TestSlidingWindowGenerates(t *testing.T) {
	e := newTestEngine(t, quant.F32, func(b *ggufgen.Builder) {
		b.AddUint32("llama.attention.sliding_window", 4)
	})
	if e.Config().CachePolicy != config.PolicySlidingWindow {
		t.Fatalf("policy = %v", e.Config().CachePolicy)
	}
	out, err := e.Generate(context.Background(), []int{1}, greedyOpts(12))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 12 {
		t.Errorf("generated %d tokens", len(out))
	}
}

func TestGenerateRejectsBadPrompt(t *testing.T) {
	e := newTestEngine(t, quant.F32, nil)
	if _, err := e.Generate(context.Background(), nil, greedyOpts(4)); err == nil {
		t.Error("empty prompt accepted")
	}
	if _, err := e.Generate(context.Background(), []int{tVocab}, greedyOpts(4)); err == nil {
		t.Error("out-of-vocabulary prompt accepted")
	}
}

func TestGenerateHonorsContext(t *testing.T) {
	e := newTestEngine(t, quant.F32, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Generate(ctx, []int{1}, greedyOpts(4)); err == nil {
		t.Error("cancelled context not honored")
	}
}

// Greedy output with the fixed-point cache matches float32: the 2^-16
// quantum is far below the logit gaps of this model.
func TestFixedPointCacheGenerates(t *testing.T) {
	e, err := New(buildModel(t, testWeights(11), quant.F32, nil))
	if err != nil {
		t.Fatal(err)
	}
	ref, err := e.Generate(context.Background(), []int{2}, greedyOpts(6))
	if err != nil {
		t.Fatal(err)
	}

	ex, err := New(buildModel(t, testWeights(11), quant.F32, nil),
		WithCacheElem(config.CacheElemFixed32))
	if err != nil {
		t.Fatal(err)
	}
	got, err := ex.Generate(context.Background(), []int{2}, greedyOpts(6))
	if err != nil {
		t.Fatal(err)
	}
	for i := range ref {
		if ref[i] != got[i] {
			t.Fatalf("token %d: %d != %d", i, ref[i], got[i])
		}
	}
}

// An embedding table stored [dim x vocab] must stay a view into the model
// buffer, with token lookup reading a strided column, and must still serve
// as the tied output projection. The run must match the same weights in
// standard orientation.
func TestTransposedTiedEmbedding(t *testing.T) {
	vals := testWeights(11)
	delete(vals, "output.weight")

	ref, err := New(buildModel(t, vals, quant.F32, nil))
	if err != nil {
		t.Fatal(err)
	}
	want, err := ref.Generate(context.Background(), []int{1, 2}, greedyOpts(6))
	if err != nil {
		t.Fatal(err)
	}

	emb := vals["token_embd.weight"]
	tr := make([]float32, len(emb))
	for tok := 0; tok < tVocab; tok++ {
		for d := 0; d < tDim; d++ {
			tr[d*tVocab+tok] = emb[tok*tDim+d]
		}
	}
	tvals := make(map[string][]float32, len(vals))
	for k, v := range vals {
		tvals[k] = v
	}
	tvals["token_embd.weight"] = tr

	e, err := New(buildModelDims(t, tvals, quant.F32, nil, func(name string) []uint64 {
		if name == "token_embd.weight" {
			return []uint64{tVocab, tDim}
		}
		return matDims(name)
	}))
	if err != nil {
		t.Fatal(err)
	}
	if e.w.embedT == nil || e.w.embed != nil {
		t.Fatal("transposed table was not kept as a view")
	}
	got, err := e.Generate(context.Background(), []int{1, 2}, greedyOpts(6))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("lengths %d != %d", len(got), len(want))
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("token %d: %d != %d", i, want[i], got[i])
		}
	}
}

func f32mat(vals []float32, rows, cols int) *mat {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return &mat{name: "t", enc: quant.F32, data: data, rows: rows, cols: cols, rowBytes: 4 * cols}
}

// Column gathers and the transposed matvec must agree with the plain
// row-major reading of the same values.
func TestTransposedPrimitives(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const rows, cols = 8, 32
	vals := weightVals(rng, rows*cols)
	m := f32mat(vals, rows, cols)

	dst := make([]float32, rows)
	buf := make([]float32, 1)
	for c := 0; c < cols; c += 7 {
		m.col(c, dst, buf)
		for r := 0; r < rows; r++ {
			if dst[r] != vals[r*cols+c] {
				t.Fatalf("col(%d)[%d] = %v, want %v", c, r, dst[r], vals[r*cols+c])
			}
		}
	}

	x := weightVals(rng, rows)
	out := make([]float32, cols)
	sc := newScratchSet(4, cols)
	matVecT(out, m, x, 4, sc)
	for c := 0; c < cols; c++ {
		var want float32
		for r := 0; r < rows; r++ {
			want += x[r] * vals[r*cols+c]
		}
		if out[c] != want {
			t.Fatalf("out[%d] = %v, want %v", c, out[c], want)
		}
	}
}

// With every matrix filled with one constant, each step's logits are
// bitwise identical across the vocabulary, so greedy sampling must resolve
// every tie to token 0. The pinned sequence guards the tie rule and the
// numeric path end to end.
func TestGreedyPinnedSequence(t *testing.T) {
	vals := testWeights(11)
	for name, v := range vals {
		if len(matDims(name)) == 1 {
			continue // norm vectors stay at one
		}
		for i := range v {
			v[i] = 0.1
		}
	}
	e, err := New(buildModel(t, vals, quant.F32, nil))
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.Generate(context.Background(), []int{3, 5}, greedyOpts(5))
	if err != nil {
		t.Fatal(err)
	}
	want := []int{0, 0, 0, 0, 0}
	if len(out) != len(want) {
		t.Fatalf("generated %d tokens, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("token %d: %d, want %d", i, out[i], want[i])
		}
	}

	lg := e.Logits()
	if lg[0] == 0 {
		t.Fatal("degenerate zero logits")
	}
	for i := 1; i < len(lg); i++ {
		if lg[i] != lg[0] {
			t.Fatalf("logit %d = %v, want %v", i, lg[i], lg[0])
		}
	}
}
