// Package engine runs the forward pass: token embedding, stacked
// transformer blocks with rotary attention over the position cache, and
// the output projection, one token per step.
package engine

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/23skdu/arbalest/internal/config"
	"github.com/23skdu/arbalest/internal/gguf"
	"github.com/23skdu/arbalest/internal/kvcache"
	"github.com/23skdu/arbalest/internal/logger"
	"github.com/23skdu/arbalest/internal/metrics"
	"github.com/23skdu/arbalest/internal/quant"
	"github.com/23skdu/arbalest/internal/simd"
)

var log = logger.Log.Component("engine")

// ErrBusy is returned when Generate is called while another generation
// holds the engine.
var ErrBusy = fmt.Errorf("engine is generating")

// Engine owns the model weights, the position cache and all activation
// buffers. Buffers are sized once at configuration; the decode path does
// not allocate.
type Engine struct {
	file  *gguf.File
	cfg   config.Config
	w     *weights
	cache *kvcache.Cache

	state atomic.Int32

	// activation buffers, one token wide
	x       []float32
	xb      []float32
	q       []float32
	k       []float32
	v       []float32
	attnOut []float32
	gate    []float32
	up      []float32
	hidden  []float32
	logits  []float32

	// per-head attention score rows and fixed-point decode scratch
	scores    [][]float32
	kvScratch [][]float32

	scratch *scratchSet
}

// Option adjusts the runtime parts of the configuration after the
// architecture has been read from the model.
type Option func(*config.Config)

// WithCacheElem selects the attention cache element representation.
func WithCacheElem(elem config.CacheElem) Option {
	return func(c *config.Config) { c.CacheElem = elem }
}

// WithWindowSize forces a sliding window regardless of model metadata.
func WithWindowSize(n int) Option {
	return func(c *config.Config) {
		c.WindowSize = n
		c.CachePolicy = config.PolicySlidingWindow
	}
}

// New configures an engine over a parsed model. The model buffer must
// stay valid for the engine's lifetime.
func New(f *gguf.File, opts ...Option) (*Engine, error) {
	e := &Engine{file: f}
	e.state.Store(int32(StateConfiguring))

	cfg, err := f.Arch()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e.cfg = cfg

	e.w, err = resolveWeights(f, cfg.Dim, cfg.HiddenDim, cfg.KVDim, cfg.VocabSize, cfg.Layers)
	if err != nil {
		return nil, fmt.Errorf("resolve weights: %w", err)
	}

	e.cache, err = kvcache.New(cfg)
	if err != nil {
		return nil, err
	}

	e.x = make([]float32, cfg.Dim)
	e.xb = make([]float32, cfg.Dim)
	e.q = make([]float32, cfg.Dim)
	e.k = make([]float32, cfg.KVDim)
	e.v = make([]float32, cfg.KVDim)
	e.attnOut = make([]float32, cfg.Dim)
	e.gate = make([]float32, cfg.HiddenDim)
	e.up = make([]float32, cfg.HiddenDim)
	e.hidden = make([]float32, cfg.HiddenDim)
	e.logits = make([]float32, cfg.VocabSize)

	e.scores = make([][]float32, cfg.Heads)
	e.kvScratch = make([][]float32, cfg.Heads)
	for h := range e.scores {
		e.scores[h] = make([]float32, cfg.CacheLen())
		if cfg.CacheElem == config.CacheElemFixed32 {
			e.kvScratch[h] = make([]float32, cfg.KVDim)
		}
	}

	maxCols := cfg.Dim
	if cfg.HiddenDim > maxCols {
		maxCols = cfg.HiddenDim
	}
	if e.w.embedT != nil && e.w.output == nil && cfg.VocabSize > maxCols {
		// Tied transposed output accumulates vocab-wide row slices.
		maxCols = cfg.VocabSize
	}
	e.scratch = newScratchSet(runtime.GOMAXPROCS(0), maxCols)

	e.state.Store(int32(StateReady))
	log.Info("engine ready", "arch", cfg.Architecture, "layers", cfg.Layers,
		"dim", cfg.Dim, "vocab", cfg.VocabSize, "cache_slots", cfg.CacheLen())
	return e, nil
}

// NewFromFile maps a model file and configures an engine over it.
func NewFromFile(path string, opts ...Option) (*Engine, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	e, err := New(f, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return e, nil
}

// Config returns the architecture descriptor.
func (e *Engine) Config() config.Config { return e.cfg }

// Model returns the parsed model backing this engine.
func (e *Engine) Model() *gguf.File { return e.file }

// State returns the current lifecycle phase.
func (e *Engine) State() State { return State(e.state.Load()) }

// IsReady reports whether a generation can start now.
func (e *Engine) IsReady() bool { return e.State() == StateReady }

// ContextLen returns the number of positions currently in the cache.
func (e *Engine) ContextLen() int { return e.cache.Len() }

// CacheStats returns the attention cache byte accounting.
func (e *Engine) CacheStats() (capacityBytes, usedBytes int64) {
	return e.cache.CapacityBytes(), e.cache.UsedBytes()
}

// TokenText returns the vocabulary text of a token id, or "" when the id is
// out of range.
func (e *Engine) TokenText(id int) string {
	s, _ := e.file.TokenText(id)
	return s
}

// Reset truncates the position cache so the next Generate starts fresh.
func (e *Engine) Reset() {
	e.cache.Reset()
}

// Close releases the underlying model mapping.
func (e *Engine) Close() error {
	e.state.Store(int32(StateUnloaded))
	return e.file.Close()
}

// rope rotates x in place, headDim elements per head, by the position
// angle. freq_i = pos * theta^(-2i/headDim), rotating element pairs
// (i, i+headDim/2) within each head.
func rope(x []float32, pos, heads, headDim int, theta float32) {
	half := headDim / 2
	for h := 0; h < heads; h++ {
		base := h * headDim
		for i := 0; i < half; i++ {
			freq := float64(pos) * math.Pow(float64(theta), -2*float64(i)/float64(headDim))
			cos := float32(math.Cos(freq))
			sin := float32(math.Sin(freq))
			a := x[base+i]
			b := x[base+i+half]
			x[base+i] = a*cos - b*sin
			x[base+i+half] = a*sin + b*cos
		}
	}
}

// forward runs one token through the stack and fills e.logits.
func (e *Engine) forward(token, pos, workers int) error {
	cfg := &e.cfg
	e.w.embedRow(token, e.x)

	for l := range e.w.layers {
		lw := &e.w.layers[l]

		simd.RMSNorm(e.xb, e.x, lw.attnNorm, cfg.Eps)
		matVec(e.q, lw.wq, e.xb, workers, e.scratch)
		matVec(e.k, lw.wk, e.xb, workers, e.scratch)
		matVec(e.v, lw.wv, e.xb, workers, e.scratch)

		rope(e.q, pos, cfg.Heads, cfg.HeadDim, cfg.RopeTheta)
		rope(e.k, pos, cfg.KVHeads, cfg.HeadDim, cfg.RopeTheta)

		if err := e.cache.Append(l, pos, e.k, e.v); err != nil {
			return err
		}

		e.attention(l, workers)

		matVec(e.xb, lw.wo, e.attnOut, workers, e.scratch)
		simd.Add(e.x, e.xb)

		simd.RMSNorm(e.xb, e.x, lw.ffnNorm, cfg.Eps)
		matVec(e.gate, lw.wGate, e.xb, workers, e.scratch)
		matVec(e.up, lw.wUp, e.xb, workers, e.scratch)
		simd.SwiGLU(e.hidden, e.gate, e.up)
		matVec(e.xb, lw.wDown, e.hidden, workers, e.scratch)
		simd.Add(e.x, e.xb)
	}

	simd.RMSNorm(e.xb, e.x, e.w.outNorm, cfg.Eps)
	switch {
	case e.w.output != nil:
		matVec(e.logits, e.w.output, e.xb, workers, e.scratch)
	case e.w.embed != nil:
		matVec(e.logits, e.w.embed, e.xb, workers, e.scratch)
	default:
		// Tied to a transposed table: logits are x against each column.
		matVecT(e.logits, e.w.embedT, e.xb, workers, e.scratch)
	}
	return nil
}

// attention scores the query heads against every resident position and
// accumulates the value rows. Heads are split across workers; query heads
// in the same group share a key/value head.
func (e *Engine) attention(layer, workers int) {
	cfg := &e.cfg
	start := e.cache.Start()
	n := e.cache.Len()
	scale := 1 / float32(math.Sqrt(float64(cfg.HeadDim)))

	simd.Parallel(cfg.Heads, workers, func(h0, h1 int) {
		for h := h0; h < h1; h++ {
			kvh := h / cfg.GQAGroup
			q := e.q[h*cfg.HeadDim : (h+1)*cfg.HeadDim]
			scores := e.scores[h][:n-start]

			for p := start; p < n; p++ {
				k := e.cache.Key(layer, p, e.kvScratch[h])
				kh := k[kvh*cfg.HeadDim : (kvh+1)*cfg.HeadDim]
				scores[p-start] = simd.Dot(q, kh) * scale
			}
			simd.Softmax(scores)

			out := e.attnOut[h*cfg.HeadDim : (h+1)*cfg.HeadDim]
			for i := range out {
				out[i] = 0
			}
			for p := start; p < n; p++ {
				v := e.cache.Value(layer, p, e.kvScratch[h])
				vh := v[kvh*cfg.HeadDim : (kvh+1)*cfg.HeadDim]
				w := scores[p-start]
				for i := range out {
					out[i] += w * vh[i]
				}
			}
		}
	})
}

// Generate runs a prompt prefill followed by autoregressive decoding and
// returns the sampled tokens. Generation stops at MaxTokens, the end of
// sequence token, a full causal context, or ctx cancellation.
func (e *Engine) Generate(ctx context.Context, prompt []int, opts config.GenOptions) ([]int, error) {
	out, _, err := e.GenerateWithReport(ctx, prompt, opts)
	return out, err
}

// GenerateWithReport is Generate plus per-token timing.
func (e *Engine) GenerateWithReport(ctx context.Context, prompt []int, opts config.GenOptions) ([]int, *Report, error) {
	if len(prompt) == 0 {
		return nil, nil, fmt.Errorf("empty prompt")
	}
	for _, t := range prompt {
		if t < 0 || t >= e.cfg.VocabSize {
			return nil, nil, fmt.Errorf("prompt token %d outside vocabulary of %d", t, e.cfg.VocabSize)
		}
	}
	if !e.state.CompareAndSwap(int32(StateReady), int32(StateGenerating)) {
		return nil, nil, ErrBusy
	}
	defer e.state.Store(int32(StateReady))

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if opts.Deterministic {
		// A pinned OS thread and single-threaded steps keep the
		// float accumulation order identical run to run.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		workers = 1
	}

	s := newSampler(opts)
	report := &Report{}
	begin := time.Now()

	pos := e.cache.Len()
	for i, t := range prompt[:len(prompt)-1] {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if err := e.forward(t, pos+i, workers); err != nil {
			return nil, nil, err
		}
	}
	pos += len(prompt) - 1
	report.Prefill = time.Since(begin)
	metrics.PrefillDuration.Observe(report.Prefill.Seconds())

	history := append([]int(nil), prompt...)
	var out []int
	cur := prompt[len(prompt)-1]

	for len(out) < opts.MaxTokens {
		if err := ctx.Err(); err != nil {
			return out, report, err
		}
		stepStart := time.Now()
		if err := e.forward(cur, pos, workers); err != nil {
			if err == kvcache.ErrContextFull {
				log.Warn("context window full, stopping", "pos", pos)
				break
			}
			return out, report, err
		}
		next := s.sample(e.logits, history)

		d := time.Since(stepStart)
		report.TokenLatencies = append(report.TokenLatencies, d)
		if len(out) == 0 {
			report.FirstToken = time.Since(begin)
			metrics.FirstTokenLatency.Observe(report.FirstToken.Seconds())
		}
		metrics.RecordStep(1, d)

		out = append(out, next)
		history = append(history, next)
		cur = next
		pos++

		if e.cfg.EOSToken >= 0 && next == e.cfg.EOSToken {
			break
		}
	}

	report.Total = time.Since(begin)
	metrics.ContextLength.Observe(float64(e.cache.Len()))
	log.Debug("generation finished", "prompt", len(prompt), "tokens", len(out),
		"context", e.cache.Len(), "elapsed", report.Total)
	return out, report, nil
}

// Logits exposes the raw output of the last forward pass. Valid until the
// next step.
func (e *Engine) Logits() []float32 { return e.logits }

// DequantizeTensor expands a named tensor fully, mainly for inspection and
// debugging.
func (e *Engine) DequantizeTensor(name string) ([]float32, error) {
	t := e.file.Tensor(name)
	if t == nil {
		return nil, fmt.Errorf("missing tensor %s", name)
	}
	out := make([]float32, t.Elems())
	quant.Dequantize(out, t.Encoding, t.Data)
	return out, nil
}
