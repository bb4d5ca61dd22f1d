package config

import "fmt"

// CacheElem selects the element width of the attention cache stores.
type CacheElem int

const (
	CacheElemF32     CacheElem = iota
	CacheElemFixed32           // 16.16 signed fixed point
)

// CachePolicy selects the eviction behavior of the attention cache.
type CachePolicy int

const (
	PolicyCausal CachePolicy = iota
	PolicySlidingWindow
)

// Config is the architecture descriptor plus runtime choices. The
// architecture fields are immutable after model load; ComputeDerived fills
// the derived quantities exactly once.
type Config struct {
	Architecture string

	Dim        int // embedding width
	HiddenDim  int // feed-forward width
	Layers     int
	Heads      int
	KVHeads    int
	VocabSize  int
	SeqLen     int // maximum context length
	Eps        float32
	RopeTheta  float32
	WindowSize int // 0 = full-context causal attention

	// Special token ids, -1 when absent.
	BOSToken int
	EOSToken int
	PadToken int

	// Derived, filled by ComputeDerived.
	HeadDim  int
	KVDim    int
	GQAGroup int // query heads per key/value head

	CacheElem   CacheElem
	CachePolicy CachePolicy
}

// GenOptions are the caller-provided knobs for one generation run.
type GenOptions struct {
	MaxTokens   int
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64 // 1.0 = no penalty, > 1.0 = penalty
	Seed        int64

	// Workers partitions attention heads and feed-forward rows across
	// goroutines. 0 uses every CPU; 1 runs single-threaded.
	Workers int

	// Deterministic pins the generation goroutine to its OS thread and
	// forces single-threaded steps for stable per-token latency. Explicit
	// opt-in, never a default.
	Deterministic bool
}

// ComputeDerived fills HeadDim, KVDim and GQAGroup. Called once at load.
func (c *Config) ComputeDerived() error {
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d", c.Heads)
	}
	if c.Dim%c.Heads != 0 {
		return fmt.Errorf("dim %d not divisible by heads %d", c.Dim, c.Heads)
	}
	if c.KVHeads <= 0 {
		c.KVHeads = c.Heads
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("heads %d not divisible by kv_heads %d", c.Heads, c.KVHeads)
	}
	c.HeadDim = c.Dim / c.Heads
	c.KVDim = c.KVHeads * c.HeadDim
	c.GQAGroup = c.Heads / c.KVHeads
	return nil
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (run ComputeDerived first)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.WindowSize < 0 {
		return fmt.Errorf("invalid window_size: %d (must be non-negative)", c.WindowSize)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	return nil
}

// CacheLen is the per-layer position capacity of the attention cache.
func (c *Config) CacheLen() int {
	if c.CachePolicy == PolicySlidingWindow && c.WindowSize > 0 && c.WindowSize < c.SeqLen {
		return c.WindowSize
	}
	return c.SeqLen
}

func Default() Config {
	return Config{
		SeqLen:    2048,
		Eps:       1e-5,
		RopeTheta: 10000.0,
		BOSToken:  -1,
		EOSToken:  -1,
		PadToken:  -1,
	}
}

func DefaultGenOptions() GenOptions {
	return GenOptions{
		MaxTokens:  64,
		TopP:       1.0,
		RepPenalty: 1.0,
	}
}
