package gguf

import (
	"fmt"

	"github.com/23skdu/arbalest/internal/config"
)

// kvInt coerces any integral metadata value. Writers disagree on the width
// they emit for the same key, so all of them are accepted.
func kvInt(kv map[string]interface{}, key string, def int) int {
	switch v := kv[key].(type) {
	case uint8:
		return int(v)
	case int8:
		return int(v)
	case uint16:
		return int(v)
	case int16:
		return int(v)
	case uint32:
		return int(v)
	case int32:
		return int(v)
	case uint64:
		return int(v)
	case int64:
		return int(v)
	}
	return def
}

func kvFloat(kv map[string]interface{}, key string, def float32) float32 {
	switch v := kv[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return def
}

func kvString(kv map[string]interface{}, key string, def string) string {
	if v, ok := kv[key].(string); ok {
		return v
	}
	return def
}

// Arch assembles the architecture descriptor from the metadata stream.
// Dimension keys are prefixed with the architecture name, e.g.
// "llama.embedding_length". Missing optional keys fall back to the
// conventional defaults; missing mandatory ones fail Validate.
func (f *File) Arch() (config.Config, error) {
	arch := kvString(f.KV, "general.architecture", "")
	if arch == "" {
		return config.Config{}, fmt.Errorf("%w: missing general.architecture", ErrFormat)
	}

	cfg := config.Config{
		Architecture: arch,
		Dim:          kvInt(f.KV, arch+".embedding_length", 0),
		HiddenDim:    kvInt(f.KV, arch+".feed_forward_length", 0),
		Layers:       kvInt(f.KV, arch+".block_count", 0),
		Heads:        kvInt(f.KV, arch+".attention.head_count", 0),
		KVHeads:      kvInt(f.KV, arch+".attention.head_count_kv", 0),
		VocabSize:    kvInt(f.KV, arch+".vocab_size", 0),
		SeqLen:       kvInt(f.KV, arch+".context_length", 2048),
		Eps:          kvFloat(f.KV, arch+".attention.layer_norm_rms_epsilon", 1e-5),
		RopeTheta:    kvFloat(f.KV, arch+".rope.freq_base", 10000),
		WindowSize:   kvInt(f.KV, arch+".attention.sliding_window", 0),
		BOSToken:     kvInt(f.KV, "tokenizer.ggml.bos_token_id", -1),
		EOSToken:     kvInt(f.KV, "tokenizer.ggml.eos_token_id", -1),
		PadToken:     kvInt(f.KV, "tokenizer.ggml.padding_token_id", -1),
	}

	if cfg.HiddenDim == 0 {
		cfg.HiddenDim = 4 * cfg.Dim
	}
	if cfg.VocabSize == 0 {
		cfg.VocabSize = len(f.Vocab.Tokens)
	}
	if cfg.WindowSize > 0 {
		cfg.CachePolicy = config.PolicySlidingWindow
	}

	if err := cfg.ComputeDerived(); err != nil {
		return config.Config{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	log.Info("model architecture",
		"arch", arch, "dim", cfg.Dim, "layers", cfg.Layers,
		"heads", cfg.Heads, "kv_heads", cfg.KVHeads,
		"vocab", cfg.VocabSize, "seq_len", cfg.SeqLen)
	return cfg, nil
}
