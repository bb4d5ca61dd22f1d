package config

import "testing"

func validConfig() Config {
	c := Default()
	c.Dim = 64
	c.HiddenDim = 256
	c.Layers = 2
	c.Heads = 4
	c.KVHeads = 2
	c.VocabSize = 128
	if err := c.ComputeDerived(); err != nil {
		panic(err)
	}
	return c
}

func TestComputeDerived(t *testing.T) {
	c := validConfig()
	if c.HeadDim != 16 {
		t.Errorf("HeadDim = %d, want 16", c.HeadDim)
	}
	if c.KVDim != 32 {
		t.Errorf("KVDim = %d, want 32", c.KVDim)
	}
	if c.GQAGroup != 2 {
		t.Errorf("GQAGroup = %d, want 2", c.GQAGroup)
	}
}

func TestComputeDerivedDefaultsKVHeads(t *testing.T) {
	c := Default()
	c.Dim = 64
	c.Heads = 4
	c.KVHeads = 0
	if err := c.ComputeDerived(); err != nil {
		t.Fatalf("ComputeDerived: %v", err)
	}
	if c.KVHeads != 4 {
		t.Errorf("KVHeads = %d, want heads (4)", c.KVHeads)
	}
	if c.GQAGroup != 1 {
		t.Errorf("GQAGroup = %d, want 1", c.GQAGroup)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dim", func(c *Config) { c.Dim = 0 }},
		{"zero layers", func(c *Config) { c.Layers = 0 }},
		{"zero heads", func(c *Config) { c.Heads = 0 }},
		{"kv heads above heads", func(c *Config) { c.KVHeads = c.Heads + 1 }},
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }},
		{"zero seq len", func(c *Config) { c.SeqLen = 0 }},
		{"zero eps", func(c *Config) { c.Eps = 0 }},
		{"zero rope theta", func(c *Config) { c.RopeTheta = 0 }},
		{"negative window", func(c *Config) { c.WindowSize = -1 }},
		{"zero hidden dim", func(c *Config) { c.HiddenDim = 0 }},
		{"head dim mismatch", func(c *Config) { c.HeadDim = 7 }},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate accepted invalid config (%s)", tt.name)
			}
		})
	}

	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Errorf("Validate rejected valid config: %v", err)
	}
}

func TestCacheLen(t *testing.T) {
	c := validConfig()
	if got := c.CacheLen(); got != c.SeqLen {
		t.Errorf("causal CacheLen = %d, want %d", got, c.SeqLen)
	}
	c.CachePolicy = PolicySlidingWindow
	c.WindowSize = 512
	if got := c.CacheLen(); got != 512 {
		t.Errorf("sliding CacheLen = %d, want 512", got)
	}
	c.WindowSize = c.SeqLen * 2
	if got := c.CacheLen(); got != c.SeqLen {
		t.Errorf("oversized window CacheLen = %d, want %d", got, c.SeqLen)
	}
}
