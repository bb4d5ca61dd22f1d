// Package kvcache holds the per-layer attention key/value stores. The
// cache is written once per layer per decoded position and read by every
// subsequent attention step.
package kvcache

import (
	"fmt"

	"github.com/23skdu/arbalest/internal/config"
	"github.com/23skdu/arbalest/internal/logger"
	"github.com/23skdu/arbalest/internal/metrics"
)

var log = logger.Log.Component("kvcache")

// ErrContextFull is returned by Append under the causal policy once every
// slot holds a position.
var ErrContextFull = fmt.Errorf("context window full")

const fixedOne = 1 << 16 // 16.16 fixed point

// Cache stores keys and values for all layers. Slot layout is one
// contiguous KVDim vector per position per layer. Under the sliding
// window policy the slot index wraps modulo the capacity.
type Cache struct {
	policy   config.CachePolicy
	elem     config.CacheElem
	layers   int
	kvDim    int
	capacity int // slots per layer

	length  int // logical positions appended so far
	evicted int64

	keysF [][]float32
	valsF [][]float32
	keysX [][]int32
	valsX [][]int32
}

// New allocates the full cache up front. No allocation happens on the
// decode path.
func New(cfg config.Config) (*Cache, error) {
	capacity := cfg.CacheLen()
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid cache capacity %d", capacity)
	}
	if cfg.Layers <= 0 || cfg.KVDim <= 0 {
		return nil, fmt.Errorf("invalid cache geometry: layers=%d kv_dim=%d", cfg.Layers, cfg.KVDim)
	}

	c := &Cache{
		policy:   cfg.CachePolicy,
		elem:     cfg.CacheElem,
		layers:   cfg.Layers,
		kvDim:    cfg.KVDim,
		capacity: capacity,
	}

	switch cfg.CacheElem {
	case config.CacheElemF32:
		c.keysF = make([][]float32, cfg.Layers)
		c.valsF = make([][]float32, cfg.Layers)
		for l := range c.keysF {
			c.keysF[l] = make([]float32, capacity*cfg.KVDim)
			c.valsF[l] = make([]float32, capacity*cfg.KVDim)
		}
	case config.CacheElemFixed32:
		c.keysX = make([][]int32, cfg.Layers)
		c.valsX = make([][]int32, cfg.Layers)
		for l := range c.keysX {
			c.keysX[l] = make([]int32, capacity*cfg.KVDim)
			c.valsX[l] = make([]int32, capacity*cfg.KVDim)
		}
	default:
		return nil, fmt.Errorf("unknown cache element type %d", cfg.CacheElem)
	}

	metrics.RecordKVCacheStats(c.CapacityBytes(), 0)
	log.Debug("cache allocated", "layers", cfg.Layers, "slots", capacity,
		"kv_dim", cfg.KVDim, "bytes", c.CapacityBytes())
	return c, nil
}

// Append stores the key and value vectors for one position in one layer.
// Layers are appended in order within a position; the logical length
// advances when layer 0 is written.
func (c *Cache) Append(layer, pos int, k, v []float32) error {
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("layer %d out of range", layer)
	}
	if len(k) != c.kvDim || len(v) != c.kvDim {
		return fmt.Errorf("kv vector length %d/%d, want %d", len(k), len(v), c.kvDim)
	}
	if pos >= c.capacity && c.policy == config.PolicyCausal {
		return ErrContextFull
	}

	slot := pos
	if c.policy == config.PolicySlidingWindow {
		slot = pos % c.capacity
	}
	base := slot * c.kvDim

	if c.elem == config.CacheElemF32 {
		copy(c.keysF[layer][base:base+c.kvDim], k)
		copy(c.valsF[layer][base:base+c.kvDim], v)
	} else {
		kx := c.keysX[layer][base : base+c.kvDim]
		vx := c.valsX[layer][base : base+c.kvDim]
		for i := 0; i < c.kvDim; i++ {
			kx[i] = int32(k[i] * fixedOne)
			vx[i] = int32(v[i] * fixedOne)
		}
	}

	if layer == 0 {
		if pos >= c.capacity {
			c.evicted++
			metrics.RecordEviction(1)
		}
		if pos+1 > c.length {
			c.length = pos + 1
		}
		metrics.RecordKVCacheStats(c.CapacityBytes(), c.UsedBytes())
	}
	return nil
}

// Key returns the key vector for a logical position. Float32 caches
// return a direct view and never touch scratch; fixed-point caches decode
// into scratch, which must be caller-owned (KVDim long) so concurrent
// readers do not share a buffer.
func (c *Cache) Key(layer, pos int, scratch []float32) []float32 {
	base := c.slot(pos) * c.kvDim
	if c.elem == config.CacheElemF32 {
		return c.keysF[layer][base : base+c.kvDim]
	}
	src := c.keysX[layer][base : base+c.kvDim]
	for i := range scratch {
		scratch[i] = float32(src[i]) / fixedOne
	}
	return scratch
}

// Value is Key for the value store.
func (c *Cache) Value(layer, pos int, scratch []float32) []float32 {
	base := c.slot(pos) * c.kvDim
	if c.elem == config.CacheElemF32 {
		return c.valsF[layer][base : base+c.kvDim]
	}
	src := c.valsX[layer][base : base+c.kvDim]
	for i := range scratch {
		scratch[i] = float32(src[i]) / fixedOne
	}
	return scratch
}

func (c *Cache) slot(pos int) int {
	if c.policy == config.PolicySlidingWindow {
		return pos % c.capacity
	}
	return pos
}

// Start returns the oldest logical position still resident. Attention
// iterates [Start, Len).
func (c *Cache) Start() int {
	if c.policy == config.PolicySlidingWindow && c.length > c.capacity {
		return c.length - c.capacity
	}
	return 0
}

// Len returns the logical number of positions appended.
func (c *Cache) Len() int { return c.length }

// Capacity returns the slot count per layer.
func (c *Cache) Capacity() int { return c.capacity }

// Evicted returns the number of positions overwritten by the window.
func (c *Cache) Evicted() int64 { return c.evicted }

// Reset truncates the cache to length zero without releasing storage.
func (c *Cache) Reset() {
	c.length = 0
	c.evicted = 0
	metrics.KVCacheResets.Inc()
	metrics.RecordKVCacheStats(c.CapacityBytes(), 0)
}

func (c *Cache) elemBytes() int64 { return 4 }

// CapacityBytes returns the total reserved cache size.
func (c *Cache) CapacityBytes() int64 {
	return int64(c.layers) * 2 * int64(c.capacity) * int64(c.kvDim) * c.elemBytes()
}

// UsedBytes returns the bytes holding live positions.
func (c *Cache) UsedBytes() int64 {
	used := c.length
	if used > c.capacity {
		used = c.capacity
	}
	return int64(c.layers) * 2 * int64(used) * int64(c.kvDim) * c.elemBytes()
}
