package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/23skdu/arbalest/internal/config"
	"github.com/23skdu/arbalest/internal/simd"
)

type sampler struct {
	opts config.GenOptions
	rng  *rand.Rand
}

func newSampler(opts config.GenOptions) *sampler {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &sampler{opts: opts, rng: rand.New(rand.NewSource(seed))}
}

type candidate struct {
	id   int
	prob float32
}

// sample picks the next token. Temperature zero or below is greedy.
// The logits slice is modified in place by the repetition penalty.
func (s *sampler) sample(logits []float32, history []int) int {
	if s.opts.RepPenalty > 1.0 && len(history) > 0 {
		applyRepPenalty(logits, history, float32(s.opts.RepPenalty))
	}

	if s.opts.Temperature <= 0 {
		return argMax(logits)
	}

	probs := make([]float32, len(logits))
	inv := float32(1 / s.opts.Temperature)
	for i, v := range logits {
		probs[i] = v * inv
	}
	simd.Softmax(probs)

	cands := make([]candidate, len(probs))
	for i, p := range probs {
		cands[i] = candidate{id: i, prob: p}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].prob > cands[j].prob })

	if s.opts.TopK > 0 && s.opts.TopK < len(cands) {
		cands = cands[:s.opts.TopK]
	}
	if s.opts.TopP > 0 && s.opts.TopP < 1 {
		var cum float32
		cut := len(cands)
		for i, c := range cands {
			cum += c.prob
			if cum >= float32(s.opts.TopP) {
				cut = i + 1
				break
			}
		}
		cands = cands[:cut]
	}

	var total float32
	for _, c := range cands {
		total += c.prob
	}
	if total <= 0 {
		return cands[0].id
	}
	r := float32(s.rng.Float64()) * total
	for _, c := range cands {
		r -= c.prob
		if r <= 0 {
			return c.id
		}
	}
	return cands[len(cands)-1].id
}

// applyRepPenalty divides positive logits of already-seen tokens by the
// penalty and multiplies negative ones, pushing both toward rejection.
func applyRepPenalty(logits []float32, history []int, penalty float32) {
	seen := make(map[int]struct{}, len(history))
	for _, t := range history {
		seen[t] = struct{}{}
	}
	for t := range seen {
		if t < 0 || t >= len(logits) {
			continue
		}
		if logits[t] > 0 {
			logits[t] /= penalty
		} else {
			logits[t] *= penalty
		}
	}
}

// argMax breaks ties toward the lower token id so greedy decoding is
// deterministic.
func argMax(logits []float32) int {
	best := 0
	bestVal := float32(math.Inf(-1))
	for i, v := range logits {
		if v > bestVal {
			best = i
			bestVal = v
		}
	}
	return best
}
