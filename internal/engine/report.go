package engine

import "time"

// Report carries the timing of one generation run.
type Report struct {
	Prefill        time.Duration
	FirstToken     time.Duration
	Total          time.Duration
	TokenLatencies []time.Duration
}

// Tokens returns the number of decoded tokens.
func (r *Report) Tokens() int { return len(r.TokenLatencies) }

// TokensPerSecond returns the decode rate, excluding prefill.
func (r *Report) TokensPerSecond() float64 {
	decode := r.Total - r.Prefill
	if decode <= 0 || len(r.TokenLatencies) == 0 {
		return 0
	}
	return float64(len(r.TokenLatencies)) / decode.Seconds()
}
