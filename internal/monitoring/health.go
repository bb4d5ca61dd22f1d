// Package monitoring serves the operational HTTP surface: liveness,
// a JSON status snapshot, and the Prometheus scrape endpoint.
package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/arbalest/internal/engine"
	"github.com/23skdu/arbalest/internal/logger"
	"github.com/23skdu/arbalest/internal/metrics"
)

var log = logger.Log.Component("monitoring")

type SystemInfo struct {
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	NumCPU    int    `json:"num_cpu"`
	HeapMB    uint64 `json:"heap_mb"`
}

type EngineInfo struct {
	State           string `json:"state"`
	Architecture    string `json:"architecture"`
	Layers          int    `json:"layers"`
	Heads           int    `json:"heads"`
	ContextLen      int    `json:"context_len"`
	CacheCapacityB  int64  `json:"cache_capacity_bytes"`
	CacheUsedB      int64  `json:"cache_used_bytes"`
	GeneratedTokens int64  `json:"generated_tokens"`
}

type Status struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Uptime    string     `json:"uptime"`
	System    SystemInfo `json:"system"`
	Engine    EngineInfo `json:"engine"`
}

// Monitor exposes one engine over HTTP.
type Monitor struct {
	eng   *engine.Engine
	start time.Time
}

func New(eng *engine.Engine) *Monitor {
	return &Monitor{eng: eng, start: time.Now()}
}

func (m *Monitor) snapshot() Status {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	cfg := m.eng.Config()
	capB, usedB := m.eng.CacheStats()

	st := "ok"
	if m.eng.State() == engine.StateUnloaded {
		st = "unloaded"
	}

	return Status{
		Status:    st,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.start).Round(time.Second).String(),
		System: SystemInfo{
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			NumCPU:    runtime.NumCPU(),
			HeapMB:    ms.HeapAlloc >> 20,
		},
		Engine: EngineInfo{
			State:           m.eng.State().String(),
			Architecture:    cfg.Architecture,
			Layers:          cfg.Layers,
			Heads:           cfg.Heads,
			ContextLen:      m.eng.ContextLen(),
			CacheCapacityB:  capB,
			CacheUsedB:      usedB,
			GeneratedTokens: metrics.TotalTokens(),
		},
	}
}

func (m *Monitor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if m.eng.State() == engine.StateUnloaded {
		http.Error(w, "unloaded", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (m *Monitor) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.snapshot()); err != nil {
		log.Warn("status encode failed", "error", err)
	}
}

// Handler returns the monitoring mux: /health, /healthz, /status and
// /metrics.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/healthz", m.handleHealth)
	mux.HandleFunc("/status", m.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve blocks on the monitoring listener.
func (m *Monitor) Serve(addr string) error {
	log.Info("monitoring serving", "addr", addr)
	return http.ListenAndServe(addr, m.Handler())
}
