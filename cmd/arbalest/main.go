package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/arbalest/internal/config"
	"github.com/23skdu/arbalest/internal/engine"
	"github.com/23skdu/arbalest/internal/logger"
	"github.com/23skdu/arbalest/internal/monitoring"
	"github.com/23skdu/arbalest/internal/ollama"
	"github.com/23skdu/arbalest/internal/tokenizer"
	"github.com/23skdu/arbalest/internal/trace"
)

var (
	modelPath   = flag.String("model", "", "path to model file")
	prompt      = flag.String("prompt", "", "prompt text, encoded with the model vocabulary")
	promptIDs   = flag.String("tokens", "", "prompt as comma-separated token ids, bypassing the tokenizer")
	numTokens   = flag.Int("n", 64, "number of tokens to generate")
	temperature = flag.Float64("temp", 0, "sampling temperature, 0 is greedy")
	topK        = flag.Int("top-k", 0, "keep only the k most likely tokens")
	topP        = flag.Float64("top-p", 1.0, "nucleus sampling mass")
	repPenalty  = flag.Float64("rep-penalty", 1.0, "repetition penalty, 1.0 disables")
	seed        = flag.Int64("seed", 0, "sampler seed, 0 derives from time")
	workers     = flag.Int("workers", 0, "worker goroutines per step, 0 uses all CPUs")
	determ      = flag.Bool("deterministic", false, "pin the run to one OS thread, single-threaded steps")
	window      = flag.Int("window", 0, "force a sliding attention window of this many positions")
	cacheElem   = flag.String("cache", "f32", "attention cache element type: f32 or fixed32")
	metricsAddr = flag.String("metrics", ":9090", "address for /health, /status and /metrics")
	traceAddr   = flag.String("trace", "", "Arrow Flight collector for per-token latency traces")
	logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "console", "log format: console or json")
)

func parseTokenIDs(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad token id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func run() error {
	log := logger.Log.Component("main")

	if *modelPath == "" {
		return fmt.Errorf("--model is required")
	}
	if *prompt == "" && *promptIDs == "" {
		return fmt.Errorf("one of --prompt or --tokens is required")
	}

	// A bare name may refer to a locally pulled Ollama model.
	if _, err := os.Stat(*modelPath); err != nil {
		if resolved, rerr := ollama.Resolve(*modelPath); rerr == nil {
			log.Info("resolved model reference", "ref", *modelPath, "path", resolved)
			*modelPath = resolved
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var engOpts []engine.Option
	if *window > 0 {
		engOpts = append(engOpts, engine.WithWindowSize(*window))
	}
	switch *cacheElem {
	case "f32":
	case "fixed32":
		engOpts = append(engOpts, engine.WithCacheElem(config.CacheElemFixed32))
	default:
		return fmt.Errorf("unknown cache element type %q", *cacheElem)
	}

	log.Info("loading model", "path", *modelPath)
	e, err := engine.NewFromFile(*modelPath, engOpts...)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	go func() {
		if err := monitoring.New(e).Serve(*metricsAddr); err != nil {
			log.Warn("monitoring server stopped", "error", err)
		}
	}()

	tok, tokErr := tokenizer.New(e.Model())

	var ids []int
	if *promptIDs != "" {
		if ids, err = parseTokenIDs(*promptIDs); err != nil {
			return err
		}
	} else {
		if tokErr != nil {
			return tokErr
		}
		ids = tok.Encode(*prompt)
		if bos := e.Config().BOSToken; bos >= 0 {
			ids = append([]int{bos}, ids...)
		}
		log.Info("encoded prompt", "tokens", len(ids))
	}

	opts := config.DefaultGenOptions()
	opts.MaxTokens = *numTokens
	opts.Temperature = *temperature
	opts.TopK = *topK
	opts.TopP = *topP
	opts.RepPenalty = *repPenalty
	opts.Seed = *seed
	opts.Workers = *workers
	opts.Deterministic = *determ

	out, report, err := e.GenerateWithReport(ctx, ids, opts)
	if err != nil {
		return err
	}

	if tok != nil {
		fmt.Println(tok.Decode(out))
	} else {
		var sb strings.Builder
		for _, id := range out {
			sb.WriteString(e.TokenText(id))
		}
		fmt.Println(sb.String())
	}

	log.Info("generation report",
		"tokens", report.Tokens(),
		"prefill", report.Prefill,
		"first_token", report.FirstToken,
		"total", report.Total,
		"tokens_per_sec", fmt.Sprintf("%.2f", report.TokensPerSecond()))

	if *traceAddr != "" {
		exp, err := trace.NewFlightExporter(*traceAddr)
		if err != nil {
			return err
		}
		defer func() { _ = exp.Close() }()
		runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
		if err := exp.Export(ctx, runID, report.TokenLatencies); err != nil {
			log.Warn("trace export failed", "error", err)
		}
	}
	return nil
}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	if err := run(); err != nil {
		logger.Log.Error("fatal", "error", err)
		os.Exit(1)
	}
}
