package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ls1intum/devicelogs/shared/utils"
)

type BenchmarkConfig struct {
	Host           string        `env:"BENCHMARK_TARGET" envDefault:"localhost:8081"`
	AuthKey        string        `env:"AUTH_KEY"`
	Devices        string        `env:"BENCHMARK_DEVICES,notEmpty"`
	BatchCount     int           `env:"BENCHMARK_BATCH_COUNT" envDefault:"100"`
	BatchSize      int           `env:"BENCHMARK_BATCH_SIZE" envDefault:"10"`
	Concurrency    int           `env:"BENCHMARK_CONCURRENCY" envDefault:"5"`
	RequestTimeout time.Duration `env:"BENCHMARK_REQUEST_TIMEOUT" envDefault:"15s"`
	// Serve exposes the control API instead of running a single round.
	Serve   bool   `env:"BENCHMARK_SERVE" envDefault:"false"`
	APIPort string `env:"API_PORT" envDefault:"8090"`
}

func (c BenchmarkConfig) target() Target {
	var devices []string
	for _, d := range strings.Split(c.Devices, ",") {
		if d = strings.TrimSpace(d); d != "" {
			devices = append(devices, d)
		}
	}
	return Target{Host: c.Host, AuthKey: c.AuthKey, Devices: devices}
}

func main() {
	var cfg BenchmarkConfig
	utils.LoadConfig(&cfg)

	if cfg.Serve {
		slog.Info("Starting benchmark control API", "port", cfg.APIPort)
		if err := http.ListenAndServe(":"+cfg.APIPort, startRouter(cfg)); err != nil {
			slog.Error("Benchmark API failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target := cfg.target()
	fmt.Printf("Submitting %d batches of %d lines with %d workers to %s...\n", cfg.BatchCount, cfg.BatchSize, cfg.Concurrency, cfg.Host)
	client := &http.Client{Timeout: cfg.RequestTimeout}
	batches, err := SubmitBatches(ctx, client, target, cfg.BatchCount, cfg.Concurrency, LineFactory(cfg.BatchSize))
	if err != nil {
		slog.Error("Benchmark interrupted", "error", err)
	}

	report := Summarize(batches)
	fmt.Printf("\nSubmitted %d/%d batches (%d lines)\n", report.Batches, cfg.BatchCount, report.Lines)
	fmt.Printf("Latency p50: %s | p99: %s | max: %s\n", report.P50, report.P99, report.Max)
}
