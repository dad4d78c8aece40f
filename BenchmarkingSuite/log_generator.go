package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RawLog is a log entry in the shape a device supervisor submits.
type RawLog struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	IsSystem  bool   `json:"isSystem,omitempty"`
	IsStdErr  bool   `json:"isStdErr,omitempty"`
	ServiceID *int64 `json:"serviceId,omitempty"`
}

type SubmittedBatch struct {
	RequestID   uuid.UUID
	Device      string
	Lines       int
	Status      int
	SubmittedAt time.Time
	Latency     time.Duration
}

type BatchFactory func(idx int) []RawLog

type Target struct {
	Host    string
	AuthKey string
	Devices []string
}

func (t Target) logsURL(device string) string {
	return fmt.Sprintf("http://%s/device/v2/%s/logs", t.Host, device)
}

// SubmitBatches posts batchCount batches to the target concurrently, spreading them round
// robin over the target devices. Failed submissions are logged and left out of the result.
func SubmitBatches(ctx context.Context, client *http.Client, target Target, batchCount, concurrency int, factory BatchFactory) ([]SubmittedBatch, error) {
	if len(target.Devices) == 0 {
		return nil, fmt.Errorf("no target devices")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	batches := make([]SubmittedBatch, 0, batchCount)
	batchChan := make(chan int, batchCount)

	for i := 0; i < batchCount; i++ {
		batchChan <- i
	}
	close(batchChan)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range batchChan {
				if ctx.Err() != nil {
					return
				}
				device := target.Devices[idx%len(target.Devices)]
				result, err := submitBatch(ctx, client, target, device, factory(idx))
				if err != nil {
					slog.Warn("Batch submission failed", "batch", idx, "device", device, "error", err)
					continue
				}

				mu.Lock()
				batches = append(batches, result)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return batches, ctx.Err()
}

func submitBatch(ctx context.Context, client *http.Client, target Target, device string, logs []RawLog) (SubmittedBatch, error) {
	body, err := json.Marshal(logs)
	if err != nil {
		return SubmittedBatch{}, fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.logsURL(device), bytes.NewReader(body))
	if err != nil {
		return SubmittedBatch{}, err
	}
	requestID := uuid.New()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID.String())
	if target.AuthKey != "" {
		req.SetBasicAuth("devicelogs", target.AuthKey)
	}

	submittedAt := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return SubmittedBatch{}, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return SubmittedBatch{}, fmt.Errorf("got non-201 response: %d", resp.StatusCode)
	}
	return SubmittedBatch{
		RequestID:   requestID,
		Device:      device,
		Lines:       len(logs),
		Status:      resp.StatusCode,
		SubmittedAt: submittedAt,
		Latency:     time.Since(submittedAt),
	}, nil
}

// LineFactory builds batches of batchSize lines stamped with the current time.
func LineFactory(batchSize int) BatchFactory {
	return func(idx int) []RawLog {
		now := time.Now().UnixMilli()
		logs := make([]RawLog, batchSize)
		for i := range logs {
			logs[i] = RawLog{
				Message:   fmt.Sprintf("benchmark batch %d line %d", idx, i),
				Timestamp: now,
				IsStdErr:  i%10 == 9,
			}
		}
		return logs
	}
}

type Report struct {
	Batches int           `json:"batches"`
	Lines   int           `json:"lines"`
	P50     time.Duration `json:"p50"`
	P99     time.Duration `json:"p99"`
	Max     time.Duration `json:"max"`
}

func Summarize(batches []SubmittedBatch) Report {
	report := Report{Batches: len(batches)}
	if len(batches) == 0 {
		return report
	}
	latencies := make([]time.Duration, len(batches))
	for i, b := range batches {
		latencies[i] = b.Latency
		report.Lines += b.Lines
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	report.P50 = percentile(latencies, 50)
	report.P99 = percentile(latencies, 99)
	report.Max = latencies[len(latencies)-1]
	return report
}

func percentile(sorted []time.Duration, pct int) time.Duration {
	idx := (len(sorted)*pct+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
