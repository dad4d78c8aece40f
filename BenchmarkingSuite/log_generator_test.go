package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingestRecorder struct {
	mu       sync.Mutex
	devices  map[string]int
	lines    int
	failFor  string
	username string
	password string
}

func (r *ingestRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	device := strings.TrimSuffix(strings.TrimPrefix(req.URL.Path, "/device/v2/"), "/logs")
	var logs []RawLog
	if err := json.NewDecoder(req.Body).Decode(&logs); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.username, r.password, _ = req.BasicAuth()
	if device == r.failFor {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	r.devices[device]++
	r.lines += len(logs)
	w.WriteHeader(http.StatusCreated)
}

func newIngestServer(t *testing.T) (*ingestRecorder, string) {
	rec := &ingestRecorder{devices: map[string]int{}}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return rec, strings.TrimPrefix(srv.URL, "http://")
}

func TestSubmitBatches_SpreadsOverDevices(t *testing.T) {
	rec, host := newIngestServer(t)
	target := Target{Host: host, AuthKey: "secret", Devices: []string{"a", "b"}}

	batches, err := SubmitBatches(context.Background(), http.DefaultClient, target, 6, 3, LineFactory(4))
	require.NoError(t, err)

	assert.Len(t, batches, 6)
	assert.Equal(t, map[string]int{"a": 3, "b": 3}, rec.devices)
	assert.Equal(t, 24, rec.lines)
	assert.Equal(t, "devicelogs", rec.username)
	assert.Equal(t, "secret", rec.password)
	for _, b := range batches {
		assert.Equal(t, http.StatusCreated, b.Status)
		assert.NotEmpty(t, b.RequestID.String())
	}
}

func TestSubmitBatches_SkipsFailures(t *testing.T) {
	rec, host := newIngestServer(t)
	rec.failFor = "b"
	target := Target{Host: host, Devices: []string{"a", "b"}}

	batches, err := SubmitBatches(context.Background(), http.DefaultClient, target, 4, 2, LineFactory(1))
	require.NoError(t, err)
	assert.Len(t, batches, 2)
	for _, b := range batches {
		assert.Equal(t, "a", b.Device)
	}
}

func TestSubmitBatches_NoDevices(t *testing.T) {
	_, err := SubmitBatches(context.Background(), http.DefaultClient, Target{Host: "localhost"}, 1, 1, LineFactory(1))
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	var batches []SubmittedBatch
	for i := 1; i <= 100; i++ {
		batches = append(batches, SubmittedBatch{Lines: 2, Latency: time.Duration(i) * time.Millisecond})
	}

	report := Summarize(batches)
	assert.Equal(t, 100, report.Batches)
	assert.Equal(t, 200, report.Lines)
	assert.Equal(t, 50*time.Millisecond, report.P50)
	assert.Equal(t, 99*time.Millisecond, report.P99)
	assert.Equal(t, 100*time.Millisecond, report.Max)

	assert.Equal(t, Report{}, Summarize(nil))
}

func TestLineFactory(t *testing.T) {
	logs := LineFactory(10)(3)
	require.Len(t, logs, 10)
	assert.Equal(t, "benchmark batch 3 line 0", logs[0].Message)
	assert.True(t, logs[9].IsStdErr)
	assert.False(t, logs[0].IsStdErr)
}

func TestSubmitBatchesHandler(t *testing.T) {
	rec, host := newIngestServer(t)
	cfg := BenchmarkConfig{Host: host, Devices: "a", BatchCount: 1, BatchSize: 2, Concurrency: 1, RequestTimeout: time.Second}
	r := startRouter(cfg)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/submit-batches?count=3", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Report Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Report.Batches)
	assert.Equal(t, 6, rec.lines)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/submit-batches?concurrency=x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
