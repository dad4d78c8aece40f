package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ls1intum/devicelogs/shared/devicelogs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu        sync.Mutex
	batches   [][]devicelogs.InternalLog
	available atomic.Bool
	err       error
}

func newRecordingPublisher() *recordingPublisher {
	p := &recordingPublisher{}
	p.available.Store(true)
	return p
}

func (p *recordingPublisher) Publish(_ context.Context, _ devicelogs.LogContext, logs []devicelogs.InternalLog) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]devicelogs.InternalLog(nil), logs...))
	return nil
}

func (p *recordingPublisher) Available() bool {
	return p.available.Load()
}

func (p *recordingPublisher) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, batch := range p.batches {
		for _, log := range batch {
			out = append(out, log.Message)
		}
	}
	return out
}

var testDevice = devicelogs.LogContext{ID: 1, UUID: "abc", RetentionLimit: 100}

func TestStreamIngester_FlushesAtEndOfBody(t *testing.T) {
	publisher := newRecordingPublisher()
	ingester := NewStreamIngester(newTestConverter(), publisher, StreamOptions{
		FlushInterval:    time.Hour,
		WriteBufferLimit: 50,
	})

	body := strings.NewReader("{\"message\":\"a\",\"timestamp\":1}\n\n{\"message\":\"b\",\"timestamp\":2}\n")
	require.NoError(t, ingester.Ingest(context.Background(), testDevice, body))

	assert.Equal(t, []string{"a", "b"}, publisher.messages())
}

func TestStreamIngester_FlushesWhenBufferIsFull(t *testing.T) {
	publisher := newRecordingPublisher()
	ingester := NewStreamIngester(newTestConverter(), publisher, StreamOptions{
		FlushInterval:    time.Hour,
		WriteBufferLimit: 2,
	})

	body := strings.NewReader(strings.Repeat("{\"message\":\"m\",\"timestamp\":1}\n", 5))
	require.NoError(t, ingester.Ingest(context.Background(), testDevice, body))

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.Len(t, publisher.batches, 3)
	assert.Len(t, publisher.batches[0], 2)
	assert.Len(t, publisher.batches[1], 2)
	assert.Len(t, publisher.batches[2], 1)
}

func TestStreamIngester_FlushesOnInterval(t *testing.T) {
	publisher := newRecordingPublisher()
	ingester := NewStreamIngester(newTestConverter(), publisher, StreamOptions{
		FlushInterval:    10 * time.Millisecond,
		WriteBufferLimit: 50,
	})

	reader, writer := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- ingester.Ingest(context.Background(), testDevice, reader)
	}()

	_, err := writer.Write([]byte("{\"message\":\"early\",\"timestamp\":1}\n"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(publisher.messages()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, writer.Close())
	require.NoError(t, <-done)
}

func TestStreamIngester_MalformedLineFlushesAcceptedLines(t *testing.T) {
	publisher := newRecordingPublisher()
	ingester := NewStreamIngester(newTestConverter(), publisher, StreamOptions{FlushInterval: time.Hour})

	body := strings.NewReader("{\"message\":\"ok\",\"timestamp\":1}\n{\"message\":1}\n{\"message\":\"never\",\"timestamp\":1}\n")
	err := ingester.Ingest(context.Background(), testDevice, body)

	assert.ErrorIs(t, err, devicelogs.ErrMalformedLogEntry)
	assert.Equal(t, []string{"ok"}, publisher.messages())
}

func TestStreamIngester_UnavailableBackendKeepsNewestLines(t *testing.T) {
	publisher := newRecordingPublisher()
	publisher.available.Store(false)
	ingester := NewStreamIngester(newTestConverter(), publisher, StreamOptions{
		FlushInterval:            time.Hour,
		UnavailableFlushInterval: time.Hour,
		WriteBufferLimit:         2,
	})

	body := strings.NewReader(
		"{\"message\":\"1\",\"timestamp\":1}\n" +
			"{\"message\":\"2\",\"timestamp\":1}\n" +
			"{\"message\":\"3\",\"timestamp\":1}\n")
	err := ingester.Ingest(context.Background(), testDevice, body)

	assert.ErrorIs(t, err, devicelogs.ErrServiceUnavailable)
	assert.Empty(t, publisher.messages())
}

func TestStreamIngester_PublishFailure(t *testing.T) {
	publisher := newRecordingPublisher()
	publisher.err = errors.New("boom")
	ingester := NewStreamIngester(newTestConverter(), publisher, StreamOptions{FlushInterval: time.Hour})

	err := ingester.Ingest(context.Background(), testDevice, strings.NewReader("{\"message\":\"m\",\"timestamp\":1}\n"))
	assert.EqualError(t, err, "boom")
}

func TestStreamIngester_LogsAsComponent(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))

	ingester := NewStreamIngester(newTestConverter(), newRecordingPublisher(), StreamOptions{})
	ingester.logger.Info("started")

	assert.Contains(t, buf.String(), "component=stream-ingester")
}
