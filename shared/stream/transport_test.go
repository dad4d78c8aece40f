package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseTransport_WritesInOrder(t *testing.T) {
	recorder := httptest.NewRecorder()
	transport := NewResponseTransport(context.Background(), recorder, 1024)

	assert.True(t, transport.Write([]byte("one\n")))
	assert.True(t, transport.Write([]byte("two\n")))

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.queued == 0
	}, time.Second, time.Millisecond)
	transport.Close()

	assert.Equal(t, "one\ntwo\n", recorder.Body.String())
	assert.True(t, recorder.Flushed)
	assert.NoError(t, transport.Err())
}

func TestResponseTransport_HighWaterMarkAndDrain(t *testing.T) {
	recorder := httptest.NewRecorder()
	transport := NewResponseTransport(context.Background(), recorder, 5)
	defer transport.Close()

	assert.False(t, transport.Write([]byte("longer than five\n")))

	select {
	case <-transport.Drained():
	case <-time.After(time.Second):
		t.Fatal("transport did not drain")
	}
}

func TestResponseTransport_ContextEndClosesDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	transport := NewResponseTransport(ctx, httptest.NewRecorder(), 1024)

	cancel()
	select {
	case <-transport.Done():
	case <-time.After(time.Second):
		t.Fatal("transport did not stop")
	}
	transport.Close()
}

type failingWriter struct {
	http.ResponseWriter
}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestResponseTransport_WriteErrorClosesDone(t *testing.T) {
	transport := NewResponseTransport(context.Background(), failingWriter{httptest.NewRecorder()}, 1024)
	defer transport.Close()

	transport.Write([]byte("line\n"))
	select {
	case <-transport.Done():
	case <-time.After(time.Second):
		t.Fatal("transport did not stop")
	}
	assert.EqualError(t, transport.Err(), "broken pipe")
}
