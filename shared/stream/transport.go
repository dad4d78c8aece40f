package stream

import (
	"context"
	"net/http"
	"sync"
)

// Transport is the ordered byte sink of a streaming session.
type Transport interface {
	// Write queues line and reports false once the queued bytes exceed the high-water mark.
	Write(line []byte) bool
	// Drained receives a signal after a Write reported false and the queue emptied again.
	Drained() <-chan struct{}
	// Done is closed when the peer went away or writing failed.
	Done() <-chan struct{}
}

// ResponseTransport writes queued lines to an HTTP response from its own goroutine and
// flushes after every batch.
type ResponseTransport struct {
	w             http.ResponseWriter
	highWaterMark int

	mu        sync.Mutex
	queue     [][]byte
	queued    int
	needDrain bool
	err       error

	wake     chan struct{}
	drained  chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc
	exited   chan struct{}
}

var _ Transport = (*ResponseTransport)(nil)

// NewResponseTransport starts writing to w until ctx ends, a write fails or Close is called.
func NewResponseTransport(ctx context.Context, w http.ResponseWriter, highWaterMark int) *ResponseTransport {
	ctx, cancel := context.WithCancel(ctx)
	t := &ResponseTransport{
		w:             w,
		highWaterMark: highWaterMark,
		wake:          make(chan struct{}, 1),
		drained:       make(chan struct{}, 1),
		done:          make(chan struct{}),
		cancel:        cancel,
		exited:        make(chan struct{}),
	}
	go t.run(ctx)
	return t
}

func (t *ResponseTransport) Write(line []byte) bool {
	t.mu.Lock()
	t.queue = append(t.queue, line)
	t.queued += len(line)
	ok := t.queued <= t.highWaterMark
	if !ok {
		t.needDrain = true
	}
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return ok
}

func (t *ResponseTransport) Drained() <-chan struct{} {
	return t.drained
}

func (t *ResponseTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns the write error that ended the transport, if any.
func (t *ResponseTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close stops the writer goroutine and waits for it. Nothing touches the response afterwards.
func (t *ResponseTransport) Close() {
	t.cancel()
	<-t.exited
}

func (t *ResponseTransport) run(ctx context.Context) {
	defer close(t.exited)
	defer t.finish(nil)

	flusher, _ := t.w.(http.Flusher)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		}

		for {
			t.mu.Lock()
			batch := t.queue
			t.queue = nil
			t.mu.Unlock()
			if len(batch) == 0 {
				break
			}

			written := 0
			for _, line := range batch {
				if _, err := t.w.Write(line); err != nil {
					t.finish(err)
					return
				}
				written += len(line)
			}
			if flusher != nil {
				flusher.Flush()
			}

			t.mu.Lock()
			t.queued -= written
			signal := t.needDrain && t.queued == 0
			if signal {
				t.needDrain = false
			}
			t.mu.Unlock()

			if signal {
				select {
				case t.drained <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (t *ResponseTransport) finish(err error) {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}
