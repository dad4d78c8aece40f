package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ls1intum/devicelogs/shared/devicelogs"
	"github.com/ls1intum/devicelogs/shared/utils"
)

const maxLineSize = 1024 * 1024

// StreamOptions configures NDJSON stream ingestion.
type StreamOptions struct {
	FlushInterval            time.Duration `env:"LOGS_STREAM_FLUSH_INTERVAL" envDefault:"500ms"`
	UnavailableFlushInterval time.Duration `env:"LOGS_BACKEND_UNAVAILABLE_FLUSH_INTERVAL" envDefault:"5s"`
	WriteBufferLimit         int           `env:"LOGS_WRITE_BUFFER_LIMIT" envDefault:"50"`
}

// Publisher is the write side of a logs backend.
type Publisher interface {
	Publish(ctx context.Context, lc devicelogs.LogContext, logs []devicelogs.InternalLog) error
	Available() bool
}

// StreamIngester accepts a long-lived request body carrying one raw entry per line and
// publishes the converted lines in periodic batches.
type StreamIngester struct {
	converter *Converter
	backend   Publisher
	opts      StreamOptions
	logger    *slog.Logger
}

// NewStreamIngester creates an ingester publishing to backend.
func NewStreamIngester(converter *Converter, backend Publisher, opts StreamOptions) *StreamIngester {
	if opts.WriteBufferLimit <= 0 {
		opts.WriteBufferLimit = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.UnavailableFlushInterval <= 0 {
		opts.UnavailableFlushInterval = 5 * time.Second
	}
	return &StreamIngester{
		converter: converter,
		backend:   backend,
		opts:      opts,
		logger:    utils.ComponentLogger("stream-ingester"),
	}
}

type lineReader struct {
	lines <-chan []byte
	err   <-chan error
}

func readLines(ctx context.Context, body io.Reader) lineReader {
	lines := make(chan []byte)
	errc := make(chan error, 1)

	go func() {
		var err error
		defer func() {
			errc <- err
			close(lines)
		}()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				return
			}
		}
		err = scanner.Err()
	}()

	return lineReader{lines: lines, err: errc}
}

// Ingest consumes body until it ends, ctx is cancelled or a line is malformed.
// Lines accepted before a malformed one are still published.
func (si *StreamIngester) Ingest(ctx context.Context, lc devicelogs.LogContext, body io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader := readLines(ctx, body)
	buffer := make([]devicelogs.InternalLog, 0, si.opts.WriteBufferLimit)
	timer := time.NewTimer(si.opts.FlushInterval)
	defer timer.Stop()

	// flush publishes the buffer, or keeps the newest lines while the backend is down
	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if !si.backend.Available() {
			if over := len(buffer) - si.opts.WriteBufferLimit; over > 0 {
				si.logger.Warn("Dropping buffered logs while backend is unavailable",
					"device_id", lc.ID,
					"dropped", over)
				buffer = append(buffer[:0], buffer[over:]...)
			}
			return devicelogs.ErrServiceUnavailable
		}
		if err := si.backend.Publish(ctx, lc, buffer); err != nil {
			return err
		}
		// Publish may hand the batch to a background mirror.
		buffer = make([]devicelogs.InternalLog, 0, si.opts.WriteBufferLimit)
		return nil
	}

	resetTimer := func(err error) {
		interval := si.opts.FlushInterval
		if errors.Is(err, devicelogs.ErrServiceUnavailable) {
			interval = si.opts.UnavailableFlushInterval
		}
		timer.Reset(interval)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			err := flush()
			if err != nil && !errors.Is(err, devicelogs.ErrServiceUnavailable) {
				return fmt.Errorf("publishing streamed logs: %w", err)
			}
			resetTimer(err)

		case line, ok := <-reader.lines:
			if !ok {
				if err := <-reader.err; err != nil {
					si.logger.Debug("Log stream ended with read error", "device_id", lc.ID, "error", err)
				}
				return flush()
			}

			log, accepted, err := si.converter.ConvertLine(line)
			if err != nil {
				if flushErr := flush(); flushErr != nil {
					si.logger.Warn("Failed to flush logs before rejecting stream",
						"device_id", lc.ID,
						"error", flushErr)
				}
				return err
			}
			if !accepted {
				continue
			}

			buffer = append(buffer, log)
			if len(buffer) >= si.opts.WriteBufferLimit {
				err := flush()
				if err != nil && !errors.Is(err, devicelogs.ErrServiceUnavailable) {
					return fmt.Errorf("publishing streamed logs: %w", err)
				}
			}
		}
	}
}
