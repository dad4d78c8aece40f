package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ls1intum/devicelogs/shared/devicelogs"
	"github.com/ls1intum/devicelogs/shared/utils"
)

// State is the delivery state of a streaming session.
type State int32

const (
	// Buffering: subscribed, history in flight, live lines are kept locally.
	Buffering State = iota
	// Flushing: the merged catch-up sequence is being written.
	Flushing
	// Writable: live lines are written as they arrive.
	Writable
	// Saturated: the transport is over its high-water mark and live lines are dropped.
	Saturated
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Buffering:
		return "buffering"
	case Flushing:
		return "flushing"
	case Writable:
		return "writable"
	case Saturated:
		return "saturated"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Options struct {
	HeartbeatInterval  time.Duration `env:"LOGS_HEARTBEAT_INTERVAL" envDefault:"58s"`
	HighWaterMark      int           `env:"LOGS_STREAM_HIGH_WATER_MARK" envDefault:"65536"`
	UnsubscribeTimeout time.Duration `env:"LOGS_UNSUBSCRIBE_TIMEOUT" envDefault:"5s"`
}

func (o Options) Validate() error {
	if o.HeartbeatInterval <= 0 {
		return errors.New("LOGS_HEARTBEAT_INTERVAL must be positive")
	}
	if o.HighWaterMark <= 0 {
		return errors.New("LOGS_STREAM_HIGH_WATER_MARK must be positive")
	}
	return nil
}

var heartbeat = []byte("\n")

type historyResult struct {
	logs []devicelogs.OutputLog
	err  error
}

// Session streams the logs of one device to one transport. All session state is owned by
// the goroutine executing Run.
type Session struct {
	ID string

	backend   devicelogs.Backend
	lc        devicelogs.LogContext
	count     int
	transport Transport
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	state    atomic.Int32
	sub      *devicelogs.Subscription
	buffered []devicelogs.OutputLog
	dropped  int
	cancel   context.CancelFunc
}

// NewSession creates a session that replays up to count historical lines before going live.
func NewSession(backend devicelogs.Backend, lc devicelogs.LogContext, count int, transport Transport, opts Options) *Session {
	id := uuid.NewString()
	return &Session{
		ID:        id,
		backend:   backend,
		lc:        lc,
		count:     count,
		transport: transport,
		opts:      opts,
		logger:    utils.DeviceLogger(int64(lc.ID)).With("session_id", id),
		now:       time.Now,
	}
}

// State returns the current delivery state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Run subscribes, catches up on history and streams live lines until ctx ends, the transport
// goes away or the backend drops the subscription. A history failure ends the session with
// that error.
func (s *Session) Run(ctx context.Context) error {
	sub, err := s.backend.Subscribe(ctx, s.lc)
	if err != nil {
		s.setState(Closed)
		return fmt.Errorf("subscribing to device %d: %w", s.lc.ID, err)
	}
	s.sub = sub
	s.setState(Buffering)

	ctx, s.cancel = context.WithCancel(ctx)
	defer s.close()

	history := make(chan historyResult, 1)
	go func() {
		logs, err := s.backend.History(ctx, s.lc, devicelogs.HistoryOptions{Count: s.count})
		history <- historyResult{logs: logs, err: err}
	}()

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	s.logger.Debug("Streaming session started", "catch_up_count", s.count)
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.transport.Done():
			return nil

		case log, ok := <-sub.Logs():
			if !ok {
				s.logger.Debug("Subscription closed by backend")
				return nil
			}
			s.onLog(log)

		case res := <-history:
			history = nil
			if ctx.Err() != nil {
				return nil
			}
			if res.err != nil {
				s.logger.Warn("Failed to fetch history for stream", "error", res.err)
				return fmt.Errorf("fetching history of device %d: %w", s.lc.ID, res.err)
			}
			s.flush(res.logs)

		case <-s.transport.Drained():
			s.onDrain()

		case <-ticker.C:
			if state := s.State(); state == Writable || state == Buffering {
				s.write(heartbeat)
			}
		}
	}
}

func (s *Session) onLog(log devicelogs.OutputLog) {
	// lines the backend could not hand over count like lines dropped while saturated
	s.dropped += s.sub.Dropped()

	switch s.State() {
	case Buffering:
		s.buffered = append(s.buffered, log)
	case Flushing, Writable:
		s.warnDropped()
		s.writeLog(log)
	case Saturated:
		s.dropped++
	case Closed:
	}
}

// flush merges the catch-up sequence and writes it regardless of saturation.
func (s *Session) flush(history []devicelogs.OutputLog) {
	s.setState(Flushing)
	merged := mergeCatchUp(history, s.buffered, s.lc.RetentionLimit)
	s.buffered = nil

	saturated := false
	for _, log := range merged {
		line, err := encodeLine(log)
		if err != nil {
			s.logger.Warn("Skipping unencodable log line", "error", err)
			continue
		}
		if !s.transport.Write(line) {
			saturated = true
		}
	}

	if saturated {
		s.setState(Saturated)
		return
	}
	s.setState(Writable)
	s.dropped += s.sub.Dropped()
	s.warnDropped()
}

func (s *Session) onDrain() {
	if s.State() != Saturated {
		return
	}
	s.setState(Writable)
	s.dropped += s.sub.Dropped()
	s.warnDropped()
}

// warnDropped tells the reader how many lines it missed, once per run of drops.
func (s *Session) warnDropped() {
	if s.dropped == 0 {
		return
	}
	dropped := s.dropped
	s.dropped = 0
	s.logger.Info("Suppressed log lines for slow reader", "dropped", dropped)
	warning := devicelogs.SystemLog(fmt.Sprintf("Warning: Suppressed %d message(s) due to slow reading", dropped), s.now())
	s.writeLog(warning)
}

func (s *Session) writeLog(log devicelogs.OutputLog) {
	line, err := encodeLine(log)
	if err != nil {
		s.logger.Warn("Skipping unencodable log line", "error", err)
		return
	}
	s.write(line)
}

func (s *Session) write(line []byte) {
	if !s.transport.Write(line) && s.State() == Writable {
		s.setState(Saturated)
	}
}

// close moves to Closed and releases the subscription, once.
func (s *Session) close() {
	if s.State() == Closed {
		return
	}
	s.setState(Closed)
	s.cancel()
	s.buffered = nil

	ctx, cancel := context.WithTimeout(context.Background(), s.unsubscribeTimeout())
	defer cancel()
	if err := s.backend.Unsubscribe(ctx, s.sub); err != nil {
		s.logger.Warn("Failed to unsubscribe streaming session", "error", err)
	}
	s.logger.Debug("Streaming session closed")
}

func (s *Session) unsubscribeTimeout() time.Duration {
	if s.opts.UnsubscribeTimeout > 0 {
		return s.opts.UnsubscribeTimeout
	}
	return 5 * time.Second
}

// mergeCatchUp appends the buffered live lines newer than the last historical line and keeps
// at most limit lines.
func mergeCatchUp(history, buffered []devicelogs.OutputLog, limit int) []devicelogs.OutputLog {
	merged := make([]devicelogs.OutputLog, 0, len(history)+len(buffered))
	merged = append(merged, history...)

	start := 0
	if len(history) > 0 {
		last := history[len(history)-1].CreatedAt
		start = len(buffered)
		for i, log := range buffered {
			if log.CreatedAt > last {
				start = i
				break
			}
		}
	}
	merged = append(merged, buffered[start:]...)

	if limit >= 0 && len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}

func encodeLine(log devicelogs.OutputLog) ([]byte, error) {
	data, err := json.Marshal(log)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
