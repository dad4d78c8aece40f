package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ls1intum/devicelogs/shared/devicelogs"
	"github.com/ls1intum/devicelogs/shared/utils"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	historyFetchSize     = 256
	historyFetchWait     = time.Second
	subscribeFlushWait   = 5 * time.Second
	historyInactiveAfter = 30 * time.Second
)

var _ devicelogs.Backend = (*Backend)(nil)

// StreamOptions configures the JetStream stream that stores device logs.
type StreamOptions struct {
	StreamName string `env:"LOGS_NATS_STREAM" envDefault:"DEVICE_LOGS"`
	// MaxMsgsPerDevice caps the stored lines per device subject. Lower retention limits
	// of individual devices are applied when reading.
	MaxMsgsPerDevice   int64         `env:"LOGS_NATS_MAX_MSGS_PER_DEVICE" envDefault:"1000"`
	MaxAge             time.Duration `env:"LOGS_NATS_MAX_AGE" envDefault:"168h"`
	Replicas           int           `env:"LOGS_NATS_REPLICAS" envDefault:"1"`
	SubscriptionBuffer int           `env:"LOGS_SUBSCRIPTION_BUFFER" envDefault:"1024"`
}

// Backend stores device logs in a JetStream stream with one subject per device. Live lines
// are read from the same subjects through plain NATS subscriptions.
type Backend struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	opts      StreamOptions
	listeners *devicelogs.Listeners
	logger    *slog.Logger

	attachMu sync.Mutex
	subs     map[devicelogs.DeviceID]*nats.Subscription
}

// NewBackend creates or updates the log stream and returns a backend on it.
func NewBackend(ctx context.Context, nc *nats.Conn, opts StreamOptions) (*Backend, error) {
	if nc == nil {
		return nil, errors.New("nil NATS connection")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	streamConfig := jetstream.StreamConfig{
		Name:              opts.StreamName,
		Subjects:          []string{natsSubjectBase + ".*"},
		Storage:           jetstream.FileStorage,
		Retention:         jetstream.LimitsPolicy,
		Discard:           jetstream.DiscardOld,
		MaxMsgsPerSubject: opts.MaxMsgsPerDevice,
		MaxAge:            opts.MaxAge,
		Replicas:          max(opts.Replicas, 1),
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamConfig)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream stream: %w", err)
	}

	slog.Info("JetStream stream ready",
		"stream", stream.CachedInfo().Config.Name,
		"subjects", stream.CachedInfo().Config.Subjects)

	return &Backend{
		nc:        nc,
		js:        js,
		opts:      opts,
		listeners: devicelogs.NewListeners(),
		logger:    utils.ComponentLogger("nats-backend"),
		subs:      make(map[devicelogs.DeviceID]*nats.Subscription),
	}, nil
}

// Available reports whether the NATS connection is up.
func (b *Backend) Available() bool {
	return b.nc.IsConnected()
}

// Publish stores every record on the device subject, in order.
func (b *Backend) Publish(ctx context.Context, lc devicelogs.LogContext, logs []devicelogs.InternalLog) error {
	if len(logs) == 0 {
		return nil
	}
	if !b.Available() {
		return devicelogs.ErrServiceUnavailable
	}

	subject := deviceSubject(lc.ID)
	for _, log := range logs {
		data, err := json.Marshal(log)
		if err != nil {
			return fmt.Errorf("%w: %w", devicelogs.ErrBackendEncoding, err)
		}
		if _, err := b.js.Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("publishing log to subject %s: %w", subject, err)
		}
	}

	slog.Debug("Published logs", "device_id", lc.ID, "entries", len(logs))
	return nil
}

// History replays the device subject through an ordered consumer and returns the tail.
func (b *Backend) History(ctx context.Context, lc devicelogs.LogContext, opts devicelogs.HistoryOptions) ([]devicelogs.OutputLog, error) {
	if !b.Available() {
		return nil, devicelogs.ErrServiceUnavailable
	}

	limit := opts.Limit(lc)
	subject := deviceSubject(lc.ID)
	if limit <= 0 {
		return []devicelogs.OutputLog{}, nil
	}

	stream, err := b.js.Stream(ctx, b.opts.StreamName)
	if err != nil {
		return nil, fmt.Errorf("looking up stream %s: %w", b.opts.StreamName, err)
	}
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return nil, fmt.Errorf("reading stream info for %s: %w", subject, err)
	}
	if info.State.Subjects[subject] == 0 {
		return []devicelogs.OutputLog{}, nil
	}

	consumer, err := b.js.OrderedConsumer(ctx, b.opts.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects:    []string{subject},
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: historyInactiveAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("creating history consumer for %s: %w", subject, err)
	}

	logs, err := b.replay(consumer, lc, opts.Start)
	if err != nil {
		return nil, err
	}
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return logs, nil
}

func (b *Backend) replay(consumer jetstream.Consumer, lc devicelogs.LogContext, start int64) ([]devicelogs.OutputLog, error) {
	var logs []devicelogs.OutputLog
	for {
		batch, err := consumer.Fetch(historyFetchSize, jetstream.FetchMaxWait(historyFetchWait))
		if err != nil {
			return nil, fmt.Errorf("fetching history of device %d: %w", lc.ID, err)
		}

		received, done := 0, false
		for msg := range batch.Messages() {
			received++
			if meta, err := msg.Metadata(); err == nil && meta.NumPending == 0 {
				done = true
			}

			var log devicelogs.InternalLog
			if err := json.Unmarshal(msg.Data(), &log); err != nil {
				b.logger.Warn("Skipping undecodable log record", "device_id", lc.ID, "error", err)
				continue
			}
			if start > 0 && log.CreatedAt < start {
				continue
			}
			logs = append(logs, log.Output())
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("fetching history of device %d: %w", lc.ID, err)
		}
		if done || received == 0 {
			return logs, nil
		}
	}
}

// Subscribe registers a local listener and subscribes to the device subject for the first one.
func (b *Backend) Subscribe(_ context.Context, lc devicelogs.LogContext) (*devicelogs.Subscription, error) {
	sub := devicelogs.NewSubscription(lc, b.opts.SubscriptionBuffer)

	b.attachMu.Lock()
	defer b.attachMu.Unlock()

	if !b.listeners.Add(sub) {
		return sub, nil
	}

	subject := deviceSubject(lc.ID)
	ns, err := b.nc.Subscribe(subject, b.handle)
	if err == nil {
		err = b.nc.FlushTimeout(subscribeFlushWait)
		if err != nil {
			_ = ns.Unsubscribe()
		}
	}
	if err != nil {
		b.listeners.Remove(sub)
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	b.subs[lc.ID] = ns
	return sub, nil
}

// Unsubscribe removes a listener and drops the NATS subscription after the last one.
func (b *Backend) Unsubscribe(_ context.Context, sub *devicelogs.Subscription) error {
	b.attachMu.Lock()
	defer b.attachMu.Unlock()

	found, last := b.listeners.Remove(sub)
	if !found {
		return devicelogs.ErrUnknownSubscription
	}
	if !last {
		return nil
	}

	id := sub.Context.ID
	ns := b.subs[id]
	delete(b.subs, id)
	if ns == nil {
		return nil
	}
	if err := ns.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", deviceSubject(id), err)
	}
	return nil
}

// Close drops every NATS subscription and closes the remaining listeners.
func (b *Backend) Close() error {
	b.attachMu.Lock()
	defer b.attachMu.Unlock()

	var errs []error
	for id, ns := range b.subs {
		if err := ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
		delete(b.subs, id)
	}
	b.listeners.CloseAll()
	return errors.Join(errs...)
}

func (b *Backend) handle(msg *nats.Msg) {
	id, ok := deviceFromSubject(msg.Subject)
	if !ok {
		return
	}
	var log devicelogs.InternalLog
	if err := json.Unmarshal(msg.Data, &log); err != nil {
		b.logger.Warn("Dropping undecodable live record", "device_id", id, "error", err)
		return
	}
	b.listeners.Dispatch(id, log.Output())
}
