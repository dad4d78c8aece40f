package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ls1intum/devicelogs/shared/devicelogs"
	"github.com/ls1intum/devicelogs/shared/utils"
	goredis "github.com/redis/go-redis/v9"
)

const (
	fanOutChannelSize    = 1000
	attachConfirmTimeout = 5 * time.Second
)

var _ devicelogs.Backend = (*Backend)(nil)

// Backend keeps the retained window of every device in a Redis list and fans new records
// out over Redis pub/sub. A process attaches to a device channel once, no matter how many
// local subscribers it serves.
type Backend struct {
	client    *goredis.Client
	pubsub    *goredis.PubSub
	codec     *Codec
	opts      Options
	listeners *devicelogs.Listeners
	logger    *slog.Logger

	// attachMu serializes channel attachment and presence bookkeeping.
	attachMu  sync.Mutex
	available atomic.Bool

	confirmMu sync.Mutex
	confirms  map[string]chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackend starts the fan-out, presence heartbeat and health monitor loops on client.
// The caller keeps ownership of client; Close stops the loops only.
func NewBackend(ctx context.Context, client *goredis.Client, opts Options) (*Backend, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	codec, err := NewCodec(opts.Compression)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &Backend{
		client:    client,
		pubsub:    client.Subscribe(loopCtx),
		codec:     codec,
		opts:      opts,
		listeners: devicelogs.NewListeners(),
		logger:    utils.ComponentLogger("redis-backend"),
		confirms:  make(map[string]chan struct{}),
		cancel:    cancel,
	}
	b.available.Store(b.ping(loopCtx) == nil)

	messages := b.pubsub.ChannelWithSubscriptions(goredis.WithChannelSize(fanOutChannelSize))
	b.wg.Add(3)
	go b.fanOut(messages)
	go b.presenceHeartbeat(loopCtx)
	go b.monitorHealth(loopCtx)

	return b, nil
}

// Available reports the result of the last health check.
func (b *Backend) Available() bool {
	return b.available.Load()
}

// History returns the most recent retained lines, oldest first. Records that fail to decode
// are skipped.
func (b *Backend) History(ctx context.Context, lc devicelogs.LogContext, opts devicelogs.HistoryOptions) ([]devicelogs.OutputLog, error) {
	if !b.Available() {
		return nil, devicelogs.ErrServiceUnavailable
	}

	limit := opts.Limit(lc)
	if limit <= 0 {
		return []devicelogs.OutputLog{}, nil
	}

	raw, err := b.client.LRange(ctx, logsKey(lc.ID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading logs of device %d: %w", lc.ID, err)
	}

	logs := make([]devicelogs.OutputLog, 0, len(raw))
	for _, entry := range raw {
		log, err := b.codec.Decode([]byte(entry))
		if err != nil {
			b.logger.Warn("Skipping undecodable log record", "device_id", lc.ID, "error", err)
			continue
		}
		if opts.Start > 0 && log.CreatedAt < opts.Start {
			continue
		}
		logs = append(logs, log.Output())
	}
	return logs, nil
}

// Publish appends logs to the device list in one atomic script run. Subscribers anywhere are
// only notified while the device presence key exists.
func (b *Backend) Publish(ctx context.Context, lc devicelogs.LogContext, logs []devicelogs.InternalLog) error {
	if len(logs) == 0 {
		return nil
	}
	if !b.Available() {
		return devicelogs.ErrServiceUnavailable
	}

	args := make([]interface{}, 0, len(logs)+2)
	args = append(args, lc.RetentionLimit, seconds(b.opts.KeyTTL))
	for _, log := range logs {
		data, err := b.codec.Encode(log)
		if err != nil {
			return err
		}
		args = append(args, data)
	}

	keys := []string{logsKey(lc.ID), presenceKey(lc.ID), bytesWrittenKey(lc.ID), channelName(lc.ID)}
	if err := publishScript.Run(ctx, b.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("publishing %d logs of device %d: %w", len(logs), lc.ID, err)
	}
	return nil
}

// Subscribe registers a local listener, attaches to the device channel for the first one
// and counts the listener in the shared presence key.
func (b *Backend) Subscribe(ctx context.Context, lc devicelogs.LogContext) (*devicelogs.Subscription, error) {
	sub := devicelogs.NewSubscription(lc, b.opts.SubscriptionBuffer)

	b.attachMu.Lock()
	defer b.attachMu.Unlock()

	if b.listeners.Add(sub) {
		if err := b.attach(ctx, channelName(lc.ID)); err != nil {
			b.listeners.Remove(sub)
			return nil, fmt.Errorf("attaching to logs of device %d: %w", lc.ID, err)
		}
	}

	if err := subscribeScript.Run(ctx, b.client, []string{presenceKey(lc.ID)}, seconds(b.opts.PresenceTTL)).Err(); err != nil {
		if _, last := b.listeners.Remove(sub); last {
			_ = b.pubsub.Unsubscribe(ctx, channelName(lc.ID))
		}
		return nil, fmt.Errorf("registering presence of device %d: %w", lc.ID, err)
	}

	b.logger.Debug("Subscribed to device logs", "device_id", lc.ID, "local_listeners", b.listeners.Count(lc.ID))
	return sub, nil
}

// Unsubscribe removes a listener registered by Subscribe, detaches from the device channel
// after the last one and decrements the presence key.
func (b *Backend) Unsubscribe(ctx context.Context, sub *devicelogs.Subscription) error {
	id := sub.Context.ID

	b.attachMu.Lock()
	defer b.attachMu.Unlock()

	found, last := b.listeners.Remove(sub)
	if !found {
		return devicelogs.ErrUnknownSubscription
	}

	var errs []error
	if last {
		if err := b.pubsub.Unsubscribe(ctx, channelName(id)); err != nil {
			errs = append(errs, fmt.Errorf("detaching from logs of device %d: %w", id, err))
		}
	}

	count, err := unsubscribeScript.Run(ctx, b.client, []string{presenceKey(id)}).Int64()
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("releasing presence of device %d: %w", id, err))
	case count < 0:
		b.logger.Warn("Presence counter went negative", "device_id", id, "count", count)
	}

	b.logger.Debug("Unsubscribed from device logs", "device_id", id, "detached", last)
	return errors.Join(errs...)
}

// BytesWritten returns the total encoded bytes ever published for a device within the key ttl.
func (b *Backend) BytesWritten(ctx context.Context, id devicelogs.DeviceID) (int64, error) {
	value, err := b.client.Get(ctx, bytesWrittenKey(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading bytes written of device %d: %w", id, err)
	}
	return strconv.ParseInt(value, 10, 64)
}

// Close stops the background loops and closes every remaining subscription.
func (b *Backend) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	b.listeners.CloseAll()
	return err
}

// attach subscribes to channel and returns once the server confirmed the subscription.
func (b *Backend) attach(ctx context.Context, channel string) error {
	confirmed := make(chan struct{})
	b.confirmMu.Lock()
	b.confirms[channel] = confirmed
	b.confirmMu.Unlock()
	defer func() {
		b.confirmMu.Lock()
		delete(b.confirms, channel)
		b.confirmMu.Unlock()
	}()

	if err := b.pubsub.Subscribe(ctx, channel); err != nil {
		return err
	}

	timer := time.NewTimer(attachConfirmTimeout)
	defer timer.Stop()
	select {
	case <-confirmed:
		return nil
	case <-ctx.Done():
		_ = b.pubsub.Unsubscribe(context.WithoutCancel(ctx), channel)
		return ctx.Err()
	case <-timer.C:
		_ = b.pubsub.Unsubscribe(ctx, channel)
		return errors.New("subscription was not confirmed in time")
	}
}

func (b *Backend) confirm(channel string) {
	b.confirmMu.Lock()
	defer b.confirmMu.Unlock()
	if ch, ok := b.confirms[channel]; ok {
		close(ch)
		delete(b.confirms, channel)
	}
}

func (b *Backend) fanOut(messages <-chan interface{}) {
	defer b.wg.Done()

	for m := range messages {
		var msg *goredis.Message
		switch m := m.(type) {
		case *goredis.Subscription:
			if m.Kind == "subscribe" {
				b.confirm(m.Channel)
			}
			continue
		case *goredis.Message:
			msg = m
		default:
			continue
		}

		id, ok := deviceFromChannel(msg.Channel)
		if !ok {
			b.logger.Warn("Ignoring message on unexpected channel", "channel", msg.Channel)
			continue
		}
		log, err := b.codec.Decode([]byte(msg.Payload))
		if err != nil {
			b.logger.Warn("Dropping undecodable live record", "device_id", id, "error", err)
			continue
		}
		b.listeners.Dispatch(id, log.Output())
	}
}

func (b *Backend) presenceHeartbeat(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.PresenceHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.refreshPresence(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("Failed to refresh presence", "error", err)
			}
		}
	}
}

func (b *Backend) refreshPresence(ctx context.Context) error {
	b.attachMu.Lock()
	defer b.attachMu.Unlock()

	devices := b.listeners.Devices()
	if len(devices) == 0 {
		return nil
	}

	ttl := seconds(b.opts.PresenceTTL)
	cmds := make(map[devicelogs.DeviceID]*goredis.Cmd, len(devices))
	_, err := b.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range devices {
			cmds[id] = refreshPresenceScript.Eval(ctx, pipe, []string{presenceKey(id)}, ttl, b.listeners.Count(id))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for id, cmd := range cmds {
		if refreshed, _ := cmd.Int64(); refreshed == 0 {
			b.logger.Info("Restored expired presence", "device_id", id, "local_listeners", b.listeners.Count(id))
		}
	}
	return nil
}

func (b *Backend) monitorHealth(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := b.ping(ctx)
			if ctx.Err() != nil {
				return
			}
			healthy := err == nil
			if b.available.Swap(healthy) != healthy {
				if healthy {
					b.logger.Info("Redis is available again")
				} else {
					b.logger.Error("Redis became unavailable", "error", err)
				}
			}
		}
	}
}

func (b *Backend) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	return b.client.Ping(ctx).Err()
}
