package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/ls1intum/devicelogs/shared/devicelogs"
	"github.com/ls1intum/devicelogs/shared/utils"
)

// TaskMirror is the asynq task type carrying a batch for the secondary backend.
const TaskMirror = "devicelogs:mirror"

// InlineMirror publishes to the secondary backend from a background goroutine.
type InlineMirror struct {
	backend devicelogs.Backend
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewInlineMirror(backend devicelogs.Backend, timeout time.Duration) *InlineMirror {
	return &InlineMirror{
		backend: backend,
		timeout: timeout,
		logger:  utils.ComponentLogger("inline-mirror"),
	}
}

func (m *InlineMirror) Mirror(ctx context.Context, lc devicelogs.LogContext, logs []devicelogs.InternalLog) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		if err := m.backend.Publish(ctx, lc, logs); err != nil {
			m.logger.Warn("Failed to mirror logs", "device_id", lc.ID, "entries", len(logs), "error", err)
		}
	}()
}

// Wait blocks until every started mirror write finished.
func (m *InlineMirror) Wait() {
	m.wg.Wait()
}

type mirrorPayload struct {
	DeviceID       int64                    `json:"deviceId"`
	UUID           string                   `json:"uuid"`
	RetentionLimit int                      `json:"retentionLimit"`
	Logs           []devicelogs.InternalLog `json:"logs"`
}

// NewMirrorTask wraps a batch into an asynq task.
func NewMirrorTask(lc devicelogs.LogContext, logs []devicelogs.InternalLog) (*asynq.Task, error) {
	data, err := json.Marshal(mirrorPayload{
		DeviceID:       int64(lc.ID),
		UUID:           lc.UUID,
		RetentionLimit: lc.RetentionLimit,
		Logs:           logs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling mirror task for device %d: %w", lc.ID, err)
	}
	return asynq.NewTask(TaskMirror, data), nil
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueMirror enqueues batches for a MirrorWorker.
type QueueMirror struct {
	client  enqueuer
	opts    []asynq.Option
	timeout time.Duration
	logger  *slog.Logger
}

func NewQueueMirror(client *asynq.Client, cfg Config) *QueueMirror {
	return newQueueMirror(client, cfg)
}

func newQueueMirror(client enqueuer, cfg Config) *QueueMirror {
	return &QueueMirror{
		client: client,
		opts: []asynq.Option{
			asynq.Queue(cfg.MirrorQueue),
			asynq.MaxRetry(cfg.MirrorMaxRetry),
			asynq.Timeout(cfg.MirrorTimeout),
		},
		timeout: cfg.MirrorTimeout,
		logger:  utils.ComponentLogger("queue-mirror"),
	}
}

func (m *QueueMirror) Mirror(ctx context.Context, lc devicelogs.LogContext, logs []devicelogs.InternalLog) {
	task, err := NewMirrorTask(lc, logs)
	if err != nil {
		m.logger.Error("Failed to build mirror task", "device_id", lc.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	info, err := m.client.EnqueueContext(ctx, task, m.opts...)
	if err != nil {
		m.logger.Warn("Failed to enqueue mirror task", "device_id", lc.ID, "entries", len(logs), "error", err)
		return
	}
	m.logger.Debug("Enqueued mirror task", "device_id", lc.ID, "task_id", info.ID, "queue", info.Queue)
}

// MirrorHandler publishes queued batches into the secondary backend.
type MirrorHandler struct {
	backend devicelogs.Backend
}

func NewMirrorHandler(backend devicelogs.Backend) *MirrorHandler {
	return &MirrorHandler{backend: backend}
}

func (h *MirrorHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload mirrorPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshaling mirror task: %v: %w", err, asynq.SkipRetry)
	}

	lc := devicelogs.LogContext{
		ID:             devicelogs.DeviceID(payload.DeviceID),
		UUID:           payload.UUID,
		RetentionLimit: payload.RetentionLimit,
	}
	err := h.backend.Publish(ctx, lc, payload.Logs)
	if errors.Is(err, devicelogs.ErrBackendEncoding) {
		return fmt.Errorf("mirroring logs of device %d: %v: %w", lc.ID, err, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("mirroring logs of device %d: %w", lc.ID, err)
	}
	return nil
}

// MirrorWorker runs an asynq server processing mirror tasks.
type MirrorWorker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewMirrorWorker(redisOpt asynq.RedisConnOpt, cfg Config, handler *MirrorHandler) *MirrorWorker {
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.MirrorConcurrency,
		Queues:      map[string]int{cfg.MirrorQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			slog.Warn("Mirror task failed", "task_type", task.Type(), "error", err)
		}),
	})
	mux := asynq.NewServeMux()
	mux.Handle(TaskMirror, handler)
	return &MirrorWorker{server: server, mux: mux}
}

// Start begins processing in background goroutines.
func (w *MirrorWorker) Start() error {
	return w.server.Start(w.mux)
}

func (w *MirrorWorker) Shutdown() {
	w.server.Shutdown()
}
