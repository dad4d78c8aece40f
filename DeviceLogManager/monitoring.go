package main

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

type MirrorQueueState struct {
	Queue     string `json:"queue"`
	Size      int    `json:"size"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	LatencyMs int64  `json:"latency_ms"`
}

// MirrorQueueMonitor reports the backlog of the queue feeding the secondary backend.
type MirrorQueueMonitor struct {
	inspector *asynq.Inspector
	queue     string
}

func NewMirrorQueueMonitor(redisOpt asynq.RedisConnOpt, queue string) *MirrorQueueMonitor {
	return &MirrorQueueMonitor{inspector: asynq.NewInspector(redisOpt), queue: queue}
}

func (m *MirrorQueueMonitor) GetQueueState() (MirrorQueueState, error) {
	info, err := m.inspector.GetQueueInfo(m.queue)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		// Nothing was enqueued yet
		return MirrorQueueState{Queue: m.queue}, nil
	}
	if err != nil {
		return MirrorQueueState{}, err
	}
	return MirrorQueueState{
		Queue:     info.Queue,
		Size:      info.Size,
		Pending:   info.Pending,
		Active:    info.Active,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Processed: info.Processed,
		Failed:    info.Failed,
		LatencyMs: info.Latency.Milliseconds(),
	}, nil
}

func (m *MirrorQueueMonitor) handler(c *gin.Context) {
	state, err := m.GetQueueState()
	if err != nil {
		slog.Error("Failed to inspect mirror queue", "queue", m.queue, "error", err)
		c.String(http.StatusInternalServerError, "Failed to inspect mirror queue")
		return
	}
	c.JSON(http.StatusOK, state)
}

func (m *MirrorQueueMonitor) Close() error {
	return m.inspector.Close()
}
