package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ls1intum/devicelogs/shared/devicelogs"
	"github.com/ls1intum/devicelogs/shared/stream"
	"github.com/ls1intum/devicelogs/shared/supervisor"
	"github.com/ls1intum/devicelogs/shared/utils"
)

// LogBackend is the backend the endpoints read and write through.
type LogBackend interface {
	devicelogs.Backend
	WriteAvailable() bool
}

type ServerConfig struct {
	MaxBodySize              utils.ByteSize
	DefaultHistoryCount      int
	DefaultSubscriptionCount int
	Stream                   stream.Options
}

// Server holds the collaborators of the log endpoints.
type Server struct {
	backend   LogBackend
	converter *supervisor.Converter
	ingester  *supervisor.StreamIngester
	auth      Authorizer
	cfg       ServerConfig
	logger    *slog.Logger
}

func NewServer(backend LogBackend, converter *supervisor.Converter, ingester *supervisor.StreamIngester, auth Authorizer, cfg ServerConfig) *Server {
	return &Server{
		backend:   backend,
		converter: converter,
		ingester:  ingester,
		auth:      auth,
		cfg:       cfg,
		logger:    utils.ComponentLogger("api"),
	}
}

func ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

func (s *Server) health(c *gin.Context) {
	read, write := s.backend.Available(), s.backend.WriteAvailable()
	status := http.StatusOK
	if !read || !write {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"read": read, "write": write})
}

func (s *Server) authorize(c *gin.Context) (devicelogs.LogContext, bool) {
	lc, err := s.auth.Authorize(c, c.Param("uuid"))
	if err != nil {
		if errors.Is(err, ErrUnknownDevice) {
			c.String(http.StatusNotFound, "Device not found")
		} else {
			s.logger.Error("Failed to authorize device", "uuid", c.Param("uuid"), "error", err)
			c.String(http.StatusInternalServerError, "Failed to authorize device")
		}
		return devicelogs.LogContext{}, false
	}
	return lc, true
}

// StoreLogs accepts a JSON array batch, or an NDJSON stream of single entries.
func (s *Server) StoreLogs(c *gin.Context) {
	lc, ok := s.authorize(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if isNDJSON(c.GetHeader("Content-Type")) {
		if err := s.ingester.Ingest(ctx, lc, c.Request.Body); err != nil {
			s.writeError(c, lc, err)
			return
		}
		c.Status(http.StatusCreated)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, int64(s.cfg.MaxBodySize)))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.String(http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		c.String(http.StatusBadRequest, "Failed to read body")
		return
	}

	logs, err := s.converter.ParseBatch(body)
	if err != nil {
		s.writeError(c, lc, err)
		return
	}
	if len(logs) > 0 {
		if err := s.backend.Publish(ctx, lc, logs); err != nil {
			s.writeError(c, lc, err)
			return
		}
	}
	c.Status(http.StatusCreated)
}

// ReadLogs returns history, or streams when stream=1.
func (s *Server) ReadLogs(c *gin.Context) {
	lc, ok := s.authorize(c)
	if !ok {
		return
	}

	if c.Query("stream") == "1" {
		s.streamLogs(c, lc)
		return
	}

	count, err := parseCount(c.Query("count"), s.cfg.DefaultHistoryCount)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	start, err := parseStart(c.Query("start"))
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	logs, err := s.backend.History(c.Request.Context(), lc, devicelogs.HistoryOptions{Count: count, Start: start})
	if err != nil {
		s.writeError(c, lc, err)
		return
	}
	if logs == nil {
		logs = []devicelogs.OutputLog{}
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) streamLogs(c *gin.Context, lc devicelogs.LogContext) {
	count, err := parseCount(c.Query("count"), s.cfg.DefaultSubscriptionCount)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if !s.backend.Available() {
		s.writeError(c, lc, devicelogs.ErrServiceUnavailable)
		return
	}

	c.Header("Content-Type", devicelogs.NDJSONContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ctx := c.Request.Context()
	transport := stream.NewResponseTransport(ctx, c.Writer, s.cfg.Stream.HighWaterMark)
	defer transport.Close()

	session := stream.NewSession(s.backend, lc, count, transport, s.cfg.Stream)
	if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		utils.DeviceLogger(int64(lc.ID)).Warn("Streaming session ended with error", "session_id", session.ID, "error", err)
	}
}

func (s *Server) writeError(c *gin.Context, lc devicelogs.LogContext, err error) {
	switch {
	case errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil:
		// the client went away
		utils.DeviceLogger(int64(lc.ID)).Debug("Client closed the request", "error", err)
		c.Abort()
	case devicelogs.IsClientError(err):
		c.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, devicelogs.ErrServiceUnavailable):
		c.String(http.StatusServiceUnavailable, "Service unavailable")
	default:
		utils.DeviceLogger(int64(lc.ID)).Error("Failed to process device logs", "error", err)
		c.String(http.StatusInternalServerError, "Failed to process device logs")
	}
}

func isNDJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == devicelogs.NDJSONContentType
}

// parseCount accepts a non-negative integer or "all".
func parseCount(raw string, fallback int) (int, error) {
	switch raw {
	case "":
		return fallback, nil
	case "all":
		return devicelogs.Unbounded, nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return 0, fmt.Errorf("invalid count: %q", raw)
	}
	return count, nil
}

// parseStart accepts unix milliseconds or an RFC 3339 timestamp.
func parseStart(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("invalid start: %q", raw)
	}
	return t.UnixMilli(), nil
}
