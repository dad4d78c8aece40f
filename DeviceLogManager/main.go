package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/ls1intum/devicelogs/shared/devicelogs"
	lognats "github.com/ls1intum/devicelogs/shared/nats"
	"github.com/ls1intum/devicelogs/shared/redis"
	"github.com/ls1intum/devicelogs/shared/router"
	"github.com/ls1intum/devicelogs/shared/stream"
	"github.com/ls1intum/devicelogs/shared/supervisor"
	"github.com/ls1intum/devicelogs/shared/utils"
)

type DeviceLogManagerConfig struct {
	APIPort                  string         `env:"API_PORT" envDefault:"8081"`
	AuthKey                  string         `env:"AUTH_KEY"`
	DeviceRegistry           string         `env:"DEVICE_REGISTRY"`
	MaxBodySize              utils.ByteSize `env:"LOGS_MAX_BODY_SIZE" envDefault:"1M"`
	DefaultRetentionLimit    int            `env:"LOGS_DEFAULT_RETENTION_LIMIT" envDefault:"1000"`
	DefaultHistoryCount      int            `env:"LOGS_DEFAULT_HISTORY_COUNT" envDefault:"1000"`
	DefaultSubscriptionCount int            `env:"LOGS_DEFAULT_SUBSCRIPTION_COUNT" envDefault:"1000"`
	ShutdownTimeout          time.Duration  `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	RedisConfig utils.RedisConfig
	NatsConfig  lognats.ConnectionConfig
	Log         utils.LogConfig
	Redis       redis.Options
	NatsStream  lognats.StreamOptions
	Stream      stream.Options
	Ingest      supervisor.StreamOptions
	Router      router.Config
}

func (c DeviceLogManagerConfig) Validate() error {
	if c.DefaultRetentionLimit < 0 {
		return errors.New("LOGS_DEFAULT_RETENTION_LIMIT must not be negative")
	}
	if c.DefaultHistoryCount < 0 || c.DefaultSubscriptionCount < 0 {
		return errors.New("default history and subscription counts must not be negative")
	}
	if c.MaxBodySize <= 0 {
		return errors.New("LOGS_MAX_BODY_SIZE must be positive")
	}
	return errors.Join(c.Redis.Validate(), c.Stream.Validate(), c.Router.Validate())
}

func main() {
	var cfg DeviceLogManagerConfig
	utils.LoadConfig(&cfg)

	closeLogging, err := utils.SetupLogging(cfg.Log)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLogging()

	if os.Getenv("DEBUG") != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("DeviceLogManager failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg DeviceLogManagerConfig) error {
	devices, err := ParseDeviceRegistry(cfg.DeviceRegistry)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		slog.Warn("Device registry is empty, every device request will be rejected")
	}

	redisClient, err := redis.SetupRedisConnection(ctx, cfg.RedisConfig)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	primary, err := redis.NewBackend(ctx, redisClient, cfg.Redis)
	if err != nil {
		return err
	}
	defer primary.Close()

	var (
		secondary devicelogs.Backend
		mirror    router.Mirror
		monitor   *MirrorQueueMonitor
	)
	if cfg.Router.SecondaryEnabled() {
		nc, err := lognats.SetupNatsConnection(cfg.NatsConfig)
		if err != nil {
			return err
		}
		defer nc.Close()

		natsBackend, err := lognats.NewBackend(ctx, nc, cfg.NatsStream)
		if err != nil {
			return err
		}
		defer natsBackend.Close()
		secondary = natsBackend

		var closeMirror func()
		mirror, closeMirror, err = setupMirror(cfg, natsBackend)
		if err != nil {
			return err
		}
		defer closeMirror()

		if cfg.Router.MirrorMode == router.MirrorQueue {
			monitor = NewMirrorQueueMonitor(asynqRedisOpt(cfg.RedisConfig), cfg.Router.MirrorQueue)
			defer monitor.Close()
		}
	}

	logs, err := router.New(primary, secondary, mirror, cfg.Router)
	if err != nil {
		return err
	}

	converter := supervisor.NewConverter(nil)
	server := NewServer(
		logs,
		converter,
		supervisor.NewStreamIngester(converter, logs, cfg.Ingest),
		NewStaticAuthorizer(devices, cfg.DefaultRetentionLimit),
		ServerConfig{
			MaxBodySize:              cfg.MaxBodySize,
			DefaultHistoryCount:      cfg.DefaultHistoryCount,
			DefaultSubscriptionCount: cfg.DefaultSubscriptionCount,
			Stream:                   cfg.Stream,
		},
	)

	srv := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: setupRouter(server, monitor, cfg.AuthKey),
		// Streaming sessions end with the process context instead of holding up Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting API server", "port", cfg.APIPort, "read_backend", cfg.Router.ReadBackend)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// setupMirror builds the mirror feeding the secondary backend. Queue mode runs the worker in
// the same process. The returned function waits for or stops pending mirroring.
func setupMirror(cfg DeviceLogManagerConfig, secondary devicelogs.Backend) (router.Mirror, func(), error) {
	if cfg.Router.MirrorMode == router.MirrorInline {
		inline := router.NewInlineMirror(secondary, cfg.Router.MirrorTimeout)
		return inline, inline.Wait, nil
	}

	redisOpt := asynqRedisOpt(cfg.RedisConfig)
	worker := router.NewMirrorWorker(redisOpt, cfg.Router, router.NewMirrorHandler(secondary))
	if err := worker.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting mirror worker: %w", err)
	}
	client := asynq.NewClient(redisOpt)
	closeMirror := func() {
		if err := client.Close(); err != nil {
			slog.Warn("Failed to close mirror queue client", "error", err)
		}
		worker.Shutdown()
	}
	return router.NewQueueMirror(client, cfg.Router), closeMirror, nil
}

func asynqRedisOpt(cfg utils.RedisConfig) asynq.RedisClientOpt {
	opt := asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Pwd,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opt
}
