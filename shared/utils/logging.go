package utils

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/fluent/fluent-logger-golang/fluent"
	slogfluentd "github.com/samber/slog-fluentd/v2"
	slogmulti "github.com/samber/slog-multi"
)

type LogConfig struct {
	Level   string `env:"LOG_LEVEL" envDefault:"info"`
	Format  string `env:"LOG_FORMAT" envDefault:"text"`
	Fluentd FluentdOptions
}

type FluentdOptions struct {
	Addr     string `env:"FLUENTD_ADDR"`
	MaxRetry uint   `env:"FLUENTD_MAX_RETRY" envDefault:"3"`
	Tag      string `env:"FLUENTD_TAG" envDefault:"devicelogs"`
}

// GetFluentdClient connects to the fluentd forward input at opt.Addr.
func GetFluentdClient(opt FluentdOptions) (*fluent.Fluent, error) {
	host, port, err := net.SplitHostPort(opt.Addr)
	if err != nil {
		return nil, err
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return nil, err
	}
	return fluent.New(fluent.Config{
		FluentHost:    host,
		FluentPort:    portInt,
		FluentNetwork: "tcp",
		MaxRetry:      int(opt.MaxRetry),
	})
}

// SetupLogging installs the default slog logger described by cfg. When a fluentd address is
// configured, records are shipped there in addition to stderr. The returned function flushes
// and closes the fluentd client.
func SetupLogging(cfg LogConfig) (func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	handler, err := newConsoleHandler(os.Stderr, cfg.Format, level)
	if err != nil {
		return nil, err
	}

	closer := func() error { return nil }
	if cfg.Fluentd.Addr != "" {
		client, err := GetFluentdClient(cfg.Fluentd)
		if err != nil {
			return nil, fmt.Errorf("connecting to fluentd at %s: %w", cfg.Fluentd.Addr, err)
		}
		fluentdHandler := slogfluentd.Option{
			Level:  level,
			Client: client,
			Tag:    cfg.Fluentd.Tag,
		}.NewFluentdHandler()
		handler = slogmulti.Fanout(handler, fluentdHandler)
		closer = client.Close
	}

	slog.SetDefault(slog.New(handler))
	return closer, nil
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

func newConsoleHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format: %q", format)
	}
}

// Logger returns the default structured logger
func Logger() *slog.Logger {
	return slog.Default()
}

// LoggerWith creates a logger with predefined attributes
func LoggerWith(attrs ...slog.Attr) *slog.Logger {
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	return slog.Default().With(args...)
}

// DeviceLogger creates a logger with device_id attribute
func DeviceLogger(deviceID int64) *slog.Logger {
	return slog.Default().With(slog.Int64("device_id", deviceID))
}

// ComponentLogger creates a logger with component attribute
func ComponentLogger(component string) *slog.Logger {
	return slog.Default().With(slog.String("component", component))
}
