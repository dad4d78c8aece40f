package nats

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/ls1intum/devicelogs/shared/utils"
	"github.com/nats-io/nats.go"
)

// ConnectionConfig holds NATS server connection configuration.
type ConnectionConfig struct {
	URL      string `env:"NATS_URL,notEmpty" envDefault:"nats://localhost:4222"`
	Username string `env:"NATS_USERNAME"`
	Password string `env:"NATS_PASSWORD"`
	TLS      bool   `env:"NATS_TLS_ENABLED" envDefault:"false"`
}

const (
	clientName     = "devicelogs"
	connectTimeout = 10 * time.Second
	reconnectWait  = 5 * time.Second
	// reconnect forever; writes to the secondary backend fail fast while disconnected
	maxReconnects = -1
)

// SetupNatsConnection connects to the NATS server holding the secondary log backend.
func SetupNatsConnection(config ConnectionConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(config.URL, connectionOptions(config, utils.ComponentLogger("nats"))...)
	if err != nil {
		slog.Error("Failed to connect to NATS", "url", config.URL, "error", err)
		return nil, err
	}

	slog.Info("Connected to NATS server", "url", nc.ConnectedUrlRedacted())
	return nc, nil
}

// connectionOptions reports availability changes of the secondary backend through logger.
func connectionOptions(config ConnectionConfig, logger *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(clientName),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				logger.Info("NATS connection closed")
				return
			}
			logger.Warn("NATS connection lost, secondary backend unavailable", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS server, secondary backend available",
				"url", nc.ConnectedUrlRedacted(), "reconnects", nc.Reconnects)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				logger.Error("NATS connection closed", "error", err)
				return
			}
			logger.Debug("NATS connection closed")
		}),
	}

	if config.Username != "" && config.Password != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}
	if config.TLS {
		opts = append(opts, nats.Secure(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	return opts
}
