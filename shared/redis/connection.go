package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ls1intum/devicelogs/shared/utils"
	goredis "github.com/redis/go-redis/v9"
)

const (
	redisDialTimeout = 5 * time.Second
	redisPingTimeout = 2 * time.Second
)

// Options configures the Redis log backend.
type Options struct {
	KeyTTL                    time.Duration `env:"LOGS_REDIS_KEY_TTL" envDefault:"168h"`
	PresenceTTL               time.Duration `env:"LOGS_PRESENCE_TTL" envDefault:"60s"`
	PresenceHeartbeatInterval time.Duration `env:"LOGS_PRESENCE_HEARTBEAT_INTERVAL" envDefault:"20s"`
	HealthCheckInterval       time.Duration `env:"REDIS_HEALTH_CHECK_INTERVAL" envDefault:"5s"`
	Compression               string        `env:"LOGS_COMPRESSION" envDefault:"none"`
	SubscriptionBuffer        int           `env:"LOGS_SUBSCRIPTION_BUFFER" envDefault:"1024"`
}

func (o Options) Validate() error {
	if o.KeyTTL < time.Second {
		return errors.New("LOGS_REDIS_KEY_TTL must be at least one second")
	}
	if o.PresenceHeartbeatInterval <= 0 || o.HealthCheckInterval <= 0 {
		return errors.New("presence heartbeat and health check intervals must be positive")
	}
	if o.PresenceTTL <= o.PresenceHeartbeatInterval {
		return fmt.Errorf("LOGS_PRESENCE_TTL (%s) must exceed LOGS_PRESENCE_HEARTBEAT_INTERVAL (%s)",
			o.PresenceTTL, o.PresenceHeartbeatInterval)
	}
	if _, err := ParseCompression(o.Compression); err != nil {
		return err
	}
	return nil
}

// SetupRedisConnection creates a Redis client and verifies it with a ping.
func SetupRedisConnection(ctx context.Context, config utils.RedisConfig) (*goredis.Client, error) {
	opts := &goredis.Options{
		Addr:        config.Addr,
		Password:    config.Pwd,
		DB:          config.DB,
		DialTimeout: redisDialTimeout,
	}
	if config.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", config.Addr, "error", err)
		_ = client.Close()
		return nil, err
	}

	slog.Info("Connected to Redis server", "addr", config.Addr)
	return client, nil
}

func seconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
