package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type RedisConfig struct {
	Addr string `env:"REDIS_ADDR,notEmpty" envDefault:"localhost:6379"`
	Pwd  string `env:"REDIS_PWD"`
	DB   int    `env:"REDIS_DB" envDefault:"0"`
	TLS  bool   `env:"REDIS_TLS_ENABLED" envDefault:"false"`
}

// Validator is implemented by configs with constraints spanning several fields.
type Validator interface {
	Validate() error
}

// ParseConfig fills cfg from the environment and validates it.
func ParseConfig(cfg interface{}) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing environment variables: %w", err)
	}
	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return nil
}

// LoadConfig reads an optional .env file, then fills cfg from the environment.
// It exits the process when the configuration is unusable.
func LoadConfig(cfg interface{}) {
	if isDebug := os.Getenv("DEBUG"); isDebug == "true" {
		log.SetLevel(log.DebugLevel)
		log.Warn("DEBUG MODE ENABLED")
	}

	err := godotenv.Load()
	if err != nil {
		log.WithError(err).Warn("Error loading .env file")
	}

	if err := ParseConfig(cfg); err != nil {
		log.WithError(err).Fatal("Error loading configuration")
	}

	log.Debug("Config loaded: ", cfg)
}

// ByteSize is a size in bytes that parses from values like "512K", "1M" or "2G".
type ByteSize int64

func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// ParseByteSize parses a non-negative size with an optional K, M or G suffix.
func ParseByteSize(limit string) (int64, error) {
	if limit == "" {
		return 0, fmt.Errorf("invalid size format: %q", limit)
	}

	number, multiplier := limit, int64(1)
	switch unit := strings.ToUpper(limit[len(limit)-1:]); {
	case unit >= "0" && unit <= "9":
	case len(limit) < 2:
		return 0, fmt.Errorf("invalid size format: %q", limit)
	case unit == "K":
		number, multiplier = limit[:len(limit)-1], 1024
	case unit == "M":
		number, multiplier = limit[:len(limit)-1], 1024*1024
	case unit == "G":
		number, multiplier = limit[:len(limit)-1], 1024*1024*1024
	default:
		return 0, fmt.Errorf("unsupported size unit: %s", unit)
	}

	value, err := strconv.ParseInt(number, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q: %w", number, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", limit)
	}
	return value * multiplier, nil
}
