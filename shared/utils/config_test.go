package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"plain bytes", "512", 512},
		{"kilobytes uppercase", "4K", 4096},
		{"kilobytes lowercase", "4k", 4096},
		{"1 megabyte", "1M", 1048576},
		{"512 megabytes", "512m", 536870912},
		{"2 gigabytes", "2G", 2147483648},
		{"zero", "0M", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseByteSize_InvalidInput(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expectedErr string
	}{
		{"empty string", "", "invalid size format"},
		{"single unit character", "G", "invalid size format"},
		{"terabyte", "1T", "unsupported size unit"},
		{"invalid number", "abcM", "invalid size value"},
		{"negative value", "-5M", "size cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseByteSize(tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}

type testConfig struct {
	Limit    ByteSize      `env:"TEST_LIMIT" envDefault:"1K"`
	Interval time.Duration `env:"TEST_INTERVAL" envDefault:"5s"`
	Redis    RedisConfig
}

func (c testConfig) Validate() error {
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	return nil
}

func TestParseConfig_Defaults(t *testing.T) {
	var cfg testConfig
	require.NoError(t, ParseConfig(&cfg))

	assert.Equal(t, ByteSize(1024), cfg.Limit)
	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestParseConfig_FromEnvironment(t *testing.T) {
	t.Setenv("TEST_LIMIT", "2M")
	t.Setenv("REDIS_ADDR", "redis:6380")

	var cfg testConfig
	require.NoError(t, ParseConfig(&cfg))

	assert.Equal(t, ByteSize(2*1024*1024), cfg.Limit)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
}

func TestParseConfig_Invalid(t *testing.T) {
	t.Run("bad size", func(t *testing.T) {
		t.Setenv("TEST_LIMIT", "12X")
		var cfg testConfig
		assert.Error(t, ParseConfig(&cfg))
	})

	t.Run("validation fails", func(t *testing.T) {
		t.Setenv("TEST_INTERVAL", "-1s")
		var cfg testConfig
		err := ParseConfig(&cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "interval must be positive")
	})
}
