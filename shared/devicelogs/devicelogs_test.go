package devicelogs

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternalLog_Output(t *testing.T) {
	serviceID := int64(7)
	internal := InternalLog{
		NanoTimestamp: 1700000000123456789,
		CreatedAt:     1700000000123,
		Timestamp:     1699999999000,
		IsSystem:      true,
		IsStdErr:      false,
		ServiceID:     &serviceID,
		Message:       "hello",
	}

	out := internal.Output()

	assert.Equal(t, OutputLog{
		CreatedAt: 1700000000123,
		Timestamp: 1699999999000,
		IsSystem:  true,
		ServiceID: &serviceID,
		Message:   "hello",
	}, out)
}

func TestOutputLog_JSONNeverExposesNanoTimestamp(t *testing.T) {
	internal := InternalLog{NanoTimestamp: 42, CreatedAt: 1, Timestamp: 2, Message: "m"}

	data, err := json.Marshal(internal.Output())
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.NotContains(t, fields, "nanoTimestamp")
	assert.NotContains(t, fields, "serviceId")
	assert.Equal(t, "m", fields["message"])
	assert.Equal(t, float64(1), fields["createdAt"])
}

func TestSystemLog(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	log := SystemLog("Warning", now)

	assert.True(t, log.IsSystem)
	assert.True(t, log.IsStdErr)
	assert.Equal(t, int64(1700000000000), log.CreatedAt)
	assert.Equal(t, log.CreatedAt, log.Timestamp)
}

func TestHistoryOptions_Limit(t *testing.T) {
	lc := LogContext{ID: 1, UUID: "abc", RetentionLimit: 100}
	tests := []struct {
		name     string
		count    int
		expected int
	}{
		{"unbounded uses retention", Unbounded, 100},
		{"below retention", 10, 10},
		{"above retention is capped", 500, 100},
		{"zero stays zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HistoryOptions{Count: tt.count}.Limit(lc))
		})
	}
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(ErrBatchTooLarge))
	assert.True(t, IsClientError(ErrMalformedLogEntry))
	assert.False(t, IsClientError(ErrServiceUnavailable))
	assert.False(t, IsClientError(ErrBackendEncoding))
}

func TestNanoClock_StrictlyIncreasing(t *testing.T) {
	frozen := time.Unix(1700000000, 0)
	clock := NewNanoClock(func() time.Time { return frozen })

	prev := clock.Next()
	for i := 0; i < 1000; i++ {
		next := clock.Next()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestNanoClock_ConcurrentCallersNeverCollide(t *testing.T) {
	clock := NewNanoClock(nil)
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[uint64]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, clock.Next())
			}
			mu.Lock()
			for _, ts := range local {
				seen[ts] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestNanoToMillis(t *testing.T) {
	assert.Equal(t, int64(1700000000123), NanoToMillis(1700000000123456789))
}
