package devicelogs

import (
	"fmt"
	"time"
)

const (
	// MaxLogsPerBatch bounds the number of entries a supervisor may submit in one request
	MaxLogsPerBatch = 10
	// DefaultRetentionLimit is the number of lines kept per device unless configured otherwise
	DefaultRetentionLimit = 1000
	// NDJSONContentType is the content type of streamed log responses and stream ingestion
	NDJSONContentType = "application/x-ndjson"
)

// DeviceID identifies a device in the resource model.
type DeviceID int64

// LogContext identifies the log stream of one device and its retention policy.
// It is built by the authorization boundary and is immutable for the lifetime of a request.
type LogContext struct {
	ID             DeviceID
	UUID           string
	RetentionLimit int
}

func (lc LogContext) String() string {
	return fmt.Sprintf("device %d (%s)", lc.ID, lc.UUID)
}

// InternalLog is a log line as produced by ingestion, before any backend specific serialization.
// NanoTimestamp is never exposed to readers, it only orders lines that share a millisecond.
type InternalLog struct {
	NanoTimestamp uint64 `json:"nanoTimestamp"`
	CreatedAt     int64  `json:"createdAt"`
	Timestamp     int64  `json:"timestamp"`
	IsSystem      bool   `json:"isSystem"`
	IsStdErr      bool   `json:"isStdErr"`
	ServiceID     *int64 `json:"serviceId,omitempty"`
	Message       string `json:"message"`
}

// OutputLog is the representation served by history reads and streams.
type OutputLog struct {
	CreatedAt int64  `json:"createdAt"`
	Timestamp int64  `json:"timestamp"`
	IsSystem  bool   `json:"isSystem"`
	IsStdErr  bool   `json:"isStdErr"`
	ServiceID *int64 `json:"serviceId,omitempty"`
	Message   string `json:"message"`
}

// Output strips the fields that are internal to storage.
func (l InternalLog) Output() OutputLog {
	return OutputLog{
		CreatedAt: l.CreatedAt,
		Timestamp: l.Timestamp,
		IsSystem:  l.IsSystem,
		IsStdErr:  l.IsStdErr,
		ServiceID: l.ServiceID,
		Message:   l.Message,
	}
}

// SystemLog builds a server generated line, e.g. a warning injected into a stream.
func SystemLog(message string, now time.Time) OutputLog {
	ms := now.UnixMilli()
	return OutputLog{
		CreatedAt: ms,
		Timestamp: ms,
		IsSystem:  true,
		IsStdErr:  true,
		Message:   message,
	}
}
