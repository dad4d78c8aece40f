package devicelogs

import "errors"

var (
	// ErrServiceUnavailable is returned when the backend connections are unhealthy.
	// Callers retry with their own policy.
	ErrServiceUnavailable = errors.New("logs backend unavailable")
	// ErrBatchTooLarge is returned when a supervisor batch exceeds MaxLogsPerBatch
	ErrBatchTooLarge = errors.New("log batch too large")
	// ErrMalformedLogEntry is returned when an entry does not match the expected shape
	ErrMalformedLogEntry = errors.New("malformed log entry")
	// ErrBackendEncoding is returned when a record cannot be encoded for storage
	ErrBackendEncoding = errors.New("encoding log for storage")
	// ErrUnknownSubscription is returned when unsubscribing a subscription the backend does not hold
	ErrUnknownSubscription = errors.New("unknown subscription")
)

// IsClientError reports whether err was caused by the submitted payload rather than the service.
func IsClientError(err error) bool {
	return errors.Is(err, ErrBatchTooLarge) || errors.Is(err, ErrMalformedLogEntry)
}
