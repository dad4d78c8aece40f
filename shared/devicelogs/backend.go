package devicelogs

import "context"

// Unbounded requests the whole retained window from History.
const Unbounded = -1

// HistoryOptions selects which retained lines History returns.
type HistoryOptions struct {
	// Count is the maximum number of most recent lines, or Unbounded.
	Count int
	// Start filters out lines created before this unix millisecond timestamp when non-zero.
	Start int64
}

// Limit returns how many lines may be returned for lc, never more than its retention limit.
func (o HistoryOptions) Limit(lc LogContext) int {
	if o.Count < 0 || o.Count > lc.RetentionLimit {
		return lc.RetentionLimit
	}
	return o.Count
}

// Backend stores device logs and fans them out to live subscribers.
// Implementations must fail History and Publish with ErrServiceUnavailable while Available is false.
type Backend interface {
	// History returns up to opts.Count most recent lines in ascending time order.
	History(ctx context.Context, lc LogContext, opts HistoryOptions) ([]OutputLog, error)
	// Publish appends logs, trims the device log to its retention limit and notifies
	// live subscribers, as one step from the point of view of a subscriber.
	Publish(ctx context.Context, lc LogContext, logs []InternalLog) error
	// Subscribe registers a live listener. Every Subscribe must be paired with one Unsubscribe.
	Subscribe(ctx context.Context, lc LogContext) (*Subscription, error)
	// Unsubscribe deregisters sub and closes its channel.
	Unsubscribe(ctx context.Context, sub *Subscription) error
	// Available reports whether the underlying connections are healthy.
	Available() bool
}
