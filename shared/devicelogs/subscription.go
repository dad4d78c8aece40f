package devicelogs

import (
	"log/slog"
	"sync"
)

const defaultSubscriptionBuffer = 1024

// Subscription is a live listener on the logs of one device. Lines are handed over on Logs,
// which is closed once the subscription is removed from its backend.
type Subscription struct {
	Context LogContext

	mu      sync.Mutex
	ch      chan OutputLog
	closed  bool
	dropped int
}

// NewSubscription creates a subscription whose channel buffers up to buffer lines.
func NewSubscription(lc LogContext, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &Subscription{
		Context: lc,
		ch:      make(chan OutputLog, buffer),
	}
}

// Logs returns the channel the backend delivers lines on.
func (s *Subscription) Logs() <-chan OutputLog {
	return s.ch
}

// deliver hands a line to the subscriber without blocking the fan-out.
func (s *Subscription) deliver(log OutputLog) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- log:
		return true
	default:
		s.dropped++
		return false
	}
}

// Dropped returns the number of lines lost on a full channel since the previous call.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := s.dropped
	s.dropped = 0
	return dropped
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.dropped > 0 {
		slog.Warn("Subscription dropped lines on a full channel",
			"device_id", s.Context.ID,
			"dropped", s.dropped)
	}
	close(s.ch)
}

// Listeners tracks the local subscriptions of a backend per device so that all listeners of
// one device share a single upstream attachment.
type Listeners struct {
	mu       sync.RWMutex
	byDevice map[DeviceID]map[*Subscription]struct{}
}

// NewListeners creates an empty listener registry.
func NewListeners() *Listeners {
	return &Listeners{byDevice: make(map[DeviceID]map[*Subscription]struct{})}
}

// Add registers sub and reports whether it is the first listener of its device.
func (l *Listeners) Add(sub *Subscription) (first bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := sub.Context.ID
	subs, ok := l.byDevice[id]
	if !ok {
		subs = make(map[*Subscription]struct{})
		l.byDevice[id] = subs
	}
	subs[sub] = struct{}{}
	return len(subs) == 1
}

// Remove deregisters and closes sub. It reports whether sub was registered and whether it
// was the last listener of its device.
func (l *Listeners) Remove(sub *Subscription) (found, last bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := sub.Context.ID
	subs, ok := l.byDevice[id]
	if !ok {
		return false, false
	}
	if _, ok := subs[sub]; !ok {
		return false, false
	}
	delete(subs, sub)
	sub.close()
	if len(subs) == 0 {
		delete(l.byDevice, id)
		return true, true
	}
	return true, false
}

// Dispatch delivers log to every listener of the device, in call order.
func (l *Listeners) Dispatch(id DeviceID, log OutputLog) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for sub := range l.byDevice[id] {
		sub.deliver(log)
	}
}

// Devices lists the devices that currently have at least one listener.
func (l *Listeners) Devices() []DeviceID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]DeviceID, 0, len(l.byDevice))
	for id := range l.byDevice {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of listeners of a device.
func (l *Listeners) Count(id DeviceID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byDevice[id])
}

// CloseAll removes and closes every listener.
func (l *Listeners) CloseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, subs := range l.byDevice {
		for sub := range subs {
			sub.close()
		}
		delete(l.byDevice, id)
	}
}
