package event

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"jobrelay/internal/logger"
)

// ListenerID identifies a registration for removal.
type ListenerID uint64

type entry[L any] struct {
	id       ListenerID
	listener L
}

// Listeners is a set of listeners safe for concurrent add, remove and fire.
// Firing iterates a snapshot taken under the lock, so listeners added or
// removed during a fire take effect on the next one.
type Listeners[L any] struct {
	mu      sync.RWMutex
	next    ListenerID
	entries []entry[L]
}

// Add registers l and returns its id.
func (s *Listeners[L]) Add(l L) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.entries = append(s.entries, entry[L]{id: s.next, listener: l})
	return s.next
}

// Remove unregisters id and reports whether it was present.
func (s *Listeners[L]) Remove(id ListenerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAll unregisters every listener.
func (s *Listeners[L]) RemoveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// Len returns the number of registered listeners.
func (s *Listeners[L]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns the listeners in registration order.
func (s *Listeners[L]) Snapshot() []L {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]L, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.listener
	}
	return out
}

// Fire calls deliver for every listener of the snapshot. A panicking
// listener is logged and does not stop delivery to the rest.
func (s *Listeners[L]) Fire(log *slog.Logger, deliver func(L)) {
	for _, l := range s.Snapshot() {
		safeDeliver(log, l, deliver)
	}
}

func safeDeliver[L any](log *slog.Logger, l L, deliver func(L)) {
	defer func() {
		if r := recover(); r != nil {
			logger.OrDefault(log).Error("event listener panicked",
				slog.String("listener", fmt.Sprintf("%T", l)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	deliver(l)
}
