// Package stream fans recorded audit entries out to live subscribers,
// which back the SSE feed on the admin API.
package stream

import (
	"context"
	"sync"

	"authgate.io/internal/audit"
)

// Stream delivers every published entry to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan *audit.Entry
	next int
}

var _ audit.Publisher = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan *audit.Entry)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// entries. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan *audit.Entry {
	ch := make(chan *audit.Entry, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the entry out to all subscribers.
func (s *Stream) Publish(entry *audit.Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- entry:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the current subscriber count.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
