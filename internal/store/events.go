package store

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind classifies a storage event.
type EventKind int

const (
	// EventStored fires after a document is durably written.
	EventStored EventKind = iota
	// EventDeleted fires after at least one backend deleted a document.
	EventDeleted
	// EventAvailabilityChanged fires when a backend's availability flips.
	EventAvailabilityChanged
)

func (k EventKind) String() string {
	switch k {
	case EventStored:
		return "stored"
	case EventDeleted:
		return "deleted"
	default:
		return "availability-changed"
	}
}

// Event is one storage notification. Delivery is best-effort per
// subscriber: a subscriber that does not drain its channel loses
// events (logged), never blocks the storage path.
type Event struct {
	Kind         EventKind
	Domain       string
	Backend      string
	UID          string
	MimeType     string
	Availability Availability
	Time         time.Time
}

// subscribers is the router-owned subscriber list.
type subscribers struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]chan Event)}
}

// add registers a subscriber with the given channel buffer.
// The returned func cancels the subscription and closes the channel.
func (s *subscribers) add(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// publish delivers the event to every subscriber without blocking.
func (s *subscribers) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("storage event dropped: subscriber not draining",
				"kind", ev.Kind.String(), "uid", ev.UID)
		}
	}
}
