// Package relay fans human-readable status events out to at most one
// observer (the desktop shell or an SSE client). Publishing never blocks.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type Category string

const (
	Info     Category = "info"
	Success  Category = "success"
	Warning  Category = "warning"
	Error    Category = "error"
	Download Category = "download"
	Progress Category = "progress"
)

// ErrSubscriberActive is returned by Subscribe while another observer is attached.
var ErrSubscriberActive = errors.New("relay already has an active subscriber")

type Event struct {
	Time     time.Time `json:"time"`
	Category Category  `json:"category"`
	Message  string    `json:"message"`
}

type Relay struct {
	mu      sync.Mutex
	sub     chan Event
	dropped atomic.Uint64
}

func New() *Relay {
	return &Relay{}
}

// Publish hands the event to the subscriber if there is one and it has room.
// Safe to call on a nil Relay.
func (r *Relay) Publish(category Category, message string) {
	if r == nil {
		return
	}
	ev := Event{Time: time.Now(), Category: category, Message: message}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return
	}
	select {
	case r.sub <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Publishf formats the message with fmt.Sprintf.
func (r *Relay) Publishf(category Category, format string, args ...any) {
	if r == nil {
		return
	}
	r.Publish(category, fmt.Sprintf(format, args...))
}

// Subscribe attaches the single observer. The returned cancel detaches it and
// closes the channel; it is safe to call more than once.
func (r *Relay) Subscribe(buffer int) (<-chan Event, func(), error) {
	if buffer < 1 {
		buffer = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil, nil, ErrSubscriberActive
	}
	ch := make(chan Event, buffer)
	r.sub = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.sub == ch {
				r.sub = nil
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// HasSubscriber reports whether an observer is attached.
func (r *Relay) HasSubscriber() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub != nil
}

// Dropped is the number of events discarded because the subscriber was slow.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}
