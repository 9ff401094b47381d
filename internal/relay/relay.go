// Package relay provides the publish / query / subscribe collaborator over
// NIP-01 websockets, a Redis-backed store and an in-process store.
package relay

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/event"
)

// Relay is the signed-event transport.
type Relay interface {
	Publish(ctx context.Context, ev nostr.Event) error
	Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error)
	Subscribe(ctx context.Context, filter nostr.Filter) (*Subscription, error)
}

var (
	ErrClosed       = errors.New("relay: closed")
	ErrNotConnected = errors.New("relay: not connected")
	ErrRejected     = errors.New("relay: event rejected")
)

const subscriptionBuffer = 256

// Subscription delivers matching events until Close, context cancellation or
// a transport drop; Events is closed in every case. Events offered while the
// buffer is full are dropped.
type Subscription struct {
	Events <-chan nostr.Event

	events  chan nostr.Event
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	once    sync.Once
	onClose func()
}

func newSubscription(ctx context.Context, onClose func()) *Subscription {
	ch := make(chan nostr.Event, subscriptionBuffer)
	s := &Subscription{Events: ch, events: ch, done: make(chan struct{}), onClose: onClose}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

// Close is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
		s.end()
	})
}

// Done is closed once Close has been called.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) offer(ev nostr.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// end closes Events without running onClose; used when the transport drops.
func (s *Subscription) end() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
}

// addressKey identifies the replaceable slot of an addressable event.
func addressKey(ev *nostr.Event) (string, bool) {
	if ev.Kind < 30000 || ev.Kind >= 40000 {
		return "", false
	}
	return ev.PubKey + ":" + strconv.Itoa(ev.Kind) + ":" + event.Identifier(ev), true
}

// sortNewest orders events newest first and applies the filter limit.
func sortNewest(events []nostr.Event, limit int) []nostr.Event {
	sort.Slice(events, func(i, j int) bool { return event.Less(&events[j], &events[i]) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}
