package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/event"
)

type memorySub struct {
	filter nostr.Filter
	sub    *Subscription
}

// Memory is an in-process relay with the same acceptance rules as RedisStore.
type Memory struct {
	mu      sync.RWMutex
	events  map[string]nostr.Event
	address map[string]string
	subs    map[int]*memorySub
	nextSub int
}

func NewMemory() *Memory {
	return &Memory{
		events:  make(map[string]nostr.Event),
		address: make(map[string]string),
		subs:    make(map[int]*memorySub),
	}
}

func (m *Memory) Publish(ctx context.Context, ev nostr.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := event.Verify(&ev); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	m.mu.Lock()
	if _, dup := m.events[ev.ID]; dup {
		m.mu.Unlock()
		return nil
	}
	if key, ok := addressKey(&ev); ok {
		if oldID, exists := m.address[key]; exists {
			old := m.events[oldID]
			if event.Less(&ev, &old) {
				m.mu.Unlock()
				return nil
			}
			delete(m.events, oldID)
		}
		m.address[key] = ev.ID
	}
	m.events[ev.ID] = ev
	var targets []*Subscription
	for _, s := range m.subs {
		if s.filter.Matches(&ev) {
			targets = append(targets, s.sub)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		s.offer(ev)
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]nostr.Event, 0)
	for _, ev := range m.events {
		if filter.Matches(&ev) {
			out = append(out, ev)
		}
	}
	m.mu.RUnlock()
	return sortNewest(out, filter.Limit), nil
}

func (m *Memory) Subscribe(ctx context.Context, filter nostr.Filter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.mu.Unlock()

	sub := newSubscription(ctx, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	})

	m.mu.Lock()
	m.subs[id] = &memorySub{filter: filter, sub: sub}
	m.mu.Unlock()
	return sub, nil
}

// DropSubscriptions ends every live subscription as a transport drop would.
func (m *Memory) DropSubscriptions() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[int]*memorySub)
	m.mu.Unlock()
	for _, s := range subs {
		s.sub.end()
	}
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
