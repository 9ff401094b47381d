package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool fans every call out to several relays. Publish succeeds when any relay
// accepts; queries merge and de-duplicate by id.
type Pool struct {
	relays []Relay
	logger *zap.Logger
}

func NewPool(logger *zap.Logger, relays ...Relay) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{relays: relays, logger: logger}
}

func (p *Pool) Publish(ctx context.Context, ev nostr.Event) error {
	if len(p.relays) == 0 {
		return ErrNotConnected
	}
	errs := make([]error, len(p.relays))
	var g errgroup.Group
	for i, r := range p.relays {
		g.Go(func() error {
			errs[i] = r.Publish(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		}
	}
	if accepted == 0 {
		return fmt.Errorf("publish %s: %w", ev.ID, errors.Join(errs...))
	}
	if accepted < len(p.relays) {
		p.logger.Warn("relay_pool_partial_publish", zap.String("event_id", ev.ID), zap.Int("accepted", accepted), zap.Int("relays", len(p.relays)))
	}
	return nil
}

func (p *Pool) Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error) {
	if len(p.relays) == 0 {
		return nil, ErrNotConnected
	}
	results := make([][]nostr.Event, len(p.relays))
	errs := make([]error, len(p.relays))
	var g errgroup.Group
	for i, r := range p.relays {
		g.Go(func() error {
			results[i], errs[i] = r.Query(ctx, filter)
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{})
	var merged []nostr.Event
	failed := 0
	for i := range p.relays {
		if errs[i] != nil {
			failed++
			p.logger.Debug("relay_pool_query_failed", zap.Error(errs[i]))
			continue
		}
		for _, ev := range results[i] {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			merged = append(merged, ev)
		}
	}
	if failed == len(p.relays) {
		return nil, fmt.Errorf("query: %w", errors.Join(errs...))
	}
	return sortNewest(merged, filter.Limit), nil
}

// Subscribe merges every relay's subscription. The merged subscription ends
// when all inner ones have ended.
func (p *Pool) Subscribe(ctx context.Context, filter nostr.Filter) (*Subscription, error) {
	var inner []*Subscription
	var errs []error
	for _, r := range p.relays {
		s, err := r.Subscribe(ctx, filter)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		inner = append(inner, s)
	}
	if len(inner) == 0 {
		if len(errs) == 0 {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("subscribe: %w", errors.Join(errs...))
	}

	merged := newSubscription(ctx, func() {
		for _, s := range inner {
			s.Close()
		}
	})
	var mu sync.Mutex
	seen := make(map[string]struct{})
	var g errgroup.Group
	for _, s := range inner {
		g.Go(func() error {
			for ev := range s.Events {
				mu.Lock()
				_, dup := seen[ev.ID]
				seen[ev.ID] = struct{}{}
				mu.Unlock()
				if !dup {
					merged.offer(ev)
				}
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		merged.end()
	}()
	return merged, nil
}
