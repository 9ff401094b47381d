// Package live merges a push subscription and a periodic poll into one
// stream of projected game states.
package live

import (
	"context"
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/domain"
	"github.com/park285/relaychess/internal/event"
	"github.com/park285/relaychess/internal/relay"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval = 10 * time.Second
	minBackoff          = 250 * time.Millisecond
	maxBackoff          = 30 * time.Second
)

// Source is the read side of a relay.
type Source interface {
	Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error)
	Subscribe(ctx context.Context, filter nostr.Filter) (*relay.Subscription, error)
}

type Projector interface {
	Project(id string, events []nostr.Event) (domain.GameState, error)
}

// Channel runs the producers and the merge stage for one game at a time per Watch call.
type Channel struct {
	src          Source
	proj         Projector
	logger       *zap.Logger
	pollInterval time.Duration
	backoff      time.Duration
	push         bool
	pull         bool
	known        func(id string) string
}

type Option func(*Channel)

func WithPollInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithResubscribeBackoff sets the first delay before resubscribing after a drop.
func WithResubscribeBackoff(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.backoff = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithKnownText supplies the notation the local client already shows, so
// echoes of its own snapshots are not delivered.
func WithKnownText(fn func(id string) string) Option {
	return func(c *Channel) { c.known = fn }
}

func WithoutPush() Option { return func(c *Channel) { c.push = false } }
func WithoutPull() Option { return func(c *Channel) { c.pull = false } }

func New(src Source, proj Projector, opts ...Option) *Channel {
	c := &Channel{
		src:          src,
		proj:         proj,
		logger:       zap.NewNop(),
		pollInterval: DefaultPollInterval,
		backoff:      minBackoff,
		push:         true,
		pull:         true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Watch delivers projected states for id until ctx is cancelled. deliver is
// called from a single goroutine.
func (c *Channel) Watch(ctx context.Context, id string, deliver func(domain.GameState)) error {
	if !c.push && !c.pull {
		return domain.E(domain.KindInvalidArgument, "live.watch", "no update source enabled")
	}
	batches := make(chan []nostr.Event, 16)
	g, gctx := errgroup.WithContext(ctx)
	if c.push {
		g.Go(func() error { return c.pushLoop(gctx, id, batches) })
	}
	if c.pull {
		g.Go(func() error { return c.pullLoop(gctx, id, batches) })
	}
	g.Go(func() error { return c.merge(gctx, id, batches, deliver) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func send(ctx context.Context, out chan<- []nostr.Event, batch []nostr.Event) error {
	if len(batch) == 0 {
		return nil
	}
	select {
	case out <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pushLoop keeps a subscription open, resubscribing with backoff whenever
// it drops. Each (re)subscribe is followed by one query to cover the gap.
func (c *Channel) pushLoop(ctx context.Context, id string, out chan<- []nostr.Event) error {
	filter := event.GameFilter(id)
	delay := c.backoff
	for {
		sub, err := c.src.Subscribe(ctx, filter)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("live_subscribe_failed", zap.String("game_id", id), zap.Duration("retry_in", delay), zap.Error(err))
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			delay = nextBackoff(delay)
			continue
		}
		if evs, qerr := c.src.Query(ctx, filter); qerr == nil {
			if err := send(ctx, out, evs); err != nil {
				sub.Close()
				return err
			}
		}
		err = c.drain(ctx, sub, out, &delay)
		sub.Close()
		if err != nil {
			return err
		}
		c.logger.Info("live_push_dropped", zap.String("game_id", id), zap.Duration("retry_in", delay))
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay = nextBackoff(delay)
	}
}

// drain forwards subscription events until the subscription ends. It returns
// nil on a drop and the context error on cancellation.
func (c *Channel) drain(ctx context.Context, sub *relay.Subscription, out chan<- []nostr.Event, delay *time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events:
			if !ok {
				return ctx.Err()
			}
			*delay = c.backoff
			if err := send(ctx, out, []nostr.Event{ev}); err != nil {
				return err
			}
		}
	}
}

func (c *Channel) pullLoop(ctx context.Context, id string, out chan<- []nostr.Event) error {
	filter := event.GameFilter(id)
	t := time.NewTicker(c.pollInterval)
	defer t.Stop()
	for {
		evs, err := c.src.Query(ctx, filter)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			c.logger.Warn("live_poll_failed", zap.String("game_id", id), zap.Error(err))
		default:
			if err := send(ctx, out, evs); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// merge accumulates every event seen for id and re-projects on anything new.
func (c *Channel) merge(ctx context.Context, id string, in <-chan []nostr.Event, deliver func(domain.GameState)) error {
	seen := make(map[string]struct{})
	var all []nostr.Event
	last := ""
	for {
		var batch []nostr.Event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch = <-in:
		}
		added := 0
		for _, ev := range batch {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			all = append(all, ev)
			added++
		}
		if added == 0 {
			continue
		}
		st, err := c.proj.Project(id, all)
		if err != nil {
			if domain.KindOf(err) != domain.KindNotFound {
				c.logger.Warn("live_project_failed", zap.String("game_id", id), zap.Error(err))
			}
			continue
		}
		if st.Notation == last {
			continue
		}
		last = st.Notation
		if c.known != nil && c.known(id) == st.Notation {
			continue
		}
		deliver(st)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
