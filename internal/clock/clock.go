// Package clock keeps per-side remaining time from wall-clock deltas.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/park285/relaychess/internal/domain"
)

// Checkpoint is an externally supplied reading both sides agree on.
type Checkpoint struct {
	White time.Duration
	Black time.Duration
	Turn  domain.Color
	At    time.Time
}

// Clock only runs down the side to move. A zero time control disables it.
type Clock struct {
	mu        sync.Mutex
	tc        domain.TimeControl
	white     time.Duration
	black     time.Duration
	turn      domain.Color
	running   bool
	last      time.Time
	fired     map[domain.Color]bool
	onTimeout func(domain.Color)
}

func New(tc domain.TimeControl, onTimeout func(domain.Color)) *Clock {
	initial := time.Duration(tc.InitialSeconds) * time.Second
	return &Clock{
		tc:        tc,
		white:     initial,
		black:     initial,
		turn:      domain.White,
		fired:     make(map[domain.Color]bool, 2),
		onTimeout: onTimeout,
	}
}

func (c *Clock) Untimed() bool { return c.tc.Untimed() }

func (c *Clock) Start(turn domain.Color, now time.Time) {
	if c.Untimed() {
		return
	}
	c.mu.Lock()
	c.turn = turn
	c.last = now
	c.running = true
	c.mu.Unlock()
}

// Tick charges the side to move for the time since the previous sample.
func (c *Clock) Tick(now time.Time) {
	if c.Untimed() {
		return
	}
	c.mu.Lock()
	flagged := c.advance(now)
	c.mu.Unlock()
	c.notify(flagged)
}

// Flip ends the mover's turn: charge elapsed time, credit the increment to
// the mover, hand the move to the opponent.
func (c *Clock) Flip(now time.Time) {
	if c.Untimed() {
		return
	}
	c.mu.Lock()
	flagged := c.advance(now)
	if !c.fired[c.turn] {
		*c.side(c.turn) += time.Duration(c.tc.IncrementSeconds) * time.Second
	}
	c.turn = c.turn.Opponent()
	c.last = now
	c.mu.Unlock()
	c.notify(flagged)
}

// Sync replaces local readings with a checkpoint. A side with time left is
// re-armed for a later timeout.
func (c *Clock) Sync(cp Checkpoint) {
	if c.Untimed() {
		return
	}
	c.mu.Lock()
	c.white, c.black = clampZero(cp.White), clampZero(cp.Black)
	if cp.Turn != "" {
		c.turn = cp.Turn
	}
	c.last = cp.At
	c.fired[domain.White] = c.white == 0
	c.fired[domain.Black] = c.black == 0
	c.mu.Unlock()
}

// Stop charges the final delta and freezes both sides.
func (c *Clock) Stop(now time.Time) {
	if c.Untimed() {
		return
	}
	c.mu.Lock()
	flagged := c.advance(now)
	c.running = false
	c.mu.Unlock()
	c.notify(flagged)
}

func (c *Clock) Remaining(color domain.Color) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.side(color)
}

func (c *Clock) Turn() domain.Color {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Run ticks every interval until ctx is done.
func (c *Clock) Run(ctx context.Context, interval time.Duration) {
	if c.Untimed() {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.Tick(now)
		}
	}
}

func (c *Clock) side(color domain.Color) *time.Duration {
	if color == domain.Black {
		return &c.black
	}
	return &c.white
}

// advance must be called with mu held. It returns the side that just
// crossed zero, or "".
func (c *Clock) advance(now time.Time) domain.Color {
	if !c.running {
		return ""
	}
	elapsed := now.Sub(c.last)
	if elapsed <= 0 {
		if elapsed < 0 {
			c.last = now
		}
		return ""
	}
	c.last = now
	rem := c.side(c.turn)
	if *rem <= 0 {
		return ""
	}
	*rem -= elapsed
	if *rem > 0 {
		return ""
	}
	*rem = 0
	if c.fired[c.turn] {
		return ""
	}
	c.fired[c.turn] = true
	return c.turn
}

func (c *Clock) notify(flagged domain.Color) {
	if flagged != "" && c.onTimeout != nil {
		c.onTimeout(flagged)
	}
}

func clampZero(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
