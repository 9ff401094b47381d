package game

import (
	"sync"
	"time"

	"github.com/park285/relaychess/internal/clock"
	"github.com/park285/relaychess/internal/domain"
)

// Timer drives a local clock from observed game states. A new move is
// charged to the mover up to the snapshot's timestamp, clamped between the
// previous flip and the observation time, and the clock is re-synced to that
// checkpoint. A terminal state stops it.
type Timer struct {
	mu       sync.Mutex
	clock    *clock.Clock
	inc      time.Duration
	moves    int
	done     bool
	turn     domain.Color
	white    time.Duration
	black    time.Duration
	lastFlip time.Time
}

// NewTimer starts a clock at st's side to move. onTimeout fires once per
// side that runs out.
func NewTimer(st domain.GameState, now time.Time, onTimeout func(domain.Color)) *Timer {
	initial := time.Duration(st.TimeControl.InitialSeconds) * time.Second
	t := &Timer{
		clock:    clock.New(st.TimeControl, onTimeout),
		inc:      time.Duration(st.TimeControl.IncrementSeconds) * time.Second,
		moves:    st.MoveCount,
		turn:     st.Turn(),
		white:    initial,
		black:    initial,
		lastFlip: now,
	}
	if st.Result.Terminal() {
		t.done = true
		return t
	}
	t.clock.Start(st.Turn(), now)
	return t
}

// Observe advances the clock to st. Older or equal states are ignored, so
// the same state may be reported by several sources.
func (t *Timer) Observe(st domain.GameState, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || st.MoveCount < t.moves {
		return
	}
	if st.MoveCount > t.moves {
		at := time.Unix(st.SourceTimestamp, 0)
		if at.Before(t.lastFlip) {
			at = t.lastFlip
		}
		if at.After(now) {
			at = now
		}
		// fire a timeout the mover reached before moving
		t.clock.Tick(at)
		for ; t.moves < st.MoveCount; t.moves++ {
			rem := t.side(t.turn)
			*rem -= at.Sub(t.lastFlip)
			if *rem > 0 {
				*rem += t.inc
			} else {
				*rem = 0
			}
			t.turn = t.turn.Opponent()
			t.lastFlip = at
		}
		t.clock.Sync(clock.Checkpoint{White: t.white, Black: t.black, Turn: t.turn, At: at})
		t.clock.Tick(now)
	}
	if st.Result.Terminal() {
		t.clock.Stop(now)
		t.done = true
	}
}

func (t *Timer) side(c domain.Color) *time.Duration {
	if c == domain.White {
		return &t.white
	}
	return &t.black
}

func (t *Timer) Clock() *clock.Clock { return t.clock }

func (t *Timer) Remaining(c domain.Color) time.Duration { return t.clock.Remaining(c) }
