package game

import (
	"testing"
	"time"

	"github.com/park285/relaychess/internal/domain"
)

var timerStart = time.Unix(1_700_000_000, 0)

func at(sec int) time.Time { return timerStart.Add(time.Duration(sec) * time.Second) }

func moved(st domain.GameState, count, sec int) domain.GameState {
	st.MoveCount = count
	st.SourceTimestamp = at(sec).Unix()
	return st
}

func TestTimerFollowsMoves(t *testing.T) {
	st := domain.GameState{ID: "g", TimeControl: domain.TimeControl{InitialSeconds: 60, IncrementSeconds: 1}}
	var flagged []domain.Color
	tm := NewTimer(st, timerStart, func(c domain.Color) { flagged = append(flagged, c) })

	st = moved(st, 1, 10)
	tm.Observe(st, at(10))
	if got := tm.Remaining(domain.White); got != 51*time.Second {
		t.Fatalf("white = %v, want 51s", got)
	}
	if tm.Clock().Turn() != domain.Black {
		t.Fatalf("turn = %s", tm.Clock().Turn())
	}

	// a stale state changes nothing
	tm.Observe(moved(st, 0, 5), at(20))
	if tm.Clock().Turn() != domain.Black {
		t.Fatalf("stale state flipped the clock")
	}
	// the same state from a second source is not a second flip
	tm.Observe(st, at(20))
	if tm.Clock().Turn() != domain.Black {
		t.Fatalf("repeated state flipped the clock")
	}

	st = moved(st, 2, 75)
	st.Result = domain.WhiteWins
	tm.Observe(st, at(75))
	if tm.Clock().Running() {
		t.Fatalf("clock should stop on a terminal state")
	}
	if len(flagged) != 1 || flagged[0] != domain.Black {
		t.Fatalf("flagged = %v", flagged)
	}
}

func TestTimerReconcilesLateObservation(t *testing.T) {
	st := domain.GameState{ID: "g", TimeControl: domain.TimeControl{InitialSeconds: 60, IncrementSeconds: 1}}
	tm := NewTimer(st, timerStart, func(c domain.Color) { t.Fatalf("%s flagged", c) })

	// the local clock kept running white past the real move time
	tm.Clock().Tick(at(15))
	if got := tm.Remaining(domain.White); got != 45*time.Second {
		t.Fatalf("white before sync = %v", got)
	}

	// white moved at +10, seen only at +18
	tm.Observe(moved(st, 1, 10), at(18))
	if got := tm.Remaining(domain.White); got != 51*time.Second {
		t.Fatalf("white = %v, want 51s (charged to the move time)", got)
	}
	if got := tm.Remaining(domain.Black); got != 52*time.Second {
		t.Fatalf("black = %v, want 52s (running since the move time)", got)
	}
	if tm.Clock().Turn() != domain.Black {
		t.Fatalf("turn = %s", tm.Clock().Turn())
	}
}

func TestTimerClampsSnapshotTime(t *testing.T) {
	st := domain.GameState{ID: "g", TimeControl: domain.TimeControl{InitialSeconds: 60}}
	tm := NewTimer(st, at(10), nil)

	// a timestamp before the previous flip charges nothing
	tm.Observe(moved(st, 1, 3), at(12))
	if got := tm.Remaining(domain.White); got != 60*time.Second {
		t.Fatalf("white = %v, want 60s", got)
	}
	if got := tm.Remaining(domain.Black); got != 58*time.Second {
		t.Fatalf("black = %v, want 58s", got)
	}

	// a timestamp in the future is read as the observation time
	tm.Observe(moved(st, 2, 40), at(20))
	if got := tm.Remaining(domain.Black); got != 50*time.Second {
		t.Fatalf("black = %v, want 50s", got)
	}
	if tm.Clock().Turn() != domain.White {
		t.Fatalf("turn = %s", tm.Clock().Turn())
	}
}

func TestTimerUntimed(t *testing.T) {
	tm := NewTimer(domain.GameState{ID: "g"}, time.Now(), func(domain.Color) { t.Fatalf("untimed clock fired") })
	tm.Observe(domain.GameState{ID: "g", MoveCount: 3}, time.Now().Add(time.Hour))
	if tm.Clock().Running() {
		t.Fatalf("untimed clock is running")
	}
}
