package archive

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/park285/relaychess/internal/domain"
)

type call struct {
	query string
	args  []any
}

type fakeDB struct {
	calls []call
	err   error
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.calls = append(f.calls, call{query: query, args: args})
	return nil, f.err
}

func finished() domain.GameState {
	return domain.GameState{
		ID:              "g1",
		White:           "aa",
		Black:           "bb",
		TimeControl:     domain.TimeControl{InitialSeconds: 300, IncrementSeconds: 2},
		Result:          domain.WhiteWins,
		Termination:     "Checkmate",
		MoveCount:       7,
		MovesUCI:        []string{"e2e4", "e7e5", "f1c4", "b8c6", "d1h5", "g8f6", "h5f7"},
		Notation:        "1. e4 e5 2. Bc4 Nc6 3. Qh5 Nf6 4. Qxf7# 1-0",
		FEN:             "r1bqkb1r/pppp1Qpp/2n2n2/4p3/2B1P3/8/PPPP1PPP/RNB1K1NR b KQkq - 0 4",
		SourceEventID:   "ev1",
		SourceTimestamp: 1700000000,
	}
}

func TestSaveResultUpserts(t *testing.T) {
	db := &fakeDB{}
	r := &Repository{db: db}
	if err := r.SaveResult(context.Background(), finished()); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if len(db.calls) != 1 {
		t.Fatalf("calls = %d", len(db.calls))
	}
	c := db.calls[0]
	if !strings.Contains(c.query, "ON CONFLICT (game_id)") {
		t.Fatalf("not an upsert: %s", c.query)
	}
	if len(c.args) != 12 {
		t.Fatalf("args = %d", len(c.args))
	}
	if c.args[3] != "300+2" || c.args[4] != "1-0" || c.args[5] != "checkmate" {
		t.Fatalf("unexpected args %v", c.args[3:6])
	}
	if c.args[7] != `["e2e4","e7e5","f1c4","b8c6","d1h5","g8f6","h5f7"]` {
		t.Fatalf("moves = %v", c.args[7])
	}
	if got := c.args[11].(time.Time); !got.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("finished_at = %v", got)
	}
}

func TestSaveResultSkipsOngoing(t *testing.T) {
	db := &fakeDB{}
	r := &Repository{db: db}
	st := finished()
	st.Result = domain.InProgress
	if err := r.SaveResult(context.Background(), st); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if len(db.calls) != 0 {
		t.Fatalf("ongoing game archived")
	}
	var nilRepo *Repository
	if err := nilRepo.SaveResult(context.Background(), finished()); err != nil {
		t.Fatalf("nil repo: %v", err)
	}
}

func TestSaveResultWrapsError(t *testing.T) {
	boom := errors.New("boom")
	r := &Repository{db: &fakeDB{err: boom}}
	err := r.SaveResult(context.Background(), finished())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestEmptyMovesEncodeAsArray(t *testing.T) {
	st := finished()
	st.MovesUCI = nil
	st.MoveCount = 0
	if got := resultArgs(st)[7]; got != "[]" {
		t.Fatalf("moves = %v", got)
	}
}

func TestOpenRequiresURL(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatalf("expected error")
	}
}
