package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/relaychess/internal/domain"
)

const schema = `CREATE TABLE IF NOT EXISTS relay_games (
	game_id         TEXT PRIMARY KEY,
	white_pubkey    TEXT NOT NULL,
	black_pubkey    TEXT NOT NULL,
	time_control    TEXT NOT NULL,
	result          TEXT NOT NULL,
	termination     TEXT NOT NULL DEFAULT '',
	move_count      INTEGER NOT NULL,
	moves_uci       JSONB NOT NULL,
	notation        TEXT NOT NULL,
	final_fen       TEXT NOT NULL,
	source_event_id TEXT NOT NULL,
	finished_at     TIMESTAMPTZ NOT NULL,
	archived_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const upsert = `INSERT INTO relay_games (
	game_id, white_pubkey, black_pubkey, time_control,
	result, termination, move_count, moves_uci, notation,
	final_fen, source_event_id, finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
) ON CONFLICT (game_id) DO UPDATE SET
	white_pubkey=EXCLUDED.white_pubkey,
	black_pubkey=EXCLUDED.black_pubkey,
	time_control=EXCLUDED.time_control,
	result=EXCLUDED.result,
	termination=EXCLUDED.termination,
	move_count=EXCLUDED.move_count,
	moves_uci=EXCLUDED.moves_uci,
	notation=EXCLUDED.notation,
	final_fen=EXCLUDED.final_fen,
	source_event_id=EXCLUDED.source_event_id,
	finished_at=EXCLUDED.finished_at
WHERE relay_games.move_count <= EXCLUDED.move_count`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Repository stores finished games in Postgres.
type Repository struct {
	db    execer
	close func() error
}

func Open(ctx context.Context, databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive db: %w", err)
	}
	r := &Repository{db: db, close: db.Close}
	if err := r.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	if r == nil || r.close == nil {
		return nil
	}
	return r.close()
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create relay_games: %w", err)
	}
	return nil
}

// SaveResult upserts a finished game. Non-terminal states are ignored and an
// existing row with a longer history is never overwritten.
func (r *Repository) SaveResult(ctx context.Context, st domain.GameState) error {
	if r == nil || r.db == nil || !st.Result.Terminal() {
		return nil
	}
	_, err := r.db.ExecContext(ctx, upsert, resultArgs(st)...)
	if err != nil {
		return fmt.Errorf("archive %s: %w", st.ID, err)
	}
	return nil
}

func resultArgs(st domain.GameState) []any {
	moves := st.MovesUCI
	if moves == nil {
		moves = []string{}
	}
	movesRaw, _ := json.Marshal(moves)
	finished := time.Unix(st.SourceTimestamp, 0).UTC()
	return []any{
		st.ID,
		st.White, st.Black, st.TimeControl.String(),
		string(st.Result), strings.ToLower(strings.TrimSpace(st.Termination)),
		st.MoveCount, string(movesRaw), st.Notation,
		st.FEN, st.SourceEventID, finished,
	}
}
