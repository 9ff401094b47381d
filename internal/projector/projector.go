package projector

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/domain"
	"go.uber.org/zap"
)

// Projector remembers the state adopted for each identifier so later
// projections never regress below it.
type Projector struct {
	mu      sync.Mutex
	adopted map[string]domain.GameState
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{adopted: make(map[string]domain.GameState), logger: logger}
}

// Project runs the projection against the adopted baseline and adopts the result.
func (p *Projector) Project(id string, events []nostr.Event) (domain.GameState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var baseline *domain.GameState
	if st, ok := p.adopted[id]; ok {
		baseline = &st
	}
	st, discards, err := project(id, events, baseline)
	for _, d := range discards {
		fields := []zap.Field{zap.String("game_id", id), zap.String("event_id", d.EventID), zap.String("reason", d.Reason)}
		switch d.Kind {
		case domain.KindStaleSnapshot:
			p.logger.Info("projector_stale_snapshot", fields...)
		default:
			p.logger.Warn("projector_snapshot_discarded", append(fields, zap.String("kind", string(d.Kind)))...)
		}
	}
	if err != nil {
		return domain.GameState{}, err
	}
	p.adopted[id] = st
	return st.Clone(), nil
}

// Adopt records a locally produced state unless it would regress the current one.
func (p *Projector) Adopt(st domain.GameState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.adopted[st.ID]; ok && Regresses(st, cur) {
		return false
	}
	p.adopted[st.ID] = st.Clone()
	return true
}

func (p *Projector) Adopted(id string) (domain.GameState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.adopted[id]
	if !ok {
		return domain.GameState{}, false
	}
	return st.Clone(), true
}

func (p *Projector) Forget(id string) {
	p.mu.Lock()
	delete(p.adopted, id)
	p.mu.Unlock()
}

// Regresses reports whether next would move the game backwards from cur:
// fewer moves, a terminal result undone, or different players.
func Regresses(next, cur domain.GameState) bool {
	if cur.White != "" && (next.White != cur.White || next.Black != cur.Black) {
		return true
	}
	if next.MoveCount < cur.MoveCount {
		return true
	}
	return next.MoveCount == cur.MoveCount && cur.Result.Terminal() && !next.Result.Terminal()
}
