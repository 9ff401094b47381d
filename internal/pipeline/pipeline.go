// Package pipeline applies local moves optimistically and broadcasts the
// resulting snapshot, one submission per game at a time.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/domain"
	"github.com/park285/relaychess/internal/event"
	"github.com/park285/relaychess/internal/notation"
	"github.com/park285/relaychess/internal/projector"
	"go.uber.org/zap"
)

const DefaultBroadcastTimeout = 5 * time.Second

type Publisher interface {
	Publish(ctx context.Context, ev nostr.Event) error
}

type Signer interface {
	PublicKey() string
	Sign(draft nostr.Event) (nostr.Event, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context, id string) error
}

// Outcome is returned by every submission. Accepted with a non-nil error
// means the move stands locally but the broadcast has to be retried.
type Outcome struct {
	Accepted  bool
	State     domain.GameState
	Published bool
}

// session is the per-game record; nothing crosses identifiers.
type session struct {
	state      domain.GameState
	rec        *notation.Record
	publishing bool
	unsent     *nostr.Event
}

type Pipeline struct {
	signer  Signer
	pub     Publisher
	cache   Invalidator
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type Option func(*Pipeline)

func WithBroadcastTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithCache(c Invalidator) Option {
	return func(p *Pipeline) { p.cache = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New builds a pipeline. signer may be nil for a read-only client; every
// submission then fails with NotAuthenticated.
func New(signer Signer, pub Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{
		signer:   signer,
		pub:      pub,
		logger:   zap.NewNop(),
		timeout:  DefaultBroadcastTimeout,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Seed adopts a projected state for its game unless it would regress the
// state already held. It reports whether the state was adopted.
func (p *Pipeline) Seed(st domain.GameState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[st.ID]
	if !ok {
		p.sessions[st.ID] = &session{state: st.Clone()}
		return true
	}
	if projector.Regresses(st, sess.state) {
		return false
	}
	if sess.state.SourceEventID == st.SourceEventID && sess.state.Notation == st.Notation {
		return true
	}
	if sess.unsent != nil && (st.SourceEventID == sess.unsent.ID || st.MoveCount > sess.state.MoveCount) {
		sess.unsent = nil
	}
	sess.state = st.Clone()
	sess.rec = nil
	return true
}

func (p *Pipeline) State(id string) (domain.GameState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	if !ok {
		return domain.GameState{}, false
	}
	return sess.state.Clone(), true
}

// Pending reports whether id has a signed snapshot that was never accepted by a relay.
func (p *Pipeline) Pending(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	return ok && sess.unsent != nil
}

func (p *Pipeline) Close(id string) {
	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
}

func (p *Pipeline) SubmitMove(ctx context.Context, id, from, to, promotion string) (Outcome, error) {
	return p.advance(ctx, "pipeline.move", id, func(st domain.GameState, rec *notation.Record) (*notation.Record, error) {
		if st.Turn() != p.colorOf(st) {
			return nil, domain.E(domain.KindNotAuthorized, "pipeline.move", "not your turn")
		}
		next, _, err := rec.Apply(from, to, promotion)
		if err != nil {
			return nil, err
		}
		if res, term := next.Result(); res.Terminal() {
			next.Headers = next.Headers.With("Result", string(res)).With("Termination", term)
		}
		return next, nil
	})
}

// Resign ends the game in the opponent's favour. Either side may resign at any time.
func (p *Pipeline) Resign(ctx context.Context, id string) (Outcome, error) {
	return p.advance(ctx, "pipeline.resign", id, func(st domain.GameState, rec *notation.Record) (*notation.Record, error) {
		winner := domain.WinnerResult(p.colorOf(st).Opponent())
		next := *rec
		next.Headers = rec.Headers.With("Result", string(winner)).With("Termination", "resignation")
		return &next, nil
	})
}

func (p *Pipeline) colorOf(st domain.GameState) domain.Color {
	c, _ := st.ColorOf(p.signer.PublicKey())
	return c
}

type stepFunc func(st domain.GameState, rec *notation.Record) (*notation.Record, error)

// advance validates, applies step, replaces the session state and broadcasts.
func (p *Pipeline) advance(ctx context.Context, op, id string, step stepFunc) (Outcome, error) {
	if p.signer == nil || p.signer.PublicKey() == "" {
		return Outcome{}, domain.E(domain.KindNotAuthenticated, op, "no signing identity")
	}

	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return Outcome{}, domain.E(domain.KindNotFound, op, "no game %s", id)
	}
	if sess.publishing {
		p.mu.Unlock()
		return Outcome{}, domain.E(domain.KindInFlight, op, "a submission for %s is in flight", id)
	}
	st := sess.state
	if _, player := st.ColorOf(p.signer.PublicKey()); !player {
		p.mu.Unlock()
		return Outcome{}, domain.E(domain.KindNotAuthorized, op, "not a player in %s", id)
	}
	if st.Result.Terminal() {
		p.mu.Unlock()
		return Outcome{}, domain.E(domain.KindGameOver, op, "game %s is over (%s)", id, st.Result)
	}
	rec, err := sessionRecord(sess)
	if err != nil {
		p.mu.Unlock()
		return Outcome{}, err
	}
	next, err := step(st, rec)
	if err != nil {
		p.mu.Unlock()
		return Outcome{}, err
	}

	created := p.now().Unix()
	if created <= st.SourceTimestamp {
		created = st.SourceTimestamp + 1
	}
	signed, err := p.signer.Sign(SnapshotDraft(st.ID, st.White, st.Black, next.Encode(), created))
	if err != nil {
		p.mu.Unlock()
		return Outcome{}, domain.Wrap(domain.KindNotAuthenticated, op, err)
	}
	newState := projector.StateFromRecord(st.ID, st.White, st.Black, st.TimeControl, next)
	newState.Notation = signed.Content
	newState.SourceEventID = signed.ID
	newState.SourceTimestamp = int64(signed.CreatedAt)

	sess.state = newState
	sess.rec = next
	sess.publishing = true
	sess.unsent = &signed
	p.mu.Unlock()

	return p.publish(ctx, op, sess, signed)
}

// Retry re-broadcasts the last unsent snapshot for id.
func (p *Pipeline) Retry(ctx context.Context, id string) (Outcome, error) {
	const op = "pipeline.retry"
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return Outcome{}, domain.E(domain.KindNotFound, op, "no game %s", id)
	}
	if sess.publishing {
		p.mu.Unlock()
		return Outcome{}, domain.E(domain.KindInFlight, op, "a submission for %s is in flight", id)
	}
	if sess.unsent == nil {
		st := sess.state.Clone()
		p.mu.Unlock()
		return Outcome{Accepted: true, State: st, Published: true}, nil
	}
	signed := *sess.unsent
	sess.publishing = true
	p.mu.Unlock()

	return p.publish(ctx, op, sess, signed)
}

func (p *Pipeline) publish(ctx context.Context, op string, sess *session, signed nostr.Event) (Outcome, error) {
	id := event.Identifier(&signed)
	err := p.broadcast(ctx, signed)

	p.mu.Lock()
	sess.publishing = false
	if err == nil && sess.unsent != nil && sess.unsent.ID == signed.ID {
		sess.unsent = nil
	}
	st := sess.state.Clone()
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("pipeline_broadcast_failed",
			zap.String("op", op),
			zap.String("game_id", id),
			zap.String("event_id", signed.ID),
			zap.Error(err),
		)
		return Outcome{Accepted: true, State: st, Published: false}, domain.Wrap(broadcastKind(err), op, err)
	}

	if p.cache != nil {
		if cerr := p.cache.Invalidate(ctx, id); cerr != nil {
			p.logger.Warn("pipeline_cache_invalidate_failed", zap.String("game_id", id), zap.Error(cerr))
		}
	}
	p.logger.Info("pipeline_snapshot_published",
		zap.String("op", op),
		zap.String("game_id", id),
		zap.String("event_id", signed.ID),
		zap.Int("move_count", st.MoveCount),
		zap.String("result", string(st.Result)),
	)
	return Outcome{Accepted: true, State: st, Published: true}, nil
}

// broadcast bounds Publish to the budget even if the publisher ignores ctx.
func (p *Pipeline) broadcast(ctx context.Context, ev nostr.Event) error {
	bctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.pub.Publish(bctx, ev) }()
	select {
	case err := <-done:
		return err
	case <-bctx.Done():
		return bctx.Err()
	}
}

func broadcastKind(err error) domain.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindBroadcastTimeout
	}
	return domain.KindBroadcastFailed
}

func sessionRecord(sess *session) (*notation.Record, error) {
	if sess.rec != nil {
		return sess.rec, nil
	}
	st := sess.state
	if st.Notation == "" {
		sess.rec = notation.New(notation.GameHeaders(st.ID, st.White, st.Black, st.TimeControl, time.Unix(st.SourceTimestamp, 0)))
		return sess.rec, nil
	}
	rec, err := notation.Decode(st.Notation)
	if err != nil {
		return nil, err
	}
	sess.rec = rec
	return rec, nil
}

// SnapshotDraft builds the unsigned move-snapshot event for a game.
func SnapshotDraft(id, white, black, content string, createdAt int64) nostr.Event {
	return nostr.Event{
		Kind:      event.KindMoveSnapshot,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags: nostr.Tags{
			{event.TagIdentifier, id},
			{event.TagWhite, white},
			{event.TagBlack, black},
			{event.TagRecipient, white},
			{event.TagRecipient, black},
		},
		Content: content,
	}
}
