// Package game is the client-side orchestrator: challenges, projection,
// optimistic moves and live updates for one signing identity.
package game

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/challenge"
	"github.com/park285/relaychess/internal/domain"
	"github.com/park285/relaychess/internal/event"
	"github.com/park285/relaychess/internal/gameid"
	"github.com/park285/relaychess/internal/live"
	"github.com/park285/relaychess/internal/pipeline"
	"github.com/park285/relaychess/internal/projector"
	"github.com/park285/relaychess/internal/relay"
	"go.uber.org/zap"
)

// Relay is the broadcast, query and subscribe surface the service needs.
type Relay interface {
	Publish(ctx context.Context, ev nostr.Event) error
	Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error)
	Subscribe(ctx context.Context, filter nostr.Filter) (*relay.Subscription, error)
}

type Archiver interface {
	SaveResult(ctx context.Context, st domain.GameState) error
}

// inboxWindow bounds how far back Incoming looks for challenges.
const inboxWindow = 7 * 24 * time.Hour

type Service struct {
	signer  *event.Signer
	relay   Relay
	proj    *projector.Projector
	pipe    *pipeline.Pipeline
	cache   projector.Cache
	archive Archiver
	logger  *zap.Logger

	broadcastTimeout time.Duration
	pollInterval     time.Duration
	now              func() time.Time

	mu       sync.Mutex
	archived map[string]bool
	watchers map[string]map[*watcher]struct{}
}

// watcher serializes deliveries to one Watch caller and drops states that
// would move it backwards or repeat the last one.
type watcher struct {
	mu      sync.Mutex
	deliver func(domain.GameState)
	last    *domain.GameState
}

func (w *watcher) emit(st domain.GameState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last != nil && (w.last.Notation == st.Notation || projector.Regresses(st, *w.last)) {
		return
	}
	cp := st.Clone()
	w.last = &cp
	w.deliver(st)
}

type Option func(*Service)

func WithCache(c projector.Cache) Option { return func(s *Service) { s.cache = c } }

func WithArchive(a Archiver) Option { return func(s *Service) { s.archive = a } }

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithBroadcastTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.broadcastTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a service. signer may be nil; every write then fails with
// NotAuthenticated while reads keep working.
func New(signer *event.Signer, rl Relay, opts ...Option) *Service {
	s := &Service{
		signer:           signer,
		relay:            rl,
		logger:           zap.NewNop(),
		broadcastTimeout: pipeline.DefaultBroadcastTimeout,
		pollInterval:     live.DefaultPollInterval,
		now:              time.Now,
		archived:         make(map[string]bool),
		watchers:         make(map[string]map[*watcher]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.proj = projector.New(s.logger)
	popts := []pipeline.Option{
		pipeline.WithBroadcastTimeout(s.broadcastTimeout),
		pipeline.WithLogger(s.logger),
		pipeline.WithClock(s.now),
	}
	if s.cache != nil {
		popts = append(popts, pipeline.WithCache(s.cache))
	}
	s.pipe = pipeline.New(signer, rl, popts...)
	return s
}

func (s *Service) PublicKey() string { return s.signer.PublicKey() }

func (s *Service) self(op string) (string, error) {
	pk := s.signer.PublicKey()
	if pk == "" {
		return "", domain.E(domain.KindNotAuthenticated, op, "no signing identity")
	}
	return pk, nil
}

// publish signs draft and broadcasts it within the broadcast budget.
func (s *Service) publish(ctx context.Context, op string, draft nostr.Event) (nostr.Event, error) {
	signed, err := s.signer.Sign(draft)
	if err != nil {
		return nostr.Event{}, domain.Wrap(domain.KindNotAuthenticated, op, err)
	}
	bctx, cancel := context.WithTimeout(ctx, s.broadcastTimeout)
	defer cancel()
	if err := s.relay.Publish(bctx, signed); err != nil {
		kind := domain.KindBroadcastFailed
		if bctx.Err() != nil && ctx.Err() == nil {
			kind = domain.KindBroadcastTimeout
		}
		s.logger.Warn("game_publish_failed", zap.String("op", op), zap.String("event_id", signed.ID), zap.Error(err))
		return signed, domain.Wrap(kind, op, err)
	}
	return signed, nil
}

// Challenge proposes a new game to opponent under a fresh identifier.
func (s *Service) Challenge(ctx context.Context, opponent string, tc domain.TimeControl, pref domain.ColorPreference) (*challenge.Challenge, error) {
	const op = "game.challenge"
	me, err := s.self(op)
	if err != nil {
		return nil, err
	}
	draft, err := challenge.Propose(gameid.New(), me, strings.TrimSpace(opponent), tc, pref)
	if err != nil {
		return nil, err
	}
	draft.CreatedAt = nostr.Timestamp(s.now().Unix())
	signed, err := s.publish(ctx, op, draft)
	if err != nil {
		return nil, err
	}
	s.logger.Info("game_challenge_sent", zap.String("game_id", event.Identifier(&signed)), zap.String("opponent", opponent))
	return challenge.Fold(event.Identifier(&signed), []nostr.Event{signed})
}

// Incoming lists challenges addressed to the local identity that are still pending.
func (s *Service) Incoming(ctx context.Context) ([]*challenge.Challenge, error) {
	const op = "game.incoming"
	me, err := s.self(op)
	if err != nil {
		return nil, err
	}
	since := nostr.Timestamp(s.now().Add(-inboxWindow).Unix())
	in, err := s.relay.Query(ctx, event.IncomingChallenges(me, since))
	if err != nil {
		return nil, domain.Wrap(domain.KindBroadcastFailed, op, err)
	}
	out, err := s.relay.Query(ctx, event.OutgoingChallenges(me, since))
	if err != nil {
		return nil, domain.Wrap(domain.KindBroadcastFailed, op, err)
	}
	return challenge.Inbox(append(in, out...), me), nil
}

func (s *Service) fetch(ctx context.Context, op, id string) ([]nostr.Event, error) {
	events, err := s.relay.Query(ctx, event.GameFilter(id))
	if err != nil {
		return nil, domain.Wrap(domain.KindBroadcastFailed, op, err)
	}
	return events, nil
}

// Accept answers a pending challenge and adopts the initial game state.
func (s *Service) Accept(ctx context.Context, id string) (domain.GameState, error) {
	const op = "game.accept"
	me, err := s.self(op)
	if err != nil {
		return domain.GameState{}, err
	}
	events, err := s.fetch(ctx, op, id)
	if err != nil {
		return domain.GameState{}, err
	}
	c, err := challenge.Fold(id, events)
	if err != nil {
		return domain.GameState{}, err
	}
	draft, err := challenge.AcceptDraft(c, me)
	if err != nil {
		return domain.GameState{}, err
	}
	draft.CreatedAt = s.responseTime(c)
	signed, err := s.publish(ctx, op, draft)
	if err != nil {
		return domain.GameState{}, err
	}
	st, err := s.proj.Project(id, append(events, signed))
	if err != nil {
		return domain.GameState{}, err
	}
	s.adopt(ctx, st)
	s.logger.Info("game_challenge_accepted", zap.String("game_id", id), zap.String("white", st.White), zap.String("black", st.Black))
	return st, nil
}

func (s *Service) Decline(ctx context.Context, id string) error {
	const op = "game.decline"
	me, err := s.self(op)
	if err != nil {
		return err
	}
	events, err := s.fetch(ctx, op, id)
	if err != nil {
		return err
	}
	c, err := challenge.Fold(id, events)
	if err != nil {
		return err
	}
	draft, err := challenge.DeclineDraft(c, me)
	if err != nil {
		return err
	}
	draft.CreatedAt = s.responseTime(c)
	if _, err := s.publish(ctx, op, draft); err != nil {
		return err
	}
	s.logger.Info("game_challenge_declined", zap.String("game_id", id))
	return nil
}

// responseTime keeps a response strictly after the origin it answers.
func (s *Service) responseTime(c *challenge.Challenge) nostr.Timestamp {
	now := s.now().Unix()
	if now <= c.CreatedAt {
		now = c.CreatedAt + 1
	}
	return nostr.Timestamp(now)
}

// Load returns the current state of id: the local optimistic state when it
// is ahead, otherwise a fresh projection (served from cache when possible).
func (s *Service) Load(ctx context.Context, id string) (domain.GameState, error) {
	const op = "game.load"
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.GameState{}, domain.E(domain.KindInvalidArgument, op, "empty game id")
	}
	if s.cache != nil {
		st, ok, err := s.cache.Get(ctx, id)
		if err != nil {
			s.logger.Warn("game_cache_get_failed", zap.String("game_id", id), zap.Error(err))
		} else if ok {
			s.proj.Adopt(st)
			s.pipe.Seed(st)
			return s.current(id, st), nil
		}
	}
	events, err := s.fetch(ctx, op, id)
	if err != nil {
		if st, ok := s.pipe.State(id); ok {
			return st, nil
		}
		return domain.GameState{}, err
	}
	st, err := s.proj.Project(id, events)
	if err != nil {
		return domain.GameState{}, err
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, st); err != nil {
			s.logger.Warn("game_cache_put_failed", zap.String("game_id", id), zap.Error(err))
		}
	}
	s.adopt(ctx, st)
	return s.current(id, st), nil
}

func (s *Service) current(id string, fallback domain.GameState) domain.GameState {
	if st, ok := s.pipe.State(id); ok {
		return st
	}
	return fallback
}

// adopt seeds the pipeline with a projected state and archives finished games.
func (s *Service) adopt(ctx context.Context, st domain.GameState) {
	s.pipe.Seed(st)
	s.archiveOnce(ctx, st)
}

func (s *Service) archiveOnce(ctx context.Context, st domain.GameState) {
	if s.archive == nil || !st.Result.Terminal() {
		return
	}
	s.mu.Lock()
	if s.archived[st.ID] {
		s.mu.Unlock()
		return
	}
	s.archived[st.ID] = true
	s.mu.Unlock()

	if err := s.archive.SaveResult(ctx, st); err != nil {
		s.mu.Lock()
		delete(s.archived, st.ID)
		s.mu.Unlock()
		s.logger.Warn("game_archive_failed", zap.String("game_id", st.ID), zap.Error(err))
		return
	}
	s.logger.Info("game_archived", zap.String("game_id", st.ID), zap.String("result", string(st.Result)))
}

// ensure makes sure the pipeline has a session for id.
func (s *Service) ensure(ctx context.Context, id string) error {
	if _, ok := s.pipe.State(id); ok {
		return nil
	}
	_, err := s.Load(ctx, id)
	return err
}

// ParseMove splits coordinate notation ("e2e4", "e7e8q") into its parts.
func ParseMove(uci string) (from, to, promotion string, err error) {
	m := strings.ToLower(strings.TrimSpace(uci))
	if len(m) != 4 && len(m) != 5 {
		return "", "", "", domain.E(domain.KindInvalidArgument, "game.move", "move %q is not in coordinate form", uci)
	}
	for _, sq := range []string{m[0:2], m[2:4]} {
		if sq[0] < 'a' || sq[0] > 'h' || sq[1] < '1' || sq[1] > '8' {
			return "", "", "", domain.E(domain.KindInvalidArgument, "game.move", "bad square %q in %q", sq, uci)
		}
	}
	if len(m) == 5 {
		promotion = m[4:]
		if !strings.ContainsAny(promotion, "qrbn") {
			return "", "", "", domain.E(domain.KindInvalidArgument, "game.move", "bad promotion piece in %q", uci)
		}
	}
	return m[0:2], m[2:4], promotion, nil
}

// Move plays uci in id. An Accepted outcome with a retryable error means the
// move stands locally and Retry should be called.
func (s *Service) Move(ctx context.Context, id, uci string) (pipeline.Outcome, error) {
	from, to, promo, err := ParseMove(uci)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	if err := s.ensure(ctx, id); err != nil {
		return pipeline.Outcome{}, err
	}
	out, err := s.pipe.SubmitMove(ctx, id, from, to, promo)
	s.settle(ctx, out)
	return out, err
}

func (s *Service) Resign(ctx context.Context, id string) (pipeline.Outcome, error) {
	if err := s.ensure(ctx, id); err != nil {
		return pipeline.Outcome{}, err
	}
	out, err := s.pipe.Resign(ctx, id)
	s.settle(ctx, out)
	return out, err
}

func (s *Service) Retry(ctx context.Context, id string) (pipeline.Outcome, error) {
	out, err := s.pipe.Retry(ctx, id)
	s.settle(ctx, out)
	return out, err
}

// Pending reports whether id has a move that was never confirmed by a relay.
func (s *Service) Pending(id string) bool { return s.pipe.Pending(id) }

func (s *Service) settle(ctx context.Context, out pipeline.Outcome) {
	if !out.Accepted {
		return
	}
	s.proj.Adopt(out.State)
	if out.Published {
		s.archiveOnce(ctx, out.State)
	}
	for _, w := range s.watchersOf(out.State.ID) {
		w.emit(out.State)
	}
}

func (s *Service) watchersOf(id string) []*watcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*watcher, 0, len(s.watchers[id]))
	for w := range s.watchers[id] {
		out = append(out, w)
	}
	return out
}

func (s *Service) addWatcher(id string, w *watcher) func() {
	s.mu.Lock()
	if s.watchers[id] == nil {
		s.watchers[id] = make(map[*watcher]struct{})
	}
	s.watchers[id][w] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers[id], w)
		if len(s.watchers[id]) == 0 {
			delete(s.watchers, id)
		}
		s.mu.Unlock()
	}
}

// Watch delivers every newer state of id until ctx is cancelled: states
// projected from the relays and the local player's own accepted moves, in
// non-decreasing order and never twice in a row. deliver is never called
// concurrently with itself.
func (s *Service) Watch(ctx context.Context, id string, deliver func(domain.GameState)) error {
	w := &watcher{deliver: deliver}
	defer s.addWatcher(id, w)()
	ch := live.New(s.relay, s.proj,
		live.WithPollInterval(s.pollInterval),
		live.WithLogger(s.logger),
		live.WithKnownText(func(id string) string {
			st, _ := s.pipe.State(id)
			return st.Notation
		}),
	)
	return ch.Watch(ctx, id, func(st domain.GameState) {
		if s.cache != nil {
			if err := s.cache.Put(ctx, st); err != nil {
				s.logger.Warn("game_cache_put_failed", zap.String("game_id", id), zap.Error(err))
			}
		}
		s.adopt(ctx, st)
		w.emit(st)
	})
}

// Close drops all local state held for id.
func (s *Service) Close(ctx context.Context, id string) {
	s.pipe.Close(id)
	s.proj.Forget(id)
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, id); err != nil {
			s.logger.Warn("game_cache_invalidate_failed", zap.String("game_id", id), zap.Error(err))
		}
	}
}
