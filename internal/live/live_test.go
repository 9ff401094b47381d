package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/challenge"
	"github.com/park285/relaychess/internal/domain"
	"github.com/park285/relaychess/internal/event"
	"github.com/park285/relaychess/internal/pipeline"
	"github.com/park285/relaychess/internal/projector"
	"github.com/park285/relaychess/internal/relay"
	"github.com/stretchr/testify/require"
)

const gid = "live-1"

type table struct {
	store        *relay.Memory
	white, black *event.Signer
	initial      domain.GameState
}

func newTable(t *testing.T) *table {
	t.Helper()
	ctx := context.Background()
	store := relay.NewMemory()
	x, y := event.GenerateSigner(), event.GenerateSigner()
	draft, err := challenge.Propose(gid, x.PublicKey(), y.PublicKey(), domain.TimeControl{}, domain.PreferWhite)
	require.NoError(t, err)
	origin, err := x.Sign(draft)
	require.NoError(t, err)
	c, err := challenge.Fold(gid, []nostr.Event{origin})
	require.NoError(t, err)
	acc, err := challenge.AcceptDraft(c, y.PublicKey())
	require.NoError(t, err)
	accept, err := y.Sign(acc)
	require.NoError(t, err)
	require.NoError(t, store.Publish(ctx, origin))
	require.NoError(t, store.Publish(ctx, accept))
	st, err := projector.Project(gid, []nostr.Event{origin, accept}, nil)
	require.NoError(t, err)
	return &table{store: store, white: x, black: y, initial: st}
}

type collector struct {
	mu     sync.Mutex
	states []domain.GameState
	ch     chan domain.GameState
}

func newCollector() *collector { return &collector{ch: make(chan domain.GameState, 16)} }

func (c *collector) deliver(st domain.GameState) {
	c.mu.Lock()
	c.states = append(c.states, st)
	c.mu.Unlock()
	c.ch <- st
}

func (c *collector) next(t *testing.T) domain.GameState {
	t.Helper()
	select {
	case st := <-c.ch:
		return st
	case <-time.After(3 * time.Second):
		t.Fatalf("no update delivered")
	}
	return domain.GameState{}
}

func (c *collector) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case st := <-c.ch:
		t.Fatalf("unexpected update: %d moves", st.MoveCount)
	case <-time.After(wait):
	}
}

func watch(t *testing.T, ch *Channel, col *collector) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Watch(ctx, gid, col.deliver) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Errorf("watch did not stop")
		}
	})
	return cancel
}

func TestPushDeliversProjectedStates(t *testing.T) {
	tb := newTable(t)
	col := newCollector()
	ch := New(tb.store, projector.New(nil), WithPollInterval(time.Hour))
	watch(t, ch, col)

	first := col.next(t)
	require.Equal(t, 0, first.MoveCount)

	p := pipeline.New(tb.white, tb.store)
	p.Seed(tb.initial)
	out, err := p.SubmitMove(context.Background(), gid, "e2", "e4", "")
	require.NoError(t, err)

	st := col.next(t)
	require.Equal(t, 1, st.MoveCount)
	require.Equal(t, out.State.Notation, st.Notation)
}

func TestKnownTextSuppressesEcho(t *testing.T) {
	tb := newTable(t)
	col := newCollector()
	p := pipeline.New(tb.white, tb.store)
	p.Seed(tb.initial)
	known := func(id string) string {
		st, _ := p.State(id)
		return st.Notation
	}
	ch := New(tb.store, projector.New(nil), WithPollInterval(time.Hour), WithKnownText(known))
	watch(t, ch, col)

	// The initial state is what the pipeline already holds.
	col.none(t, 200*time.Millisecond)

	_, err := p.SubmitMove(context.Background(), gid, "e2", "e4", "")
	require.NoError(t, err)
	col.none(t, 200*time.Millisecond)

	opp := pipeline.New(tb.black, tb.store)
	st, _ := p.State(gid)
	opp.Seed(st)
	_, err = opp.SubmitMove(context.Background(), gid, "e7", "e5", "")
	require.NoError(t, err)
	got := col.next(t)
	require.Equal(t, 2, got.MoveCount)
}

func TestPollOnly(t *testing.T) {
	tb := newTable(t)
	col := newCollector()
	ch := New(tb.store, projector.New(nil), WithoutPush(), WithPollInterval(20*time.Millisecond))
	watch(t, ch, col)
	require.Equal(t, 0, col.next(t).MoveCount)

	p := pipeline.New(tb.white, tb.store)
	p.Seed(tb.initial)
	_, err := p.SubmitMove(context.Background(), gid, "d2", "d4", "")
	require.NoError(t, err)
	require.Equal(t, 1, col.next(t).MoveCount)
	col.none(t, 100*time.Millisecond)
}

func TestResubscribeAfterDrop(t *testing.T) {
	tb := newTable(t)
	col := newCollector()
	ch := New(tb.store, projector.New(nil), WithPollInterval(time.Hour), WithResubscribeBackoff(10*time.Millisecond))
	watch(t, ch, col)
	require.Equal(t, 0, col.next(t).MoveCount)

	tb.store.DropSubscriptions()

	p := pipeline.New(tb.white, tb.store)
	p.Seed(tb.initial)
	_, err := p.SubmitMove(context.Background(), gid, "c2", "c4", "")
	require.NoError(t, err)
	require.Equal(t, 1, col.next(t).MoveCount)
}

func TestNoSourceEnabled(t *testing.T) {
	ch := New(relay.NewMemory(), projector.New(nil), WithoutPush(), WithoutPull())
	err := ch.Watch(context.Background(), gid, func(domain.GameState) {})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestNextBackoffCaps(t *testing.T) {
	require.Equal(t, 2*time.Second, nextBackoff(time.Second))
	require.Equal(t, maxBackoff, nextBackoff(maxBackoff))
}
