package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/event"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, s *event.Signer, kind int, d string, at int64, content string) nostr.Event {
	t.Helper()
	ev, err := s.Sign(nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(at),
		Tags:      nostr.Tags{{"d", d}, {"p", "peer"}},
		Content:   content,
	})
	require.NoError(t, err)
	return ev
}

func recv(t *testing.T, sub *Subscription) nostr.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event delivered")
	}
	return nostr.Event{}
}

// exerciseStore runs the acceptance rules every store must share.
func exerciseStore(t *testing.T, store Relay) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice, bob := event.GenerateSigner(), event.GenerateSigner()

	sub, err := store.Subscribe(ctx, event.GameFilter("g1"))
	require.NoError(t, err)
	defer sub.Close()

	first := signed(t, alice, event.KindMoveSnapshot, "g1", 100, "1. e4 *")
	require.NoError(t, store.Publish(ctx, first))
	require.NoError(t, store.Publish(ctx, first), "duplicate publish is not an error")
	require.Equal(t, first.ID, recv(t, sub).ID)

	other := signed(t, bob, event.KindMoveSnapshot, "g2", 100, "x")
	require.NoError(t, store.Publish(ctx, other))

	// Same author, kind and d tag: the newer event replaces the older one.
	second := signed(t, alice, event.KindMoveSnapshot, "g1", 200, "1. e4 e5 *")
	require.NoError(t, store.Publish(ctx, second))
	require.Equal(t, second.ID, recv(t, sub).ID)
	older := signed(t, alice, event.KindMoveSnapshot, "g1", 50, "*")
	require.NoError(t, store.Publish(ctx, older))

	byBob := signed(t, bob, event.KindMoveSnapshot, "g1", 150, "1. e4 *")
	require.NoError(t, store.Publish(ctx, byBob))

	got, err := store.Query(ctx, event.GameFilter("g1"))
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, ev := range got {
		ids = append(ids, ev.ID)
	}
	require.Equal(t, []string{second.ID, byBob.ID}, ids)

	since := nostr.Timestamp(160)
	got, err = store.Query(ctx, nostr.Filter{Kinds: []int{event.KindMoveSnapshot}, Since: &since})
	require.NoError(t, err)
	require.Len(t, got, 1)

	tampered := signed(t, bob, event.KindMoveSnapshot, "g1", 300, "1. d4 *")
	tampered.Content = "1. c4 *"
	require.ErrorIs(t, store.Publish(ctx, tampered), ErrRejected)

	sub.Close()
	sub.Close()
	_, open := <-sub.Events
	for open {
		_, open = <-sub.Events
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryDropEndsSubscriptions(t *testing.T) {
	m := NewMemory()
	sub, err := m.Subscribe(context.Background(), nostr.Filter{})
	require.NoError(t, err)
	m.DropSubscriptions()
	_, ok := <-sub.Events
	require.False(t, ok)
	sub.Close()
}

func TestSubscriptionEndsOnContextCancel(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := m.Subscribe(ctx, nostr.Filter{})
	require.NoError(t, err)
	cancel()
	select {
	case _, ok := <-sub.Events:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed on cancel")
	}
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisStore(t *testing.T) {
	exerciseStore(t, NewRedisStore(newRedis(t), "test", nil))
}

func TestRedisStoreQueryByID(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(newRedis(t), "", nil)
	ev := signed(t, event.GenerateSigner(), event.KindChallenge, "g9", 10, "{}")
	require.NoError(t, store.Publish(ctx, ev))
	got, err := store.Query(ctx, nostr.Filter{IDs: []string{ev.ID, "missing"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, ev.Content, got[0].Content)

	_, err = store.Query(ctx, nostr.Filter{})
	require.Error(t, err)
}

func startServer(t *testing.T, store Relay) string {
	t.Helper()
	srv := httptest.NewServer(NewServer(store, Info{Name: "test relay", SupportedNIPs: []int{1, 11}}, nil))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnAgainstServer(t *testing.T) {
	store := NewMemory()
	url := startServer(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := NewConn(url, WithReconnectAttempts(0))
	require.NoError(t, c.Connect(ctx))
	defer c.Close(context.Background())
	require.Equal(t, StateConnected, c.State())

	alice := event.GenerateSigner()
	stored := signed(t, alice, event.KindChallenge, "g1", 100, "{}")
	require.NoError(t, c.Publish(ctx, stored))
	require.Equal(t, 1, store.Len())

	got, err := c.Query(ctx, event.GameFilter("g1"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, stored.ID, got[0].ID)

	sub, err := c.Subscribe(ctx, event.GameFilter("g1"))
	require.NoError(t, err)
	require.Equal(t, stored.ID, recv(t, sub).ID)

	live := signed(t, alice, event.KindMoveSnapshot, "g1", 101, "1. e4 *")
	require.NoError(t, store.Publish(ctx, live))
	require.Equal(t, live.ID, recv(t, sub).ID)
	sub.Close()

	bad := signed(t, alice, event.KindMoveSnapshot, "g1", 102, "x")
	bad.Sig = strings.Repeat("0", 128)
	require.ErrorIs(t, c.Publish(ctx, bad), ErrRejected)
}

func TestConnNotConnected(t *testing.T) {
	c := NewConn("ws://127.0.0.1:1", WithReconnectAttempts(0))
	_, err := c.Query(context.Background(), nostr.Filter{})
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, c.Publish(context.Background(), nostr.Event{}), ErrNotConnected)
}

func TestInfoClient(t *testing.T) {
	url := startServer(t, NewMemory())
	info, err := NewInfoClient(WithInfoRetry(1)).Fetch(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, "test relay", info.Name)
	require.True(t, info.Supports(11))
	require.False(t, info.Supports(42))
	require.Equal(t, "https://relay.example", HTTPURL("wss://relay.example"))
}

type failingRelay struct{ err error }

func (f failingRelay) Publish(context.Context, nostr.Event) error { return f.err }
func (f failingRelay) Query(context.Context, nostr.Filter) ([]nostr.Event, error) {
	return nil, f.err
}
func (f failingRelay) Subscribe(context.Context, nostr.Filter) (*Subscription, error) {
	return nil, f.err
}

func TestPool(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemory(), NewMemory()
	down := failingRelay{err: errors.New("down")}
	pool := NewPool(nil, a, b, down)

	sub, err := pool.Subscribe(ctx, nostr.Filter{})
	require.NoError(t, err)
	defer sub.Close()

	alice := event.GenerateSigner()
	ev := signed(t, alice, event.KindChallenge, "g1", 100, "{}")
	require.NoError(t, pool.Publish(ctx, ev))
	require.Equal(t, 1, a.Len())
	require.Equal(t, 1, b.Len())
	require.Equal(t, ev.ID, recv(t, sub).ID)

	// Only a has this one.
	solo := signed(t, alice, event.KindChallenge, "g2", 101, "{}")
	require.NoError(t, a.Publish(ctx, solo))

	got, err := pool.Query(ctx, nostr.Filter{Kinds: []int{event.KindChallenge}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, solo.ID, got[0].ID)

	allDown := NewPool(nil, down, down)
	require.Error(t, allDown.Publish(ctx, ev))
	_, err = allDown.Query(ctx, nostr.Filter{})
	require.Error(t, err)
	_, err = allDown.Subscribe(ctx, nostr.Filter{})
	require.Error(t, err)
}

func TestSortNewestLimit(t *testing.T) {
	var evs []nostr.Event
	for i := 0; i < 5; i++ {
		evs = append(evs, nostr.Event{ID: fmt.Sprintf("%d", i), CreatedAt: nostr.Timestamp(i)})
	}
	got := sortNewest(evs, 2)
	require.Len(t, got, 2)
	require.Equal(t, "4", got[0].ID)
}
