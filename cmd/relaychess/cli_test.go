package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	appcfg "github.com/park285/relaychess/internal/config"
	"github.com/park285/relaychess/internal/domain"
	"github.com/park285/relaychess/internal/event"
	"github.com/park285/relaychess/internal/game"
	"github.com/park285/relaychess/internal/msgcat"
	"github.com/park285/relaychess/internal/relay"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func (s *syncBuffer) Reset() {
	s.mu.Lock()
	s.b.Reset()
	s.mu.Unlock()
}

func newTestCLI(t *testing.T, rl *relay.Memory, signer *event.Signer) (*cli, *syncBuffer) {
	t.Helper()
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	out := &syncBuffer{}
	cfg := &appcfg.AppConfig{DefaultTimeControl: domain.TimeControl{InitialSeconds: 600}}
	svc := game.New(signer, rl, game.WithPollInterval(50*time.Millisecond))
	c := newCLI(svc, cat, cfg, out, nil)
	t.Cleanup(c.stopAll)
	return c, out
}

func TestCLIGameFlow(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	as, bs := event.GenerateSigner(), event.GenerateSigner()
	alice, aliceOut := newTestCLI(t, rl, as)
	bob, bobOut := newTestCLI(t, rl, bs)

	alice.handle(ctx, "challenge "+bs.PublicKey()+" 300+3 white")
	if !strings.Contains(aliceOut.String(), "300+3") {
		t.Fatalf("challenge output: %q", aliceOut.String())
	}

	list, err := bob.svc.Incoming(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("incoming = %v, %v", list, err)
	}
	id := list[0].ID

	bob.handle(ctx, "inbox")
	if !strings.Contains(bobOut.String(), id) {
		t.Fatalf("inbox output: %q", bobOut.String())
	}
	bob.handle(ctx, "accept "+id)
	if !strings.Contains(bobOut.String(), "you play black") {
		t.Fatalf("accept output: %q", bobOut.String())
	}

	alice.handle(ctx, "move "+id+" e2e4")
	if !strings.Contains(aliceOut.String(), "e2e4 played in "+id) {
		t.Fatalf("move output: %q", aliceOut.String())
	}

	bobOut.Reset()
	bob.handle(ctx, "move "+id+" e2e4")
	if !strings.Contains(bobOut.String(), "not allowed") {
		t.Fatalf("expected authorization error, got %q", bobOut.String())
	}

	bobOut.Reset()
	bob.handle(ctx, "show "+id)
	if !strings.Contains(bobOut.String(), "black to move") {
		t.Fatalf("show output: %q", bobOut.String())
	}

	bob.handle(ctx, "resign "+id)
	bobOut.Reset()
	bob.handle(ctx, "show "+id)
	if !strings.Contains(bobOut.String(), "1-0 by resignation") {
		t.Fatalf("after resign: %q", bobOut.String())
	}
}

func TestCLIWatch(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	as, bs := event.GenerateSigner(), event.GenerateSigner()
	alice, _ := newTestCLI(t, rl, as)
	bob, bobOut := newTestCLI(t, rl, bs)

	ch, err := alice.svc.Challenge(ctx, bs.PublicKey(), domain.TimeControl{}, domain.PreferWhite)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if _, err := bob.svc.Accept(ctx, ch.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	bob.handle(ctx, "watch "+ch.ID)
	alice.handle(ctx, "move "+ch.ID+" d2d4")

	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(bobOut.String(), "move 1 d2d4") {
		if time.Now().After(deadline) {
			t.Fatalf("no watch update: %q", bobOut.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
	bob.handle(ctx, "unwatch "+ch.ID)
	bob.handle(ctx, "unwatch "+ch.ID)
	if !strings.Contains(bobOut.String(), "not watching") {
		t.Fatalf("second unwatch: %q", bobOut.String())
	}
}

func waitOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(out.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("missing %q in %q", want, out.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCLIWatchClockFollowsOwnMove(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	as, bs := event.GenerateSigner(), event.GenerateSigner()
	alice, aliceOut := newTestCLI(t, rl, as)
	bob, _ := newTestCLI(t, rl, bs)

	tc := domain.TimeControl{InitialSeconds: 300, IncrementSeconds: 2}
	ch, err := alice.svc.Challenge(ctx, bs.PublicKey(), tc, domain.PreferBlack)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if _, err := bob.svc.Accept(ctx, ch.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	alice.handle(ctx, "watch "+ch.ID)
	defer alice.handle(ctx, "unwatch "+ch.ID)

	bob.handle(ctx, "move "+ch.ID+" e2e4")
	waitOutput(t, aliceOut, "move 1 e2e4, black to move")
	waitOutput(t, aliceOut, "black running")

	// the own move reaches the watch before the command returns
	alice.handle(ctx, "move "+ch.ID+" e7e5")
	out := aliceOut.String()
	if !strings.Contains(out, "move 2 e7e5, white to move") {
		t.Fatalf("own move not watched: %q", out)
	}
	tail := out[strings.LastIndex(out, "move 2 e7e5"):]
	if !strings.Contains(tail, "white running") {
		t.Fatalf("clock did not flip on the own move: %q", tail)
	}
}

func TestCLIUsageAndQuit(t *testing.T) {
	c, out := newTestCLI(t, relay.NewMemory(), nil)
	ctx := context.Background()
	if c.handle(ctx, "move x") {
		t.Fatalf("move should not quit")
	}
	if !strings.Contains(out.String(), "usage: move <id> <uci>") {
		t.Fatalf("usage: %q", out.String())
	}
	c.handle(ctx, "frobnicate")
	if !strings.Contains(out.String(), `unknown command "frobnicate"`) {
		t.Fatalf("unknown: %q", out.String())
	}
	c.handle(ctx, "challenge abc")
	if !strings.Contains(out.String(), "no signing key") {
		t.Fatalf("read-only: %q", out.String())
	}
	if !c.handle(ctx, "quit") {
		t.Fatalf("quit not honoured")
	}
}
