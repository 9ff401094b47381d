package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	appcfg "github.com/park285/relaychess/internal/config"
	"github.com/park285/relaychess/internal/domain"
	"github.com/park285/relaychess/internal/game"
	"github.com/park285/relaychess/internal/msgcat"
	"github.com/park285/relaychess/internal/pipeline"
	"go.uber.org/zap"
)

// cli runs one command per input line. Background watches share the writer.
type cli struct {
	svc    *game.Service
	cat    *msgcat.Catalog
	cfg    *appcfg.AppConfig
	logger *zap.Logger

	outMu sync.Mutex
	out   io.Writer

	watchMu sync.Mutex
	watches map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func newCLI(svc *game.Service, cat *msgcat.Catalog, cfg *appcfg.AppConfig, out io.Writer, logger *zap.Logger) *cli {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &cli{svc: svc, cat: cat, cfg: cfg, out: out, logger: logger, watches: make(map[string]context.CancelFunc)}
}

func (c *cli) run(ctx context.Context, in *bufio.Scanner) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			select {
			case lines <- in.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return in.Err()
			}
			if quit := c.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func (c *cli) say(key string, data any) {
	text := c.cat.Text(key, data)
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, strings.TrimRight(text, "\n"))
}

func (c *cli) fail(err error) {
	key := "error.generic"
	if k := domain.KindOf(err); k != "" && c.cat.Has("error."+string(k)) {
		key = "error." + string(k)
	}
	c.say(key, map[string]any{"Detail": err.Error()})
}

// handle executes one command line and reports whether the user asked to quit.
func (c *cli) handle(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]
	switch cmd {
	case "help", "?":
		c.say("cli.help", nil)
	case "quit", "exit":
		c.say("cli.bye", nil)
		return true
	case "whoami":
		c.say("cli.whoami", map[string]any{"Pubkey": c.svc.PublicKey()})
	case "challenge":
		c.challenge(ctx, args)
	case "inbox":
		c.inbox(ctx)
	case "accept":
		if id, ok := c.one(args, "accept <id>"); ok {
			c.accept(ctx, id)
		}
	case "decline":
		if id, ok := c.one(args, "decline <id>"); ok {
			if err := c.svc.Decline(ctx, id); err != nil {
				c.fail(err)
				return false
			}
			c.say("challenge.declined", map[string]any{"ID": id})
		}
	case "show":
		if id, ok := c.one(args, "show <id>"); ok {
			st, err := c.svc.Load(ctx, id)
			if err != nil {
				c.fail(err)
				return false
			}
			c.say("game.state", stateView(st))
			c.say("game.notation", map[string]any{"Notation": st.Notation})
		}
	case "move":
		if len(args) != 2 {
			c.say("cli.usage", map[string]any{"Usage": "move <id> <uci>"})
			return false
		}
		out, err := c.svc.Move(ctx, args[0], args[1])
		c.report(args[0], args[1], out, err)
	case "resign":
		if id, ok := c.one(args, "resign <id>"); ok {
			out, err := c.svc.Resign(ctx, id)
			if err != nil && !out.Accepted {
				c.fail(err)
				return false
			}
			c.say("move.resigned", map[string]any{"ID": id})
			if err != nil {
				c.report(id, "resign", out, err)
			}
		}
	case "retry":
		if id, ok := c.one(args, "retry <id>"); ok {
			out, err := c.svc.Retry(ctx, id)
			if err != nil {
				c.fail(err)
				return false
			}
			if out.Published {
				c.say("move.retried", map[string]any{"ID": id})
			}
		}
	case "watch":
		if id, ok := c.one(args, "watch <id>"); ok {
			c.watch(ctx, id)
		}
	case "unwatch":
		if id, ok := c.one(args, "unwatch <id>"); ok {
			c.unwatch(id)
		}
	default:
		c.say("cli.unknown", map[string]any{"Command": cmd})
	}
	return false
}

func (c *cli) one(args []string, usage string) (string, bool) {
	if len(args) != 1 {
		c.say("cli.usage", map[string]any{"Usage": usage})
		return "", false
	}
	return args[0], true
}

// challenge <pubkey> [tc] [white|black|random]
func (c *cli) challenge(ctx context.Context, args []string) {
	if len(args) < 1 || len(args) > 3 {
		c.say("cli.usage", map[string]any{"Usage": "challenge <pubkey> [tc] [white|black|random]"})
		return
	}
	tc := c.cfg.DefaultTimeControl
	pref := domain.PreferRandom
	for _, a := range args[1:] {
		switch strings.ToLower(a) {
		case "white", "black", "random", "w", "b":
			pref = domain.ParseColorPreference(a)
		default:
			parsed, err := domain.ParseTimeControl(a)
			if err != nil {
				c.fail(domain.Wrap(domain.KindInvalidArgument, "cli.challenge", err))
				return
			}
			tc = parsed
		}
	}
	ch, err := c.svc.Challenge(ctx, args[0], tc, pref)
	if err != nil {
		c.fail(err)
		return
	}
	c.say("challenge.sent", map[string]any{
		"ID": ch.ID, "Opponent": shortKey(ch.Challenged), "TimeControl": ch.TimeControl.String(), "Preference": string(ch.Preference),
	})
}

func (c *cli) inbox(ctx context.Context) {
	list, err := c.svc.Incoming(ctx)
	if err != nil {
		c.fail(err)
		return
	}
	if len(list) == 0 {
		c.say("challenge.inbox_empty", nil)
		return
	}
	c.say("challenge.inbox_header", map[string]any{"Count": len(list)})
	for _, ch := range list {
		c.say("challenge.inbox_item", map[string]any{
			"ID": ch.ID, "Challenger": shortKey(ch.Challenger), "TimeControl": ch.TimeControl.String(), "Preference": string(ch.Preference),
		})
	}
}

func (c *cli) accept(ctx context.Context, id string) {
	st, err := c.svc.Accept(ctx, id)
	if err != nil {
		c.fail(err)
		return
	}
	color, _ := st.ColorOf(c.svc.PublicKey())
	c.say("challenge.accepted", map[string]any{"ID": id, "Color": string(color)})
}

func (c *cli) report(id, move string, out pipeline.Outcome, err error) {
	switch {
	case err == nil:
		c.say("move.published", map[string]any{"ID": id, "Move": move})
	case out.Accepted:
		c.say("move.unpublished", map[string]any{"ID": id, "Move": move, "Reason": string(domain.KindOf(err))})
	default:
		c.fail(err)
	}
}

func (c *cli) watch(ctx context.Context, id string) {
	st, err := c.svc.Load(ctx, id)
	if err != nil {
		c.fail(err)
		return
	}
	c.watchMu.Lock()
	if _, dup := c.watches[id]; dup {
		c.watchMu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	c.watches[id] = cancel
	c.watchMu.Unlock()

	timer := game.NewTimer(st, time.Now(), func(color domain.Color) {
		c.say("clock.timeout", map[string]any{"ID": id, "Color": string(color)})
	})
	c.say("watch.started", map[string]any{"ID": id})

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		timer.Clock().Run(wctx, time.Second)
	}()
	go func() {
		defer c.wg.Done()
		err := c.svc.Watch(wctx, id, func(st domain.GameState) {
			timer.Observe(st, time.Now())
			c.say("watch.update", stateView(st))
			if !st.TimeControl.Untimed() {
				clk := timer.Clock()
				c.say("clock.status", map[string]any{
					"White": clk.Remaining(domain.White).Round(time.Second).String(),
					"Black": clk.Remaining(domain.Black).Round(time.Second).String(),
					"Running": clk.Running(), "Turn": string(clk.Turn()),
				})
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("cli_watch_failed", zap.String("game_id", id), zap.Error(err))
			c.fail(err)
		}
		c.say("watch.stopped", map[string]any{"ID": id})
	}()
}

func (c *cli) unwatch(id string) {
	c.watchMu.Lock()
	cancel, ok := c.watches[id]
	delete(c.watches, id)
	c.watchMu.Unlock()
	if !ok {
		c.say("watch.not_watching", map[string]any{"ID": id})
		return
	}
	cancel()
}

func (c *cli) stopAll() {
	c.watchMu.Lock()
	for id, cancel := range c.watches {
		cancel()
		delete(c.watches, id)
	}
	c.watchMu.Unlock()
	c.wg.Wait()
}

func stateView(st domain.GameState) map[string]any {
	last := ""
	if n := len(st.MovesUCI); n > 0 {
		last = st.MovesUCI[n-1]
	}
	return map[string]any{
		"ID":          st.ID,
		"White":       shortKey(st.White),
		"Black":       shortKey(st.Black),
		"TimeControl": st.TimeControl.String(),
		"MoveCount":   st.MoveCount,
		"LastMove":    last,
		"FEN":         st.FEN,
		"Terminal":    st.Result.Terminal(),
		"Result":      string(st.Result),
		"Termination": st.Termination,
		"Turn":        string(st.Turn()),
	}
}

func shortKey(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}
