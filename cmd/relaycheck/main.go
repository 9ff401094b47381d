package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/event"
	"github.com/park285/relaychess/internal/relay"
)

func main() {
	window := flag.Duration("window", 10*time.Second, "how long to observe live events")
	flag.Parse()

	urls := flag.Args()
	if len(urls) == 0 {
		if v := strings.TrimSpace(os.Getenv("RELAY_URLS")); v != "" {
			urls = strings.Split(v, ",")
		}
	}
	if len(urls) == 0 {
		log.Fatal("usage: relaycheck [-window 10s] <ws-url>... (or RELAY_URLS)")
	}
	for _, u := range urls {
		check(strings.TrimSpace(u), *window)
	}
}

func check(url string, window time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := relay.NewInfoClient(relay.WithInfoTimeout(5 * time.Second)).Fetch(ctx, url)
	if err != nil {
		log.Printf("%s info error: %v", url, err)
	} else {
		log.Printf("%s info ok: name=%q software=%s version=%s nips=%v", url, info.Name, info.Software, info.Version, info.SupportedNIPs)
	}

	conn := relay.NewConn(url, relay.WithReconnectAttempts(0))
	conn.OnStateChange(func(u string, state relay.State) {
		log.Printf("%s state: %s", u, state)
	})
	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := conn.Connect(cctx); err != nil {
		log.Printf("%s connect error: %v", url, err)
		return
	}
	defer func() { _ = conn.Close(context.Background()) }()

	since := nostr.Timestamp(time.Now().Add(-24 * time.Hour).Unix())
	filter := nostr.Filter{Kinds: []int{event.KindChallenge, event.KindMoveSnapshot}, Since: &since, Limit: 20}
	qctx, qcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer qcancel()
	recent, err := conn.Query(qctx, filter)
	if err != nil {
		log.Printf("%s query error: %v", url, err)
		return
	}
	log.Printf("%s query ok: %d chess events in the last 24h", url, len(recent))

	sctx, scancel := context.WithTimeout(context.Background(), window)
	defer scancel()
	sub, err := conn.Subscribe(sctx, nostr.Filter{Kinds: filter.Kinds})
	if err != nil {
		log.Printf("%s subscribe error: %v", url, err)
		return
	}
	for ev := range sub.Events {
		fmt.Printf("event kind=%d game=%s from=%s\n", ev.Kind, event.Identifier(&ev), ev.PubKey)
	}
}
