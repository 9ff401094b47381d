package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/event"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "disconnected"
}

type StateCallback func(url string, state State)

type okResult struct {
	accepted bool
	message  string
}

type connSub struct {
	filter   nostr.Filter
	sub      *Subscription
	eose     chan struct{}
	eoseOnce sync.Once
}

// Conn is a NIP-01 client for one relay URL.
type Conn struct {
	url    string
	logger *zap.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	state State
	subs  map[string]*connSub
	oks   map[string]chan okResult

	stateCbs []StateCallback
	cbM      sync.RWMutex

	maxReconnectAttempts int
	pingInterval         time.Duration
	dialTimeout          time.Duration
	seq                  atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type ConnOption func(*Conn)

func WithReconnectAttempts(n int) ConnOption {
	return func(c *Conn) { c.maxReconnectAttempts = n }
}

func WithPingInterval(d time.Duration) ConnOption {
	return func(c *Conn) { c.pingInterval = d }
}

func WithLogger(l *zap.Logger) ConnOption {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewConn(url string, opts ...ConnOption) *Conn {
	c := &Conn{
		url:                  strings.TrimSpace(url),
		logger:               zap.NewNop(),
		state:                StateDisconnected,
		subs:                 make(map[string]*connSub),
		oks:                  make(map[string]chan okResult),
		maxReconnectAttempts: 8,
		pingInterval:         30 * time.Second,
		dialTimeout:          10 * time.Second,
		stopCh:               make(chan struct{}),
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) URL() string { return c.url }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) OnStateChange(cb StateCallback) {
	c.cbM.Lock()
	c.stateCbs = append(c.stateCbs, cb)
	c.cbM.Unlock()
}

func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if c.isStopping() {
		return ErrClosed
	}

	c.setState(StateConnecting)
	if err := c.dial(ctx); err != nil {
		c.setState(StateFailed)
		c.scheduleReconnect()
		return err
	}
	return nil
}

func (c *Conn) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.listen(conn)
	go c.pingLoop(conn)
	return nil
}

func (c *Conn) listen(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.Read(c.rootCtx)
		if err != nil {
			if c.isStopping() {
				return
			}
			c.logger.Warn("relay_read_failed", zap.String("url", c.url), zap.Error(err))
			c.drop(conn, "read failure")
			return
		}
		c.handle(data)
	}
}

func (c *Conn) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if c.current() != conn {
				return
			}
			ctx, cancel := context.WithTimeout(c.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.drop(conn, "ping failure")
				return
			}
		}
	}
}

func (c *Conn) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// drop tears down conn, ends every subscription and pending publish, and
// starts reconnecting. Subscriptions do not survive a drop.
func (c *Conn) drop(conn *websocket.Conn, reason string) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	subs := c.subs
	c.subs = make(map[string]*connSub)
	oks := c.oks
	c.oks = make(map[string]chan okResult)
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusGoingAway, reason)
	for _, s := range subs {
		s.sub.end()
		s.eoseOnce.Do(func() { close(s.eose) })
	}
	for _, ch := range oks {
		close(ch)
	}
	if c.isStopping() {
		return
	}
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Conn) scheduleReconnect() {
	if c.maxReconnectAttempts <= 0 || c.isStopping() {
		return
	}
	c.setState(StateReconnecting)
	go func() {
		for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			if err := c.dial(c.rootCtx); err != nil {
				c.logger.Debug("relay_reconnect_failed", zap.String("url", c.url), zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			c.logger.Info("relay_reconnected", zap.String("url", c.url), zap.Int("attempt", attempt))
			return
		}
		c.setState(StateFailed)
	}()
}

func (c *Conn) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.cbM.RLock()
	callbacks := append([]StateCallback(nil), c.stateCbs...)
	c.cbM.RUnlock()
	for _, cb := range callbacks {
		cb(c.url, state)
	}
}

func (c *Conn) handle(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		c.logger.Debug("relay_bad_frame", zap.String("url", c.url), zap.ByteString("frame", truncate(data, 256)))
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}
	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		var ev nostr.Event
		if json.Unmarshal(frame[1], &subID) != nil || json.Unmarshal(frame[2], &ev) != nil {
			return
		}
		if err := event.Verify(&ev); err != nil {
			c.logger.Warn("relay_event_unverified", zap.String("url", c.url), zap.String("event_id", ev.ID), zap.Error(err))
			return
		}
		if s := c.sub(subID); s != nil && s.filter.Matches(&ev) {
			s.sub.offer(ev)
		}
	case "EOSE":
		var subID string
		if json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		if s := c.sub(subID); s != nil {
			s.eoseOnce.Do(func() { close(s.eose) })
		}
	case "OK":
		if len(frame) < 3 {
			return
		}
		var id, msg string
		var accepted bool
		if json.Unmarshal(frame[1], &id) != nil || json.Unmarshal(frame[2], &accepted) != nil {
			return
		}
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &msg)
		}
		c.mu.Lock()
		ch := c.oks[id]
		delete(c.oks, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- okResult{accepted: accepted, message: msg}
		}
	case "CLOSED":
		var subID, msg string
		if json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		if len(frame) > 2 {
			_ = json.Unmarshal(frame[2], &msg)
		}
		c.logger.Info("relay_subscription_closed", zap.String("url", c.url), zap.String("sub", subID), zap.String("message", msg))
		c.mu.Lock()
		s := c.subs[subID]
		delete(c.subs, subID)
		c.mu.Unlock()
		if s != nil {
			s.sub.end()
			s.eoseOnce.Do(func() { close(s.eose) })
		}
	case "NOTICE":
		var msg string
		_ = json.Unmarshal(frame[1], &msg)
		c.logger.Info("relay_notice", zap.String("url", c.url), zap.String("message", msg))
	}
}

func (c *Conn) sub(id string) *connSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

func (c *Conn) write(ctx context.Context, v any) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	wctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return wsjson.Write(wctx, conn, v)
}

// Publish sends ev and waits for the relay's OK.
func (c *Conn) Publish(ctx context.Context, ev nostr.Event) error {
	ch := make(chan okResult, 1)
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.oks[ev.ID] = ch
	c.mu.Unlock()

	if err := c.write(ctx, []any{"EVENT", ev}); err != nil {
		c.forgetOK(ev.ID)
		return fmt.Errorf("publish to %s: %w", c.url, err)
	}
	select {
	case <-ctx.Done():
		c.forgetOK(ev.ID)
		return ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return fmt.Errorf("publish to %s: %w", c.url, ErrNotConnected)
		}
		if !res.accepted && !strings.HasPrefix(res.message, "duplicate:") {
			return fmt.Errorf("%w by %s: %s", ErrRejected, c.url, res.message)
		}
		return nil
	}
}

func (c *Conn) forgetOK(id string) {
	c.mu.Lock()
	delete(c.oks, id)
	c.mu.Unlock()
}

func (c *Conn) open(ctx context.Context, filter nostr.Filter) (string, *connSub, error) {
	id := "rc" + strconv.FormatUint(c.seq.Add(1), 10)
	cs := &connSub{filter: filter, eose: make(chan struct{})}
	cs.sub = newSubscription(ctx, func() {
		c.mu.Lock()
		_, live := c.subs[id]
		delete(c.subs, id)
		c.mu.Unlock()
		if live {
			_ = c.write(context.Background(), []any{"CLOSE", id})
		}
	})

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		cs.sub.Close()
		return "", nil, ErrNotConnected
	}
	c.subs[id] = cs
	c.mu.Unlock()

	if err := c.write(ctx, []any{"REQ", id, filter}); err != nil {
		cs.sub.Close()
		return "", nil, fmt.Errorf("subscribe on %s: %w", c.url, err)
	}
	return id, cs, nil
}

func (c *Conn) Subscribe(ctx context.Context, filter nostr.Filter) (*Subscription, error) {
	_, cs, err := c.open(ctx, filter)
	if err != nil {
		return nil, err
	}
	return cs.sub, nil
}

// Query collects stored events until EOSE.
func (c *Conn) Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error) {
	_, cs, err := c.open(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cs.sub.Close()

	var out []nostr.Event
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-cs.sub.Events:
			if !ok {
				return sortNewest(out, filter.Limit), nil
			}
			out = append(out, ev)
		case <-cs.eose:
			// Drain what arrived before EOSE.
			for {
				select {
				case ev, ok := <-cs.sub.Events:
					if !ok {
						return sortNewest(out, filter.Limit), nil
					}
					out = append(out, ev)
				default:
					return sortNewest(out, filter.Limit), nil
				}
			}
		}
	}
}

func (c *Conn) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	conn := c.current()
	c.mu.Lock()
	c.conn = nil
	subs := c.subs
	c.subs = make(map[string]*connSub)
	c.mu.Unlock()
	for _, s := range subs {
		s.sub.end()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	c.rootCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		c.setState(StateDisconnected)
		return nil
	}
}

func (c *Conn) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
