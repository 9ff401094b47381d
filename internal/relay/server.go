package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Server exposes a Relay store over NIP-01 websockets.
type Server struct {
	store  Relay
	logger *zap.Logger
	info   Info
}

func NewServer(store Relay, info Info, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: store, info: info, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") == infoContentType {
		w.Header().Set("Content-Type", infoContentType)
		_ = json.NewEncoder(w).Encode(s.info)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("relay_server_accept_failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(1 << 20)
	sess := &session{srv: s, conn: conn, subs: make(map[string]context.CancelFunc)}
	sess.run(r.Context())
}

type session struct {
	srv  *Server
	conn *websocket.Conn
	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
				s.srv.logger.Debug("relay_server_read_failed", zap.Error(err))
			}
			return
		}
		s.handle(ctx, data)
	}
}

func (s *session) send(ctx context.Context, frame ...any) {
	if err := wsjson.Write(ctx, s.conn, frame); err != nil {
		s.srv.logger.Debug("relay_server_write_failed", zap.Error(err))
	}
}

func (s *session) handle(ctx context.Context, data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		s.send(ctx, "NOTICE", "invalid: malformed frame")
		return
	}
	var label string
	_ = json.Unmarshal(frame[0], &label)
	switch label {
	case "EVENT":
		var ev nostr.Event
		if err := json.Unmarshal(frame[1], &ev); err != nil {
			s.send(ctx, "NOTICE", "invalid: malformed event")
			return
		}
		if err := s.srv.store.Publish(ctx, ev); err != nil {
			s.send(ctx, "OK", ev.ID, false, "invalid: "+err.Error())
			return
		}
		s.send(ctx, "OK", ev.ID, true, "")
	case "REQ":
		var subID string
		if json.Unmarshal(frame[1], &subID) != nil || len(frame) < 3 {
			s.send(ctx, "NOTICE", "invalid: malformed REQ")
			return
		}
		filters := make([]nostr.Filter, 0, len(frame)-2)
		for _, raw := range frame[2:] {
			var f nostr.Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				s.send(ctx, "CLOSED", subID, "invalid: malformed filter")
				return
			}
			filters = append(filters, f)
		}
		s.req(ctx, subID, filters)
	case "CLOSE":
		var subID string
		_ = json.Unmarshal(frame[1], &subID)
		s.mu.Lock()
		if stop, ok := s.subs[subID]; ok {
			stop()
			delete(s.subs, subID)
		}
		s.mu.Unlock()
	default:
		s.send(ctx, "NOTICE", "unsupported: "+label)
	}
}

func (s *session) req(ctx context.Context, subID string, filters []nostr.Filter) {
	s.mu.Lock()
	if stop, ok := s.subs[subID]; ok {
		stop()
	}
	subCtx, stop := context.WithCancel(ctx)
	s.subs[subID] = stop
	s.mu.Unlock()

	// Live subscriptions open before the stored query so nothing published in
	// between is missed; duplicates are harmless to readers.
	var live []*Subscription
	for _, f := range filters {
		sub, err := s.srv.store.Subscribe(subCtx, f)
		if err != nil {
			s.send(ctx, "CLOSED", subID, "error: "+err.Error())
			stop()
			return
		}
		live = append(live, sub)
	}
	for _, f := range filters {
		stored, err := s.srv.store.Query(ctx, f)
		if err != nil {
			s.send(ctx, "CLOSED", subID, "error: "+err.Error())
			stop()
			return
		}
		for i := len(stored) - 1; i >= 0; i-- {
			s.send(ctx, "EVENT", subID, stored[i])
		}
	}
	s.send(ctx, "EOSE", subID)

	for _, sub := range live {
		go func(sub *Subscription) {
			defer sub.Close()
			for ev := range sub.Events {
				s.send(subCtx, "EVENT", subID, ev)
			}
			if subCtx.Err() == nil {
				s.send(ctx, "CLOSED", subID, "error: subscription dropped")
			}
		}(sub)
	}
}
