// Package projector turns the unordered event set of one game into its
// canonical state.
package projector

import (
	"sort"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/challenge"
	"github.com/park285/relaychess/internal/domain"
	"github.com/park285/relaychess/internal/event"
	"github.com/park285/relaychess/internal/notation"
)

// Discard records why a snapshot was not considered.
type Discard struct {
	EventID string
	Kind    domain.Kind
	Reason  string
}

type candidate struct {
	ev     *nostr.Event
	rec    *notation.Record
	white  string
	black  string
	result domain.Result
	term   string
}

func (c *candidate) moves() int { return c.rec.MoveCount() }

// better reports whether a beats b: longer history, then terminal over
// in-progress, then the greater (created_at, id).
func better(a, b *candidate) bool {
	if a.moves() != b.moves() {
		return a.moves() > b.moves()
	}
	if at, bt := a.result.Terminal(), b.result.Terminal(); at != bt {
		return at
	}
	return event.Less(b.ev, a.ev)
}

// Project is a pure function of (id, events, baseline). baseline is the state
// previously adopted for id, or nil.
func Project(id string, events []nostr.Event, baseline *domain.GameState) (domain.GameState, error) {
	st, _, err := project(id, events, baseline)
	return st, err
}

func project(id string, events []nostr.Event, baseline *domain.GameState) (domain.GameState, []Discard, error) {
	var discards []Discard
	drop := func(ev *nostr.Event, k domain.Kind, reason string) {
		discards = append(discards, Discard{EventID: ev.ID, Kind: k, Reason: reason})
	}

	snapshots := snapshotsFor(id, events)

	ch, chErr := challenge.Fold(id, events)
	accepted := chErr == nil && ch.Status == challenge.StatusAccepted

	var anchorWhite, anchorBlack string
	switch {
	case baseline != nil && baseline.White != "":
		anchorWhite, anchorBlack = baseline.White, baseline.Black
	case accepted:
		a := ch.Assignment()
		anchorWhite, anchorBlack = a.White, a.Black
	}

	var decoded []*candidate
	for _, ev := range snapshots {
		c, kind, reason := decodeSnapshot(ev)
		if c == nil {
			drop(ev, kind, reason)
			continue
		}
		decoded = append(decoded, c)
	}
	if anchorWhite == "" {
		anchorWhite, anchorBlack = anchorFromSnapshots(decoded)
	}

	var valid []*candidate
	for _, c := range decoded {
		ev := c.ev
		if c.white != anchorWhite || c.black != anchorBlack {
			drop(ev, domain.KindNotAuthorized, "players differ from anchored players")
			continue
		}
		if baseline != nil && regresses(c, baseline) {
			drop(ev, domain.KindStaleSnapshot, "history behind adopted state")
			continue
		}
		valid = append(valid, c)
	}

	if len(valid) > 0 {
		best := valid[0]
		for _, c := range valid[1:] {
			if better(c, best) {
				best = c
			}
		}
		return stateFromCandidate(id, best, ch, accepted), discards, nil
	}

	switch {
	case baseline != nil && baseline.White != "":
		return baseline.Clone(), discards, nil
	case accepted:
		return initialState(id, ch), discards, nil
	}
	return domain.GameState{}, discards, domain.E(domain.KindNotFound, "projector.project", "no state for %s", id)
}

// anchorFromSnapshots picks the players when neither a baseline nor an
// accepted challenge names them. A pair both of whose members authored a
// snapshot wins over a pair only one side vouches for; among equals the
// earliest snapshot decides. cs is sorted ascending.
func anchorFromSnapshots(cs []*candidate) (white, black string) {
	type pair struct{ white, black string }
	authors := make(map[pair]map[string]bool)
	for _, c := range cs {
		p := pair{c.white, c.black}
		if authors[p] == nil {
			authors[p] = make(map[string]bool, 2)
		}
		authors[p][c.ev.PubKey] = true
	}
	for _, c := range cs {
		if a := authors[pair{c.white, c.black}]; a[c.white] && a[c.black] {
			return c.white, c.black
		}
	}
	if len(cs) > 0 {
		return cs[0].white, cs[0].black
	}
	return "", ""
}

// snapshotsFor returns the game's snapshot events, de-duplicated and sorted
// ascending.
func snapshotsFor(id string, events []nostr.Event) []*nostr.Event {
	seen := make(map[string]struct{}, len(events))
	var out []*nostr.Event
	for i := range events {
		ev := &events[i]
		if ev.Kind != event.KindMoveSnapshot || event.Identifier(ev) != id {
			continue
		}
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return event.Less(out[i], out[j]) })
	return out
}

func decodeSnapshot(ev *nostr.Event) (*candidate, domain.Kind, string) {
	rec, err := notation.Decode(ev.Content)
	if err != nil {
		return nil, domain.KindDecodeFailure, err.Error()
	}
	white := strings.TrimSpace(event.First(ev, event.TagWhite))
	black := strings.TrimSpace(event.First(ev, event.TagBlack))
	if white == "" {
		white = strings.TrimSpace(rec.Headers.Get("White"))
	}
	if black == "" {
		black = strings.TrimSpace(rec.Headers.Get("Black"))
	}
	if white == "" || black == "" || white == black {
		return nil, domain.KindDecodeFailure, "missing players"
	}
	if ev.PubKey != white && ev.PubKey != black {
		return nil, domain.KindNotAuthorized, "author is not a player"
	}
	res, term := rec.Result()
	return &candidate{ev: ev, rec: rec, white: white, black: black, result: res, term: term}, "", ""
}

// regresses reports a snapshot that would move the adopted state backwards.
func regresses(c *candidate, baseline *domain.GameState) bool {
	if c.moves() < baseline.MoveCount {
		return true
	}
	return c.moves() == baseline.MoveCount && baseline.Result.Terminal() && !c.result.Terminal()
}

func stateFromCandidate(id string, c *candidate, ch *challenge.Challenge, accepted bool) domain.GameState {
	tc, err := domain.ParseTimeControl(c.rec.Headers.Get("TimeControl"))
	if err != nil && accepted {
		tc = ch.TimeControl
	}
	st := StateFromRecord(id, c.white, c.black, tc, c.rec)
	st.Notation = c.ev.Content
	st.SourceEventID = c.ev.ID
	st.SourceTimestamp = int64(c.ev.CreatedAt)
	return st
}

// StateFromRecord fills the derived fields of a state from a decoded record.
// The caller sets Notation and the source fields.
func StateFromRecord(id, white, black string, tc domain.TimeControl, rec *notation.Record) domain.GameState {
	res, term := rec.Result()
	return domain.GameState{
		ID:          id,
		White:       white,
		Black:       black,
		TimeControl: tc,
		Result:      res,
		Termination: term,
		MoveCount:   rec.MoveCount(),
		MovesUCI:    append([]string(nil), rec.MovesUCI...),
		FEN:         rec.FEN(),
	}
}

// initialState is the empty game an accepted challenge implies.
func initialState(id string, ch *challenge.Challenge) domain.GameState {
	a := ch.Assignment()
	rec := notation.New(notation.GameHeaders(id, a.White, a.Black, ch.TimeControl, time.Unix(ch.ResolvedAt, 0)))
	st := StateFromRecord(id, a.White, a.Black, ch.TimeControl, rec)
	st.Notation = rec.Encode()
	st.SourceEventID = ch.ResolvedEventID
	st.SourceTimestamp = ch.ResolvedAt
	return st
}
