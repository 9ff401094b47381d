// Package challenge folds challenge events into a single lifecycle:
// pending, then at most one of accepted or declined.
package challenge

import (
	"sort"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/colors"
	"github.com/park285/relaychess/internal/domain"
	"github.com/park285/relaychess/internal/event"
	"github.com/park285/relaychess/internal/gameid"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

func (s Status) Terminal() bool { return s == StatusAccepted || s == StatusDeclined }

// Challenge is the folded view of one game identifier's challenge events.
type Challenge struct {
	ID            string
	OriginEventID string
	Challenger    string
	Challenged    string
	TimeControl   domain.TimeControl
	Preference    domain.ColorPreference
	CreatedAt     int64
	Status        Status

	// Set once terminal.
	ResolvedEventID string
	ResolvedAt      int64
	accept          *Payload
	acceptor        string
}

// Assignment recomputes colors from the accept payload when there is one,
// else from the origin parameters.
func (c *Challenge) Assignment() colors.Assignment {
	if c.accept != nil {
		challenger := c.accept.OriginalChallenger
		if challenger == "" {
			challenger = c.Challenger
		}
		return colors.Resolve(challenger, c.acceptor, c.accept.ChallengerColor)
	}
	return colors.Resolve(c.Challenger, c.Challenged, c.Preference)
}

// Propose builds the challenger's unsigned origin event.
func Propose(id, challenger, challenged string, tc domain.TimeControl, pref domain.ColorPreference) (nostr.Event, error) {
	const op = "challenge.propose"
	id = strings.TrimSpace(id)
	switch {
	case id == "" || gameid.IsDeclineID(id):
		return nostr.Event{}, domain.E(domain.KindInvalidArgument, op, "invalid identifier %q", id)
	case challenger == "":
		return nostr.Event{}, domain.E(domain.KindNotAuthenticated, op, "no challenger identity")
	case challenged == "" || challenged == challenger:
		return nostr.Event{}, domain.E(domain.KindInvalidArgument, op, "invalid opponent")
	case tc.InitialSeconds < 0 || tc.IncrementSeconds < 0:
		return nostr.Event{}, domain.E(domain.KindInvalidArgument, op, "negative time control")
	}
	content, err := Payload{TimeControl: tc, ChallengerColor: pref}.Encode()
	if err != nil {
		return nostr.Event{}, domain.Wrap(domain.KindInvalidArgument, op, err)
	}
	return nostr.Event{
		Kind: event.KindChallenge,
		Tags: nostr.Tags{
			{event.TagIdentifier, id},
			{event.TagRecipient, challenged},
			{event.TagStatus, string(StatusPending)},
		},
		Content: content,
	}, nil
}

// AcceptDraft builds the acceptance; only the challenged party may accept a pending challenge.
func AcceptDraft(c *Challenge, acceptor string) (nostr.Event, error) {
	return respond(c, acceptor, StatusAccepted, c.ID)
}

// DeclineDraft builds the decline under the derived decline identifier.
func DeclineDraft(c *Challenge, decliner string) (nostr.Event, error) {
	return respond(c, decliner, StatusDeclined, gameid.DeclineID(c.ID))
}

func respond(c *Challenge, author string, status Status, identifier string) (nostr.Event, error) {
	op := "challenge." + string(status)
	switch {
	case c == nil:
		return nostr.Event{}, domain.E(domain.KindNotFound, op, "no challenge")
	case author == "":
		return nostr.Event{}, domain.E(domain.KindNotAuthenticated, op, "no identity")
	case author != c.Challenged:
		return nostr.Event{}, domain.E(domain.KindNotAuthorized, op, "challenge %s is not addressed to you", c.ID)
	case c.Status.Terminal():
		return nostr.Event{}, domain.E(domain.KindInvalidArgument, op, "challenge %s already %s", c.ID, c.Status)
	}
	content, err := Payload{
		TimeControl:        c.TimeControl,
		ChallengerColor:    c.Preference,
		OriginalChallenger: c.Challenger,
	}.Encode()
	if err != nil {
		return nostr.Event{}, domain.Wrap(domain.KindInvalidArgument, op, err)
	}
	return nostr.Event{
		Kind: event.KindChallenge,
		Tags: nostr.Tags{
			{event.TagIdentifier, identifier},
			{event.TagRecipient, c.Challenger},
			{event.TagStatus, string(status)},
			{event.TagReference, c.OriginEventID},
		},
		Content: content,
	}, nil
}

// Fold derives the challenge for id from an unordered event set. Events are
// walked in (created_at, id) order so the first terminal response wins on
// every client. The origin is the earliest pending event its own recipient
// answered; with no answer yet it is the earliest pending event.
func Fold(id string, events []nostr.Event) (*Challenge, error) {
	sorted := relevant(id, events)

	var first *Challenge
	for i := range sorted {
		ev := &sorted[i]
		if Status(event.First(ev, event.TagStatus)) != StatusPending || event.Identifier(ev) != id {
			continue
		}
		c := originFrom(id, ev)
		if c == nil {
			continue
		}
		for j := i + 1; j < len(sorted) && !c.Status.Terminal(); j++ {
			applyResponse(c, &sorted[j], Status(event.First(&sorted[j], event.TagStatus)))
		}
		if c.Status.Terminal() {
			return c, nil
		}
		if first == nil {
			first = c
		}
	}
	if first == nil {
		return nil, domain.E(domain.KindNotFound, "challenge.fold", "no challenge for %s", id)
	}
	return first, nil
}

func relevant(id string, events []nostr.Event) []nostr.Event {
	decline := gameid.DeclineID(id)
	out := make([]nostr.Event, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev.Kind != event.KindChallenge {
			continue
		}
		if d := event.Identifier(&ev); d != id && d != decline {
			continue
		}
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return event.Less(&out[i], &out[j]) })
	return out
}

func originFrom(id string, ev *nostr.Event) *Challenge {
	recipient := event.First(ev, event.TagRecipient)
	if recipient == "" || recipient == ev.PubKey {
		return nil
	}
	p, err := DecodePayload(ev.Content)
	if err != nil {
		return nil
	}
	return &Challenge{
		ID:            id,
		OriginEventID: ev.ID,
		Challenger:    ev.PubKey,
		Challenged:    recipient,
		TimeControl:   p.TimeControl,
		Preference:    p.ChallengerColor,
		CreatedAt:     int64(ev.CreatedAt),
		Status:        StatusPending,
	}
}

func applyResponse(c *Challenge, ev *nostr.Event, status Status) {
	if ev.PubKey != c.Challenged || !status.Terminal() {
		return
	}
	if event.First(ev, event.TagReference) != c.OriginEventID {
		return
	}
	if status == StatusAccepted {
		if event.Identifier(ev) != c.ID {
			return
		}
		p, err := DecodePayload(ev.Content)
		if err != nil {
			return
		}
		if p.OriginalChallenger != "" && p.OriginalChallenger != c.Challenger {
			return
		}
		if p.TimeControl != c.TimeControl || p.ChallengerColor != c.Preference {
			return
		}
		c.accept = &p
		c.acceptor = ev.PubKey
	}
	c.Status = status
	c.ResolvedEventID = ev.ID
	c.ResolvedAt = int64(ev.CreatedAt)
}

// Inbox folds every identifier present in events and returns the challenges
// still pending for self, newest first.
func Inbox(events []nostr.Event, self string) []*Challenge {
	ids := make(map[string]struct{})
	for i := range events {
		if events[i].Kind != event.KindChallenge {
			continue
		}
		if d := event.Identifier(&events[i]); d != "" {
			ids[gameid.OriginOf(d)] = struct{}{}
		}
	}
	var out []*Challenge
	for id := range ids {
		c, err := Fold(id, events)
		if err != nil || c.Challenged != self || c.Status != StatusPending {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
