// Package event defines the two wire event kinds and the helpers used to
// build, sign, verify and address them.
package event

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Addressable kinds; the "d" tag carries the game identifier.
const (
	KindChallenge    = 30064
	KindMoveSnapshot = 30065
)

// Tag names.
const (
	TagIdentifier = "d"
	TagRecipient  = "p"
	TagStatus     = "status"
	TagReference  = "e"
	TagWhite      = "white"
	TagBlack      = "black"
)

// First returns the first value of tag name, or "".
func First(ev *nostr.Event, name string) string {
	if ev == nil {
		return ""
	}
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// All returns every value of tag name in order.
func All(ev *nostr.Event, name string) []string {
	if ev == nil {
		return nil
	}
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

func Identifier(ev *nostr.Event) string {
	return strings.TrimSpace(First(ev, TagIdentifier))
}

// Less orders events by (created_at, id) ascending.
func Less(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}
