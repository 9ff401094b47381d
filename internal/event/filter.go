package event

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/gameid"
)

// GameFilter matches every challenge and snapshot event for id, including the
// derived decline identifier.
func GameFilter(id string) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{KindChallenge, KindMoveSnapshot},
		Tags:  nostr.TagMap{TagIdentifier: []string{id, gameid.DeclineID(id)}},
	}
}

// IncomingChallenges matches challenge events addressed to pubkey.
func IncomingChallenges(pubkey string, since nostr.Timestamp) nostr.Filter {
	f := nostr.Filter{
		Kinds: []int{KindChallenge},
		Tags:  nostr.TagMap{TagRecipient: []string{pubkey}},
	}
	if since > 0 {
		f.Since = &since
	}
	return f
}

// OutgoingChallenges matches challenge events authored by pubkey.
func OutgoingChallenges(pubkey string, since nostr.Timestamp) nostr.Filter {
	f := nostr.Filter{
		Kinds:   []int{KindChallenge},
		Authors: []string{pubkey},
	}
	if since > 0 {
		f.Since = &since
	}
	return f
}
