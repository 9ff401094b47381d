// Package colors resolves which side each party of a challenge plays.
package colors

import (
	"crypto/sha256"

	"github.com/park285/relaychess/internal/domain"
)

type Assignment struct {
	White string
	Black string
}

func (a Assignment) ColorOf(pubkey string) (domain.Color, bool) {
	switch pubkey {
	case a.White:
		return domain.White, true
	case a.Black:
		return domain.Black, true
	}
	return "", false
}

// Resolve is a pure function of its inputs, so both parties reach the same
// assignment without exchanging anything beyond the challenge parameters.
func Resolve(challenger, challenged string, pref domain.ColorPreference) Assignment {
	switch pref {
	case domain.PreferWhite:
		return Assignment{White: challenger, Black: challenged}
	case domain.PreferBlack:
		return Assignment{White: challenged, Black: challenger}
	}
	if challengerWhite(challenger, challenged) {
		return Assignment{White: challenger, Black: challenged}
	}
	return Assignment{White: challenged, Black: challenger}
}

// challengerWhite hashes the sorted pair so the digest does not depend on who
// asked; the challenger role then picks the side.
func challengerWhite(challenger, challenged string) bool {
	lo, hi := challenger, challenged
	if hi < lo {
		lo, hi = hi, lo
	}
	h := sha256.New()
	h.Write([]byte(lo))
	h.Write([]byte{0})
	h.Write([]byte(hi))
	sum := h.Sum(nil)
	loWhite := sum[0]&1 == 0
	return loWhite == (challenger == lo)
}
