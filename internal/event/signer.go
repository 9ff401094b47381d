package event

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/domain"
)

// Signer holds one identity's secret key.
type Signer struct {
	secret string
	pubkey string
}

// NewSigner builds a signer from a hex secret key.
func NewSigner(secretHex string) (*Signer, error) {
	secretHex = strings.TrimSpace(secretHex)
	if secretHex == "" {
		return nil, domain.E(domain.KindNotAuthenticated, "event.signer", "secret key is empty")
	}
	pk, err := nostr.GetPublicKey(secretHex)
	if err != nil {
		return nil, domain.Wrap(domain.KindNotAuthenticated, "event.signer", err)
	}
	return &Signer{secret: secretHex, pubkey: pk}, nil
}

// GenerateSigner creates a fresh identity.
func GenerateSigner() *Signer {
	s, err := NewSigner(nostr.GeneratePrivateKey())
	if err != nil {
		panic(fmt.Sprintf("event: generated key rejected: %v", err))
	}
	return s
}

func (s *Signer) PublicKey() string {
	if s == nil {
		return ""
	}
	return s.pubkey
}

// Sign fills pubkey, id and sig on a copy of draft. CreatedAt defaults to now.
func (s *Signer) Sign(draft nostr.Event) (nostr.Event, error) {
	if s == nil {
		return nostr.Event{}, domain.ErrNotAuthenticated
	}
	ev := draft
	ev.Tags = append(nostr.Tags(nil), draft.Tags...)
	if ev.CreatedAt == 0 {
		ev.CreatedAt = nostr.Now()
	}
	ev.PubKey = s.pubkey
	if err := ev.Sign(s.secret); err != nil {
		return nostr.Event{}, fmt.Errorf("sign event: %w", err)
	}
	return ev, nil
}

// Verify checks the id hash and the signature.
func Verify(ev *nostr.Event) error {
	if ev == nil {
		return fmt.Errorf("verify: nil event")
	}
	if ev.GetID() != ev.ID {
		return fmt.Errorf("verify %s: id mismatch", ev.ID)
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Errorf("verify %s: %w", ev.ID, err)
	}
	if !ok {
		return fmt.Errorf("verify %s: bad signature", ev.ID)
	}
	return nil
}
