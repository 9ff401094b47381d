package event

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	s := GenerateSigner()
	ev, err := s.Sign(nostr.Event{
		Kind:    KindMoveSnapshot,
		Tags:    nostr.Tags{{TagIdentifier, "g1"}, {TagWhite, "a"}, {TagRecipient, "x"}, {TagRecipient, "y"}},
		Content: "1. e4 *",
	})
	require.NoError(t, err)
	require.Equal(t, s.PublicKey(), ev.PubKey)
	require.NotZero(t, ev.CreatedAt)
	require.NoError(t, Verify(&ev))

	require.Equal(t, "g1", Identifier(&ev))
	require.Equal(t, "a", First(&ev, TagWhite))
	require.Equal(t, []string{"x", "y"}, All(&ev, TagRecipient))
	require.Empty(t, First(&ev, TagBlack))

	tampered := ev
	tampered.Content = "1. d4 *"
	require.Error(t, Verify(&tampered))
}

func TestNewSignerRejectsEmpty(t *testing.T) {
	_, err := NewSigner("  ")
	require.Error(t, err)
	var nilSigner *Signer
	_, err = nilSigner.Sign(nostr.Event{})
	require.Error(t, err)
}

func TestGameFilterMatchesDecline(t *testing.T) {
	f := GameFilter("g1")
	ev := &nostr.Event{Kind: KindChallenge, Tags: nostr.Tags{{TagIdentifier, "g1-declined"}}}
	require.True(t, f.Matches(ev))
	other := &nostr.Event{Kind: KindChallenge, Tags: nostr.Tags{{TagIdentifier, "g2"}}}
	require.False(t, f.Matches(other))
}

func TestLessOrdersByTimeThenID(t *testing.T) {
	a := &nostr.Event{ID: "b", CreatedAt: 10}
	b := &nostr.Event{ID: "a", CreatedAt: 11}
	c := &nostr.Event{ID: "c", CreatedAt: 10}
	require.True(t, Less(a, b))
	require.True(t, Less(a, c))
	require.False(t, Less(c, a))
}
