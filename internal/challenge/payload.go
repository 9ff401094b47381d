package challenge

import (
	"encoding/json"
	"strings"

	"github.com/park285/relaychess/internal/domain"
)

// Payload is the JSON content of every challenge event. Accept and decline
// events repeat the origin's parameters so either side can recompute colors.
type Payload struct {
	TimeControl        domain.TimeControl     `json:"timeControl"`
	ChallengerColor    domain.ColorPreference `json:"challengerColor"`
	OriginalChallenger string                 `json:"originalChallenger,omitempty"`
}

func (p Payload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodePayload(content string) (Payload, error) {
	const op = "challenge.payload"
	var p Payload
	if strings.TrimSpace(content) == "" {
		return p, domain.E(domain.KindDecodeFailure, op, "empty content")
	}
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return p, domain.Wrap(domain.KindDecodeFailure, op, err)
	}
	if p.TimeControl.InitialSeconds < 0 || p.TimeControl.IncrementSeconds < 0 {
		return p, domain.E(domain.KindDecodeFailure, op, "negative time control")
	}
	p.ChallengerColor = domain.ParseColorPreference(string(p.ChallengerColor))
	p.OriginalChallenger = strings.TrimSpace(p.OriginalChallenger)
	return p, nil
}
