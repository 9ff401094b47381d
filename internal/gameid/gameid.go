package gameid

import (
	"strings"

	"github.com/google/uuid"
)

const declineSuffix = "-declined"

// New returns a fresh opaque game identifier.
func New() string { return uuid.NewString() }

// DeclineID derives the identifier a decline is published under.
func DeclineID(origin string) string { return origin + declineSuffix }

func IsDeclineID(id string) bool { return strings.HasSuffix(id, declineSuffix) }

// OriginOf strips the decline suffix.
func OriginOf(id string) string { return strings.TrimSuffix(id, declineSuffix) }
