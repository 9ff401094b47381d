package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Color identifies a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// ColorPreference is the challenger's requested side.
type ColorPreference string

const (
	PreferWhite  ColorPreference = "white"
	PreferBlack  ColorPreference = "black"
	PreferRandom ColorPreference = "random"
)

func ParseColorPreference(s string) ColorPreference {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return PreferWhite
	case "black", "b":
		return PreferBlack
	default:
		return PreferRandom
	}
}

// Result uses PGN result tokens so it can round-trip through the Result header.
type Result string

const (
	InProgress Result = "*"
	WhiteWins  Result = "1-0"
	BlackWins  Result = "0-1"
	Draw       Result = "1/2-1/2"
)

func (r Result) Terminal() bool {
	return r == WhiteWins || r == BlackWins || r == Draw
}

func ParseResult(s string) Result {
	switch strings.TrimSpace(s) {
	case "1-0":
		return WhiteWins
	case "0-1":
		return BlackWins
	case "1/2-1/2", "½-½":
		return Draw
	default:
		return InProgress
	}
}

// WinnerResult returns the result for a win by c.
func WinnerResult(c Color) Result {
	if c == White {
		return WhiteWins
	}
	return BlackWins
}

// TimeControl is expressed in seconds. InitialSeconds == 0 means untimed.
type TimeControl struct {
	InitialSeconds   int `json:"initialSeconds" yaml:"initial_seconds"`
	IncrementSeconds int `json:"incrementSeconds" yaml:"increment_seconds"`
}

func (tc TimeControl) Untimed() bool { return tc.InitialSeconds <= 0 }

// String renders the PGN TimeControl form, "-" when untimed.
func (tc TimeControl) String() string {
	if tc.Untimed() {
		return "-"
	}
	return fmt.Sprintf("%d+%d", tc.InitialSeconds, tc.IncrementSeconds)
}

// ParseTimeControl accepts "300+5", "300" and "-" (untimed).
func ParseTimeControl(s string) (TimeControl, error) {
	v := strings.TrimSpace(s)
	if v == "" || v == "-" || strings.EqualFold(v, "none") {
		return TimeControl{}, nil
	}
	base, inc, hasInc := strings.Cut(v, "+")
	initial, err := strconv.Atoi(strings.TrimSpace(base))
	if err != nil || initial < 0 {
		return TimeControl{}, fmt.Errorf("invalid time control %q", s)
	}
	tc := TimeControl{InitialSeconds: initial}
	if hasInc {
		n, err := strconv.Atoi(strings.TrimSpace(inc))
		if err != nil || n < 0 {
			return TimeControl{}, fmt.Errorf("invalid time control increment %q", s)
		}
		tc.IncrementSeconds = n
	}
	return tc, nil
}
