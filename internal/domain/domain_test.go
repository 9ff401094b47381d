package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseTimeControl(t *testing.T) {
	cases := []struct {
		in      string
		want    TimeControl
		wantErr bool
	}{
		{in: "300+0", want: TimeControl{InitialSeconds: 300}},
		{in: "180+2", want: TimeControl{InitialSeconds: 180, IncrementSeconds: 2}},
		{in: "600", want: TimeControl{InitialSeconds: 600}},
		{in: "-", want: TimeControl{}},
		{in: "", want: TimeControl{}},
		{in: "abc", wantErr: true},
		{in: "60+x", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseTimeControl(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseTimeControl(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseTimeControl(%q) = %+v, %v; want %+v", tc.in, got, err, tc.want)
		}
	}
	if (TimeControl{}).String() != "-" || !(TimeControl{IncrementSeconds: 3}).Untimed() {
		t.Fatalf("zero initial time must be untimed")
	}
}

func TestErrorKindsMatch(t *testing.T) {
	err := fmt.Errorf("submit: %w", E(KindBroadcastTimeout, "pipeline.submit", "relay did not answer"))
	if !errors.Is(err, ErrBroadcastTimeout) {
		t.Fatalf("expected BroadcastTimeout to match, got %v", err)
	}
	if errors.Is(err, ErrIllegalMove) {
		t.Fatalf("kinds must not cross-match")
	}
	if !IsRetryable(err) || KindOf(err) != KindBroadcastTimeout {
		t.Fatalf("broadcast timeout must be retryable")
	}
	if IsRetryable(E(KindNotAuthorized, "", "nope")) {
		t.Fatalf("authorization errors are not retryable")
	}
}

func TestGameStateHelpers(t *testing.T) {
	s := GameState{White: "w", Black: "b", MoveCount: 3, MovesUCI: []string{"e2e4", "e7e5", "g1f3"}}
	if s.Turn() != Black {
		t.Fatalf("expected black to move after 3 plies")
	}
	if c, ok := s.ColorOf("b"); !ok || c != Black {
		t.Fatalf("ColorOf(b) = %v %v", c, ok)
	}
	if _, ok := s.ColorOf("x"); ok {
		t.Fatalf("outsider must not have a color")
	}
	cp := s.Clone()
	cp.MovesUCI[0] = "d2d4"
	if s.MovesUCI[0] != "e2e4" {
		t.Fatalf("Clone must not share move slice")
	}
	if s.Opponent("w") != "b" || s.Opponent("x") != "" {
		t.Fatalf("unexpected opponent lookup")
	}
}
