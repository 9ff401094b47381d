package notation

import (
	"strings"
	"testing"

	"github.com/park285/relaychess/internal/domain"
)

func play(t *testing.T, rec *Record, moves ...string) *Record {
	t.Helper()
	for _, m := range moves {
		promo := ""
		if len(m) == 5 {
			promo = m[4:]
		}
		next, _, err := rec.Apply(m[:2], m[2:4], promo)
		if err != nil {
			t.Fatalf("Apply %s: %v", m, err)
		}
		rec = next
	}
	return rec
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := New(Headers{{Name: "White", Value: "aa"}, {Name: "Black", Value: "bb"}, {Name: "Event", Value: "Relay \"casual\""}, {Name: "Result", Value: "*"}})
	rec = play(t, rec, "e2e4", "e7e5", "g1f3", "b8c6")

	text := rec.Encode()
	if !strings.HasPrefix(text, "[Event ") {
		t.Fatalf("Event header should come first: %q", text)
	}
	if !strings.Contains(text, "1. e4 e5 2. Nf3 Nc6 *") {
		t.Fatalf("unexpected movetext: %q", text)
	}

	back, err := Decode(text)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.Headers.Get("Event") != "Relay \"casual\"" {
		t.Fatalf("escaped header lost: %q", back.Headers.Get("Event"))
	}
	if strings.Join(back.MovesUCI, " ") != "e2e4 e7e5 g1f3 b8c6" {
		t.Fatalf("uci mismatch: %v", back.MovesUCI)
	}
	if back.FEN() != rec.FEN() {
		t.Fatalf("fen mismatch: %s vs %s", back.FEN(), rec.FEN())
	}
}

func TestDecodeSkipsCommentsAndNumbers(t *testing.T) {
	text := "[White \"a\"]\n\n1.e4 {best by test} e5 (1... c5) 2. Nf3 $1 ; line comment\n2... Nc6 *"
	rec, err := Decode(text)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec.MoveCount() != 4 {
		t.Fatalf("moves = %d, want 4 (%v)", rec.MoveCount(), rec.MovesSAN)
	}
}

func TestDecodeFailures(t *testing.T) {
	for _, text := range []string{"", "   ", "[White \"a\"\n\n1. e4", "1. e4 e4", "1. Ke3"} {
		if _, err := Decode(text); domain.KindOf(err) != domain.KindDecodeFailure {
			t.Fatalf("Decode(%q) kind = %v, want decode failure", text, domain.KindOf(err))
		}
	}
}

func TestCheckmateIsTerminal(t *testing.T) {
	rec := play(t, New(nil), "e2e4", "e7e5", "f1c4", "b8c6", "d1h5", "g8f6", "h5f7")
	res, term := rec.Result()
	if res != domain.WhiteWins || term != "checkmate" {
		t.Fatalf("result = %s %q", res, term)
	}
	if last := rec.MovesSAN[len(rec.MovesSAN)-1]; !strings.HasPrefix(last, "Qxf7") {
		t.Fatalf("last san = %q", last)
	}
}

func TestResultHeaderFallback(t *testing.T) {
	rec := play(t, New(nil), "e2e4")
	rec.Headers = rec.Headers.With("Result", "0-1").With("Termination", "Resignation")
	res, term := rec.Result()
	if res != domain.BlackWins || term != "resignation" {
		t.Fatalf("result = %s %q", res, term)
	}
	back, err := Decode(rec.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r, _ := back.Result(); r != domain.BlackWins {
		t.Fatalf("decoded result = %s", r)
	}
}

func TestIllegalMove(t *testing.T) {
	rec := New(nil)
	if _, _, err := rec.Apply("e2", "e5", ""); domain.KindOf(err) != domain.KindIllegalMove {
		t.Fatalf("e2e5 kind = %v", domain.KindOf(err))
	}
	if _, _, err := rec.Apply("e7", "e5", ""); domain.KindOf(err) != domain.KindIllegalMove {
		t.Fatalf("black first kind = %v", domain.KindOf(err))
	}
	if _, _, err := rec.Apply("zz", "e4", ""); domain.KindOf(err) != domain.KindIllegalMove {
		t.Fatalf("bad square kind = %v", domain.KindOf(err))
	}
	if rec.MoveCount() != 0 {
		t.Fatalf("record mutated")
	}
}

func TestPromotionDefaultsToQueen(t *testing.T) {
	rec := play(t, New(nil), "h2h4", "g7g5", "h4g5", "h7h6", "g5h6", "f8g7", "h6g7", "g8f6")
	next, mv, err := rec.Apply("g7", "h8", "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if mv.UCI != "g7h8q" || !strings.HasPrefix(mv.SAN, "gxh8=Q") {
		t.Fatalf("move = %+v", mv)
	}
	if next.MoveCount() != rec.MoveCount()+1 {
		t.Fatalf("move count not advanced")
	}

	_, under, err := rec.Apply("g7", "h8", "n")
	if err != nil {
		t.Fatalf("underpromotion: %v", err)
	}
	if under.UCI != "g7h8n" {
		t.Fatalf("underpromotion uci = %q", under.UCI)
	}
}

func TestHeadersOrder(t *testing.T) {
	h := Headers{{Name: "Zeta", Value: "1"}, {Name: "Result", Value: "*"}, {Name: "Alpha", Value: "2"}, {Name: "White", Value: "w"}}
	got := h.ordered()
	names := make([]string, 0, len(got))
	for _, kv := range got {
		names = append(names, kv.Name)
	}
	if strings.Join(names, ",") != "White,Result,Alpha,Zeta" {
		t.Fatalf("order = %v", names)
	}
	if h.Without("Zeta").Get("Zeta") != "" {
		t.Fatalf("Without did not remove")
	}
}
