package notation

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/relaychess/internal/domain"
)

// Record is a decoded game: headers, the replayed rules position and the move lists.
// Records are treated as values; Apply returns a new Record.
type Record struct {
	Headers  Headers
	Game     *nchess.Game
	MovesSAN []string
	MovesUCI []string
}

// Move is one applied ply in both notations.
type Move struct {
	UCI string
	SAN string
}

// New starts a record at the initial position.
func New(headers Headers) *Record {
	return &Record{
		Headers:  append(Headers(nil), headers...),
		Game:     nchess.NewGame(),
		MovesSAN: []string{},
		MovesUCI: []string{},
	}
}

func (r *Record) MoveCount() int { return len(r.MovesUCI) }

func (r *Record) FEN() string { return r.Game.FEN() }

// Result prefers the outcome reached on the board and falls back to the
// Result header, which is how resignations travel.
func (r *Record) Result() (domain.Result, string) {
	if res, term := Terminal(r.Game); res.Terminal() {
		return res, term
	}
	res := domain.ParseResult(r.Headers.Get("Result"))
	if !res.Terminal() {
		return domain.InProgress, ""
	}
	return res, strings.ToLower(strings.TrimSpace(r.Headers.Get("Termination")))
}

// Apply plays from->to on a copy of the record.
func (r *Record) Apply(from, to, promotion string) (*Record, Move, error) {
	g, mv, err := ApplyMove(r.Game, from, to, promotion)
	if err != nil {
		return nil, Move{}, err
	}
	next := &Record{
		Headers:  append(Headers(nil), r.Headers...),
		Game:     g,
		MovesSAN: append(append([]string(nil), r.MovesSAN...), mv.SAN),
		MovesUCI: append(append([]string(nil), r.MovesUCI...), mv.UCI),
	}
	return next, mv, nil
}

// Encode renders the record as PGN text: headers, blank line, numbered SAN, result token.
func (r *Record) Encode() string {
	var b strings.Builder
	for _, h := range r.Headers.ordered() {
		fmt.Fprintf(&b, "[%s \"%s\"]\n", h.Name, escapeValue(h.Value))
	}
	b.WriteString("\n")
	for i := 0; i < len(r.MovesSAN); i += 2 {
		fmt.Fprintf(&b, "%d. %s", i/2+1, strings.TrimSpace(r.MovesSAN[i]))
		if i+1 < len(r.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(r.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	result := r.Headers.Get("Result")
	if result == "" {
		result = string(domain.InProgress)
	}
	b.WriteString(result)
	return b.String()
}

// Decode parses PGN text and replays every move. Any unreadable header block,
// token or illegal move is a DecodeFailure.
func Decode(text string) (*Record, error) {
	const op = "notation.decode"
	if strings.TrimSpace(text) == "" {
		return nil, domain.E(domain.KindDecodeFailure, op, "empty notation")
	}
	var headers Headers
	var movetext strings.Builder
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			h, ok := parseHeaderLine(trimmed)
			if !ok {
				return nil, domain.E(domain.KindDecodeFailure, op, "malformed header %q", trimmed)
			}
			headers = headers.With(h.Name, h.Value)
			continue
		}
		movetext.WriteString(line)
		movetext.WriteString("\n")
	}

	rec := New(headers)
	for _, tok := range tokenize(movetext.String()) {
		pos := rec.Game.Position()
		if err := rec.Game.PushNotationMove(tok, nchess.AlgebraicNotation{}, nil); err != nil {
			return nil, domain.Wrap(domain.KindDecodeFailure, op, fmt.Errorf("move %d %q: %w", len(rec.MovesSAN)+1, tok, err))
		}
		last := lastMove(rec.Game)
		if last == nil {
			return nil, domain.E(domain.KindDecodeFailure, op, "move %q not recorded", tok)
		}
		rec.MovesSAN = append(rec.MovesSAN, nchess.AlgebraicNotation{}.Encode(pos, last))
		rec.MovesUCI = append(rec.MovesUCI, strings.ToLower(nchess.UCINotation{}.Encode(pos, last)))
	}
	return rec, nil
}

// tokenize strips comments, variations, NAGs, move numbers and result tokens.
func tokenize(movetext string) []string {
	var clean strings.Builder
	depthBrace, depthParen := 0, 0
	lineComment := false
	for _, r := range movetext {
		switch {
		case lineComment:
			if r == '\n' {
				lineComment = false
				clean.WriteRune(' ')
			}
			continue
		case r == '{':
			depthBrace++
			continue
		case r == '}':
			if depthBrace > 0 {
				depthBrace--
			}
			continue
		case depthBrace > 0:
			continue
		case r == '(':
			depthParen++
			continue
		case r == ')':
			if depthParen > 0 {
				depthParen--
			}
			continue
		case depthParen > 0:
			continue
		case r == ';':
			lineComment = true
			continue
		}
		clean.WriteRune(r)
	}

	var out []string
	for _, f := range strings.Fields(clean.String()) {
		// "12.e4" and "12...e5" carry the move after the number.
		if i := strings.LastIndex(f, "."); i >= 0 {
			f = f[i+1:]
		}
		f = strings.Trim(f, "!?")
		switch {
		case f == "":
			continue
		case strings.HasPrefix(f, "$"):
			continue
		case f == "*" || f == "1-0" || f == "0-1" || f == "1/2-1/2":
			continue
		}
		out = append(out, f)
	}
	return out
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}
