package notation

import (
	"strings"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/relaychess/internal/domain"
)

// ApplyMove plays from->to on a clone of game. A missing promotion piece on a
// promoting pawn move defaults to a queen.
func ApplyMove(game *nchess.Game, from, to, promotion string) (*nchess.Game, Move, error) {
	const op = "notation.apply"
	if game == nil {
		return nil, Move{}, domain.E(domain.KindIllegalMove, op, "no position")
	}
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	promotion = strings.ToLower(strings.TrimSpace(promotion))
	if len(from) != 2 || len(to) != 2 || len(promotion) > 1 {
		return nil, Move{}, domain.E(domain.KindIllegalMove, op, "bad squares %q-%q", from, to)
	}

	g, mv, err := tryMove(game, from+to+promotion)
	if err != nil && promotion == "" {
		g, mv, err = tryMove(game, from+to+"q")
	}
	if err != nil {
		return nil, Move{}, domain.Wrap(domain.KindIllegalMove, op, err)
	}
	return g, mv, nil
}

func tryMove(game *nchess.Game, uci string) (*nchess.Game, Move, error) {
	g := game.Clone()
	pos := g.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return nil, Move{}, err
	}
	if err := g.Move(mv, nil); err != nil {
		return nil, Move{}, err
	}
	return g, Move{
		UCI: strings.ToLower(nchess.UCINotation{}.Encode(pos, mv)),
		SAN: nchess.AlgebraicNotation{}.Encode(pos, mv),
	}, nil
}

// Terminal reports the board outcome and a lowercase termination label.
func Terminal(game *nchess.Game) (domain.Result, string) {
	if game == nil {
		return domain.InProgress, ""
	}
	switch game.Outcome() {
	case nchess.WhiteWon:
		return domain.WhiteWins, methodLabel(game.Method())
	case nchess.BlackWon:
		return domain.BlackWins, methodLabel(game.Method())
	case nchess.Draw:
		return domain.Draw, methodLabel(game.Method())
	}
	return domain.InProgress, ""
}

func methodLabel(m nchess.Method) string {
	return strings.ToLower(m.String())
}
