package domain

// GameState is the canonical state of one game. It is only ever produced by
// projection or by the move pipeline, and is replaced rather than mutated.
type GameState struct {
	ID              string      `json:"id"`
	White           string      `json:"white"`
	Black           string      `json:"black"`
	Notation        string      `json:"notation"`
	TimeControl     TimeControl `json:"time_control"`
	Result          Result      `json:"result"`
	Termination     string      `json:"termination,omitempty"`
	MoveCount       int         `json:"move_count"`
	MovesUCI        []string    `json:"moves_uci"`
	FEN             string      `json:"fen"`
	SourceEventID   string      `json:"source_event_id,omitempty"`
	SourceTimestamp int64       `json:"source_timestamp"`
}

func (s GameState) Clone() GameState {
	s.MovesUCI = append([]string(nil), s.MovesUCI...)
	return s
}

// ColorOf reports which side pubkey plays.
func (s GameState) ColorOf(pubkey string) (Color, bool) {
	switch pubkey {
	case "":
		return "", false
	case s.White:
		return White, true
	case s.Black:
		return Black, true
	}
	return "", false
}

// Turn derives the side to move from the move count.
func (s GameState) Turn() Color {
	if s.MoveCount%2 == 0 {
		return White
	}
	return Black
}

func (s GameState) Player(c Color) string {
	if c == White {
		return s.White
	}
	return s.Black
}

// Opponent returns the other participant, or "" when pubkey is not playing.
func (s GameState) Opponent(pubkey string) string {
	switch pubkey {
	case s.White:
		return s.Black
	case s.Black:
		return s.White
	}
	return ""
}
