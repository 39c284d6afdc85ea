package model

// ToUCI serializes a Move as from||to||promotion?, e.g. "e2e4" or "a7a8q".
func (m Move) ToUCI() string {
	return m.From + m.To + m.Promotion
}

// MoveFromUCI parses a UCI move string ("e2e4", "a7a8q") back into a Move.
// Round-trips with ToUCI for all valid moves (spec §8).
func MoveFromUCI(uci string) (Move, bool) {
	if len(uci) != 4 && len(uci) != 5 {
		return Move{}, false
	}
	m := Move{From: uci[0:2], To: uci[2:4]}
	if len(uci) == 5 {
		m.Promotion = uci[4:5]
	}
	return m, true
}
