package model

import (
	"strings"

	"github.com/ironfish/clusterd/internal/ierrors"
)

const validPieceLetters = "pnbrqkPNBRQK"

// ValidFEN reports whether fen satisfies the validation rule from the
// Glossary: at least four whitespace-separated parts; the first part has
// eight '/'-separated ranks whose digit-runs and piece-letters each sum to
// 8; the second part is "w" or "b".
func ValidFEN(fen string) bool {
	parts := strings.Fields(fen)
	if len(parts) < 4 {
		return false
	}

	ranks := strings.Split(parts[0], "/")
	if len(ranks) != 8 {
		return false
	}
	for _, rank := range ranks {
		sum := 0
		for _, c := range rank {
			switch {
			case c >= '1' && c <= '8':
				sum += int(c - '0')
			case strings.ContainsRune(validPieceLetters, c):
				sum++
			default:
				return false
			}
		}
		if sum != 8 {
			return false
		}
	}

	return parts[1] == "w" || parts[1] == "b"
}

// ValidateFEN returns a KindInvalidFEN error on a malformed position, with
// the offending FEN echoed in the error (spec scenario 2).
func ValidateFEN(fen string) error {
	if !ValidFEN(fen) {
		return ierrors.WithKind(ierrors.Newf("invalid FEN: %s", fen), ierrors.KindInvalidFEN)
	}
	return nil
}
