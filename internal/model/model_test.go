package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidFEN_StartingPosition(t *testing.T) {
	require.True(t, ValidFEN("rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"))
}

func TestValidFEN_RejectsGarbage(t *testing.T) {
	assert.False(t, ValidFEN("invalid-fen"))
}

func TestValidFEN_RequiresEightRanksSummingToEight(t *testing.T) {
	assert.False(t, ValidFEN("rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBN w KQkq - 0 1")) // 7 files on last rank
	assert.False(t, ValidFEN("rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP w KQkq - 0 1"))         // only 7 ranks
}

func TestValidFEN_RequiresActiveColor(t *testing.T) {
	assert.False(t, ValidFEN("rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR x KQkq - 0 1"))
}

func TestValidateFEN_EchoesInput(t *testing.T) {
	err := ValidateFEN("invalid-fen")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid-fen")
}

func TestMoveUCIRoundTrip(t *testing.T) {
	cases := []Move{
		{From: "e2", To: "e4"},
		{From: "a7", To: "a8", Promotion: "q"},
	}
	for _, m := range cases {
		got, ok := MoveFromUCI(m.ToUCI())
		require.True(t, ok)
		assert.Equal(t, m, got)
	}
}

func TestClampMultiPV(t *testing.T) {
	assert.EqualValues(t, 1, ClampMultiPV(0))
	assert.EqualValues(t, 1, ClampMultiPV(1))
	assert.EqualValues(t, 5, ClampMultiPV(5))
}

func TestSortPVs(t *testing.T) {
	pvs := []PrincipalVariation{{Rank: 3}, {Rank: 1}, {Rank: 2}}
	SortPVs(pvs)
	require.Len(t, pvs, 3)
	assert.EqualValues(t, 1, pvs[0].Rank)
	assert.EqualValues(t, 2, pvs[1].Rank)
	assert.EqualValues(t, 3, pvs[2].Rank)
}

func TestApiTokenIsValid(t *testing.T) {
	tok := &ApiToken{}
	assert.True(t, tok.IsValid(time.Now()))

	tok.Revoked = true
	assert.False(t, tok.IsValid(time.Now()))
}
