package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInfoLine_ScoreAndPV(t *testing.T) {
	info := ParseInfoLine("info depth 10 seldepth 14 multipv 1 score cp 30 nodes 12345 nps 800000 time 15 hashfull 120 currmove e2e4 pv e2e4 e7e5 g1f3")
	require.NotNil(t, info.Depth)
	assert.EqualValues(t, 10, *info.Depth)
	require.NotNil(t, info.ScoreCP)
	assert.EqualValues(t, 30, *info.ScoreCP)
	assert.Nil(t, info.ScoreMate)
	require.NotNil(t, info.Nodes)
	assert.EqualValues(t, 12345, *info.Nodes)
	assert.Equal(t, []string{"e2e4", "e7e5", "g1f3"}, info.PV)
	assert.True(t, info.HasPVOrScore())
}

func TestParseInfoLine_MateScore(t *testing.T) {
	info := ParseInfoLine("info depth 5 score mate 3 nodes 100")
	require.NotNil(t, info.ScoreMate)
	assert.EqualValues(t, 3, *info.ScoreMate)
	assert.Nil(t, info.ScoreCP)
}

func TestParseInfoLine_UnknownTokensSkipped(t *testing.T) {
	info := ParseInfoLine("info banana depth 7 whatever 42")
	require.NotNil(t, info.Depth)
	assert.EqualValues(t, 7, *info.Depth)
}

func TestIsBestMoveLine(t *testing.T) {
	assert.True(t, IsBestMoveLine("bestmove e2e4 ponder e7e5"))
	assert.True(t, IsBestMoveLine("  bestmove e2e4"))
	assert.False(t, IsBestMoveLine("info depth 1"))
}

func TestParseBestMoveLine(t *testing.T) {
	bm := ParseBestMoveLine("bestmove e2e4 ponder e7e5")
	assert.Equal(t, "e2e4", bm.BestMove)
	assert.Equal(t, "e7e5", bm.Ponder)
}

func TestParseBestMoveLine_NoPonder(t *testing.T) {
	bm := ParseBestMoveLine("bestmove e2e4")
	assert.Equal(t, "e2e4", bm.BestMove)
	assert.Empty(t, bm.Ponder)
}
