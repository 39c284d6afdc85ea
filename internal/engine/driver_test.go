package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ironfish/clusterd/internal/model"
)

func TestDriver_Analyze_MockEngine(t *testing.T) {
	path := writeMockEngine(t)
	log := zap.NewNop().Sugar()

	w := NewWorker(0, path, log)
	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer w.Close()

	req := model.NewAnalysisRequest(model.NewAnalysisID(), "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1", 10, 1, nil)

	d := NewDriver(log)
	var progressed int
	cancel := make(chan struct{})
	result, err := d.Analyze(ctx, w, req, cancel, func(model.AnalysisProgress) { progressed++ })
	require.NoError(t, err)

	assert.Equal(t, "e2", result.BestMove.From)
	assert.Equal(t, "e4", result.BestMove.To)
	assert.Equal(t, model.ScoreCentipawns, result.Evaluation.ScoreType)
	assert.EqualValues(t, 30, result.Evaluation.Value)
	assert.EqualValues(t, 10, result.DepthReached)
	assert.GreaterOrEqual(t, progressed, 1)
	require.Len(t, result.PrincipalVariations, 1)
	assert.EqualValues(t, 1, result.PrincipalVariations[0].Rank)
}

func TestDriver_Analyze_RejectsInvalidFEN(t *testing.T) {
	path := writeMockEngine(t)
	log := zap.NewNop().Sugar()
	w := NewWorker(0, path, log)
	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer w.Close()

	req := model.NewAnalysisRequest(model.NewAnalysisID(), "invalid-fen", 10, 1, nil)
	d := NewDriver(log)
	_, err := d.Analyze(ctx, w, req, nil, nil)
	require.Error(t, err)
	assert.Equal(t, StateReady, w.State()) // untouched worker
}
