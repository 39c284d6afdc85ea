package engine

import (
	"context"

	"github.com/ironfish/clusterd/internal/model"
)

// SessionAnalyzer adapts a Pool+Driver pair to session.Analyzer: acquire a
// worker, run the analysis, always release. This is the only production
// implementation of that interface; tests use their own fakes.
type SessionAnalyzer struct {
	Pool   *Pool
	Driver *Driver
}

// Analyze satisfies session.Analyzer.
func (a *SessionAnalyzer) Analyze(ctx context.Context, req model.AnalysisRequest, cancel <-chan struct{}, onProgress func(model.AnalysisProgress)) (*model.AnalysisResult, error) {
	handle, err := a.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	return a.Driver.Analyze(ctx, handle.Worker, req, cancel, onProgress)
}
