package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ironfish/clusterd/internal/ierrors"
	"github.com/ironfish/clusterd/internal/logging"
	"github.com/ironfish/clusterd/internal/model"
)

// DefaultAnalysisDeadline is the per-analysis wall-clock deadline around
// the collect loop (spec §5, default 60s).
const DefaultAnalysisDeadline = 60 * time.Second

// DrainDeadline bounds how long the driver waits for a best-move line after
// sending "stop" on timeout or cancellation (spec §4.1/§5, default 10s).
const DrainDeadline = 10 * time.Second

// Driver runs one analysis against an acquired worker.
type Driver struct {
	log *zap.SugaredLogger
}

// NewDriver constructs a Driver.
func NewDriver(log *zap.SugaredLogger) *Driver {
	return &Driver{log: logging.Component(log, "engine-driver")}
}

// ProgressFunc receives best-effort progress snapshots. The driver calls it
// synchronously from its read loop, so call sites should make it a
// non-blocking try-send.
type ProgressFunc func(model.AnalysisProgress)

// Analyze drives req to completion against w, emitting progress snapshots
// via onProgress (which may be nil). cancel is closed to request
// cancellation mid-search (spec §4.1).
func (d *Driver) Analyze(ctx context.Context, w *Worker, req model.AnalysisRequest, cancel <-chan struct{}, onProgress ProgressFunc) (*model.AnalysisResult, error) {
	if err := model.ValidateFEN(req.FEN); err != nil {
		return nil, err
	}

	deadline := DefaultAnalysisDeadline
	if req.MovetimeMs != nil {
		deadline = time.Duration(*req.MovetimeMs)*time.Millisecond + 5*time.Second
	}

	searchCtx, stop := context.WithTimeout(ctx, deadline)
	defer stop()

	if err := w.EnsureReady(searchCtx); err != nil {
		return nil, err
	}
	if err := w.SetMultiPV(req.MultiPV); err != nil {
		return nil, ierrors.WithKind(err, ierrors.KindEngine)
	}
	if err := w.SetPositionFEN(req.FEN); err != nil {
		return nil, ierrors.WithKind(err, ierrors.KindEngine)
	}

	if req.MovetimeMs != nil {
		if err := w.GoMovetime(*req.MovetimeMs); err != nil {
			return nil, ierrors.WithKind(err, ierrors.KindEngine)
		}
	} else {
		if err := w.GoDepth(req.Depth); err != nil {
			return nil, ierrors.WithKind(err, ierrors.KindEngine)
		}
	}

	start := time.Now()
	byRank := make(map[uint8]InfoLine)
	var latest InfoLine
	var bestLine *BestMoveLine

	for bestLine == nil {
		select {
		case <-cancel:
			return nil, d.drainAfterStop(w, req.ID, ierrors.WithKind(ierrors.New("analysis cancelled"), ierrors.KindAnalysisCancelled))
		case <-searchCtx.Done():
			return nil, d.drainAfterStop(w, req.ID, ierrors.WithKind(ierrors.New("analysis timed out"), ierrors.KindAnalysisTimeout))
		default:
		}

		line, err := w.ReadLine(searchCtx)
		if err != nil {
			select {
			case <-cancel:
				return nil, d.drainAfterStop(w, req.ID, ierrors.WithKind(ierrors.New("analysis cancelled"), ierrors.KindAnalysisCancelled))
			default:
			}
			if searchCtx.Err() != nil {
				return nil, d.drainAfterStop(w, req.ID, ierrors.WithKind(ierrors.New("analysis timed out"), ierrors.KindAnalysisTimeout))
			}
			return nil, ierrors.WithKind(err, ierrors.KindEngine)
		}

		if IsBestMoveLine(line) {
			parsed := ParseBestMoveLine(line)
			bestLine = &parsed
			w.MarkTerminalBestMoveSeen()
			break
		}

		info := ParseInfoLine(line)
		rank := uint8(1)
		if info.MultiPV != nil {
			rank = *info.MultiPV
		}
		byRank[rank] = info
		latest = info

		if onProgress != nil && info.HasPVOrScore() {
			onProgress(buildProgress(req, info))
		}
	}

	return buildResult(req, bestLine, byRank, latest, start), nil
}

// drainAfterStop sends "stop" and reads lines until a best-move line is
// seen or DrainDeadline elapses, then returns terminalErr (spec §4.1 step 5).
func (d *Driver) drainAfterStop(w *Worker, id model.AnalysisID, terminalErr error) error {
	_ = w.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), DrainDeadline)
	defer cancel()

	for {
		line, err := w.ReadLine(drainCtx)
		if err != nil {
			d.log.Warnw("drain after stop did not observe bestmove", "analysis_id", id, "error", err)
			break
		}
		if IsBestMoveLine(line) {
			w.MarkTerminalBestMoveSeen()
			break
		}
	}
	return terminalErr
}

func buildProgress(req model.AnalysisRequest, info InfoLine) model.AnalysisProgress {
	p := model.AnalysisProgress{
		ID:          req.ID,
		TargetDepth: req.Depth,
		Evaluation:  info.toEvaluation(),
	}
	if info.Depth != nil {
		p.CurrentDepth = *info.Depth
	}
	if info.NPS != nil {
		p.NodesPerSecond = *info.NPS
	}
	if info.HashFull != nil {
		p.HashFull = *info.HashFull
	}
	if info.CurrMove != nil {
		p.CurrentMove = info.CurrMove
	}
	if len(info.PV) > 0 {
		rank := uint8(1)
		if info.MultiPV != nil {
			rank = *info.MultiPV
		}
		p.PrincipalVariations = []model.PrincipalVariation{pvFromInfo(rank, info)}
	}
	return p
}

func pvFromInfo(rank uint8, info InfoLine) model.PrincipalVariation {
	pv := model.PrincipalVariation{Rank: rank}
	for _, uci := range info.PV {
		if m, ok := model.MoveFromUCI(uci); ok {
			pv.Moves = append(pv.Moves, m)
		}
	}
	if eval := info.toEvaluation(); eval != nil {
		pv.Evaluation = *eval
	}
	if info.Depth != nil {
		pv.Depth = *info.Depth
	}
	return pv
}

func buildResult(req model.AnalysisRequest, best *BestMoveLine, byRank map[uint8]InfoLine, latest InfoLine, start time.Time) *model.AnalysisResult {
	result := &model.AnalysisResult{
		ID:          req.ID,
		FEN:         req.FEN,
		CompletedAt: time.Now(),
		TimeMs:      uint64(time.Since(start).Milliseconds()),
	}

	if best != nil {
		if m, ok := model.MoveFromUCI(best.BestMove); ok {
			result.BestMove = m
		}
		if best.Ponder != "" {
			if m, ok := model.MoveFromUCI(best.Ponder); ok {
				result.Ponder = &m
			}
		}
	}

	pvs := make([]model.PrincipalVariation, 0, len(byRank))
	for rank, info := range byRank {
		if len(info.PV) == 0 {
			continue
		}
		pvs = append(pvs, pvFromInfo(rank, info))
	}
	model.SortPVs(pvs)
	result.PrincipalVariations = pvs

	if eval := latest.toEvaluation(); eval != nil {
		result.Evaluation = *eval
	}
	if latest.Depth != nil {
		result.DepthReached = *latest.Depth
	}
	if latest.Nodes != nil {
		result.NodesSearched = *latest.Nodes
	}

	return result
}
