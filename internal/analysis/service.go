package analysis

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"peerview/internal/util"
)

// ErrBusy is returned by Trigger while a previous analysis is still running.
var ErrBusy = errors.New("analysis already in flight")

// DefaultBurst is how many stills one analysis call samples.
const DefaultBurst = 4

// FrameSource supplies up to n recent still frames, oldest first.
type FrameSource interface {
	Sample(ctx context.Context, n int) ([][]byte, error)
}

// Analyzer is the subset of Client the service needs.
type Analyzer interface {
	Analyze(ctx context.Context, frames [][]byte) (*Report, error)
}

// Service samples frames and hands them to the analyzer, guaranteeing at
// most one analysis in flight at a time.
type Service struct {
	analyzer Analyzer
	source   FrameSource
	busy     atomic.Bool
}

// NewService wires an analyzer to a frame source.
func NewService(analyzer Analyzer, source FrameSource) *Service {
	return &Service{analyzer: analyzer, source: source}
}

// Trigger runs one sample-and-analyze round. A call while another round is
// in flight fails fast with ErrBusy; the caller decides whether to surface
// or ignore that.
func (s *Service) Trigger(ctx context.Context) (*Report, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.busy.Store(false)

	frames, err := s.source.Sample(ctx, DefaultBurst)
	if err != nil {
		return nil, err
	}

	report, err := s.analyzer.Analyze(ctx, frames)
	if err != nil {
		return nil, err
	}
	util.Stats.AddAnalysis()
	return report, nil
}

// RunPeriodic triggers an analysis every interval until ctx is cancelled.
// Rounds that land while a previous one is still running are skipped;
// failures are surfaced through report and logged, never retried.
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration, report func(*Report, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r, err := s.Trigger(ctx)
			if errors.Is(err, ErrBusy) {
				util.LogDebug("skipping analysis round: previous still running")
				continue
			}
			if report != nil {
				report(r, err)
			}
		}
	}
}
