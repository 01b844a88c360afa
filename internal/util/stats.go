package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling/analysis counter.
var Stats = &stats{}

type stats struct {
	MsgsSent    atomic.Int64 // signaling messages published since process start
	MsgsRecv    atomic.Int64 // signaling messages delivered to the local handler
	MsgsDropped atomic.Int64 // messages dropped by guard rules or echo suppression
	Analyses    atomic.Int64 // completed frame-analysis calls
}

func (s *stats) AddSent()     { s.MsgsSent.Add(1) }
func (s *stats) AddRecv()     { s.MsgsRecv.Add(1) }
func (s *stats) AddDropped()  { s.MsgsDropped.Add(1) }
func (s *stats) AddAnalysis() { s.Analyses.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling statistics
// every 30 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.MsgsSent.Load()
				recv := Stats.MsgsRecv.Load()
				dropped := Stats.MsgsDropped.Load()

				LogDebug("signaling: %s sent, %s received, %d dropped",
					rate(sent-prevSent), rate(recv-prevRecv), dropped)

				prevSent, prevRecv = sent, recv

			case <-ctx.Done():
				return
			}
		}
	}()
}

// rate formats a 30-second message delta as a per-interval summary.
func rate(n int64) string {
	return fmt.Sprintf("%d msgs", n)
}
