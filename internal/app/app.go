// Package app contains the top-level orchestration for initiator and
// responder runs.
package app

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"

	"peerview/internal/analysis"
	"peerview/internal/config"
	"peerview/internal/media"
	"peerview/internal/session"
	"peerview/internal/signal"
	"peerview/internal/util"
)

// RunInitiator hosts the session: it starts the embedded signaling relay,
// joins its own channel, and offers the local media stream. Blocks until
// ctx is cancelled or the session fails.
func RunInitiator(ctx context.Context, cfg *config.Config) error {
	// ── 1. Start the embedded relay ────────────────────────────────────
	relay := signal.NewServer()
	port, err := relay.Start(fmt.Sprintf(":%d", cfg.RelayPort))
	if err != nil {
		return err
	}
	defer relay.Close()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║          Signaling Relay Server          ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Port    : %-29d ║\n", port)
	fmt.Printf("║  Channel : %-29s ║\n", cfg.Channel)
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Println()

	// ── 2. Join our own channel ────────────────────────────────────────
	bus, err := signal.Dial(ctx, fmt.Sprintf("127.0.0.1:%d", port), cfg.Channel)
	if err != nil {
		return err
	}
	defer bus.Close()

	// The relay has no message history, so the Offer must not go out before
	// the responder has joined the channel. We are client #1 on our own
	// relay; wait for #2 before starting.
	awaitPeer := func(waitCtx context.Context) error {
		util.LogInfo("waiting for a peer to join channel %q", cfg.Channel)
		return relay.AwaitClients(waitCtx, cfg.Channel, 2)
	}

	return runSession(ctx, cfg, bus, awaitPeer)
}

// RunResponder joins an existing session through a remote relay. Blocks
// until ctx is cancelled or the session fails.
func RunResponder(ctx context.Context, cfg *config.Config) error {
	bus, err := signal.Dial(ctx, cfg.RelayURL, cfg.Channel)
	if err != nil {
		return err
	}
	defer bus.Close()

	return runSession(ctx, cfg, bus, nil)
}

// runSession drives one session over an established bus. A non-nil awaitPeer
// marks the initiator side and gates its start on the peer's arrival.
func runSession(ctx context.Context, cfg *config.Config, bus signal.Bus, awaitPeer func(context.Context) error) error {
	initiator := awaitPeer != nil
	failedCh := make(chan struct{}, 1)

	opts := session.Options{
		Bus:            bus,
		Surface:        media.LogSurface{},
		ConnectTimeout: cfg.ConnectTimeout,
		StatusSink: func(s session.Status) {
			renderStatus(s)
			if s.Failed {
				select {
				case failedCh <- struct{}{}:
				default:
				}
			}
		},
	}
	if initiator {
		opts.Source = media.NewStaticSource()
	}

	machine := session.New(opts)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go machine.Run(runCtx)

	if initiator {
		go func() {
			if err := awaitPeer(runCtx); err != nil {
				return
			}
			util.LogInfo("peer joined, starting negotiation")
			machine.StartAsInitiator()
		}()
	} else {
		machine.JoinAsResponder()
	}

	util.StartStatsReporter(runCtx)
	startAnalysis(runCtx, cfg)

	select {
	case <-ctx.Done():
		machine.EndSession()
	case <-failedCh:
		util.LogError("session failed")
	}

	cancel()
	<-machine.Done()
	return nil
}

// startAnalysis launches the periodic frame-analysis trigger when the user
// configured an endpoint, a frames directory, and an interval.
func startAnalysis(ctx context.Context, cfg *config.Config) {
	if cfg.AnalyzeURL == "" || cfg.FramesDir == "" || cfg.AnalyzeEvery <= 0 {
		return
	}

	svc := analysis.NewService(
		analysis.NewClient(cfg.AnalyzeURL),
		analysis.NewDirSource(cfg.FramesDir),
	)
	go svc.RunPeriodic(ctx, cfg.AnalyzeEvery, renderReport)
}

func renderStatus(s session.Status) {
	switch {
	case s.Failed:
		pterm.Error.Printfln("● failed (role %s)", s.Role)
	case s.Liveness == session.LivenessConnected:
		pterm.Success.Printfln("● connected (role %s)", s.Role)
	case s.Liveness == session.LivenessSignaling:
		pterm.Info.Printfln("● live, awaiting transport (role %s)", s.Role)
	default:
		pterm.Info.Printfln("● standby (role %s)", s.Role)
	}
}

func renderReport(r *analysis.Report, err error) {
	if err != nil {
		// Transient: the user re-triggers; no automatic retry.
		util.LogWarning("frame analysis failed: %v", err)
		return
	}
	pterm.Info.Printfln("[%s] %s", r.Severity, r.Summary)
	if r.Narrative != "" {
		util.LogInfo("analysis: %s", r.Narrative)
	}
}
