// Peerview — CLI entry point.
//
// This tool negotiates a direct two-party media session over WebRTC. The
// initiator hosts an embedded WebSocket signaling relay and offers its local
// stream; the responder joins through the relay and receives it. Bursts of
// still frames can optionally be sent to an external analysis service while
// the session is live.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -channel, -relay-url, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"peerview/internal/app"
	"peerview/internal/config"
	"peerview/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	role := flag.String("role", "", "Role: initiator or responder")
	channel := flag.String("channel", "session", "Signaling channel name shared by both peers")
	relayURL := flag.String("relay-url", "", "Relay URL to connect to (responder only)")
	relayPort := flag.Int("relay-port", 0, "Port for the embedded relay (initiator only, 0 = random)")
	analyzeURL := flag.String("analyze-url", "", "Frame-analysis service base URL (optional)")
	analyzeEvery := flag.Duration("analyze-every", 0, "Interval between analysis rounds (0 = disabled)")
	framesDir := flag.String("frames-dir", "", "Directory sampled for recent still frames")
	connectTimeout := flag.Duration("connect-timeout", 0, "Bounded wait for transport-connected (0 = none)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Peerview — v%s", version))
	pterm.Println()

	cfg := &config.Config{
		Channel:        *channel,
		RelayURL:       *relayURL,
		RelayPort:      *relayPort,
		AnalyzeURL:     *analyzeURL,
		AnalyzeEvery:   *analyzeEvery,
		FramesDir:      *framesDir,
		ConnectTimeout: *connectTimeout,
	}

	switch *role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, cfg)

	case "initiator":
		cfg.Mode = config.ModeInitiator
		run(ctx, cfg)

	case "responder":
		if cfg.RelayURL == "" {
			util.LogError("missing -relay-url for responder role")
			os.Exit(1)
		}
		cfg.Mode = config.ModeResponder
		run(ctx, cfg)

	default:
		util.LogError("invalid -role: must be 'initiator' or 'responder'")
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -role flag is
// provided.
func runInteractive(ctx context.Context, cfg *config.Config) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Initiator — Offer the local stream",
			"Responder — Join and watch a stream",
		}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Initiator") {
		cfg.Mode = config.ModeInitiator
	} else {
		cfg.Mode = config.ModeResponder
		cfg.RelayURL = askRelayURL()
	}
	cfg.Channel = askChannel(cfg.Channel)

	run(ctx, cfg)
}

func run(ctx context.Context, cfg *config.Config) {
	var err error
	switch cfg.Mode {
	case config.ModeInitiator:
		err = app.RunInitiator(ctx, cfg)
	case config.ModeResponder:
		err = app.RunResponder(ctx, cfg)
	}
	if err != nil {
		util.LogError("session failed: %v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askRelayURL prompts the user for a relay address until one is entered.
func askRelayURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay address (e.g. ws://192.168.1.10:8421)").
			Show()

		raw = strings.TrimSpace(raw)
		if raw != "" {
			pterm.Println()
			return raw
		}

		util.LogWarning("relay address must not be empty")
		pterm.Println()
	}
}

// askChannel prompts for the channel name, defaulting to the flag value.
func askChannel(def string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultValue(def).
		WithDefaultText("Channel name").
		Show()

	pterm.Println()
	if raw = strings.TrimSpace(raw); raw != "" {
		return raw
	}
	return def
}
