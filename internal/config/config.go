// Package config holds the CLI configuration types.
package config

import "time"

// Mode represents the user's chosen session role (initiator or responder).
type Mode string

const (
	ModeInitiator Mode = "initiator"
	ModeResponder Mode = "responder"
)

// Config stores all parameters gathered from CLI flags or interactive prompts.
type Config struct {
	Mode      Mode
	Channel   string // signaling channel namespace shared by both peers
	RelayURL  string // Responder: WebSocket relay URL to connect to
	RelayPort int    // Initiator: port for the embedded relay (0 = random)

	AnalyzeURL     string        // frame-analysis endpoint ("" disables analysis)
	AnalyzeEvery   time.Duration // periodic trigger interval (0 = manual only)
	FramesDir      string        // directory sampled for recent still frames
	ConnectTimeout time.Duration // bounded wait for transport-connected (0 = none)
}
