package session

import (
	"github.com/pion/webrtc/v4"

	"peerview/internal/signal"
)

// Every transport callback and asynchronous step completion enters the
// machine as an event on a single inbound queue; the event loop is the only
// goroutine that mutates role, state, or the Connection. Events produced for
// a Connection carry its epoch so completions from a torn-down epoch can be
// recognized and discarded.

type event interface{ isEvent() }

// User commands (the Role Authority's three entry points).
type cmdStart struct{}
type cmdJoin struct{}
type cmdEnd struct{}

// evMessage is a signaling message delivered by the current bus subscription.
type evMessage struct {
	msg signal.Message
}

// evMediaReady reports that the local capture source was acquired.
type evMediaReady struct {
	epoch  string
	tracks []webrtc.TrackLocal
}

// evLocalDesc reports that a local description (offer or answer) was created
// and applied, ready to be published.
type evLocalDesc struct {
	epoch string
	desc  webrtc.SessionDescription
}

// evRemoteApplied reports that the remote description was applied and any
// buffered candidates were replayed.
type evRemoteApplied struct {
	epoch string
}

// evStepFailed reports a failed asynchronous negotiation step.
type evStepFailed struct {
	epoch string
	stage string
	err   error
}

// evLocalCandidate is a freshly gathered local network candidate.
type evLocalCandidate struct {
	epoch string
	init  webrtc.ICECandidateInit
}

// evConnState is a raw transport connectivity change.
type evConnState struct {
	epoch string
	state webrtc.PeerConnectionState
}

// evTrack is an inbound remote media track.
type evTrack struct {
	epoch string
	track *webrtc.TrackRemote
}

// evConnectTimeout fires when the bounded wait for transport-connected
// elapses.
type evConnectTimeout struct {
	epoch string
}

func (cmdStart) isEvent()         {}
func (cmdJoin) isEvent()          {}
func (cmdEnd) isEvent()           {}
func (evMessage) isEvent()        {}
func (evMediaReady) isEvent()     {}
func (evLocalDesc) isEvent()      {}
func (evRemoteApplied) isEvent()  {}
func (evStepFailed) isEvent()     {}
func (evLocalCandidate) isEvent() {}
func (evConnState) isEvent()      {}
func (evTrack) isEvent()          {}
func (evConnectTimeout) isEvent() {}
