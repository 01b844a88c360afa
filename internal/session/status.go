package session

import "github.com/pion/webrtc/v4"

// Liveness is the three-level connection status derived from the transport.
// SignalingLive is set eagerly once the Initiator finishes local setup,
// before the transport confirms connectivity.
type Liveness int

const (
	LivenessStandby Liveness = iota
	LivenessSignaling
	LivenessConnected
)

func (l Liveness) String() string {
	switch l {
	case LivenessSignaling:
		return "signaling-live"
	case LivenessConnected:
		return "connected"
	default:
		return "standby"
	}
}

// Status is the observable session state published to the sink on every
// change. Consumers render it; they cannot mutate core state through it.
type Status struct {
	Role     Role
	Liveness Liveness
	Failed   bool
}

// Live collapses the three-level liveness to the boolean most consumers want.
func (s Status) Live() bool {
	return s.Liveness != LivenessStandby && !s.Failed
}

// tracker owns the current Status and pushes it to the sink on change.
// It is only touched from the machine's event loop.
type tracker struct {
	status Status
	sink   func(Status)
}

func (t *tracker) publish() {
	if t.sink != nil {
		t.sink(t.status)
	}
}

func (t *tracker) setRole(r Role) {
	if t.status.Role == r {
		return
	}
	t.status.Role = r
	t.publish()
}

func (t *tracker) setLiveness(l Liveness) {
	if t.status.Liveness == l {
		return
	}
	t.status.Liveness = l
	t.publish()
}

// observe maps a raw transport state to liveness/failure.
func (t *tracker) observe(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		t.setLiveness(LivenessConnected)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if !t.status.Failed {
			t.status.Failed = true
			t.publish()
		}
	}
}

// reset returns the tracker to a fresh standby status, keeping the failed
// flag if the session ended in failure so consumers can surface it.
func (t *tracker) reset(failed bool) {
	next := Status{Role: RoleIdle, Liveness: LivenessStandby, Failed: failed}
	if t.status == next {
		return
	}
	t.status = next
	t.publish()
}
