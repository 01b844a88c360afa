// Package media defines the capture and render collaborators of a session.
// The negotiation core attaches and detaches streams through these
// interfaces and never touches pixel data.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Source supplies the local capture tracks for a session. Acquire may block
// on device access and may be refused (camera/microphone denied); Release
// stops capture and must leave no device open. A Source is acquired at most
// once per session and released exactly once per successful Acquire.
type Source interface {
	Acquire(ctx context.Context) ([]webrtc.TrackLocal, error)
	Release()
}

// Surface renders session media. AttachRemote is called once per inbound
// track; Detach tears the whole surface down at session end.
type Surface interface {
	AttachLocal(tracks []webrtc.TrackLocal)
	AttachRemote(track *webrtc.TrackRemote)
	Detach()
}
