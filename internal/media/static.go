package media

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"peerview/internal/util"
)

// StaticSource builds sample-fed local tracks (one video, one audio) without
// touching real capture devices. The actual frame feed is supplied by an
// external recorder writing into the tracks; the negotiation core only needs
// track handles to attach.
type StaticSource struct {
	tracks []webrtc.TrackLocal
}

var _ Source = (*StaticSource)(nil)

// NewStaticSource creates an idle source; tracks are built on Acquire.
func NewStaticSource() *StaticSource {
	return &StaticSource{}
}

func (s *StaticSource) Acquire(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := uuid.NewString()

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	s.tracks = []webrtc.TrackLocal{video, audio}
	return s.tracks, nil
}

func (s *StaticSource) Release() {
	s.tracks = nil
}

// LogSurface is a headless Surface that only logs attach/detach events.
// Useful for CLI runs without a rendering layer and for tests.
type LogSurface struct{}

var _ Surface = (*LogSurface)(nil)

func (LogSurface) AttachLocal(tracks []webrtc.TrackLocal) {
	util.LogInfo("local media attached (%d tracks)", len(tracks))
}

func (LogSurface) AttachRemote(track *webrtc.TrackRemote) {
	util.LogInfo("remote track arrived: %s", track.Kind())
}

func (LogSurface) Detach() {
	util.LogInfo("media surface detached")
}
