package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"peerview/internal/media"
	"peerview/internal/util"
)

// STUN servers for ICE candidate gathering. No TURN — sessions are expected
// to find a direct route between the two participants.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// DefaultRTCConfig returns a PeerConnection configuration with public STUN.
func DefaultRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
}

var (
	errLocalSet  = errors.New("local description already set")
	errRemoteSet = errors.New("remote description already set")
)

// Connection is the single live negotiation object for one role epoch. It
// wraps a PeerConnection, enforces the set-at-most-once rule for local and
// remote descriptions, and buffers remote candidates that arrive before the
// remote description, replaying them in arrival order once it lands.
//
// Connection methods are guarded by an internal mutex: the machine's event
// loop and its step workers may touch the same Connection concurrently.
type Connection struct {
	epoch string
	pc    *webrtc.PeerConnection

	mu        sync.Mutex
	localSet  bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit // received before the remote description
	applied   []webrtc.ICECandidateInit // handed to the transport, arrival order
	flushed   []webrtc.ICECandidateInit // local candidates published to the bus
	source    media.Source              // released exactly once on Close
	closed    bool
}

// newConnection creates the epoch's Connection around a fresh PeerConnection.
func newConnection(epoch string, cfg webrtc.Configuration) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &Connection{epoch: epoch, pc: pc}, nil
}

// Epoch returns the role-epoch identifier this Connection belongs to.
func (c *Connection) Epoch() string { return c.epoch }

// BindSource ties the local media source's lifetime to the Connection.
// Once bound, Close stops the capture — no dangling devices survive the
// session.
func (c *Connection) BindSource(src media.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = src
}

// AddLocalTracks attaches the local capture tracks for sending.
func (c *Connection) AddLocalTracks(tracks []webrtc.TrackLocal) error {
	for _, track := range tracks {
		if _, err := c.pc.AddTrack(track); err != nil {
			return fmt.Errorf("failed to add local track: %w", err)
		}
	}
	return nil
}

// AddRecvTransceivers prepares the Connection to receive one audio and one
// video track without sending anything (responder side).
func (c *Connection) AddRecvTransceivers() error {
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio}
	for _, kind := range kinds {
		_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// CreateOffer generates an SDP offer.
func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

// SetLocal applies the local description. It may be set at most once; a
// rejected description does not count against that, so the step can be
// retried.
func (c *Connection) SetLocal(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.localSet {
		c.mu.Unlock()
		return errLocalSet
	}
	c.mu.Unlock()

	if err := c.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("failed to apply local description: %w", err)
	}

	c.mu.Lock()
	c.localSet = true
	c.mu.Unlock()
	return nil
}

// ApplyRemote applies the remote description, then replays any candidates
// that arrived before it, in their original arrival order. Like SetLocal it
// latches only on success: a description the transport rejects leaves the
// Connection able to accept a retransmitted one.
func (c *Connection) ApplyRemote(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.remoteSet {
		c.mu.Unlock()
		return errRemoteSet
	}
	c.mu.Unlock()

	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to apply remote description: %w", err)
	}

	c.mu.Lock()
	c.remoteSet = true
	buffered := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, init := range buffered {
		c.applyCandidate(init)
	}
	return nil
}

// AddRemoteCandidate applies a remote candidate immediately when the remote
// description is already set, or buffers it for replay otherwise. Transport
// rejections are logged, never fatal — signaling is noisy.
func (c *Connection) AddRemoteCandidate(init webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, init)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.applyCandidate(init)
}

func (c *Connection) applyCandidate(init webrtc.ICECandidateInit) {
	c.mu.Lock()
	c.applied = append(c.applied, init)
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(init); err != nil {
		util.LogWarning("transport rejected remote candidate: %v", err)
	}
}

// AppliedCandidates returns the remote candidates handed to the transport,
// in the order they were applied.
func (c *Connection) AppliedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.applied))
	copy(out, c.applied)
	return out
}

// PendingCandidates reports how many remote candidates are still buffered.
func (c *Connection) PendingCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// MarkFlushed records a local candidate as published to the bus.
func (c *Connection) MarkFlushed(init webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed = append(c.flushed, init)
}

// FlushedCandidates returns the local candidates published so far, in order.
func (c *Connection) FlushedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.flushed))
	copy(out, c.flushed)
	return out
}

// OnICECandidate registers the local candidate-gathered callback. A nil
// candidate signals the end of gathering.
func (c *Connection) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(fn)
}

// OnTrack registers the inbound track callback.
func (c *Connection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.pc.OnTrack(fn)
}

// OnConnectionStateChange registers the transport connectivity callback.
func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

// Close destroys the Connection and stops any bound local media.
// It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	src := c.source
	c.source = nil
	c.mu.Unlock()

	if src != nil {
		src.Release()
	}
	return c.pc.Close()
}
