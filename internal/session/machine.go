package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"peerview/internal/media"
	"peerview/internal/signal"
	"peerview/internal/util"
)

// Options configures a Machine. Bus is required; Source is required only for
// the initiator role. A zero WebRTC configuration falls back to the default
// STUN servers.
type Options struct {
	Bus     signal.Bus
	Source  media.Source
	Surface media.Surface

	// StatusSink receives the observable {role, liveness, failed} triple on
	// every change. It is invoked from the event loop; keep it fast.
	StatusSink func(Status)

	WebRTC webrtc.Configuration

	// ConnectTimeout bounds the wait for transport-connected after
	// negotiation starts. Zero disables the timeout.
	ConnectTimeout time.Duration
}

// Machine is the session negotiation state machine. All role transitions,
// signaling-message handling, and Connection mutation happen on a single
// event-loop goroutine; transport callbacks and asynchronous step
// completions are funneled in as epoch-tagged events.
type Machine struct {
	bus            signal.Bus
	source         media.Source
	surface        media.Surface
	rtcCfg         webrtc.Configuration
	connectTimeout time.Duration

	events chan event
	done   chan struct{}

	// Loop-owned state. Never touched outside the event loop.
	role    Role
	state   State
	epoch   string
	conn    *Connection
	sub     signal.Subscription
	busy    bool // a description-applying step is in flight
	tracker tracker

	// Snapshot for observers (tests, the app layer).
	snap atomicSnapshot
}

// New creates a Machine. Call Run to start the event loop.
func New(opts Options) *Machine {
	cfg := opts.WebRTC
	if len(cfg.ICEServers) == 0 {
		cfg = DefaultRTCConfig()
	}
	surface := opts.Surface
	if surface == nil {
		surface = media.LogSurface{}
	}

	m := &Machine{
		bus:            opts.Bus,
		source:         opts.Source,
		surface:        surface,
		rtcCfg:         cfg,
		connectTimeout: opts.ConnectTimeout,
		events:         make(chan event, 64),
		done:           make(chan struct{}),
		role:           RoleIdle,
		state:          StateIdle,
		tracker: tracker{
			status: Status{Role: RoleIdle, Liveness: LivenessStandby},
			sink:   opts.StatusSink,
		},
	}
	m.snap.store(RoleIdle, StateIdle)
	return m
}

// Run consumes events until ctx is cancelled, then tears the session down.
// It must be called exactly once.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.teardown(false)
			return
		case ev := <-m.events:
			m.dispatch(ev)
			m.snap.store(m.role, m.state)
		}
	}
}

// ---------------------------------------------------------------------------
// Role Authority entry points
// ---------------------------------------------------------------------------

// StartAsInitiator begins a session as the offering side. No-op when a role
// is already held.
func (m *Machine) StartAsInitiator() { m.command(cmdStart{}) }

// JoinAsResponder begins listening for an offer. No-op when a role is
// already held.
func (m *Machine) JoinAsResponder() { m.command(cmdJoin{}) }

// EndSession forces the role back to Idle and tears down the Connection and
// any attached local media, regardless of current state.
func (m *Machine) EndSession() { m.command(cmdEnd{}) }

// Done returns a channel closed when the event loop has exited and all
// session resources are released.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Role returns the current role.
func (m *Machine) Role() Role { r, _ := m.snap.load(); return r }

// State returns the current negotiation state.
func (m *Machine) State() State { _, s := m.snap.load(); return s }

// Connection returns the live Connection, or nil outside a role epoch.
// Intended for observation only.
func (m *Machine) Connection() *Connection { return m.snap.conn.Load() }

// command delivers a user command to the loop, waiting for queue space.
func (m *Machine) command(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// post delivers a transport-callback event without blocking. Candidates,
// state changes, and bus messages are best-effort, so a full queue drops the
// event rather than stalling the callback.
func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	default:
		util.Stats.AddDropped()
		util.LogDebug("event queue full, dropping %T", ev)
	}
}

// postStep delivers an asynchronous step completion. Completions are bounded
// (at most one in flight per step) and drive the busy flag, so they must
// never be lost; this blocks until the loop accepts the event or the machine
// stops. Called only from worker goroutines, never from the loop itself.
func (m *Machine) postStep(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// ---------------------------------------------------------------------------
// Event dispatch
// ---------------------------------------------------------------------------

func (m *Machine) dispatch(ev event) {
	switch ev := ev.(type) {
	case cmdStart:
		m.handleStart()
	case cmdJoin:
		m.handleJoin()
	case cmdEnd:
		m.teardown(false)
	case evMessage:
		m.handleMessage(ev.msg)
	case evMediaReady:
		m.handleMediaReady(ev)
	case evLocalDesc:
		m.handleLocalDesc(ev)
	case evRemoteApplied:
		if ev.epoch == m.epoch {
			m.busy = false
		}
	case evStepFailed:
		m.handleStepFailed(ev)
	case evLocalCandidate:
		m.handleLocalCandidate(ev)
	case evConnState:
		m.handleConnState(ev)
	case evTrack:
		if ev.epoch == m.epoch {
			m.surface.AttachRemote(ev.track)
		}
	case evConnectTimeout:
		if ev.epoch == m.epoch && m.state != StateConnected {
			util.LogWarning("no transport connection within %s, giving up", m.connectTimeout)
			m.teardown(true)
		}
	}
}

func (m *Machine) handleStart() {
	if m.role != RoleIdle {
		util.LogDebug("start ignored: role already %s", m.role)
		return
	}

	epoch := uuid.NewString()
	if err := m.resubscribe(); err != nil {
		util.LogError("failed to subscribe to signaling channel: %v", err)
		return
	}

	m.epoch = epoch
	m.role = RoleInitiator
	m.state = StateAwaitingAnswer
	m.tracker.reset(false)
	m.tracker.setRole(RoleInitiator)

	// Local capture may block on device access, so it runs off-loop. A
	// denial abandons the attempt before any Connection exists.
	if m.source == nil {
		m.handleStepFailed(evStepFailed{epoch: epoch, stage: "media", err: errNoSource})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		tracks, err := m.source.Acquire(ctx)
		if err != nil {
			m.postStep(evStepFailed{epoch: epoch, stage: "media", err: err})
			return
		}
		m.postStep(evMediaReady{epoch: epoch, tracks: tracks})
	}()
}

func (m *Machine) handleJoin() {
	if m.role != RoleIdle {
		util.LogDebug("join ignored: role already %s", m.role)
		return
	}

	epoch := uuid.NewString()
	if err := m.resubscribe(); err != nil {
		util.LogError("failed to subscribe to signaling channel: %v", err)
		return
	}

	conn, err := newConnection(epoch, m.rtcCfg)
	if err != nil {
		util.LogError("failed to create connection: %v", err)
		m.closeSub()
		return
	}
	if err := conn.AddRecvTransceivers(); err != nil {
		util.LogError("failed to prepare receive transceivers: %v", err)
		conn.Close()
		m.closeSub()
		return
	}

	m.epoch = epoch
	m.conn = conn
	m.snap.conn.Store(conn)
	m.wire(conn)

	m.role = RoleResponder
	m.state = StateAwaitingOffer
	m.tracker.reset(false)
	m.tracker.setRole(RoleResponder)
}

// handleMediaReady finishes initiator setup: the Connection is created only
// now, once capture is granted.
func (m *Machine) handleMediaReady(ev evMediaReady) {
	if ev.epoch != m.epoch {
		// Acquired for an epoch that has since ended; stop the capture.
		if m.source != nil {
			m.source.Release()
		}
		return
	}

	conn, err := newConnection(ev.epoch, m.rtcCfg)
	if err != nil {
		util.LogError("failed to create connection: %v", err)
		m.source.Release()
		m.teardown(false)
		return
	}
	conn.BindSource(m.source)
	if err := conn.AddLocalTracks(ev.tracks); err != nil {
		util.LogError("failed to attach local tracks: %v", err)
		conn.Close()
		m.conn = nil
		m.teardown(false)
		return
	}

	m.conn = conn
	m.snap.conn.Store(conn)
	m.wire(conn)
	m.surface.AttachLocal(ev.tracks)

	m.busy = true
	go func() {
		offer, err := conn.CreateOffer()
		if err == nil {
			err = conn.SetLocal(offer)
		}
		if err != nil {
			m.postStep(evStepFailed{epoch: conn.Epoch(), stage: "offer", err: err})
			return
		}
		m.postStep(evLocalDesc{epoch: conn.Epoch(), desc: offer})
	}()
}

// handleLocalDesc publishes a freshly created local description.
func (m *Machine) handleLocalDesc(ev evLocalDesc) {
	if ev.epoch != m.epoch {
		return
	}
	m.busy = false

	kind := signal.KindAnswer
	if ev.desc.Type == webrtc.SDPTypeOffer {
		kind = signal.KindOffer
	}
	m.publish(kind, ev.desc)

	if kind == signal.KindOffer {
		// Local setup finished: optimistically report the session live
		// before the transport confirms connectivity.
		m.tracker.setLiveness(LivenessSignaling)
		m.startConnectTimer(ev.epoch)
	}
}

func (m *Machine) handleStepFailed(ev evStepFailed) {
	if ev.epoch != m.epoch {
		return
	}
	m.busy = false

	switch ev.stage {
	case "media":
		util.LogError("local media unavailable: %v", ev.err)
		m.teardown(false)
	case "offer":
		util.LogError("failed to create offer: %v", ev.err)
		m.teardown(false)
	case "answer":
		// The remote offer was accepted but local answer generation
		// failed. Descriptions are set at most once, so this epoch can
		// never process a retransmitted offer; end it instead of
		// reporting an AwaitingOffer state that can't accept one.
		util.LogError("failed to answer: %v", ev.err)
		m.teardown(true)
	default:
		// The transport rejected a remote payload before latching it.
		// Drop it and keep listening; the session is not terminated by
		// noisy signaling, and a retransmission can still be applied.
		util.LogWarning("negotiation step %s failed: %v", ev.stage, ev.err)
		util.Stats.AddDropped()
		switch m.role {
		case RoleResponder:
			m.state = StateAwaitingOffer
		case RoleInitiator:
			m.state = StateAwaitingAnswer
		}
	}
}

func (m *Machine) handleLocalCandidate(ev evLocalCandidate) {
	if ev.epoch != m.epoch || m.conn == nil {
		return
	}
	payload, err := json.Marshal(ev.init)
	if err != nil {
		util.LogWarning("failed to encode local candidate: %v", err)
		return
	}
	if err := m.bus.Publish(signal.Message{
		Kind:       signal.KindCandidate,
		Payload:    payload,
		SenderRole: string(m.role),
	}); err != nil {
		util.LogDebug("candidate publish failed: %v", err)
		return
	}
	util.Stats.AddSent()
	m.conn.MarkFlushed(ev.init)
}

func (m *Machine) handleConnState(ev evConnState) {
	if ev.epoch != m.epoch {
		return
	}
	util.LogDebug("transport state: %s", ev.state)
	m.tracker.observe(ev.state)

	switch ev.state {
	case webrtc.PeerConnectionStateConnected:
		m.state = StateConnected
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		util.LogWarning("transport reported %s, closing session", ev.state)
		m.teardown(true)
	}
}

// ---------------------------------------------------------------------------
// Signaling message handling
// ---------------------------------------------------------------------------

func (m *Machine) handleMessage(msg signal.Message) {
	// The bus delivers our own messages back to us; drop them here.
	if m.role != RoleIdle && msg.SenderRole == string(m.role) {
		util.Stats.AddDropped()
		util.LogDebug("ignoring self-originated %s echo", msg.Kind)
		return
	}

	switch msg.Kind {
	case signal.KindOffer:
		m.handleOffer(msg)
	case signal.KindAnswer:
		m.handleAnswer(msg)
	case signal.KindCandidate:
		m.handleCandidate(msg)
	default:
		util.Stats.AddDropped()
		util.LogWarning("dropping signaling message of unknown kind %q", msg.Kind)
	}
}

func (m *Machine) handleOffer(msg signal.Message) {
	if m.role != RoleResponder {
		m.drop(msg, "only a responder processes offers")
		return
	}
	if m.conn == nil || m.state != StateAwaitingOffer || m.busy {
		m.drop(msg, "no offer expected in this state")
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &desc); err != nil {
		m.drop(msg, "malformed offer payload")
		return
	}

	conn := m.conn
	m.state = StateNegotiating
	m.busy = true
	m.startConnectTimer(m.epoch)

	go func() {
		if err := conn.ApplyRemote(desc); err != nil {
			m.postStep(evStepFailed{epoch: conn.Epoch(), stage: "apply-offer", err: err})
			return
		}
		answer, err := conn.CreateAnswer()
		if err == nil {
			err = conn.SetLocal(answer)
		}
		if err != nil {
			m.postStep(evStepFailed{epoch: conn.Epoch(), stage: "answer", err: err})
			return
		}
		m.postStep(evLocalDesc{epoch: conn.Epoch(), desc: answer})
	}()
}

func (m *Machine) handleAnswer(msg signal.Message) {
	if m.role != RoleInitiator {
		m.drop(msg, "only an initiator processes answers")
		return
	}
	if m.conn == nil || m.state != StateAwaitingAnswer || m.busy {
		m.drop(msg, "no answer expected in this state")
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &desc); err != nil {
		m.drop(msg, "malformed answer payload")
		return
	}

	conn := m.conn
	m.state = StateNegotiating
	m.busy = true

	go func() {
		if err := conn.ApplyRemote(desc); err != nil {
			m.postStep(evStepFailed{epoch: conn.Epoch(), stage: "apply-answer", err: err})
			return
		}
		m.postStep(evRemoteApplied{epoch: conn.Epoch()})
	}()
}

func (m *Machine) handleCandidate(msg signal.Message) {
	if m.conn == nil {
		m.drop(msg, "no connection for candidate")
		return
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &init); err != nil {
		m.drop(msg, "malformed candidate payload")
		return
	}
	// Candidates are applied (or buffered) as they arrive, even while a
	// description step is in flight.
	m.conn.AddRemoteCandidate(init)
}

// drop logs a guard violation. Violating messages are never fatal; a shared
// channel is expected to be noisy.
func (m *Machine) drop(msg signal.Message, reason string) {
	util.Stats.AddDropped()
	util.LogDebug("dropping %s from %s: %s", msg.Kind, msg.SenderRole, reason)
}

// ---------------------------------------------------------------------------
// Resources
// ---------------------------------------------------------------------------

// resubscribe atomically swaps the bus subscription for a new role epoch:
// the old epoch's subscription is fully closed before the new one exists, so
// no message is delivered twice across overlapping epochs.
func (m *Machine) resubscribe() error {
	m.closeSub()
	sub, err := m.bus.Subscribe(func(msg signal.Message) {
		util.Stats.AddRecv()
		m.post(evMessage{msg: msg})
	})
	if err != nil {
		return err
	}
	m.sub = sub
	return nil
}

func (m *Machine) closeSub() {
	if m.sub != nil {
		m.sub.Close()
		m.sub = nil
	}
}

// teardown releases the epoch's resources and returns the role to Idle.
// Closing the Connection stops any bound local media. Completions of steps
// still in flight for the old epoch will carry a stale epoch and be
// discarded when they arrive.
func (m *Machine) teardown(failed bool) {
	if m.role == RoleIdle && m.conn == nil && m.sub == nil {
		return
	}

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
		m.snap.conn.Store((*Connection)(nil))
		m.surface.Detach()
	}
	m.closeSub()

	m.epoch = ""
	m.busy = false
	m.role = RoleIdle
	m.state = StateClosed
	m.tracker.reset(failed)
}

// wire registers the Connection's transport callbacks as epoch-tagged
// events. Callbacks never mutate machine state directly.
func (m *Machine) wire(conn *Connection) {
	epoch := conn.Epoch()

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		m.post(evLocalCandidate{epoch: epoch, init: c.ToJSON()})
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.post(evConnState{epoch: epoch, state: state})
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.post(evTrack{epoch: epoch, track: track})
	})
}

func (m *Machine) publish(kind signal.Kind, desc webrtc.SessionDescription) {
	payload, err := json.Marshal(desc)
	if err != nil {
		util.LogError("failed to encode %s: %v", kind, err)
		return
	}
	if err := m.bus.Publish(signal.Message{
		Kind:       kind,
		Payload:    payload,
		SenderRole: string(m.role),
	}); err != nil {
		// Best-effort: an unavailable channel must not block negotiation.
		util.LogWarning("failed to publish %s: %v", kind, err)
		return
	}
	util.Stats.AddSent()
}

func (m *Machine) startConnectTimer(epoch string) {
	if m.connectTimeout <= 0 {
		return
	}
	go func() {
		timer := time.NewTimer(m.connectTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			m.postStep(evConnectTimeout{epoch: epoch})
		case <-m.done:
		}
	}()
}
