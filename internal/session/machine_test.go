package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"peerview/internal/signal"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// fakeSource is a media source with controllable denial, an optional gate
// that stalls Acquire until released, and release counting.
type fakeSource struct {
	denied   bool
	gate     chan struct{} // when non-nil, Acquire blocks until closed
	released atomic.Int32
}

func (s *fakeSource) Acquire(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.denied {
		return nil, errors.New("camera access denied")
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test-stream")
	if err != nil {
		return nil, err
	}
	return []webrtc.TrackLocal{track}, nil
}

func (s *fakeSource) Release() { s.released.Add(1) }

// fakeBus is an in-memory Bus that records published messages and exposes
// the live subscription count. Like the real bus it loops messages back to
// every subscriber, the publisher included.
type fakeBus struct {
	mu        sync.Mutex
	handlers  map[int]signal.Handler
	next      int
	published []signal.Message
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[int]signal.Handler)}
}

func (b *fakeBus) Publish(msg signal.Message) error {
	b.mu.Lock()
	b.published = append(b.published, msg)
	handlers := make([]signal.Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (b *fakeBus) Subscribe(h signal.Handler) (signal.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = h
	return &fakeSub{bus: b, id: id}, nil
}

func (b *fakeBus) Close() error { return nil }

// inject delivers a message as if a remote peer had published it.
func (b *fakeBus) inject(msg signal.Message) {
	b.mu.Lock()
	handlers := make([]signal.Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (b *fakeBus) activeSubs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func (b *fakeBus) messages(kind signal.Kind) []signal.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []signal.Message
	for _, m := range b.published {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type fakeSub struct {
	bus *fakeBus
	id  int
}

func (s *fakeSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.handlers, s.id)
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func startMachine(t *testing.T, opts Options) *Machine {
	t.Helper()
	m := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-m.Done()
	})
	return m
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func descPayload(t *testing.T, desc webrtc.SessionDescription) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(desc)
	if err != nil {
		t.Fatalf("failed to encode description: %v", err)
	}
	return payload
}

func candidatePayload(t *testing.T, init webrtc.ICECandidateInit) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(init)
	if err != nil {
		t.Fatalf("failed to encode candidate: %v", err)
	}
	return payload
}

// ---------------------------------------------------------------------------
// Role Authority
// ---------------------------------------------------------------------------

// TestStartPublishesOffer verifies the Idle → AwaitingAnswer transition:
// media acquired, a Connection created, and exactly one Offer published.
func TestStartPublishesOffer(t *testing.T) {
	bus := newFakeBus()
	m := startMachine(t, Options{Bus: bus, Source: &fakeSource{}})

	m.StartAsInitiator()

	waitFor(t, "offer published", func() bool {
		return len(bus.messages(signal.KindOffer)) == 1
	})
	if m.Role() != RoleInitiator {
		t.Errorf("role = %s, want Initiator", m.Role())
	}
	if m.State() != StateAwaitingAnswer {
		t.Errorf("state = %s, want AwaitingAnswer", m.State())
	}

	offer := bus.messages(signal.KindOffer)[0]
	if offer.SenderRole != string(RoleInitiator) {
		t.Errorf("offer senderRole = %s", offer.SenderRole)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer.Payload, &desc); err != nil {
		t.Fatalf("offer payload does not decode: %v", err)
	}
	if desc.Type != webrtc.SDPTypeOffer {
		t.Errorf("payload type = %s, want offer", desc.Type)
	}
}

// TestStartIsNoOpWhenRoleHeld verifies that role entry points defensively
// ignore a second call instead of double-initializing.
func TestStartIsNoOpWhenRoleHeld(t *testing.T) {
	bus := newFakeBus()
	m := startMachine(t, Options{Bus: bus, Source: &fakeSource{}})

	m.StartAsInitiator()
	waitFor(t, "offer published", func() bool {
		return len(bus.messages(signal.KindOffer)) == 1
	})

	m.StartAsInitiator()
	m.JoinAsResponder()
	time.Sleep(200 * time.Millisecond)

	if got := len(bus.messages(signal.KindOffer)); got != 1 {
		t.Errorf("published %d offers, want 1", got)
	}
	if m.Role() != RoleInitiator {
		t.Errorf("role changed to %s", m.Role())
	}
	if bus.activeSubs() != 1 {
		t.Errorf("%d live subscriptions, want 1", bus.activeSubs())
	}
}

// TestMediaDeniedAbandonsAttempt verifies the local-media-denied error
// path: the attempt is abandoned, no Connection exists, role reverts to
// Idle.
func TestMediaDeniedAbandonsAttempt(t *testing.T) {
	bus := newFakeBus()
	m := startMachine(t, Options{Bus: bus, Source: &fakeSource{denied: true}})

	m.StartAsInitiator()

	waitFor(t, "role back to Idle", func() bool { return m.Role() == RoleIdle })
	if m.Connection() != nil {
		t.Error("a Connection exists after media denial")
	}
	if got := len(bus.messages(signal.KindOffer)); got != 0 {
		t.Errorf("published %d offers after media denial", got)
	}
}

// TestEndSessionTeardown verifies that EndSession from a non-Idle state is
// equivalent to fresh Idle: no Connection, no media, no old subscription.
func TestEndSessionTeardown(t *testing.T) {
	bus := newFakeBus()
	src := &fakeSource{}
	var statuses []Status
	var statusMu sync.Mutex
	m := startMachine(t, Options{
		Bus:    bus,
		Source: src,
		StatusSink: func(s Status) {
			statusMu.Lock()
			statuses = append(statuses, s)
			statusMu.Unlock()
		},
	})

	m.StartAsInitiator()
	waitFor(t, "offer published", func() bool {
		return len(bus.messages(signal.KindOffer)) == 1
	})

	m.EndSession()
	waitFor(t, "role back to Idle", func() bool { return m.Role() == RoleIdle })

	if m.State() != StateClosed {
		t.Errorf("state = %s, want Closed", m.State())
	}
	if m.Connection() != nil {
		t.Error("Connection survived EndSession")
	}
	if bus.activeSubs() != 0 {
		t.Errorf("%d subscriptions survived EndSession", bus.activeSubs())
	}
	waitFor(t, "media released", func() bool { return src.released.Load() == 1 })

	statusMu.Lock()
	defer statusMu.Unlock()
	last := statuses[len(statuses)-1]
	if last.Role != RoleIdle || last.Live() || last.Failed {
		t.Errorf("final status %+v, want idle standby", last)
	}
}

// TestEndSessionDiscardsStaleAcquire ends the session while media
// acquisition is still in flight. The completion arrives for a dead epoch
// and must be discarded: the capture is released, no Connection appears,
// and no Offer goes out.
func TestEndSessionDiscardsStaleAcquire(t *testing.T) {
	bus := newFakeBus()
	src := &fakeSource{gate: make(chan struct{})}
	m := startMachine(t, Options{Bus: bus, Source: src})

	m.StartAsInitiator()
	waitFor(t, "role Initiator", func() bool { return m.Role() == RoleInitiator })

	m.EndSession()
	waitFor(t, "role back to Idle", func() bool { return m.Role() == RoleIdle })

	close(src.gate)
	waitFor(t, "stale capture released", func() bool { return src.released.Load() == 1 })

	if m.Connection() != nil {
		t.Error("stale media completion resurrected a Connection")
	}
	if got := len(bus.messages(signal.KindOffer)); got != 0 {
		t.Errorf("published %d offers after EndSession", got)
	}
	if m.Role() != RoleIdle {
		t.Errorf("role = %s, want Idle", m.Role())
	}
}

// TestStepCompletionAfterStop stops the event loop while a capture is still
// in flight; when the capture finally completes, the worker must return
// instead of blocking forever on delivery.
func TestStepCompletionAfterStop(t *testing.T) {
	bus := newFakeBus()
	src := &fakeSource{gate: make(chan struct{})}
	m := New(Options{Bus: bus, Source: src})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	m.StartAsInitiator()
	waitFor(t, "role Initiator", func() bool { return m.Role() == RoleInitiator })

	cancel()
	<-m.Done()
	close(src.gate)

	time.Sleep(100 * time.Millisecond)
	if got := len(bus.messages(signal.KindOffer)); got != 0 {
		t.Errorf("published %d offers after the loop exited", got)
	}
}

// ---------------------------------------------------------------------------
// Guard rules
// ---------------------------------------------------------------------------

// TestInitiatorIgnoresOffer verifies that an Offer received while holding
// the Initiator role is dropped and the state is unchanged.
func TestInitiatorIgnoresOffer(t *testing.T) {
	bus := newFakeBus()
	m := startMachine(t, Options{Bus: bus, Source: &fakeSource{}})

	m.StartAsInitiator()
	waitFor(t, "awaiting answer", func() bool { return m.State() == StateAwaitingAnswer })

	bus.inject(signal.Message{
		Kind:       signal.KindOffer,
		Payload:    descPayload(t, remoteOffer(t)),
		SenderRole: string(RoleResponder),
	})

	time.Sleep(200 * time.Millisecond)
	if m.State() != StateAwaitingAnswer {
		t.Errorf("state = %s after stray offer, want AwaitingAnswer", m.State())
	}
}

// TestResponderIgnoresAnswer verifies the mirror guard on the responder.
func TestResponderIgnoresAnswer(t *testing.T) {
	bus := newFakeBus()
	m := startMachine(t, Options{Bus: bus})

	m.JoinAsResponder()
	waitFor(t, "awaiting offer", func() bool { return m.State() == StateAwaitingOffer })

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
	bus.inject(signal.Message{
		Kind:       signal.KindAnswer,
		Payload:    descPayload(t, answer),
		SenderRole: string(RoleInitiator),
	})

	time.Sleep(200 * time.Millisecond)
	if m.State() != StateAwaitingOffer {
		t.Errorf("state = %s after stray answer, want AwaitingOffer", m.State())
	}
}

// TestSelfEchoDropped verifies that a machine ignores its own messages
// looped back by the bus.
func TestSelfEchoDropped(t *testing.T) {
	bus := newFakeBus()
	m := startMachine(t, Options{Bus: bus})

	m.JoinAsResponder()
	waitFor(t, "awaiting offer", func() bool { return m.State() == StateAwaitingOffer })

	// An "offer" tagged with our own role must be treated as an echo even
	// though a responder would otherwise process offers.
	bus.inject(signal.Message{
		Kind:       signal.KindOffer,
		Payload:    descPayload(t, remoteOffer(t)),
		SenderRole: string(RoleResponder),
	})

	time.Sleep(200 * time.Millisecond)
	if m.State() != StateAwaitingOffer {
		t.Errorf("state = %s after self echo, want AwaitingOffer", m.State())
	}
}

// TestSecondOfferDroppedWhileAnswering injects a duplicate Offer right
// behind the first one, while the answer step for the first is still in
// flight. The duplicate must be dropped; exactly one Answer goes out.
func TestSecondOfferDroppedWhileAnswering(t *testing.T) {
	bus := newFakeBus()
	m := startMachine(t, Options{Bus: bus})

	m.JoinAsResponder()
	waitFor(t, "awaiting offer", func() bool { return m.State() == StateAwaitingOffer })

	offer := signal.Message{
		Kind:       signal.KindOffer,
		Payload:    descPayload(t, remoteOffer(t)),
		SenderRole: string(RoleInitiator),
	}
	bus.inject(offer)
	bus.inject(offer)

	waitFor(t, "answer published", func() bool {
		return len(bus.messages(signal.KindAnswer)) >= 1
	})
	time.Sleep(200 * time.Millisecond)

	if got := len(bus.messages(signal.KindAnswer)); got != 1 {
		t.Errorf("published %d answers for a duplicated offer, want 1", got)
	}
	if s := m.State(); s != StateNegotiating && s != StateConnected {
		t.Errorf("state = %s, want Negotiating", s)
	}
}

// TestResponderRecoversFromBadOffer feeds the responder a well-formed
// message whose SDP the transport rejects. The failure must not poison the
// epoch: a retransmitted, valid offer is answered afterwards.
func TestResponderRecoversFromBadOffer(t *testing.T) {
	bus := newFakeBus()
	m := startMachine(t, Options{Bus: bus})

	m.JoinAsResponder()
	waitFor(t, "awaiting offer", func() bool { return m.State() == StateAwaitingOffer })

	garbage := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not an sdp"}
	bus.inject(signal.Message{
		Kind:       signal.KindOffer,
		Payload:    descPayload(t, garbage),
		SenderRole: string(RoleInitiator),
	})

	// Retransmit the valid offer until the machine has digested the failure
	// and accepts it. Duplicates sent while a step is in flight are dropped,
	// so at most one Answer can come out.
	good := signal.Message{
		Kind:       signal.KindOffer,
		Payload:    descPayload(t, remoteOffer(t)),
		SenderRole: string(RoleInitiator),
	}
	waitFor(t, "answer to retransmitted offer", func() bool {
		if len(bus.messages(signal.KindAnswer)) > 0 {
			return true
		}
		bus.inject(good)
		return false
	})

	time.Sleep(200 * time.Millisecond)
	if got := len(bus.messages(signal.KindAnswer)); got != 1 {
		t.Errorf("published %d answers, want 1", got)
	}
	if m.Role() != RoleResponder {
		t.Errorf("role = %s after recovery, want Responder", m.Role())
	}
}

// ---------------------------------------------------------------------------
// Candidate buffering
// ---------------------------------------------------------------------------

// TestResponderBuffersEarlyCandidates replays the reorder scenario: two
// candidates arrive while still AwaitingOffer, the offer lands afterwards,
// and both candidates must survive in their original order.
func TestResponderBuffersEarlyCandidates(t *testing.T) {
	bus := newFakeBus()
	m := startMachine(t, Options{Bus: bus})

	m.JoinAsResponder()
	waitFor(t, "connection created", func() bool { return m.Connection() != nil })

	c1, c2 := candidate("50001"), candidate("50002")
	for _, c := range []webrtc.ICECandidateInit{c1, c2} {
		bus.inject(signal.Message{
			Kind:       signal.KindCandidate,
			Payload:    candidatePayload(t, c),
			SenderRole: string(RoleInitiator),
		})
	}

	conn := m.Connection()
	waitFor(t, "candidates buffered", func() bool { return conn.PendingCandidates() == 2 })
	if got := len(conn.AppliedCandidates()); got != 0 {
		t.Fatalf("%d candidates applied before the offer", got)
	}

	bus.inject(signal.Message{
		Kind:       signal.KindOffer,
		Payload:    descPayload(t, remoteOffer(t)),
		SenderRole: string(RoleInitiator),
	})

	waitFor(t, "answer published", func() bool {
		return len(bus.messages(signal.KindAnswer)) == 1
	})
	waitFor(t, "buffered candidates flushed", func() bool {
		return conn.PendingCandidates() == 0 && len(conn.AppliedCandidates()) == 2
	})

	applied := conn.AppliedCandidates()
	if applied[0].Candidate != c1.Candidate || applied[1].Candidate != c2.Candidate {
		t.Errorf("candidates replayed out of order: %+v", applied)
	}
	if m.State() != StateNegotiating {
		t.Errorf("state = %s, want Negotiating", m.State())
	}
}

// ---------------------------------------------------------------------------
// Round trip
// ---------------------------------------------------------------------------

// TestOfferAnswerRoundTrip runs two machines against one shared local
// channel: the responder joins, the initiator offers, and both sides reach
// Negotiating (or beyond, if the loopback transport connects first).
func TestOfferAnswerRoundTrip(t *testing.T) {
	hub := signal.NewHub()
	ch := hub.Channel("round-trip")

	responder := startMachine(t, Options{Bus: ch})
	initiator := startMachine(t, Options{Bus: ch, Source: &fakeSource{}})

	responder.JoinAsResponder()
	waitFor(t, "responder listening", func() bool {
		return responder.State() == StateAwaitingOffer
	})

	initiator.StartAsInitiator()

	negotiated := func(m *Machine) func() bool {
		return func() bool {
			s := m.State()
			return s == StateNegotiating || s == StateConnected
		}
	}
	waitFor(t, "responder negotiating", negotiated(responder))
	waitFor(t, "initiator negotiating", negotiated(initiator))

	if responder.Role() != RoleResponder || initiator.Role() != RoleInitiator {
		t.Errorf("roles: responder=%s initiator=%s", responder.Role(), initiator.Role())
	}
}
