package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/speakmate/callkit/internal/core/domain"
	"github.com/speakmate/callkit/internal/core/port"
	"github.com/speakmate/callkit/internal/eventbus"
)

// fakeClock is a manually advanced clock. Timers fire during Advance, in
// due order, outside the clock's own lock so they may re-enter the service.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) port.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and fires every timer due on the way.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.when.After(c.now) {
			c.now = next.when
		}
		next.fired = true
		fn := next.fn
		c.mu.Unlock()
		fn()
	}
}

type sentMsg struct {
	To      domain.UserID
	Event   domain.SignalEvent
	Payload json.RawMessage
}

// fakeSignaler records outbound messages; tests deliver them explicitly.
type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (s *fakeSignaler) Send(_ context.Context, to domain.UserID, event domain.SignalEvent, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, sentMsg{To: to, Event: event, Payload: raw})
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) Subscribe() (<-chan domain.Envelope, func()) {
	ch := make(chan domain.Envelope)
	return ch, func() {}
}

// take drains and returns everything sent so far.
func (s *fakeSignaler) take() []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

func (s *fakeSignaler) countEvent(ev domain.SignalEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.Event == ev {
			n++
		}
	}
	return n
}

// fakeSession emulates the peer connection's offer/answer state machine:
// CreateOffer moves stable → have-local-offer, applying a remote offer moves
// stable → have-remote-offer, answering or applying a remote answer returns
// to stable. Applying an answer in stable fails, like the real thing.
type fakeSession struct {
	mu sync.Mutex
	cb port.SessionCallbacks

	signaling domain.SignalingState
	conn      domain.ConnectivityState

	hasAudio, hasVideo bool
	audioOn, videoOn   bool

	remoteSet bool
	queued    int
	applied   int

	offerCount       int
	restartCount     int
	rollbacks        int
	failVideoCapture bool
	closed           bool
}

func newFakeSession(opts domain.MediaOptions, cb port.SessionCallbacks) *fakeSession {
	return &fakeSession{
		cb:        cb,
		signaling: domain.SignalingStable,
		conn:      domain.ConnectivityNew,
		hasAudio:  opts.Audio,
		hasVideo:  opts.Video,
		audioOn:   opts.Audio,
		videoOn:   opts.Video,
	}
}

func (s *fakeSession) CreateOffer(_ context.Context, opts port.OfferOptions) (domain.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaling != domain.SignalingStable {
		return domain.SessionDescription{}, errors.New("create offer in " + string(s.signaling))
	}
	s.offerCount++
	if opts.ICERestart {
		s.restartCount++
	}
	s.signaling = domain.SignalingHaveLocalOffer
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: "sdp-offer"}, nil
}

func (s *fakeSession) CreateAnswer(_ context.Context) (domain.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaling != domain.SignalingHaveRemoteOffer {
		return domain.SessionDescription{}, errors.New("create answer in " + string(s.signaling))
	}
	s.signaling = domain.SignalingStable
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: "sdp-answer"}, nil
}

func (s *fakeSession) SetRemoteDescription(desc domain.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch desc.Type {
	case domain.SDPOffer:
		if s.signaling != domain.SignalingStable {
			return errors.New("remote offer in " + string(s.signaling))
		}
		s.signaling = domain.SignalingHaveRemoteOffer
	case domain.SDPAnswer:
		if s.signaling != domain.SignalingHaveLocalOffer {
			return errors.New("remote answer in " + string(s.signaling))
		}
		s.signaling = domain.SignalingStable
	}
	s.remoteSet = true
	return nil
}

func (s *fakeSession) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaling != domain.SignalingHaveLocalOffer {
		return errors.New("rollback in " + string(s.signaling))
	}
	s.signaling = domain.SignalingStable
	s.rollbacks++
	return nil
}

func (s *fakeSession) AddRemoteCandidate(domain.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.remoteSet {
		s.queued++
		return nil
	}
	s.applied++
	return nil
}

func (s *fakeSession) SignalingState() domain.SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaling
}

func (s *fakeSession) ConnectivityState() domain.ConnectivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *fakeSession) SetAudioEnabled(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasAudio {
		return false
	}
	s.audioOn = on
	return true
}

func (s *fakeSession) SetVideoEnabled(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasVideo {
		return false
	}
	s.videoOn = on
	return true
}

func (s *fakeSession) HasVideoTrack() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasVideo
}

func (s *fakeSession) StartVideoCapture(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failVideoCapture {
		return domain.NewMediaError(domain.MediaCaptureFailed, errors.New("camera busy"))
	}
	s.hasVideo = true
	s.videoOn = true
	return nil
}

func (s *fakeSession) StopVideoCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoOn = false
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// setSignaling forces the offer/answer state, simulating transitions the
// transport applied behind the orchestrator's back.
func (s *fakeSession) setSignaling(st domain.SignalingState) {
	s.mu.Lock()
	s.signaling = st
	s.mu.Unlock()
}

// transport drives the session's connectivity callback as the transport
// layer would.
func (s *fakeSession) transport(state domain.ConnectivityState) {
	s.mu.Lock()
	s.conn = state
	cb := s.cb.OnConnectivity
	s.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

type fakeMediaEngine struct {
	mu       sync.Mutex
	sessions []*fakeSession
	failNext error
}

func (e *fakeMediaEngine) NewSession(_ context.Context, opts domain.MediaOptions, cb port.SessionCallbacks) (port.MediaSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNext != nil {
		err := e.failNext
		e.failNext = nil
		return nil, err
	}
	s := newFakeSession(opts, cb)
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeMediaEngine) last() *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

// peer bundles one orchestrator with its fakes. Events are drained from the
// bus subscription on demand, so assertions see exactly what was published.
type peer struct {
	id    domain.UserID
	svc   *CallService
	sig   *fakeSignaler
	media *fakeMediaEngine
	clock *fakeClock
	bus   *eventbus.Bus

	eventCh <-chan domain.Event
	events  []domain.Event
}

func newPeer(t *testing.T, id domain.UserID, clock *fakeClock) *peer {
	t.Helper()
	p := &peer{
		id:    id,
		sig:   &fakeSignaler{},
		media: &fakeMediaEngine{},
		clock: clock,
		bus:   eventbus.New(),
	}
	p.svc = NewCallService(Config{SelfID: id, SelfName: string(id)}, p.sig, p.media, p.bus, clock)

	ch, cancel := p.bus.Subscribe()
	p.eventCh = ch
	t.Cleanup(cancel)
	return p
}

func (p *peer) session() *fakeSession {
	return p.media.last()
}

func (p *peer) drain() {
	for {
		select {
		case ev := <-p.eventCh:
			p.events = append(p.events, ev)
		default:
			return
		}
	}
}

func (p *peer) takeEvents() []domain.Event {
	p.drain()
	out := p.events
	p.events = nil
	return out
}

func (p *peer) countTopic(topic domain.EventTopic) int {
	p.drain()
	n := 0
	for _, ev := range p.events {
		if ev.Topic() == topic {
			n++
		}
	}
	return n
}

// deliver hands every message a queued for b to b, and vice versa, looping
// until both queues are quiet. Delivery is synchronous and deterministic.
func pump(a, b *peer) {
	for {
		moved := false
		for _, m := range a.sig.take() {
			if m.To == b.id {
				b.svc.HandleEnvelope(domain.Envelope{Event: m.Event, From: a.id, Payload: m.Payload})
				moved = true
			}
		}
		for _, m := range b.sig.take() {
			if m.To == a.id {
				a.svc.HandleEnvelope(domain.Envelope{Event: m.Event, From: b.id, Payload: m.Payload})
				moved = true
			}
		}
		if !moved {
			return
		}
	}
}

// connectPair runs the setup handshake until both sides are Connected.
func connectPair(t *testing.T, a, b *peer, opts domain.MediaOptions) {
	t.Helper()
	if err := a.svc.StartCall(context.Background(), b.id, string(b.id), opts); err != nil {
		t.Fatalf("start call: %v", err)
	}
	pump(a, b)
	if got := b.svc.State().Status; got != domain.StatusRinging {
		t.Fatalf("callee should be ringing, got %s", got)
	}
	if err := b.svc.AcceptCall(context.Background(), opts); err != nil {
		t.Fatalf("accept call: %v", err)
	}
	pump(a, b)

	if got := a.svc.State().Status; got != domain.StatusConnected {
		t.Fatalf("caller should be connected, got %s", got)
	}
	if got := b.svc.State().Status; got != domain.StatusConnected {
		t.Fatalf("callee should be connected, got %s", got)
	}
}
