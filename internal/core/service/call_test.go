package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/speakmate/callkit/internal/core/domain"
)

func TestStartCallRingsCallee(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)

	if err := a.svc.StartCall(context.Background(), b.id, "Bob", domain.MediaOptions{Audio: true}); err != nil {
		t.Fatalf("start call: %v", err)
	}
	if got := a.svc.State().Status; got != domain.StatusCalling {
		t.Fatalf("caller status = %s, want calling", got)
	}

	pump(a, b)

	st := b.svc.State()
	if st.Status != domain.StatusRinging {
		t.Fatalf("callee status = %s, want ringing", st.Status)
	}
	if st.RemoteUserID != a.id {
		t.Errorf("callee remote = %s, want %s", st.RemoteUserID, a.id)
	}
	if st.PendingOffer == nil || st.PendingOffer.Type != domain.SDPOffer {
		t.Error("callee should hold the pending remote offer")
	}
	if st.HistoryID == "" || st.HistoryID != a.svc.State().HistoryID {
		t.Error("both sides should share the caller's call history id")
	}
	if got := b.countTopic(domain.TopicIncomingCall); got != 1 {
		t.Errorf("incoming-call events = %d, want 1", got)
	}
}

func TestStartCallWhileBusy(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)
	connectPair(t, a, b, domain.MediaOptions{Audio: true})

	err := a.svc.StartCall(context.Background(), "carol", "Carol", domain.MediaOptions{Audio: true})
	if !errors.Is(err, domain.ErrAlreadyInCall) {
		t.Fatalf("err = %v, want ErrAlreadyInCall", err)
	}
	if a.svc.State().RemoteUserID != b.id {
		t.Error("existing call must be untouched")
	}
}

func TestAcceptCallConnectsBothSides(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)
	connectPair(t, a, b, domain.MediaOptions{Audio: true})

	sa, sb := a.svc.State(), b.svc.State()
	if sa.StartedAt == nil || sb.StartedAt == nil {
		t.Fatal("both sides must stamp a start time")
	}
	if !sa.StartedAt.Equal(*sb.StartedAt) {
		t.Errorf("start times differ: %v vs %v", sa.StartedAt, sb.StartedAt)
	}
	if got := a.countTopic(domain.TopicCallConnected); got != 1 {
		t.Errorf("caller call-connected events = %d, want 1", got)
	}
	if got := b.countTopic(domain.TopicCallConnected); got != 1 {
		t.Errorf("callee call-connected events = %d, want 1", got)
	}
}

// Every state change flows through a published snapshot; the accepted media
// flags must appear in the event stream, not only in the final state.
func TestAcceptCallPublishesMediaFlagSnapshot(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)

	if err := a.svc.StartCall(context.Background(), b.id, "Bob", domain.MediaOptions{Audio: true}); err != nil {
		t.Fatalf("start call: %v", err)
	}
	pump(a, b)
	b.takeEvents()

	if err := b.svc.AcceptCall(context.Background(), domain.MediaOptions{Audio: true}); err != nil {
		t.Fatalf("accept call: %v", err)
	}

	var sawFlags, sawConnected bool
	for _, ev := range b.takeEvents() {
		sc, ok := ev.(domain.CallStateChanged)
		if !ok {
			continue
		}
		if sc.State.AudioEnabled {
			sawFlags = true
		}
		if sc.State.Status == domain.StatusConnected && !sc.State.AudioEnabled {
			t.Fatal("connected snapshot lost the accepted media flags")
		}
		if sc.State.Status == domain.StatusConnected {
			sawConnected = true
		}
	}
	if !sawFlags || !sawConnected {
		t.Fatalf("snapshots missing: flags=%v connected=%v", sawFlags, sawConnected)
	}
}

func TestAcceptCallWithoutIncoming(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)

	err := a.svc.AcceptCall(context.Background(), domain.MediaOptions{Audio: true})
	if !errors.Is(err, domain.ErrNoIncomingCall) {
		t.Fatalf("err = %v, want ErrNoIncomingCall", err)
	}
}

func TestRejectCall(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)

	if err := a.svc.StartCall(context.Background(), b.id, "Bob", domain.MediaOptions{Audio: true}); err != nil {
		t.Fatalf("start call: %v", err)
	}
	pump(a, b)

	b.svc.RejectCall(context.Background())
	if got := b.svc.State().Status; got != domain.StatusIdle {
		t.Fatalf("callee status after reject = %s, want idle", got)
	}

	pump(a, b)
	if got := a.svc.State().Status; got != domain.StatusEnded {
		t.Fatalf("caller status after decline = %s, want ended", got)
	}
	if got := a.countTopic(domain.TopicCallEnded); got != 1 {
		t.Errorf("caller call-ended events = %d, want 1", got)
	}

	// A declined call never connected, so no duration accrues.
	if d := a.svc.State().Duration; d != 0 {
		t.Errorf("duration = %v, want 0", d)
	}

	clk.Advance(time.Second)
	if got := a.svc.State().Status; got != domain.StatusIdle {
		t.Fatalf("caller status after grace = %s, want idle", got)
	}
}

func TestRejectCallWithoutIncomingIsNoop(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)

	a.svc.RejectCall(context.Background())
	if got := a.svc.State().Status; got != domain.StatusIdle {
		t.Fatalf("status = %s, want idle", got)
	}
	if sent := a.sig.take(); len(sent) != 0 {
		t.Errorf("nothing should be sent, got %d messages", len(sent))
	}
}

func TestEndCallIsIdempotent(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)
	connectPair(t, a, b, domain.MediaOptions{Audio: true})

	sess := a.session()
	a.svc.EndCall(context.Background())
	a.svc.EndCall(context.Background())
	a.svc.EndCall(context.Background())

	if got := a.sig.countEvent(domain.EventCallEnd); got != 1 {
		t.Fatalf("call-end messages = %d, want exactly 1", got)
	}
	if got := a.countTopic(domain.TopicCallEnded); got != 1 {
		t.Fatalf("call-ended events = %d, want exactly 1", got)
	}
	if !sess.closed {
		t.Error("session must be closed on teardown")
	}

	pump(a, b)
	if got := b.svc.State().Status; got != domain.StatusEnded {
		t.Fatalf("remote status = %s, want ended", got)
	}
	// The notified side must not echo a call-end back.
	if got := b.sig.countEvent(domain.EventCallEnd); got != 0 {
		t.Errorf("remote sent %d call-end messages, want 0", got)
	}
}

func TestCallDuration(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)
	connectPair(t, a, b, domain.MediaOptions{Audio: true})

	clk.Advance(95 * time.Second)
	a.svc.EndCall(context.Background())
	pump(a, b)

	if d := a.svc.State().Duration; d != 95*time.Second {
		t.Errorf("caller duration = %v, want 95s", d)
	}
	if d := b.svc.State().Duration; d != 95*time.Second {
		t.Errorf("callee duration = %v, want 95s", d)
	}

	events := a.takeEvents()
	for _, ev := range events {
		if ended, ok := ev.(domain.CallEnded); ok {
			if ended.Duration != 95*time.Second {
				t.Errorf("call-ended duration = %v, want 95s", ended.Duration)
			}
		}
	}
}

func TestEndBeforeConnectHasZeroDuration(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)

	if err := a.svc.StartCall(context.Background(), b.id, "Bob", domain.MediaOptions{Audio: true}); err != nil {
		t.Fatalf("start call: %v", err)
	}
	clk.Advance(5 * time.Second)
	a.svc.EndCall(context.Background())

	st := a.svc.State()
	if st.Status != domain.StatusEnded {
		t.Fatalf("status = %s, want ended", st.Status)
	}
	if st.Duration != 0 {
		t.Errorf("duration = %v, want 0", st.Duration)
	}
}

func TestAnswerTimeout(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)

	if err := a.svc.StartCall(context.Background(), b.id, "Bob", domain.MediaOptions{Audio: true}); err != nil {
		t.Fatalf("start call: %v", err)
	}

	clk.Advance(29 * time.Second)
	if got := a.svc.State().Status; got != domain.StatusCalling {
		t.Fatalf("status before timeout = %s, want calling", got)
	}

	clk.Advance(time.Second)
	if got := a.svc.State().Status; got != domain.StatusEnded {
		t.Fatalf("status after timeout = %s, want ended", got)
	}
	if got := a.sig.countEvent(domain.EventCallEnd); got != 1 {
		t.Errorf("call-end messages = %d, want 1", got)
	}

	clk.Advance(time.Second)
	if got := a.svc.State().Status; got != domain.StatusIdle {
		t.Fatalf("status after grace = %s, want idle", got)
	}
}

func TestAnswerTimeoutCancelledByConnect(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)
	connectPair(t, a, b, domain.MediaOptions{Audio: true})

	clk.Advance(31 * time.Second)
	if got := a.svc.State().Status; got != domain.StatusConnected {
		t.Fatalf("status = %s, answered call must survive the timeout window", got)
	}
}

func TestBusyRejectsSecondOffer(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)
	connectPair(t, a, b, domain.MediaOptions{Audio: true})

	payload, _ := json.Marshal(domain.CallOffer{
		SDP: "sdp-offer", Type: domain.SDPOffer, FromName: "Carol", HistoryID: "h-carol",
	})
	a.svc.HandleEnvelope(domain.Envelope{Event: domain.EventCallOffer, From: "carol", Payload: payload})

	if got := a.svc.State().Status; got != domain.StatusConnected {
		t.Fatalf("status = %s, busy engine must keep its call", got)
	}
	if a.svc.State().RemoteUserID != b.id {
		t.Error("active call remote must be unchanged")
	}

	sent := a.sig.take()
	var declined bool
	for _, m := range sent {
		if m.To == "carol" && m.Event == domain.EventCallAnswer {
			var ans domain.CallAnswer
			if err := json.Unmarshal(m.Payload, &ans); err != nil {
				t.Fatalf("decode busy answer: %v", err)
			}
			if ans.Accepted {
				t.Error("busy answer must decline")
			}
			if ans.HistoryID != "h-carol" {
				t.Errorf("busy answer history id = %s, want h-carol", ans.HistoryID)
			}
			declined = true
		}
	}
	if !declined {
		t.Fatal("busy engine must send a declining answer")
	}
}

func TestCandidateQueuedBeforeRemoteDescription(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)

	if err := a.svc.StartCall(context.Background(), b.id, "Bob", domain.MediaOptions{Audio: true}); err != nil {
		t.Fatalf("start call: %v", err)
	}

	payload, _ := json.Marshal(domain.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 3478 typ host"})
	a.svc.HandleEnvelope(domain.Envelope{Event: domain.EventCallICECandidate, From: b.id, Payload: payload})

	if got := a.session().queued; got != 1 {
		t.Fatalf("queued candidates = %d, want 1", got)
	}
}

func TestCandidateDroppedWithoutSession(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)

	payload, _ := json.Marshal(domain.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 3478 typ host"})
	a.svc.HandleEnvelope(domain.Envelope{Event: domain.EventCallICECandidate, From: "bob", Payload: payload})

	if got := a.svc.State().Status; got != domain.StatusIdle {
		t.Fatalf("status = %s, want idle", got)
	}
}

func TestLocalCandidateForwarded(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)
	connectPair(t, a, b, domain.MediaOptions{Audio: true})

	mid := "0"
	a.session().cb.OnLocalCandidate(domain.ICECandidate{Candidate: "candidate:2", SDPMid: &mid})

	if got := a.sig.countEvent(domain.EventCallICECandidate); got != 1 {
		t.Fatalf("forwarded candidates = %d, want 1", got)
	}
	pump(a, b)
	if got := b.session().applied; got != 1 {
		t.Errorf("applied candidates on remote = %d, want 1", got)
	}
}

func TestToggleAudio(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)
	connectPair(t, a, b, domain.MediaOptions{Audio: true})

	if on := a.svc.ToggleAudio(); on {
		t.Fatal("first toggle should mute")
	}
	if a.session().audioOn {
		t.Error("session audio should be off")
	}
	if on := a.svc.ToggleAudio(); !on {
		t.Fatal("second toggle should unmute")
	}
	if !a.session().audioOn {
		t.Error("session audio should be back on")
	}
}

func TestToggleAudioWithoutCall(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	if on := a.svc.ToggleAudio(); on {
		t.Fatal("toggle without a call must report false")
	}
}

func TestToggleVideoWithTrack(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)
	connectPair(t, a, b, domain.MediaOptions{Audio: true, Video: true})

	if on := a.svc.ToggleVideo(context.Background()); on {
		t.Fatal("first toggle should disable video")
	}
	if a.svc.State().VideoEnabled {
		t.Error("state video should be off")
	}
	if on := a.svc.ToggleVideo(context.Background()); !on {
		t.Fatal("second toggle should enable video")
	}
}

func TestRemoteTrackPublishesEvent(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)
	connectPair(t, a, b, domain.MediaOptions{Audio: true})

	a.session().cb.OnRemoteTrack(domain.TrackAudio)
	if got := a.countTopic(domain.TopicRemoteStreamUpdated); got != 1 {
		t.Fatalf("remote-stream-updated events = %d, want 1", got)
	}
}

func TestStaleSessionCallbackIgnored(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)
	connectPair(t, a, b, domain.MediaOptions{Audio: true})

	old := a.session()
	a.svc.EndCall(context.Background())
	clk.Advance(time.Second)
	if got := a.svc.State().Status; got != domain.StatusIdle {
		t.Fatalf("status = %s, want idle", got)
	}

	// Callbacks from the torn-down session must not touch the fresh state.
	old.transport(domain.ConnectivityConnected)
	old.cb.OnRemoteTrack(domain.TrackVideo)
	if got := a.svc.State().Status; got != domain.StatusIdle {
		t.Fatalf("stale callback moved status to %s", got)
	}
}

func TestNewCallAfterGraceReset(t *testing.T) {
	clk := newFakeClock()
	a := newPeer(t, "alice", clk)
	b := newPeer(t, "bob", clk)
	connectPair(t, a, b, domain.MediaOptions{Audio: true})

	a.svc.EndCall(context.Background())
	pump(a, b)
	clk.Advance(time.Second)

	if got := a.svc.State().Status; got != domain.StatusIdle {
		t.Fatalf("caller status = %s, want idle", got)
	}
	if got := b.svc.State().Status; got != domain.StatusIdle {
		t.Fatalf("callee status = %s, want idle", got)
	}

	connectPair(t, b, a, domain.MediaOptions{Audio: true})
	if got := a.svc.State().Status; got != domain.StatusConnected {
		t.Fatalf("second call status = %s, want connected", got)
	}
}
