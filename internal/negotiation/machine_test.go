package negotiation

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/xrcall/internal/protocol"
)

// TestOpenBuildsPeerConnectionOnce verifies Idle -> AwaitingOffer on the
// transport open event, and that a repeated open does not rebuild.
func TestOpenBuildsPeerConnectionOnce(t *testing.T) {
	h := newHarness(t, nil)

	if st := h.m.State(); st != StateIdle {
		t.Fatalf("initial state = %s, want Idle", st)
	}

	h.open(t)
	h.m.OnOpen()
	h.m.NegotiationNeeded() // barrier: processed after the second open
	waitFor(t, "offer", func() bool { return len(h.out.withPrefix("OFFER!")) == 1 })

	h.mu.Lock()
	built := h.built
	h.mu.Unlock()
	if built != 1 {
		t.Errorf("engine built %d times, want 1", built)
	}
}

// TestOfferProducesExactlyOneAnswer feeds a literal OFFER frame and checks
// the answer sequence and output.
func TestOfferProducesExactlyOneAnswer(t *testing.T) {
	h := newHarness(t, nil)
	e := h.open(t)

	h.m.OnMessage(`OFFER!{"sessionType":"offer","sdp":"v=0..."}`)
	waitFor(t, "AnswerSent", func() bool { return h.m.State() == StateAnswerSent })

	answers := h.out.withPrefix("ANSWER!")
	if len(answers) != 1 {
		t.Fatalf("sent %d answers, want 1: %v", len(answers), answers)
	}
	msg := protocol.Decode(answers[0])
	desc, err := protocol.ParseSessionDescriptor(msg.Payload)
	if err != nil {
		t.Fatalf("answer payload invalid: %v", err)
	}
	if desc.SessionType != "answer" || desc.SDP != "answer-sdp" {
		t.Errorf("answer = %+v", desc)
	}

	remote, _, _ := e.snapshot()
	if len(remote) != 1 || remote[0].SDP != "v=0..." || remote[0].SessionType != "offer" {
		t.Errorf("remote descriptions = %+v", remote)
	}

	e.mu.Lock()
	calls := append([]string(nil), e.calls...)
	e.mu.Unlock()
	want := []string{"SetRemoteDescription", "CreateAnswer", "SetLocalDescription"}
	if len(calls) != len(want) {
		t.Fatalf("engine calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("engine calls = %v, want %v", calls, want)
		}
	}
}

// TestOfferThenCandidates delivers [OFFER, CANDIDATE, CANDIDATE] to a fresh
// connection, with and without a local negotiation-needed firing first.
func TestOfferThenCandidates(t *testing.T) {
	for _, localFirst := range []bool{false, true} {
		name := "remote only"
		if localFirst {
			name = "local negotiation first"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.open(t)

			if localFirst {
				h.m.NegotiationNeeded()
			}
			h.m.OnMessage(offerMessage("v=0"))
			h.m.OnMessage(candidateMessage("1"))
			h.m.OnMessage(candidateMessage("2"))

			waitFor(t, "both candidates", func() bool {
				_, cands, _ := h.fake().snapshot()
				return len(cands) == 2
			})
			waitFor(t, "AnswerSent", func() bool { return h.m.State() == StateAnswerSent })
			time.Sleep(20 * time.Millisecond)

			if n := len(h.out.withPrefix("ANSWER!")); n != 1 {
				t.Errorf("sent %d answers, want 1", n)
			}
			if st := h.m.State(); st != StateAnswerSent {
				t.Errorf("state = %s, want AnswerSent", st)
			}
		})
	}
}

// TestGlarePoliteSideAnswers crosses a local offer with a remote offer whose
// SDP sorts higher: the local side yields, rebuilds its peer connection with
// its tracks and answers.
func TestGlarePoliteSideAnswers(t *testing.T) {
	h := newHarness(t, nil)
	first := h.open(t)

	track := fakeTrack{id: "video", kind: webrtc.RTPCodecTypeVideo}
	if err := h.m.AddTracks(track); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "OfferSent", func() bool { return h.m.State() == StateOfferSent })

	h.m.OnMessage(offerMessage("v=0 remote"))
	waitFor(t, "answer", func() bool { return len(h.out.withPrefix("ANSWER!")) == 1 })

	h.mu.Lock()
	built := h.built
	h.mu.Unlock()
	if built != 2 {
		t.Fatalf("engine built %d times, want 2", built)
	}

	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if closed != 1 {
		t.Errorf("replaced engine closed %d times, want 1", closed)
	}

	second := h.fake()
	remote, _, tracks := second.snapshot()
	if len(tracks) != 1 || tracks[0].ID() != "video" {
		t.Errorf("tracks on new engine = %v, want the video track", tracks)
	}
	if len(remote) != 1 || remote[0].SDP != "v=0 remote" {
		t.Errorf("remote descriptions on new engine = %+v", remote)
	}

	// The replaced engine can no longer move the machine.
	first.events.ICEConnectionStateChange(webrtc.ICEConnectionStateFailed)
	time.Sleep(20 * time.Millisecond)
	if h.sawState(StateDisconnected) {
		t.Error("event from the replaced engine was applied")
	}
}

// TestGlareImpoliteSideWaits crosses a local offer with a remote offer whose
// SDP sorts lower: the remote offer is ignored and the local offer settles
// with the answer that follows.
func TestGlareImpoliteSideWaits(t *testing.T) {
	h := newHarness(t, nil)
	e := h.open(t)

	h.m.NegotiationNeeded()
	waitFor(t, "OfferSent", func() bool { return h.m.State() == StateOfferSent })

	h.m.OnMessage(offerMessage("a=lower"))
	time.Sleep(30 * time.Millisecond)

	if n := len(h.out.withPrefix("ANSWER!")); n != 0 {
		t.Fatalf("answered a colliding offer %d times", n)
	}
	if st := h.m.State(); st != StateOfferSent {
		t.Fatalf("state = %s, want OfferSent", st)
	}

	h.m.OnMessage(protocol.EncodeAnswer(protocol.SessionDescriptor{SessionType: "answer", SDP: "remote-answer"}))
	waitFor(t, "Connected", func() bool { return h.m.State() == StateConnected })

	h.mu.Lock()
	built := h.built
	h.mu.Unlock()
	if built != 1 || h.fake() != e {
		t.Errorf("impolite side rebuilt its engine")
	}
}

func TestPoliteTo(t *testing.T) {
	if !politeTo("a", "b") || politeTo("b", "a") {
		t.Error("exactly the lower offer must yield")
	}
}

// TestOfferPassesAwaitingAnswer verifies the local offer path reports
// AwaitingAnswer before OfferSent.
func TestOfferPassesAwaitingAnswer(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t)

	h.m.NegotiationNeeded()
	waitFor(t, "OfferSent", func() bool { return h.m.State() == StateOfferSent })

	h.mu.Lock()
	states := append([]State(nil), h.states...)
	h.mu.Unlock()
	want := []State{StateAwaitingOffer, StateAwaitingAnswer, StateOfferSent}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

// TestCloseWhileSendStalled closes while the outbound channel cannot take
// the offer; Close must not wait for it.
func TestCloseWhileSendStalled(t *testing.T) {
	h := newHarness(t, nil)
	h.out.stall = true
	h.out.stalled = make(chan struct{})
	h.open(t)

	h.m.NegotiationNeeded()
	select {
	case <-h.out.stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("offer was never sent")
	}

	closed := make(chan error, 1)
	go func() { closed <- h.m.Close() }()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked behind a stalled send; state = %s", h.m.State())
	}
	if st := h.m.State(); st != StateClosed {
		t.Errorf("state = %s, want Closed", st)
	}
}

// TestCandidatesBeforeOffer verifies that premature candidates are held and
// added once the offer is applied.
func TestCandidatesBeforeOffer(t *testing.T) {
	h := newHarness(t, nil)
	e := h.open(t)

	h.m.OnMessage(candidateMessage("1"))
	h.m.OnMessage(candidateMessage("2"))
	time.Sleep(20 * time.Millisecond)

	if _, cands, _ := e.snapshot(); len(cands) != 0 {
		t.Fatalf("candidates added before remote description: %v", cands)
	}

	h.m.OnMessage(offerMessage("v=0"))
	waitFor(t, "queued candidates", func() bool {
		_, cands, _ := e.snapshot()
		return len(cands) == 2
	})
}

// TestDuplicateCandidateIsNoop verifies that the same candidate twice is
// added once.
func TestDuplicateCandidateIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	e := h.open(t)

	h.m.OnMessage(offerMessage("v=0"))
	waitFor(t, "AnswerSent", func() bool { return h.m.State() == StateAnswerSent })

	h.m.OnMessage(candidateMessage("1"))
	h.m.OnMessage(candidateMessage("1"))
	h.m.OnMessage(candidateMessage("2"))

	waitFor(t, "second distinct candidate", func() bool {
		_, cands, _ := e.snapshot()
		return len(cands) == 2
	})
	time.Sleep(20 * time.Millisecond)

	_, cands, _ := e.snapshot()
	if len(cands) != 2 {
		t.Fatalf("added %d candidates, want 2", len(cands))
	}
	if h.m.State() != StateAnswerSent {
		t.Errorf("state = %s, want AnswerSent", h.m.State())
	}
}

// TestLocalOfferAndAnswer covers AwaitingOffer -> OfferSent -> Connected and
// coalescing of negotiation-needed while the offer is outstanding.
func TestLocalOfferAndAnswer(t *testing.T) {
	h := newHarness(t, nil)
	e := h.open(t)

	h.m.NegotiationNeeded()
	waitFor(t, "OfferSent", func() bool { return h.m.State() == StateOfferSent })

	h.m.NegotiationNeeded()
	h.m.NegotiationNeeded()
	time.Sleep(20 * time.Millisecond)

	offers := h.out.withPrefix("OFFER!")
	if len(offers) != 1 {
		t.Fatalf("sent %d offers, want 1", len(offers))
	}
	if offers[0] != `OFFER!{"sessionType":"offer","sdp":"offer-sdp"}` {
		t.Errorf("offer = %s", offers[0])
	}

	h.m.OnMessage(protocol.EncodeAnswer(protocol.SessionDescriptor{SessionType: "answer", SDP: "remote-answer"}))
	waitFor(t, "Connected", func() bool { return h.m.State() == StateConnected })

	remote, _, _ := e.snapshot()
	if len(remote) != 1 || remote[0].SDP != "remote-answer" {
		t.Errorf("remote descriptions = %+v", remote)
	}

	// Settled: a new negotiation-needed starts a new round.
	h.m.NegotiationNeeded()
	waitFor(t, "second offer", func() bool { return len(h.out.withPrefix("OFFER!")) == 2 })
}

// TestAddTracksSendsOneOffer verifies that tracks requested before the
// transport opened are added on open and negotiated with a single offer.
func TestAddTracksSendsOneOffer(t *testing.T) {
	h := newHarness(t, nil)

	video := fakeTrack{id: "video", kind: webrtc.RTPCodecTypeVideo}
	audio := fakeTrack{id: "audio", kind: webrtc.RTPCodecTypeAudio}
	if err := h.m.AddTracks(video, audio); err != nil {
		t.Fatalf("AddTracks failed: %v", err)
	}

	e := h.open(t)
	waitFor(t, "OfferSent", func() bool { return h.m.State() == StateOfferSent })
	time.Sleep(20 * time.Millisecond)

	_, _, tracks := e.snapshot()
	if len(tracks) != 2 {
		t.Fatalf("added %d tracks, want 2", len(tracks))
	}
	if n := len(h.out.withPrefix("OFFER!")); n != 1 {
		t.Errorf("sent %d offers, want 1", n)
	}
}

// TestLastOfferWins delivers two offers before the first can be applied;
// only the later one is answered.
func TestLastOfferWins(t *testing.T) {
	h := newHarness(t, nil)

	h.m.OnMessage(offerMessage("first"))
	h.m.OnMessage(offerMessage("second"))

	e := h.open(t)
	waitFor(t, "AnswerSent", func() bool { return h.m.State() == StateAnswerSent })
	time.Sleep(20 * time.Millisecond)

	remote, _, _ := e.snapshot()
	if len(remote) != 1 || remote[0].SDP != "second" {
		t.Fatalf("remote descriptions = %+v, want only the second offer", remote)
	}
	if n := len(h.out.withPrefix("ANSWER!")); n != 1 {
		t.Errorf("sent %d answers, want 1", n)
	}
}

// TestUnexpectedAnswerIgnored verifies that an answer without an outstanding
// offer is dropped.
func TestUnexpectedAnswerIgnored(t *testing.T) {
	h := newHarness(t, nil)
	e := h.open(t)

	h.m.OnMessage(protocol.EncodeAnswer(protocol.SessionDescriptor{SessionType: "answer", SDP: "stray"}))
	time.Sleep(30 * time.Millisecond)

	if remote, _, _ := e.snapshot(); len(remote) != 0 {
		t.Errorf("stray answer applied: %+v", remote)
	}
	if st := h.m.State(); st != StateAwaitingOffer {
		t.Errorf("state = %s, want AwaitingOffer", st)
	}
}

// TestMalformedMessagesAreLogged verifies that malformed or unknown frames
// change nothing.
func TestMalformedMessagesAreLogged(t *testing.T) {
	h := newHarness(t, nil)
	e := h.open(t)

	for _, raw := range []string{"OFFER!not json", "ANSWER!", "CANDIDATE!{", "TEST!WEBSOCKET TEST", ""} {
		h.m.OnMessage(raw)
	}
	time.Sleep(30 * time.Millisecond)

	remote, cands, _ := e.snapshot()
	if len(remote) != 0 || len(cands) != 0 {
		t.Errorf("malformed input reached the engine: %v %v", remote, cands)
	}
	if st := h.m.State(); st != StateAwaitingOffer {
		t.Errorf("state = %s, want AwaitingOffer", st)
	}
}

// TestICEFailureDisconnects covers the ICE-driven transitions.
func TestICEFailureDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t)

	h.m.OnMessage(offerMessage("v=0"))
	waitFor(t, "AnswerSent", func() bool { return h.m.State() == StateAnswerSent })

	h.m.ICEConnectionStateChange(webrtc.ICEConnectionStateConnected)
	waitFor(t, "Connected", func() bool { return h.m.State() == StateConnected })

	h.m.ICEConnectionStateChange(webrtc.ICEConnectionStateFailed)
	waitFor(t, "Disconnected", func() bool { return h.m.State() == StateDisconnected })

	if !h.sawState(StateDisconnected) {
		t.Error("OnStateChange did not report Disconnected")
	}
	if n := len(h.out.withPrefix("OFFER!")); n != 0 {
		t.Errorf("disconnect triggered %d offers, want no retry", n)
	}
}

// TestLocalCandidateForwarded verifies that gathered candidates are sent.
func TestLocalCandidateForwarded(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t)

	c := protocol.CandidateInit{Candidate: "candidate:9", SDPMid: "0", SDPMLineIndex: 0}
	h.m.ICECandidate(c)

	want := protocol.EncodeCandidate(c)
	waitFor(t, "candidate sent", func() bool {
		sent := h.out.withPrefix("CANDIDATE!")
		return len(sent) == 1 && sent[0] == want
	})
}

// TestTrackAndDataForwarded verifies the track hook and data channel request.
func TestTrackAndDataForwarded(t *testing.T) {
	h := newHarness(t, nil)
	e := h.open(t)

	h.m.Track(fakeTrack{id: "remote-video", kind: webrtc.RTPCodecTypeVideo})
	if err := h.m.SendData("TEST!WEBRTC DATACHANNEL TEST"); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}

	waitFor(t, "track hook", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.tracks) == 1 && h.tracks[0].ID() == "remote-video"
	})
	waitFor(t, "data sent", func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.sent) == 1
	})
}

// TestCloseInterruptsInFlightStep closes while the engine is creating an
// answer; Close must return, no answer may be sent and the engine is closed.
func TestCloseInterruptsInFlightStep(t *testing.T) {
	var e *fakeEngine
	h := newHarness(t, func(f *fakeEngine) {
		f.blockAnswer = make(chan struct{})
		f.inAnswer = make(chan struct{})
		e = f
	})
	h.open(t)

	h.m.OnMessage(offerMessage("v=0"))
	select {
	case <-e.inAnswer:
	case <-time.After(2 * time.Second):
		t.Fatal("CreateAnswer was not reached")
	}

	closed := make(chan error, 1)
	go func() { closed <- h.m.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on the in-flight step")
	}

	if st := h.m.State(); st != StateClosed {
		t.Errorf("state = %s, want Closed", st)
	}
	if n := len(h.out.withPrefix("ANSWER!")); n != 0 {
		t.Errorf("sent %d answers after close", n)
	}

	e.mu.Lock()
	closedCount := e.closed
	e.mu.Unlock()
	if closedCount != 1 {
		t.Errorf("engine closed %d times, want 1", closedCount)
	}
}

// TestCloseTwiceIsTerminal verifies idempotent Close and that nothing leaves
// Closed.
func TestCloseTwiceIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	e := h.open(t)

	if err := h.m.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := h.m.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	h.m.OnOpen()
	h.m.ICEConnectionStateChange(webrtc.ICEConnectionStateConnected)
	if err := h.m.AddTracks(fakeTrack{id: "late", kind: webrtc.RTPCodecTypeVideo}); err != ErrClosed {
		t.Errorf("AddTracks after close = %v, want ErrClosed", err)
	}

	if st := h.m.State(); st != StateClosed {
		t.Errorf("state = %s, want Closed", st)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed != 1 {
		t.Errorf("engine closed %d times, want 1", e.closed)
	}
}

// TestCloseBeforeOpen verifies teardown with no peer connection.
func TestCloseBeforeOpen(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if h.fake() != nil {
		t.Error("engine built without open")
	}
	if st := h.m.State(); st != StateClosed {
		t.Errorf("state = %s, want Closed", st)
	}
}

func TestSlotLastWriteWins(t *testing.T) {
	s := newSlot()
	s.put(protocol.SessionDescriptor{SDP: "a"})
	s.put(protocol.SessionDescriptor{SDP: "b"})

	select {
	case d := <-s.C():
		if d.SDP != "b" {
			t.Errorf("slot held %q, want b", d.SDP)
		}
	default:
		t.Fatal("slot empty")
	}
	select {
	case d := <-s.C():
		t.Errorf("slot held a second value %q", d.SDP)
	default:
	}
}

func TestStateString(t *testing.T) {
	if StateAnswerSent.String() != "AnswerSent" || State(99).String() != "Unknown" {
		t.Error("unexpected State names")
	}
}
