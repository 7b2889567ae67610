package negotiation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/xrcall/internal/protocol"
)

// Compile-time interface checks.
var (
	_ Engine = (*fakeEngine)(nil)
	_ Events = (*Machine)(nil)
)

// fakeEngine is an in-process Engine. It mirrors the native engine where it
// matters for ordering: candidates are rejected until a remote description
// is set, and adding a track raises negotiation-needed.
type fakeEngine struct {
	events Events

	mu         sync.Mutex
	calls      []string
	remote     []protocol.SessionDescriptor
	local      []protocol.SessionDescriptor
	candidates []protocol.CandidateInit
	tracks     []LocalTrack
	sent       []string
	remoteSet  bool
	closed     int

	// blockAnswer, when set, makes CreateAnswer wait for it or for ctx.
	blockAnswer chan struct{}
	inAnswer    chan struct{}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeEngine) CreateOffer(ctx context.Context) (protocol.SessionDescriptor, error) {
	f.record("CreateOffer")
	return protocol.SessionDescriptor{SessionType: protocol.SessionTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakeEngine) CreateAnswer(ctx context.Context) (protocol.SessionDescriptor, error) {
	f.record("CreateAnswer")
	if f.blockAnswer != nil {
		close(f.inAnswer)
		select {
		case <-f.blockAnswer:
		case <-ctx.Done():
			return protocol.SessionDescriptor{}, ctx.Err()
		}
	}
	return protocol.SessionDescriptor{SessionType: protocol.SessionTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakeEngine) SetLocalDescription(ctx context.Context, d protocol.SessionDescriptor) error {
	f.record("SetLocalDescription")
	f.mu.Lock()
	f.local = append(f.local, d)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) SetRemoteDescription(ctx context.Context, d protocol.SessionDescriptor) error {
	f.record("SetRemoteDescription")
	f.mu.Lock()
	f.remote = append(f.remote, d)
	f.remoteSet = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) AddICECandidate(c protocol.CandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.remoteSet {
		return errors.New("remote description not set")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeEngine) AddTrack(t LocalTrack) error {
	f.mu.Lock()
	f.tracks = append(f.tracks, t)
	f.mu.Unlock()
	f.events.NegotiationNeeded()
	return nil
}

func (f *fakeEngine) SendText(text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) snapshot() (remote []protocol.SessionDescriptor, candidates []protocol.CandidateInit, tracks []LocalTrack) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(remote, f.remote...), append(candidates, f.candidates...), append(tracks, f.tracks...)
}

// fakeOutbound records every transmitted message. With stall set, Send
// behaves like a socket whose buffer is full: it waits until ctx is done.
type fakeOutbound struct {
	mu   sync.Mutex
	sent []string

	stall     bool
	stalled   chan struct{}
	stallOnce sync.Once
}

func (o *fakeOutbound) Send(ctx context.Context, text string) error {
	if o.stall {
		o.stallOnce.Do(func() { close(o.stalled) })
		<-ctx.Done()
		return ctx.Err()
	}
	o.mu.Lock()
	o.sent = append(o.sent, text)
	o.mu.Unlock()
	return nil
}

// withPrefix returns the recorded messages starting with prefix.
func (o *fakeOutbound) withPrefix(prefix string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, s := range o.sent {
		if strings.HasPrefix(s, prefix) {
			out = append(out, s)
		}
	}
	return out
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                    { return t.id }
func (t fakeTrack) Kind() webrtc.RTPCodecType     { return t.kind }
func (t fakeTrack) ReadRTP() (*rtp.Packet, error) { return nil, errors.New("eof") }
func (t fakeTrack) RequestKeyframe() error        { return nil }

// harness wires a Machine to a fakeEngine and a fakeOutbound.
type harness struct {
	m   *Machine
	out *fakeOutbound

	mu      sync.Mutex
	engine  *fakeEngine
	built   int
	prepare func(*fakeEngine)
	states  []State
	tracks  []RemoteTrack
}

func newHarness(t *testing.T, prepare func(*fakeEngine)) *harness {
	t.Helper()

	h := &harness{out: &fakeOutbound{}, prepare: prepare}
	factory := func(ev Events) (Engine, error) {
		e := &fakeEngine{events: ev}
		if h.prepare != nil {
			h.prepare(e)
		}
		h.mu.Lock()
		h.engine = e
		h.built++
		h.mu.Unlock()
		return e, nil
	}
	hooks := Hooks{
		OnStateChange: func(from, to State) {
			h.mu.Lock()
			h.states = append(h.states, to)
			h.mu.Unlock()
		},
		OnTrack: func(tr RemoteTrack) {
			h.mu.Lock()
			h.tracks = append(h.tracks, tr)
			h.mu.Unlock()
		},
	}

	h.m = New(factory, h.out, hooks, nil)
	t.Cleanup(func() { h.m.Close() })
	return h
}

func (h *harness) fake() *fakeEngine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine
}

func (h *harness) sawState(s State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.states {
		if st == s {
			return true
		}
	}
	return false
}

// open delivers the transport open event and waits for the peer connection.
func (h *harness) open(t *testing.T) *fakeEngine {
	t.Helper()
	h.m.OnOpen()
	waitFor(t, "peer connection created", func() bool { return h.m.State() == StateAwaitingOffer })
	return h.fake()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func offerMessage(sdp string) string {
	return protocol.EncodeOffer(protocol.SessionDescriptor{SessionType: protocol.SessionTypeOffer, SDP: sdp})
}

func candidateMessage(n string) string {
	return protocol.EncodeCandidate(protocol.CandidateInit{
		Candidate: "candidate:" + n + " 1 udp 2130706431 192.0.2.1 5000" + n + " typ host",
		SDPMid:    "0",
	})
}
