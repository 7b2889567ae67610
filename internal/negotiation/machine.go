package negotiation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/xrcall/internal/protocol"
	"github.com/1ureka/xrcall/internal/util"
)

// eventQueueSize is the capacity of the inbound event queue.
const eventQueueSize = 128

// ErrClosed is returned by requests made after Close.
var ErrClosed = errors.New("negotiation closed")

// Outbound transmits encoded signaling messages. *signaling.Socket
// satisfies it. Send must return once ctx is done.
type Outbound interface {
	Send(ctx context.Context, text string) error
}

// Hooks are optional observers. They run on the Machine's loop goroutine
// (OnStateChange to Closed runs on the goroutine calling Close) and must not
// block.
type Hooks struct {
	OnStateChange func(from, to State)
	OnTrack       func(track RemoteTrack)
}

type eventKind int

const (
	evOpen eventKind = iota
	evSocketClosed
	evNegotiationNeeded
	evLocalCandidate
	evRemoteCandidate
	evICEState
	evTrack
	evAddTracks
	evSendData
)

type event struct {
	kind      eventKind
	gen       uint64 // engine generation; 0 for events not tied to an engine
	candidate protocol.CandidateInit
	iceState  webrtc.ICEConnectionState
	track     RemoteTrack
	tracks    []LocalTrack
	text      string
	err       error
}

// Machine is the negotiation state machine of one client session. Socket
// callbacks and engine callbacks only enqueue; a single loop goroutine owns
// the engine and applies every step in order.
//
// Received offers and answers are parked in one-slot buffers and applied on
// the next loop turn; a second offer arriving before the first is applied
// replaces it.
//
// When a remote offer crosses a local one (glare), both sides compare the
// two offer SDPs. The side with the lower offer is polite: it discards its
// peer connection, builds a new one and answers. The other side ignores the
// remote offer and waits for the answer to its own.
type Machine struct {
	newEngine EngineFactory
	out       Outbound
	hooks     Hooks
	log       *util.Logger

	events  chan event
	offers  *slot
	answers *slot

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	state atomic.Int32

	// Owned by the loop goroutine.
	engine        Engine
	gen           uint64 // generation of engine
	inFlight      bool   // local offer sent, answer not yet applied
	localOffer    string // SDP of the outstanding local offer
	remoteApplied bool   // a remote description has been applied
	queued        []protocol.CandidateInit
	known         []protocol.CandidateInit // every distinct remote candidate
	seen          map[string]bool
	tracks        []LocalTrack // added to engine
	pendingTracks []LocalTrack
}

// engineEvents tags the callbacks of one engine with its generation, so a
// replaced engine can no longer affect the machine.
type engineEvents struct {
	m   *Machine
	gen uint64
}

func (e *engineEvents) NegotiationNeeded() {
	e.m.enqueue(event{kind: evNegotiationNeeded, gen: e.gen})
}

func (e *engineEvents) ICECandidate(candidate protocol.CandidateInit) {
	e.m.enqueue(event{kind: evLocalCandidate, candidate: candidate, gen: e.gen})
}

func (e *engineEvents) ICEConnectionStateChange(state webrtc.ICEConnectionState) {
	e.m.enqueue(event{kind: evICEState, iceState: state, gen: e.gen})
}

func (e *engineEvents) Track(track RemoteTrack) {
	e.m.enqueue(event{kind: evTrack, track: track, gen: e.gen})
}

// New creates a Machine in the Idle state and starts its loop. The engine
// is created by newEngine when the signaling transport reports open.
func New(newEngine EngineFactory, out Outbound, hooks Hooks, log *util.Logger) *Machine {
	if log == nil {
		log = util.NewLogger("")
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Machine{
		newEngine: newEngine,
		out:       out,
		hooks:     hooks,
		log:       log,
		events:    make(chan event, eventQueueSize),
		offers:    newSlot(),
		answers:   newSlot(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		seen:      make(map[string]bool),
	}

	go m.run()

	return m
}

// State returns the current negotiation state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Done is closed when the loop has stopped.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// ---------------------------------------------------------------------------
// Signaling transport events (signaling.Handler)
// ---------------------------------------------------------------------------

func (m *Machine) OnOpen() {
	m.enqueue(event{kind: evOpen})
}

func (m *Machine) OnClose(err error) {
	m.enqueue(event{kind: evSocketClosed, err: err})
}

// OnMessage decodes one inbound frame. Malformed messages are logged and
// dropped.
func (m *Machine) OnMessage(text string) {
	msg := protocol.Decode(text)

	switch msg.Kind {
	case protocol.KindOffer:
		desc, err := protocol.ParseSessionDescriptor(msg.Payload)
		if err != nil {
			m.log.Warn("dropping malformed OFFER: %v", err)
			return
		}
		m.log.Info("Got OFFER")
		m.log.Debug("OFFER payload: %s", msg.Payload)
		m.offers.put(desc)

	case protocol.KindAnswer:
		desc, err := protocol.ParseSessionDescriptor(msg.Payload)
		if err != nil {
			m.log.Warn("dropping malformed ANSWER: %v", err)
			return
		}
		m.log.Info("Got ANSWER")
		m.log.Debug("ANSWER payload: %s", msg.Payload)
		m.answers.put(desc)

	case protocol.KindCandidate:
		cand, err := protocol.ParseCandidateInit(msg.Payload)
		if err != nil {
			m.log.Warn("dropping malformed CANDIDATE: %v", err)
			return
		}
		m.log.Debug("Got CANDIDATE: %s", msg.Payload)
		m.enqueue(event{kind: evRemoteCandidate, candidate: cand})

	default:
		m.log.Info("Received: %s", msg.Payload)
	}
}

// ---------------------------------------------------------------------------
// Engine events (Events)
// ---------------------------------------------------------------------------

func (m *Machine) NegotiationNeeded() {
	m.enqueue(event{kind: evNegotiationNeeded})
}

func (m *Machine) ICECandidate(candidate protocol.CandidateInit) {
	m.enqueue(event{kind: evLocalCandidate, candidate: candidate})
}

func (m *Machine) ICEConnectionStateChange(state webrtc.ICEConnectionState) {
	m.enqueue(event{kind: evICEState, iceState: state})
}

func (m *Machine) Track(track RemoteTrack) {
	m.enqueue(event{kind: evTrack, track: track})
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// AddTracks asks the loop to add local tracks to the peer connection. Tracks
// requested before the engine exists are added as soon as it is created.
func (m *Machine) AddTracks(tracks ...LocalTrack) error {
	return m.enqueue(event{kind: evAddTracks, tracks: tracks})
}

// SendData asks the loop to send text on the engine's data channel.
func (m *Machine) SendData(text string) error {
	return m.enqueue(event{kind: evSendData, text: text})
}

// Close stops the loop, interrupting any in-flight engine step, then closes
// the engine. The result of an interrupted step is discarded. Safe to call
// multiple times.
func (m *Machine) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done
		if m.engine != nil {
			err = m.engine.Close()
		}
		m.setState(StateClosed)
	})
	return err
}

func (m *Machine) enqueue(ev event) error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case m.events <- ev:
		return nil
	case <-m.ctx.Done():
		return ErrClosed
	}
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

func (m *Machine) run() {
	defer close(m.done)

	for {
		// Queued events go first: a negotiation-needed enqueued before a
		// remote offer arrived must see that offer as a collision.
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			m.handle(ev)
			continue
		default:
		}

		// Descriptors wait in their slots until a peer connection exists.
		var offers, answers <-chan protocol.SessionDescriptor
		if m.engine != nil {
			offers = m.offers.C()
			answers = m.answers.C()
		}

		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			m.handle(ev)
		case desc := <-offers:
			m.applyOffer(desc)
		case desc := <-answers:
			m.applyAnswer(desc)
		}
	}
}

func (m *Machine) handle(ev event) {
	if ev.gen != 0 && ev.gen != m.gen {
		m.log.Debug("dropping event of replaced peer connection")
		return
	}

	switch ev.kind {
	case evOpen:
		m.open()

	case evSocketClosed:
		if ev.err != nil {
			m.log.Warn("signaling channel closed: %v", ev.err)
		} else {
			m.log.Info("signaling channel closed")
		}

	case evNegotiationNeeded:
		m.sendOffer()

	case evLocalCandidate:
		m.send(protocol.EncodeCandidate(ev.candidate))

	case evRemoteCandidate:
		m.addCandidate(ev.candidate)

	case evICEState:
		m.iceStateChanged(ev.iceState)

	case evTrack:
		m.log.Info("remote %s track received", ev.track.Kind())
		if m.hooks.OnTrack != nil {
			m.hooks.OnTrack(ev.track)
		}

	case evAddTracks:
		if m.engine == nil {
			m.pendingTracks = append(m.pendingTracks, ev.tracks...)
			return
		}
		m.addTracks(ev.tracks)

	case evSendData:
		if m.engine == nil {
			m.log.Warn("data channel not available yet")
			return
		}
		if err := m.engine.SendText(ev.text); err != nil {
			m.log.Warn("failed to send on data channel: %v", err)
		}
	}
}

// open builds the peer connection once the signaling transport is up.
func (m *Machine) open() {
	if m.engine != nil {
		return
	}

	if err := m.build(); err != nil {
		m.log.Error("failed to create peer connection: %v", err)
		return
	}
	m.setState(StateAwaitingOffer)

	if len(m.pendingTracks) > 0 {
		tracks := m.pendingTracks
		m.pendingTracks = nil
		m.addTracks(tracks)
	}
}

// build creates a new engine generation.
func (m *Machine) build() error {
	m.gen++
	engine, err := m.newEngine(&engineEvents{m: m, gen: m.gen})
	if err != nil {
		return err
	}
	m.engine = engine
	return nil
}

// rebuild replaces the engine after losing a glare tie-break. Local tracks
// are added to the new engine and every remote candidate is queued again.
func (m *Machine) rebuild() error {
	if err := m.engine.Close(); err != nil {
		m.log.Debug("closing replaced peer connection: %v", err)
	}
	m.engine = nil
	m.inFlight = false
	m.localOffer = ""
	m.remoteApplied = false
	m.queued = append([]protocol.CandidateInit(nil), m.known...)

	if err := m.build(); err != nil {
		return err
	}

	tracks := m.tracks
	m.tracks = nil
	m.addTracks(tracks)
	return nil
}

func (m *Machine) addTracks(tracks []LocalTrack) {
	for _, t := range tracks {
		if err := m.engine.AddTrack(t); err != nil {
			m.log.Error("failed to add %s track: %v", t.Kind(), err)
			continue
		}
		m.tracks = append(m.tracks, t)
		m.log.Info("local %s track added", t.Kind())
	}
}

// sendOffer runs one local offer: create, apply, transmit. A request that
// arrives while a previous offer awaits its answer is dropped.
func (m *Machine) sendOffer() {
	if m.engine == nil {
		return
	}
	if m.inFlight {
		m.log.Debug("negotiation already in flight, ignoring negotiation-needed")
		return
	}
	if st := m.State(); !st.canOffer() {
		m.log.Debug("ignoring negotiation-needed in state %s", st)
		return
	}

	offer, err := m.engine.CreateOffer(m.ctx)
	if err != nil {
		m.fail("create offer", err)
		return
	}
	if err := m.engine.SetLocalDescription(m.ctx, offer); err != nil {
		m.fail("set local offer", err)
		return
	}

	m.inFlight = true
	m.localOffer = offer.SDP
	prev := m.State()
	m.setState(StateAwaitingAnswer)

	if !m.send(protocol.EncodeOffer(offer)) {
		m.inFlight = false
		m.localOffer = ""
		m.setState(prev)
		return
	}

	m.setState(StateOfferSent)
}

// applyOffer answers a received offer: apply remote, create answer, apply
// local, transmit.
func (m *Machine) applyOffer(desc protocol.SessionDescriptor) {
	desc.SessionType = protocol.SessionTypeOffer

	if m.inFlight {
		if !politeTo(m.localOffer, desc.SDP) {
			m.log.Info("offer collision: keeping our offer, ignoring remote OFFER")
			return
		}
		m.log.Info("offer collision: dropping our offer, answering remote OFFER")
		if err := m.rebuild(); err != nil {
			m.fail("rebuild peer connection", err)
			return
		}
	}

	if err := m.engine.SetRemoteDescription(m.ctx, desc); err != nil {
		m.fail("set remote offer", err)
		return
	}
	m.remoteApplied = true
	m.flushCandidates()

	answer, err := m.engine.CreateAnswer(m.ctx)
	if err != nil {
		m.fail("create answer", err)
		return
	}
	if err := m.engine.SetLocalDescription(m.ctx, answer); err != nil {
		m.fail("set local answer", err)
		return
	}
	if !m.send(protocol.EncodeAnswer(answer)) {
		return
	}

	util.Stats.AddNegotiation()
	m.setState(StateAnswerSent)
}

// politeTo reports whether the side holding localOffer yields to
// remoteOffer. Exactly one of two distinct offers yields.
func politeTo(localOffer, remoteOffer string) bool {
	return localOffer < remoteOffer
}

// applyAnswer settles the local offer with the received answer.
func (m *Machine) applyAnswer(desc protocol.SessionDescriptor) {
	if st := m.State(); st != StateOfferSent {
		m.log.Warn("ignoring ANSWER in state %s", st)
		return
	}
	desc.SessionType = protocol.SessionTypeAnswer

	m.inFlight = false
	m.localOffer = ""
	if err := m.engine.SetRemoteDescription(m.ctx, desc); err != nil {
		m.fail("set remote answer", err)
		return
	}
	m.remoteApplied = true
	m.flushCandidates()

	util.Stats.AddNegotiation()
	m.setState(StateConnected)
}

// addCandidate adds a remote candidate once. Candidates that arrive before
// any remote description is applied are held and added right after it.
func (m *Machine) addCandidate(c protocol.CandidateInit) {
	key := c.Key()
	if m.seen[key] {
		m.log.Debug("ignoring duplicate candidate %s", c.Candidate)
		return
	}
	m.seen[key] = true
	m.known = append(m.known, c)

	if m.engine == nil || !m.remoteApplied {
		m.queued = append(m.queued, c)
		return
	}
	m.applyCandidate(c)
}

func (m *Machine) flushCandidates() {
	queued := m.queued
	m.queued = nil
	for _, c := range queued {
		m.applyCandidate(c)
	}
}

func (m *Machine) applyCandidate(c protocol.CandidateInit) {
	if err := m.engine.AddICECandidate(c); err != nil {
		m.log.Warn("engine rejected candidate %q: %v", c.Candidate, err)
		return
	}
	util.Stats.AddCandidate()
}

func (m *Machine) iceStateChanged(state webrtc.ICEConnectionState) {
	m.log.Info("ICE connection state: %s", state)

	switch state {
	case webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateClosed:
		m.log.Warn("remote peer disconnected or connection lost")
		m.setState(StateDisconnected)

	case webrtc.ICEConnectionStateConnected,
		webrtc.ICEConnectionStateCompleted:
		if st := m.State(); st == StateAnswerSent || st == StateDisconnected {
			m.setState(StateConnected)
		}
	}
}

// send transmits an encoded message and reports whether it was queued.
func (m *Machine) send(text string) bool {
	if err := m.out.Send(m.ctx, text); err != nil {
		m.fail("send signaling message", err)
		return false
	}
	return true
}

// fail logs a failed step unless the machine is shutting down.
func (m *Machine) fail(step string, err error) {
	if m.ctx.Err() != nil {
		return
	}
	m.log.Error("failed to %s: %v", step, err)
}

// setState moves to a new state. Closed is terminal.
func (m *Machine) setState(to State) {
	for {
		from := State(m.state.Load())
		if from == to || from == StateClosed {
			return
		}
		if m.state.CompareAndSwap(int32(from), int32(to)) {
			m.log.Debug("negotiation state %s -> %s", from, to)
			if m.hooks.OnStateChange != nil {
				m.hooks.OnStateChange(from, to)
			}
			return
		}
	}
}
