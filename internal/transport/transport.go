// Package transport implements the negotiation engine on top of a single
// pion PeerConnection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/xrcall/internal/negotiation"
	"github.com/1ureka/xrcall/internal/protocol"
	"github.com/1ureka/xrcall/internal/util"
)

// Compile-time interface check.
var _ negotiation.Engine = (*Transport)(nil)

// ErrNoDataChannel is returned by SendText when the data channel is disabled.
var ErrNoDataChannel = errors.New("data channel not enabled")

// Options configures a Transport.
type Options struct {
	STUNServers []string
	DataChannel bool // create the "sendChannel" test data channel
	Log         *util.Logger
}

// Transport wraps one PeerConnection (and the optional data channel). Every
// pion callback is forwarded to the negotiation.Events it was created with;
// the Transport itself keeps no negotiation state.
type Transport struct {
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel
	log *util.Logger

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState

	closeOnce sync.Once
	closeErr  error
}

// New creates a Transport backed by a new PeerConnection and wires its
// callbacks to events. It matches negotiation.EngineFactory once opts is
// bound:
//
//	func(ev negotiation.Events) (negotiation.Engine, error) { return transport.New(opts, ev) }
func New(opts Options, events negotiation.Events) (*Transport, error) {
	log := opts.Log
	if log == nil {
		log = util.NewLogger("")
	}

	pc, err := newPeerConnection(opts.STUNServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	t := &Transport{
		pc:      pc,
		log:     log,
		pcState: webrtc.PeerConnectionStateNew,
	}

	// Trickle ICE: forward every gathered candidate; nil ends gathering.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		events.ICECandidate(candidateFromPion(c.ToJSON()))
	})
	pc.OnICEConnectionStateChange(events.ICEConnectionStateChange)
	pc.OnNegotiationNeeded(events.NegotiationNeeded)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		events.Track(&remoteTrack{track: track, pc: pc})
	})

	// Record PC state (informational only).
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("PeerConnection state: %s", state)
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
	})

	// Channels opened by the remote peer only get their text logged.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			log.Info("data channel %q received: %s", dc.Label(), string(msg.Data))
		})
	})

	if opts.DataChannel {
		dc, err := newDataChannel(pc)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create DataChannel: %w", err)
		}
		dc.OnOpen(func() { log.Info("data channel %q opened", dc.Label()) })
		dc.OnClose(func() { log.Info("data channel %q closed", dc.Label()) })
		t.dc = dc
	}

	return t, nil
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// Close shuts down the data channel, then the PeerConnection. Safe to call
// multiple times.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		var dcErr error
		if t.dc != nil {
			dcErr = t.dc.Close()
		}
		t.closeErr = errors.Join(dcErr, t.pc.Close())
	})
	return t.closeErr
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer(ctx context.Context) (protocol.SessionDescriptor, error) {
	return await(ctx, func() (protocol.SessionDescriptor, error) {
		offer, err := t.pc.CreateOffer(nil)
		return descriptorFromPion(offer), err
	})
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer(ctx context.Context) (protocol.SessionDescriptor, error) {
	return await(ctx, func() (protocol.SessionDescriptor, error) {
		answer, err := t.pc.CreateAnswer(nil)
		return descriptorFromPion(answer), err
	})
}

// SetLocalDescription applies the local SDP.
func (t *Transport) SetLocalDescription(ctx context.Context, desc protocol.SessionDescriptor) error {
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, t.pc.SetLocalDescription(descriptorToPion(desc))
	})
	return err
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(ctx context.Context, desc protocol.SessionDescriptor) error {
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, t.pc.SetRemoteDescription(descriptorToPion(desc))
	})
	return err
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *Transport) AddICECandidate(candidate protocol.CandidateInit) error {
	return t.pc.AddICECandidate(candidateToPion(candidate))
}

// ---------------------------------------------------------------------------
// Media and data
// ---------------------------------------------------------------------------

// AddTrack adds a local track. The track must be a pion webrtc.TrackLocal.
func (t *Transport) AddTrack(track negotiation.LocalTrack) error {
	local, ok := track.(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("track %s is not a webrtc.TrackLocal", track.ID())
	}

	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return err
	}
	go drainRTCP(sender)

	return nil
}

// SendText sends text on the data channel.
func (t *Transport) SendText(text string) error {
	if t.dc == nil {
		return ErrNoDataChannel
	}
	return t.dc.SendText(text)
}

// remoteTrack adapts a pion TrackRemote to negotiation.RemoteTrack.
type remoteTrack struct {
	track *webrtc.TrackRemote
	pc    *webrtc.PeerConnection
}

func (r *remoteTrack) ID() string                { return r.track.ID() }
func (r *remoteTrack) Kind() webrtc.RTPCodecType { return r.track.Kind() }

func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}

// RequestKeyframe sends a Picture Loss Indication for the track.
func (r *remoteTrack) RequestKeyframe() error {
	return r.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(r.track.SSRC())},
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// await runs fn on its own goroutine and returns its result, or ctx.Err()
// as soon as ctx is cancelled. A result arriving after cancellation is
// discarded.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
