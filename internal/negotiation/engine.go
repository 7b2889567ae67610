package negotiation

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/xrcall/internal/protocol"
)

// Engine is the native WebRTC engine driven by the Machine. Implementations
// own exactly one peer connection. Blocking steps take a context and must
// return promptly once it is cancelled, discarding their result.
type Engine interface {
	CreateOffer(ctx context.Context) (protocol.SessionDescriptor, error)
	CreateAnswer(ctx context.Context) (protocol.SessionDescriptor, error)
	SetLocalDescription(ctx context.Context, desc protocol.SessionDescriptor) error
	SetRemoteDescription(ctx context.Context, desc protocol.SessionDescriptor) error
	AddICECandidate(candidate protocol.CandidateInit) error

	// AddTrack starts sending a local track. It is expected to raise
	// NegotiationNeeded on the engine's Events.
	AddTrack(track LocalTrack) error

	// SendText sends on the data channel, if the engine created one.
	SendText(text string) error

	// Close closes data channels, then the peer connection.
	Close() error
}

// Events receives the engine's asynchronous notifications. The Machine
// implements it; the callbacks only enqueue and never block on the engine.
type Events interface {
	NegotiationNeeded()
	ICECandidate(candidate protocol.CandidateInit)
	ICEConnectionStateChange(state webrtc.ICEConnectionState)
	Track(track RemoteTrack)
}

// EngineFactory creates the engine once the signaling transport is open.
type EngineFactory func(events Events) (Engine, error)

// LocalTrack is an outgoing media track. *webrtc.TrackLocalStaticSample
// satisfies it.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
}

// RemoteTrack is an incoming media track.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, error)
	// RequestKeyframe asks the sender for a full frame (video only).
	RequestKeyframe() error
}
