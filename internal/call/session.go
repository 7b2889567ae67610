// Package call is the lifecycle controller of one video call: it attaches
// local media, handles remote tracks, mutes the microphone and tears the
// whole session down in a fixed order.
package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/xrcall/internal/media"
	"github.com/1ureka/xrcall/internal/negotiation"
	"github.com/1ureka/xrcall/internal/protocol"
	"github.com/1ureka/xrcall/internal/util"
)

// NotStartedMessage is reported by StreamStatus until the first remote video
// frame arrives.
const NotStartedMessage = "The stream hasn't started yet. Please try again once the user begins streaming"

// Test messages exchanged by the CLI.
const (
	SignalingTestMessage   = "TEST!WEBSOCKET TEST"
	DataChannelTestMessage = "TEST!WEBRTC DATACHANNEL TEST"
)

// Negotiator is the part of the negotiation machine the session drives.
// *negotiation.Machine satisfies it.
type Negotiator interface {
	AddTracks(tracks ...negotiation.LocalTrack) error
	SendData(text string) error
	Close() error
}

// Signaling is the raw signaling channel. *signaling.Socket satisfies it.
type Signaling interface {
	Send(ctx context.Context, text string) error
	Close() error
}

// Options configures a Session. Nil sources mean the device is absent; nil
// sinks discard received media.
type Options struct {
	Camera     media.Source
	Microphone media.Source

	VideoSink media.Sink // display surface of the remote video
	AudioSink media.Sink // audio output of the remote audio
	Preview   media.SampleWriter

	// OnStateChange, if set, is called after the session handled a
	// negotiation state change.
	OnStateChange func(from, to negotiation.State)

	Log *util.Logger
}

// Session owns the media side of one call. It is created first, its Hooks
// are handed to the negotiation machine, and the machine and socket are
// then bound with Attach.
type Session struct {
	opts Options
	log  *util.Logger

	mu        sync.Mutex
	negotiate Negotiator
	signal    Signaling
	micGates  []*media.Gate // one per attached microphone track

	armed         atomic.Bool
	micEnabled    atomic.Bool
	monitorVolume atomic.Uint32 // percent
	streamStarted atomic.Bool

	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumps      sync.WaitGroup
	players    sync.WaitGroup

	teardownOnce sync.Once
	teardownErr  error
	closed       atomic.Bool
}

// NewSession creates a Session. The microphone starts relayed with the
// local monitor muted.
func NewSession(opts Options) *Session {
	if opts.Log == nil {
		opts.Log = util.NewLogger("")
	}
	if opts.VideoSink == nil {
		opts.VideoSink = media.Discard()
	}
	if opts.AudioSink == nil {
		opts.AudioSink = media.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:       opts,
		log:        opts.Log,
		pumpCtx:    ctx,
		pumpCancel: cancel,
	}
	s.armed.Store(true)
	s.micEnabled.Store(true)
	s.monitorVolume.Store(0)
	s.log.Info("Microphone muted on start")

	return s
}

// Hooks returns the negotiation hooks routing remote tracks and state
// changes to the session.
func (s *Session) Hooks() negotiation.Hooks {
	return negotiation.Hooks{
		OnStateChange: s.stateChanged,
		OnTrack:       s.trackReceived,
	}
}

// Attach binds the negotiation machine and the signaling channel.
func (s *Session) Attach(n Negotiator, sig Signaling) {
	s.mu.Lock()
	s.negotiate = n
	s.signal = sig
	s.mu.Unlock()
}

func (s *Session) bound() (Negotiator, Signaling) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiate, s.signal
}

// ---------------------------------------------------------------------------
// Exposed operations
// ---------------------------------------------------------------------------

// StartVideoAudio attaches the local camera and microphone tracks and
// starts streaming. Only the first call after NewSession or Rearm attaches
// tracks; later calls are no-ops. A missing device is logged and the call
// proceeds with the remaining media.
func (s *Session) StartVideoAudio() error {
	if s.closed.Load() {
		return negotiation.ErrClosed
	}
	n, _ := s.bound()
	if n == nil {
		return errors.New("session not attached")
	}
	if !s.armed.CompareAndSwap(true, false) {
		s.log.Debug("video/audio already started")
		return nil
	}

	var tracks []negotiation.LocalTrack

	if s.opts.Camera == nil {
		s.log.Warn("No camera found, streaming audio only")
	} else {
		track, err := media.NewVideoTrack()
		if err != nil {
			s.armed.Store(true)
			return err
		}
		tracks = append(tracks, track)
		s.pump(s.opts.Camera, media.Tee(track, s.opts.Preview))
	}

	if s.opts.Microphone == nil {
		s.log.Warn("No microphone found, streaming video only")
	} else {
		track, err := media.NewAudioTrack()
		if err != nil {
			s.armed.Store(true)
			return err
		}
		tracks = append(tracks, track)

		s.mu.Lock()
		gate := media.NewGate(track, s.micEnabled.Load())
		s.micGates = append(s.micGates, gate)
		s.mu.Unlock()
		s.pump(s.opts.Microphone, gate)
	}

	if len(tracks) == 0 {
		s.log.Warn("no local media to send")
		return nil
	}

	return n.AddTracks(tracks...)
}

// Rearm allows the next StartVideoAudio call to attach tracks again.
func (s *Session) Rearm() {
	s.armed.Store(true)
}

// SetMicrophoneEnabled toggles relaying the microphone to the remote peer
// and the local monitor volume, for every attached microphone track. The
// tracks stay negotiated.
func (s *Session) SetMicrophoneEnabled(enabled bool) {
	s.mu.Lock()
	s.micEnabled.Store(enabled)
	for _, gate := range s.micGates {
		gate.SetOpen(enabled)
	}
	s.mu.Unlock()

	if enabled {
		s.monitorVolume.Store(100)
	} else {
		s.monitorVolume.Store(0)
	}

	if enabled {
		s.log.Info("Microphone unmuted")
	} else {
		s.log.Info("Microphone muted")
	}
}

// Microphone reports whether the microphone is relayed and the local
// monitor volume in percent.
func (s *Session) Microphone() (relayed bool, monitorVolume int) {
	return s.micEnabled.Load(), int(s.monitorVolume.Load())
}

// StreamStatus returns "" once remote video is streaming, otherwise
// NotStartedMessage.
func (s *Session) StreamStatus() string {
	if s.streamStarted.Load() {
		return ""
	}
	return NotStartedMessage
}

// SendDataChannelMessage sends text on the peer connection's data channel.
func (s *Session) SendDataChannelMessage(text string) error {
	n, _ := s.bound()
	if n == nil {
		return errors.New("session not attached")
	}
	return n.SendData(text)
}

// SendSignalingTest sends the test message over the signaling channel.
// Peers log it as an unrecognized message.
func (s *Session) SendSignalingTest(ctx context.Context) error {
	_, sig := s.bound()
	if sig == nil {
		return errors.New("session not attached")
	}
	return sig.Send(ctx, protocol.Encode(protocol.KindOther, SignalingTestMessage))
}

// Teardown stops local media, closes the peer connection (data channel
// first), then the signaling channel, and finally the playback sinks. Safe
// to call multiple times; later calls return the first result.
func (s *Session) Teardown() error {
	s.teardownOnce.Do(func() {
		s.closed.Store(true)
		n, sig := s.bound()

		s.pumpCancel()
		s.pumps.Wait()

		var errs []error
		if n != nil {
			errs = append(errs, n.Close())
		}
		if sig != nil {
			errs = append(errs, sig.Close())
		}

		s.players.Wait()
		errs = append(errs, s.opts.VideoSink.Close(), s.opts.AudioSink.Close())

		s.streamStarted.Store(false)
		s.teardownErr = errors.Join(errs...)
		s.log.Info("call torn down")
	})
	return s.teardownErr
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (s *Session) pump(src media.Source, w media.SampleWriter) {
	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		err := src.Stream(s.pumpCtx, w)
		switch {
		case err == nil:
			s.log.Info("local %s source ended", src.Kind())
		case errors.Is(err, context.Canceled):
		default:
			s.log.Warn("local %s source failed: %v", src.Kind(), err)
		}
	}()
}

// trackReceived runs on the negotiation loop and must not block.
func (s *Session) trackReceived(track negotiation.RemoteTrack) {
	if s.closed.Load() {
		return
	}

	s.players.Add(1)
	go func() {
		defer s.players.Done()

		var err error
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			if kerr := track.RequestKeyframe(); kerr != nil {
				s.log.Debug("keyframe request failed: %v", kerr)
			}
			err = media.Play(track, s.opts.VideoSink, func() {
				s.streamStarted.Store(true)
				s.log.Info("Remote video stream started")
			})
		case webrtc.RTPCodecTypeAudio:
			s.log.Info("Playing remote audio")
			err = media.Play(track, s.opts.AudioSink, nil)
		default:
			s.log.Warn("ignoring remote track %s of kind %s", track.ID(), track.Kind())
			return
		}

		if err != nil && !s.closed.Load() {
			s.log.Warn("remote %s track ended: %v", track.Kind(), err)
		}
	}()
}

func (s *Session) stateChanged(from, to negotiation.State) {
	if to == negotiation.StateDisconnected {
		s.streamStarted.Store(false)
		s.log.Warn("Peer disconnected")
	}
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(from, to)
	}
}
