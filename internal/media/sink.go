package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// File names of the received streams inside the recording directory.
const (
	VideoFileName = "remote.ivf"
	AudioFileName = "remote.ogg"
)

// Sink receives the RTP packets of one remote track. It stands in for the
// display surface (video) and the audio output (audio).
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// RTPReader is the read side of a remote track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, error)
}

// lockedSink serializes writers; a renegotiated call may deliver a second
// track of the same kind to the same sink.
type lockedSink struct {
	mu     sync.Mutex
	w      Sink
	closed bool
}

func (s *lockedSink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	return s.w.WriteRTP(pkt)
}

func (s *lockedSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}

// NewVideoSink records received VP8 video to dir/remote.ivf. An empty dir
// returns a sink that discards everything.
func NewVideoSink(dir string) (Sink, error) {
	if dir == "" {
		return Discard(), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}
	w, err := ivfwriter.New(filepath.Join(dir, VideoFileName))
	if err != nil {
		return nil, fmt.Errorf("create video sink: %w", err)
	}
	return &lockedSink{w: w}, nil
}

// NewAudioSink records received Opus audio to dir/remote.ogg. An empty dir
// returns a sink that discards everything.
func NewAudioSink(dir string) (Sink, error) {
	if dir == "" {
		return Discard(), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}
	w, err := oggwriter.New(filepath.Join(dir, AudioFileName), opusClockRate, 2)
	if err != nil {
		return nil, fmt.Errorf("create audio sink: %w", err)
	}
	return &lockedSink{w: w}, nil
}

type discard struct{}

func (discard) WriteRTP(*rtp.Packet) error { return nil }
func (discard) Close() error               { return nil }

// Discard returns a Sink that drops every packet.
func Discard() Sink { return discard{} }

// Play copies packets from r into sink until r fails. onFirst, if set, is
// called once after the first packet was written. A read error ending the
// track (EOF or closed connection) is not reported.
func Play(r RTPReader, sink Sink, onFirst func()) error {
	first := true
	for {
		pkt, err := r.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		if err := sink.WriteRTP(pkt); err != nil {
			return fmt.Errorf("write to sink: %w", err)
		}
		if first {
			first = false
			if onFirst != nil {
				onFirst()
			}
		}
	}
}
