// Package media provides the local capture sources, the local tracks and
// the playback sinks of a call. Capture devices are stood in for by media
// files: an IVF (VP8) file for the camera and an Ogg (Opus) file for the
// microphone.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrNoDevice is returned when a capture source is not configured or its
// file does not exist.
var ErrNoDevice = errors.New("capture device not available")

// SampleWriter consumes encoded media samples. *webrtc.TrackLocalStaticSample
// satisfies it.
type SampleWriter interface {
	WriteSample(s pionmedia.Sample) error
}

// Source produces encoded samples in real time until its input ends or ctx
// is cancelled.
type Source interface {
	Kind() webrtc.RTPCodecType
	Stream(ctx context.Context, w SampleWriter) error
}

// OpenCamera returns the camera source backed by the IVF file at path. The
// file must hold VP8 and, when width and height are non-zero, frames of
// exactly that size.
func OpenCamera(path string, width, height int) (Source, error) {
	if err := checkDevice(path); err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	if err := checkIVF(path, width, height); err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	return &ivfSource{path: path}, nil
}

// OpenMicrophone returns the microphone source backed by the Ogg file at
// path.
func OpenMicrophone(path string) (Source, error) {
	if err := checkDevice(path); err != nil {
		return nil, fmt.Errorf("microphone: %w", err)
	}
	return &oggSource{path: path}, nil
}

func checkDevice(path string) error {
	if path == "" {
		return ErrNoDevice
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoDevice, path)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrNoDevice, path)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Writers
// ---------------------------------------------------------------------------

// Gate forwards samples only while open. A closed gate drops samples
// silently, which mutes the sender without renegotiating.
type Gate struct {
	w    SampleWriter
	open atomic.Bool
}

// NewGate returns a Gate over w in the given initial state.
func NewGate(w SampleWriter, open bool) *Gate {
	g := &Gate{w: w}
	g.open.Store(open)
	return g
}

func (g *Gate) SetOpen(open bool) { g.open.Store(open) }
func (g *Gate) IsOpen() bool      { return g.open.Load() }

func (g *Gate) WriteSample(s pionmedia.Sample) error {
	if !g.open.Load() {
		return nil
	}
	return g.w.WriteSample(s)
}

// Tee writes every sample to all non-nil writers. The first error is
// returned after all writers have been tried.
func Tee(writers ...SampleWriter) SampleWriter {
	var ws []SampleWriter
	for _, w := range writers {
		if w != nil {
			ws = append(ws, w)
		}
	}
	return tee(ws)
}

type tee []SampleWriter

func (t tee) WriteSample(s pionmedia.Sample) error {
	var first error
	for _, w := range t {
		if err := w.WriteSample(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps the samples written to it. It backs the local preview
// surface and is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	samples int
	bytes   int
	last    []byte
}

func (r *Recorder) WriteSample(s pionmedia.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples++
	r.bytes += len(s.Data)
	r.last = append(r.last[:0], s.Data...)
	return nil
}

// Stats returns the number of samples and bytes seen so far.
func (r *Recorder) Stats() (samples, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples, r.bytes
}

// Last returns a copy of the most recent sample payload.
func (r *Recorder) Last() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.last...)
}
