package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/xrcall/internal/negotiation"
)

// wire carries one direction of signaling between two machines, in order.
type wire struct {
	msgs chan string
}

func newWire() *wire {
	return &wire{msgs: make(chan string, 1024)}
}

func (w *wire) Send(ctx context.Context, text string) error {
	select {
	case w.msgs <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *wire) deliver(to *negotiation.Machine, stop <-chan struct{}) {
	for {
		select {
		case text := <-w.msgs:
			to.OnMessage(text)
		case <-stop:
			return
		}
	}
}

// newPair links two machines backed by real transports through two wires.
func newPair(t *testing.T, dataChannel bool) (a, b *negotiation.Machine) {
	t.Helper()

	factory := func(ev negotiation.Events) (negotiation.Engine, error) {
		return New(Options{DataChannel: dataChannel}, ev)
	}
	ab, ba := newWire(), newWire()
	a = negotiation.New(factory, ab, negotiation.Hooks{}, nil)
	b = negotiation.New(factory, ba, negotiation.Hooks{}, nil)

	stop := make(chan struct{})
	go ab.deliver(b, stop)
	go ba.deliver(a, stop)

	t.Cleanup(func() {
		close(stop)
		a.Close()
		b.Close()
	})
	return a, b
}

func settled(m *negotiation.Machine) bool {
	switch m.State() {
	case negotiation.StateAnswerSent, negotiation.StateConnected:
		return true
	}
	return false
}

func waitSettled(t *testing.T, a, b *negotiation.Machine) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !(settled(a) && settled(b)) {
		if time.Now().After(deadline) {
			t.Fatalf("negotiation did not settle: A=%s B=%s", a.State(), b.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newVideoTrack(t *testing.T, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "xrcall")
	if err != nil {
		t.Fatal(err)
	}
	return track
}

// TestPairBothStartMedia has both sides add a track at the same moment, so
// their offers cross.
func TestPairBothStartMedia(t *testing.T) {
	a, b := newPair(t, false)

	if err := a.AddTracks(newVideoTrack(t, "video-a")); err != nil {
		t.Fatal(err)
	}
	if err := b.AddTracks(newVideoTrack(t, "video-b")); err != nil {
		t.Fatal(err)
	}
	a.OnOpen()
	b.OnOpen()

	waitSettled(t, a, b)
}

// TestPairDataChannelOnBothSides has both sides create the data channel on
// open, so both request negotiation immediately.
func TestPairDataChannelOnBothSides(t *testing.T) {
	a, b := newPair(t, true)

	a.OnOpen()
	b.OnOpen()

	waitSettled(t, a, b)
}

// TestPairOneSideStarts is the plain case: only one side has media.
func TestPairOneSideStarts(t *testing.T) {
	a, b := newPair(t, false)

	a.OnOpen()
	b.OnOpen()
	if err := a.AddTracks(newVideoTrack(t, "video-a")); err != nil {
		t.Fatal(err)
	}

	waitSettled(t, a, b)
}
