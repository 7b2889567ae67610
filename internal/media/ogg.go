package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// Opus always runs its granule clock at 48 kHz.
const opusClockRate = 48000

// oggSource replays an Ogg/Opus file page by page, paced by the granule
// position of each page.
type oggSource struct {
	path string
}

func (s *oggSource) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

func (s *oggSource) Stream(ctx context.Context, w SampleWriter) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open microphone source: %w", err)
	}
	defer f.Close()

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read Ogg header: %w", err)
	}

	var lastGranule uint64
	for {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read Ogg page: %w", err)
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}

		var duration time.Duration
		if header.GranulePosition > lastGranule {
			samples := header.GranulePosition - lastGranule
			duration = time.Duration(samples * uint64(time.Second) / opusClockRate)
		}
		lastGranule = header.GranulePosition

		if err := w.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}

		if duration > 0 {
			timer := time.NewTimer(duration)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
