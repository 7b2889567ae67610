package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

// ivfSource replays an IVF file frame by frame at the file's timebase.
type ivfSource struct {
	path string
}

func (s *ivfSource) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

func (s *ivfSource) Stream(ctx context.Context, w SampleWriter) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open camera source: %w", err)
	}
	defer f.Close()

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read IVF header: %w", err)
	}

	interval := frameInterval(header)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read IVF frame: %w", err)
		}

		if err := w.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// checkIVF reads the IVF file header and matches it against the expected
// codec and resolution.
func checkIVF(path string, width, height int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read IVF header: %w", err)
	}
	if header.FourCC != "VP80" {
		return fmt.Errorf("%s holds %q, want VP80", path, header.FourCC)
	}
	if width == 0 && height == 0 {
		return nil
	}
	if int(header.Width) != width || int(header.Height) != height {
		return fmt.Errorf("%s is %dx%d, want %dx%d", path, header.Width, header.Height, width, height)
	}
	return nil
}

// frameInterval derives the frame duration from the IVF timebase, falling
// back to 30 fps for a zero timebase.
func frameInterval(h *ivfreader.IVFFileHeader) time.Duration {
	if h == nil || h.TimebaseDenominator == 0 || h.TimebaseNumerator == 0 {
		return time.Second / 30
	}
	return time.Duration(uint64(time.Second) * uint64(h.TimebaseNumerator) / uint64(h.TimebaseDenominator))
}
