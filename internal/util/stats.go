package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide signaling counter.
var Stats = &stats{}

type stats struct {
	FramesSent      atomic.Int64 // signaling frames written to the relay
	FramesRecv      atomic.Int64 // signaling frames read from the relay
	BytesSent       atomic.Int64
	BytesRecv       atomic.Int64
	CandidatesAdded atomic.Int64 // remote ICE candidates accepted by the engine
	Negotiations    atomic.Int64 // completed offer/answer rounds
}

func (s *stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.FramesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddCandidate()   { s.CandidatesAdded.Add(1) }
func (s *stats) AddNegotiation() { s.Negotiations.Add(1) }

// StartStatsReporter launches a goroutine that logs signaling statistics
// every 10 seconds while anything changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevFramesSent, prevFramesRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				framesSent := Stats.FramesSent.Load()
				framesRecv := Stats.FramesRecv.Load()

				if framesSent != prevFramesSent || framesRecv != prevFramesRecv {
					pterm.DefaultLogger.Info(formatStats(
						float64(sent-prevSent), float64(recv-prevRecv),
						framesSent-prevFramesSent, framesRecv-prevFramesRecv,
						Stats.CandidatesAdded.Load(), Stats.Negotiations.Load(),
					))
				}

				prevSent = sent
				prevRecv = recv
				prevFramesSent = framesSent
				prevFramesRecv = framesRecv

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed width (exactly 8 chars)
// string, for example: "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders one reporter line.
func formatStats(outB, inB float64, outF, inF, candidates, rounds int64) string {
	return fmt.Sprintf("Signaling out: %s (%d) | in: %s (%d) | candidates: %d | rounds: %d",
		formatBytes(outB), outF,
		formatBytes(inB), inF,
		candidates, rounds,
	)
}
