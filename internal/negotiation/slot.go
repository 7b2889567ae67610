package negotiation

import "github.com/1ureka/xrcall/internal/protocol"

// slot holds at most one pending session descriptor. A put replaces a value
// the reader has not taken yet (last write wins). Safe for one writer and
// one reader.
type slot struct {
	ch chan protocol.SessionDescriptor
}

func newSlot() *slot {
	return &slot{ch: make(chan protocol.SessionDescriptor, 1)}
}

func (s *slot) put(d protocol.SessionDescriptor) {
	for {
		select {
		case s.ch <- d:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// C returns the channel the reader takes pending descriptors from.
func (s *slot) C() <-chan protocol.SessionDescriptor {
	return s.ch
}
