// Package relay implements the signaling relay: every text frame received
// from one client is forwarded, unmodified and in order, to every other
// connected client. Frames are never parsed.
package relay

import (
	"sync/atomic"

	"github.com/1ureka/xrcall/internal/util"
)

// clientBufferSize is the per-client outgoing frame capacity. A client that
// falls this far behind is disconnected.
const clientBufferSize = 256

// frame is a text frame tagged with the client it came from.
type frame struct {
	from *client
	data []byte
}

// Hub owns the set of connected clients. All membership changes and
// fan-out happen on the Run goroutine.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan frame
	quit       chan struct{}
	stopped    chan struct{}

	count atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan frame),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run processes registrations and forwards frames until Stop is called.
func (h *Hub) Run() {
	defer close(h.stopped)

	for {
		select {
		case <-h.quit:
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.count.Store(int64(len(h.clients)))
			util.LogInfo("relay: client %s registered (%d connected)", c.id, len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
				util.LogInfo("relay: client %s unregistered (%d connected)", c.id, len(h.clients))
			}

		case f := <-h.broadcast:
			if !h.clients[f.from] {
				continue
			}
			for c := range h.clients {
				if c == f.from {
					continue
				}
				select {
				case c.send <- f.data:
				default:
					util.LogWarning("relay: client %s is too slow, disconnecting", c.id)
					h.drop(c)
				}
			}
		}
	}
}

// drop removes c and closes its outgoing queue, which ends its write pump.
func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Stop disconnects every client and ends Run.
func (h *Hub) Stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
	<-h.stopped
}

func (h *Hub) join(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) forward(c *client, data []byte) {
	select {
	case h.broadcast <- frame{from: c, data: data}:
	case <-h.quit:
	}
}
