// Package signaling provides the persistent WebSocket channel to the relay
// server. It moves raw text frames only; interpreting them is the caller's
// job.
package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/xrcall/internal/util"
)

// closeGrace bounds the time spent sending the close frame.
const closeGrace = time.Second

// Handler receives socket lifecycle events. OnOpen is called once before any
// OnMessage; OnClose is called once, last. All callbacks run on the socket's
// read goroutine, in arrival order, so they must not block for long.
type Handler interface {
	OnOpen()
	OnMessage(text string)
	OnClose(err error)
}

// Socket is a duplex text channel to the relay. It does not reconnect: once
// closed, a new Socket must be dialed.
type Socket struct {
	conn   *websocket.Conn
	sender *sender

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	readDone  chan struct{}
}

// Dial connects to the relay at url. The userAgent, when non-empty, is sent
// as the User-Agent header of the upgrade request. Frames are not read until
// Serve is called.
func Dial(ctx context.Context, url, userAgent string) (*Socket, error) {
	header := http.Header{}
	if userAgent != "" {
		header.Set("User-Agent", userAgent)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	return newSocket(conn), nil
}

func newSocket(conn *websocket.Conn) *Socket {
	sCtx, sCancel := context.WithCancel(context.Background())

	s := &Socket{
		conn:     conn,
		ctx:      sCtx,
		cancel:   sCancel,
		readDone: make(chan struct{}),
	}
	s.sender = newSender(sCtx, conn, func(error) { s.Close() })

	return s
}

// Serve starts delivering events to h on a dedicated goroutine. It must be
// called exactly once.
func (s *Socket) Serve(h Handler) {
	go s.readLoop(h)
}

// readLoop delivers open, every inbound text frame, then close.
func (s *Socket) readLoop(h Handler) {
	defer close(s.readDone)

	h.OnOpen()

	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closedLocally() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			s.cancel()
			h.OnClose(err)
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		util.Stats.AddRecv(len(data))
		h.OnMessage(string(data))
	}
}

// Send enqueues a text frame for the relay. It waits while the outgoing
// buffer is full, until the socket closes or ctx is done.
func (s *Socket) Send(ctx context.Context, text string) error {
	return s.sender.send(ctx, s.ctx, text)
}

// Done is closed once the read goroutine started by Serve has returned,
// after OnClose.
func (s *Socket) Done() <-chan struct{} {
	return s.readDone
}

// Close sends a close frame (best-effort) and releases the connection.
// Safe to call multiple times and from within Handler callbacks.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = s.conn.Close()
	})
	return err
}

func (s *Socket) closedLocally() bool {
	return s.ctx.Err() != nil
}
