package signaling

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"github.com/1ureka/xrcall/internal/util"
)

// sendBufferSize is the outgoing frame channel capacity.
const sendBufferSize = 64

// ErrClosed is returned by Send after the socket has been closed.
var ErrClosed = errors.New("signaling socket closed")

// sender is a goroutine-based frame writer that serializes all writes to a
// single WebSocket connection. Callers only enqueue, so generating outbound
// signaling never blocks the goroutine delivering inbound frames.
type sender struct {
	inbox chan string
	done  chan struct{}
}

// newSender creates a sender and starts its loop. The loop exits when ctx
// is cancelled or a write fails; onFail is called in the latter case.
func newSender(ctx context.Context, conn *websocket.Conn, onFail func(error)) *sender {
	s := &sender{
		inbox: make(chan string, sendBufferSize),
		done:  make(chan struct{}),
	}
	go s.loop(ctx, conn, onFail)
	return s
}

func (s *sender) loop(ctx context.Context, conn *websocket.Conn, onFail func(error)) {
	defer close(s.done)

	for {
		select {
		case text := <-s.inbox:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				if ctx.Err() == nil {
					util.LogError("failed to write signaling frame: %v", err)
					onFail(err)
				}
				return
			}
			util.Stats.AddSent(len(text))

		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a frame. It blocks only while the buffer is full; it
// returns ErrClosed once closed is cancelled and ctx.Err() once the caller
// gives up.
func (s *sender) send(ctx, closed context.Context, text string) error {
	if closed.Err() != nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.inbox <- text:
		return nil
	case <-closed.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
