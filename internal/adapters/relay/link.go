package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/guestuser2025NL/meshaudio/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

// Conn is an indirection over *websocket.Conn to ease testing.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// wsLink wraps a websocket connection with a buffered outbound queue.
// It implements core.Link and app.Probe.
type wsLink struct {
	conn Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool

	alive atomic.Bool
}

func newLink(conn Conn, buffer int) *wsLink {
	l := &wsLink{
		conn: conn,
		send: make(chan core.Frame, buffer),
	}
	l.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		l.alive.Store(true)
		return nil
	})
	return l
}

// TrySend enqueues without blocking; a full buffer loses the frame.
func (l *wsLink) TrySend(f core.Frame) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return errors.New("connection closed")
	}
	select {
	case l.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (l *wsLink) Kill() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.send)
	_ = l.conn.Close()
	l.mu.Unlock()
}

// Probe implements app.Probe: ping, clear the alive flag, report
// whether the previous ping was answered.
func (l *wsLink) Probe() bool {
	wasAlive := l.alive.Swap(false)
	if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		return false
	}
	return wasAlive
}

// writePump pumps queued frames to the network. It owns the write side
// of the connection and exits on context cancel, queue close or error.
func (l *wsLink) writePump(ctx context.Context) {
	defer l.Kill()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-l.send:
			if !ok {
				return
			}
			if err := l.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			mt := websocket.TextMessage
			if f.Binary {
				mt = websocket.BinaryMessage
			}
			if err := l.conn.WriteMessage(mt, f.Data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}
