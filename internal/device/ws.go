package device

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WSTransport delivers frames over a gorilla WebSocket connection. Frames are
// queued on a buffered channel and written by a single pump goroutine, so any
// goroutine may call Send without racing on the connection. When the pump
// exits (write failure or Close), done is closed and the connection is torn
// down; late sends become no-ops.
type WSTransport struct {
	conn    *websocket.Conn
	sendCh  chan []byte
	done    chan struct{}
	once    sync.Once
	dropped int64
	dropMu  sync.Mutex
}

// NewWSTransport wraps conn and starts its write pump. buffer is the number
// of frames that may queue before sends start dropping.
func NewWSTransport(conn *websocket.Conn, buffer int) *WSTransport {
	if buffer <= 0 {
		buffer = 256
	}
	t := &WSTransport{
		conn:   conn,
		sendCh: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
	go t.writePump()
	return t
}

// Send queues data for delivery. Returns false if the queue is full or the
// transport is closed.
func (t *WSTransport) Send(data []byte) bool {
	select {
	case t.sendCh <- data:
		return true
	case <-t.done:
		return false
	default:
		t.dropMu.Lock()
		t.dropped++
		t.dropMu.Unlock()
		return false
	}
}

// SendPriority queues data, evicting one queued frame if the buffer is full
// so control messages get through under backpressure.
func (t *WSTransport) SendPriority(data []byte) bool {
	select {
	case t.sendCh <- data:
		return true
	case <-t.done:
		return false
	default:
	}

	// Make room by dropping one queued frame.
	select {
	case <-t.sendCh:
		t.dropMu.Lock()
		t.dropped++
		t.dropMu.Unlock()
	default:
	}

	select {
	case t.sendCh <- data:
		return true
	case <-t.done:
		return false
	default:
		return false
	}
}

// Done is closed once the write pump has exited.
func (t *WSTransport) Done() <-chan struct{} {
	return t.done
}

// Close shuts the transport down and closes the underlying connection.
func (t *WSTransport) Close() {
	t.once.Do(func() { close(t.done) })
}

// Dropped returns how many frames were discarded because the device could
// not keep up.
func (t *WSTransport) Dropped() int64 {
	t.dropMu.Lock()
	defer t.dropMu.Unlock()
	return t.dropped
}

func (t *WSTransport) writePump() {
	defer func() {
		t.once.Do(func() { close(t.done) })
		t.conn.Close()
	}()

	for {
		select {
		case data := <-t.sendCh:
			t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Error("websocket write failed", "error", err)
				return
			}
		case <-t.done:
			return
		}
	}
}
