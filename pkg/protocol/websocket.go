package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	pb "github.com/NicolasHaas/gochat/pkg/protocol/pb"
)

// WebSocketTransport carries one frame per WebSocket text message.
type WebSocketTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// NewWebSocketTransport wraps an upgraded connection.
func NewWebSocketTransport(conn *websocket.Conn, opts ...Option) *WebSocketTransport {
	o := buildOptions(opts)
	conn.SetReadLimit(int64(o.readLimit))
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) ReadFrame() (pb.Frame, error) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return pb.Frame{}, io.EOF
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return pb.Frame{}, ErrFrameTooLarge
			}
			return pb.Frame{}, fmt.Errorf("protocol: ws read: %w", err)
		}
		line := bytes.TrimSpace(data)
		if len(line) == 0 {
			continue
		}
		return DecodeFrame(line)
	}
}

func (t *WebSocketTransport) WriteFrame(f pb.Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(data, "\n")); err != nil {
		return fmt.Errorf("protocol: ws write: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) SetReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }

func (t *WebSocketTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// Close sends a close message when possible and closes the socket.
// WriteControl may run concurrently with WriteMessage, so no lock is taken.
func (t *WebSocketTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}
