package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	pb "github.com/NicolasHaas/gochat/pkg/protocol/pb"
)

// StreamTransport frames JSON lines over a byte stream such as TCP or TLS.
type StreamTransport struct {
	conn    net.Conn
	scanner *bufio.Scanner
	wmu     sync.Mutex
}

// NewStreamTransport wraps conn. The caller gives up ownership of conn.
func NewStreamTransport(conn net.Conn, opts ...Option) *StreamTransport {
	o := buildOptions(opts)
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 4096), o.readLimit+1)
	return &StreamTransport{conn: conn, scanner: sc}
}

// ReadFrame returns the next non-blank line as a frame.
func (t *StreamTransport) ReadFrame() (pb.Frame, error) {
	for t.scanner.Scan() {
		line := bytes.TrimSpace(t.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return DecodeFrame(line)
	}
	err := t.scanner.Err()
	switch {
	case err == nil:
		return pb.Frame{}, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return pb.Frame{}, ErrFrameTooLarge
	default:
		return pb.Frame{}, fmt.Errorf("protocol: read: %w", err)
	}
}

// WriteFrame writes f and its newline in a single call.
func (t *StreamTransport) WriteFrame(f pb.Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.conn.Write(data); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}

func (t *StreamTransport) SetReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }

func (t *StreamTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func (t *StreamTransport) Close() error { return t.conn.Close() }
