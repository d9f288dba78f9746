// Package protocol implements newline-delimited JSON framing and the
// transports that carry it.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-playground/validator/v10"

	pb "github.com/NicolasHaas/gochat/pkg/protocol/pb"
)

// MaxFrameSize is the default read limit in bytes, excluding the newline.
// It bounds client requests; replies such as message_history may be larger.
const MaxFrameSize = 64 * 1024

var (
	// ErrMalformedFrame is returned for input that is not a JSON frame.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrFrameTooLarge is returned when an inbound frame exceeds the read limit.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// Transport carries frames to and from one client.
type Transport interface {
	// ReadFrame blocks until the next frame arrives. It returns io.EOF when
	// the peer closes cleanly.
	ReadFrame() (pb.Frame, error)
	WriteFrame(f pb.Frame) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// DecodeFrame parses the first JSON value in line. Anything after it on the
// same line is ignored.
func DecodeFrame(line []byte) (pb.Frame, error) {
	var f pb.Frame
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&f); err != nil {
		return pb.Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.MessageType == "" {
		return pb.Frame{}, fmt.Errorf("%w: missing message_type", ErrMalformedFrame)
	}
	return f, nil
}

// EncodeFrame renders f as one line, newline included. Outbound frames are
// not size checked.
func EncodeFrame(f pb.Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	return append(data, '\n'), nil
}

type options struct {
	readLimit int
}

// Option configures a transport.
type Option func(*options)

// WithReadLimit sets the largest frame ReadFrame accepts. Clients use it to
// read history replies bigger than MaxFrameSize.
func WithReadLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readLimit = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{readLimit: MaxFrameSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a payload against its struct tags.
func Validate(payload any) error {
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("protocol: invalid payload: %w", err)
	}
	return nil
}
