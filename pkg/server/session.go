package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/NicolasHaas/gochat/pkg/logging"
	"github.com/NicolasHaas/gochat/pkg/mailbox"
	"github.com/NicolasHaas/gochat/pkg/protocol"
	pb "github.com/NicolasHaas/gochat/pkg/protocol/pb"
)

// SessionState is the lifecycle stage of a client session.
type SessionState int32

const (
	StateHandshaking  SessionState = iota // transport open, no username bound
	StateActive                           // registered, reading and writing frames
	StateShuttingDown                     // teardown in progress
	StateClosed                           // transport closed
)

func (s SessionState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errNotConnect = errors.New("server: first frame must be connect")

// eventSink receives the events a session decodes from its client.
type eventSink interface {
	post(ev routerEvent)
}

type outbound struct {
	frame     pb.Frame
	onWritten func()
}

// ClientSession owns one client transport. Reads happen on a dedicated
// goroutine; all writes go through the session's mailbox so frames never
// interleave. Send methods are safe to call from any goroutine.
type ClientSession struct {
	transport protocol.Transport
	sink      eventSink
	metrics   *Metrics
	limiter   *rate.Limiter
	log       *slog.Logger

	username atomic.Pointer[string]
	state    atomic.Int32
	out      *mailbox.Mailbox[outbound]

	shutdownOnce sync.Once
	notifyOnce   sync.Once
	closed       chan struct{}
}

type sessionOptions struct {
	metrics   *Metrics
	rateLimit float64
	rateBurst int
}

func newClientSession(t protocol.Transport, sink eventSink, opts sessionOptions) *ClientSession {
	s := &ClientSession{
		transport: t,
		sink:      sink,
		metrics:   opts.metrics,
		log:       logging.For("session").With("remote", remoteString(t.RemoteAddr())),
		out:       mailbox.New[outbound]("session-writer"),
		closed:    make(chan struct{}),
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if opts.rateLimit > 0 {
		burst := opts.rateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.rateLimit), burst)
	}
	s.state.Store(int32(StateHandshaking))
	return s
}

func remoteString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Username returns the bound username, empty while handshaking.
func (s *ClientSession) Username() string {
	if p := s.username.Load(); p != nil {
		return *p
	}
	return ""
}

// State returns the current lifecycle state.
func (s *ClientSession) State() SessionState {
	return SessionState(s.state.Load())
}

// Done is closed once the transport has been closed.
func (s *ClientSession) Done() <-chan struct{} {
	return s.closed
}

// awaitConnect reads the first frame, which must be a connect frame
// arriving within timeout.
func (s *ClientSession) awaitConnect(timeout time.Duration) (pb.ConnectRequest, error) {
	var req pb.ConnectRequest
	if err := s.transport.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return req, fmt.Errorf("server: handshake: set deadline: %w", err)
	}
	f, err := s.transport.ReadFrame()
	if err != nil {
		return req, fmt.Errorf("server: handshake: %w", err)
	}
	if f.MessageType != pb.TypeConnect {
		return req, fmt.Errorf("%w, got %q", errNotConnect, f.MessageType)
	}
	if err := f.Decode(&req); err != nil {
		return req, fmt.Errorf("server: handshake: %w", err)
	}
	if err := s.transport.SetReadDeadline(time.Time{}); err != nil {
		return req, fmt.Errorf("server: handshake: clear deadline: %w", err)
	}
	return req, nil
}

// activate binds username and moves the session to Active. It fails when
// the session was shut down while the connect request was being processed.
func (s *ClientSession) activate(username string) bool {
	s.username.Store(&username)
	if !s.state.CompareAndSwap(int32(StateHandshaking), int32(StateActive)) {
		return false
	}
	s.out.Start(s.write)
	go s.readLoop()
	return true
}

// reject writes a failed connection result on the raw transport and closes
// it. The session never becomes active.
func (s *ClientSession) reject(res pb.ConnectionResult) {
	if f, err := pb.NewFrame(pb.TypeConnectionResult, &res); err == nil {
		if err := s.transport.WriteFrame(f); err != nil {
			s.log.Debug("reject write failed", "err", err)
		}
	}
	s.Shutdown()
}

// Shutdown closes the transport and stops the writer. Safe to call more than
// once and from any goroutine.
func (s *ClientSession) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.state.Store(int32(StateShuttingDown))
		s.out.Stop()
		if err := s.transport.Close(); err != nil {
			s.log.Debug("close transport", "err", err)
		}
		s.state.Store(int32(StateClosed))
		close(s.closed)
	})
}

// disconnect tears the session down and tells the router, once.
func (s *ClientSession) disconnect() {
	s.Shutdown()
	s.notifyOnce.Do(func() {
		s.metrics.TotalDisconnects.Add(1)
		s.sink.post(disconnectEvent{session: s})
	})
}

func (s *ClientSession) write(o outbound) {
	if s.State() != StateActive {
		return
	}
	if err := s.transport.WriteFrame(o.frame); err != nil {
		s.log.Warn("write failed, disconnecting", "user", s.Username(), "type", o.frame.MessageType, "err", err)
		s.disconnect()
		return
	}
	if o.onWritten != nil {
		o.onWritten()
	}
}

func (s *ClientSession) readLoop() {
	log := s.log.With("user", s.Username())
	for {
		f, err := s.transport.ReadFrame()
		if err != nil {
			switch {
			case s.State() != StateActive:
			case errors.Is(err, io.EOF):
				log.Debug("client closed connection")
			case errors.Is(err, protocol.ErrMalformedFrame), errors.Is(err, protocol.ErrFrameTooLarge):
				s.metrics.ProtocolErrors.Add(1)
				log.Warn("protocol error", "err", err)
			default:
				log.Debug("read failed", "err", err)
			}
			s.disconnect()
			return
		}

		if f.MessageType == pb.TypeDisconnect {
			log.Debug("client requested disconnect")
			s.disconnect()
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.RateLimited.Add(1)
			log.Warn("rate limit exceeded, frame dropped", "type", f.MessageType)
			continue
		}
		if !f.MessageType.Inbound() {
			s.metrics.ProtocolErrors.Add(1)
			log.Warn("unknown message type", "type", f.MessageType)
			s.disconnect()
			return
		}

		ev, err := s.decode(f)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				s.metrics.ProtocolErrors.Add(1)
				log.Warn("undecodable payload", "type", f.MessageType, "err", err)
				s.disconnect()
				return
			}
			log.Warn("invalid request ignored", "type", f.MessageType, "err", err)
			continue
		}
		s.sink.post(ev)
	}
}

// decode maps an inbound frame to a router event. Payloads that decode but
// fail validation return a plain error; undecodable ones wrap
// protocol.ErrMalformedFrame.
func (s *ClientSession) decode(f pb.Frame) (routerEvent, error) {
	payload := func(v any) error {
		if err := f.Decode(v); err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
		}
		return protocol.Validate(v)
	}

	switch f.MessageType {
	case pb.TypeListUsers:
		var req pb.ListUsersRequest
		if err := payload(&req); err != nil {
			return nil, err
		}
		return listUsersEvent{from: s, room: req.RoomName}, nil
	case pb.TypeListRooms:
		return listRoomsEvent{from: s}, nil
	case pb.TypeSendMessage:
		var req pb.SendMessageRequest
		if err := payload(&req); err != nil {
			return nil, err
		}
		return sendMessageEvent{from: s, destination: req.Username, body: req.Message, sentAt: time.Now().UnixMilli()}, nil
	case pb.TypeGetHistory:
		var req pb.GetHistoryRequest
		if err := payload(&req); err != nil {
			return nil, err
		}
		return historyEvent{from: s, partner: req.Username, limit: req.Limit, before: req.TimestampTo}, nil
	case pb.TypeJoinRoom, pb.TypeLeaveRoom, pb.TypeDropRoom:
		var req pb.RoomRequest
		if err := payload(&req); err != nil {
			return nil, err
		}
		switch f.MessageType {
		case pb.TypeJoinRoom:
			return joinRoomEvent{from: s, room: req.RoomName}, nil
		case pb.TypeLeaveRoom:
			return leaveRoomEvent{from: s, room: req.RoomName}, nil
		default:
			return dropRoomEvent{from: s, room: req.RoomName}, nil
		}
	case pb.TypeConnect:
		return nil, errors.New("already connected")
	default:
		return nil, fmt.Errorf("unhandled message type %q", f.MessageType)
	}
}

// send queues a frame for the writer. onWritten runs on the writer goroutine
// after the frame was written successfully.
func (s *ClientSession) send(t pb.MessageType, payload any, onWritten func()) {
	f, err := pb.NewFrame(t, payload)
	if err != nil {
		s.log.Error("encode frame", "type", t, "err", err)
		return
	}
	if err := s.out.Post(outbound{frame: f, onWritten: onWritten}); err != nil {
		s.log.Debug("send on closed session dropped", "type", t)
	}
}

func (s *ClientSession) SendConnectionResult(success, userExists bool) {
	s.send(pb.TypeConnectionResult, &pb.ConnectionResult{Success: success, UserExists: userExists}, nil)
}

func (s *ClientSession) SendUserList(room string, users []pb.UserInfo) {
	s.send(pb.TypeUserList, &pb.UserList{Room: room, Users: users}, nil)
}

func (s *ClientSession) SendRoomList(rooms []string) {
	s.send(pb.TypeRoomList, &pb.RoomList{Rooms: rooms}, nil)
}

// SendNewMessage pushes a message. onDelivered, when set, runs once the
// frame has been written to the client.
func (s *ClientSession) SendNewMessage(msg pb.NewMessage, onDelivered func()) {
	s.send(pb.TypeNewMessage, &msg, onDelivered)
}

func (s *ClientSession) SendMessageSent(recipient string) {
	s.send(pb.TypeMessageSent, &pb.MessageSent{Username: recipient}, nil)
}

func (s *ClientSession) SendHistory(items []pb.HistoryItem) {
	s.send(pb.TypeMessageHistory, &pb.MessageHistory{Messages: items}, nil)
}

func (s *ClientSession) SendRoomJoined(room string, existed bool) {
	s.send(pb.TypeRoomJoined, &pb.RoomJoined{RoomName: room, RoomExists: existed}, nil)
}

func (s *ClientSession) SendRoomLeft(room string, success bool) {
	s.send(pb.TypeRoomLeft, &pb.RoomLeft{RoomName: room, Success: success}, nil)
}

func (s *ClientSession) SendRoomDropped(room string, success bool) {
	s.send(pb.TypeRoomDropped, &pb.RoomDropped{RoomName: room, Success: success}, nil)
}
