package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/gochat/pkg/protocol"
	pb "github.com/NicolasHaas/gochat/pkg/protocol/pb"
)

type chanSink chan routerEvent

func (c chanSink) post(ev routerEvent) { c <- ev }

func newPipeSession(t *testing.T, opts sessionOptions) (*ClientSession, *protocol.StreamTransport, chanSink) {
	t.Helper()
	srvConn, cliConn := net.Pipe()
	sink := make(chanSink, 16)
	s := newClientSession(protocol.NewStreamTransport(srvConn), sink, opts)
	cli := protocol.NewStreamTransport(cliConn)
	t.Cleanup(func() {
		s.Shutdown()
		_ = cli.Close()
	})
	return s, cli, sink
}

func writeFrame(t *testing.T, tr protocol.Transport, typ pb.MessageType, payload any) {
	t.Helper()
	f, err := pb.NewFrame(typ, payload)
	require.NoError(t, err)
	require.NoError(t, tr.WriteFrame(f))
}

// writeAsync writes from another goroutine; net.Pipe blocks until the
// session reads.
func writeAsync(tr protocol.Transport, typ pb.MessageType, payload any) {
	go func() {
		if f, err := pb.NewFrame(typ, payload); err == nil {
			_ = tr.WriteFrame(f)
		}
	}()
}

func nextEvent(t *testing.T, sink chanSink) routerEvent {
	t.Helper()
	select {
	case ev := <-sink:
		return ev
	case <-time.After(waitFor):
		t.Fatal("no event")
		return nil
	}
}

func TestAwaitConnect(t *testing.T) {
	s, cli, _ := newPipeSession(t, sessionOptions{})
	writeAsync(cli, pb.TypeConnect, pb.ConnectRequest{Username: "alice", Password: "pw"})

	req, err := s.awaitConnect(time.Second)
	require.NoError(t, err)
	assert.Equal(t, pb.ConnectRequest{Username: "alice", Password: "pw"}, req)
	assert.Equal(t, StateHandshaking, s.State())
}

func TestAwaitConnectRejectsOtherFrame(t *testing.T) {
	s, cli, _ := newPipeSession(t, sessionOptions{})
	writeAsync(cli, pb.TypeListRooms, nil)

	_, err := s.awaitConnect(time.Second)
	require.ErrorIs(t, err, errNotConnect)
}

func TestAwaitConnectTimeout(t *testing.T) {
	s, _, _ := newPipeSession(t, sessionOptions{})

	start := time.Now()
	_, err := s.awaitConnect(50 * time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), waitFor)
}

func TestSessionDecodesRequests(t *testing.T) {
	s, cli, sink := newPipeSession(t, sessionOptions{})
	require.True(t, s.activate("alice"))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "alice", s.Username())

	writeFrame(t, cli, pb.TypeJoinRoom, pb.RoomRequest{RoomName: "#x"})
	assert.Equal(t, joinRoomEvent{from: s, room: "#x"}, nextEvent(t, sink))

	writeFrame(t, cli, pb.TypeGetHistory, pb.GetHistoryRequest{Username: "bob", Limit: 5, TimestampTo: 99})
	assert.Equal(t, historyEvent{from: s, partner: "bob", limit: 5, before: 99}, nextEvent(t, sink))

	before := time.Now().UnixMilli()
	writeFrame(t, cli, pb.TypeSendMessage, pb.SendMessageRequest{Username: "bob", Message: "hi"})
	ev, ok := nextEvent(t, sink).(sendMessageEvent)
	require.True(t, ok)
	assert.Equal(t, "bob", ev.destination)
	assert.Equal(t, "hi", ev.body)
	assert.GreaterOrEqual(t, ev.sentAt, before)

	// Invalid payloads are skipped without closing the session.
	writeFrame(t, cli, pb.TypeSendMessage, pb.SendMessageRequest{Username: "bob"})
	writeFrame(t, cli, pb.TypeListUsers, nil)
	assert.Equal(t, listUsersEvent{from: s}, nextEvent(t, sink))

	writeFrame(t, cli, pb.TypeDisconnect, nil)
	assert.Equal(t, disconnectEvent{session: s}, nextEvent(t, sink))
	<-s.Done()
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionWritesAndAcknowledges(t *testing.T) {
	s, cli, _ := newPipeSession(t, sessionOptions{})
	require.True(t, s.activate("carol"))

	written := make(chan struct{})
	s.SendNewMessage(pb.NewMessage{Username: "bob", Message: "hi", Online: true, Timestamp: 1}, func() { close(written) })

	f, err := cli.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, pb.TypeNewMessage, f.MessageType)
	var msg pb.NewMessage
	require.NoError(t, f.Decode(&msg))
	assert.Equal(t, pb.NewMessage{Username: "bob", Message: "hi", Online: true, Timestamp: 1}, msg)

	select {
	case <-written:
	case <-time.After(waitFor):
		t.Fatal("onWritten not called")
	}
}

func TestSessionDisconnectNotifiesOnce(t *testing.T) {
	s, cli, sink := newPipeSession(t, sessionOptions{})
	require.True(t, s.activate("alice"))

	// Both the read loop and the failing write see the closed pipe.
	require.NoError(t, cli.Close())
	s.SendRoomList([]string{"#a"})

	assert.Equal(t, disconnectEvent{session: s}, nextEvent(t, sink))
	select {
	case ev := <-sink:
		t.Fatalf("unexpected second event %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	assert.EqualValues(t, 1, s.metrics.TotalDisconnects.Load())
}

func TestSessionShutdownIsIdempotent(t *testing.T) {
	s, cli, _ := newPipeSession(t, sessionOptions{})
	require.True(t, s.activate("alice"))

	s.Shutdown()
	s.Shutdown()
	<-s.Done()
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, s.activate("alice"), "closed session cannot be activated")

	_, err := cli.ReadFrame()
	require.Error(t, err)

	// Sends after shutdown are dropped quietly.
	s.SendRoomList(nil)
}

func TestSessionRateLimit(t *testing.T) {
	m := NewMetrics()
	s, cli, sink := newPipeSession(t, sessionOptions{metrics: m, rateLimit: 0.1, rateBurst: 2})
	require.True(t, s.activate("alice"))

	for range 4 {
		writeFrame(t, cli, pb.TypeListRooms, nil)
	}
	writeFrame(t, cli, pb.TypeDisconnect, nil)

	assert.Equal(t, listRoomsEvent{from: s}, nextEvent(t, sink))
	assert.Equal(t, listRoomsEvent{from: s}, nextEvent(t, sink))
	// A disconnect gets through even when over the limit.
	assert.Equal(t, disconnectEvent{session: s}, nextEvent(t, sink))
	assert.EqualValues(t, 2, m.RateLimited.Load())
}
