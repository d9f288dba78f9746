package protocol

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	pb "github.com/NicolasHaas/gochat/pkg/protocol/pb"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		typ     pb.MessageType
		payload any
		decoded func() any
	}{
		{"connect", pb.TypeConnect, &pb.ConnectRequest{Username: "alice", Password: "pw1"}, func() any { return &pb.ConnectRequest{} }},
		{"list_users", pb.TypeListUsers, &pb.ListUsersRequest{RoomName: "#team"}, func() any { return &pb.ListUsersRequest{} }},
		{"send_message", pb.TypeSendMessage, &pb.SendMessageRequest{Username: "bob", Message: "hi"}, func() any { return &pb.SendMessageRequest{} }},
		{"get_history", pb.TypeGetHistory, &pb.GetHistoryRequest{Username: "#team", Limit: 5, TimestampTo: 42}, func() any { return &pb.GetHistoryRequest{} }},
		{"join_room", pb.TypeJoinRoom, &pb.RoomRequest{RoomName: "#team"}, func() any { return &pb.RoomRequest{} }},
		{"connection_result", pb.TypeConnectionResult, &pb.ConnectionResult{Success: true}, func() any { return &pb.ConnectionResult{} }},
		{"user_list", pb.TypeUserList, &pb.UserList{Room: "#team", Users: []pb.UserInfo{{Username: "a", Online: true}}}, func() any { return &pb.UserList{} }},
		{"room_list", pb.TypeRoomList, &pb.RoomList{Rooms: []string{"#a", "#b"}}, func() any { return &pb.RoomList{} }},
		{"new_message", pb.TypeNewMessage, &pb.NewMessage{Username: "bob", Message: "hi", Online: true, Timestamp: 1700000000000}, func() any { return &pb.NewMessage{} }},
		{"message_sent", pb.TypeMessageSent, &pb.MessageSent{Username: "carol"}, func() any { return &pb.MessageSent{} }},
		{"message_history", pb.TypeMessageHistory, &pb.MessageHistory{Messages: []pb.HistoryItem{{Sender: "a", Destination: "#r", Message: "m", Timestamp: 1}}}, func() any { return &pb.MessageHistory{} }},
		{"room_joined", pb.TypeRoomJoined, &pb.RoomJoined{RoomName: "#team", RoomExists: true}, func() any { return &pb.RoomJoined{} }},
		{"room_left", pb.TypeRoomLeft, &pb.RoomLeft{RoomName: "#team"}, func() any { return &pb.RoomLeft{} }},
		{"room_dropped", pb.TypeRoomDropped, &pb.RoomDropped{RoomName: "#team", Success: true}, func() any { return &pb.RoomDropped{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := pb.NewFrame(tt.typ, tt.payload)
			require.NoError(t, err)
			line, err := EncodeFrame(f)
			require.NoError(t, err)
			require.True(t, strings.HasSuffix(string(line), "\n"))

			got, err := DecodeFrame(line)
			require.NoError(t, err)
			require.Equal(t, tt.typ, got.MessageType)

			out := tt.decoded()
			require.NoError(t, got.Decode(out))
			if diff := cmp.Diff(tt.payload, out); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNullPayload(t *testing.T) {
	f, err := pb.NewFrame(pb.TypeListRooms, nil)
	require.NoError(t, err)
	line, err := EncodeFrame(f)
	require.NoError(t, err)
	require.Equal(t, `{"message_type":"list_rooms","payload":null}`+"\n", string(line))

	got, err := DecodeFrame([]byte(`{"message_type":"list_users"}`))
	require.NoError(t, err)
	var req pb.ListUsersRequest
	require.NoError(t, got.Decode(&req))
	require.Empty(t, req.RoomName)
}

func TestDecodeFrameToleratesTrailingGarbage(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"message_type":"disconnect","payload":null} }}garbage`))
	require.NoError(t, err)
	require.Equal(t, pb.TypeDisconnect, f.MessageType)
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	for _, in := range []string{`not json`, `{"payload":{}}`, `{"message_type":7}`} {
		_, err := DecodeFrame([]byte(in))
		require.ErrorIs(t, err, ErrMalformedFrame, "input %q", in)
	}
}

func TestInbound(t *testing.T) {
	require.True(t, pb.TypeConnect.Inbound())
	require.True(t, pb.TypeDropRoom.Inbound())
	require.False(t, pb.TypeNewMessage.Inbound())
	require.False(t, pb.MessageType("shout").Inbound())
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(&pb.SendMessageRequest{Username: "bob", Message: "hi"}))
	require.Error(t, Validate(&pb.SendMessageRequest{Username: "bob"}))
	require.Error(t, Validate(&pb.SendMessageRequest{Username: "bob", Message: strings.Repeat("x", 2001)}))
	require.NoError(t, Validate(&pb.RoomRequest{RoomName: "#team"}))
	require.Error(t, Validate(&pb.RoomRequest{RoomName: "team"}))
	require.NoError(t, Validate(&pb.ListUsersRequest{}))
	require.Error(t, Validate(&pb.GetHistoryRequest{Username: "bob", Limit: -1}))
}

func TestStreamTransport(t *testing.T) {
	client, server := net.Pipe()
	st := NewStreamTransport(server)
	t.Cleanup(func() { _ = st.Close() })

	go func() {
		_, _ = client.Write([]byte("\n  \n" + `{"message_type":"list_rooms","payload":null}` + "\n"))
		_, _ = client.Write([]byte(`{"message_type":"join_room","payload":{"room_name":"#a"}}` + "\n"))
		_ = client.Close()
	}()

	f, err := st.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, pb.TypeListRooms, f.MessageType)

	f, err = st.ReadFrame()
	require.NoError(t, err)
	var req pb.RoomRequest
	require.NoError(t, f.Decode(&req))
	require.Equal(t, "#a", req.RoomName)

	_, err = st.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamTransportWrite(t *testing.T) {
	client, server := net.Pipe()
	st := NewStreamTransport(server)
	peer := NewStreamTransport(client)
	t.Cleanup(func() {
		_ = st.Close()
		_ = peer.Close()
	})

	f, err := pb.NewFrame(pb.TypeMessageSent, &pb.MessageSent{Username: "carol"})
	require.NoError(t, err)
	go func() { _ = st.WriteFrame(f) }()

	got, err := peer.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, pb.TypeMessageSent, got.MessageType)
}

func TestStreamTransportFrameTooLarge(t *testing.T) {
	client, server := net.Pipe()
	st := NewStreamTransport(server)
	t.Cleanup(func() { _ = st.Close() })

	go func() {
		_, _ = client.Write([]byte(strings.Repeat("x", MaxFrameSize+10) + "\n"))
		_ = client.Close()
	}()

	_, err := st.ReadFrame()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestLargeReplyNeedsReadLimit(t *testing.T) {
	items := make([]pb.HistoryItem, 40)
	for i := range items {
		items[i] = pb.HistoryItem{Sender: "alice", Destination: "carol", Message: strings.Repeat("m", 2000), Timestamp: int64(i)}
	}
	f, err := pb.NewFrame(pb.TypeMessageHistory, &pb.MessageHistory{Messages: items})
	require.NoError(t, err)
	line, err := EncodeFrame(f)
	require.NoError(t, err)
	require.Greater(t, len(line), MaxFrameSize)

	for _, tt := range []struct {
		name    string
		opts    []Option
		wantErr error
	}{
		{"default limit", nil, ErrFrameTooLarge},
		{"raised limit", []Option{WithReadLimit(1 << 20)}, nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			sender := NewStreamTransport(server)
			reader := NewStreamTransport(client, tt.opts...)
			t.Cleanup(func() {
				_ = sender.Close()
				_ = reader.Close()
			})
			go func() { _ = sender.WriteFrame(f) }()

			got, err := reader.ReadFrame()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			var hist pb.MessageHistory
			require.NoError(t, got.Decode(&hist))
			require.Len(t, hist.Messages, len(items))
		})
	}
}

func TestStreamTransportReadDeadline(t *testing.T) {
	client, server := net.Pipe()
	st := NewStreamTransport(server)
	t.Cleanup(func() {
		_ = st.Close()
		_ = client.Close()
	})

	require.NoError(t, st.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err := st.ReadFrame()
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "want timeout, got %v", err)
}

func TestWebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan pb.Frame, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr := NewWebSocketTransport(conn)
		defer func() { _ = tr.Close() }()
		f, err := tr.ReadFrame()
		if err != nil {
			return
		}
		received <- f
		reply, _ := pb.NewFrame(pb.TypeConnectionResult, &pb.ConnectionResult{Success: true})
		_ = tr.WriteFrame(reply)
		_, _ = tr.ReadFrame()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	client := NewWebSocketTransport(conn)
	t.Cleanup(func() { _ = client.Close() })

	f, err := pb.NewFrame(pb.TypeConnect, &pb.ConnectRequest{Username: "alice", Password: "pw1"})
	require.NoError(t, err)
	require.NoError(t, client.WriteFrame(f))

	select {
	case got := <-received:
		require.Equal(t, pb.TypeConnect, got.MessageType)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive frame")
	}

	reply, err := client.ReadFrame()
	require.NoError(t, err)
	var res pb.ConnectionResult
	require.NoError(t, reply.Decode(&res))
	require.True(t, res.Success)
}
