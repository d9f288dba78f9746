// Package pb holds the JSON wire types exchanged with chat clients.
//
// Every frame is {"message_type": <string>, "payload": <object|null>}.
// Field names are snake_case. Room names always carry a leading '#';
// usernames never do.
package pb

import (
	"encoding/json"
	"fmt"
)

// MessageType names the kind of a frame.
type MessageType string

// Client to server.
const (
	TypeConnect     MessageType = "connect"
	TypeDisconnect  MessageType = "disconnect"
	TypeListUsers   MessageType = "list_users"
	TypeSendMessage MessageType = "send_message"
	TypeGetHistory  MessageType = "get_history"
	TypeListRooms   MessageType = "list_rooms"
	TypeJoinRoom    MessageType = "join_room"
	TypeLeaveRoom   MessageType = "leave_room"
	TypeDropRoom    MessageType = "drop_room"
)

// Server to client.
const (
	TypeConnectionResult MessageType = "connection_result"
	TypeUserList         MessageType = "user_list"
	TypeRoomList         MessageType = "room_list"
	TypeNewMessage       MessageType = "new_message"
	TypeMessageSent      MessageType = "message_sent"
	TypeMessageHistory   MessageType = "message_history"
	TypeRoomJoined       MessageType = "room_joined"
	TypeRoomLeft         MessageType = "room_left"
	TypeRoomDropped      MessageType = "room_dropped"
)

// Inbound reports whether clients may send this frame type.
func (t MessageType) Inbound() bool {
	switch t {
	case TypeConnect, TypeDisconnect, TypeListUsers, TypeSendMessage, TypeGetHistory,
		TypeListRooms, TypeJoinRoom, TypeLeaveRoom, TypeDropRoom:
		return true
	}
	return false
}

// Frame is one wire message. Payload stays raw until the receiver knows
// which type to decode it into.
type Frame struct {
	MessageType MessageType     `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
}

// NewFrame builds a frame around payload. A nil payload is sent as null.
func NewFrame(t MessageType, payload any) (Frame, error) {
	f := Frame{MessageType: t}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("pb: marshal %s payload: %w", t, err)
	}
	f.Payload = data
	return f, nil
}

// Decode unmarshals the payload into v. A missing or null payload leaves v
// at its zero value.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("pb: decode %s payload: %w", f.MessageType, err)
	}
	return nil
}

// ----- Inbound payloads -----

type ConnectRequest struct {
	Username string `json:"username"`
	Password string `json:"password" validate:"max=256"`
}

type ListUsersRequest struct {
	RoomName string `json:"room_name,omitempty" validate:"omitempty,startswith=#,max=64"`
}

// SendMessageRequest addresses a user, or a room when Username starts with '#'.
type SendMessageRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Message  string `json:"message" validate:"required,max=2000"`
}

// GetHistoryRequest asks for the conversation with a user or a room.
// Limit 0 returns everything; TimestampTo 0 means up to now.
type GetHistoryRequest struct {
	Username    string `json:"username" validate:"required,max=64"`
	Limit       int    `json:"limit,omitempty" validate:"min=0,max=10000"`
	TimestampTo int64  `json:"timestamp_to,omitempty" validate:"min=0"`
}

// RoomRequest is the payload of join_room, leave_room and drop_room.
type RoomRequest struct {
	RoomName string `json:"room_name" validate:"required,startswith=#,max=64"`
}

// ----- Outbound payloads -----

type ConnectionResult struct {
	Success    bool `json:"success"`
	UserExists bool `json:"user_exists"`
}

type UserInfo struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

type UserList struct {
	Room  string     `json:"room,omitempty"`
	Users []UserInfo `json:"users"`
}

type RoomList struct {
	Rooms []string `json:"rooms"`
}

// NewMessage is a live push. Room is set for room messages; Username is the
// sender. Timestamp is milliseconds since the Unix epoch.
type NewMessage struct {
	Room      string `json:"room,omitempty"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Online    bool   `json:"online"`
	Timestamp int64  `json:"timestamp"`
}

// MessageSent tells a sender that Username received its direct message.
type MessageSent struct {
	Username string `json:"username"`
}

type HistoryItem struct {
	Sender      string `json:"sender"`
	Destination string `json:"destination"`
	Message     string `json:"message"`
	Timestamp   int64  `json:"timestamp"`
}

type MessageHistory struct {
	Messages []HistoryItem `json:"messages"`
}

type RoomJoined struct {
	RoomName   string `json:"room_name"`
	RoomExists bool   `json:"room_exists"`
}

type RoomLeft struct {
	RoomName string `json:"room_name"`
	Success  bool   `json:"success"`
}

type RoomDropped struct {
	RoomName string `json:"room_name"`
	Success  bool   `json:"success"`
}
