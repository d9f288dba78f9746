// Package model defines the core domain types for GoChat.
package model

import "strings"

// RoomPrefix marks a destination as a room rather than a user.
const RoomPrefix = "#"

// IsRoomName reports whether a destination is room-shaped (leading '#').
func IsRoomName(destination string) bool {
	return strings.HasPrefix(destination, RoomPrefix)
}
