package model

import (
	"errors"
	"time"
	"unicode"
	"unicode/utf8"
)

const MaxRoomNameLength = 64

var ErrRoomNamePrefix = errors.New("room name must start with '#'")
var ErrRoomNameEmpty = errors.New("room name must not be empty")
var ErrRoomNameTooLong = errors.New("room name too long")
var ErrRoomNameInvalidChars = errors.New("room name must not contain whitespace or control characters")

// Room is a named group conversation. The user who created it is its admin.
type Room struct {
	Name      string    `json:"name"`
	Admin     string    `json:"admin"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateRoomName checks that name is '#' followed by 1-63 printable,
// non-space characters.
func ValidateRoomName(name string) error {
	if !IsRoomName(name) {
		return ErrRoomNamePrefix
	}
	n := utf8.RuneCountInString(name)
	if n < 2 {
		return ErrRoomNameEmpty
	}
	if n > MaxRoomNameLength {
		return ErrRoomNameTooLong
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrRoomNameInvalidChars
		}
	}
	return nil
}
