package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const MessageMaxBodyLength = 2000

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")

// DirectMessage is a user-to-user message. SentAt is milliseconds since the
// Unix epoch. Delivered only ever goes from false to true.
type DirectMessage struct {
	ID          string `json:"id"`
	Sender      string `json:"sender"`
	Destination string `json:"destination"`
	Body        string `json:"body"`
	SentAt      int64  `json:"sent_at"`
	Delivered   bool   `json:"delivered"`
}

func (m *DirectMessage) Validate() error {
	return validateBody(m.Body)
}

// RoomMessage is a message posted to a room. Room delivery is best effort,
// so there is no delivered flag.
type RoomMessage struct {
	ID     int64  `json:"id"`
	Sender string `json:"sender"`
	Room   string `json:"room"`
	Body   string `json:"body"`
	SentAt int64  `json:"sent_at"`
}

func (m *RoomMessage) Validate() error {
	return validateBody(m.Body)
}

func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrMessageBodyEmpty
	} else if utf8.RuneCountInString(body) > MessageMaxBodyLength {
		return ErrMessageBodyTooLong
	}
	return nil
}

// HistoryFilter bounds a history query. Limit 0 means no limit and keeps the
// most recent messages; Before 0 means no upper time bound.
type HistoryFilter struct {
	Limit  int
	Before int64
}
