// Package store provides an in-memory DataStore for tests and ephemeral
// servers.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/model"
)

// Compile-time check: *MemoryStore implements datastore.DataStore.
var _ datastore.DataStore = (*MemoryStore)(nil)

// MemoryStore provides an in-memory DataStore implementation.
// It mirrors SQLite behavior for validation, ordering and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextAccountID int64
	nextRoomMsgID int64

	accounts     map[string]*model.Account
	messages     []*model.DirectMessage // insertion order
	messagesByID map[string]*model.DirectMessage
	rooms        map[string]*model.Room
	members      map[string]map[string]struct{} // room -> usernames
	roomMessages map[string][]model.RoomMessage
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:           now,
		nextAccountID: 1,
		nextRoomMsgID: 1,
		accounts:      make(map[string]*model.Account),
		messagesByID:  make(map[string]*model.DirectMessage),
		rooms:         make(map[string]*model.Room),
		members:       make(map[string]map[string]struct{}),
		roomMessages:  make(map[string][]model.RoomMessage),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, username string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[username]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, username, hash, salt string) (*model.Account, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("store: create account: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[username]; ok {
		return nil, datastore.ErrAccountExists
	}
	a := &model.Account{
		ID:        s.nextAccountID,
		Username:  username,
		Hash:      hash,
		Salt:      salt,
		CreatedAt: s.now().Truncate(time.Second),
	}
	s.nextAccountID++
	s.accounts[username] = a
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) AddDirectMessage(_ context.Context, msg *model.DirectMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("store: message failed validation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, ok := s.messagesByID[msg.ID]; ok {
		return fmt.Errorf("store: add direct message: duplicate id %s", msg.ID)
	}
	msg.Delivered = false
	cp := *msg
	s.messages = append(s.messages, &cp)
	s.messagesByID[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messagesByID[id]; ok {
		m.Delivered = true
	}
	return nil
}

func (s *MemoryStore) UndeliveredFor(_ context.Context, username string) ([]model.DirectMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.DirectMessage
	for _, m := range s.messages {
		if m.Destination == username && !m.Delivered {
			out = append(out, *m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt < out[j].SentAt })
	return out, nil
}

func (s *MemoryStore) DirectHistory(_ context.Context, a, b string, filter model.HistoryFilter) ([]model.DirectMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.DirectMessage
	for _, m := range s.messages {
		pair := (m.Sender == a && m.Destination == b) || (m.Sender == b && m.Destination == a)
		if !pair || (filter.Before != 0 && m.SentAt > filter.Before) {
			continue
		}
		out = append(out, *m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt < out[j].SentAt })
	return tail(out, filter.Limit), nil
}

// tail keeps the newest limit entries of an ascending slice.
func tail[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}

func (s *MemoryStore) GetRoom(_ context.Context, name string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[name]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) RoomMembers(_ context.Context, room string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name := range s.members[room] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) RoomRole(_ context.Context, room, username string) (model.RoomRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[room]
	if !ok {
		return model.RoomRoleNone, nil
	}
	if r.Admin == username {
		return model.RoomRoleAdmin, nil
	}
	if _, ok := s.members[room][username]; ok {
		return model.RoomRoleMember, nil
	}
	return model.RoomRoleNone, nil
}

func (s *MemoryStore) RoomHistory(_ context.Context, room string, filter model.HistoryFilter) ([]model.RoomMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RoomMessage
	for _, m := range s.roomMessages[room] {
		if filter.Before != 0 && m.SentAt > filter.Before {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt < out[j].SentAt })
	return tail(out, filter.Limit), nil
}

func (s *MemoryStore) JoinOrCreateRoom(_ context.Context, room, username string) (bool, error) {
	if err := model.ValidateRoomName(room); err != nil {
		return false, fmt.Errorf("store: join room: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.rooms[room]
	if !existed {
		s.rooms[room] = &model.Room{Name: room, Admin: username, CreatedAt: s.now().Truncate(time.Second)}
		s.members[room] = make(map[string]struct{})
	}
	s.members[room][username] = struct{}{}
	return existed, nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, room, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[room][username]; !ok {
		return false, nil
	}
	delete(s.members[room], username)
	return true, nil
}

func (s *MemoryStore) DropRoom(_ context.Context, room, admin string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[room]
	if !ok || r.Admin != admin {
		return false, nil
	}
	delete(s.rooms, room)
	delete(s.members, room)
	delete(s.roomMessages, room)
	return true, nil
}

func (s *MemoryStore) AddRoomMessage(_ context.Context, msg *model.RoomMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("store: message failed validation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[msg.Room]; !ok {
		return fmt.Errorf("store: add room message: unknown room %s", msg.Room)
	}
	msg.ID = s.nextRoomMsgID
	s.nextRoomMsgID++
	s.roomMessages[msg.Room] = append(s.roomMessages[msg.Room], *msg)
	return nil
}
