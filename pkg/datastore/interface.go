package datastore

import (
	"context"
	"errors"

	"github.com/NicolasHaas/gochat/pkg/model"
)

// ErrAccountExists is returned by CreateAccount when the username is taken.
var ErrAccountExists = errors.New("datastore: account already exists")

// DataProviderFactory hands out transactional and non-transactional views of
// a SQL-backed store.
type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for accounts, direct messages
// and rooms. Implementations include the SQLite store in this package and
// the in-memory store in pkg/store. All methods are safe for concurrent use.
type DataStore interface {
	AccountReadProvider
	AccountWriteProvider

	DirectMessageReadProvider
	DirectMessageWriteProvider

	RoomReadProvider
	RoomWriteProvider

	Close() error
}

// Compile-time check: *ProviderFactory implements DataStore.
var (
	_ DataProviderFactory = (*ProviderFactory)(nil)
	_ DataStore           = (*ProviderFactory)(nil)
)

type AccountReadProvider interface {
	// GetAccount returns nil, nil when the username is unknown.
	GetAccount(ctx context.Context, username string) (*model.Account, error)
}

type AccountWriteProvider interface {
	CreateAccount(ctx context.Context, username, hash, salt string) (*model.Account, error)
}

type DirectMessageReadProvider interface {
	// UndeliveredFor returns messages addressed to username that were never
	// acknowledged, oldest first.
	UndeliveredFor(ctx context.Context, username string) ([]model.DirectMessage, error)
	// DirectHistory returns the conversation between a and b in both
	// directions, oldest first.
	DirectHistory(ctx context.Context, a, b string, filter model.HistoryFilter) ([]model.DirectMessage, error)
}

type DirectMessageWriteProvider interface {
	// AddDirectMessage stores msg as undelivered and assigns its ID when empty.
	AddDirectMessage(ctx context.Context, msg *model.DirectMessage) error
	// MarkDelivered sets the delivered flag. There is no way to clear it.
	MarkDelivered(ctx context.Context, id string) error
}

type RoomReadProvider interface {
	GetRoom(ctx context.Context, name string) (*model.Room, error)
	ListRooms(ctx context.Context) ([]model.Room, error)
	RoomMembers(ctx context.Context, room string) ([]string, error)
	RoomRole(ctx context.Context, room, username string) (model.RoomRole, error)
	RoomHistory(ctx context.Context, room string, filter model.HistoryFilter) ([]model.RoomMessage, error)
}

type RoomWriteProvider interface {
	// JoinOrCreateRoom adds username to room, creating the room with username
	// as admin when it does not exist. It reports whether the room existed.
	JoinOrCreateRoom(ctx context.Context, room, username string) (bool, error)
	// RemoveMember reports false when username was not a member.
	RemoveMember(ctx context.Context, room, username string) (bool, error)
	// DropRoom deletes room with its members and history, only when admin is
	// its admin.
	DropRoom(ctx context.Context, room, admin string) (bool, error)
	AddRoomMessage(ctx context.Context, msg *model.RoomMessage) error
}
