// Package datastore is the persistence gateway of the chat server: the
// DataStore contract, its SQLite implementation and the asynchronous Gateway
// that actors use to reach it without blocking their mailbox.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/gochat/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

func (p *baseProvider) Close() error {
	return nil
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory is the SQLite DataStore. Single-statement operations run
// directly on the pool; multi-statement ones run in a transaction.
type ProviderFactory struct {
	baseProvider
	db *sql.DB
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.db,
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin tx: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// inTx runs fn in a transaction and commits when fn returns nil.
func (sf *ProviderFactory) inTx(ctx context.Context, fn func(tx DataStoreTx) error) error {
	tx, err := sf.Tx(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: commit: %w", err)
	}
	return nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
// dbPath may be ":memory:" for a throwaway database.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}

	s := &ProviderFactory{baseProvider: baseProvider{DB: db}, db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (sf *ProviderFactory) Close() error {
	return sf.db.Close()
}

func (sf *ProviderFactory) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT    NOT NULL UNIQUE CHECK(length(name) > 0 AND length(name) <= 32),
		hash       TEXT    NOT NULL,
		salt       TEXT    NOT NULL,
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS messages (
		id           TEXT    PRIMARY KEY,
		sender       TEXT    NOT NULL,
		destination  TEXT    NOT NULL,
		message      TEXT    NOT NULL,
		sending_time INTEGER NOT NULL,
		delivered    INTEGER NOT NULL DEFAULT 0 CHECK(delivered IN (0, 1))
	);

	CREATE TABLE IF NOT EXISTS rooms (
		name       TEXT PRIMARY KEY,
		admin      TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS room_members (
		room     TEXT NOT NULL REFERENCES rooms(name) ON DELETE CASCADE,
		username TEXT NOT NULL,
		PRIMARY KEY (room, username)
	);

	CREATE TABLE IF NOT EXISTS room_messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		sender       TEXT    NOT NULL,
		room         TEXT    NOT NULL REFERENCES rooms(name) ON DELETE CASCADE,
		message      TEXT    NOT NULL,
		sending_time INTEGER NOT NULL
	);
	`
	if err := sf.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := sf.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_messages_undelivered ON messages (destination, delivered, sending_time)",
				"CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender, destination, sending_time)",
				"CREATE INDEX IF NOT EXISTS idx_room_messages_room ON room_messages (room, sending_time)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := sf.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := sf.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (sf *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := sf.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := sf.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := sf.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (sf *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := sf.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (sf *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := sf.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (sf *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := sf.db.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// historyLimit maps "no limit" to SQLite's LIMIT -1.
func historyLimit(f model.HistoryFilter) int {
	if f.Limit <= 0 {
		return -1
	}
	return f.Limit
}

// ---- Accounts ----

// GetAccount retrieves an account by username.
func (s *baseProvider) GetAccount(ctx context.Context, username string) (*model.Account, error) {
	a := &model.Account{}
	var createdAt string
	err := s.QueryRowContext(ctx, "SELECT id, name, hash, salt, created_at FROM users WHERE name = ?", username).
		Scan(&a.ID, &a.Username, &a.Hash, &a.Salt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get account: %w", err)
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get account: %w", err)
	}
	a.CreatedAt = parsed
	return a, nil
}

// CreateAccount stores a new account. It validates the username first.
func (s *baseProvider) CreateAccount(ctx context.Context, username, hash, salt string) (*model.Account, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create account: %w", err)
	}
	res, err := s.ExecContext(ctx, "INSERT OR IGNORE INTO users (name, hash, salt) VALUES (?, ?, ?)", username, hash, salt)
	if err != nil {
		return nil, fmt.Errorf("datastore: create account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAccountExists
	}
	id, _ := res.LastInsertId()
	return &model.Account{
		ID:        id,
		Username:  username,
		Hash:      hash,
		Salt:      salt,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}, nil
}

// ---- Direct messages ----

func (s *baseProvider) AddDirectMessage(ctx context.Context, msg *model.DirectMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Delivered = false
	_, err := s.ExecContext(ctx,
		"INSERT INTO messages (id, sender, destination, message, sending_time, delivered) VALUES (?, ?, ?, ?, ?, 0)",
		msg.ID, msg.Sender, msg.Destination, msg.Body, msg.SentAt)
	if err != nil {
		return fmt.Errorf("datastore: add direct message: %w", err)
	}
	return nil
}

func (s *baseProvider) MarkDelivered(ctx context.Context, id string) error {
	if _, err := s.ExecContext(ctx, "UPDATE messages SET delivered = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("datastore: mark delivered: %w", err)
	}
	return nil
}

func (s *baseProvider) UndeliveredFor(ctx context.Context, username string) ([]model.DirectMessage, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT id, sender, destination, message, sending_time, delivered FROM messages
		 WHERE destination = ? AND delivered = 0
		 ORDER BY sending_time, rowid`, username)
	if err != nil {
		return nil, fmt.Errorf("datastore: undelivered: %w", err)
	}
	return scanDirectMessages(rows)
}

func (s *baseProvider) DirectHistory(ctx context.Context, a, b string, filter model.HistoryFilter) ([]model.DirectMessage, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT id, sender, destination, message, sending_time, delivered FROM messages
		 WHERE ((sender = ? AND destination = ?) OR (sender = ? AND destination = ?))
		   AND (? = 0 OR sending_time <= ?)
		 ORDER BY sending_time DESC, rowid DESC
		 LIMIT ?`,
		a, b, b, a, filter.Before, filter.Before, historyLimit(filter))
	if err != nil {
		return nil, fmt.Errorf("datastore: direct history: %w", err)
	}
	msgs, err := scanDirectMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func scanDirectMessages(rows *sql.Rows) ([]model.DirectMessage, error) {
	defer func() { _ = rows.Close() }()

	var msgs []model.DirectMessage
	for rows.Next() {
		var m model.DirectMessage
		var delivered int
		if err := rows.Scan(&m.ID, &m.Sender, &m.Destination, &m.Body, &m.SentAt, &delivered); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.Delivered = delivered != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// ---- Rooms ----

func (s *baseProvider) GetRoom(ctx context.Context, name string) (*model.Room, error) {
	r := &model.Room{}
	var createdAt string
	err := s.QueryRowContext(ctx, "SELECT name, admin, created_at FROM rooms WHERE name = ?", name).
		Scan(&r.Name, &r.Admin, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get room: %w", err)
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get room: %w", err)
	}
	r.CreatedAt = parsed
	return r, nil
}

func (s *baseProvider) ListRooms(ctx context.Context) ([]model.Room, error) {
	rows, err := s.QueryContext(ctx, "SELECT name, admin, created_at FROM rooms ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("datastore: list rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rooms []model.Room
	for rows.Next() {
		var r model.Room
		var createdAt string
		if err := rows.Scan(&r.Name, &r.Admin, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan room: %w", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan room: %w", err)
		}
		r.CreatedAt = parsed
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (s *baseProvider) RoomMembers(ctx context.Context, room string) ([]string, error) {
	rows, err := s.QueryContext(ctx, "SELECT username FROM room_members WHERE room = ? ORDER BY username", room)
	if err != nil {
		return nil, fmt.Errorf("datastore: room members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("datastore: scan member: %w", err)
		}
		members = append(members, name)
	}
	return members, rows.Err()
}

func (s *baseProvider) RoomRole(ctx context.Context, room, username string) (model.RoomRole, error) {
	var admin string
	var member int
	err := s.QueryRowContext(ctx,
		`SELECT r.admin, EXISTS(SELECT 1 FROM room_members m WHERE m.room = r.name AND m.username = ?)
		 FROM rooms r WHERE r.name = ?`, username, room).Scan(&admin, &member)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RoomRoleNone, nil
	}
	if err != nil {
		return model.RoomRoleNone, fmt.Errorf("datastore: room role: %w", err)
	}
	switch {
	case admin == username:
		return model.RoomRoleAdmin, nil
	case member != 0:
		return model.RoomRoleMember, nil
	default:
		return model.RoomRoleNone, nil
	}
}

func (s *baseProvider) RoomHistory(ctx context.Context, room string, filter model.HistoryFilter) ([]model.RoomMessage, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT id, sender, room, message, sending_time FROM room_messages
		 WHERE room = ? AND (? = 0 OR sending_time <= ?)
		 ORDER BY sending_time DESC, id DESC
		 LIMIT ?`,
		room, filter.Before, filter.Before, historyLimit(filter))
	if err != nil {
		return nil, fmt.Errorf("datastore: room history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.RoomMessage
	for rows.Next() {
		var m model.RoomMessage
		if err := rows.Scan(&m.ID, &m.Sender, &m.Room, &m.Body, &m.SentAt); err != nil {
			return nil, fmt.Errorf("datastore: scan room message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datastore: room history: %w", err)
	}
	reverse(msgs)
	return msgs, nil
}

// JoinOrCreateRoom must run inside a transaction; ProviderFactory wraps it.
func (s *baseProvider) JoinOrCreateRoom(ctx context.Context, room, username string) (bool, error) {
	if err := model.ValidateRoomName(room); err != nil {
		return false, fmt.Errorf("datastore: join room: %w", err)
	}
	res, err := s.ExecContext(ctx, "INSERT OR IGNORE INTO rooms (name, admin) VALUES (?, ?)", room, username)
	if err != nil {
		return false, fmt.Errorf("datastore: create room: %w", err)
	}
	created, _ := res.RowsAffected()
	if _, err := s.ExecContext(ctx, "INSERT OR IGNORE INTO room_members (room, username) VALUES (?, ?)", room, username); err != nil {
		return false, fmt.Errorf("datastore: add member: %w", err)
	}
	return created == 0, nil
}

func (s *baseProvider) RemoveMember(ctx context.Context, room, username string) (bool, error) {
	res, err := s.ExecContext(ctx, "DELETE FROM room_members WHERE room = ? AND username = ?", room, username)
	if err != nil {
		return false, fmt.Errorf("datastore: remove member: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DropRoom must run inside a transaction; ProviderFactory wraps it.
func (s *baseProvider) DropRoom(ctx context.Context, room, admin string) (bool, error) {
	res, err := s.ExecContext(ctx, "DELETE FROM rooms WHERE name = ? AND admin = ?", room, admin)
	if err != nil {
		return false, fmt.Errorf("datastore: drop room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	// Cascades normally cover these; delete explicitly in case foreign keys
	// are off on this connection.
	if _, err := s.ExecContext(ctx, "DELETE FROM room_members WHERE room = ?", room); err != nil {
		return false, fmt.Errorf("datastore: drop room members: %w", err)
	}
	if _, err := s.ExecContext(ctx, "DELETE FROM room_messages WHERE room = ?", room); err != nil {
		return false, fmt.Errorf("datastore: drop room messages: %w", err)
	}
	return true, nil
}

func (s *baseProvider) AddRoomMessage(ctx context.Context, msg *model.RoomMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}
	res, err := s.ExecContext(ctx,
		"INSERT INTO room_messages (sender, room, message, sending_time) VALUES (?, ?, ?, ?)",
		msg.Sender, msg.Room, msg.Body, msg.SentAt)
	if err != nil {
		return fmt.Errorf("datastore: add room message: %w", err)
	}
	msg.ID, _ = res.LastInsertId()
	return nil
}

// ---- Transactional wrappers ----

func (sf *ProviderFactory) JoinOrCreateRoom(ctx context.Context, room, username string) (bool, error) {
	var existed bool
	err := sf.inTx(ctx, func(tx DataStoreTx) error {
		var err error
		existed, err = tx.JoinOrCreateRoom(ctx, room, username)
		return err
	})
	return existed, err
}

func (sf *ProviderFactory) DropRoom(ctx context.Context, room, admin string) (bool, error) {
	var dropped bool
	err := sf.inTx(ctx, func(tx DataStoreTx) error {
		var err error
		dropped, err = tx.DropRoom(ctx, room, admin)
		return err
	})
	return dropped, err
}
