package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/model"
)

// RoomYAML represents a room in the rooms seed file.
type RoomYAML struct {
	Name    string   `yaml:"name"`
	Admin   string   `yaml:"admin"`
	Members []string `yaml:"members,omitempty"`
}

// RoomsConfig is the top-level YAML for rooms.
type RoomsConfig struct {
	Rooms []RoomYAML `yaml:"rooms"`
}

// LoadRoomsFromYAML reads a rooms YAML file and creates missing rooms.
func LoadRoomsFromYAML(ctx context.Context, path string, st datastore.DataStore) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read rooms config: %w", err)
	}
	return ImportRoomsFromYAML(ctx, data, st)
}

// ImportRoomsFromYAML parses YAML data and creates rooms and memberships.
// Existing rooms keep their admin; listed members are added. When st hands
// out transactions each room is imported atomically.
func ImportRoomsFromYAML(ctx context.Context, data []byte, st datastore.DataStore) error {
	var cfg RoomsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse rooms config: %w", err)
	}

	imported := 0
	for _, r := range cfg.Rooms {
		if err := ensureRoom(ctx, st, r); err != nil {
			slog.Error("failed to create room from config", "room", r.Name, "err", err)
			continue
		}
		imported++
	}

	slog.Info("imported rooms from YAML", "count", imported)
	return nil
}

func ensureRoom(ctx context.Context, st datastore.DataStore, r RoomYAML) error {
	if err := model.ValidateRoomName(r.Name); err != nil {
		return err
	}
	if err := model.ValidateUsername(r.Admin); err != nil {
		return fmt.Errorf("admin: %w", err)
	}

	factory, ok := st.(datastore.DataProviderFactory)
	if !ok {
		return seedRoom(ctx, st, r)
	}
	tx, err := factory.Tx(ctx)
	if err != nil {
		return err
	}
	if err := seedRoom(ctx, tx, r); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func seedRoom(ctx context.Context, st datastore.DataStore, r RoomYAML) error {
	existed, err := st.JoinOrCreateRoom(ctx, r.Name, r.Admin)
	if err != nil {
		return err
	}
	for _, m := range lo.Uniq(r.Members) {
		if err := model.ValidateUsername(m); err != nil {
			return fmt.Errorf("member %q: %w", m, err)
		}
		if _, err := st.JoinOrCreateRoom(ctx, r.Name, m); err != nil {
			return err
		}
	}
	if !existed {
		slog.Debug("created room from config", "room", r.Name, "admin", r.Admin)
	}
	return nil
}

// ExportRoomsYAML exports all rooms with their members as YAML.
func ExportRoomsYAML(ctx context.Context, st datastore.DataStore) ([]byte, error) {
	rooms, err := st.ListRooms(ctx)
	if err != nil {
		return nil, err
	}

	cfg := RoomsConfig{Rooms: make([]RoomYAML, 0, len(rooms))}
	for _, r := range rooms {
		members, err := st.RoomMembers(ctx, r.Name)
		if err != nil {
			return nil, err
		}
		cfg.Rooms = append(cfg.Rooms, RoomYAML{
			Name:    r.Name,
			Admin:   r.Admin,
			Members: lo.Without(members, r.Admin),
		})
	}
	return yaml.Marshal(&cfg)
}
