// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// RoomRecord is the persisted correlation between a Discord channel and a
// Matrix room. MatrixID is empty while the room is unbridged; the record
// itself survives unbridging so auxiliary data is kept.
type RoomRecord struct {
	Key       string
	MatrixID  id.RoomID
	ChannelID string
	GuildID   string
	Private   bool
	Manual    bool
	// Data is an open attribute map. Webhook puppet mappings are stored
	// here under "webhook-<mxid>" keys.
	Data map[string]string
}

// Bridged reports whether the record currently has a Matrix room attached.
func (r *RoomRecord) Bridged() bool {
	return r != nil && r.MatrixID != ""
}

// UserRecord caches the profile of a Discord user that has been seen in a
// bridged channel. Name and Avatar mirror the last values pushed to the
// user's Matrix ghost.
type UserRecord struct {
	DiscordID string
	Name      string
	Avatar    string
	LastSync  time.Time
}

// Store is the persistent entity store the bridge components share. All
// lookups report absence as (zero, false, nil) rather than an error.
type Store interface {
	GetRoom(ctx context.Context, key string) (*RoomRecord, bool, error)
	GetRoomByMatrixID(ctx context.Context, matrixID id.RoomID) (*RoomRecord, bool, error)
	GetRoomByChannelID(ctx context.Context, channelID string) (*RoomRecord, bool, error)
	PutRoom(ctx context.Context, room *RoomRecord) error
	DeleteRoom(ctx context.Context, key string) error
	RoomExists(ctx context.Context, key string) (bool, error)

	GetUser(ctx context.Context, discordID string) (*UserRecord, bool, error)
	PutUser(ctx context.Context, user *UserRecord) error
	UserExists(ctx context.Context, discordID string) (bool, error)
	AllUsers(ctx context.Context) ([]*UserRecord, error)

	GetExtra(ctx context.Context, key string) (string, bool, error)
	PutExtra(ctx context.Context, key, value string) error
	DeleteExtra(ctx context.Context, key string) error
}

// SQLStore implements Store on top of a dbutil SQLite database.
type SQLStore struct {
	db *dbutil.Database
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an existing database handle and ensures the schema.
func NewSQLStore(ctx context.Context, db *dbutil.Database) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return s, nil
}

// OpenSQLStore opens (or creates) the SQLite database at path.
func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	raw, err := sql.Open("sqlite3", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	return NewSQLStore(ctx, db)
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) init(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rooms (
			room_key   TEXT PRIMARY KEY,
			matrix_id  TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL,
			guild_id   TEXT NOT NULL,
			private    INTEGER NOT NULL DEFAULT 0,
			manual     INTEGER NOT NULL DEFAULT 0,
			data       TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS rooms_matrix_id_idx ON rooms (matrix_id);
		CREATE INDEX IF NOT EXISTS rooms_channel_id_idx ON rooms (channel_id);
		CREATE TABLE IF NOT EXISTS users (
			discord_id TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			avatar     TEXT NOT NULL DEFAULT '',
			last_sync  INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS bridge_kv (
			kv_key   TEXT PRIMARY KEY,
			kv_value TEXT NOT NULL
		);
	`)
	return err
}

const roomColumns = "room_key, matrix_id, channel_id, guild_id, private, manual, data"

func (s *SQLStore) scanRoom(row dbutil.Scannable) (*RoomRecord, bool, error) {
	var room RoomRecord
	var matrixID, data string
	err := row.Scan(&room.Key, &matrixID, &room.ChannelID, &room.GuildID, &room.Private, &room.Manual, &data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	room.MatrixID = id.RoomID(matrixID)
	if err = json.Unmarshal([]byte(data), &room.Data); err != nil {
		return nil, false, fmt.Errorf("failed to decode room data for %s: %w", room.Key, err)
	}
	if room.Data == nil {
		room.Data = make(map[string]string)
	}
	return &room, true, nil
}

func (s *SQLStore) GetRoom(ctx context.Context, key string) (*RoomRecord, bool, error) {
	return s.scanRoom(s.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE room_key=$1`, key))
}

func (s *SQLStore) GetRoomByMatrixID(ctx context.Context, matrixID id.RoomID) (*RoomRecord, bool, error) {
	return s.scanRoom(s.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE matrix_id=$1 AND matrix_id<>''`, string(matrixID)))
}

func (s *SQLStore) GetRoomByChannelID(ctx context.Context, channelID string) (*RoomRecord, bool, error) {
	return s.scanRoom(s.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE channel_id=$1`, channelID))
}

func (s *SQLStore) PutRoom(ctx context.Context, room *RoomRecord) error {
	if room.Data == nil {
		room.Data = make(map[string]string)
	}
	data, err := json.Marshal(room.Data)
	if err != nil {
		return fmt.Errorf("failed to encode room data: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO rooms (room_key, matrix_id, channel_id, guild_id, private, manual, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_key) DO UPDATE
			SET matrix_id=excluded.matrix_id, channel_id=excluded.channel_id,
			    guild_id=excluded.guild_id, private=excluded.private,
			    manual=excluded.manual, data=excluded.data
	`, room.Key, string(room.MatrixID), room.ChannelID, room.GuildID, room.Private, room.Manual, string(data))
	return err
}

func (s *SQLStore) DeleteRoom(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM rooms WHERE room_key=$1`, key)
	return err
}

func (s *SQLStore) RoomExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM rooms WHERE room_key=$1)`, key).Scan(&exists)
	return exists, err
}

func (s *SQLStore) GetUser(ctx context.Context, discordID string) (*UserRecord, bool, error) {
	var user UserRecord
	var lastSync int64
	row := s.db.QueryRow(ctx, `SELECT discord_id, name, avatar, last_sync FROM users WHERE discord_id=$1`, discordID)
	err := row.Scan(&user.DiscordID, &user.Name, &user.Avatar, &lastSync)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	user.LastSync = time.UnixMilli(lastSync)
	return &user, true, nil
}

func (s *SQLStore) PutUser(ctx context.Context, user *UserRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (discord_id, name, avatar, last_sync)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (discord_id) DO UPDATE
			SET name=excluded.name, avatar=excluded.avatar, last_sync=excluded.last_sync
	`, user.DiscordID, user.Name, user.Avatar, user.LastSync.UnixMilli())
	return err
}

func (s *SQLStore) UserExists(ctx context.Context, discordID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE discord_id=$1)`, discordID).Scan(&exists)
	return exists, err
}

func (s *SQLStore) AllUsers(ctx context.Context) ([]*UserRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT discord_id, name, avatar, last_sync FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []*UserRecord
	for rows.Next() {
		var user UserRecord
		var lastSync int64
		if err = rows.Scan(&user.DiscordID, &user.Name, &user.Avatar, &lastSync); err != nil {
			return nil, err
		}
		user.LastSync = time.UnixMilli(lastSync)
		users = append(users, &user)
	}
	return users, rows.Err()
}

func (s *SQLStore) GetExtra(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT kv_value FROM bridge_kv WHERE kv_key=$1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLStore) PutExtra(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bridge_kv (kv_key, kv_value) VALUES ($1, $2)
		ON CONFLICT (kv_key) DO UPDATE SET kv_value=excluded.kv_value
	`, key, value)
	return err
}

func (s *SQLStore) DeleteExtra(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM bridge_kv WHERE kv_key=$1`, key)
	return err
}

// keyedLocks provides per-key mutual exclusion for read-modify-write cycles
// on room and user records. Two events touching the same record serialize;
// unrelated keys do not contend. The zero value is ready to use.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns the corresponding unlock
// function.
func (kl *keyedLocks) Lock(key string) func() {
	kl.mu.Lock()
	if kl.locks == nil {
		kl.locks = make(map[string]*keyedLock)
	}
	entry, ok := kl.locks[key]
	if !ok {
		entry = &keyedLock{}
		kl.locks[key] = entry
	}
	entry.refs++
	kl.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		kl.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(kl.locks, key)
		}
		kl.mu.Unlock()
	}
}
