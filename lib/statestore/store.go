// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/keel/lib/codec"
	"github.com/bureau-foundation/keel/lib/envoverride"
	"github.com/bureau-foundation/keel/lib/instance"
	"github.com/bureau-foundation/keel/lib/sqlitepool"
)

// Settings keys. The settings table is a small key/value space for
// scalar launcher state.
const (
	keyOperationVersion = "operation_version"
	keyOverrideEnvVars  = "override_env_vars"
	keyOnlineTime       = "online_time"
)

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	service_id   TEXT    NOT NULL,
	subject_id   TEXT    NOT NULL,
	instance     INTEGER NOT NULL,
	uid          INTEGER NOT NULL,
	priority     INTEGER NOT NULL,
	storage_path TEXT    NOT NULL,
	state_path   TEXT    NOT NULL,
	limits       BLOB    NOT NULL,
	PRIMARY KEY (service_id, subject_id, instance)
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value ANY
);
`

// Store is a SQLite-backed implementation of the launcher's storage
// contract. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open creates or opens the database at path and ensures the schema
// exists. The caller must Close the store when done.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("statestore: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// AddInstance stores a new instance record. Fails when a record with
// the same ident already exists.
func (s *Store) AddInstance(info instance.Info) error {
	limits, err := codec.Marshal(info.Limits)
	if err != nil {
		return fmt.Errorf("statestore: encoding limits for %s: %w", info.Ident, err)
	}

	return s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO instances
				(service_id, subject_id, instance, uid, priority, storage_path, state_path, limits)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					info.Ident.ServiceID, info.Ident.SubjectID, int64(info.Ident.Instance),
					int64(info.UID), int64(info.Priority),
					info.StoragePath, info.StatePath, limits,
				},
			})
		if err != nil {
			return fmt.Errorf("statestore: adding instance %s: %w", info.Ident, err)
		}
		return nil
	})
}

// UpdateInstance replaces a previously stored record. Fails when no
// record with the ident exists.
func (s *Store) UpdateInstance(info instance.Info) error {
	limits, err := codec.Marshal(info.Limits)
	if err != nil {
		return fmt.Errorf("statestore: encoding limits for %s: %w", info.Ident, err)
	}

	return s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			UPDATE instances
			SET uid = ?, priority = ?, storage_path = ?, state_path = ?, limits = ?
			WHERE service_id = ? AND subject_id = ? AND instance = ?`,
			&sqlitex.ExecOptions{
				Args: []any{
					int64(info.UID), int64(info.Priority),
					info.StoragePath, info.StatePath, limits,
					info.Ident.ServiceID, info.Ident.SubjectID, int64(info.Ident.Instance),
				},
			})
		if err != nil {
			return fmt.Errorf("statestore: updating instance %s: %w", info.Ident, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("statestore: updating instance %s: no such record", info.Ident)
		}
		return nil
	})
}

// RemoveInstance deletes a stored record. Removing an absent record
// is not an error.
func (s *Store) RemoveInstance(id instance.Ident) error {
	return s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			DELETE FROM instances
			WHERE service_id = ? AND subject_id = ? AND instance = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id.ServiceID, id.SubjectID, int64(id.Instance)},
			})
		if err != nil {
			return fmt.Errorf("statestore: removing instance %s: %w", id, err)
		}
		return nil
	})
}

// Instances returns all stored records, ordered by ident.
func (s *Store) Instances() ([]instance.Info, error) {
	var infos []instance.Info
	err := s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT service_id, subject_id, instance, uid, priority, storage_path, state_path, limits
			FROM instances
			ORDER BY service_id, subject_id, instance`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					info := instance.Info{
						Ident: instance.Ident{
							ServiceID: stmt.ColumnText(0),
							SubjectID: stmt.ColumnText(1),
							Instance:  uint64(stmt.ColumnInt64(2)),
						},
						UID:         uint32(stmt.ColumnInt64(3)),
						Priority:    uint64(stmt.ColumnInt64(4)),
						StoragePath: stmt.ColumnText(5),
						StatePath:   stmt.ColumnText(6),
					}
					limits := make([]byte, stmt.ColumnLen(7))
					stmt.ColumnBytes(7, limits)
					if err := codec.Unmarshal(limits, &info.Limits); err != nil {
						return fmt.Errorf("decoding limits for %s: %w", info.Ident, err)
					}
					infos = append(infos, info)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("statestore: reading instances: %w", err)
	}
	return infos, nil
}

// OperationVersion returns the persisted operation version, or 0 when
// none has been stored.
func (s *Store) OperationVersion() (uint64, error) {
	var version uint64
	err := s.readSetting(keyOperationVersion, func(stmt *sqlite.Stmt) {
		version = uint64(stmt.ColumnInt64(0))
	})
	if err != nil {
		return 0, fmt.Errorf("statestore: reading operation version: %w", err)
	}
	return version, nil
}

// SetOperationVersion stores the operation version.
func (s *Store) SetOperationVersion(version uint64) error {
	if err := s.writeSetting(keyOperationVersion, int64(version)); err != nil {
		return fmt.Errorf("statestore: storing operation version: %w", err)
	}
	return nil
}

// OverrideEnvVars returns the persisted override set, or an empty set
// when none has been stored.
func (s *Store) OverrideEnvVars() ([]envoverride.Override, error) {
	var blob []byte
	err := s.readSetting(keyOverrideEnvVars, func(stmt *sqlite.Stmt) {
		blob = make([]byte, stmt.ColumnLen(0))
		stmt.ColumnBytes(0, blob)
	})
	if err != nil {
		return nil, fmt.Errorf("statestore: reading override env vars: %w", err)
	}
	if len(blob) == 0 {
		return nil, nil
	}

	var overrides []envoverride.Override
	if err := codec.Unmarshal(blob, &overrides); err != nil {
		return nil, fmt.Errorf("statestore: decoding override env vars: %w", err)
	}
	return overrides, nil
}

// SetOverrideEnvVars stores the override set as one CBOR blob.
func (s *Store) SetOverrideEnvVars(overrides []envoverride.Override) error {
	blob, err := codec.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("statestore: encoding override env vars: %w", err)
	}
	if err := s.writeSetting(keyOverrideEnvVars, blob); err != nil {
		return fmt.Errorf("statestore: storing override env vars: %w", err)
	}
	return nil
}

// OnlineTime returns the node's last recorded online time, or the
// zero time when none has been stored.
func (s *Store) OnlineTime() (time.Time, error) {
	var text string
	err := s.readSetting(keyOnlineTime, func(stmt *sqlite.Stmt) {
		text = stmt.ColumnText(0)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("statestore: reading online time: %w", err)
	}
	if text == "" {
		return time.Time{}, nil
	}

	online, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, fmt.Errorf("statestore: parsing online time %q: %w", text, err)
	}
	return online, nil
}

// SetOnlineTime stores the node's online time.
func (s *Store) SetOnlineTime(t time.Time) error {
	if err := s.writeSetting(keyOnlineTime, t.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("statestore: storing online time: %w", err)
	}
	return nil
}

// withConn borrows a pooled connection for the duration of fn.
func (s *Store) withConn(fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// readSetting reads one settings row, calling read with the value
// column when the row exists.
func (s *Store) readSetting(key string, read func(stmt *sqlite.Stmt)) error {
	return s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM settings WHERE key = ?`,
			&sqlitex.ExecOptions{
				Args: []any{key},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					read(stmt)
					return nil
				},
			})
	})
}

// writeSetting upserts one settings row.
func (s *Store) writeSetting(key string, value any) error {
	return s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			&sqlitex.ExecOptions{Args: []any{key, value}})
	})
}
