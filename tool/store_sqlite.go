package tool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteStoreSchema = `
CREATE TABLE IF NOT EXISTS tool_definitions (
	name TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`

const (
	defaultSQLiteStoreDir = ".mcpfleet"
	defaultSQLiteStoreDB  = "mcpfleet.db"
)

// SQLiteStoreConfig configures the SQLite-backed definition store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists tool definitions in SQLite as JSON payloads.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultSQLitePath returns ~/.mcpfleet/mcpfleet.db.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("tool: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultSQLiteStoreDir, defaultSQLiteStoreDB), nil
}

// NewSQLiteStore opens (or creates) a SQLite-backed definition store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("tool: sqlite store dsn is required")
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("tool: sqlite store create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tool: sqlite store open: %w", err)
	}
	if dsn == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tool: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteStoreSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tool: sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// List returns all definitions in name order.
func (s *SQLiteStore) List(ctx context.Context) ([]Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, errors.New("tool: sqlite store is nil")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT payload
FROM tool_definitions
ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("tool: sqlite list definitions: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("tool: sqlite scan definition: %w", err)
		}
		def, err := decodeDefinition(payload)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool: sqlite definition rows: %w", err)
	}
	return defs, nil
}

// Get returns a definition by name.
func (s *SQLiteStore) Get(ctx context.Context, name string) (Definition, bool, error) {
	if err := ctx.Err(); err != nil {
		return Definition{}, false, err
	}
	if s == nil || s.db == nil {
		return Definition{}, false, errors.New("tool: sqlite store is nil")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT payload
FROM tool_definitions
WHERE name = ?`, name)

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Definition{}, false, nil
		}
		return Definition{}, false, fmt.Errorf("tool: sqlite get definition: %w", err)
	}
	def, err := decodeDefinition(payload)
	if err != nil {
		return Definition{}, false, err
	}
	return def, true, nil
}

// Upsert inserts or replaces a definition by name.
func (s *SQLiteStore) Upsert(ctx context.Context, def Definition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("tool: sqlite store is nil")
	}
	if strings.TrimSpace(def.Name) == "" {
		return errors.New("tool: definition name is required")
	}

	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("tool: sqlite encode definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tool_definitions (name, payload, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	payload = excluded.payload,
	updated_at = excluded.updated_at`,
		def.Name,
		payload,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("tool: sqlite upsert definition: %w", err)
	}
	return nil
}

// Delete removes a definition by name. Deleting a missing name is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("tool: sqlite store is nil")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_definitions WHERE name = ?`, name); err != nil {
		return fmt.Errorf("tool: sqlite delete definition: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeDefinition(payload []byte) (Definition, error) {
	var def Definition
	if err := json.Unmarshal(payload, &def); err != nil {
		return Definition{}, fmt.Errorf("tool: sqlite decode definition: %w", err)
	}
	return def, nil
}
