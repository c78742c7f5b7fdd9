package presence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the document tree as one row per leaf, keyed by its full
// path. Subtree reads are range scans over the path prefix.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

var _ core.PresenceStore = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the presence database at file.
func OpenSQLite(file string) (*SQLiteStore, error) {
	if dir := filepath.Dir(file); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			path  TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	log.Info().Str("module", "presence.sqlite").Str("file", file).Msg("store opened")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, path string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	return readTx(ctx, tx, normalize(path))
}

func (s *SQLiteStore) Set(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	return s.Update(ctx, map[string]any{path: nil})
}

func (s *SQLiteStore) Update(ctx context.Context, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for p, v := range updates {
		if err := writeTx(ctx, tx, normalize(p), v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Transaction(ctx context.Context, path string, fn func(current any) (any, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path = normalize(path)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	cur, _, err := readTx(ctx, tx, path)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if err := writeTx(ctx, tx, path, next); err != nil {
		return err
	}
	return tx.Commit()
}

func normalize(path string) string {
	return strings.Join(split(path), "/")
}

// subtreeRange bounds every path strictly below prefix; '0' sorts right after '/'.
func subtreeRange(prefix string) (string, string) {
	return prefix + "/", prefix + "0"
}

func readTx(ctx context.Context, tx *sql.Tx, path string) (any, bool, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT value FROM documents WHERE path = ?`, path).Scan(&raw)
	switch {
	case err == nil:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", path, err)
		}
		return v, true, nil
	case err != sql.ErrNoRows:
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var rows *sql.Rows
	if path == "" {
		rows, err = tx.QueryContext(ctx, `SELECT path, value FROM documents`)
	} else {
		lo, hi := subtreeRange(path)
		rows, err = tx.QueryContext(ctx, `SELECT path, value FROM documents WHERE path > ? AND path < ?`, lo, hi)
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan %s: %w", path, err)
	}
	defer rows.Close()

	leaves := make(map[string]any)
	for rows.Next() {
		var p, raw string
		if err := rows.Scan(&p, &raw); err != nil {
			return nil, false, err
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", p, err)
		}
		leaves[strings.TrimPrefix(p, path)] = v
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(leaves) == 0 {
		return nil, false, nil
	}
	return inflate(leaves), true, nil
}

func writeTx(ctx context.Context, tx *sql.Tx, path string, v any) error {
	// A write replaces the node: drop the leaf itself, its subtree and any
	// ancestor leaf that would shadow it.
	if path == "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	} else {
		lo, hi := subtreeRange(path)
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE path = ? OR (path > ? AND path < ?)`, path, lo, hi); err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
		segs := split(path)
		for i := 1; i < len(segs); i++ {
			if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, strings.Join(segs[:i], "/")); err != nil {
				return fmt.Errorf("delete ancestor of %s: %w", path, err)
			}
		}
	}

	leaves := make(map[string]any)
	flatten(path, v, leaves)
	for p, leaf := range leaves {
		raw, err := json.Marshal(leaf)
		if err != nil {
			return fmt.Errorf("encode %s: %w", p, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (path, value) VALUES (?, ?)
			ON CONFLICT(path) DO UPDATE SET value = excluded.value
		`, strings.TrimPrefix(p, "/"), string(raw)); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
	}
	return nil
}
