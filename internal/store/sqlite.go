package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"mirrorbot/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ ActivityStore = (*SQLiteStore)(nil)
var _ StatusStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS activity (
	activity_id TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	info        TEXT,
	message     TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_created_at ON activity (created_at);
CREATE TABLE IF NOT EXISTS bot (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	status     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteStore implements ActivityStore and StatusStore backed by a SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// tables and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("database path is empty")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// ActivityStore implementation
// ---------------------------------------------------------------------------

// AppendActivity inserts an activity. Info is stored as JSON.
func (s *SQLiteStore) AppendActivity(ctx context.Context, a domain.Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var info sql.NullString
	if a.Info != nil {
		data, err := json.Marshal(a.Info)
		if err != nil {
			return fmt.Errorf("marshal activity info: %w", err)
		}
		info = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity (activity_id, type, info, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, string(a.Type), info, a.Message, a.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivities returns the most recent activities, newest first.
func (s *SQLiteStore) ListActivities(ctx context.Context, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		return []domain.Activity{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT activity_id, type, info, message, created_at FROM activity ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	out := []domain.Activity{}
	for rows.Next() {
		var (
			a       domain.Activity
			typ     string
			info    sql.NullString
			created int64
		)
		if err := rows.Scan(&a.ID, &typ, &info, &a.Message, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Type = domain.ActivityType(typ)
		a.CreatedAt = time.Unix(0, created).UTC()
		if info.Valid {
			if err := json.Unmarshal([]byte(info.String), &a.Info); err != nil {
				return nil, fmt.Errorf("unmarshal activity info: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// StatusStore implementation
// ---------------------------------------------------------------------------

// LoadStatus returns the saved status, or off when the bot row is missing.
func (s *SQLiteStore) LoadStatus(ctx context.Context) (domain.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM bot WHERE id = 1`).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StatusOff, nil
	}
	if err != nil {
		return "", fmt.Errorf("read bot status: %w", err)
	}
	return domain.Status(status), nil
}

// SaveStatus upserts the single bot row.
func (s *SQLiteStore) SaveStatus(ctx context.Context, status domain.Status) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot (id, status, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		string(status), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("write bot status: %w", err)
	}
	return nil
}
