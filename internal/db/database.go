package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const roomPrefix = "room-"

type Database struct {
	db *sql.DB
}

// Session is the durable state of one collaboration buffer.
type Session struct {
	ID          string
	RoomID      string
	Language    string
	Code        string
	Title       *string
	CreatedAt   time.Time
	ExpiresAt   time.Time // fixed at creation, never extended
	LastSavedAt *time.Time
	ActiveUsers int // advisory only
}

// RoomIDFor derives the relay room key owned by a session.
func RoomIDFor(sessionID string) string {
	return roomPrefix + sessionID
}

// SessionIDFromRoom is the inverse of RoomIDFor. Room keys without the
// prefix do not belong to any session.
func SessionIDFromRoom(roomID string) (string, bool) {
	id, ok := strings.CutPrefix(roomID, roomPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// IsExpired compares the stored expiry against now. Both are absolute
// instants; timestamps stored without a zone were already read as UTC.
func IsExpired(s *Session, now time.Time) bool {
	return now.After(s.ExpiresAt)
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("database initialized", "path", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		language TEXT NOT NULL,
		code TEXT NOT NULL,
		title TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		last_saved_at TEXT,
		active_users INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_room_id ON sessions(room_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Session operations

func (d *Database) CreateSession(ctx context.Context, s Session) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, room_id, language, code, title, created_at, expires_at, last_saved_at, active_users)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.RoomID, s.Language, s.Code, nullString(s.Title),
		formatTime(s.CreatedAt), formatTime(s.ExpiresAt), nullTime(s.LastSavedAt), s.ActiveUsers)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

// FindByID returns nil, nil when the session does not exist.
func (d *Database) FindByID(ctx context.Context, id string) (*Session, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT session_id, room_id, language, code, title, created_at, expires_at, last_saved_at, active_users
		FROM sessions WHERE session_id = ?
	`, id)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session %s: %w", id, err)
	}
	return s, nil
}

// SaveCode replaces the buffer and stamps last_saved_at. It returns nil, nil
// when the session does not exist.
func (d *Database) SaveCode(ctx context.Context, id, code string, savedAt time.Time) (*Session, error) {
	result, err := d.db.ExecContext(ctx,
		"UPDATE sessions SET code = ?, last_saved_at = ? WHERE session_id = ?",
		code, formatTime(savedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("save code for %s: %w", id, err)
	}
	n, err := rowsAffected(result, "save code for", id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return d.FindByID(ctx, id)
}

func (d *Database) DeleteByID(ctx context.Context, id string) (bool, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	n, err := rowsAffected(result, "delete session", id)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func rowsAffected(result sql.Result, op, id string) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s %s: rows affected: %w", op, id, err)
	}
	return n, nil
}

// DeleteExpired removes every session whose expiry is before now, inside a
// single transaction. Expiry is compared after parsing so rows written with
// or without a zone are treated alike.
func (d *Database) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT session_id, expires_at FROM sessions")
	if err != nil {
		return 0, fmt.Errorf("scan expiries: %w", err)
	}

	var expired []string
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		expiresAt, err := parseTime(raw)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("session %s: %w", id, err)
		}
		if expiresAt.Before(now) {
			expired = append(expired, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	var deleted int64
	for _, id := range expired {
		result, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", id)
		if err != nil {
			return 0, fmt.Errorf("delete expired %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return deleted, nil
}

func (d *Database) CountSessions(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s                      Session
		title, lastSaved       sql.NullString
		createdRaw, expiresRaw string
	)
	if err := row.Scan(&s.ID, &s.RoomID, &s.Language, &s.Code, &title, &createdRaw, &expiresRaw, &lastSaved, &s.ActiveUsers); err != nil {
		return nil, err
	}

	var err error
	if s.CreatedAt, err = parseTime(createdRaw); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = parseTime(expiresRaw); err != nil {
		return nil, err
	}
	if title.Valid {
		t := title.String
		s.Title = &t
	}
	if lastSaved.Valid {
		ts, err := parseTime(lastSaved.String)
		if err != nil {
			return nil, err
		}
		s.LastSavedAt = &ts
	}
	return &s, nil
}

const storedLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Accepted on read, in order. Layouts without a zone parse as UTC.
var readLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func formatTime(t time.Time) string {
	return t.UTC().Format(storedLayout)
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range readLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
