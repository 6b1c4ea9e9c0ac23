// SQLite-backed store for sessions and one-time codes.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/CarePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadSession(identity string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT identity, state, data, last_activity, version, created_at, updated_at
		 FROM sessions WHERE identity = ?`, identity)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore LoadSession not found", "identity", identity)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LoadSession failed", "error", err, "identity", identity)
		return nil, models.Fatal("store.LoadSession", err)
	}
	return sess, nil
}

func (s *SQLiteStore) CreateSessionIfAbsent(identity string) (*models.Session, error) {
	if sess, err := s.LoadSession(identity); err != nil || sess != nil {
		return sess, err
	}
	sess := newSession(identity, time.Now())
	dataJSON, err := json.Marshal(sess.Data)
	if err != nil {
		return nil, models.Fatal("store.CreateSessionIfAbsent", err)
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO sessions (identity, state, data, last_activity, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.Identity, sess.State, string(dataJSON), sess.LastActivity, sess.Version, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateSessionIfAbsent insert failed", "error", err, "identity", identity)
		return nil, models.Fatal("store.CreateSessionIfAbsent", err)
	}
	// Re-read: a concurrent insert may have won the race.
	return s.LoadSession(identity)
}

func (s *SQLiteStore) SaveSession(sess *models.Session) error {
	dataJSON, err := json.Marshal(sess.Data)
	if err != nil {
		return models.Fatal("store.SaveSession", err)
	}
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE sessions SET state = ?, data = ?, last_activity = ?, version = version + 1, updated_at = ?
		 WHERE identity = ? AND version = ?`,
		sess.State, string(dataJSON), sess.LastActivity, now, sess.Identity, sess.Version)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "identity", sess.Identity)
		return models.Fatal("store.SaveSession", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Fatal("store.SaveSession", err)
	}
	if n == 0 {
		slog.Warn("SQLiteStore SaveSession version conflict", "identity", sess.Identity, "version", sess.Version)
		return models.Conflict("store.SaveSession", sess.Identity)
	}
	sess.Version++
	sess.UpdatedAt = now
	slog.Debug("SQLiteStore SaveSession succeeded", "identity", sess.Identity, "state", sess.State, "version", sess.Version)
	return nil
}

func (s *SQLiteStore) SaveCode(c models.OneTimeCode) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO one_time_codes (address, purpose, code, status, used_at, expires_at, created_at, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Address, c.Purpose, c.Code, c.Status, c.UsedAt, c.ExpiresAt, c.CreatedAt, nilIfEmpty(c.Meta))
	if err != nil {
		slog.Error("SQLiteStore SaveCode failed", "error", err, "address", c.Address, "purpose", c.Purpose)
		return models.Fatal("store.SaveCode", err)
	}
	slog.Debug("SQLiteStore SaveCode succeeded", "address", c.Address, "purpose", c.Purpose, "status", c.Status)
	return nil
}

func (s *SQLiteStore) GetCode(address string, purpose models.CodePurpose, code string) (*models.OneTimeCode, error) {
	row := s.db.QueryRow(
		`SELECT address, purpose, code, status, used_at, expires_at, created_at, meta
		 FROM one_time_codes WHERE address = ? AND purpose = ? AND code = ?`,
		address, purpose, code)
	c, err := scanCode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetCode failed", "error", err, "address", address, "purpose", purpose)
		return nil, models.Fatal("store.GetCode", err)
	}
	return c, nil
}

func (s *SQLiteStore) SupersedeIssuedCodes(address string, purpose models.CodePurpose) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE one_time_codes SET status = ? WHERE address = ? AND purpose = ? AND status = ?`,
		models.CodeStatusSuperseded, address, purpose, models.CodeStatusIssued)
	if err != nil {
		slog.Error("SQLiteStore SupersedeIssuedCodes failed", "error", err, "address", address, "purpose", purpose)
		return 0, models.Fatal("store.SupersedeIssuedCodes", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore SupersedeIssuedCodes invalidated codes", "address", address, "purpose", purpose, "count", n)
	}
	return n, nil
}

func (s *SQLiteStore) MarkCodeConsumed(address string, purpose models.CodePurpose, code string, usedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE one_time_codes SET status = ?, used_at = ?
		 WHERE address = ? AND purpose = ? AND code = ? AND status = ?`,
		models.CodeStatusConsumed, usedAt, address, purpose, code, models.CodeStatusIssued)
	if err != nil {
		slog.Error("SQLiteStore MarkCodeConsumed failed", "error", err, "address", address, "purpose", purpose)
		return models.Fatal("store.MarkCodeConsumed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Fatal("store.MarkCodeConsumed", err)
	}
	if n == 0 {
		return models.Conflict("store.MarkCodeConsumed", address)
	}
	return nil
}

func (s *SQLiteStore) UnconsumeCode(address string, purpose models.CodePurpose) error {
	res, err := s.db.Exec(
		`UPDATE one_time_codes SET status = ?, used_at = NULL
		 WHERE address = ? AND purpose = ? AND status = ?
		 AND created_at = (SELECT MAX(created_at) FROM one_time_codes
		                   WHERE address = ? AND purpose = ? AND status = ?)`,
		models.CodeStatusIssued, address, purpose, models.CodeStatusConsumed,
		address, purpose, models.CodeStatusConsumed)
	if err != nil {
		slog.Error("SQLiteStore UnconsumeCode failed", "error", err, "address", address, "purpose", purpose)
		return models.Fatal("store.UnconsumeCode", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Fatal("store.UnconsumeCode", err)
	}
	if n == 0 {
		return models.NotFound("store.UnconsumeCode", "consumed code")
	}
	slog.Info("SQLiteStore UnconsumeCode restored code", "address", address, "purpose", purpose)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
