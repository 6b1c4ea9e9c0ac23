// PostgreSQL-backed store for sessions and one-time codes.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CarePipe/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LoadSession(identity string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT identity, state, data, last_activity, version, created_at, updated_at
		 FROM sessions WHERE identity = $1`, identity)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore LoadSession not found", "identity", identity)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LoadSession failed", "error", err, "identity", identity)
		return nil, models.Fatal("store.LoadSession", err)
	}
	return sess, nil
}

func (s *PostgresStore) CreateSessionIfAbsent(identity string) (*models.Session, error) {
	if sess, err := s.LoadSession(identity); err != nil || sess != nil {
		return sess, err
	}
	sess := newSession(identity, time.Now())
	dataJSON, err := json.Marshal(sess.Data)
	if err != nil {
		return nil, models.Fatal("store.CreateSessionIfAbsent", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (identity, state, data, last_activity, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (identity) DO NOTHING`,
		sess.Identity, sess.State, string(dataJSON), sess.LastActivity, sess.Version, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateSessionIfAbsent insert failed", "error", err, "identity", identity)
		return nil, models.Fatal("store.CreateSessionIfAbsent", err)
	}
	return s.LoadSession(identity)
}

func (s *PostgresStore) SaveSession(sess *models.Session) error {
	dataJSON, err := json.Marshal(sess.Data)
	if err != nil {
		return models.Fatal("store.SaveSession", err)
	}
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE sessions SET state = $1, data = $2, last_activity = $3, version = version + 1, updated_at = $4
		 WHERE identity = $5 AND version = $6`,
		sess.State, string(dataJSON), sess.LastActivity, now, sess.Identity, sess.Version)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "identity", sess.Identity)
		return models.Fatal("store.SaveSession", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Fatal("store.SaveSession", err)
	}
	if n == 0 {
		slog.Warn("PostgresStore SaveSession version conflict", "identity", sess.Identity, "version", sess.Version)
		return models.Conflict("store.SaveSession", sess.Identity)
	}
	sess.Version++
	sess.UpdatedAt = now
	slog.Debug("PostgresStore SaveSession succeeded", "identity", sess.Identity, "state", sess.State, "version", sess.Version)
	return nil
}

func (s *PostgresStore) SaveCode(c models.OneTimeCode) error {
	_, err := s.db.Exec(
		`INSERT INTO one_time_codes (address, purpose, code, status, used_at, expires_at, created_at, meta)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (address, purpose, code) DO UPDATE
		 SET status = EXCLUDED.status, used_at = EXCLUDED.used_at,
		     expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at, meta = EXCLUDED.meta`,
		c.Address, c.Purpose, c.Code, c.Status, c.UsedAt, c.ExpiresAt, c.CreatedAt, nilIfEmpty(c.Meta))
	if err != nil {
		slog.Error("PostgresStore SaveCode failed", "error", err, "address", c.Address, "purpose", c.Purpose)
		return models.Fatal("store.SaveCode", err)
	}
	slog.Debug("PostgresStore SaveCode succeeded", "address", c.Address, "purpose", c.Purpose, "status", c.Status)
	return nil
}

func (s *PostgresStore) GetCode(address string, purpose models.CodePurpose, code string) (*models.OneTimeCode, error) {
	row := s.db.QueryRow(
		`SELECT address, purpose, code, status, used_at, expires_at, created_at, meta
		 FROM one_time_codes WHERE address = $1 AND purpose = $2 AND code = $3`,
		address, purpose, code)
	c, err := scanCode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetCode failed", "error", err, "address", address, "purpose", purpose)
		return nil, models.Fatal("store.GetCode", err)
	}
	return c, nil
}

func (s *PostgresStore) SupersedeIssuedCodes(address string, purpose models.CodePurpose) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE one_time_codes SET status = $1 WHERE address = $2 AND purpose = $3 AND status = $4`,
		models.CodeStatusSuperseded, address, purpose, models.CodeStatusIssued)
	if err != nil {
		slog.Error("PostgresStore SupersedeIssuedCodes failed", "error", err, "address", address, "purpose", purpose)
		return 0, models.Fatal("store.SupersedeIssuedCodes", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore SupersedeIssuedCodes invalidated codes", "address", address, "purpose", purpose, "count", n)
	}
	return n, nil
}

func (s *PostgresStore) MarkCodeConsumed(address string, purpose models.CodePurpose, code string, usedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE one_time_codes SET status = $1, used_at = $2
		 WHERE address = $3 AND purpose = $4 AND code = $5 AND status = $6`,
		models.CodeStatusConsumed, usedAt, address, purpose, code, models.CodeStatusIssued)
	if err != nil {
		slog.Error("PostgresStore MarkCodeConsumed failed", "error", err, "address", address, "purpose", purpose)
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

func (s *PostgresStore) UnconsumeCode(address string, purpose models.CodePurpose) error {
	res, err := s.db.Exec(
		`UPDATE one_time_codes SET status = $1, used_at = NULL
		 WHERE address = $2 AND purpose = $3 AND status = $4
		 AND created_at = (SELECT MAX(created_at) FROM one_time_codes
		                   WHERE address = $2 AND purpose = $3 AND status = $4)`,
		models.CodeStatusIssued, address, purpose, models.CodeStatusConsumed)
	if err != nil {
		slog.Error("PostgresStore UnconsumeCode failed", "error", err, "address", address, "purpose", purpose)
		return models.Fatal("store.UnconsumeCode", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Fatal("store.UnconsumeCode", err)
	}
	if n == 0 {
		return models.NotFound("store.UnconsumeCode", "consumed code")
	}
	slog.Info("PostgresStore UnconsumeCode restored code", "address", address, "purpose", purpose)
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
