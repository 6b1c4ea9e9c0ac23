// Package store provides storage backends for CarePipe sessions and
// one-time codes.
//
// Backends share single-record read-modify-write semantics: session saves are
// version-checked so two events for the same identity can never commit
// divergent states, regardless of which process handled them.
package store

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Store is the durable per-identity session and one-time-code repository.
type Store interface {
	// LoadSession returns the session for an identity, or nil when absent.
	LoadSession(identity string) (*models.Session, error)

	// CreateSessionIfAbsent returns the existing session or creates a fresh
	// NEW session for an unknown identity.
	CreateSessionIfAbsent(identity string) (*models.Session, error)

	// SaveSession commits a session mutation. It returns a ConflictError when
	// the session's Version no longer matches the stored row (another event
	// for the same identity committed first). On success the session's
	// Version is bumped.
	SaveSession(s *models.Session) error

	// SaveCode upserts a one-time-code record keyed by (address, purpose, code).
	SaveCode(c models.OneTimeCode) error

	// GetCode returns the record for an exact code value, or nil when absent.
	GetCode(address string, purpose models.CodePurpose, code string) (*models.OneTimeCode, error)

	// SupersedeIssuedCodes marks all still-issued codes for (address, purpose)
	// superseded, returning how many were invalidated.
	SupersedeIssuedCodes(address string, purpose models.CodePurpose) (int64, error)

	// MarkCodeConsumed atomically flips an issued code to consumed. Returns a
	// ConflictError if the code was not in the issued state, so two concurrent
	// deliveries of the same code cannot both succeed.
	MarkCodeConsumed(address string, purpose models.CodePurpose, code string, usedAt time.Time) error

	// UnconsumeCode restores the most recently consumed code for
	// (address, purpose) to issued. Compensating action for a protected
	// operation that failed after consumption.
	UnconsumeCode(address string, purpose models.CodePurpose) error

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN       string // SQLite file path or PostgreSQL connection string
	RedisAddr string // Redis address (host:port) for the Redis backend
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisAddr sets the Redis address for the Redis backend.
func WithRedisAddr(addr string) Option {
	return func(o *Opts) { o.RedisAddr = addr }
}

// DetectDSNType reports "postgres", "redis", or "sqlite" for a DSN string.
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return "postgres"
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return "redis"
	default:
		return "sqlite"
	}
}

// newSession builds a fresh NEW session for an identity.
func newSession(identity string, now time.Time) *models.Session {
	return &models.Session{
		Identity:     identity,
		State:        models.StateNew,
		Data:         models.SessionData{SchemaVersion: models.SessionDataSchemaVersion},
		LastActivity: now,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// InMemoryStore keeps sessions and codes in process memory with the same
// version-check semantics as the durable backends. Test use only: a real
// deployment must not treat process memory as authoritative session state.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	codes    map[string]*models.OneTimeCode // keyed by address|purpose|code
	codeSeq  []string                       // insertion order, for UnconsumeCode
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		codes:    make(map[string]*models.OneTimeCode),
	}
}

func codeKey(address string, purpose models.CodePurpose, code string) string {
	return address + "|" + string(purpose) + "|" + code
}

// copySession deep-copies a session so callers never alias stored state.
func copySession(s *models.Session) *models.Session {
	raw, _ := json.Marshal(s)
	var out models.Session
	_ = json.Unmarshal(raw, &out)
	return &out
}

func (m *InMemoryStore) LoadSession(identity string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[identity]
	if !ok {
		return nil, nil
	}
	return copySession(s), nil
}

func (m *InMemoryStore) CreateSessionIfAbsent(identity string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[identity]; ok {
		return copySession(s), nil
	}
	s := newSession(identity, time.Now())
	m.sessions[identity] = copySession(s)
	return s, nil
}

func (m *InMemoryStore) SaveSession(s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.Identity]
	if !ok || cur.Version != s.Version {
		return models.Conflict("store.SaveSession", s.Identity)
	}
	s.Version++
	s.UpdatedAt = time.Now()
	m.sessions[s.Identity] = copySession(s)
	return nil
}

func (m *InMemoryStore) SaveCode(c models.OneTimeCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := codeKey(c.Address, c.Purpose, c.Code)
	if _, ok := m.codes[key]; !ok {
		m.codeSeq = append(m.codeSeq, key)
	}
	stored := c
	m.codes[key] = &stored
	return nil
}

func (m *InMemoryStore) GetCode(address string, purpose models.CodePurpose, code string) (*models.OneTimeCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeKey(address, purpose, code)]
	if !ok {
		return nil, nil
	}
	out := *c
	return &out, nil
}

func (m *InMemoryStore) SupersedeIssuedCodes(address string, purpose models.CodePurpose) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.codes {
		if c.Address == address && c.Purpose == purpose && c.Status == models.CodeStatusIssued {
			c.Status = models.CodeStatusSuperseded
			n++
		}
	}
	return n, nil
}

func (m *InMemoryStore) MarkCodeConsumed(address string, purpose models.CodePurpose, code string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeKey(address, purpose, code)]
	if !ok || c.Status != models.CodeStatusIssued {
		return models.Conflict("store.MarkCodeConsumed", address)
	}
	c.Status = models.CodeStatusConsumed
	t := usedAt
	c.UsedAt = &t
	return nil
}

func (m *InMemoryStore) UnconsumeCode(address string, purpose models.CodePurpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Walk newest-first so the most recently consumed code is restored.
	for i := len(m.codeSeq) - 1; i >= 0; i-- {
		c := m.codes[m.codeSeq[i]]
		if c.Address == address && c.Purpose == purpose && c.Status == models.CodeStatusConsumed {
			c.Status = models.CodeStatusIssued
			c.UsedAt = nil
			return nil
		}
	}
	return models.NotFound("store.UnconsumeCode", "consumed code")
}

func (m *InMemoryStore) Close() error { return nil }
