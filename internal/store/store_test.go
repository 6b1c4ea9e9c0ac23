package store

import (
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// runStoreTests lets the same assertions run against multiple backends.
func runStoreTests(t *testing.T, s Store) {
	t.Helper()

	// Lazy creation yields a NEW session with empty data.
	sess, err := s.CreateSessionIfAbsent("15551230001")
	if err != nil {
		t.Fatalf("CreateSessionIfAbsent: %v", err)
	}
	if sess.State != models.StateNew {
		t.Errorf("expected NEW state, got %s", sess.State)
	}
	if !sess.Data.Empty() {
		t.Error("fresh session must have empty data")
	}
	if sess.Version != 1 {
		t.Errorf("fresh session version = %d, want 1", sess.Version)
	}

	// Creating again returns the existing record.
	again, err := s.CreateSessionIfAbsent("15551230001")
	if err != nil {
		t.Fatalf("CreateSessionIfAbsent (existing): %v", err)
	}
	if again.Version != sess.Version {
		t.Errorf("existing session version changed: %d != %d", again.Version, sess.Version)
	}

	// Save bumps version and persists state + data.
	sess.State = models.StateRegistering
	sess.Data.Registration = &models.RegistrationPending{Name: "Ada", Email: "ada@example.com", StartedAt: time.Now()}
	sess.LastActivity = time.Now()
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	loaded, err := s.LoadSession("15551230001")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if loaded == nil || loaded.State != models.StateRegistering {
		t.Fatalf("expected persisted REGISTERING state, got %+v", loaded)
	}
	if loaded.Data.Registration == nil || loaded.Data.Registration.Email != "ada@example.com" {
		t.Errorf("registration breadcrumb not persisted: %+v", loaded.Data.Registration)
	}
	if loaded.Version != 2 {
		t.Errorf("expected version 2 after save, got %d", loaded.Version)
	}

	// A stale writer loses the race and gets a conflict.
	stale := *again // version 1
	stale.State = models.StateLoggingIn
	err = s.SaveSession(&stale)
	if !models.IsConflict(err) {
		t.Errorf("stale save must conflict, got %v", err)
	}

	// Unknown identity loads as absent, not as an error.
	missing, err := s.LoadSession("15550000000")
	if err != nil {
		t.Fatalf("LoadSession (missing): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown identity, got %+v", missing)
	}

	// One-time codes: issue, supersede, consume, unconsume.
	now := time.Now()
	first := models.OneTimeCode{
		Address: "15551230001", Purpose: models.CodePurposeRegistration,
		Code: "1111", Status: models.CodeStatusIssued,
		ExpiresAt: now.Add(5 * time.Minute), CreatedAt: now, Meta: "snap-1",
	}
	if err := s.SaveCode(first); err != nil {
		t.Fatalf("SaveCode: %v", err)
	}
	n, err := s.SupersedeIssuedCodes("15551230001", models.CodePurposeRegistration)
	if err != nil {
		t.Fatalf("SupersedeIssuedCodes: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 superseded code, got %d", n)
	}
	second := models.OneTimeCode{
		Address: "15551230001", Purpose: models.CodePurposeRegistration,
		Code: "2222", Status: models.CodeStatusIssued,
		ExpiresAt: now.Add(5 * time.Minute), CreatedAt: now.Add(time.Second), Meta: "snap-2",
	}
	if err := s.SaveCode(second); err != nil {
		t.Fatalf("SaveCode (second): %v", err)
	}

	old, err := s.GetCode("15551230001", models.CodePurposeRegistration, "1111")
	if err != nil {
		t.Fatalf("GetCode: %v", err)
	}
	if old == nil || old.Status != models.CodeStatusSuperseded {
		t.Errorf("first code should be superseded, got %+v", old)
	}

	if err := s.MarkCodeConsumed("15551230001", models.CodePurposeRegistration, "2222", time.Now()); err != nil {
		t.Fatalf("MarkCodeConsumed: %v", err)
	}
	// Double consumption must conflict.
	err = s.MarkCodeConsumed("15551230001", models.CodePurposeRegistration, "2222", time.Now())
	if !models.IsConflict(err) {
		t.Errorf("double consume must conflict, got %v", err)
	}

	if err := s.UnconsumeCode("15551230001", models.CodePurposeRegistration); err != nil {
		t.Fatalf("UnconsumeCode: %v", err)
	}
	restored, err := s.GetCode("15551230001", models.CodePurposeRegistration, "2222")
	if err != nil {
		t.Fatalf("GetCode (restored): %v", err)
	}
	if restored == nil || restored.Status != models.CodeStatusIssued {
		t.Errorf("unconsumed code should be issued again, got %+v", restored)
	}
	if restored != nil && restored.UsedAt != nil {
		t.Error("unconsumed code should have no used_at")
	}
	if restored != nil && restored.Meta != "snap-2" {
		t.Errorf("payload snapshot lost on unconsume: %q", restored.Meta)
	}

	// Nothing left to unconsume.
	err = s.UnconsumeCode("15551230001", models.CodePurposeRegistration)
	if !models.IsNotFound(err) {
		t.Errorf("expected not-found when no consumed code remains, got %v", err)
	}
}

func TestInMemoryStore(t *testing.T) {
	runStoreTests(t, NewInMemoryStore())
}

func TestInMemoryStore_NoAliasing(t *testing.T) {
	s := NewInMemoryStore()
	sess, err := s.CreateSessionIfAbsent("15551230002")
	if err != nil {
		t.Fatalf("CreateSessionIfAbsent: %v", err)
	}
	sess.Data.Cart = append(sess.Data.Cart, models.CartItem{ProductID: "p1", Name: "Ibuprofen", Quantity: 1})
	// Mutating the returned copy must not leak into the store before save.
	loaded, _ := s.LoadSession("15551230002")
	if len(loaded.Data.Cart) != 0 {
		t.Error("unsaved mutation leaked into stored session")
	}
}

func TestSQLiteStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "carepipe-test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	runStoreTests(t, s)
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to enable.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	s.db.Exec("DELETE FROM sessions")
	s.db.Exec("DELETE FROM one_time_codes")
	runStoreTests(t, s)
}

func TestRedisStore(t *testing.T) {
	// Requires a running Redis instance; set REDIS_ADDR to enable.
	addr := getenvOrSkip(t, "REDIS_ADDR")
	s, err := NewRedisStore(WithRedisAddr(addr))
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer s.Close()
	runStoreTests(t, s)
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":  "postgres",
		"postgresql://u:p@localhost":   "postgres",
		"host=localhost user=care":     "postgres",
		"redis://localhost:6379/0":     "redis",
		"/var/lib/carepipe/carepipe.db": "sqlite",
		"carepipe.db":                   "sqlite",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
