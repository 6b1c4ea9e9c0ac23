package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

func testLifecycle() *Lifecycle {
	return NewLifecycle(30*time.Minute, time.Hour, 10*time.Minute, []byte("test-signing-key"))
}

func loggedInSession(t *testing.T, l *Lifecycle) *models.Session {
	t.Helper()
	s := &models.Session{Identity: "15551230001", State: models.StateLoggedIn}
	if err := l.IssueLocalToken(s); err != nil {
		t.Fatalf("IssueLocalToken: %v", err)
	}
	return s
}

func TestIssueLocalToken(t *testing.T) {
	l := testLifecycle()
	s := loggedInSession(t, l)

	tok := s.Data.LocalToken
	if tok == nil {
		t.Fatal("no local token after issue")
	}
	if tok.Source != models.TokenSourceLocal {
		t.Errorf("token source = %s, want local", tok.Source)
	}
	// HS256 JWTs are three dot-separated segments.
	if parts := strings.Split(tok.Value, "."); len(parts) != 3 {
		t.Errorf("token value is not a JWT: %q", tok.Value)
	}
	if tok.CreatedAt.IsZero() || tok.LastUsed.IsZero() {
		t.Error("token timestamps not set")
	}
}

func TestCheckIdleExpiry(t *testing.T) {
	l := testLifecycle()

	s := loggedInSession(t, l)
	if l.CheckIdleExpiry(s) {
		t.Error("fresh session reported idle-expired")
	}

	s.Data.LocalToken.LastUsed = time.Now().Add(-31 * time.Minute)
	if !l.CheckIdleExpiry(s) {
		t.Error("session idle past timeout not reported expired")
	}

	// Non-authenticated states never idle-expire, however stale.
	s2 := &models.Session{Identity: "15551230002", State: models.StateRegistering}
	if l.CheckIdleExpiry(s2) {
		t.Error("REGISTERING session must not idle-expire")
	}

	// LOGGED_IN with no token self-heals as expired.
	s3 := &models.Session{Identity: "15551230003", State: models.StateLoggedIn}
	if !l.CheckIdleExpiry(s3) {
		t.Error("tokenless LOGGED_IN session should report expired")
	}
}

func TestTouch(t *testing.T) {
	l := testLifecycle()
	s := loggedInSession(t, l)
	s.Data.LocalToken.LastUsed = time.Now().Add(-20 * time.Minute)

	l.Touch(s)
	if time.Since(s.Data.LocalToken.LastUsed) > time.Second {
		t.Error("Touch did not bump LastUsed")
	}

	// Touch on a tokenless session is a no-op, not a panic.
	l.Touch(&models.Session{Identity: "x", State: models.StateNew})
}

func TestCheckRefreshNeeded(t *testing.T) {
	l := testLifecycle()

	fresh := &models.TokenInfo{CreatedAt: time.Now()}
	if l.CheckRefreshNeeded(fresh) {
		t.Error("fresh token should not need refresh")
	}

	// 55 minutes into a 60-minute expiry with a 10-minute window.
	aging := &models.TokenInfo{CreatedAt: time.Now().Add(-55 * time.Minute)}
	if !l.CheckRefreshNeeded(aging) {
		t.Error("token inside refresh window should need refresh")
	}

	if l.CheckRefreshNeeded(nil) {
		t.Error("nil token cannot need refresh")
	}
}

func TestGetOrRefresh_NotDue(t *testing.T) {
	l := testLifecycle()
	s := loggedInSession(t, l)
	original := s.Data.LocalToken.Value

	called := false
	got, err := l.GetOrRefresh(context.Background(), s, models.TokenSourceLocal, func(ctx context.Context) (string, error) {
		called = true
		return "new", nil
	})
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if called {
		t.Error("refresh invoked for a token not yet due")
	}
	if got != original {
		t.Errorf("returned %q, want existing token", got)
	}
}

func TestGetOrRefresh_RefreshesWhenDue(t *testing.T) {
	l := testLifecycle()
	s := loggedInSession(t, l)
	s.Data.LocalToken.CreatedAt = time.Now().Add(-55 * time.Minute)

	got, err := l.GetOrRefresh(context.Background(), s, models.TokenSourceLocal, func(ctx context.Context) (string, error) {
		return "refreshed-value", nil
	})
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if got != "refreshed-value" {
		t.Errorf("returned %q, want refreshed value", got)
	}
	if s.Data.LocalToken.Value != "refreshed-value" {
		t.Error("refreshed token not installed on session")
	}
	if time.Since(s.Data.LocalToken.CreatedAt) > time.Second {
		t.Error("refreshed token CreatedAt not reset")
	}
}

func TestGetOrRefresh_GracefulDegradation(t *testing.T) {
	l := testLifecycle()
	s := loggedInSession(t, l)
	// Due for refresh but not hard-expired.
	s.Data.LocalToken.CreatedAt = time.Now().Add(-55 * time.Minute)
	original := s.Data.LocalToken.Value

	got, err := l.GetOrRefresh(context.Background(), s, models.TokenSourceLocal, func(ctx context.Context) (string, error) {
		return "", errors.New("refresh endpoint down")
	})
	if err != nil {
		t.Fatalf("early refresh failure must degrade gracefully, got %v", err)
	}
	if got != original {
		t.Errorf("returned %q, want existing still-valid token", got)
	}
}

func TestGetOrRefresh_HardExpiredFails(t *testing.T) {
	l := testLifecycle()
	s := loggedInSession(t, l)
	s.Data.LocalToken.CreatedAt = time.Now().Add(-2 * time.Hour)

	_, err := l.GetOrRefresh(context.Background(), s, models.TokenSourceLocal, func(ctx context.Context) (string, error) {
		return "", errors.New("refresh endpoint down")
	})
	if err == nil {
		t.Fatal("hard-expired token with failed refresh must error")
	}
}

func TestGetOrRefresh_TracksAreIndependent(t *testing.T) {
	l := testLifecycle()
	s := loggedInSession(t, l)
	l.SetExternalToken(s, "ext-token")
	s.Data.ExternalToken.CreatedAt = time.Now().Add(-55 * time.Minute)
	localValue := s.Data.LocalToken.Value

	got, err := l.GetOrRefresh(context.Background(), s, models.TokenSourceExternal, func(ctx context.Context) (string, error) {
		return "ext-token-2", nil
	})
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if got != "ext-token-2" {
		t.Errorf("external track returned %q", got)
	}
	if s.Data.LocalToken.Value != localValue {
		t.Error("refreshing the external track must not touch the local track")
	}
}

func TestGetOrRefresh_MissingTrack(t *testing.T) {
	l := testLifecycle()
	s := &models.Session{Identity: "15551230009", State: models.StateLoggedIn}

	_, err := l.GetOrRefresh(context.Background(), s, models.TokenSourceExternal, func(ctx context.Context) (string, error) {
		return "x", nil
	})
	if !models.IsRejected(err) {
		t.Errorf("missing track should reject, got %v", err)
	}
}
