// Package auth manages session validity and the dual-track auth token
// lifecycle.
//
// Each session carries two independent token tracks: a locally issued JWT and
// an externally issued domain API token. Tracks are refreshed independently
// and never substituted for one another.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Lifecycle evaluates idle expiry and token refresh policy for sessions.
type Lifecycle struct {
	IdleTimeout      time.Duration
	TokenExpiry      time.Duration
	RefreshThreshold time.Duration

	signingKey []byte
}

// NewLifecycle creates a Lifecycle with the given policy knobs. signingKey
// signs locally issued JWTs.
func NewLifecycle(idleTimeout, tokenExpiry, refreshThreshold time.Duration, signingKey []byte) *Lifecycle {
	return &Lifecycle{
		IdleTimeout:      idleTimeout,
		TokenExpiry:      tokenExpiry,
		RefreshThreshold: refreshThreshold,
		signingKey:       signingKey,
	}
}

// CheckIdleExpiry reports whether a LOGGED_IN session has been idle past the
// timeout. Inactivity is measured from the local token's LastUsed, which
// Touch bumps on every accepted event. Non-authenticated states never expire.
// On true, the caller must reset the session to NEW with cleared data.
func (l *Lifecycle) CheckIdleExpiry(s *models.Session) bool {
	if s.State != models.StateLoggedIn {
		return false
	}
	tok := s.Data.LocalToken
	if tok == nil {
		// Invariant violation: LOGGED_IN without a local token. Treat as
		// expired so the session self-heals to NEW.
		slog.Warn("Lifecycle.CheckIdleExpiry: LOGGED_IN session without local token", "identity", s.Identity)
		return true
	}
	idle := time.Since(tok.LastUsed)
	if idle > l.IdleTimeout {
		slog.Info("Lifecycle.CheckIdleExpiry: session idle past timeout", "identity", s.Identity, "idle", idle, "timeout", l.IdleTimeout)
		return true
	}
	return false
}

// Touch bumps the local token's LastUsed. Called on every authenticated
// event, not just token-using ones: inactivity is measured by conversation
// activity.
func (l *Lifecycle) Touch(s *models.Session) {
	if s.Data.LocalToken == nil {
		return
	}
	s.Data.LocalToken.LastUsed = time.Now()
}

// CheckRefreshNeeded reports whether a token is inside the refresh window
// before its absolute expiry.
func (l *Lifecycle) CheckRefreshNeeded(tok *models.TokenInfo) bool {
	if tok == nil {
		return false
	}
	remaining := l.TokenExpiry - time.Since(tok.CreatedAt)
	return remaining <= l.RefreshThreshold
}

// HardExpired reports whether a token is past its absolute expiry.
func (l *Lifecycle) HardExpired(tok *models.TokenInfo) bool {
	if tok == nil {
		return true
	}
	return time.Since(tok.CreatedAt) > l.TokenExpiry
}

// RefreshFunc obtains a fresh token value for one track. Callers wrap it with
// the retry executor before handing it in.
type RefreshFunc func(ctx context.Context) (string, error)

// GetOrRefresh returns the current token value for a track, refreshing it
// first when it is due. A failed early refresh degrades gracefully: the
// existing still-valid token is returned and the failure only logged. Only a
// hard expiry is fatal. The other track is never touched.
func (l *Lifecycle) GetOrRefresh(ctx context.Context, s *models.Session, source models.TokenSource, refresh RefreshFunc) (string, error) {
	tok := s.Data.Token(source)
	if tok == nil {
		return "", models.Rejected("auth.GetOrRefresh", "no "+string(source)+" token on session")
	}

	if !l.CheckRefreshNeeded(tok) {
		tok.LastUsed = time.Now()
		return tok.Value, nil
	}

	value, err := refresh(ctx)
	if err != nil {
		if l.HardExpired(tok) {
			slog.Error("Lifecycle.GetOrRefresh: refresh failed on hard-expired token", "identity", s.Identity, "source", source, "error", err)
			return "", fmt.Errorf("token expired and refresh failed: %w", err)
		}
		slog.Warn("Lifecycle.GetOrRefresh: early refresh failed, keeping existing token", "identity", s.Identity, "source", source, "error", err)
		tok.LastUsed = time.Now()
		return tok.Value, nil
	}

	now := time.Now()
	s.Data.SetToken(source, &models.TokenInfo{
		Value:     value,
		Source:    source,
		CreatedAt: now,
		LastUsed:  now,
	})
	slog.Info("Lifecycle.GetOrRefresh: token refreshed", "identity", s.Identity, "source", source)
	return value, nil
}

// IssueLocalToken mints a signed local JWT for the session identity and
// installs it on the local track with fresh timestamps.
func (l *Lifecycle) IssueLocalToken(s *models.Session) error {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": s.Identity,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(l.TokenExpiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(l.signingKey)
	if err != nil {
		slog.Error("Lifecycle.IssueLocalToken: signing failed", "identity", s.Identity, "error", err)
		return fmt.Errorf("failed to sign local token: %w", err)
	}
	s.Data.LocalToken = &models.TokenInfo{
		Value:     signed,
		Source:    models.TokenSourceLocal,
		CreatedAt: now,
		LastUsed:  now,
	}
	slog.Debug("Lifecycle.IssueLocalToken: local token issued", "identity", s.Identity)
	return nil
}

// SetExternalToken installs a domain-issued token on the external track.
func (l *Lifecycle) SetExternalToken(s *models.Session, value string) {
	now := time.Now()
	s.Data.ExternalToken = &models.TokenInfo{
		Value:     value,
		Source:    models.TokenSourceExternal,
		CreatedAt: now,
		LastUsed:  now,
	}
}
