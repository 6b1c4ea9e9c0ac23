package otp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// User-safe rejection reasons returned by Verify.
const (
	ReasonBadFormat   = "the code must be digits of the expected length"
	ReasonNotFound    = "that code is not recognized"
	ReasonExpired     = "that code has expired, a new one is needed"
	ReasonAlreadyUsed = "that code was already used"
)

// DefaultCodeLength is the number of digits in an issued code.
const DefaultCodeLength = 4

// DefaultCodeTTL is how long an issued code stays valid.
const DefaultCodeTTL = 10 * time.Minute

// Opts holds optional Gate configuration.
type Opts struct {
	CodeLength int
	CodeTTL    time.Duration
}

// Option configures a Gate.
type Option func(*Opts)

// WithCodeLength sets the number of digits in issued codes.
func WithCodeLength(n int) Option {
	return func(o *Opts) { o.CodeLength = n }
}

// WithCodeTTL sets the validity window of issued codes.
func WithCodeTTL(d time.Duration) Option {
	return func(o *Opts) { o.CodeTTL = d }
}

// Gate issues and verifies one-time codes against the durable store.
// Issuing always supersedes any live code for the same (address, purpose);
// there is never more than one verifiable code per pair.
type Gate struct {
	store  store.Store
	cipher *Cipher
	length int
	ttl    time.Duration
}

// NewGate creates a Gate. key is the 32-byte payload encryption key.
func NewGate(s store.Store, key []byte, opts ...Option) (*Gate, error) {
	cfg := Opts{CodeLength: DefaultCodeLength, CodeTTL: DefaultCodeTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	cipher, err := NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cipher: %w", err)
	}
	slog.Debug("NewGate created", "code_length", cfg.CodeLength, "code_ttl", cfg.CodeTTL)
	return &Gate{store: s, cipher: cipher, length: cfg.CodeLength, ttl: cfg.CodeTTL}, nil
}

// Length returns the digit count of issued codes, so callers can recognize
// code-shaped input without a lookup.
func (g *Gate) Length() int { return g.length }

// Issue generates a fresh code for (address, purpose), supersedes every
// previously issued code for the pair, and stores the encrypted payload
// snapshot on the new record. Returns the code for delivery to the user.
func (g *Gate) Issue(address string, purpose models.CodePurpose, payload any) (string, error) {
	superseded, err := g.store.SupersedeIssuedCodes(address, purpose)
	if err != nil {
		return "", fmt.Errorf("failed to supersede previous codes: %w", err)
	}
	if superseded > 0 {
		slog.Info("Gate.Issue: superseded previous codes", "address", address, "purpose", purpose, "count", superseded)
	}

	code, err := util.GenerateDigitCode(g.length)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal code payload: %w", err)
	}
	meta, err := g.cipher.Seal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt code payload: %w", err)
	}

	now := time.Now()
	rec := models.OneTimeCode{
		Address:   address,
		Purpose:   purpose,
		Code:      code,
		Status:    models.CodeStatusIssued,
		ExpiresAt: now.Add(g.ttl),
		CreatedAt: now,
		Meta:      meta,
	}
	if err := g.store.SaveCode(rec); err != nil {
		return "", fmt.Errorf("failed to save code: %w", err)
	}
	slog.Info("Gate.Issue: code issued", "address", address, "purpose", purpose, "expires_at", rec.ExpiresAt)
	return code, nil
}

// Verify checks input against the live code for (address, purpose) and, on
// success, atomically consumes it and returns the decrypted payload snapshot.
// Failures come back as RejectedError with a user-safe reason; the format
// check runs before any store access so obvious non-codes cost nothing.
//
// The payload is decrypted before the code is consumed, so a snapshot that
// cannot be opened leaves the code issued and retryable. Consumption still
// happens before the caller acts on the payload; if the subsequent action
// fails, the caller compensates with Unconsume.
func (g *Gate) Verify(address string, purpose models.CodePurpose, input string) ([]byte, error) {
	if len(input) != g.length || !util.IsDigits(input) {
		return nil, models.Rejected("otp.Verify", ReasonBadFormat)
	}

	rec, err := g.store.GetCode(address, purpose, input)
	if err != nil {
		return nil, fmt.Errorf("failed to look up code: %w", err)
	}
	if rec == nil {
		slog.Info("Gate.Verify: code not found", "address", address, "purpose", purpose)
		return nil, models.Rejected("otp.Verify", ReasonNotFound)
	}

	switch rec.Status {
	case models.CodeStatusConsumed:
		return nil, models.Rejected("otp.Verify", ReasonAlreadyUsed)
	case models.CodeStatusExpired, models.CodeStatusSuperseded:
		return nil, models.Rejected("otp.Verify", ReasonExpired)
	}

	if time.Now().After(rec.ExpiresAt) {
		// Lazy expiry: marked on the verification attempt that finds it stale.
		rec.Status = models.CodeStatusExpired
		if err := g.store.SaveCode(*rec); err != nil {
			slog.Error("Gate.Verify: failed to mark code expired", "address", address, "purpose", purpose, "error", err)
		}
		return nil, models.Rejected("otp.Verify", ReasonExpired)
	}

	// Open the snapshot before consuming: a wrong key or corrupt column must
	// not strand the code as used.
	payload, err := g.cipher.Open(rec.Meta)
	if err != nil {
		slog.Error("Gate.Verify: failed to decrypt payload snapshot", "address", address, "purpose", purpose, "error", err)
		return nil, models.Fatal("otp.Verify", err)
	}

	if err := g.store.MarkCodeConsumed(address, purpose, input, time.Now()); err != nil {
		if models.IsConflict(err) {
			// A concurrent delivery won the consume race.
			return nil, models.Rejected("otp.Verify", ReasonAlreadyUsed)
		}
		return nil, fmt.Errorf("failed to consume code: %w", err)
	}
	slog.Info("Gate.Verify: code consumed", "address", address, "purpose", purpose)
	return payload, nil
}

// Unconsume restores the most recently consumed code for (address, purpose)
// back to issued. Called when the action a code gated fails after
// consumption, so the user can retry with the same code.
func (g *Gate) Unconsume(address string, purpose models.CodePurpose) error {
	if err := g.store.UnconsumeCode(address, purpose); err != nil {
		slog.Error("Gate.Unconsume failed", "address", address, "purpose", purpose, "error", err)
		return err
	}
	slog.Info("Gate.Unconsume: code restored", "address", address, "purpose", purpose)
	return nil
}
