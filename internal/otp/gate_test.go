package otp

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestGate(t *testing.T, opts ...Option) (*Gate, store.Store) {
	t.Helper()
	s := store.NewInMemoryStore()
	g, err := NewGate(s, testKey, opts...)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g, s
}

type regPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	sealed, err := c.Seal([]byte("sensitive"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == "sensitive" {
		t.Error("payload stored in the clear")
	}
	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, []byte("sensitive")) {
		t.Errorf("round trip mismatch: %q", opened)
	}

	if _, err := c.Open("not-base64!!"); err == nil {
		t.Error("garbage input should fail to open")
	}
	if _, err := NewCipher([]byte("short")); err == nil {
		t.Error("short key must be rejected")
	}
}

func TestIssueAndVerify(t *testing.T) {
	g, _ := newTestGate(t)

	code, err := g.Issue("15551230001", models.CodePurposeRegistration, regPayload{Name: "Ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(code) != DefaultCodeLength {
		t.Errorf("code length = %d, want %d", len(code), DefaultCodeLength)
	}

	raw, err := g.Verify("15551230001", models.CodePurposeRegistration, code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	var p regPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Email != "ada@example.com" {
		t.Errorf("payload email = %q", p.Email)
	}

	// Second verification of the same code is rejected as already used.
	_, err = g.Verify("15551230001", models.CodePurposeRegistration, code)
	if !models.IsRejected(err) || models.RejectionReason(err) != ReasonAlreadyUsed {
		t.Errorf("re-verify should reject as already used, got %v", err)
	}
}

func TestVerifyFormatFailsFast(t *testing.T) {
	g, _ := newTestGate(t)

	for _, input := range []string{"", "12", "12345", "abcd", "12a4"} {
		_, err := g.Verify("15551230001", models.CodePurposeRegistration, input)
		if !models.IsRejected(err) || models.RejectionReason(err) != ReasonBadFormat {
			t.Errorf("Verify(%q) should reject format, got %v", input, err)
		}
	}
}

func TestVerifyUnknownCode(t *testing.T) {
	g, _ := newTestGate(t)
	_, err := g.Verify("15551230001", models.CodePurposeRegistration, "1234")
	if !models.IsRejected(err) || models.RejectionReason(err) != ReasonNotFound {
		t.Errorf("unknown code should reject as not found, got %v", err)
	}
}

func TestReissueSupersedes(t *testing.T) {
	g, _ := newTestGate(t)

	first, err := g.Issue("15551230001", models.CodePurposeRegistration, regPayload{Name: "Ada"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, err := g.Issue("15551230001", models.CodePurposeRegistration, regPayload{Name: "Ada"})
	if err != nil {
		t.Fatalf("Issue (second): %v", err)
	}

	// The earlier code is dead even inside its validity window.
	if first != second {
		_, err = g.Verify("15551230001", models.CodePurposeRegistration, first)
		if !models.IsRejected(err) {
			t.Errorf("superseded code should be rejected, got %v", err)
		}
	}
	if _, err := g.Verify("15551230001", models.CodePurposeRegistration, second); err != nil {
		t.Errorf("latest code should verify: %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	g, s := newTestGate(t, WithCodeTTL(time.Minute))

	code, err := g.Issue("15551230001", models.CodePurposeOrder, regPayload{Name: "Ada"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	// Age the record past its window.
	rec, err := s.GetCode("15551230001", models.CodePurposeOrder, code)
	if err != nil || rec == nil {
		t.Fatalf("GetCode: %v %v", rec, err)
	}
	rec.ExpiresAt = time.Now().Add(-time.Second)
	if err := s.SaveCode(*rec); err != nil {
		t.Fatalf("SaveCode: %v", err)
	}

	_, err = g.Verify("15551230001", models.CodePurposeOrder, code)
	if !models.IsRejected(err) || models.RejectionReason(err) != ReasonExpired {
		t.Errorf("expired code should reject as expired, got %v", err)
	}

	// Lazy expiry persisted the status change.
	rec, _ = s.GetCode("15551230001", models.CodePurposeOrder, code)
	if rec.Status != models.CodeStatusExpired {
		t.Errorf("code status = %s, want expired", rec.Status)
	}
}

func TestUnconsumeRestoresCode(t *testing.T) {
	g, _ := newTestGate(t)

	code, err := g.Issue("15551230001", models.CodePurposeRegistration, regPayload{Name: "Ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := g.Verify("15551230001", models.CodePurposeRegistration, code); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Downstream action failed; compensate and retry with the same code.
	if err := g.Unconsume("15551230001", models.CodePurposeRegistration); err != nil {
		t.Fatalf("Unconsume: %v", err)
	}
	raw, err := g.Verify("15551230001", models.CodePurposeRegistration, code)
	if err != nil {
		t.Fatalf("Verify after unconsume: %v", err)
	}
	var p regPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Email != "ada@example.com" {
		t.Errorf("payload lost across unconsume: %q %v", raw, err)
	}
}

func TestVerifyBadSnapshotLeavesCodeIssued(t *testing.T) {
	s := store.NewInMemoryStore()
	issuer, err := NewGate(s, testKey)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	// A second gate on the same store with a different payload key, as after
	// a key rotation that missed in-flight codes.
	verifier, err := NewGate(s, []byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("NewGate (rotated key): %v", err)
	}

	code, err := issuer.Issue("15551230001", models.CodePurposeRegistration, regPayload{Name: "Ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = verifier.Verify("15551230001", models.CodePurposeRegistration, code)
	if err == nil {
		t.Fatal("verification must fail when the snapshot cannot be opened")
	}
	if models.IsRejected(err) {
		t.Errorf("undecryptable snapshot is not a user rejection, got %v", err)
	}

	// The failure must not consume the code; the right key still verifies it.
	rec, err := s.GetCode("15551230001", models.CodePurposeRegistration, code)
	if err != nil || rec == nil {
		t.Fatalf("GetCode: %v %v", rec, err)
	}
	if rec.Status != models.CodeStatusIssued {
		t.Errorf("code status = %s, want issued", rec.Status)
	}
	raw, err := issuer.Verify("15551230001", models.CodePurposeRegistration, code)
	if err != nil {
		t.Fatalf("Verify after decrypt failure: %v", err)
	}
	var p regPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Email != "ada@example.com" {
		t.Errorf("payload lost across decrypt failure: %q %v", raw, err)
	}
}

func TestPurposesAreIndependent(t *testing.T) {
	g, _ := newTestGate(t)

	regCode, err := g.Issue("15551230001", models.CodePurposeRegistration, regPayload{Name: "Ada"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := g.Issue("15551230001", models.CodePurposeOrder, regPayload{Name: "Ada"}); err != nil {
		t.Fatalf("Issue (order): %v", err)
	}

	// Issuing an order code must not supersede the registration code.
	if _, err := g.Verify("15551230001", models.CodePurposeRegistration, regCode); err != nil {
		t.Errorf("registration code should still verify: %v", err)
	}
}
