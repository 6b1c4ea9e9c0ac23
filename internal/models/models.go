// Package models defines the core data structures for CarePipe.
//
// It includes session state, token, pagination cursor, and one-time-code
// types shared across modules.
package models

import (
	"time"
)

// SessionState represents where a conversation currently is.
type SessionState string

const (
	// StateNew is the initial state for an unknown or logged-out identity.
	StateNew SessionState = "NEW"
	// StateRegistering indicates a registration flow awaiting code verification.
	StateRegistering SessionState = "REGISTERING"
	// StateLoggingIn indicates a login flow awaiting complete credentials.
	StateLoggingIn SessionState = "LOGGING_IN"
	// StateLoggedIn indicates an authenticated session.
	StateLoggedIn SessionState = "LOGGED_IN"
	// StateSupportChat indicates an active human-support handoff.
	StateSupportChat SessionState = "SUPPORT_CHAT"
)

// IsValidSessionState checks if the given session state is supported.
func IsValidSessionState(s SessionState) bool {
	switch s {
	case StateNew, StateRegistering, StateLoggingIn, StateLoggedIn, StateSupportChat:
		return true
	default:
		return false
	}
}

// TokenSource tags which track issued a token.
type TokenSource string

const (
	// TokenSourceLocal marks a token issued by CarePipe itself.
	TokenSourceLocal TokenSource = "local"
	// TokenSourceExternal marks a token issued by the domain API.
	TokenSourceExternal TokenSource = "external"
)

// TokenInfo holds one token track with its bookkeeping timestamps.
// The local and external tracks are never merged: a handler needing the
// external token must not accept a refreshed local token as a substitute.
type TokenInfo struct {
	Value     string      `json:"value"`
	Source    TokenSource `json:"source"`
	CreatedAt time.Time   `json:"created_at"`
	LastUsed  time.Time   `json:"last_used"`
}

// ListKind identifies one independently paginated list.
type ListKind string

const (
	ListKindProducts     ListKind = "products"
	ListKindDoctors      ListKind = "doctors"
	ListKindLabTests     ListKind = "labtests"
	ListKindAppointments ListKind = "appointments"
)

// IsValidListKind checks if the given list kind is supported.
func IsValidListKind(k ListKind) bool {
	switch k {
	case ListKindProducts, ListKindDoctors, ListKindLabTests, ListKindAppointments:
		return true
	default:
		return false
	}
}

// PageItem is one selectable entry cached in a pagination cursor. The user
// selects by position, so the current page's items must be remembered.
type PageItem struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Extra string `json:"extra,omitempty"`
}

// PageCursor remembers the pagination position for one list kind.
type PageCursor struct {
	Page       int        `json:"page"`
	TotalPages int        `json:"total_pages"`
	PageSize   int        `json:"page_size"`
	Query      string     `json:"query,omitempty"`
	Items      []PageItem `json:"items,omitempty"`
}

// CartItem is one product selection breadcrumb in the session.
type CartItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
}

// RegistrationPending is the in-session breadcrumb for a registration flow
// awaiting code verification. The authoritative payload copy lives encrypted
// on the one-time-code record, so losing this breadcrumb does not break the
// flow.
type RegistrationPending struct {
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	StartedAt time.Time `json:"started_at"`
}

// SessionDataSchemaVersion is bumped whenever SessionData gains or changes
// fields so stored blobs can be migrated on read.
const SessionDataSchemaVersion = 1

// SessionData holds the named per-flow fields of a session. Every field a
// handler may read is declared here rather than in an untyped map.
type SessionData struct {
	SchemaVersion       int                      `json:"schema_version"`
	LocalToken          *TokenInfo               `json:"local_token,omitempty"`
	ExternalToken       *TokenInfo               `json:"external_token,omitempty"`
	Registration        *RegistrationPending     `json:"registration,omitempty"`
	ActiveList          ListKind                 `json:"active_list,omitempty"`
	Cursors             map[ListKind]*PageCursor `json:"cursors,omitempty"`
	Cart                []CartItem               `json:"cart,omitempty"`
	LastOrderID         string                   `json:"last_order_id,omitempty"`
	LastAppointmentID   string                   `json:"last_appointment_id,omitempty"`
	PendingAttachmentID string                   `json:"pending_attachment_id,omitempty"`
	SupportTicketID     string                   `json:"support_ticket_id,omitempty"`
}

// Empty reports whether the data carries no residual flow fields.
func (d *SessionData) Empty() bool {
	if d == nil {
		return true
	}
	return d.LocalToken == nil && d.ExternalToken == nil && d.Registration == nil &&
		d.ActiveList == "" && len(d.Cursors) == 0 && len(d.Cart) == 0 &&
		d.LastOrderID == "" && d.LastAppointmentID == "" &&
		d.PendingAttachmentID == "" && d.SupportTicketID == ""
}

// Cursor returns the pagination cursor for a list kind, or nil.
func (d *SessionData) Cursor(kind ListKind) *PageCursor {
	if d == nil || d.Cursors == nil {
		return nil
	}
	return d.Cursors[kind]
}

// SetCursor replaces the cursor for a list kind.
func (d *SessionData) SetCursor(kind ListKind, c *PageCursor) {
	if d.Cursors == nil {
		d.Cursors = make(map[ListKind]*PageCursor)
	}
	d.Cursors[kind] = c
}

// Token returns the token for a track, or nil.
func (d *SessionData) Token(source TokenSource) *TokenInfo {
	if d == nil {
		return nil
	}
	switch source {
	case TokenSourceLocal:
		return d.LocalToken
	case TokenSourceExternal:
		return d.ExternalToken
	default:
		return nil
	}
}

// SetToken stores the token for a track.
func (d *SessionData) SetToken(source TokenSource, tok *TokenInfo) {
	switch source {
	case TokenSourceLocal:
		d.LocalToken = tok
	case TokenSourceExternal:
		d.ExternalToken = tok
	}
}

// Session is the durable per-identity conversation record. Identity is the
// stable external address (phone number). Version backs the optimistic
// concurrency check on saves.
type Session struct {
	Identity     string       `json:"identity"`
	State        SessionState `json:"state"`
	Data         SessionData  `json:"data"`
	LastActivity time.Time    `json:"last_activity"`
	Version      int64        `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Reset returns the session to NEW with all data cleared (total logout).
func (s *Session) Reset() {
	s.State = StateNew
	s.Data = SessionData{SchemaVersion: SessionDataSchemaVersion}
}

// CodeStatus represents the lifecycle state of a one-time code.
type CodeStatus string

const (
	// CodeStatusIssued marks an unused, live code.
	CodeStatusIssued CodeStatus = "issued"
	// CodeStatusConsumed marks a code spent by a successful verification.
	CodeStatusConsumed CodeStatus = "consumed"
	// CodeStatusExpired marks a code past its validity window.
	CodeStatusExpired CodeStatus = "expired"
	// CodeStatusSuperseded marks a code invalidated by a newer issue.
	CodeStatusSuperseded CodeStatus = "superseded"
)

// CodePurpose identifies which flow a one-time code gates.
type CodePurpose string

const (
	// CodePurposeRegistration gates completion of the registration flow.
	CodePurposeRegistration CodePurpose = "registration"
	// CodePurposeOrder gates confirmation of a sensitive order.
	CodePurposeOrder CodePurpose = "order"
)

// OneTimeCode is the durable record of a short-lived, single-use numeric
// credential, keyed by (address, purpose), independent of the session. Meta
// carries an encrypted snapshot of the payload the code protects so the
// payload survives a session loss or process restart.
type OneTimeCode struct {
	Address   string      `json:"address"`
	Purpose   CodePurpose `json:"purpose"`
	Code      string      `json:"code"`
	Status    CodeStatus  `json:"status"`
	UsedAt    *time.Time  `json:"used_at,omitempty"`
	ExpiresAt time.Time   `json:"expires_at"`
	CreatedAt time.Time   `json:"created_at"`
	Meta      string      `json:"meta,omitempty"`
}

// Response represents an incoming message from a participant.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	MessageStatusSent   MessageStatus = "sent"
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records a delivery outcome for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}
