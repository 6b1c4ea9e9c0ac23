// Package pharmacy talks to the upstream pharmacy platform API: catalog
// search, account management, orders, appointments, and support tickets.
package pharmacy

import (
	"context"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Registration is the payload submitted when completing a registration.
type Registration struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// SearchResult is one page of a catalog search.
type SearchResult struct {
	Items      []models.PageItem `json:"items"`
	Page       int               `json:"page"`
	TotalPages int               `json:"total_pages"`
}

// Order is the outcome of placing an order.
type Order struct {
	ID    string `json:"id"`
	Total string `json:"total"`
}

// Client is the upstream pharmacy platform surface the flow engine calls.
// Implementations classify failures with the shared error taxonomy so the
// retry executor and handlers can decide behavior without inspecting HTTP
// details.
type Client interface {
	// Search operations, one per list kind. page is 1-based.
	SearchProducts(ctx context.Context, token, query string, page, pageSize int) (*SearchResult, error)
	SearchDoctors(ctx context.Context, token, query string, page, pageSize int) (*SearchResult, error)
	SearchLabTests(ctx context.Context, token, query string, page, pageSize int) (*SearchResult, error)
	ListAppointmentSlots(ctx context.Context, token, doctorID string, page, pageSize int) (*SearchResult, error)

	// Account lifecycle.
	RegisterUser(ctx context.Context, reg Registration) (userID string, err error)
	Login(ctx context.Context, phone string) (token string, err error)
	RefreshToken(ctx context.Context, token string) (string, error)

	// Transactions.
	PlaceOrder(ctx context.Context, token string, items []models.CartItem) (*Order, error)
	BookAppointment(ctx context.Context, token, slotID string) (appointmentID string, err error)
	AttachDocument(ctx context.Context, token, orderID, documentURL string) (attachmentID string, err error)

	// Support handoff.
	OpenSupportTicket(ctx context.Context, token, identity string) (ticketID string, err error)
	ForwardSupportMessage(ctx context.Context, token, ticketID, body string) error
	CloseSupportTicket(ctx context.Context, token, ticketID string) error
}

// Search dispatches a catalog search by list kind.
func Search(ctx context.Context, c Client, kind models.ListKind, token, query string, page, pageSize int) (*SearchResult, error) {
	switch kind {
	case models.ListKindProducts:
		return c.SearchProducts(ctx, token, query, page, pageSize)
	case models.ListKindDoctors:
		return c.SearchDoctors(ctx, token, query, page, pageSize)
	case models.ListKindLabTests:
		return c.SearchLabTests(ctx, token, query, page, pageSize)
	case models.ListKindAppointments:
		return c.ListAppointmentSlots(ctx, token, query, page, pageSize)
	default:
		return nil, models.Rejected("pharmacy.Search", "unsupported list kind")
	}
}
