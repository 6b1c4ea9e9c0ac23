package pharmacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Opts holds optional REST client configuration.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Option configures the REST client.
type Option func(*Opts)

// WithBaseURL sets the platform API base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// RESTClient implements Client against the platform's JSON HTTP API.
type RESTClient struct {
	baseURL string
	http    *http.Client
}

// NewRESTClient creates a REST client for the platform API.
func NewRESTClient(opts ...Option) (*RESTClient, error) {
	cfg := Opts{HTTPClient: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("pharmacy API base URL not set")
	}
	slog.Debug("NewRESTClient created", "base_url", cfg.BaseURL)
	return &RESTClient{baseURL: cfg.BaseURL, http: cfg.HTTPClient}, nil
}

// apiError is the platform's error envelope.
type apiError struct {
	Message string `json:"message"`
}

// do issues one request and maps the response onto the error taxonomy:
// transport failures and 5xx are transient, 4xx are definitive.
func (c *RESTClient) do(ctx context.Context, op, method, path, token string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return models.Fatal(op, err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return models.Fatal(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("RESTClient request failed", "op", op, "error", err)
		return models.Transient(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Transient(op, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return models.Fatal(op, fmt.Errorf("malformed response: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return models.NotFound(op, "resource")
	case resp.StatusCode == http.StatusConflict:
		return models.Conflict(op, path)
	case resp.StatusCode >= 500:
		slog.Warn("RESTClient upstream error", "op", op, "status", resp.StatusCode)
		return models.Transient(op, fmt.Errorf("upstream status %d", resp.StatusCode))
	default:
		var e apiError
		reason := "the request was refused"
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			reason = e.Message
		}
		slog.Info("RESTClient request rejected", "op", op, "status", resp.StatusCode, "reason", reason)
		return models.Rejected(op, reason)
	}
}

func pageQuery(query string, page, pageSize int) string {
	v := url.Values{}
	if query != "" {
		v.Set("q", query)
	}
	v.Set("page", strconv.Itoa(page))
	v.Set("page_size", strconv.Itoa(pageSize))
	return "?" + v.Encode()
}

func (c *RESTClient) search(ctx context.Context, op, path, token, query string, page, pageSize int) (*SearchResult, error) {
	var out SearchResult
	if err := c.do(ctx, op, http.MethodGet, path+pageQuery(query, page, pageSize), token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RESTClient) SearchProducts(ctx context.Context, token, query string, page, pageSize int) (*SearchResult, error) {
	return c.search(ctx, "pharmacy.SearchProducts", "/v1/products", token, query, page, pageSize)
}

func (c *RESTClient) SearchDoctors(ctx context.Context, token, query string, page, pageSize int) (*SearchResult, error) {
	return c.search(ctx, "pharmacy.SearchDoctors", "/v1/doctors", token, query, page, pageSize)
}

func (c *RESTClient) SearchLabTests(ctx context.Context, token, query string, page, pageSize int) (*SearchResult, error) {
	return c.search(ctx, "pharmacy.SearchLabTests", "/v1/labtests", token, query, page, pageSize)
}

func (c *RESTClient) ListAppointmentSlots(ctx context.Context, token, doctorID string, page, pageSize int) (*SearchResult, error) {
	return c.search(ctx, "pharmacy.ListAppointmentSlots", "/v1/doctors/"+url.PathEscape(doctorID)+"/slots", token, "", page, pageSize)
}

func (c *RESTClient) RegisterUser(ctx context.Context, reg Registration) (string, error) {
	var out struct {
		UserID string `json:"user_id"`
	}
	if err := c.do(ctx, "pharmacy.RegisterUser", http.MethodPost, "/v1/users", "", reg, &out); err != nil {
		return "", err
	}
	slog.Info("RESTClient RegisterUser created user", "user_id", out.UserID)
	return out.UserID, nil
}

func (c *RESTClient) Login(ctx context.Context, phone string) (string, error) {
	body := map[string]string{"phone": phone}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, "pharmacy.Login", http.MethodPost, "/v1/auth/login", "", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *RESTClient) RefreshToken(ctx context.Context, token string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, "pharmacy.RefreshToken", http.MethodPost, "/v1/auth/refresh", token, nil, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *RESTClient) PlaceOrder(ctx context.Context, token string, items []models.CartItem) (*Order, error) {
	body := map[string]any{"items": items}
	var out Order
	if err := c.do(ctx, "pharmacy.PlaceOrder", http.MethodPost, "/v1/orders", token, body, &out); err != nil {
		return nil, err
	}
	slog.Info("RESTClient PlaceOrder placed order", "order_id", out.ID)
	return &out, nil
}

func (c *RESTClient) BookAppointment(ctx context.Context, token, slotID string) (string, error) {
	body := map[string]string{"slot_id": slotID}
	var out struct {
		AppointmentID string `json:"appointment_id"`
	}
	if err := c.do(ctx, "pharmacy.BookAppointment", http.MethodPost, "/v1/appointments", token, body, &out); err != nil {
		return "", err
	}
	return out.AppointmentID, nil
}

func (c *RESTClient) AttachDocument(ctx context.Context, token, orderID, documentURL string) (string, error) {
	body := map[string]string{"document_url": documentURL}
	var out struct {
		AttachmentID string `json:"attachment_id"`
	}
	path := "/v1/orders/" + url.PathEscape(orderID) + "/attachments"
	if err := c.do(ctx, "pharmacy.AttachDocument", http.MethodPost, path, token, body, &out); err != nil {
		return "", err
	}
	return out.AttachmentID, nil
}

func (c *RESTClient) OpenSupportTicket(ctx context.Context, token, identity string) (string, error) {
	body := map[string]string{"identity": identity}
	var out struct {
		TicketID string `json:"ticket_id"`
	}
	if err := c.do(ctx, "pharmacy.OpenSupportTicket", http.MethodPost, "/v1/support/tickets", token, body, &out); err != nil {
		return "", err
	}
	slog.Info("RESTClient OpenSupportTicket opened ticket", "ticket_id", out.TicketID)
	return out.TicketID, nil
}

func (c *RESTClient) ForwardSupportMessage(ctx context.Context, token, ticketID, body string) error {
	payload := map[string]string{"body": body}
	path := "/v1/support/tickets/" + url.PathEscape(ticketID) + "/messages"
	return c.do(ctx, "pharmacy.ForwardSupportMessage", http.MethodPost, path, token, payload, nil)
}

func (c *RESTClient) CloseSupportTicket(ctx context.Context, token, ticketID string) error {
	path := "/v1/support/tickets/" + url.PathEscape(ticketID) + "/close"
	return c.do(ctx, "pharmacy.CloseSupportTicket", http.MethodPost, path, token, nil, nil)
}
