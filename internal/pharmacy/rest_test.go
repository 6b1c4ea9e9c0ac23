package pharmacy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/CarePipe/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewRESTClient(WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewRESTClient: %v", err)
	}
	return c
}

func TestSearchProducts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/products" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("q"); got != "ibuprofen" {
			t.Errorf("query = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(SearchResult{
			Items:      []models.PageItem{{ID: "p1", Label: "Ibuprofen 200mg"}},
			Page:       1,
			TotalPages: 3,
		})
	})

	res, err := c.SearchProducts(context.Background(), "tok-1", "ibuprofen", 1, 5)
	if err != nil {
		t.Fatalf("SearchProducts: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].ID != "p1" {
		t.Errorf("items = %+v", res.Items)
	}
	if res.TotalPages != 3 {
		t.Errorf("total pages = %d", res.TotalPages)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"server error is transient", http.StatusBadGateway, "", models.IsTransient},
		{"validation failure is rejected", http.StatusUnprocessableEntity, `{"message":"email already registered"}`, models.IsRejected},
		{"missing resource is not found", http.StatusNotFound, "", models.IsNotFound},
		{"conflict is conflict", http.StatusConflict, "", models.IsConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			_, err := c.SearchProducts(context.Background(), "tok", "x", 1, 5)
			if !tc.check(err) {
				t.Errorf("wrong classification: %v", err)
			}
		})
	}
}

func TestRejectionCarriesUpstreamMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"email already registered"}`))
	})
	_, err := c.RegisterUser(context.Background(), Registration{Name: "Ada", Email: "ada@example.com"})
	if models.RejectionReason(err) != "email already registered" {
		t.Errorf("reason = %q", models.RejectionReason(err))
	}
}

func TestUnreachableHostIsTransient(t *testing.T) {
	c, err := NewRESTClient(WithBaseURL("http://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("NewRESTClient: %v", err)
	}
	_, err = c.Login(context.Background(), "15551230001")
	if !models.IsTransient(err) {
		t.Errorf("connection failure should be transient, got %v", err)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/users":
			var reg Registration
			json.NewDecoder(r.Body).Decode(&reg)
			if reg.Email != "ada@example.com" {
				t.Errorf("registration payload = %+v", reg)
			}
			json.NewEncoder(w).Encode(map[string]string{"user_id": "u-1"})
		case "/v1/auth/login":
			json.NewEncoder(w).Encode(map[string]string{"token": "ext-tok"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	userID, err := c.RegisterUser(context.Background(), Registration{Name: "Ada", Email: "ada@example.com", Phone: "15551230001"})
	if err != nil || userID != "u-1" {
		t.Fatalf("RegisterUser = %q, %v", userID, err)
	}
	token, err := c.Login(context.Background(), "15551230001")
	if err != nil || token != "ext-tok" {
		t.Fatalf("Login = %q, %v", token, err)
	}
}

func TestPlaceOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Items []models.CartItem `json:"items"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Items) != 1 || body.Items[0].ProductID != "p1" {
			t.Errorf("order items = %+v", body.Items)
		}
		json.NewEncoder(w).Encode(Order{ID: "o-9", Total: "12.50"})
	})

	order, err := c.PlaceOrder(context.Background(), "tok", []models.CartItem{{ProductID: "p1", Name: "Ibuprofen", Quantity: 2}})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.ID != "o-9" {
		t.Errorf("order id = %s", order.ID)
	}
}

func TestSearchDispatch(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(SearchResult{Page: 1, TotalPages: 1})
	})

	paths := map[models.ListKind]string{
		models.ListKindProducts: "/v1/products",
		models.ListKindDoctors:  "/v1/doctors",
		models.ListKindLabTests: "/v1/labtests",
	}
	for kind, want := range paths {
		if _, err := Search(context.Background(), c, kind, "tok", "", 1, 5); err != nil {
			t.Fatalf("Search(%s): %v", kind, err)
		}
		if gotPath != want {
			t.Errorf("Search(%s) hit %s, want %s", kind, gotPath, want)
		}
	}

	if _, err := Search(context.Background(), c, models.ListKind("bogus"), "tok", "", 1, 5); !models.IsRejected(err) {
		t.Errorf("bogus kind should reject, got %v", err)
	}
}
