package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/twilio"
)

func TestTwilioWebhookEmitsResponse(t *testing.T) {
	svc := NewTwilioService(twilio.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+15551230001")
	form.Set("Body", "show me products")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.WebhookHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}

	select {
	case resp := <-svc.Responses():
		if resp.Body != "show me products" {
			t.Errorf("body = %q", resp.Body)
		}
		if resp.From != "whatsapp:+15551230001" {
			t.Errorf("from = %q", resp.From)
		}
	default:
		t.Fatal("no response emitted")
	}
}

func TestTwilioWebhookRejectsMissingFields(t *testing.T) {
	svc := NewTwilioService(twilio.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+15551230001")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.WebhookHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("webhook status = %d, want 400", rec.Code)
	}
}

func TestTwilioSendMessage(t *testing.T) {
	mock := twilio.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "+1 (555) 123-0001", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "15551230001" {
		t.Errorf("sent = %+v", mock.SentMessages)
	}

	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusSent {
			t.Errorf("receipt status = %s", r.Status)
		}
	default:
		t.Error("no receipt emitted")
	}
}

func TestTwilioSendAfterStop(t *testing.T) {
	svc := NewTwilioService(twilio.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "15551230001", "hello"); err != ErrServiceStopped {
		t.Errorf("send after stop = %v, want ErrServiceStopped", err)
	}
}

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(twilio.NewMockClient())
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-0001", "15551230001", false},
		{"15551230001", "15551230001", false},
		{"", "", true},
		{"abc", "", true},
		{"123", "", true},
	}
	for _, tc := range cases {
		got, err := svc.ValidateAndCanonicalizeRecipient(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ValidateAndCanonicalizeRecipient(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, %v", tc.in, got, err)
		}
	}
}
