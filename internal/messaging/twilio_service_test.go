package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/XSirch/evoflow/internal/twiliowhatsapp"
)

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		name      string
		recipient string
		want      string
		wantErr   bool
	}{
		{name: "bare digits", recipient: "5511988887777", want: "5511988887777"},
		{name: "plus prefix", recipient: "+5511988887777", want: "5511988887777"},
		{name: "whatsapp prefix", recipient: "whatsapp:+5511988887777", want: "5511988887777"},
		{name: "jid", recipient: "5511988887777@s.whatsapp.net", want: "5511988887777"},
		{name: "separators", recipient: "+55 (11) 98888-7777", want: "5511988887777"},
		{name: "empty", recipient: "", wantErr: true},
		{name: "no digits", recipient: "not-a-number", wantErr: true},
		{name: "too short", recipient: "12345", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canonicalizePhone(tt.recipient)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTwilioServiceSendCanonicalizes(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "whatsapp:+5511988887777", "olá"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "5511988887777" {
		t.Errorf("recipient not canonicalized: %+v", mock.SentMessages)
	}

	if err := svc.SendMessage(context.Background(), "invalid", "olá"); err == nil {
		t.Error("expected validation error for recipient without digits")
	}
}

func TestTwilioServiceStoppedRejectsSends(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}

	if err := svc.SendMessage(context.Background(), "5511988887777", "olá"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if err := svc.SendDocument(context.Background(), "5511988887777", "https://x/doc.pdf", ""); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	// Stop is idempotent.
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestTwilioWebhookHandlerEmitsInbound(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+5511988887777")
	form.Set("Body", "que horas abre?")
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case msg := <-svc.Inbound():
		if msg.From != "whatsapp:+5511988887777" || msg.Body != "que horas abre?" {
			t.Errorf("unexpected inbound message: %+v", msg)
		}
	default:
		t.Fatal("no inbound message emitted")
	}
}

func TestTwilioWebhookHandlerRejectsMissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+5511988887777")
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
