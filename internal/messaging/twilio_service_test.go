package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/glassystudio/agendabot/internal/twiliowa"
)

func TestTwilioValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(twiliowa.NewMockClient())

	tests := []struct {
		name      string
		recipient string
		want      string
		wantErr   bool
	}{
		{"full JID", "5511999998888@s.whatsapp.net", "+5511999998888", false},
		{"bare number", "5511999998888", "+5511999998888", false},
		{"formatted number", "+55 (11) 99999-8888", "+5511999998888", false},
		{"empty", "", "", true},
		{"no digits", "abc@s.whatsapp.net", "", true},
		{"too short", "12345", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.ValidateAndCanonicalizeRecipient(tt.recipient)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", tt.recipient, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("canonical recipient = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTwilioSendMessageCanonicalizesJID(t *testing.T) {
	mock := twiliowa.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "5511999998888@s.whatsapp.net", "Olá!"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].To != "+5511999998888" {
		t.Errorf("sent to %q, want %q", mock.SentMessages[0].To, "+5511999998888")
	}
}

func TestTwilioSendDocumentDegradesToCaption(t *testing.T) {
	mock := twiliowa.NewMockClient()
	svc := NewTwilioService(mock)

	err := svc.SendDocument(context.Background(), "5511999998888", "Segue nosso portfólio!", []byte("pdf"), "portfolio.pdf")
	if err != nil {
		t.Fatalf("SendDocument failed: %v", err)
	}
	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].Body != "Segue nosso portfólio!" {
		t.Errorf("caption not delivered as text: %q", mock.SentMessages[0].Body)
	}
}

func TestTwilioSendAfterStopFails(t *testing.T) {
	svc := NewTwilioService(twiliowa.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "5511999998888", "Olá!"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestTwilioWebhookHandlerEmitsMessage(t *testing.T) {
	svc := NewTwilioService(twiliowa.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+5511999998888")
	form.Set("Body", "oi")
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	select {
	case msg := <-svc.Messages():
		if msg.UserID != "5511999998888@s.whatsapp.net" {
			t.Errorf("UserID = %q, want JID form", msg.UserID)
		}
		if msg.Message != "oi" {
			t.Errorf("Message = %q, want %q", msg.Message, "oi")
		}
	default:
		t.Fatal("no inbound message emitted")
	}
}

func TestTwilioWebhookHandlerRejectsMissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowa.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+5511999998888")
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
