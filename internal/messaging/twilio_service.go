package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/glassystudio/agendabot/internal/models"
	"github.com/glassystudio/agendabot/internal/twiliowa"
	"github.com/glassystudio/agendabot/internal/util"
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = fmt.Errorf("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// TwilioService implements Service over the Twilio WhatsApp REST API.
// Inbound messages arrive through TwilioWebhookHandler, which must be mounted
// on the HTTP server.
type TwilioService struct {
	client   twiliowa.Sender
	messages chan models.WebhookRequest
	done     chan struct{}

	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a TwilioService wrapping the given Sender.
func NewTwilioService(client twiliowa.Sender) *TwilioService {
	return &TwilioService{
		client:   client,
		messages: make(chan models.WebhookRequest, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient strips the recipient down to an E.164
// number. Queue recipients are stored as WhatsApp JIDs, so the JID domain is
// dropped here.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	canonical := phoneNumberRegex.ReplaceAllString(util.ClientNumber(recipient), "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}

	return "+" + canonical, nil
}

// Start is a no-op for Twilio (no live client connection).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.messages)
	return nil
}

// SendMessage sends a text message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}

	slog.Info("TwilioService message sent", "to", canonicalTo)
	return nil
}

// SendDocument degrades to text delivery: the Twilio Go SDK offers no media
// upload for WhatsApp, so the caption is sent with a notice and the recipient
// is told the document follows through another channel.
func (s *TwilioService) SendDocument(ctx context.Context, to string, caption string, media []byte, filename string) error {
	slog.Warn("TwilioService document delivery unsupported, sending caption only", "to", to, "filename", filename, "size", len(media))
	return s.SendMessage(ctx, to, caption)
}

// Messages returns the channel of inbound client messages.
func (s *TwilioService) Messages() <-chan models.WebhookRequest {
	return s.messages
}

// TwilioWebhookHandler handles inbound Twilio webhook requests, converting
// form-encoded messages into the same shape the JSON webhook accepts.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")

	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	req := models.WebhookRequest{
		UserID:  util.JIDFromPhone(from),
		Message: body,
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", req.UserID, "body_length", len(req.Message))
	s.safeEmitMessage(req)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// safeEmitMessage pushes an inbound message without blocking the webhook.
func (s *TwilioService) safeEmitMessage(req models.WebhookRequest) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", req.UserID)
		return
	}

	select {
	case s.messages <- req:
		slog.Debug("TwilioService emitted inbound message", "from", req.UserID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService messages channel blocked, dropping message", "from", req.UserID)
	}
}

var (
	_ Service = (*WhatsAppService)(nil)
	_ Service = (*TwilioService)(nil)
)
