package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glassystudio/agendabot/internal/models"
	"github.com/glassystudio/agendabot/internal/util"
	"github.com/glassystudio/agendabot/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // access to underlying client for event handling
	messages chan models.WebhookRequest
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:   client,
		messages: make(chan models.WebhookRequest, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient accepts phone numbers or user JIDs and
// canonicalizes them to a full WhatsApp JID.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	jid := util.JIDFromPhone(recipient)
	if jid == "" {
		return "", fmt.Errorf("recipient %q carries no phone digits", recipient)
	}
	return jid, nil
}

// Start begins background processing (event polling).
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")

	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}

	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.messages)
	return nil
}

// SendMessage sends a text message through the gateway.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	slog.Debug("WhatsAppService SendMessage invoked", "to", to, "body_length", len(body))
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", to)
		return err
	}
	slog.Info("WhatsAppService message sent", "to", to)
	return nil
}

// SendDocument sends a document with a caption through the gateway.
func (s *WhatsAppService) SendDocument(ctx context.Context, to string, caption string, media []byte, filename string) error {
	slog.Debug("WhatsAppService SendDocument invoked", "to", to, "filename", filename, "size", len(media))
	if err := s.client.SendDocument(ctx, to, caption, media, filename); err != nil {
		slog.Error("WhatsAppService SendDocument error", "error", err, "to", to)
		return err
	}
	slog.Info("WhatsAppService document sent", "to", to, "filename", filename)
	return nil
}

// Messages returns a channel of incoming client messages.
func (s *WhatsAppService) Messages() <-chan models.WebhookRequest {
	return s.messages
}

// handleEvents registers a whatsmeow event handler and feeds incoming text
// messages into the messages channel.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if v, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(v)
		}
	})

	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage processes incoming text messages from clients.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var messageText string
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
	} else {
		// Skip non-text messages (images, audio, etc.)
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	req := models.WebhookRequest{
		UserID:  evt.Info.Sender.ToNonAD().String(),
		Message: messageText,
	}

	slog.Debug("WhatsAppService processing incoming message", "from", req.UserID, "body_length", len(req.Message))

	select {
	case s.messages <- req:
		slog.Info("WhatsAppService incoming message forwarded", "from", req.UserID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService messages channel blocked, dropping message", "from", req.UserID, "timeout", DefaultChannelTimeout)
	}
}
