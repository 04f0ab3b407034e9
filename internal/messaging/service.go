// Package messaging defines the gateway abstraction AgendaBot delivers
// through, plus the dispatcher that drains the outbound queue.
//
// Two implementations exist: WhatsAppService over the whatsmeow client and
// TwilioService over the Twilio REST API. Both are selected at startup; the
// rest of the program only sees the Service interface.
package messaging

import (
	"context"
	"time"

	"github.com/glassystudio/agendabot/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the inbound message channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Returns the canonicalized recipient and an error if
	// validation fails. Each gateway applies its own addressing rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendDocument sends a document attachment with a caption. Gateways
	// without document support degrade to text delivery.
	SendDocument(ctx context.Context, to string, caption string, media []byte, filename string) error

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Messages returns a channel of incoming client messages, already in the
	// shape the webhook endpoint accepts.
	Messages() <-chan models.WebhookRequest
}
