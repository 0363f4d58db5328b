// Package messaging provides a pluggable WhatsApp delivery abstraction so
// the rest of the system never talks to a gateway SDK directly.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/XSirch/evoflow/internal/models"
)

// Constants shared by all service implementations.
const (
	// DefaultChannelBufferSize defines the buffer size for inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
// It supports sending text and documents, and provides a channel of inbound
// customer messages.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each service implements its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendDocument delivers the document at documentURL to a recipient,
	// with an optional caption.
	SendDocument(ctx context.Context, to string, documentURL string, caption string) error

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Inbound returns a channel of incoming customer messages.
	Inbound() <-chan models.InboundMessage
}

// canonicalizePhone strips non-digits and enforces a minimal length. Shared
// by implementations whose recipients are bare phone numbers.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(models.NormalizePhone(recipient), "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short")
	}
	return canonical, nil
}
