// Package models defines the core data structures for evoflow.
//
// It includes the tenant configuration, knowledge base records, contacts,
// conversations and messages shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

// Tone enumerates the reply tone a tenant can configure for the agent.
type Tone string

const (
	// ToneFormal produces sober, businesslike replies.
	ToneFormal Tone = "formal"
	// ToneFriendly produces warm, approachable replies.
	ToneFriendly Tone = "friendly"
	// ToneEnthusiastic produces upbeat, energetic replies.
	ToneEnthusiastic Tone = "enthusiastic"
)

// IsValidTone checks if the given tone is supported.
func IsValidTone(t Tone) bool {
	switch t {
	case ToneFormal, ToneFriendly, ToneEnthusiastic:
		return true
	default:
		return false
	}
}

// Permission enumerates the marketing-consent state of a contact.
type Permission string

const (
	// PermissionAllowed means the contact accepts proactive messages.
	PermissionAllowed Permission = "allowed"
	// PermissionDenied means the contact opted out of proactive messages.
	PermissionDenied Permission = "denied"
)

// ConversationStatus enumerates the lifecycle states of a conversation.
type ConversationStatus string

const (
	// StatusActive means the bot is answering automatically.
	StatusActive ConversationStatus = "active"
	// StatusWaitingHuman means a human operator is presumed to be handling
	// the thread; the bot stays silent.
	StatusWaitingHuman ConversationStatus = "waiting_human"
	// StatusCompleted means the conversation was explicitly closed.
	StatusCompleted ConversationStatus = "completed"
)

// IsValidConversationStatus checks if the given status is supported.
func IsValidConversationStatus(s ConversationStatus) bool {
	switch s {
	case StatusActive, StatusWaitingHuman, StatusCompleted:
		return true
	default:
		return false
	}
}

// SenderRole enumerates who authored a message.
type SenderRole string

const (
	// SenderCustomer is an inbound message from the end customer.
	SenderCustomer SenderRole = "customer"
	// SenderBot is an automated reply generated by the agent.
	SenderBot SenderRole = "bot"
	// SenderSystem is a canned system notice (e.g. handover announcements).
	SenderSystem SenderRole = "system"
)

// IsValidSenderRole checks if the given sender role is supported.
func IsValidSenderRole(r SenderRole) bool {
	switch r {
	case SenderCustomer, SenderBot, SenderSystem:
		return true
	default:
		return false
	}
}

// Validation limits for stored content.
const (
	// MaxMessageLength defines the maximum allowed length for message content.
	MaxMessageLength = 8192
	// MaxContactNameLength defines the maximum allowed length for contact names.
	MaxContactNameLength = 120
)

// Error variables for better error handling and testability.
var (
	ErrEmptyPhone           = errors.New("phone identifier cannot be empty")
	ErrEmptyContent         = errors.New("message content cannot be empty")
	ErrMessageTooLong       = errors.New("message content exceeds maximum length")
	ErrInvalidTone          = errors.New("invalid tone setting")
	ErrInvalidStatus        = errors.New("invalid conversation status")
	ErrInvalidSender        = errors.New("invalid message sender role")
	ErrTenantNotFound       = errors.New("tenant configuration not found")
	ErrContactNotFound      = errors.New("contact not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrDocumentNotFound     = errors.New("knowledge document not found")
)

// Tenant is the per-deployment merchant configuration. It is owned by the
// dashboard and read-only to the conversation pipeline.
type Tenant struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Tone            Tone      `json:"tone"`
	FallbackMessage string    `json:"fallback_message"`
	DocumentURL     string    `json:"document_url,omitempty"` // reference document offered to customers
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// KnowledgeDocument is a merchant-supplied text the agent answers from.
type KnowledgeDocument struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chunk is a bounded window of a knowledge document, the unit of embedding
// and retrieval. All chunks of a document are replaced as a unit whenever the
// document is reprocessed; ordinals are contiguous from 0.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Ordinal    int       `json:"ordinal"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChunkMatch is a retrieval result: a chunk annotated with its cosine
// distance to the query and the derived relevance score (1 - distance).
type ChunkMatch struct {
	Chunk     Chunk   `json:"chunk"`
	Distance  float64 `json:"distance"`
	Relevance float64 `json:"relevance"`
}

// Contact is an end customer identified by phone number. The phone is the
// immutable external correlation key; the name is updated opportunistically
// when the customer introduces themselves.
type Contact struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name,omitempty"`
	Phone      string     `json:"phone"`
	Permission Permission `json:"permission"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Conversation is the single thread between the tenant and a contact.
// One conversation exists per (tenant, phone) pair.
type Conversation struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenant_id"`
	ContactID      string             `json:"contact_id"`
	Phone          string             `json:"phone"` // denormalized for lookup
	ContactName    string             `json:"contact_name,omitempty"`
	Status         ConversationStatus `json:"status"`
	TokensUsed     int                `json:"tokens_used"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Message is one append-only entry in a conversation, ordered by timestamp.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Sender         SenderRole `json:"sender"`
	Content        string     `json:"content"`
	Timestamp      time.Time  `json:"timestamp"`
}

// Validate performs validation on a Message before persistence.
func (m *Message) Validate() error {
	if !IsValidSenderRole(m.Sender) {
		return ErrInvalidSender
	}
	if m.Content == "" {
		return ErrEmptyContent
	}
	if len(m.Content) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// InboundMessage is a normalized webhook delivery from the messaging gateway.
type InboundMessage struct {
	From      string    `json:"from"`    // raw sender identifier as delivered
	Body      string    `json:"body"`    // optional text body
	FromMe    bool      `json:"from_me"` // true when the bot itself originated the message
	Timestamp time.Time `json:"timestamp"`
}

// NormalizePhone reduces a gateway sender identifier to its digits-only
// phone form: everything after a domain separator ("@") is dropped and
// non-digit characters are stripped from the remainder. An identifier with
// no digits normalizes to the empty string.
func NormalizePhone(raw string) string {
	user := raw
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		user = raw[:at]
	}
	var b strings.Builder
	b.Grow(len(user))
	for _, r := range user {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusIgnored indicates a webhook delivery was acknowledged but
	// intentionally not processed.
	APIStatusIgnored APIStatus = "ignored"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Ignored creates a response acknowledging a webhook that was not processed.
func Ignored(message string) APIResponse {
	return APIResponse{Status: string(APIStatusIgnored), Message: message}
}
