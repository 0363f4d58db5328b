// Package store provides storage backends for evoflow.
//
// It includes an in-memory store for tests, a PostgreSQL store using the
// pgvector extension for chunk similarity search, and a SQLite store for
// single-box deployments.
package store

import (
	"strings"

	"github.com/XSirch/evoflow/internal/models"
)

// Store defines the persistence operations the conversation pipeline and the
// knowledge indexer require.
type Store interface {
	// Tenant configuration (owned by the dashboard, read-mostly here).
	GetTenant(id string) (*models.Tenant, error)
	SaveTenant(tenant models.Tenant) error

	// Knowledge documents and their derived chunks.
	GetDocument(id string) (*models.KnowledgeDocument, error)
	SaveDocument(doc models.KnowledgeDocument) error
	ListActiveDocuments(tenantID string) ([]models.KnowledgeDocument, error)
	// ReplaceDocumentChunks atomically deletes all chunks for a document and
	// writes the given set. Ordinals in the new set are contiguous from 0.
	ReplaceDocumentChunks(documentID string, chunks []models.Chunk) error
	// SearchChunks returns up to limit chunks ordered by ascending cosine
	// distance to the query embedding, scoped to active documents of the
	// given tenant.
	SearchChunks(tenantID string, embedding []float32, limit int) ([]models.ChunkMatch, error)

	// Contacts, keyed externally by (tenant, phone).
	GetContactByPhone(tenantID, phone string) (*models.Contact, error)
	SaveContact(contact models.Contact) error

	// Conversations, one per (tenant, phone) pair.
	GetConversationByPhone(tenantID, phone string) (*models.Conversation, error)
	GetConversation(id string) (*models.Conversation, error)
	SaveConversation(conv models.Conversation) error
	// DeleteConversation removes a conversation and cascades to its messages.
	DeleteConversation(id string) error

	// Messages, append-only, ordered by timestamp ascending.
	AddMessage(msg models.Message) error
	ListMessages(conversationID string) ([]models.Message, error)
	CountMessagesBySender(conversationID string, sender models.SenderRole) (int, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets a SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" based on its shape.
// Connection URLs and key=value connection strings are treated as PostgreSQL;
// anything else is assumed to be a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
