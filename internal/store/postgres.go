// Package store provides storage backends for evoflow.
//
// This file implements the PostgreSQL-backed store. Chunk similarity search
// is pushed into the database via the pgvector extension.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/XSirch/evoflow/internal/models"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on PostgreSQL with pgvector.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// GetTenant retrieves a tenant by ID. Returns nil if not found.
func (s *PostgresStore) GetTenant(id string) (*models.Tenant, error) {
	query := `SELECT id, name, COALESCE(description, ''), tone, fallback_message, COALESCE(document_url, ''), created_at, updated_at
			  FROM tenants WHERE id = $1`

	var t models.Tenant
	err := s.db.QueryRow(query, id).Scan(&t.ID, &t.Name, &t.Description, &t.Tone, &t.FallbackMessage, &t.DocumentURL, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetTenant not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetTenant failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get tenant %s: %w", id, err)
	}
	return &t, nil
}

// SaveTenant stores or updates a tenant.
func (s *PostgresStore) SaveTenant(tenant models.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, description, tone, fallback_message, document_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id)
		DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			tone = EXCLUDED.tone,
			fallback_message = EXCLUDED.fallback_message,
			document_url = EXCLUDED.document_url,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.Exec(query, tenant.ID, tenant.Name, tenant.Description, string(tenant.Tone),
		tenant.FallbackMessage, tenant.DocumentURL, tenant.CreatedAt, tenant.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveTenant failed", "error", err, "id", tenant.ID)
		return fmt.Errorf("failed to save tenant %s: %w", tenant.ID, err)
	}
	slog.Debug("PostgresStore SaveTenant succeeded", "id", tenant.ID)
	return nil
}

// GetDocument retrieves a knowledge document by ID. Returns nil if not found.
func (s *PostgresStore) GetDocument(id string) (*models.KnowledgeDocument, error) {
	query := `SELECT id, tenant_id, title, content, active, created_at, updated_at FROM documents WHERE id = $1`

	var d models.KnowledgeDocument
	err := s.db.QueryRow(query, id).Scan(&d.ID, &d.TenantID, &d.Title, &d.Content, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetDocument not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetDocument failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return &d, nil
}

// SaveDocument stores or updates a knowledge document.
func (s *PostgresStore) SaveDocument(doc models.KnowledgeDocument) error {
	query := `
		INSERT INTO documents (id, tenant_id, title, content, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.Exec(query, doc.ID, doc.TenantID, doc.Title, doc.Content, doc.Active, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveDocument failed", "error", err, "id", doc.ID)
		return fmt.Errorf("failed to save document %s: %w", doc.ID, err)
	}
	slog.Debug("PostgresStore SaveDocument succeeded", "id", doc.ID, "active", doc.Active)
	return nil
}

// ListActiveDocuments returns the active documents for a tenant.
func (s *PostgresStore) ListActiveDocuments(tenantID string) ([]models.KnowledgeDocument, error) {
	query := `SELECT id, tenant_id, title, content, active, created_at, updated_at
			  FROM documents WHERE tenant_id = $1 AND active = TRUE ORDER BY created_at`

	rows, err := s.db.Query(query, tenantID)
	if err != nil {
		slog.Error("PostgresStore ListActiveDocuments query failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("failed to query active documents: %w", err)
	}
	defer rows.Close()

	var docs []models.KnowledgeDocument
	for rows.Next() {
		var d models.KnowledgeDocument
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Title, &d.Content, &d.Active, &d.CreatedAt, &d.UpdatedAt); err != nil {
			slog.Error("PostgresStore ListActiveDocuments scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListActiveDocuments rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate document rows: %w", err)
	}
	slog.Debug("PostgresStore ListActiveDocuments succeeded", "tenantID", tenantID, "count", len(docs))
	return docs, nil
}

// ReplaceDocumentChunks deletes all chunks for a document and writes the new
// set within a single transaction, so readers never observe a partial set.
func (s *PostgresStore) ReplaceDocumentChunks(documentID string, chunks []models.Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("PostgresStore ReplaceDocumentChunks begin failed", "error", err, "documentID", documentID)
		return fmt.Errorf("failed to begin chunk replacement: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		slog.Error("PostgresStore ReplaceDocumentChunks delete failed", "error", err, "documentID", documentID)
		return fmt.Errorf("failed to delete old chunks: %w", err)
	}

	insert := `INSERT INTO chunks (id, document_id, ordinal, content, embedding, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	for _, c := range chunks {
		if _, err := tx.Exec(insert, c.ID, documentID, c.Ordinal, c.Content, pgvector.NewVector(c.Embedding), c.CreatedAt); err != nil {
			slog.Error("PostgresStore ReplaceDocumentChunks insert failed", "error", err, "documentID", documentID, "ordinal", c.Ordinal)
			return fmt.Errorf("failed to insert chunk %d: %w", c.Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore ReplaceDocumentChunks commit failed", "error", err, "documentID", documentID)
		return fmt.Errorf("failed to commit chunk replacement: %w", err)
	}
	slog.Debug("PostgresStore ReplaceDocumentChunks succeeded", "documentID", documentID, "count", len(chunks))
	return nil
}

// SearchChunks returns the nearest chunks by cosine distance, scoped to
// active documents of the tenant.
func (s *PostgresStore) SearchChunks(tenantID string, embedding []float32, limit int) ([]models.ChunkMatch, error) {
	query := `
		SELECT c.id, c.document_id, c.ordinal, c.content, c.created_at, c.embedding <=> $1 AS distance
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.tenant_id = $2 AND d.active = TRUE AND c.embedding IS NOT NULL
		ORDER BY distance ASC
		LIMIT $3`

	rows, err := s.db.Query(query, pgvector.NewVector(embedding), tenantID, limit)
	if err != nil {
		slog.Error("PostgresStore SearchChunks query failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	var matches []models.ChunkMatch
	for rows.Next() {
		var m models.ChunkMatch
		if err := rows.Scan(&m.Chunk.ID, &m.Chunk.DocumentID, &m.Chunk.Ordinal, &m.Chunk.Content, &m.Chunk.CreatedAt, &m.Distance); err != nil {
			slog.Error("PostgresStore SearchChunks scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan chunk match: %w", err)
		}
		m.Relevance = 1 - m.Distance
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore SearchChunks rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate chunk matches: %w", err)
	}
	slog.Debug("PostgresStore SearchChunks succeeded", "tenantID", tenantID, "count", len(matches))
	return matches, nil
}

// GetContactByPhone retrieves a contact by (tenant, phone). Returns nil if not found.
func (s *PostgresStore) GetContactByPhone(tenantID, phone string) (*models.Contact, error) {
	query := `SELECT id, tenant_id, COALESCE(name, ''), phone, permission, created_at, updated_at
			  FROM contacts WHERE tenant_id = $1 AND phone = $2`

	var c models.Contact
	var permission string
	err := s.db.QueryRow(query, tenantID, phone).Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &permission, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetContactByPhone not found", "tenantID", tenantID, "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetContactByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get contact by phone %s: %w", phone, err)
	}
	c.Permission = models.Permission(permission)
	return &c, nil
}

// SaveContact stores or updates a contact, keyed by (tenant, phone).
func (s *PostgresStore) SaveContact(contact models.Contact) error {
	query := `
		INSERT INTO contacts (id, tenant_id, name, phone, permission, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, phone)
		DO UPDATE SET
			name = EXCLUDED.name,
			permission = EXCLUDED.permission,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.Exec(query, contact.ID, contact.TenantID, nilIfEmpty(contact.Name), contact.Phone,
		string(contact.Permission), contact.CreatedAt, contact.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveContact failed", "error", err, "id", contact.ID, "phone", contact.Phone)
		return fmt.Errorf("failed to save contact %s: %w", contact.ID, err)
	}
	slog.Debug("PostgresStore SaveContact succeeded", "id", contact.ID, "phone", contact.Phone)
	return nil
}

// GetConversationByPhone retrieves a conversation by (tenant, phone). Returns nil if not found.
func (s *PostgresStore) GetConversationByPhone(tenantID, phone string) (*models.Conversation, error) {
	query := `SELECT id, tenant_id, contact_id, phone, COALESCE(contact_name, ''), status, tokens_used, last_activity_at, created_at, updated_at
			  FROM conversations WHERE tenant_id = $1 AND phone = $2`

	return s.scanConversation(s.db.QueryRow(query, tenantID, phone))
}

// GetConversation retrieves a conversation by ID. Returns nil if not found.
func (s *PostgresStore) GetConversation(id string) (*models.Conversation, error) {
	query := `SELECT id, tenant_id, contact_id, phone, COALESCE(contact_name, ''), status, tokens_used, last_activity_at, created_at, updated_at
			  FROM conversations WHERE id = $1`

	return s.scanConversation(s.db.QueryRow(query, id))
}

func (s *PostgresStore) scanConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	var status string
	err := row.Scan(&c.ID, &c.TenantID, &c.ContactID, &c.Phone, &c.ContactName, &status,
		&c.TokensUsed, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore conversation scan failed", "error", err)
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	c.Status = models.ConversationStatus(status)
	return &c, nil
}

// SaveConversation stores or updates a conversation, keyed by (tenant, phone).
func (s *PostgresStore) SaveConversation(conv models.Conversation) error {
	query := `
		INSERT INTO conversations (id, tenant_id, contact_id, phone, contact_name, status, tokens_used, last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, phone)
		DO UPDATE SET
			contact_name = EXCLUDED.contact_name,
			status = EXCLUDED.status,
			tokens_used = EXCLUDED.tokens_used,
			last_activity_at = EXCLUDED.last_activity_at,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.Exec(query, conv.ID, conv.TenantID, conv.ContactID, conv.Phone, nilIfEmpty(conv.ContactName),
		string(conv.Status), conv.TokensUsed, conv.LastActivityAt, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "id", conv.ID)
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	slog.Debug("PostgresStore SaveConversation succeeded", "id", conv.ID, "status", conv.Status, "tokens_used", conv.TokensUsed)
	return nil
}

// DeleteConversation removes a conversation; messages cascade via FK.
func (s *PostgresStore) DeleteConversation(id string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteConversation failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	slog.Debug("PostgresStore DeleteConversation succeeded", "id", id)
	return nil
}

// AddMessage appends a message to its conversation.
func (s *PostgresStore) AddMessage(msg models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	query := `INSERT INTO messages (id, conversation_id, sender, content, timestamp) VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.Exec(query, msg.ID, msg.ConversationID, string(msg.Sender), msg.Content, msg.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "conversationID", msg.ConversationID)
		return fmt.Errorf("failed to insert message for conversation %s: %w", msg.ConversationID, err)
	}
	slog.Debug("PostgresStore AddMessage succeeded", "conversationID", msg.ConversationID, "sender", msg.Sender)
	return nil
}

// ListMessages returns a conversation's messages in timestamp order.
func (s *PostgresStore) ListMessages(conversationID string) ([]models.Message, error) {
	query := `SELECT id, conversation_id, sender, content, timestamp FROM messages
			  WHERE conversation_id = $1 ORDER BY timestamp ASC`

	rows, err := s.db.Query(query, conversationID)
	if err != nil {
		slog.Error("PostgresStore ListMessages query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var sender string
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &m.Timestamp); err != nil {
			slog.Error("PostgresStore ListMessages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Sender = models.SenderRole(sender)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListMessages rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

// CountMessagesBySender counts a conversation's messages with the given sender role.
func (s *PostgresStore) CountMessagesBySender(conversationID string, sender models.SenderRole) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND sender = $2`,
		conversationID, string(sender)).Scan(&count)
	if err != nil {
		slog.Error("PostgresStore CountMessagesBySender failed", "error", err, "conversationID", conversationID)
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
