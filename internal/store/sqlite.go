// Package store provides storage backends for evoflow.
//
// This file implements the SQLite-backed store for single-box deployments.
// SQLite has no vector extension here, so embeddings are stored as JSON text
// and nearest-neighbor search ranks candidates in-process.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "embed"

	"github.com/XSirch/evoflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store based on provided options.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		slog.Error("Failed to open SQLite database", "error", err, "path", dsn)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// GetTenant retrieves a tenant by ID. Returns nil if not found.
func (s *SQLiteStore) GetTenant(id string) (*models.Tenant, error) {
	query := `SELECT id, name, COALESCE(description, ''), tone, fallback_message, COALESCE(document_url, ''), created_at, updated_at
			  FROM tenants WHERE id = ?`

	var t models.Tenant
	err := s.db.QueryRow(query, id).Scan(&t.ID, &t.Name, &t.Description, &t.Tone, &t.FallbackMessage, &t.DocumentURL, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetTenant failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get tenant %s: %w", id, err)
	}
	return &t, nil
}

// SaveTenant stores or updates a tenant.
func (s *SQLiteStore) SaveTenant(tenant models.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, description, tone, fallback_message, document_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			tone = excluded.tone,
			fallback_message = excluded.fallback_message,
			document_url = excluded.document_url,
			updated_at = excluded.updated_at`

	_, err := s.db.Exec(query, tenant.ID, tenant.Name, tenant.Description, string(tenant.Tone),
		tenant.FallbackMessage, tenant.DocumentURL, tenant.CreatedAt, tenant.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveTenant failed", "error", err, "id", tenant.ID)
		return fmt.Errorf("failed to save tenant %s: %w", tenant.ID, err)
	}
	return nil
}

// GetDocument retrieves a knowledge document by ID. Returns nil if not found.
func (s *SQLiteStore) GetDocument(id string) (*models.KnowledgeDocument, error) {
	query := `SELECT id, tenant_id, title, content, active, created_at, updated_at FROM documents WHERE id = ?`

	var d models.KnowledgeDocument
	err := s.db.QueryRow(query, id).Scan(&d.ID, &d.TenantID, &d.Title, &d.Content, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetDocument failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return &d, nil
}

// SaveDocument stores or updates a knowledge document.
func (s *SQLiteStore) SaveDocument(doc models.KnowledgeDocument) error {
	query := `
		INSERT INTO documents (id, tenant_id, title, content, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			active = excluded.active,
			updated_at = excluded.updated_at`

	_, err := s.db.Exec(query, doc.ID, doc.TenantID, doc.Title, doc.Content, doc.Active, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveDocument failed", "error", err, "id", doc.ID)
		return fmt.Errorf("failed to save document %s: %w", doc.ID, err)
	}
	return nil
}

// ListActiveDocuments returns the active documents for a tenant.
func (s *SQLiteStore) ListActiveDocuments(tenantID string) ([]models.KnowledgeDocument, error) {
	query := `SELECT id, tenant_id, title, content, active, created_at, updated_at
			  FROM documents WHERE tenant_id = ? AND active = 1 ORDER BY created_at`

	rows, err := s.db.Query(query, tenantID)
	if err != nil {
		slog.Error("SQLiteStore ListActiveDocuments query failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("failed to query active documents: %w", err)
	}
	defer rows.Close()

	var docs []models.KnowledgeDocument
	for rows.Next() {
		var d models.KnowledgeDocument
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Title, &d.Content, &d.Active, &d.CreatedAt, &d.UpdatedAt); err != nil {
			slog.Error("SQLiteStore ListActiveDocuments scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate document rows: %w", err)
	}
	return docs, nil
}

// ReplaceDocumentChunks deletes all chunks for a document and writes the new
// set within a single transaction.
func (s *SQLiteStore) ReplaceDocumentChunks(documentID string, chunks []models.Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("SQLiteStore ReplaceDocumentChunks begin failed", "error", err, "documentID", documentID)
		return fmt.Errorf("failed to begin chunk replacement: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		slog.Error("SQLiteStore ReplaceDocumentChunks delete failed", "error", err, "documentID", documentID)
		return fmt.Errorf("failed to delete old chunks: %w", err)
	}

	insert := `INSERT INTO chunks (id, document_id, ordinal, content, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	for _, c := range chunks {
		embJSON, err := marshalEmbedding(c.Embedding)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(insert, c.ID, documentID, c.Ordinal, c.Content, embJSON, c.CreatedAt); err != nil {
			slog.Error("SQLiteStore ReplaceDocumentChunks insert failed", "error", err, "documentID", documentID, "ordinal", c.Ordinal)
			return fmt.Errorf("failed to insert chunk %d: %w", c.Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore ReplaceDocumentChunks commit failed", "error", err, "documentID", documentID)
		return fmt.Errorf("failed to commit chunk replacement: %w", err)
	}
	slog.Debug("SQLiteStore ReplaceDocumentChunks succeeded", "documentID", documentID, "count", len(chunks))
	return nil
}

// SearchChunks loads the tenant's active chunks and ranks them in-process.
func (s *SQLiteStore) SearchChunks(tenantID string, embedding []float32, limit int) ([]models.ChunkMatch, error) {
	query := `
		SELECT c.id, c.document_id, c.ordinal, c.content, COALESCE(c.embedding, ''), c.created_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.tenant_id = ? AND d.active = 1`

	rows, err := s.db.Query(query, tenantID)
	if err != nil {
		slog.Error("SQLiteStore SearchChunks query failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	var candidates []models.Chunk
	for rows.Next() {
		var c models.Chunk
		var embJSON string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &embJSON, &c.CreatedAt); err != nil {
			slog.Error("SQLiteStore SearchChunks scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		emb, err := unmarshalEmbedding(embJSON)
		if err != nil {
			slog.Error("SQLiteStore SearchChunks embedding decode failed", "error", err, "chunkID", c.ID)
			return nil, err
		}
		c.Embedding = emb
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk rows: %w", err)
	}

	matches := rankChunks(candidates, embedding, limit)
	slog.Debug("SQLiteStore SearchChunks succeeded", "tenantID", tenantID, "candidates", len(candidates), "returned", len(matches))
	return matches, nil
}

// GetContactByPhone retrieves a contact by (tenant, phone). Returns nil if not found.
func (s *SQLiteStore) GetContactByPhone(tenantID, phone string) (*models.Contact, error) {
	query := `SELECT id, tenant_id, COALESCE(name, ''), phone, permission, created_at, updated_at
			  FROM contacts WHERE tenant_id = ? AND phone = ?`

	var c models.Contact
	var permission string
	err := s.db.QueryRow(query, tenantID, phone).Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &permission, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetContactByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get contact by phone %s: %w", phone, err)
	}
	c.Permission = models.Permission(permission)
	return &c, nil
}

// SaveContact stores or updates a contact, keyed by (tenant, phone).
func (s *SQLiteStore) SaveContact(contact models.Contact) error {
	query := `
		INSERT INTO contacts (id, tenant_id, name, phone, permission, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, phone)
		DO UPDATE SET
			name = excluded.name,
			permission = excluded.permission,
			updated_at = excluded.updated_at`

	_, err := s.db.Exec(query, contact.ID, contact.TenantID, nilIfEmpty(contact.Name), contact.Phone,
		string(contact.Permission), contact.CreatedAt, contact.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveContact failed", "error", err, "id", contact.ID, "phone", contact.Phone)
		return fmt.Errorf("failed to save contact %s: %w", contact.ID, err)
	}
	return nil
}

// GetConversationByPhone retrieves a conversation by (tenant, phone). Returns nil if not found.
func (s *SQLiteStore) GetConversationByPhone(tenantID, phone string) (*models.Conversation, error) {
	query := `SELECT id, tenant_id, contact_id, phone, COALESCE(contact_name, ''), status, tokens_used, last_activity_at, created_at, updated_at
			  FROM conversations WHERE tenant_id = ? AND phone = ?`

	return s.scanConversation(s.db.QueryRow(query, tenantID, phone))
}

// GetConversation retrieves a conversation by ID. Returns nil if not found.
func (s *SQLiteStore) GetConversation(id string) (*models.Conversation, error) {
	query := `SELECT id, tenant_id, contact_id, phone, COALESCE(contact_name, ''), status, tokens_used, last_activity_at, created_at, updated_at
			  FROM conversations WHERE id = ?`

	return s.scanConversation(s.db.QueryRow(query, id))
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	var status string
	err := row.Scan(&c.ID, &c.TenantID, &c.ContactID, &c.Phone, &c.ContactName, &status,
		&c.TokensUsed, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore conversation scan failed", "error", err)
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	c.Status = models.ConversationStatus(status)
	return &c, nil
}

// SaveConversation stores or updates a conversation, keyed by (tenant, phone).
func (s *SQLiteStore) SaveConversation(conv models.Conversation) error {
	query := `
		INSERT INTO conversations (id, tenant_id, contact_id, phone, contact_name, status, tokens_used, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, phone)
		DO UPDATE SET
			contact_name = excluded.contact_name,
			status = excluded.status,
			tokens_used = excluded.tokens_used,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at`

	_, err := s.db.Exec(query, conv.ID, conv.TenantID, conv.ContactID, conv.Phone, nilIfEmpty(conv.ContactName),
		string(conv.Status), conv.TokensUsed, conv.LastActivityAt, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "id", conv.ID)
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// DeleteConversation removes a conversation; messages cascade via FK.
func (s *SQLiteStore) DeleteConversation(id string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteConversation failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// AddMessage appends a message to its conversation.
func (s *SQLiteStore) AddMessage(msg models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	query := `INSERT INTO messages (id, conversation_id, sender, content, timestamp) VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query, msg.ID, msg.ConversationID, string(msg.Sender), msg.Content, msg.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "conversationID", msg.ConversationID)
		return fmt.Errorf("failed to insert message for conversation %s: %w", msg.ConversationID, err)
	}
	return nil
}

// ListMessages returns a conversation's messages in timestamp order.
func (s *SQLiteStore) ListMessages(conversationID string) ([]models.Message, error) {
	query := `SELECT id, conversation_id, sender, content, timestamp FROM messages
			  WHERE conversation_id = ? ORDER BY timestamp ASC`

	rows, err := s.db.Query(query, conversationID)
	if err != nil {
		slog.Error("SQLiteStore ListMessages query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var sender string
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &m.Timestamp); err != nil {
			slog.Error("SQLiteStore ListMessages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Sender = models.SenderRole(sender)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

// CountMessagesBySender counts a conversation's messages with the given sender role.
func (s *SQLiteStore) CountMessagesBySender(conversationID string, sender models.SenderRole) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND sender = ?`,
		conversationID, string(sender)).Scan(&count)
	if err != nil {
		slog.Error("SQLiteStore CountMessagesBySender failed", "error", err, "conversationID", conversationID)
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
