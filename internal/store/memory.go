package store

import (
	"sync"

	"github.com/XSirch/evoflow/internal/models"
)

// InMemoryStore is a mutex-guarded in-memory implementation of Store,
// used by tests and by deployments without a database DSN.
type InMemoryStore struct {
	mu            sync.RWMutex
	tenants       map[string]models.Tenant
	documents     map[string]models.KnowledgeDocument
	chunks        map[string][]models.Chunk // keyed by document ID
	contacts      map[string]models.Contact // keyed by contact ID
	conversations map[string]models.Conversation
	messages      map[string][]models.Message // keyed by conversation ID
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tenants:       make(map[string]models.Tenant),
		documents:     make(map[string]models.KnowledgeDocument),
		chunks:        make(map[string][]models.Chunk),
		contacts:      make(map[string]models.Contact),
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
	}
}

// GetTenant retrieves a tenant by ID. Returns nil if not found.
func (s *InMemoryStore) GetTenant(id string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[id]; ok {
		return &t, nil
	}
	return nil, nil
}

// SaveTenant stores or updates a tenant.
func (s *InMemoryStore) SaveTenant(tenant models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant.ID] = tenant
	return nil
}

// GetDocument retrieves a knowledge document by ID. Returns nil if not found.
func (s *InMemoryStore) GetDocument(id string) (*models.KnowledgeDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.documents[id]; ok {
		return &d, nil
	}
	return nil, nil
}

// SaveDocument stores or updates a knowledge document.
func (s *InMemoryStore) SaveDocument(doc models.KnowledgeDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.ID] = doc
	return nil
}

// ListActiveDocuments returns the active documents for a tenant.
func (s *InMemoryStore) ListActiveDocuments(tenantID string) ([]models.KnowledgeDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var docs []models.KnowledgeDocument
	for _, d := range s.documents {
		if d.TenantID == tenantID && d.Active {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

// ReplaceDocumentChunks replaces all chunks for a document as a unit.
func (s *InMemoryStore) ReplaceDocumentChunks(documentID string, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := make([]models.Chunk, len(chunks))
	copy(replaced, chunks)
	s.chunks[documentID] = replaced
	return nil
}

// SearchChunks ranks chunks of the tenant's active documents by cosine distance.
func (s *InMemoryStore) SearchChunks(tenantID string, embedding []float32, limit int) ([]models.ChunkMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []models.Chunk
	for docID, chunks := range s.chunks {
		doc, ok := s.documents[docID]
		if !ok || doc.TenantID != tenantID || !doc.Active {
			continue
		}
		candidates = append(candidates, chunks...)
	}
	return rankChunks(candidates, embedding, limit), nil
}

// GetContactByPhone retrieves a contact by (tenant, phone). Returns nil if not found.
func (s *InMemoryStore) GetContactByPhone(tenantID, phone string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contacts {
		if c.TenantID == tenantID && c.Phone == phone {
			return &c, nil
		}
	}
	return nil, nil
}

// SaveContact stores or updates a contact.
func (s *InMemoryStore) SaveContact(contact models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[contact.ID] = contact
	return nil
}

// GetConversationByPhone retrieves a conversation by (tenant, phone). Returns nil if not found.
func (s *InMemoryStore) GetConversationByPhone(tenantID, phone string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.TenantID == tenantID && c.Phone == phone {
			return &c, nil
		}
	}
	return nil, nil
}

// GetConversation retrieves a conversation by ID. Returns nil if not found.
func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conversations[id]; ok {
		return &c, nil
	}
	return nil, nil
}

// SaveConversation stores or updates a conversation.
func (s *InMemoryStore) SaveConversation(conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (s *InMemoryStore) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

// AddMessage appends a message to its conversation.
func (s *InMemoryStore) AddMessage(msg models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

// ListMessages returns a conversation's messages in timestamp order.
// Messages are appended in arrival order, which preserves that ordering.
func (s *InMemoryStore) ListMessages(conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// CountMessagesBySender counts a conversation's messages with the given sender role.
func (s *InMemoryStore) CountMessagesBySender(conversationID string, sender models.SenderRole) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.messages[conversationID] {
		if m.Sender == sender {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
