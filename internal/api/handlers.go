package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/XSirch/evoflow/internal/debounce"
	"github.com/XSirch/evoflow/internal/models"
	"github.com/XSirch/evoflow/internal/util"
)

// webhookHandler receives inbound message deliveries from the WhatsApp
// gateway. It always acknowledges with 200 so the gateway never retry-storms;
// deliveries that cannot be processed are acknowledged as ignored.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.webhookHandler: processing webhook delivery")

	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	resp := s.ingest(r.Context(), msg)
	writeJSONResponse(w, http.StatusOK, resp)
}

// ingest is the single entry point for inbound messages, shared by the JSON
// webhook and the live gateway channel. It normalizes the sender, upserts
// the contact and conversation snapshot, and buffers the fragment.
func (s *Server) ingest(ctx context.Context, msg models.InboundMessage) models.APIResponse {
	if msg.FromMe {
		slog.Debug("Server.ingest: ignoring own message", "from", msg.From)
		return models.Ignored("Own message ignored")
	}
	if msg.Body == "" {
		slog.Debug("Server.ingest: ignoring message without text body", "from", msg.From)
		return models.Ignored("Empty message body")
	}

	phone := models.NormalizePhone(msg.From)
	if phone == "" {
		slog.Warn("Server.ingest: sender identifier has no digits", "from", msg.From)
		return models.Ignored("Unrecognizable sender")
	}

	tenant, err := s.st.GetTenant(s.tenantID)
	if err != nil {
		slog.Error("Server.ingest: failed to load tenant", "error", err, "tenantID", s.tenantID)
		return models.Ignored("Tenant unavailable")
	}
	if tenant == nil {
		// Deployment error, not a per-message condition to recover from.
		slog.Error("Server.ingest: tenant configuration missing", "tenantID", s.tenantID)
		return models.Ignored("Tenant not configured")
	}

	contact, err := s.st.GetContactByPhone(tenant.ID, phone)
	if err != nil {
		slog.Error("Server.ingest: failed to load contact", "error", err, "phone", phone)
		return models.Ignored("Contact unavailable")
	}
	if contact == nil {
		contact = &models.Contact{
			ID:         util.GenerateContactID(),
			TenantID:   tenant.ID,
			Phone:      phone,
			Permission: models.PermissionAllowed,
			CreatedAt:  time.Now(),
		}
		if err := s.st.SaveContact(*contact); err != nil {
			slog.Error("Server.ingest: failed to create contact", "error", err, "phone", phone)
			return models.Ignored("Contact unavailable")
		}
		slog.Info("Server.ingest: created contact", "contactID", contact.ID, "phone", phone)
	}

	conversation, err := s.st.GetConversationByPhone(tenant.ID, phone)
	if err != nil {
		slog.Error("Server.ingest: failed to load conversation", "error", err, "phone", phone)
		return models.Ignored("Conversation unavailable")
	}
	if conversation == nil {
		conversation = &models.Conversation{
			ID:             util.GenerateConversationID(),
			TenantID:       tenant.ID,
			ContactID:      contact.ID,
			Phone:          phone,
			ContactName:    contact.Name,
			Status:         models.StatusActive,
			LastActivityAt: time.Now(),
			CreatedAt:      time.Now(),
		}
		if err := s.st.SaveConversation(*conversation); err != nil {
			slog.Error("Server.ingest: failed to create conversation", "error", err, "phone", phone)
			return models.Ignored("Conversation unavailable")
		}
		slog.Info("Server.ingest: created conversation", "conversationID", conversation.ID, "phone", phone)
	}

	s.buffer.Ingest(tenant.ID, phone, msg.Body, debounce.Snapshot{
		Tenant:       tenant,
		Contact:      contact,
		Conversation: conversation,
	})

	slog.Debug("Server.ingest: fragment buffered", "conversationID", conversation.ID)
	return models.SuccessWithMessage("Message buffered", nil)
}

// reprocessRequest is the payload for POST /documents/reprocess.
type reprocessRequest struct {
	DocumentID string `json:"document_id"`
}

// reprocessHandler re-chunks and re-embeds one knowledge document.
func (s *Server) reprocessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.reprocessHandler: processing reprocess request")

	var req reprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.reprocessHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.DocumentID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: document_id"))
		return
	}

	count, err := s.indexer.Reprocess(r.Context(), req.DocumentID)
	if err != nil {
		if errors.Is(err, models.ErrDocumentNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Document not found"))
			return
		}
		slog.Error("Server.reprocessHandler: reprocess failed", "error", err, "documentID", req.DocumentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reprocess document"))
		return
	}

	slog.Info("Server.reprocessHandler: document reprocessed", "documentID", req.DocumentID, "chunks", count)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Document reprocessed", map[string]int{"chunks": count}))
}

// takeoverHandler moves a conversation to human control.
func (s *Server) takeoverHandler(w http.ResponseWriter, r *http.Request) {
	s.statusAction(w, r, "takeover", s.orch.Takeover)
}

// resumeHandler returns a conversation to the bot.
func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	s.statusAction(w, r, "resume", s.orch.Resume)
}

// completeHandler closes a conversation.
func (s *Server) completeHandler(w http.ResponseWriter, r *http.Request) {
	s.statusAction(w, r, "complete", s.orch.Complete)
}

func (s *Server) statusAction(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) error) {
	id := r.PathValue("id")
	if id == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing conversation id"))
		return
	}
	if err := fn(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		slog.Error("Server.statusAction: action failed", "action", action, "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation updated", nil))
}

// messagesHandler returns the transcript of one conversation for the
// dashboard.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing conversation id"))
		return
	}

	conv, err := s.st.GetConversation(id)
	if err != nil {
		slog.Error("Server.messagesHandler: failed to load conversation", "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}

	msgs, err := s.st.ListMessages(id)
	if err != nil {
		slog.Error("Server.messagesHandler: failed to list messages", "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// healthHandler reports liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}
