package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/XSirch/evoflow/internal/bot"
	"github.com/XSirch/evoflow/internal/debounce"
	"github.com/XSirch/evoflow/internal/extract"
	"github.com/XSirch/evoflow/internal/knowledge"
	"github.com/XSirch/evoflow/internal/models"
	"github.com/XSirch/evoflow/internal/store"
	"github.com/XSirch/evoflow/internal/testutil"
)

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()

	tenant := models.Tenant{
		ID:              "t1",
		Name:            "Loja da Ana",
		Tone:            models.ToneFriendly,
		FallbackMessage: "Um atendente irá te responder.",
	}
	if err := st.SaveTenant(tenant); err != nil {
		t.Fatal(err)
	}

	embedder := &testutil.FakeEmbedder{Default: []float32{1, 0, 0}}
	completer := &testutil.FakeCompleter{}
	msgSvc := testutil.NewFakeMessagingService()
	retriever := knowledge.NewRetriever(st, embedder)
	indexer := knowledge.NewIndexer(st, embedder, knowledge.NewChunker())
	orch := bot.NewOrchestrator(st, retriever, completer, msgSvc, extract.NewRegexNameExtractor())

	// A long window keeps fragments buffered for the duration of a test.
	buffer := debounce.NewBuffer(orch.HandleTurn, debounce.WithWindow(time.Minute))
	t.Cleanup(buffer.Stop)

	srv := NewServer(st, msgSvc, orch, buffer, indexer, WithTenantID("t1"))
	return srv, st
}

func postWebhook(t *testing.T, srv *Server, msg models.InboundMessage) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.webhookHandler(rec, req)

	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	return rec, resp
}

func TestWebhookBuffersFragmentAndUpserts(t *testing.T) {
	srv, st := newTestServer(t)

	rec, resp := postWebhook(t, srv, models.InboundMessage{
		From: "5511988887777@s.whatsapp.net",
		Body: "Oi, vocês abrem aos sábados?",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp.Status != string(models.APIStatusOK) {
		t.Fatalf("expected ok status, got %+v", resp)
	}

	contact, err := st.GetContactByPhone("t1", "5511988887777")
	if err != nil || contact == nil {
		t.Fatalf("contact not created: %v", err)
	}
	if contact.Permission != models.PermissionAllowed {
		t.Errorf("new contact defaults to allowed, got %s", contact.Permission)
	}

	conv, err := st.GetConversationByPhone("t1", "5511988887777")
	if err != nil || conv == nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.Status != models.StatusActive {
		t.Errorf("new conversation starts active, got %s", conv.Status)
	}

	if !srv.buffer.Pending("t1", "5511988887777") {
		t.Error("fragment not buffered")
	}
}

func TestWebhookSecondFragmentReusesRecords(t *testing.T) {
	srv, st := newTestServer(t)

	postWebhook(t, srv, models.InboundMessage{From: "5511988887777", Body: "oi"})
	postWebhook(t, srv, models.InboundMessage{From: "5511988887777", Body: "tudo bem?"})

	first, _ := st.GetConversationByPhone("t1", "5511988887777")
	if first == nil {
		t.Fatal("conversation missing")
	}

	// Same phone maps to a single conversation regardless of fragment count.
	postWebhook(t, srv, models.InboundMessage{From: "+55 11 98888-7777", Body: "ainda aí?"})
	again, _ := st.GetConversationByPhone("t1", "5511988887777")
	if again == nil || again.ID != first.ID {
		t.Errorf("expected the same conversation, got %+v", again)
	}
}

func TestWebhookIgnoresOwnMessages(t *testing.T) {
	srv, st := newTestServer(t)

	rec, resp := postWebhook(t, srv, models.InboundMessage{
		From:   "5511988887777",
		Body:   "echo of my own reply",
		FromMe: true,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("gateway deliveries are always acknowledged with 200, got %d", rec.Code)
	}
	if resp.Status != string(models.APIStatusIgnored) {
		t.Errorf("expected ignored status, got %+v", resp)
	}
	if contact, _ := st.GetContactByPhone("t1", "5511988887777"); contact != nil {
		t.Error("own message must not create a contact")
	}
}

func TestWebhookIgnoresEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, resp := postWebhook(t, srv, models.InboundMessage{From: "5511988887777"})
	if rec.Code != http.StatusOK || resp.Status != string(models.APIStatusIgnored) {
		t.Errorf("expected 200/ignored, got %d %+v", rec.Code, resp)
	}
}

func TestWebhookIgnoresUnrecognizableSender(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, resp := postWebhook(t, srv, models.InboundMessage{From: "status@broadcast", Body: "hi"})
	if rec.Code != http.StatusOK || resp.Status != string(models.APIStatusIgnored) {
		t.Errorf("expected 200/ignored, got %d %+v", rec.Code, resp)
	}
}

func TestWebhookMissingTenantStillAcks(t *testing.T) {
	srv, st := newTestServer(t)
	srv.tenantID = "absent"

	rec, resp := postWebhook(t, srv, models.InboundMessage{From: "5511988887777", Body: "oi"})
	if rec.Code != http.StatusOK || resp.Status != string(models.APIStatusIgnored) {
		t.Errorf("expected 200/ignored, got %d %+v", rec.Code, resp)
	}
	if contact, _ := st.GetContactByPhone("t1", "5511988887777"); contact != nil {
		t.Error("no contact should be created without a tenant")
	}
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.webhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestReprocessEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	doc := models.KnowledgeDocument{ID: "doc1", TenantID: "t1", Title: "FAQ", Content: "We open at 9am every weekday.", Active: true}
	if err := st.SaveDocument(doc); err != nil {
		t.Fatal(err)
	}

	body := `{"document_id":"doc1"}`
	req := httptest.NewRequest(http.MethodPost, "/documents/reprocess", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.reprocessHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("expected ok, got %+v", resp)
	}

	matches, err := st.SearchChunks("t1", []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 {
		t.Error("reprocess produced no searchable chunks")
	}
}

func TestReprocessUnknownDocumentReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/documents/reprocess", strings.NewReader(`{"document_id":"nope"}`))
	rec := httptest.NewRecorder()
	srv.reprocessHandler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestReprocessRequiresDocumentID(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/documents/reprocess", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.reprocessHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestConversationStatusEndpoints(t *testing.T) {
	srv, st := newTestServer(t)

	conv := models.Conversation{ID: "cv1", TenantID: "t1", ContactID: "ct1", Phone: "5511988887777", Status: models.StatusActive, LastActivityAt: time.Now()}
	if err := st.SaveConversation(conv); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		handler func(http.ResponseWriter, *http.Request)
		want    models.ConversationStatus
	}{
		{srv.takeoverHandler, models.StatusWaitingHuman},
		{srv.resumeHandler, models.StatusActive},
		{srv.completeHandler, models.StatusCompleted},
	}
	for _, step := range steps {
		req := httptest.NewRequest(http.MethodPost, "/conversations/cv1/x", nil)
		req.SetPathValue("id", "cv1")
		rec := httptest.NewRecorder()
		step.handler(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		got, _ := st.GetConversation("cv1")
		if got.Status != step.want {
			t.Errorf("expected %s, got %s", step.want, got.Status)
		}
	}
}

func TestStatusEndpointUnknownConversation(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/conversations/missing/takeover", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	srv.takeoverHandler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestMessagesEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	conv := models.Conversation{ID: "cv1", TenantID: "t1", ContactID: "ct1", Phone: "5511988887777", Status: models.StatusActive, LastActivityAt: time.Now()}
	if err := st.SaveConversation(conv); err != nil {
		t.Fatal(err)
	}
	if err := st.AddMessage(models.Message{ID: "m1", ConversationID: "cv1", Sender: models.SenderCustomer, Content: "oi", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/conversations/cv1/messages", nil)
	req.SetPathValue("id", "cv1")
	rec := httptest.NewRecorder()
	srv.messagesHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"oi"`) {
		t.Errorf("transcript missing message content: %s", rec.Body.String())
	}
}

func TestMessagesEndpointUnknownConversation(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/conversations/missing/messages", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	srv.messagesHandler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.healthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
