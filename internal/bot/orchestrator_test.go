package bot

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/XSirch/evoflow/internal/debounce"
	"github.com/XSirch/evoflow/internal/extract"
	"github.com/XSirch/evoflow/internal/genai"
	"github.com/XSirch/evoflow/internal/knowledge"
	"github.com/XSirch/evoflow/internal/models"
	"github.com/XSirch/evoflow/internal/store"
	"github.com/XSirch/evoflow/internal/testutil"
)

type fixture struct {
	st        *store.InMemoryStore
	completer *testutil.FakeCompleter
	msg       *testutil.FakeMessagingService
	orch      *Orchestrator
	snapshot  debounce.Snapshot
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()

	tenant := models.Tenant{
		ID:              "t1",
		Name:            "Pizzaria do Zé",
		Description:     "Pizzaria artesanal",
		Tone:            models.ToneFriendly,
		FallbackMessage: "Um atendente irá te responder em instantes.",
		DocumentURL:     "/files/cardapio.pdf",
	}
	if err := st.SaveTenant(tenant); err != nil {
		t.Fatal(err)
	}
	doc := models.KnowledgeDocument{ID: "doc1", TenantID: "t1", Title: "Hours", Content: "Hours: 9-18 Mon-Fri", Active: true}
	if err := st.SaveDocument(doc); err != nil {
		t.Fatal(err)
	}
	if err := st.ReplaceDocumentChunks("doc1", []models.Chunk{
		{ID: "c1", DocumentID: "doc1", Ordinal: 0, Content: "Hours: 9-18 Mon-Fri", Embedding: []float32{1, 0, 0}},
	}); err != nil {
		t.Fatal(err)
	}

	contact := models.Contact{ID: "ct1", TenantID: "t1", Phone: "5511999998888", Permission: models.PermissionAllowed}
	if err := st.SaveContact(contact); err != nil {
		t.Fatal(err)
	}
	conv := models.Conversation{
		ID:             "cv1",
		TenantID:       "t1",
		ContactID:      "ct1",
		Phone:          "5511999998888",
		Status:         models.StatusActive,
		LastActivityAt: time.Now(),
	}
	if err := st.SaveConversation(conv); err != nil {
		t.Fatal(err)
	}

	completer := &testutil.FakeCompleter{}
	msg := testutil.NewFakeMessagingService()
	retriever := knowledge.NewRetriever(st, &testutil.FakeEmbedder{Default: []float32{1, 0, 0}})

	allOpts := append([]Option{WithPublicBaseURL("https://bot.pizzariadoze.com.br")}, opts...)
	orch := NewOrchestrator(st, retriever, completer, msg, extract.NewRegexNameExtractor(), allOpts...)

	return &fixture{
		st:        st,
		completer: completer,
		msg:       msg,
		orch:      orch,
		snapshot: debounce.Snapshot{
			Tenant:       &tenant,
			Contact:      &contact,
			Conversation: &conv,
		},
	}
}

func TestTurnStaysActiveWithoutMarkers(t *testing.T) {
	f := newFixture(t)
	f.completer.Results = []genai.Result{{Text: "Abrimos das 9h às 18h, de segunda a sexta!", TokensUsed: 55}}

	f.orch.HandleTurn(f.snapshot, "What time\ndo you\nopen?")

	conv, _ := f.st.GetConversation("cv1")
	if conv.Status != models.StatusActive {
		t.Errorf("conversation should stay active, got %s", conv.Status)
	}
	if conv.TokensUsed != 55 {
		t.Errorf("token counter should accumulate 55, got %d", conv.TokensUsed)
	}

	texts := f.msg.SentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0].Body, "9h às 18h") {
		t.Fatalf("expected one reply sent, got %+v", texts)
	}

	msgs, _ := f.st.ListMessages("cv1")
	if len(msgs) != 2 {
		t.Fatalf("expected inbound + outbound persisted, got %d", len(msgs))
	}
	if msgs[0].Sender != models.SenderCustomer || msgs[1].Sender != models.SenderBot {
		t.Errorf("unexpected sender order: %s, %s", msgs[0].Sender, msgs[1].Sender)
	}
	if msgs[0].Content != "What time\ndo you\nopen?" {
		t.Errorf("inbound turn text altered: %q", msgs[0].Content)
	}

	// The knowledge context reached the prompt.
	if len(f.completer.Requests) != 1 || !strings.Contains(f.completer.Requests[0].SystemPrompt, "Hours: 9-18 Mon-Fri") {
		t.Error("retrieved document content missing from the system prompt")
	}
}

func TestBudgetShortCircuitSkipsCompletion(t *testing.T) {
	f := newFixture(t, WithTokenBudget(100))

	conv, _ := f.st.GetConversation("cv1")
	conv.TokensUsed = 100
	if err := f.st.SaveConversation(*conv); err != nil {
		t.Fatal(err)
	}

	f.orch.HandleTurn(f.snapshot, "ainda está aí?")

	if f.completer.Calls != 0 {
		t.Errorf("budget-exceeded turn must never call the completion provider, got %d calls", f.completer.Calls)
	}

	after, _ := f.st.GetConversation("cv1")
	if after.Status != models.StatusWaitingHuman {
		t.Errorf("expected waiting_human, got %s", after.Status)
	}
	if after.TokensUsed != 100 {
		t.Errorf("forced handover must cost zero tokens, counter moved to %d", after.TokensUsed)
	}

	texts := f.msg.SentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0].Body, "transferir") {
		t.Fatalf("expected canned transfer message, got %+v", texts)
	}

	// The canned notice is a system message, so replay skips it.
	msgs, _ := f.st.ListMessages("cv1")
	if len(msgs) != 2 || msgs[1].Sender != models.SenderSystem {
		t.Fatalf("expected the canned notice persisted as a system message, got %+v", msgs)
	}
}

func TestWaitingHumanStaysSilent(t *testing.T) {
	f := newFixture(t)

	conv, _ := f.st.GetConversation("cv1")
	conv.Status = models.StatusWaitingHuman
	if err := f.st.SaveConversation(*conv); err != nil {
		t.Fatal(err)
	}

	f.orch.HandleTurn(f.snapshot, "alguém aí?")

	if f.completer.Calls != 0 {
		t.Error("no completion while waiting for a human")
	}
	if len(f.msg.SentTexts()) != 0 {
		t.Error("no reply while waiting for a human")
	}

	// The inbound message is still persisted for the operator.
	msgs, _ := f.st.ListMessages("cv1")
	if len(msgs) != 1 || msgs[0].Sender != models.SenderCustomer {
		t.Errorf("inbound message must be persisted, got %+v", msgs)
	}
}

func TestTakeoverDuringWindowSurvivesNameTurn(t *testing.T) {
	f := newFixture(t)

	// Dashboard takeover lands after the snapshot was taken but before the
	// flush: the snapshot still says active, the store says waiting_human.
	conv, _ := f.st.GetConversation("cv1")
	conv.Status = models.StatusWaitingHuman
	if err := f.st.SaveConversation(*conv); err != nil {
		t.Fatal(err)
	}

	f.orch.HandleTurn(f.snapshot, "Oi, meu nome é Maria")

	after, _ := f.st.GetConversation("cv1")
	if after.Status != models.StatusWaitingHuman {
		t.Fatalf("name update must not reverse the takeover, got status %s", after.Status)
	}
	if f.completer.Calls != 0 {
		t.Error("no completion while waiting for a human")
	}
	if len(f.msg.SentTexts()) != 0 {
		t.Error("no reply while waiting for a human")
	}

	// The name side effect still applies; only the status is off-limits.
	contact, _ := f.st.GetContactByPhone("t1", "5511999998888")
	if contact.Name != "Maria" {
		t.Errorf("expected contact name Maria, got %q", contact.Name)
	}
	if after.ContactName != "Maria" {
		t.Errorf("expected conversation contact name Maria, got %q", after.ContactName)
	}
}

func TestHandoverMarkerTransitionsConversation(t *testing.T) {
	f := newFixture(t)
	f.completer.Results = []genai.Result{{Text: "Vou te transferir para um atendente.", Handover: true, TokensUsed: 30}}

	f.orch.HandleTurn(f.snapshot, "quero falar com uma pessoa")

	conv, _ := f.st.GetConversation("cv1")
	if conv.Status != models.StatusWaitingHuman {
		t.Errorf("expected waiting_human after handover result, got %s", conv.Status)
	}
	if len(f.msg.SentTexts()) != 1 {
		t.Error("the handover reply must still be delivered")
	}
}

func TestPermissionDenyUpdatesContact(t *testing.T) {
	f := newFixture(t)
	denied := models.PermissionDenied
	f.completer.Results = []genai.Result{{Text: "Entendido, não enviaremos mais mensagens.", PermissionUpdate: &denied, TokensUsed: 25}}

	f.orch.HandleTurn(f.snapshot, "Pare de enviar mensagens")

	contact, _ := f.st.GetContactByPhone("t1", "5511999998888")
	if contact.Permission != models.PermissionDenied {
		t.Errorf("expected denied permission, got %s", contact.Permission)
	}

	texts := f.msg.SentTexts()
	if len(texts) != 1 || strings.Contains(texts[0].Body, "[") {
		t.Errorf("reply must carry no marker text, got %+v", texts)
	}

	conv, _ := f.st.GetConversation("cv1")
	if conv.Status != models.StatusActive {
		t.Errorf("permission change alone must not hand over, got %s", conv.Status)
	}
}

func TestSendDocumentResolvesRelativeURL(t *testing.T) {
	f := newFixture(t)
	f.completer.Results = []genai.Result{{Text: "Claro! Estou enviando o cardápio.", SendDocument: true, TokensUsed: 18}}

	f.orch.HandleTurn(f.snapshot, "me manda o cardápio?")

	docs := f.msg.SentDocuments()
	if len(docs) != 1 {
		t.Fatalf("expected one document send, got %d", len(docs))
	}
	if docs[0].URL != "https://bot.pizzariadoze.com.br/files/cardapio.pdf" {
		t.Errorf("relative URL not resolved against base: %q", docs[0].URL)
	}
	if docs[0].To != "5511999998888" {
		t.Errorf("document sent to wrong recipient: %q", docs[0].To)
	}
}

func TestFailedSendDoesNotPersistReply(t *testing.T) {
	f := newFixture(t)
	f.completer.Results = []genai.Result{{Text: "Olá!", TokensUsed: 12}}
	f.msg.SendErr = errors.New("gateway down")

	f.orch.HandleTurn(f.snapshot, "oi")

	msgs, _ := f.st.ListMessages("cv1")
	for _, m := range msgs {
		if m.Sender == models.SenderBot {
			t.Errorf("bot message persisted despite failed delivery: %+v", m)
		}
	}
}

func TestNameExtractionUpdatesContactAndConversation(t *testing.T) {
	f := newFixture(t)
	f.completer.Results = []genai.Result{{Text: "Prazer, Maria!", TokensUsed: 9}}

	f.orch.HandleTurn(f.snapshot, "Oi, meu nome é Maria")

	contact, _ := f.st.GetContactByPhone("t1", "5511999998888")
	if contact.Name != "Maria" {
		t.Errorf("expected contact name Maria, got %q", contact.Name)
	}
	conv, _ := f.st.GetConversation("cv1")
	if conv.ContactName != "Maria" {
		t.Errorf("expected conversation name Maria, got %q", conv.ContactName)
	}
}

func TestFallbackResultStillReachesCustomer(t *testing.T) {
	f := newFixture(t)
	f.completer.Results = []genai.Result{{
		Text:     "Um atendente irá te responder em instantes.",
		Handover: true,
		Fallback: true,
	}}

	f.orch.HandleTurn(f.snapshot, "oi")

	texts := f.msg.SentTexts()
	if len(texts) != 1 || texts[0].Body != "Um atendente irá te responder em instantes." {
		t.Fatalf("customer must receive the fallback message, got %+v", texts)
	}
	conv, _ := f.st.GetConversation("cv1")
	if conv.Status != models.StatusWaitingHuman {
		t.Errorf("fallback must force handover, got %s", conv.Status)
	}
	if conv.TokensUsed != 0 {
		t.Errorf("fallback charges zero tokens, got %d", conv.TokensUsed)
	}
}

func TestStatusActions(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	if err := f.orch.Takeover(ctx, "cv1"); err != nil {
		t.Fatalf("Takeover: %v", err)
	}
	conv, _ := f.st.GetConversation("cv1")
	if conv.Status != models.StatusWaitingHuman {
		t.Errorf("expected waiting_human, got %s", conv.Status)
	}

	if err := f.orch.Resume(ctx, "cv1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	conv, _ = f.st.GetConversation("cv1")
	if conv.Status != models.StatusActive {
		t.Errorf("expected active, got %s", conv.Status)
	}

	if err := f.orch.Complete(ctx, "cv1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	conv, _ = f.st.GetConversation("cv1")
	if conv.Status != models.StatusCompleted {
		t.Errorf("expected completed, got %s", conv.Status)
	}

	if err := f.orch.Takeover(ctx, "missing"); !errors.Is(err, models.ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestFirstTurnShapingInPrompt(t *testing.T) {
	f := newFixture(t)
	f.completer.Results = []genai.Result{
		{Text: "Olá! Sou o assistente da Pizzaria do Zé. Qual o seu nome?", TokensUsed: 20},
		{Text: "Abrimos às 9h!", TokensUsed: 15},
	}

	f.orch.HandleTurn(f.snapshot, "oi")
	f.orch.HandleTurn(f.snapshot, "que horas abre?")

	if len(f.completer.Requests) != 2 {
		t.Fatalf("expected 2 completion calls, got %d", len(f.completer.Requests))
	}
	if !strings.Contains(f.completer.Requests[0].SystemPrompt, "first message") {
		t.Error("first turn must carry the greeting instruction")
	}
	if strings.Contains(f.completer.Requests[1].SystemPrompt, "first message") {
		t.Error("second turn must not carry the greeting instruction")
	}
}
