// Package bot drives one conversation turn end to end: it owns the
// conversation state machine, the token budget, and every side effect a
// completion result can carry.
package bot

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/XSirch/evoflow/internal/debounce"
	"github.com/XSirch/evoflow/internal/extract"
	"github.com/XSirch/evoflow/internal/genai"
	"github.com/XSirch/evoflow/internal/knowledge"
	"github.com/XSirch/evoflow/internal/messaging"
	"github.com/XSirch/evoflow/internal/models"
	"github.com/XSirch/evoflow/internal/prompt"
	"github.com/XSirch/evoflow/internal/store"
	"github.com/XSirch/evoflow/internal/util"
)

// DefaultTokenBudget is the cumulative token allowance per conversation
// before the bot hands over to a human.
const DefaultTokenBudget = 30000

// budgetExceededMessage is sent instead of a model reply when the budget is
// already spent at the start of a turn. It costs zero tokens.
const budgetExceededMessage = "Nossa conversa está ficando longa! Vou transferir você para um de nossos atendentes para continuar o atendimento. 😊"

// Completer generates one reply per turn. Satisfied by *genai.Client.
type Completer interface {
	Complete(ctx context.Context, req genai.Request) genai.Result
}

// Orchestrator applies the per-turn algorithm to flushed message buffers and
// exclusively owns conversation and message writes.
type Orchestrator struct {
	store       store.Store
	retriever   *knowledge.Retriever
	completer   Completer
	msgService  messaging.Service
	extractor   extract.NameExtractor
	tokenBudget int
	searchLimit int
	baseURL     string
}

// Opts holds configuration for the orchestrator.
type Opts struct {
	TokenBudget int
	SearchLimit int
	// PublicBaseURL resolves relative tenant document URLs into absolute
	// ones reachable by the gateway.
	PublicBaseURL string
}

// Option configures Opts.
type Option func(*Opts)

// WithTokenBudget sets the per-conversation token budget.
func WithTokenBudget(n int) Option {
	return func(o *Opts) { o.TokenBudget = n }
}

// WithSearchLimit sets how many chunks retrieval returns per turn.
func WithSearchLimit(n int) Option {
	return func(o *Opts) { o.SearchLimit = n }
}

// WithPublicBaseURL sets the server's externally reachable base URL.
func WithPublicBaseURL(u string) Option {
	return func(o *Opts) { o.PublicBaseURL = u }
}

// NewOrchestrator wires the per-turn pipeline.
func NewOrchestrator(st store.Store, retriever *knowledge.Retriever, completer Completer, msgService messaging.Service, extractor extract.NameExtractor, opts ...Option) *Orchestrator {
	cfg := Opts{
		TokenBudget: DefaultTokenBudget,
		SearchLimit: knowledge.DefaultSearchLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultTokenBudget
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = knowledge.DefaultSearchLimit
	}
	return &Orchestrator{
		store:       st,
		retriever:   retriever,
		completer:   completer,
		msgService:  msgService,
		extractor:   extractor,
		tokenBudget: cfg.TokenBudget,
		searchLimit: cfg.SearchLimit,
		baseURL:     cfg.PublicBaseURL,
	}
}

// HandleTurn processes one coalesced turn. It is the debounce buffer's flush
// callback and never returns an error to its caller: every failure inside
// the pipeline degrades toward the fail-safe handover outcome instead of
// leaving the customer unanswered.
func (o *Orchestrator) HandleTurn(snapshot debounce.Snapshot, text string) {
	ctx := context.Background()

	tenant := snapshot.Tenant
	contact := snapshot.Contact
	conversation := snapshot.Conversation
	if tenant == nil || contact == nil || conversation == nil {
		slog.Error("Orchestrator HandleTurn received incomplete snapshot")
		return
	}

	slog.Info("Orchestrator processing turn", "tenantID", tenant.ID, "conversationID", conversation.ID, "text_length", len(text))

	// Status may have changed during the debounce window (dashboard
	// takeover), so re-read before any write: saving the stale snapshot
	// would silently reverse the takeover.
	if fresh, err := o.store.GetConversation(conversation.ID); err == nil && fresh != nil {
		conversation = fresh
	}

	// Name extraction is suggestion-only; a misfire is an accepted wrong
	// side effect, not an error.
	o.maybeUpdateName(contact, conversation, text)

	inbound := models.Message{
		ID:             util.GenerateMessageID(),
		ConversationID: conversation.ID,
		Sender:         models.SenderCustomer,
		Content:        text,
		Timestamp:      time.Now(),
	}
	if err := o.store.AddMessage(inbound); err != nil {
		slog.Error("Orchestrator failed to persist inbound message", "error", err, "conversationID", conversation.ID)
	}

	if conversation.Status == models.StatusWaitingHuman {
		slog.Info("Orchestrator staying silent, conversation waiting for human", "conversationID", conversation.ID)
		return
	}
	if conversation.Status == models.StatusCompleted {
		slog.Info("Orchestrator ignoring turn for completed conversation", "conversationID", conversation.ID)
		return
	}

	firstTurn := o.isFirstTurn(conversation.ID)

	if conversation.TokensUsed >= o.tokenBudget {
		o.forceHandover(ctx, tenant, conversation)
		return
	}

	history, err := o.store.ListMessages(conversation.ID)
	if err != nil {
		slog.Error("Orchestrator failed to load history", "error", err, "conversationID", conversation.ID)
		history = nil
	}
	history = trimCurrentTurn(history, inbound.ID)

	kctx := o.retriever.BuildContext(ctx, text, tenant.ID, o.searchLimit)
	systemPrompt := prompt.BuildSystemPrompt(prompt.Input{
		Tenant:    tenant,
		Contact:   contact,
		Knowledge: kctx,
		FirstTurn: firstTurn,
	})

	result := o.completer.Complete(ctx, genai.Request{
		SystemPrompt:    systemPrompt,
		History:         history,
		UserMessage:     text,
		FallbackMessage: tenant.FallbackMessage,
	})

	if result.TokensUsed > 0 {
		conversation.TokensUsed += result.TokensUsed
	}

	if result.PermissionUpdate != nil && contact.Permission != *result.PermissionUpdate {
		contact.Permission = *result.PermissionUpdate
		if err := o.store.SaveContact(*contact); err != nil {
			slog.Error("Orchestrator failed to persist permission update", "error", err, "contactID", contact.ID)
		} else {
			slog.Info("Orchestrator updated contact permission", "contactID", contact.ID, "permission", contact.Permission)
		}
	}

	if result.Handover {
		conversation.Status = models.StatusWaitingHuman
		slog.Info("Orchestrator handing conversation to human", "conversationID", conversation.ID, "fallback", result.Fallback)
	}
	conversation.LastActivityAt = time.Now()
	if err := o.store.SaveConversation(*conversation); err != nil {
		slog.Error("Orchestrator failed to persist conversation", "error", err, "conversationID", conversation.ID)
	}

	o.deliver(ctx, tenant, conversation, result, models.SenderBot)
}

// maybeUpdateName applies the extractor's suggestion when it differs from
// the stored name.
func (o *Orchestrator) maybeUpdateName(contact *models.Contact, conversation *models.Conversation, text string) {
	if o.extractor == nil {
		return
	}
	name := o.extractor.ExtractName(text)
	if name == "" || name == contact.Name {
		return
	}
	slog.Info("Orchestrator extracted contact name", "contactID", contact.ID, "name", name)
	contact.Name = name
	conversation.ContactName = name
	if err := o.store.SaveContact(*contact); err != nil {
		slog.Error("Orchestrator failed to persist contact name", "error", err, "contactID", contact.ID)
	}
	if err := o.store.SaveConversation(*conversation); err != nil {
		slog.Error("Orchestrator failed to persist conversation name", "error", err, "conversationID", conversation.ID)
	}
}

// isFirstTurn reports whether the just-persisted message is the first
// customer message of the conversation.
func (o *Orchestrator) isFirstTurn(conversationID string) bool {
	count, err := o.store.CountMessagesBySender(conversationID, models.SenderCustomer)
	if err != nil {
		slog.Error("Orchestrator failed to count customer messages", "error", err, "conversationID", conversationID)
		return false
	}
	return count == 1
}

// forceHandover is the budget short-circuit: no model call, a canned notice,
// and a waiting_human transition at zero token cost.
func (o *Orchestrator) forceHandover(ctx context.Context, tenant *models.Tenant, conversation *models.Conversation) {
	slog.Info("Orchestrator token budget exceeded, forcing handover", "conversationID", conversation.ID, "tokensUsed", conversation.TokensUsed, "budget", o.tokenBudget)

	conversation.Status = models.StatusWaitingHuman
	conversation.LastActivityAt = time.Now()
	if err := o.store.SaveConversation(*conversation); err != nil {
		slog.Error("Orchestrator failed to persist forced handover", "error", err, "conversationID", conversation.ID)
	}

	// Canned notices are system messages: they are persisted for the
	// transcript but never replayed to the model.
	o.deliver(ctx, tenant, conversation, genai.Result{Text: budgetExceededMessage}, models.SenderSystem)
}

// deliver sends the reply text and, when requested, the tenant document. The
// outbound message is persisted only if the text send succeeded.
func (o *Orchestrator) deliver(ctx context.Context, tenant *models.Tenant, conversation *models.Conversation, result genai.Result, sender models.SenderRole) {
	if result.Text == "" {
		return
	}

	if err := o.msgService.SendMessage(ctx, conversation.Phone, result.Text); err != nil {
		slog.Error("Orchestrator outbound send failed, not persisting reply", "error", err, "conversationID", conversation.ID)
		return
	}

	outbound := models.Message{
		ID:             util.GenerateMessageID(),
		ConversationID: conversation.ID,
		Sender:         sender,
		Content:        result.Text,
		Timestamp:      time.Now(),
	}
	if err := o.store.AddMessage(outbound); err != nil {
		slog.Error("Orchestrator failed to persist outbound message", "error", err, "conversationID", conversation.ID)
	}

	if result.SendDocument {
		o.sendDocument(ctx, tenant, conversation)
	}
}

func (o *Orchestrator) sendDocument(ctx context.Context, tenant *models.Tenant, conversation *models.Conversation) {
	if tenant.DocumentURL == "" {
		slog.Warn("Orchestrator document send requested but tenant has no document", "tenantID", tenant.ID)
		return
	}
	docURL := o.resolveDocumentURL(tenant.DocumentURL)
	if docURL == "" {
		slog.Error("Orchestrator could not resolve document URL", "tenantID", tenant.ID, "documentURL", tenant.DocumentURL)
		return
	}
	if err := o.msgService.SendDocument(ctx, conversation.Phone, docURL, ""); err != nil {
		slog.Error("Orchestrator document send failed", "error", err, "conversationID", conversation.ID)
	}
}

// resolveDocumentURL turns a relative storage path into an absolute URL
// using the deployment's public base URL. Absolute URLs pass through.
func (o *Orchestrator) resolveDocumentURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return raw
	}
	if o.baseURL == "" {
		slog.Warn("Orchestrator relative document URL with no public base URL configured", "documentURL", raw)
		return ""
	}
	base, err := url.Parse(o.baseURL)
	if err != nil {
		return ""
	}
	return base.ResolveReference(&url.URL{Path: "/" + strings.TrimLeft(raw, "/")}).String()
}

// trimCurrentTurn drops the just-persisted inbound message from the history
// replayed to the model; the turn text is sent as the final user message.
func trimCurrentTurn(history []models.Message, currentID string) []models.Message {
	out := history[:0]
	for _, m := range history {
		if m.ID == currentID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Takeover moves a conversation to waiting_human via an explicit external
// action (dashboard).
func (o *Orchestrator) Takeover(ctx context.Context, conversationID string) error {
	return o.setStatus(ctx, conversationID, models.StatusWaitingHuman)
}

// Resume returns a conversation to the bot. This is the only path back from
// waiting_human to active.
func (o *Orchestrator) Resume(ctx context.Context, conversationID string) error {
	return o.setStatus(ctx, conversationID, models.StatusActive)
}

// Complete closes a conversation via an explicit external action.
func (o *Orchestrator) Complete(ctx context.Context, conversationID string) error {
	return o.setStatus(ctx, conversationID, models.StatusCompleted)
}

func (o *Orchestrator) setStatus(ctx context.Context, conversationID string, status models.ConversationStatus) error {
	conv, err := o.store.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return models.ErrConversationNotFound
	}
	conv.Status = status
	conv.LastActivityAt = time.Now()
	if err := o.store.SaveConversation(*conv); err != nil {
		return err
	}
	slog.Info("Orchestrator conversation status changed", "conversationID", conversationID, "status", status)
	return nil
}
