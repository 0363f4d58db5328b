// Package genai generates customer-facing replies through the OpenAI chat
// API and translates the in-band control markers into structured side
// effects.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/XSirch/evoflow/internal/models"
)

// Defaults for the completion client. Retries are deliberately few with a
// fixed delay: the customer is waiting, and the fail-safe fallback exists
// precisely so a flaky provider never blocks a reply.
const (
	DefaultModel          = openai.GPT4oMini
	DefaultMaxTokens      = 600
	DefaultTemperature    = 0.7
	DefaultMaxAttempts    = 3
	DefaultRetryDelay     = 2000 * time.Millisecond
	DefaultAttemptTimeout = 30 * time.Second
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Result is the outcome of one completion turn. It is always usable: when
// the provider could not produce a reply the client substitutes the tenant's
// fallback message and forces a handover instead of surfacing an error.
type Result struct {
	// Text is the marker-free reply to send to the customer.
	Text string
	// PermissionUpdate is nil when the reply carried no permission marker.
	PermissionUpdate *models.Permission
	// Handover transfers the conversation to a human operator.
	Handover bool
	// SendDocument requests delivery of the tenant's reference document.
	SendDocument bool
	// TokensUsed is the provider-reported total for this turn. Zero when
	// the fallback path was taken.
	TokensUsed int
	// Fallback reports that the text is the tenant's fallback message
	// rather than a model reply.
	Fallback bool
}

// Request carries everything one completion turn needs.
type Request struct {
	// SystemPrompt is the full instruction block built from the tenant
	// profile and retrieved knowledge.
	SystemPrompt string
	// History is the prior conversation transcript, oldest first.
	History []models.Message
	// UserMessage is the coalesced inbound text for this turn.
	UserMessage string
	// FallbackMessage is the tenant's canned reply for provider failure.
	FallbackMessage string
}

// Opts holds configuration for the completion client.
type Opts struct {
	APIKey         string
	Model          string
	MaxTokens      int
	Temperature    float32
	MaxAttempts    int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
}

// Option configures Opts.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithMaxAttempts sets how many times a turn is tried before falling back.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithRetryDelay sets the fixed pause between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Opts) { o.RetryDelay = d }
}

// WithAttemptTimeout bounds each individual completion attempt. Zero
// disables the per-attempt deadline.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Opts) { o.AttemptTimeout = d }
}

// Client wraps the OpenAI ChatCompletion service for generating replies.
type Client struct {
	chat           chatService
	model          string
	maxTokens      int
	temperature    float32
	maxAttempts    int
	retryDelay     time.Duration
	attemptTimeout time.Duration
}

// NewClient initializes a completion client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:          DefaultModel,
		MaxTokens:      DefaultMaxTokens,
		Temperature:    DefaultTemperature,
		MaxAttempts:    DefaultMaxAttempts,
		RetryDelay:     DefaultRetryDelay,
		AttemptTimeout: DefaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	cli := openai.NewClient(cfg.APIKey)
	return &Client{
		chat:           cli,
		model:          cfg.Model,
		maxTokens:      cfg.MaxTokens,
		temperature:    cfg.Temperature,
		maxAttempts:    cfg.MaxAttempts,
		retryDelay:     cfg.RetryDelay,
		attemptTimeout: cfg.AttemptTimeout,
	}, nil
}

// Complete runs one completion turn. It never returns an error: after the
// last failed attempt it returns the tenant's fallback message with a forced
// handover and zero tokens charged, so the conversation always gets a reply
// and a human picks it up.
func (c *Client) Complete(ctx context.Context, req Request) Result {
	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    c.buildMessages(req),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				slog.Warn("GenAI completion canceled", "error", lastErr)
				return c.fallbackResult(req)
			}
		}

		resp, err := c.createWithTimeout(ctx, chatReq)
		if err != nil {
			lastErr = err
			slog.Warn("GenAI completion attempt failed", "attempt", attempt, "maxAttempts", c.maxAttempts, "error", err)
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("no choices returned")
			slog.Warn("GenAI completion attempt returned no choices", "attempt", attempt, "maxAttempts", c.maxAttempts)
			continue
		}

		text, fx := ParseMarkers(resp.Choices[0].Message.Content)
		if text == "" && !fx.Handover && !fx.SendDocument {
			lastErr = fmt.Errorf("empty reply text")
			slog.Warn("GenAI completion attempt returned empty text", "attempt", attempt, "maxAttempts", c.maxAttempts)
			continue
		}

		if !fx.SendDocument && ShouldForceSendDocument(req.UserMessage, text) {
			slog.Debug("GenAI send-document heuristic triggered")
			fx.SendDocument = true
		}

		return Result{
			Text:             text,
			PermissionUpdate: fx.PermissionUpdate,
			Handover:         fx.Handover,
			SendDocument:     fx.SendDocument,
			TokensUsed:       resp.Usage.TotalTokens,
		}
	}

	slog.Error("GenAI completion exhausted attempts, using fallback", "attempts", c.maxAttempts, "error", lastErr)
	return c.fallbackResult(req)
}

// createWithTimeout runs a single attempt under the per-attempt deadline so
// one hung request cannot eat the whole retry budget.
func (c *Client) createWithTimeout(ctx context.Context, chatReq openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}
	return c.chat.CreateChatCompletion(ctx, chatReq)
}

func (c *Client) fallbackResult(req Request) Result {
	return Result{
		Text:       req.FallbackMessage,
		Handover:   true,
		TokensUsed: 0,
		Fallback:   true,
	}
}

// buildMessages assembles the chat transcript: system instruction first,
// then prior customer/bot exchanges, then the current turn. System-role
// transcript entries (canned notices) are not replayed to the model.
func (c *Client) buildMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	for _, m := range req.History {
		switch m.Sender {
		case models.SenderCustomer:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case models.SenderBot:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		}
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserMessage})
	return msgs
}
