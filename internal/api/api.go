// Package api exposes the HTTP surface: the gateway webhook, document
// reprocessing, conversation dashboard actions, and health.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/XSirch/evoflow/internal/bot"
	"github.com/XSirch/evoflow/internal/debounce"
	"github.com/XSirch/evoflow/internal/knowledge"
	"github.com/XSirch/evoflow/internal/messaging"
	"github.com/XSirch/evoflow/internal/store"
)

// Server configuration constants.
const (
	// DefaultAddr is the default listen address for the API server.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout bounds slow-header attacks.
	DefaultReadHeaderTimeout = 5 * time.Second
)

// Server wires HTTP handlers to the conversation pipeline.
type Server struct {
	st         store.Store
	msgService messaging.Service
	orch       *bot.Orchestrator
	buffer     *debounce.Buffer
	indexer    *knowledge.Indexer
	tenantID   string
	addr       string
	httpServer *http.Server
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr     string
	TenantID string
}

// Option configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTenantID sets the deployment's tenant.
func WithTenantID(id string) Option {
	return func(o *Opts) { o.TenantID = id }
}

// NewServer creates the API server.
func NewServer(st store.Store, msgService messaging.Service, orch *bot.Orchestrator, buffer *debounce.Buffer, indexer *knowledge.Indexer, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		st:         st,
		msgService: msgService,
		orch:       orch,
		buffer:     buffer,
		indexer:    indexer,
		tenantID:   cfg.TenantID,
		addr:       cfg.Addr,
	}
}

// Run registers routes, starts the inbound pump, and serves until ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.webhookHandler)
	mux.HandleFunc("POST /documents/reprocess", s.reprocessHandler)
	mux.HandleFunc("POST /conversations/{id}/takeover", s.takeoverHandler)
	mux.HandleFunc("POST /conversations/{id}/resume", s.resumeHandler)
	mux.HandleFunc("POST /conversations/{id}/complete", s.completeHandler)
	mux.HandleFunc("GET /conversations/{id}/messages", s.messagesHandler)
	mux.HandleFunc("GET /health", s.healthHandler)

	// Twilio posts its inbound webhook as a form, not the gateway JSON.
	if twilioSvc, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("POST /webhook/twilio", twilioSvc.TwilioWebhookHandler)
		slog.Info("Server registered Twilio webhook route")
	}

	go s.consumeInbound(ctx)

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}

// consumeInbound pumps messages from the gateway connection (live WhatsApp
// session or Twilio webhook channel) into the same ingestion path the JSON
// webhook uses.
func (s *Server) consumeInbound(ctx context.Context) {
	inbound := s.msgService.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			s.ingest(ctx, msg)
		}
	}
}
