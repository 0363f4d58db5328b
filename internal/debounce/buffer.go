// Package debounce coalesces rapid message fragments from one contact into a
// single turn. WhatsApp users type in bursts; replying to each fragment
// wastes tokens and produces disjointed answers, so delivery is deferred
// until the contact pauses.
package debounce

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/XSirch/evoflow/internal/models"
)

// DefaultWindow is how long the buffer waits after the last fragment before
// flushing the turn.
const DefaultWindow = 5000 * time.Millisecond

// Snapshot is the conversational context captured when the FIRST fragment of
// a burst arrives. Later fragments extend the text but never replace the
// snapshot, so the whole turn is processed against one consistent view.
type Snapshot struct {
	Tenant       *models.Tenant
	Contact      *models.Contact
	Conversation *models.Conversation
}

// FlushFunc receives one coalesced turn. Fragments are joined with newlines
// in arrival order. The callback runs on the timer goroutine.
type FlushFunc func(snapshot Snapshot, text string)

type entry struct {
	timer     *time.Timer
	fragments []string
	snapshot  Snapshot
	// flushing marks an entry whose timer has fired and whose flush is in
	// flight. A fragment arriving now starts a fresh turn instead of
	// appending to text already handed off.
	flushing bool
}

// Buffer holds per-contact pending turns. Keys combine tenant and phone so
// two tenants talking to the same number never share a turn.
type Buffer struct {
	window  time.Duration
	onFlush FlushFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// Opts holds configuration for the buffer.
type Opts struct {
	Window time.Duration
}

// Option configures Opts.
type Option func(*Opts)

// WithWindow sets the debounce window.
func WithWindow(d time.Duration) Option {
	return func(o *Opts) { o.Window = d }
}

// NewBuffer creates a debounce buffer that hands coalesced turns to onFlush.
func NewBuffer(onFlush FlushFunc, opts ...Option) *Buffer {
	cfg := Opts{Window: DefaultWindow}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	slog.Debug("Creating debounce buffer", "window", cfg.Window)
	return &Buffer{
		window:  cfg.Window,
		onFlush: onFlush,
		entries: make(map[string]*entry),
	}
}

func key(tenantID, phone string) string {
	return tenantID + "|" + phone
}

// Ingest adds one fragment for the contact and restarts that contact's
// window. The snapshot is only stored with the first fragment of a burst.
func (b *Buffer) Ingest(tenantID, phone, fragment string, snapshot Snapshot) {
	k := key(tenantID, phone)

	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.entries[k]
	if exists && !e.flushing {
		e.timer.Stop()
		e.fragments = append(e.fragments, fragment)
		e.timer = b.newTimer(k)
		slog.Debug("Debounce fragment appended", "tenantID", tenantID, "phone", phone, "fragments", len(e.fragments))
		return
	}

	if exists && e.flushing {
		// The previous turn is mid-flush; this fragment opens a new one.
		slog.Debug("Debounce fragment arrived during flush, starting new turn", "tenantID", tenantID, "phone", phone)
	}

	b.entries[k] = &entry{
		timer:     b.newTimer(k),
		fragments: []string{fragment},
		snapshot:  snapshot,
	}
	slog.Debug("Debounce turn opened", "tenantID", tenantID, "phone", phone, "window", b.window)
}

func (b *Buffer) newTimer(k string) *time.Timer {
	return time.AfterFunc(b.window, func() {
		b.flush(k)
	})
}

func (b *Buffer) flush(k string) {
	b.mu.Lock()
	e, exists := b.entries[k]
	if !exists || e.flushing {
		b.mu.Unlock()
		return
	}
	e.flushing = true
	text := strings.Join(e.fragments, "\n")
	snapshot := e.snapshot
	b.mu.Unlock()

	slog.Debug("Debounce flushing turn", "key", k, "fragments", len(e.fragments))
	b.onFlush(snapshot, text)

	b.mu.Lock()
	// A fragment may have replaced the entry while the flush ran.
	if cur, ok := b.entries[k]; ok && cur == e {
		delete(b.entries, k)
	}
	b.mu.Unlock()
}

// FlushNow forces an immediate flush for the contact. Used by tests and by
// shutdown so no buffered turn is silently dropped.
func (b *Buffer) FlushNow(tenantID, phone string) {
	k := key(tenantID, phone)
	b.mu.Lock()
	e, exists := b.entries[k]
	if exists && !e.flushing {
		e.timer.Stop()
	}
	b.mu.Unlock()
	if exists {
		b.flush(k)
	}
}

// Pending reports whether the contact has a buffered, unflushed turn.
func (b *Buffer) Pending(tenantID, phone string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, exists := b.entries[key(tenantID, phone)]
	return exists && !e.flushing
}

// Stop cancels all pending timers and flushes nothing. Buffered fragments
// are dropped; callers that need them delivered use FlushNow first.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	slog.Debug("Debounce buffer stopping", "pending", len(b.entries))
	for k, e := range b.entries {
		e.timer.Stop()
		delete(b.entries, k)
	}
}
