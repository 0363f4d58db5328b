package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/XSirch/evoflow/internal/embedding"
	"github.com/XSirch/evoflow/internal/models"
	"github.com/XSirch/evoflow/internal/store"
)

// DefaultSearchLimit is the default number of chunks retrieved per query.
const DefaultSearchLimit = 5

// Context is the knowledge material handed to the prompt builder: either the
// top-K retrieved chunks or, when retrieval degrades, the concatenated text
// of every active document.
type Context struct {
	Text         string
	Matches      []models.ChunkMatch
	FallbackUsed bool
}

// Retriever answers "what does the knowledge base say about this question"
// with vector search, degrading to full-document concatenation on any
// failure or empty result. The degraded path trades prompt size for
// availability and never returns an error.
type Retriever struct {
	store    store.Store
	embedder embedding.Embedder
}

// NewRetriever creates a Retriever over the given store and embedder.
func NewRetriever(st store.Store, embedder embedding.Embedder) *Retriever {
	return &Retriever{store: st, embedder: embedder}
}

// Search returns up to limit chunks ordered by ascending cosine distance,
// scoped strictly to active documents of the tenant. Each match carries a
// relevance score of 1 - distance.
func (r *Retriever) Search(ctx context.Context, query, tenantID string, limit int) ([]models.ChunkMatch, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	matches, err := r.store.SearchChunks(tenantID, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("chunk search failed: %w", err)
	}
	return matches, nil
}

// BuildContext retrieves knowledge for the prompt. On search failure or an
// empty result it concatenates all active documents for the tenant instead;
// when even that fails the returned context is empty but no error is raised.
func (r *Retriever) BuildContext(ctx context.Context, query, tenantID string, limit int) Context {
	matches, err := r.Search(ctx, query, tenantID, limit)
	if err == nil && len(matches) > 0 {
		var b strings.Builder
		for i, m := range matches {
			if i > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(m.Chunk.Content)
		}
		slog.Debug("Retriever built context from chunks", "tenantID", tenantID, "matches", len(matches))
		return Context{Text: b.String(), Matches: matches}
	}
	if err != nil {
		slog.Warn("Retriever degrading to full-document context", "error", err, "tenantID", tenantID)
	} else {
		slog.Debug("Retriever found no chunks, degrading to full-document context", "tenantID", tenantID)
	}

	docs, docErr := r.store.ListActiveDocuments(tenantID)
	if docErr != nil {
		slog.Error("Retriever fallback document load failed", "error", docErr, "tenantID", tenantID)
		return Context{FallbackUsed: true}
	}

	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(d.Title)
		b.WriteString("\n")
		b.WriteString(d.Content)
	}
	slog.Debug("Retriever built fallback context", "tenantID", tenantID, "documents", len(docs))
	return Context{Text: b.String(), FallbackUsed: true}
}
