package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/XSirch/evoflow/internal/embedding"
	"github.com/XSirch/evoflow/internal/models"
	"github.com/XSirch/evoflow/internal/store"
)

// Indexer chunks a document, embeds each chunk, and replaces the document's
// stored chunk set atomically. Reprocessing with identical content yields the
// same number of chunks and never leaves duplicate ordinals behind.
type Indexer struct {
	store    store.Store
	embedder embedding.Embedder
	chunker  *Chunker
}

// NewIndexer creates an Indexer over the given store and embedder.
func NewIndexer(st store.Store, embedder embedding.Embedder, chunker *Chunker) *Indexer {
	return &Indexer{store: st, embedder: embedder, chunker: chunker}
}

// Reprocess regenerates the chunk set for a document from its current text.
// Any embedding failure aborts the run before the old chunks are touched.
func (ix *Indexer) Reprocess(ctx context.Context, documentID string) (int, error) {
	doc, err := ix.store.GetDocument(documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to load document %s: %w", documentID, err)
	}
	if doc == nil {
		return 0, models.ErrDocumentNotFound
	}

	chunks := ix.chunker.Split(*doc)
	slog.Debug("Indexer split document", "documentID", documentID, "chunks", len(chunks))

	for i := range chunks {
		vec, err := ix.embedder.Embed(ctx, chunks[i].Content)
		if err != nil {
			slog.Error("Indexer embedding failed", "error", err, "documentID", documentID, "ordinal", chunks[i].Ordinal)
			return 0, fmt.Errorf("failed to embed chunk %d of document %s: %w", chunks[i].Ordinal, documentID, err)
		}
		chunks[i].Embedding = vec
	}

	if err := ix.store.ReplaceDocumentChunks(documentID, chunks); err != nil {
		return 0, fmt.Errorf("failed to replace chunks for document %s: %w", documentID, err)
	}

	slog.Info("Indexer reprocessed document", "documentID", documentID, "chunks", len(chunks))
	return len(chunks), nil
}
