// Package knowledge implements the knowledge-base pipeline: chunking
// document text, writing chunk embeddings, and retrieving relevant context
// for a customer question.
package knowledge

import (
	"time"

	"github.com/XSirch/evoflow/internal/models"
	"github.com/XSirch/evoflow/internal/util"
)

// DefaultChunkSize is the default number of characters per chunk.
const DefaultChunkSize = 1000

// DefaultChunkOverlap is the default number of overlapping characters.
const DefaultChunkOverlap = 200

// Chunker splits document content into overlapping fixed-size windows.
type Chunker struct {
	chunkSize int
	overlap   int
}

// ChunkerOption configures a Chunker.
type ChunkerOption func(*Chunker)

// WithChunkSize sets the chunk size in characters.
func WithChunkSize(size int) ChunkerOption {
	return func(c *Chunker) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithChunkOverlap sets the overlap between chunks in characters.
func WithChunkOverlap(overlap int) ChunkerOption {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// NewChunker creates a Chunker with the given options.
func NewChunker(opts ...ChunkerOption) *Chunker {
	c := &Chunker{
		chunkSize: DefaultChunkSize,
		overlap:   DefaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	// Overlap must leave forward progress per window.
	if c.overlap >= c.chunkSize {
		c.overlap = c.chunkSize / 4
	}
	return c
}

// Split produces the chunk set for a document's content. Ordinals are
// contiguous from 0; empty content produces no chunks.
func (c *Chunker) Split(doc models.KnowledgeDocument) []models.Chunk {
	if doc.Content == "" {
		return nil
	}

	content := doc.Content
	contentLen := len(content)

	estimated := (contentLen / (c.chunkSize - c.overlap)) + 1
	chunks := make([]models.Chunk, 0, estimated)

	now := time.Now()
	ordinal := 0
	start := 0

	for start < contentLen {
		end := start + c.chunkSize
		if end > contentLen {
			end = contentLen
		}

		chunks = append(chunks, models.Chunk{
			ID:         util.GenerateChunkID(),
			DocumentID: doc.ID,
			Ordinal:    ordinal,
			Content:    content[start:end],
			CreatedAt:  now,
		})
		ordinal++

		start += c.chunkSize - c.overlap
	}

	return chunks
}
