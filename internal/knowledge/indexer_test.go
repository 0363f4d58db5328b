package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/XSirch/evoflow/internal/models"
	"github.com/XSirch/evoflow/internal/store"
	"github.com/XSirch/evoflow/internal/testutil"
)

func TestReprocessTwiceIsIdempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	doc := models.KnowledgeDocument{
		ID:       "doc1",
		TenantID: "t1",
		Title:    "Hours",
		Content:  strings.Repeat("Opening hours are nine to six. ", 20),
		Active:   true,
	}
	if err := st.SaveDocument(doc); err != nil {
		t.Fatal(err)
	}

	ix := NewIndexer(st, &testutil.FakeEmbedder{Default: []float32{1, 0, 0}}, NewChunker(WithChunkSize(100), WithChunkOverlap(20)))

	first, err := ix.Reprocess(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("first reprocess: %v", err)
	}
	second, err := ix.Reprocess(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("second reprocess: %v", err)
	}
	if first != second {
		t.Errorf("identical content produced %d then %d chunks", first, second)
	}

	// The first run's rows must be fully replaced: no duplicate ordinals.
	matches, err := st.SearchChunks("t1", []float32{1, 0, 0}, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != second {
		t.Errorf("store holds %d chunks, expected %d", len(matches), second)
	}
	seen := make(map[int]bool)
	for _, m := range matches {
		if seen[m.Chunk.Ordinal] {
			t.Errorf("duplicate ordinal %d after reprocess", m.Chunk.Ordinal)
		}
		seen[m.Chunk.Ordinal] = true
	}
}

func TestReprocessMissingDocument(t *testing.T) {
	st := store.NewInMemoryStore()
	ix := NewIndexer(st, &testutil.FakeEmbedder{}, NewChunker())

	_, err := ix.Reprocess(context.Background(), "nope")
	if !errors.Is(err, models.ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestReprocessEmbeddingFailureLeavesOldChunks(t *testing.T) {
	st := store.NewInMemoryStore()
	doc := models.KnowledgeDocument{ID: "doc1", TenantID: "t1", Title: "Hours", Content: "9-18", Active: true}
	if err := st.SaveDocument(doc); err != nil {
		t.Fatal(err)
	}
	if err := st.ReplaceDocumentChunks("doc1", []models.Chunk{
		{ID: "old", DocumentID: "doc1", Ordinal: 0, Content: "9-18", Embedding: []float32{1, 0, 0}},
	}); err != nil {
		t.Fatal(err)
	}

	ix := NewIndexer(st, &testutil.FakeEmbedder{Err: errors.New("embedding api down")}, NewChunker())
	if _, err := ix.Reprocess(context.Background(), "doc1"); err == nil {
		t.Fatal("expected error from failing embedder")
	}

	matches, err := st.SearchChunks("t1", []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Chunk.ID != "old" {
		t.Errorf("old chunks should be untouched after a failed reprocess, got %+v", matches)
	}
}
