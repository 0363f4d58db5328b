package store

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/XSirch/evoflow/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// cosineDistance computes 1 - cosine similarity between two vectors.
// Mismatched or zero-magnitude vectors yield the maximum distance of 1.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// rankChunks scores candidate chunks against a query embedding and returns
// the limit nearest as matches ordered by ascending distance. Used by the
// backends that do not push similarity search into the database.
func rankChunks(candidates []models.Chunk, embedding []float32, limit int) []models.ChunkMatch {
	matches := make([]models.ChunkMatch, 0, len(candidates))
	for _, c := range candidates {
		d := cosineDistance(c.Embedding, embedding)
		matches = append(matches, models.ChunkMatch{Chunk: c, Distance: d, Relevance: 1 - d})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// marshalEmbedding serializes an embedding for backends that store vectors
// as JSON text.
func marshalEmbedding(embedding []float32) (string, error) {
	data, err := json.Marshal(embedding)
	if err != nil {
		return "", fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return string(data), nil
}

// unmarshalEmbedding deserializes a JSON-encoded embedding.
func unmarshalEmbedding(data string) ([]float32, error) {
	if data == "" {
		return nil, nil
	}
	var embedding []float32
	if err := json.Unmarshal([]byte(data), &embedding); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return embedding, nil
}
