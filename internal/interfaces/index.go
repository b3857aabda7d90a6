package interfaces

import (
	"context"

	"github.com/ternarybob/audiens/internal/models"
)

// VectorIndex is a per-space ANN index keyed by chunk id. Scores are
// cosine similarity over L2-normalized vectors: higher is more similar.
type VectorIndex interface {
	// Upsert writes chunks with their vectors; retrying the same chunk ids
	// is a logical no-op.
	Upsert(ctx context.Context, spaceCode string, chunks []*models.Chunk, vectors [][]float32) error
	Search(ctx context.Context, spaceCode string, vector []float32, topK int) ([]models.ScoredChunk, error)
	// DeleteByDocument removes the document's entries except the version to
	// keep. Best-effort cleanup.
	DeleteByDocument(ctx context.Context, spaceCode string, documentID int64, keepIndexVersion int) error
}

// TextIndex is a per-space full-text index keyed by chunk id. Every search
// applies the space as a filter.
type TextIndex interface {
	Index(ctx context.Context, spaceCode string, chunks []*models.Chunk) error
	Search(ctx context.Context, spaceCode, query string, topK int) ([]models.ScoredChunk, error)
	DeleteByDocument(ctx context.Context, spaceCode string, documentID int64, keepIndexVersion int) error
}

// EmbeddingService produces dense vectors for chunk contents and queries.
type EmbeddingService interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	Dimension() int
}

// SearchService serves ranked chunk hits for a query on a space.
type SearchService interface {
	Search(ctx context.Context, spaceCode, query string, topK int, backend models.SearchBackend) ([]*models.SearchHit, error)
}
