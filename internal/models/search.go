package models

// SearchBackend selects which index backends serve a query.
type SearchBackend string

const (
	BackendVector SearchBackend = "vector"
	BackendBM25   SearchBackend = "bm25"
	BackendHybrid SearchBackend = "hybrid"
)

// ScoredChunk is a raw (chunk_id, score) candidate from one backend.
type ScoredChunk struct {
	ChunkID string
	Score   float64
}

// SearchHit is one resolved result returned to callers.
type SearchHit struct {
	ChunkID      string   `json:"chunk_id"`
	DocumentID   int64    `json:"document_id"`
	SpaceCode    string   `json:"space_code"`
	IndexVersion int      `json:"index_version"`
	Content      string   `json:"content"`
	Locator      *Locator `json:"locator,omitempty"`
	Score        float64  `json:"score"`
}
