package interfaces

import (
	"context"

	"github.com/ternarybob/audiens/internal/models"
)

// SpaceStorage manages knowledge base spaces.
type SpaceStorage interface {
	CreateSpace(ctx context.Context, space *models.KbSpace) error
	GetSpace(ctx context.Context, spaceCode string) (*models.KbSpace, error)
	ListSpaces(ctx context.Context) ([]*models.KbSpace, error)
	UpdateSpace(ctx context.Context, space *models.KbSpace) error
	// DeleteSpace soft-deletes the space. Cascading document soft-deletion
	// and job cancellation are the caller's responsibility.
	DeleteSpace(ctx context.Context, spaceCode string) error
}

// DocumentStorage manages uploaded documents and their index promotion
// state.
type DocumentStorage interface {
	CreateDocument(ctx context.Context, doc *models.Document) (int64, error)
	// GetDocument returns the document including soft-deleted rows.
	GetDocument(ctx context.Context, documentID int64) (*models.Document, error)
	ListDocuments(ctx context.Context, spaceCode string, limit, offset int) ([]*models.Document, error)
	MarkDocumentStatus(ctx context.Context, documentID int64, status models.DocumentStatus, lastError string) error
	// SetActiveIndexVersion promotes a version; it never decreases the
	// stored value.
	SetActiveIndexVersion(ctx context.Context, documentID int64, version int) error
	// SoftDeleteDocument marks the document DELETED and records deleted_at.
	SoftDeleteDocument(ctx context.Context, documentID int64) error
	SoftDeleteDocumentsBySpace(ctx context.Context, spaceCode string) ([]int64, error)
}

// ChunkStorage manages chunk rows and the searchable-chunk view.
type ChunkStorage interface {
	// ReplaceChunks deletes and reinserts all chunks of one
	// (document, index_version) in a single transaction.
	ReplaceChunks(ctx context.Context, documentID int64, indexVersion int, chunks []*models.Chunk) error
	GetChunksByIDs(ctx context.Context, chunkIDs []string) ([]*models.Chunk, error)
	ListChunks(ctx context.Context, documentID int64, indexVersion int) ([]*models.Chunk, error)
	// ListSearchableChunks resolves chunk ids through the searchable view:
	// document INDEXED and not deleted, version equals the document's
	// active_index_version, space matches. Order follows the input ids.
	ListSearchableChunks(ctx context.Context, spaceCode string, chunkIDs []string) ([]*models.Chunk, error)
	DeleteChunksByDocument(ctx context.Context, documentID int64, keepIndexVersion int) error
}

// FileStorage abstracts where uploaded document bytes live.
type FileStorage interface {
	// Save stores content and returns the storage URI.
	Save(ctx context.Context, spaceCode, filename string, content []byte) (string, error)
	Load(ctx context.Context, storageURI string) ([]byte, error)
	Delete(ctx context.Context, storageURI string) error
}
