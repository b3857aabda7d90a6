package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// ChunkStorage implements SQLite storage for document chunks
type ChunkStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewChunkStorage creates a new chunk storage instance
func NewChunkStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.ChunkStorage {
	return &ChunkStorage{
		db:     db,
		logger: logger,
	}
}

const chunkColumns = `chunk_id, document_id, space_code, index_version, chunk_index,
	modality, locator, content, content_hash, token_count`

// ReplaceChunks deletes and reinserts all chunks of one
// (document, index_version) in a single transaction. Retrying a failed
// ingest run converges on the same rows.
func (s *ChunkStorage) ReplaceChunks(ctx context.Context, documentID int64, indexVersion int, chunks []*models.Chunk) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return models.NewStorageError("replace chunks", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ? AND index_version = ?`,
		documentID, indexVersion); err != nil {
		return models.NewStorageError("replace chunks", err)
	}

	now := time.Now().Unix()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (chunk_id, document_id, space_code, index_version, chunk_index,
			modality, locator, content, content_hash, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return models.NewStorageError("replace chunks", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		locatorJSON := ""
		if chunk.Locator != nil {
			locatorJSON, err = chunk.Locator.ToJSON()
			if err != nil {
				return models.NewConstraintError("replace chunks", err)
			}
		}
		if _, err := stmt.ExecContext(ctx,
			chunk.ChunkID, chunk.DocumentID, chunk.SpaceCode, chunk.IndexVersion, chunk.ChunkIndex,
			string(chunk.Modality), locatorJSON, chunk.Content, chunk.ContentHash, chunk.TokenCount, now); err != nil {
			return models.NewStorageError("replace chunks", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.NewStorageError("replace chunks", err)
	}

	s.logger.Debug().
		Int64("document_id", documentID).
		Int("index_version", indexVersion).
		Int("count", len(chunks)).
		Msg("Chunks replaced")
	return nil
}

// GetChunksByIDs returns the chunks for the given ids, ordered to follow
// the input. Missing ids are skipped.
func (s *ChunkStorage) GetChunksByIDs(ctx context.Context, chunkIDs []string) ([]*models.Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE chunk_id IN (` + placeholders(len(chunkIDs)) + `)`
	rows, err := s.db.db.QueryContext(ctx, query, stringArgs(chunkIDs)...)
	if err != nil {
		return nil, models.NewStorageError("get chunks", err)
	}
	defer rows.Close()

	byID := make(map[string]*models.Chunk, len(chunkIDs))
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, models.NewStorageError("get chunks", err)
		}
		byID[chunk.ChunkID] = chunk
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError("get chunks", err)
	}

	return orderChunks(chunkIDs, byID), nil
}

// ListChunks returns all chunks of one (document, index_version) in
// chunk_index order.
func (s *ChunkStorage) ListChunks(ctx context.Context, documentID int64, indexVersion int) ([]*models.Chunk, error) {
	query := `SELECT ` + chunkColumns + `
		FROM chunks WHERE document_id = ? AND index_version = ? ORDER BY chunk_index`
	rows, err := s.db.db.QueryContext(ctx, query, documentID, indexVersion)
	if err != nil {
		return nil, models.NewStorageError("list chunks", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, models.NewStorageError("list chunks", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// ListSearchableChunks resolves chunk ids through the searchable view.
// Chunks of superseded versions, unpromoted documents, deleted documents
// and deleted spaces silently drop out. Order follows the input ids.
func (s *ChunkStorage) ListSearchableChunks(ctx context.Context, spaceCode string, chunkIDs []string) ([]*models.Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + chunkColumns + `
		FROM searchable_chunks
		WHERE space_code = ? AND chunk_id IN (` + placeholders(len(chunkIDs)) + `)`
	args := append([]interface{}{spaceCode}, stringArgs(chunkIDs)...)
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.NewStorageError("list searchable chunks", err)
	}
	defer rows.Close()

	byID := make(map[string]*models.Chunk, len(chunkIDs))
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, models.NewStorageError("list searchable chunks", err)
		}
		byID[chunk.ChunkID] = chunk
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError("list searchable chunks", err)
	}

	return orderChunks(chunkIDs, byID), nil
}

// DeleteChunksByDocument removes a document's chunks except those of the
// version to keep. keepIndexVersion < 0 removes everything.
func (s *ChunkStorage) DeleteChunksByDocument(ctx context.Context, documentID int64, keepIndexVersion int) error {
	var err error
	if keepIndexVersion < 0 {
		_, err = s.db.db.ExecContext(ctx,
			`DELETE FROM chunks WHERE document_id = ?`, documentID)
	} else {
		_, err = s.db.db.ExecContext(ctx,
			`DELETE FROM chunks WHERE document_id = ? AND index_version != ?`,
			documentID, keepIndexVersion)
	}
	if err != nil {
		return models.NewStorageError("delete chunks", err)
	}
	return nil
}

func scanChunk(row rowScanner) (*models.Chunk, error) {
	var chunk models.Chunk
	var modality, locatorJSON string

	if err := row.Scan(&chunk.ChunkID, &chunk.DocumentID, &chunk.SpaceCode,
		&chunk.IndexVersion, &chunk.ChunkIndex, &modality, &locatorJSON,
		&chunk.Content, &chunk.ContentHash, &chunk.TokenCount); err != nil {
		return nil, err
	}

	chunk.Modality = models.Modality(modality)
	if locatorJSON != "" {
		locator, err := models.LocatorFromJSON(locatorJSON)
		if err != nil {
			return nil, err
		}
		chunk.Locator = locator
	}
	return &chunk, nil
}

func orderChunks(ids []string, byID map[string]*models.Chunk) []*models.Chunk {
	ordered := make([]*models.Chunk, 0, len(byID))
	for _, id := range ids {
		if chunk, ok := byID[id]; ok {
			ordered = append(ordered, chunk)
		}
	}
	return ordered
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
