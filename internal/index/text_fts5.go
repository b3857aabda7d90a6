// Package index provides the pluggable text and vector retrieval backends.
package index

import (
	"context"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
	"github.com/ternarybob/audiens/internal/storage/sqlite"
)

// FTS5TextIndex is the embedded full-text backend. The chunks_fts virtual
// table is kept in sync with the chunks table by triggers, so Index and
// DeleteByDocument ride on chunk storage writes and only Search does work
// here.
type FTS5TextIndex struct {
	db     *sqlite.SQLiteDB
	logger arbor.ILogger
}

// NewFTS5TextIndex creates the embedded text index over the primary
// database.
func NewFTS5TextIndex(db *sqlite.SQLiteDB, logger arbor.ILogger) interfaces.TextIndex {
	return &FTS5TextIndex{db: db, logger: logger}
}

// Index is a no-op: the FTS5 sync triggers have already indexed the chunk
// rows written by chunk storage.
func (x *FTS5TextIndex) Index(ctx context.Context, spaceCode string, chunks []*models.Chunk) error {
	return nil
}

// Search runs a BM25-ranked match filtered to the space. SQLite's bm25()
// is smaller-is-better, so the score is negated before it leaves.
func (x *FTS5TextIndex) Search(ctx context.Context, spaceCode, query string, topK int) ([]models.ScoredChunk, error) {
	match := escapeFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := x.db.DB().QueryContext(ctx, `
		SELECT c.chunk_id, bm25(chunks_fts) AS score
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		WHERE chunks_fts MATCH ? AND c.space_code = ?
		ORDER BY score
		LIMIT ?
	`, match, spaceCode, topK)
	if err != nil {
		return nil, models.NewStorageError("fts search", err)
	}
	defer rows.Close()

	var hits []models.ScoredChunk
	for rows.Next() {
		var hit models.ScoredChunk
		var score float64
		if err := rows.Scan(&hit.ChunkID, &score); err != nil {
			return nil, models.NewStorageError("fts search", err)
		}
		hit.Score = -score
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// DeleteByDocument is a no-op: the delete trigger removes FTS rows when
// chunk storage drops the chunks.
func (x *FTS5TextIndex) DeleteByDocument(ctx context.Context, spaceCode string, documentID int64, keepIndexVersion int) error {
	return nil
}

// escapeFTSQuery quotes each term so user input can never hit FTS5 query
// syntax. An OR over terms approximates bag-of-words ranking.
func escapeFTSQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		if f != "" {
			terms = append(terms, `"`+f+`"`)
		}
	}
	return strings.Join(terms, " OR ")
}
