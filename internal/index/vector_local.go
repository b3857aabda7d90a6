package index

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
	"github.com/ternarybob/audiens/internal/storage/sqlite"
)

// LocalVectorIndex is the embedded vector backend: embeddings live in the
// chunk_vectors table as little-endian float32 blobs and search is a
// brute-force scan over the space. Vectors arrive L2-normalized, so the
// cosine score is a plain dot product. Fine for spaces up to the tens of
// thousands of chunks; beyond that Milvus takes over.
type LocalVectorIndex struct {
	db     *sqlite.SQLiteDB
	logger arbor.ILogger
}

// NewLocalVectorIndex creates the embedded vector index over the primary
// database.
func NewLocalVectorIndex(db *sqlite.SQLiteDB, logger arbor.ILogger) interfaces.VectorIndex {
	return &LocalVectorIndex{db: db, logger: logger}
}

// Upsert writes one embedding per chunk. INSERT OR REPLACE keyed by
// chunk_id makes retried ingest runs converge.
func (x *LocalVectorIndex) Upsert(ctx context.Context, spaceCode string, chunks []*models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return models.NewConstraintError("vector upsert",
			fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors)))
	}

	tx, err := x.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return models.NewStorageError("vector upsert", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunk_vectors (chunk_id, space_code, document_id, index_version, dim, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return models.NewStorageError("vector upsert", err)
	}
	defer stmt.Close()

	for i, chunk := range chunks {
		if _, err := stmt.ExecContext(ctx, chunk.ChunkID, spaceCode, chunk.DocumentID,
			chunk.IndexVersion, len(vectors[i]), encodeVector(vectors[i])); err != nil {
			return models.NewStorageError("vector upsert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.NewStorageError("vector upsert", err)
	}
	return nil
}

// Search scans the space and keeps the topK highest dot products.
func (x *LocalVectorIndex) Search(ctx context.Context, spaceCode string, vector []float32, topK int) ([]models.ScoredChunk, error) {
	rows, err := x.db.DB().QueryContext(ctx, `
		SELECT chunk_id, dim, embedding FROM chunk_vectors WHERE space_code = ?
	`, spaceCode)
	if err != nil {
		return nil, models.NewStorageError("vector search", err)
	}
	defer rows.Close()

	h := &scoreHeap{}
	heap.Init(h)

	for rows.Next() {
		var chunkID string
		var dim int
		var blob []byte
		if err := rows.Scan(&chunkID, &dim, &blob); err != nil {
			return nil, models.NewStorageError("vector search", err)
		}
		if dim != len(vector) {
			continue
		}
		score := dotBlob(vector, blob)
		if h.Len() < topK {
			heap.Push(h, models.ScoredChunk{ChunkID: chunkID, Score: score})
		} else if topK > 0 && score > (*h)[0].Score {
			(*h)[0] = models.ScoredChunk{ChunkID: chunkID, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError("vector search", err)
	}

	// Pop ascending, reverse into descending order
	hits := make([]models.ScoredChunk, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hits[i] = heap.Pop(h).(models.ScoredChunk)
	}
	return hits, nil
}

// DeleteByDocument drops a document's vectors except the version to keep.
func (x *LocalVectorIndex) DeleteByDocument(ctx context.Context, spaceCode string, documentID int64, keepIndexVersion int) error {
	var err error
	if keepIndexVersion < 0 {
		_, err = x.db.DB().ExecContext(ctx,
			`DELETE FROM chunk_vectors WHERE space_code = ? AND document_id = ?`,
			spaceCode, documentID)
	} else {
		_, err = x.db.DB().ExecContext(ctx,
			`DELETE FROM chunk_vectors WHERE space_code = ? AND document_id = ? AND index_version != ?`,
			spaceCode, documentID, keepIndexVersion)
	}
	if err != nil {
		return models.NewStorageError("vector delete", err)
	}
	return nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// dotBlob computes the dot product against an encoded vector without
// allocating a decoded copy.
func dotBlob(query []float32, blob []byte) float64 {
	n := len(blob) / 4
	if n > len(query) {
		n = len(query)
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
		sum += float64(query[i]) * float64(v)
	}
	return sum
}

// scoreHeap is a min-heap on score so the smallest of the kept topK is
// always on top.
type scoreHeap []models.ScoredChunk

func (h scoreHeap) Len() int            { return len(h) }
func (h scoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h scoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoreHeap) Push(x interface{}) { *h = append(*h, x.(models.ScoredChunk)) }
func (h *scoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
