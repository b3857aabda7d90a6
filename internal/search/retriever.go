package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// candidateMultiplier oversamples each backend so fusion and the
// searchable-chunk filter still leave topK results after drop-outs.
const candidateMultiplier = 5

// Retriever serves search over a space: fan out to the enabled backends,
// fuse by reciprocal rank, resolve through the searchable view and apply
// the per-document diversity cap.
type Retriever struct {
	chunks    interfaces.ChunkStorage
	vectors   interfaces.VectorIndex
	texts     interfaces.TextIndex
	embedder  interfaces.EmbeddingService
	maxPerDoc int
	logger    arbor.ILogger
}

// NewRetriever wires the retrieval service. Either index handle may be
// nil; the affected backend degrades to the other.
func NewRetriever(chunks interfaces.ChunkStorage, vectors interfaces.VectorIndex, texts interfaces.TextIndex, embedder interfaces.EmbeddingService, maxPerDoc int, logger arbor.ILogger) interfaces.SearchService {
	if maxPerDoc <= 0 {
		maxPerDoc = 3
	}
	return &Retriever{
		chunks:    chunks,
		vectors:   vectors,
		texts:     texts,
		embedder:  embedder,
		maxPerDoc: maxPerDoc,
		logger:    logger,
	}
}

// Search runs a query. With the hybrid backend one failing side degrades
// to the other; the search only errors when no backend produced
// candidates.
func (r *Retriever) Search(ctx context.Context, spaceCode, query string, topK int, backend models.SearchBackend) ([]*models.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" || topK <= 0 {
		return nil, models.NewConstraintError("search",
			fmt.Errorf("empty query or non-positive top_k"))
	}

	limit := topK * candidateMultiplier
	var lists [][]models.ScoredChunk
	var lastErr error

	wantVector := backend == models.BackendVector || backend == models.BackendHybrid
	wantText := backend == models.BackendBM25 || backend == models.BackendHybrid

	if wantVector && r.vectors != nil && r.embedder != nil {
		hits, err := r.vectorCandidates(ctx, spaceCode, query, limit)
		if err != nil {
			lastErr = err
			r.logger.Warn().Err(err).Str("space", spaceCode).Msg("Vector search degraded")
		} else {
			lists = append(lists, hits)
		}
	}
	if wantText && r.texts != nil {
		hits, err := r.texts.Search(ctx, spaceCode, query, limit)
		if err != nil {
			lastErr = err
			r.logger.Warn().Err(err).Str("space", spaceCode).Msg("Text search degraded")
		} else {
			lists = append(lists, hits)
		}
	}

	if len(lists) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, models.NewConstraintError("search",
			fmt.Errorf("no index backend enabled for %q", backend))
	}

	fused := FuseRRF(lists...)
	return r.resolve(ctx, spaceCode, fused, topK)
}

func (r *Retriever) vectorCandidates(ctx context.Context, spaceCode, query string, limit int) ([]models.ScoredChunk, error) {
	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.vectors.Search(ctx, spaceCode, vector, limit)
}

// resolve maps fused candidates through the searchable view, dropping
// stale ids, and caps hits per document so one document cannot fill the
// page.
func (r *Retriever) resolve(ctx context.Context, spaceCode string, fused []models.ScoredChunk, topK int) ([]*models.SearchHit, error) {
	ids := make([]string, len(fused))
	scores := make(map[string]float64, len(fused))
	for i, c := range fused {
		ids[i] = c.ChunkID
		scores[c.ChunkID] = c.Score
	}

	chunks, err := r.chunks.ListSearchableChunks(ctx, spaceCode, ids)
	if err != nil {
		return nil, err
	}

	perDoc := make(map[int64]int)
	hits := make([]*models.SearchHit, 0, topK)
	for _, chunk := range chunks {
		if perDoc[chunk.DocumentID] >= r.maxPerDoc {
			continue
		}
		perDoc[chunk.DocumentID]++
		hits = append(hits, &models.SearchHit{
			ChunkID:      chunk.ChunkID,
			DocumentID:   chunk.DocumentID,
			SpaceCode:    chunk.SpaceCode,
			IndexVersion: chunk.IndexVersion,
			Content:      chunk.Content,
			Locator:      chunk.Locator,
			Score:        scores[chunk.ChunkID],
		})
		if len(hits) == topK {
			break
		}
	}
	return hits, nil
}
