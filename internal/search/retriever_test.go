package search

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/models"
)

type fakeVectorIndex struct {
	hits []models.ScoredChunk
	err  error
}

func (f *fakeVectorIndex) Upsert(ctx context.Context, spaceCode string, chunks []*models.Chunk, vectors [][]float32) error {
	return nil
}

func (f *fakeVectorIndex) Search(ctx context.Context, spaceCode string, vector []float32, topK int) ([]models.ScoredChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	if topK < len(f.hits) {
		return f.hits[:topK], nil
	}
	return f.hits, nil
}

func (f *fakeVectorIndex) DeleteByDocument(ctx context.Context, spaceCode string, documentID int64, keepIndexVersion int) error {
	return nil
}

type fakeTextIndex struct {
	hits []models.ScoredChunk
	err  error
}

func (f *fakeTextIndex) Index(ctx context.Context, spaceCode string, chunks []*models.Chunk) error {
	return nil
}

func (f *fakeTextIndex) Search(ctx context.Context, spaceCode, query string, topK int) ([]models.ScoredChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	if topK < len(f.hits) {
		return f.hits[:topK], nil
	}
	return f.hits, nil
}

func (f *fakeTextIndex) DeleteByDocument(ctx context.Context, spaceCode string, documentID int64, keepIndexVersion int) error {
	return nil
}

type fakeEmbedder struct{}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }

// fakeChunkStore resolves ids against a fixed searchable set, preserving
// input order like the real view query does.
type fakeChunkStore struct {
	searchable map[string]*models.Chunk
}

func (f *fakeChunkStore) ReplaceChunks(ctx context.Context, documentID int64, indexVersion int, chunks []*models.Chunk) error {
	return nil
}

func (f *fakeChunkStore) GetChunksByIDs(ctx context.Context, chunkIDs []string) ([]*models.Chunk, error) {
	return f.ListSearchableChunks(ctx, "", chunkIDs)
}

func (f *fakeChunkStore) ListChunks(ctx context.Context, documentID int64, indexVersion int) ([]*models.Chunk, error) {
	return nil, nil
}

func (f *fakeChunkStore) ListSearchableChunks(ctx context.Context, spaceCode string, chunkIDs []string) ([]*models.Chunk, error) {
	var out []*models.Chunk
	for _, id := range chunkIDs {
		if chunk, ok := f.searchable[id]; ok {
			out = append(out, chunk)
		}
	}
	return out, nil
}

func (f *fakeChunkStore) DeleteChunksByDocument(ctx context.Context, documentID int64, keepIndexVersion int) error {
	return nil
}

func searchableSet(chunks ...*models.Chunk) *fakeChunkStore {
	m := make(map[string]*models.Chunk, len(chunks))
	for _, c := range chunks {
		m[c.ChunkID] = c
	}
	return &fakeChunkStore{searchable: m}
}

func testChunk(id string, documentID int64) *models.Chunk {
	return &models.Chunk{
		ChunkID:      id,
		DocumentID:   documentID,
		SpaceCode:    "acme",
		IndexVersion: 1,
		Content:      "content of " + id,
	}
}

func scored(ids ...string) []models.ScoredChunk {
	out := make([]models.ScoredChunk, len(ids))
	for i, id := range ids {
		out[i] = models.ScoredChunk{ChunkID: id, Score: float64(len(ids) - i)}
	}
	return out
}

func TestFuseRRF_RewardsAgreement(t *testing.T) {
	fused := FuseRRF(
		scored("a", "b", "c"),
		scored("b", "a", "d"),
	)

	require.Len(t, fused, 4)
	// a and b appear in both lists and outrank the singletons. a holds
	// rank 1+2, b holds 2+1; equal mass, so the id breaks the tie.
	assert.Equal(t, "a", fused[0].ChunkID)
	assert.Equal(t, "b", fused[1].ChunkID)
	assert.InDelta(t, fused[0].Score, fused[1].Score, 1e-12)
	assert.Greater(t, fused[1].Score, fused[2].Score)
}

func TestFuseRRF_PermutationInvariant(t *testing.T) {
	listA := scored("a", "b", "c", "d")
	listB := scored("c", "a", "e")

	want := FuseRRF(listA, listB)
	got := FuseRRF(listB, listA)

	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].ChunkID, got[i].ChunkID)
		assert.InDelta(t, want[i].Score, got[i].Score, 1e-12)
	}
}

func TestFuseRRF_DeterministicTieBreak(t *testing.T) {
	ids := []string{"c3", "a1", "b2", "e5", "d4"}
	for trial := 0; trial < 5; trial++ {
		shuffled := append([]string(nil), ids...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		// Every id at the same rank in its own list: all scores equal.
		var lists [][]models.ScoredChunk
		for _, id := range shuffled {
			lists = append(lists, scored(id))
		}
		fused := FuseRRF(lists...)

		require.Len(t, fused, len(ids))
		for i := 1; i < len(fused); i++ {
			assert.Less(t, fused[i-1].ChunkID, fused[i].ChunkID)
		}
	}
}

func TestRetriever_HybridFusesBothBackends(t *testing.T) {
	logger := arbor.NewLogger()
	chunks := searchableSet(
		testChunk("a", 1), testChunk("b", 2), testChunk("c", 3), testChunk("d", 4),
	)
	vectors := &fakeVectorIndex{hits: scored("a", "b", "c")}
	texts := &fakeTextIndex{hits: scored("b", "d")}

	svc := NewRetriever(chunks, vectors, texts, &fakeEmbedder{}, 3, logger)
	hits, err := svc.Search(context.Background(), "acme", "query", 4, models.BackendHybrid)
	require.NoError(t, err)

	require.Len(t, hits, 4)
	assert.Equal(t, "b", hits[0].ChunkID)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestRetriever_DegradesWhenOneBackendFails(t *testing.T) {
	logger := arbor.NewLogger()
	chunks := searchableSet(testChunk("a", 1), testChunk("b", 2))
	vectors := &fakeVectorIndex{err: models.NewUpstreamError("milvus", true, fmt.Errorf("connection refused"))}
	texts := &fakeTextIndex{hits: scored("a", "b")}

	svc := NewRetriever(chunks, vectors, texts, &fakeEmbedder{}, 3, logger)
	hits, err := svc.Search(context.Background(), "acme", "query", 2, models.BackendHybrid)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ChunkID)
}

func TestRetriever_ErrorsWhenAllBackendsFail(t *testing.T) {
	logger := arbor.NewLogger()
	chunks := searchableSet()
	vectors := &fakeVectorIndex{err: models.NewUpstreamError("milvus", true, fmt.Errorf("down"))}
	texts := &fakeTextIndex{err: models.NewUpstreamError("elasticsearch", true, fmt.Errorf("down"))}

	svc := NewRetriever(chunks, vectors, texts, &fakeEmbedder{}, 3, logger)
	_, err := svc.Search(context.Background(), "acme", "query", 2, models.BackendHybrid)
	require.Error(t, err)
	assert.True(t, models.IsRetryable(err))
}

func TestRetriever_DiversityCapPerDocument(t *testing.T) {
	logger := arbor.NewLogger()
	// Five chunks of document 1 outrank the lone chunk of document 2.
	chunks := searchableSet(
		testChunk("a1", 1), testChunk("a2", 1), testChunk("a3", 1),
		testChunk("a4", 1), testChunk("a5", 1), testChunk("z1", 2),
	)
	texts := &fakeTextIndex{hits: scored("a1", "a2", "a3", "a4", "a5", "z1")}

	svc := NewRetriever(chunks, nil, texts, nil, 2, logger)
	hits, err := svc.Search(context.Background(), "acme", "query", 5, models.BackendBM25)
	require.NoError(t, err)

	require.Len(t, hits, 3)
	perDoc := map[int64]int{}
	for _, h := range hits {
		perDoc[h.DocumentID]++
	}
	assert.Equal(t, 2, perDoc[1])
	assert.Equal(t, 1, perDoc[2])
}

func TestRetriever_UnsearchableChunksDropOut(t *testing.T) {
	logger := arbor.NewLogger()
	// The index still knows "stale" but the view no longer exposes it.
	chunks := searchableSet(testChunk("live", 1))
	texts := &fakeTextIndex{hits: scored("stale", "live")}

	svc := NewRetriever(chunks, nil, texts, nil, 3, logger)
	hits, err := svc.Search(context.Background(), "acme", "query", 5, models.BackendBM25)
	require.NoError(t, err)

	require.Len(t, hits, 1)
	assert.Equal(t, "live", hits[0].ChunkID)
}

func TestRetriever_RejectsEmptyQuery(t *testing.T) {
	logger := arbor.NewLogger()
	svc := NewRetriever(searchableSet(), nil, &fakeTextIndex{}, nil, 3, logger)

	_, err := svc.Search(context.Background(), "acme", "   ", 5, models.BackendBM25)
	require.Error(t, err)
	assert.False(t, models.IsRetryable(err))
}
