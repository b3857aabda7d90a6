package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/chunker"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
	"github.com/ternarybob/audiens/internal/parser"
	"github.com/ternarybob/audiens/internal/storage/files"
	"github.com/ternarybob/audiens/internal/storage/sqlite"
)

type testEnv struct {
	store    interfaces.StorageManager
	files    interfaces.FileStorage
	pipeline *Pipeline
	embedder *recordingEmbedder
	vectors  *recordingVectorIndex
}

type recordingEmbedder struct {
	calls int
	fail  error
}

func (e *recordingEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.fail != nil {
		return nil, e.fail
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (e *recordingEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (e *recordingEmbedder) Dimension() int { return 3 }

type recordingVectorIndex struct {
	upserted int
}

func (v *recordingVectorIndex) Upsert(ctx context.Context, spaceCode string, chunks []*models.Chunk, vectors [][]float32) error {
	v.upserted += len(chunks)
	return nil
}

func (v *recordingVectorIndex) Search(ctx context.Context, spaceCode string, vector []float32, topK int) ([]models.ScoredChunk, error) {
	return nil, nil
}

func (v *recordingVectorIndex) DeleteByDocument(ctx context.Context, spaceCode string, documentID int64, keepIndexVersion int) error {
	return nil
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := arbor.NewLogger()
	dir := t.TempDir()

	store, err := sqlite.NewManager(logger, filepath.Join(dir, "audiens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fileStore, err := files.NewFileStorage(&common.StorageConfig{
		Backend: "local",
		Dir:     filepath.Join(dir, "blobs"),
	}, logger)
	require.NoError(t, err)

	ingestCfg := &common.IngestConfig{PipelineVersion: "v1", MaxChars: 200, Overlap: 20}
	router := parser.NewRouter(fileStore, ingestCfg, logger)
	embedder := &recordingEmbedder{}
	vectors := &recordingVectorIndex{}

	env := &testEnv{
		store:    store,
		files:    fileStore,
		embedder: embedder,
		vectors:  vectors,
	}
	env.pipeline = NewPipeline(
		store.DocumentStorage(), store.ChunkStorage(), store.IngestJobs(),
		fileStore, router, chunker.New(200, 20),
		embedder, vectors, nil, logger,
	)
	return env
}

func (e *testEnv) uploadDocument(t *testing.T, content string) *models.IngestJob {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.store.SpaceStorage().CreateSpace(ctx, &models.KbSpace{
		SpaceCode:   "acme",
		DisplayName: "Acme",
		Enabled:     true,
		Status:      models.SpaceStatusActive,
	}))

	uri, err := e.files.Save(ctx, "acme", "note.txt", []byte(content))
	require.NoError(t, err)

	docID, err := e.store.DocumentStorage().CreateDocument(ctx, &models.Document{
		SpaceCode:   "acme",
		Filename:    "note.txt",
		ContentType: "text/plain",
		Size:        int64(len(content)),
		StorageURI:  uri,
		Status:      models.DocumentStatusUploaded,
	})
	require.NoError(t, err)

	job, err := e.store.IngestJobs().CreateIngestJob(ctx, docID, "acme", "v1", 3)
	require.NoError(t, err)
	return job
}

func (e *testEnv) claim(t *testing.T) *models.IngestJob {
	t.Helper()
	job, err := e.store.IngestJobs().ClaimNextIngestJob(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestPipeline_IndexesDocument(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	created := env.uploadDocument(t, "First paragraph about widgets.\n\nSecond paragraph about gadgets.")
	job := env.claim(t)
	require.Equal(t, created.ID, job.ID)

	result, err := env.pipeline.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ResultSucceeded, result)

	doc, err := env.store.DocumentStorage().GetDocument(ctx, job.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusIndexed, doc.Status)
	assert.Equal(t, job.IndexVersion, doc.ActiveIndexVersion)

	chunks, err := env.store.ChunkStorage().ListChunks(ctx, job.DocumentID, job.IndexVersion)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, len(chunks), env.vectors.upserted)

	// Promoted chunks are visible through the searchable view.
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ChunkID
	}
	visible, err := env.store.ChunkStorage().ListSearchableChunks(ctx, "acme", ids)
	require.NoError(t, err)
	assert.Len(t, visible, len(chunks))
}

func TestPipeline_DeletedDocumentIsPermanent(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	env.uploadDocument(t, "some content")
	job := env.claim(t)

	require.NoError(t, env.store.DocumentStorage().SoftDeleteDocument(ctx, job.DocumentID))

	result, err := env.pipeline.Run(ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, interfaces.ResultPermanent, result)
	assert.Zero(t, env.embedder.calls)

	// DELETED is terminal; the permanent failure must not rewrite it.
	doc, err := env.store.DocumentStorage().GetDocument(ctx, job.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusDeleted, doc.Status)
}

func TestPipeline_EmbedderFailureIsRetryable(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	env.uploadDocument(t, "retryable embedding content")
	job := env.claim(t)
	env.embedder.fail = models.NewUpstreamError("openai", true, fmt.Errorf("429 too many requests"))

	result, err := env.pipeline.Run(ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, interfaces.ResultRetryable, result)

	// A retryable failure must not mark the document FAILED; a later
	// attempt can still index it.
	doc, err := env.store.DocumentStorage().GetDocument(ctx, job.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusProcessing, doc.Status)
	assert.Zero(t, doc.ActiveIndexVersion)
}

func TestPipeline_ReindexPromotesNewVersion(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	env.uploadDocument(t, "version one content")
	first := env.claim(t)
	_, err := env.pipeline.Run(ctx, first.ID)
	require.NoError(t, err)

	second, err := env.store.IngestJobs().CreateIngestJob(ctx, first.DocumentID, "acme", "v1", 3)
	require.NoError(t, err)
	require.Greater(t, second.IndexVersion, first.IndexVersion)

	claimed := env.claim(t)
	require.Equal(t, second.ID, claimed.ID)
	_, err = env.pipeline.Run(ctx, claimed.ID)
	require.NoError(t, err)

	doc, err := env.store.DocumentStorage().GetDocument(ctx, first.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, second.IndexVersion, doc.ActiveIndexVersion)

	// The superseded version is no longer searchable.
	old, err := env.store.ChunkStorage().ListChunks(ctx, first.DocumentID, first.IndexVersion)
	require.NoError(t, err)
	for _, c := range old {
		visible, err := env.store.ChunkStorage().ListSearchableChunks(ctx, "acme", []string{c.ChunkID})
		require.NoError(t, err)
		assert.Empty(t, visible)
	}
}

func TestPipeline_UnparseableDocumentFailsDocument(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	created := env.uploadDocument(t, "")
	job := env.claim(t)
	require.Equal(t, created.ID, job.ID)

	result, err := env.pipeline.Run(ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, interfaces.ResultPermanent, result)

	doc, err := env.store.DocumentStorage().GetDocument(ctx, job.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusFailed, doc.Status)
	assert.NotEmpty(t, doc.LastError)
}
