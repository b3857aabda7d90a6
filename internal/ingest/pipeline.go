// Package ingest turns an uploaded document into searchable chunks.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/chunker"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
	"github.com/ternarybob/audiens/internal/parser"
)

// Pipeline runs one ingest job end to end: load, parse, chunk, embed,
// index, promote. Every stage is idempotent against its own chunk ids, so
// a retried job overwrites rather than duplicates.
type Pipeline struct {
	documents interfaces.DocumentStorage
	chunks    interfaces.ChunkStorage
	jobs      interfaces.IngestJobStore
	files     interfaces.FileStorage
	router    *parser.Router
	chunker   *chunker.Chunker
	embedder  interfaces.EmbeddingService
	vectors   interfaces.VectorIndex
	texts     interfaces.TextIndex
	logger    arbor.ILogger
}

// NewPipeline wires the ingest pipeline. The embedder and either index may
// be nil; the corresponding stage is skipped.
func NewPipeline(
	documents interfaces.DocumentStorage,
	chunks interfaces.ChunkStorage,
	jobs interfaces.IngestJobStore,
	files interfaces.FileStorage,
	router *parser.Router,
	chk *chunker.Chunker,
	embedder interfaces.EmbeddingService,
	vectors interfaces.VectorIndex,
	texts interfaces.TextIndex,
	logger arbor.ILogger,
) *Pipeline {
	return &Pipeline{
		documents: documents,
		chunks:    chunks,
		jobs:      jobs,
		files:     files,
		router:    router,
		chunker:   chk,
		embedder:  embedder,
		vectors:   vectors,
		texts:     texts,
		logger:    logger,
	}
}

// Kind names the pipeline for worker identity.
func (p *Pipeline) Kind() string { return "ingest" }

// Run executes the claimed job. A permanent failure marks the document
// FAILED; the document's currently promoted version stays searchable
// either way.
func (p *Pipeline) Run(ctx context.Context, jobID int64) (interfaces.PipelineResult, error) {
	job, err := p.jobs.GetIngestJob(ctx, jobID)
	if err != nil {
		return classify(err), err
	}

	result, err := p.run(ctx, job)
	if err != nil {
		p.logger.Warn().
			Int64("job_id", jobID).
			Int64("document_id", job.DocumentID).
			Str("result", result.String()).
			Err(err).
			Msg("Ingest job failed")
		if result == interfaces.ResultPermanent {
			// ErrNotFound here means the document was (soft-)deleted;
			// DELETED is terminal and must not become FAILED.
			if markErr := p.documents.MarkDocumentStatus(ctx, job.DocumentID, models.DocumentStatusFailed, err.Error()); markErr != nil && !errors.Is(markErr, models.ErrNotFound) {
				p.logger.Error().Int64("document_id", job.DocumentID).Err(markErr).Msg("Failed to mark document failed")
			}
		}
		return result, err
	}
	return interfaces.ResultSucceeded, nil
}

func (p *Pipeline) run(ctx context.Context, job *models.IngestJob) (interfaces.PipelineResult, error) {
	doc, err := p.documents.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return classify(err), err
	}
	if doc.IsDeleted() {
		return interfaces.ResultPermanent, fmt.Errorf("document %d is deleted", doc.ID)
	}

	if err := p.documents.MarkDocumentStatus(ctx, doc.ID, models.DocumentStatusProcessing, ""); err != nil {
		return classify(err), err
	}

	parsed, err := p.router.Parse(ctx, doc.StorageURI, doc.ContentType, doc.Filename)
	if err != nil {
		return classify(err), fmt.Errorf("parse %s: %w", doc.Filename, err)
	}

	chunks := p.chunker.Chunk(parsed, doc.ID, doc.SpaceCode, job.IndexVersion)
	if len(chunks) == 0 {
		return interfaces.ResultPermanent, fmt.Errorf("document %d produced no chunks", doc.ID)
	}

	if err := p.chunks.ReplaceChunks(ctx, doc.ID, job.IndexVersion, chunks); err != nil {
		return classify(err), fmt.Errorf("store chunks: %w", err)
	}

	if err := p.index(ctx, doc.SpaceCode, chunks); err != nil {
		return classify(err), err
	}

	// Promotion order matters: the version pointer moves before the status
	// flips to INDEXED, so the searchable view never exposes a half-indexed
	// version.
	if err := p.documents.SetActiveIndexVersion(ctx, doc.ID, job.IndexVersion); err != nil {
		return classify(err), fmt.Errorf("promote version %d: %w", job.IndexVersion, err)
	}
	if err := p.documents.MarkDocumentStatus(ctx, doc.ID, models.DocumentStatusIndexed, ""); err != nil {
		return classify(err), err
	}

	p.logger.Info().
		Int64("job_id", job.ID).
		Int64("document_id", doc.ID).
		Str("space", doc.SpaceCode).
		Int("index_version", job.IndexVersion).
		Int("chunks", len(chunks)).
		Msg("Document indexed")
	return interfaces.ResultSucceeded, nil
}

// index pushes the chunk batch into the enabled backends. Vector indexing
// needs an embedder; with either side disabled retrieval simply degrades
// to the other.
func (p *Pipeline) index(ctx context.Context, spaceCode string, chunks []*models.Chunk) error {
	if p.vectors != nil && p.embedder != nil {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vectors, err := p.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed %d chunks: %w", len(chunks), err)
		}
		if err := p.vectors.Upsert(ctx, spaceCode, chunks, vectors); err != nil {
			return fmt.Errorf("vector upsert: %w", err)
		}
	}

	if p.texts != nil {
		if err := p.texts.Index(ctx, spaceCode, chunks); err != nil {
			return fmt.Errorf("text index: %w", err)
		}
	}
	return nil
}

func classify(err error) interfaces.PipelineResult {
	if models.IsRetryable(err) {
		return interfaces.ResultRetryable
	}
	return interfaces.ResultPermanent
}
