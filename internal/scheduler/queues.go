package scheduler

import (
	"context"
	"time"

	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// IngestQueue adapts the ingest job store to the worker pool.
type IngestQueue struct {
	store interfaces.IngestJobStore
}

// NewIngestQueue wraps the ingest job store.
func NewIngestQueue(store interfaces.IngestJobStore) *IngestQueue {
	return &IngestQueue{store: store}
}

func (q *IngestQueue) Kind() string { return "ingest" }

func (q *IngestQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (int64, bool, error) {
	job, err := q.store.ClaimNextIngestJob(ctx, workerID, lease)
	if err != nil {
		return 0, false, err
	}
	if job == nil {
		return 0, false, nil
	}
	return job.ID, true, nil
}

func (q *IngestQueue) Renew(ctx context.Context, jobID int64, workerID string, lease time.Duration) (int64, error) {
	return q.store.RenewIngestLease(ctx, jobID, workerID, lease)
}

// Complete maps the uniform pipeline result onto ingest queue states.
// RETRYABLE goes back to FAILED where it stays eligible until the retry
// budget runs out; PERMANENT is CANCELLED and never retried.
func (q *IngestQueue) Complete(ctx context.Context, jobID int64, result interfaces.PipelineResult, runErr error) error {
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}

	switch result {
	case interfaces.ResultSucceeded:
		return q.store.FinishIngestJob(ctx, jobID, models.IngestStatusSucceeded, "")
	case interfaces.ResultRetryable:
		return q.store.FinishIngestJob(ctx, jobID, models.IngestStatusFailed, errText)
	default:
		return q.store.FinishIngestJob(ctx, jobID, models.IngestStatusCancelled, errText)
	}
}

// VocQueue adapts the VOC job store to the worker pool.
type VocQueue struct {
	store interfaces.VocJobStore
}

// NewVocQueue wraps the VOC job store.
func NewVocQueue(store interfaces.VocJobStore) *VocQueue {
	return &VocQueue{store: store}
}

func (q *VocQueue) Kind() string { return "voc" }

func (q *VocQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (int64, bool, error) {
	job, err := q.store.ClaimNextVocJob(ctx, workerID, lease)
	if err != nil {
		return 0, false, err
	}
	if job == nil {
		return 0, false, nil
	}
	return job.ID, true, nil
}

func (q *VocQueue) Renew(ctx context.Context, jobID int64, workerID string, lease time.Duration) (int64, error) {
	return q.store.RenewVocLease(ctx, jobID, workerID, lease)
}

// Complete releases the lock. The VOC pipeline manages its own stage
// transitions, including the terminal FAILED write for permanent errors,
// so the queue only has to free the lease; a RETRYABLE outcome leaves the
// job in its current stage to be reclaimed until the stage's retry budget
// runs out.
func (q *VocQueue) Complete(ctx context.Context, jobID int64, result interfaces.PipelineResult, runErr error) error {
	if result == interfaces.ResultRetryable {
		job, err := q.store.GetVocJob(ctx, jobID)
		if err == nil && !job.Status.IsTerminal() && job.TryCount > job.MaxRetries {
			errText := ""
			if runErr != nil {
				errText = runErr.Error()
			}
			return q.store.FailVocJob(ctx, jobID, job.Stage, "RETRIES_EXHAUSTED", errText)
		}
	}
	return q.store.FinishVocJob(ctx, jobID)
}
