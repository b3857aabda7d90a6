package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/audiens/internal/models"
)

// IngestJobStore is the durable work queue for document ingestion. All
// operations return StorageError for transient failures and
// ConstraintError for permanent ones.
type IngestJobStore interface {
	// AllocateIndexVersion takes an exclusive lock on the document row,
	// reads active_index_version and returns active+1.
	AllocateIndexVersion(ctx context.Context, documentID int64) (int, error)
	// CreateIngestJob inserts a PENDING job; on idempotency-key collision
	// the existing job is returned.
	CreateIngestJob(ctx context.Context, documentID int64, spaceCode, pipelineVersion string, maxRetries int) (*models.IngestJob, error)
	GetIngestJob(ctx context.Context, jobID int64) (*models.IngestJob, error)
	// ClaimNextIngestJob atomically selects one eligible job, marks it
	// RUNNING under a lease and increments try_count. Returns nil when no
	// job is eligible.
	ClaimNextIngestJob(ctx context.Context, workerID string, lease time.Duration) (*models.IngestJob, error)
	// RenewIngestLease extends the lease only while the caller still holds
	// it. Returns the number of rows affected; zero means the lease was
	// lost.
	RenewIngestLease(ctx context.Context, jobID int64, workerID string, lease time.Duration) (int64, error)
	// FinishIngestJob sets the terminal or retry state and clears the lock.
	FinishIngestJob(ctx context.Context, jobID int64, status models.IngestJobStatus, lastError string) error
	CancelIngestJobsByDocument(ctx context.Context, documentID int64, reason string) (int64, error)
	CancelIngestJobsBySpace(ctx context.Context, spaceCode, reason string) (int64, error)
	// RequeueExpiredIngestLeases returns RUNNING jobs with expired leases
	// to FAILED so eligible ones can be reclaimed.
	RequeueExpiredIngestLeases(ctx context.Context, olderThan time.Duration) (int64, error)
}

// VocJobStore is the durable work queue and output store for VOC analysis.
type VocJobStore interface {
	// CreateVocJobByHash inserts a PENDING job; on input-hash collision the
	// existing job is returned.
	CreateVocJobByHash(ctx context.Context, job *models.VocJob) (*models.VocJob, error)
	GetVocJob(ctx context.Context, jobID int64) (*models.VocJob, error)
	// ClaimNextVocJob selects one job in a runnable stage (PENDING or
	// EXTRACTING with no pending crawls) under a lease.
	ClaimNextVocJob(ctx context.Context, workerID string, lease time.Duration) (*models.VocJob, error)
	RenewVocLease(ctx context.Context, jobID int64, workerID string, lease time.Duration) (int64, error)
	// UpdateVocJobStage moves the job along the fixed stage sequence.
	UpdateVocJobStage(ctx context.Context, jobID int64, status models.VocJobStatus, stage string) error
	UpdateVocJobParams(ctx context.Context, jobID int64, params string) error
	// SettlePendingCrawl removes the task from params.pending_crawl under
	// the write lock and, when the list empties while the job is still
	// CRAWLING, advances it to EXTRACTING at nextStage. Returns whether the
	// job advanced.
	SettlePendingCrawl(ctx context.Context, jobID int64, taskID, nextStage string) (bool, error)
	// SetVocPreferredRun records the crawl run the extraction stage should
	// prefer when the results database holds several.
	SetVocPreferredRun(ctx context.Context, jobID int64, taskID string, runID int64) error
	// FailVocJob marks the terminal FAILED state with the failing stage and
	// releases the lock.
	FailVocJob(ctx context.Context, jobID int64, failedStage, errorCode, errorMessage string) error
	// FinishVocJob releases the lock, leaving the current status in place.
	FinishVocJob(ctx context.Context, jobID int64) error

	CreateSpiderTasks(ctx context.Context, tasks []*models.SpiderTask) error
	GetSpiderTaskByTaskID(ctx context.Context, taskID string) (*models.SpiderTask, error)
	ListSpiderTasks(ctx context.Context, jobID int64) ([]*models.SpiderTask, error)
	// UpdateSpiderTaskStatus applies a callback transition. READY requires
	// runID > 0 and clears last_error; repeated identical transitions are
	// no-ops.
	UpdateSpiderTaskStatus(ctx context.Context, taskID string, status models.SpiderTaskStatus, runID int64, lastError string) error

	UpsertVocOutput(ctx context.Context, output *models.VocOutput) error
	ListVocOutputs(ctx context.Context, jobID int64) ([]*models.VocOutput, error)
	ClearVocEvidence(ctx context.Context, jobID int64, moduleCode string) error
	InsertVocEvidenceMany(ctx context.Context, rows []*models.VocEvidence) error
	CountVocEvidence(ctx context.Context, jobID int64) (map[string]int, error)
	UpsertVocReport(ctx context.Context, report *models.VocReport) error
	GetVocReport(ctx context.Context, jobID int64) (*models.VocReport, error)
}
