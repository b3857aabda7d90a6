package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// IngestJobStorage implements the durable ingest work queue
type IngestJobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewIngestJobStorage creates a new ingest job storage instance
func NewIngestJobStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.IngestJobStore {
	return &IngestJobStorage{
		db:     db,
		logger: logger,
	}
}

const ingestJobColumns = `id, document_id, space_code, pipeline_version, index_version,
	idempotency_key, status, try_count, max_retries, locked_by, locked_until, last_error,
	created_at, updated_at`

// AllocateIndexVersion computes the next index version for a document:
// the promoted version plus one. Submitting again before promotion yields
// the same version and therefore the same idempotency key, so the insert
// collides and the existing job is returned instead of a duplicate.
func (s *IngestJobStorage) AllocateIndexVersion(ctx context.Context, documentID int64) (int, error) {
	var version int
	err := s.db.withImmediateTx(ctx, func(conn *sql.Conn) error {
		var active int
		err := conn.QueryRowContext(ctx,
			`SELECT active_index_version FROM documents WHERE id = ? AND deleted_at IS NULL`,
			documentID).Scan(&active)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNotFound
		}
		if err != nil {
			return err
		}
		version = active + 1
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return 0, err
		}
		return 0, models.NewStorageError("allocate index version", err)
	}
	return version, nil
}

// CreateIngestJob allocates a version and inserts a PENDING job. On an
// idempotency-key collision the existing job is returned, so double-submits
// of the same (document, pipeline, version) are harmless.
func (s *IngestJobStorage) CreateIngestJob(ctx context.Context, documentID int64, spaceCode, pipelineVersion string, maxRetries int) (*models.IngestJob, error) {
	version, err := s.AllocateIndexVersion(ctx, documentID)
	if err != nil {
		return nil, err
	}

	key := models.IngestIdempotencyKey(documentID, pipelineVersion, version)
	now := time.Now().Unix()

	result, err := s.db.db.ExecContext(ctx, `
		INSERT INTO ingest_jobs (document_id, space_code, pipeline_version, index_version,
			idempotency_key, status, try_count, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, documentID, spaceCode, pipelineVersion, version, key,
		int(models.IngestStatusPending), maxRetries, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return s.getIngestJobByKey(ctx, key)
		}
		return nil, models.NewStorageError("create ingest job", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, models.NewStorageError("create ingest job", err)
	}

	s.logger.Info().
		Int64("job_id", id).
		Int64("document_id", documentID).
		Int("index_version", version).
		Msg("Ingest job created")

	return s.GetIngestJob(ctx, id)
}

// GetIngestJob returns the job or ErrNotFound.
func (s *IngestJobStorage) GetIngestJob(ctx context.Context, jobID int64) (*models.IngestJob, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+ingestJobColumns+` FROM ingest_jobs WHERE id = ?`, jobID)
	job, err := scanIngestJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, models.NewStorageError("get ingest job", err)
	}
	return job, nil
}

func (s *IngestJobStorage) getIngestJobByKey(ctx context.Context, key string) (*models.IngestJob, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+ingestJobColumns+` FROM ingest_jobs WHERE idempotency_key = ?`, key)
	job, err := scanIngestJob(row)
	if err != nil {
		return nil, models.NewStorageError("get ingest job by key", err)
	}
	return job, nil
}

// ClaimNextIngestJob atomically claims one eligible job: PENDING, FAILED
// with retries left, or RUNNING past its lease (a crashed worker) with
// retries left. The single UPDATE both selects and locks, so two workers
// can never claim the same row.
func (s *IngestJobStorage) ClaimNextIngestJob(ctx context.Context, workerID string, lease time.Duration) (*models.IngestJob, error) {
	now := time.Now().Unix()
	until := time.Now().Add(lease).Unix()

	var job *models.IngestJob
	err := s.db.withImmediateTx(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
			UPDATE ingest_jobs
			SET status = ?, locked_by = ?, locked_until = ?, try_count = try_count + 1, updated_at = ?
			WHERE id = (
				SELECT id FROM ingest_jobs
				WHERE status = ?
				   OR (status = ? AND try_count < max_retries)
				   OR (status = ? AND (locked_until IS NULL OR locked_until < ?) AND try_count < max_retries)
				ORDER BY created_at, id
				LIMIT 1
			)
			RETURNING `+ingestJobColumns,
			int(models.IngestStatusRunning), workerID, until, now,
			int(models.IngestStatusPending),
			int(models.IngestStatusFailed),
			int(models.IngestStatusRunning), now)

		claimed, err := scanIngestJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		job = claimed
		return nil
	})
	if err != nil {
		return nil, models.NewStorageError("claim ingest job", err)
	}
	return job, nil
}

// RenewIngestLease extends the lease while the caller still holds it.
// Zero rows means another worker took the job over.
func (s *IngestJobStorage) RenewIngestLease(ctx context.Context, jobID int64, workerID string, lease time.Duration) (int64, error) {
	result, err := s.db.db.ExecContext(ctx, `
		UPDATE ingest_jobs SET locked_until = ?, updated_at = ?
		WHERE id = ? AND locked_by = ? AND status = ?
	`, time.Now().Add(lease).Unix(), time.Now().Unix(), jobID, workerID,
		int(models.IngestStatusRunning))
	if err != nil {
		return 0, models.NewStorageError("renew ingest lease", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, models.NewStorageError("renew ingest lease", err)
	}
	return n, nil
}

// FinishIngestJob writes the terminal or retry state and clears the lock.
func (s *IngestJobStorage) FinishIngestJob(ctx context.Context, jobID int64, status models.IngestJobStatus, lastError string) error {
	result, err := s.db.db.ExecContext(ctx, `
		UPDATE ingest_jobs
		SET status = ?, last_error = ?, locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE id = ?
	`, int(status), lastError, time.Now().Unix(), jobID)
	if err != nil {
		return models.NewStorageError("finish ingest job", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// CancelIngestJobsByDocument cancels every non-terminal job of a document.
func (s *IngestJobStorage) CancelIngestJobsByDocument(ctx context.Context, documentID int64, reason string) (int64, error) {
	return s.cancelWhere(ctx, `document_id = ?`, documentID, reason)
}

// CancelIngestJobsBySpace cancels every non-terminal job in a space.
func (s *IngestJobStorage) CancelIngestJobsBySpace(ctx context.Context, spaceCode, reason string) (int64, error) {
	return s.cancelWhere(ctx, `space_code = ?`, spaceCode, reason)
}

func (s *IngestJobStorage) cancelWhere(ctx context.Context, where string, arg interface{}, reason string) (int64, error) {
	result, err := s.db.db.ExecContext(ctx, `
		UPDATE ingest_jobs
		SET status = ?, last_error = ?, locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE `+where+` AND status IN (?, ?, ?)
	`, int(models.IngestStatusCancelled), reason, time.Now().Unix(), arg,
		int(models.IngestStatusPending), int(models.IngestStatusRunning), int(models.IngestStatusFailed))
	if err != nil {
		return 0, models.NewStorageError("cancel ingest jobs", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, models.NewStorageError("cancel ingest jobs", err)
	}
	return n, nil
}

// RequeueExpiredIngestLeases moves RUNNING jobs whose lease expired more
// than olderThan ago back to FAILED so the claim query picks them up.
// Claim already handles freshly expired leases; this sweep is for rows a
// crashed worker left behind.
func (s *IngestJobStorage) RequeueExpiredIngestLeases(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := s.db.db.ExecContext(ctx, `
		UPDATE ingest_jobs
		SET status = ?, locked_by = NULL, locked_until = NULL,
			last_error = 'lease expired', updated_at = ?
		WHERE status = ? AND locked_until IS NOT NULL AND locked_until < ?
	`, int(models.IngestStatusFailed), time.Now().Unix(),
		int(models.IngestStatusRunning), cutoff)
	if err != nil {
		return 0, models.NewStorageError("requeue expired leases", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, models.NewStorageError("requeue expired leases", err)
	}
	if n > 0 {
		s.logger.Warn().Int64("count", n).Msg("Requeued ingest jobs with expired leases")
	}
	return n, nil
}

func scanIngestJob(row rowScanner) (*models.IngestJob, error) {
	var job models.IngestJob
	var status int
	var lockedBy, lastError sql.NullString
	var lockedUntil sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(&job.ID, &job.DocumentID, &job.SpaceCode, &job.PipelineVersion,
		&job.IndexVersion, &job.IdempotencyKey, &status, &job.TryCount, &job.MaxRetries,
		&lockedBy, &lockedUntil, &lastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	job.Status = models.IngestJobStatus(status)
	job.LockedBy = lockedBy.String
	job.LastError = lastError.String
	if lockedUntil.Valid {
		t := time.Unix(lockedUntil.Int64, 0)
		job.LockedUntil = &t
	}
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	return &job, nil
}
