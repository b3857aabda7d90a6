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

// VocStorage implements the VOC job queue and output store
type VocStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewVocStorage creates a new VOC storage instance
func NewVocStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.VocJobStore {
	return &VocStorage{
		db:     db,
		logger: logger,
	}
}

const vocJobColumns = `id, input_hash, site_code, scope_type, scope_value, params,
	status, stage, preferred_task_id, preferred_run_id, error_code, error_message,
	failed_stage, try_count, max_retries, locked_by, locked_until, created_at, updated_at`

// CreateVocJobByHash inserts a PENDING job. On an input-hash collision the
// existing job is returned and the submission is a no-op.
func (s *VocStorage) CreateVocJobByHash(ctx context.Context, job *models.VocJob) (*models.VocJob, error) {
	now := time.Now().Unix()
	if job.Status == 0 {
		job.Status = models.VocStatusPending
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}

	result, err := s.db.db.ExecContext(ctx, `
		INSERT INTO voc_jobs (input_hash, site_code, scope_type, scope_value, params,
			status, try_count, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, job.InputHash, job.SiteCode, job.ScopeType, job.ScopeValue, job.Params,
		int(job.Status), job.MaxRetries, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return s.getVocJobByHash(ctx, job.InputHash)
		}
		return nil, models.NewStorageError("create voc job", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, models.NewStorageError("create voc job", err)
	}

	s.logger.Info().
		Int64("job_id", id).
		Str("scope", job.ScopeValue).
		Msg("VOC job created")

	return s.GetVocJob(ctx, id)
}

// GetVocJob returns the job or ErrNotFound.
func (s *VocStorage) GetVocJob(ctx context.Context, jobID int64) (*models.VocJob, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+vocJobColumns+` FROM voc_jobs WHERE id = ?`, jobID)
	job, err := scanVocJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, models.NewStorageError("get voc job", err)
	}
	return job, nil
}

func (s *VocStorage) getVocJobByHash(ctx context.Context, hash string) (*models.VocJob, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+vocJobColumns+` FROM voc_jobs WHERE input_hash = ?`, hash)
	job, err := scanVocJob(row)
	if err != nil {
		return nil, models.NewStorageError("get voc job by hash", err)
	}
	return job, nil
}

// ClaimNextVocJob claims one runnable job under a lease. A job waiting in
// CRAWLING is not runnable; the callback receiver moves it to EXTRACTING
// once all crawl units report. Expired RUNNING-stage leases are reclaimed
// the same way the ingest queue does.
func (s *VocStorage) ClaimNextVocJob(ctx context.Context, workerID string, lease time.Duration) (*models.VocJob, error) {
	now := time.Now().Unix()
	until := time.Now().Add(lease).Unix()

	var job *models.VocJob
	err := s.db.withImmediateTx(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
			UPDATE voc_jobs
			SET locked_by = ?, locked_until = ?, try_count = try_count + 1, updated_at = ?
			WHERE id = (
				SELECT id FROM voc_jobs
				WHERE (
					status IN (?, ?, ?, ?)
					AND (locked_until IS NULL OR locked_until < ?)
					AND try_count < max_retries + 1
				)
				ORDER BY created_at, id
				LIMIT 1
			)
			RETURNING `+vocJobColumns,
			workerID, until, now,
			int(models.VocStatusPending), int(models.VocStatusExtracting),
			int(models.VocStatusAnalyzing), int(models.VocStatusPersisting),
			now)

		claimed, err := scanVocJob(row)
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
		return nil, models.NewStorageError("claim voc job", err)
	}
	return job, nil
}

// RenewVocLease extends the lease while the caller still holds it.
func (s *VocStorage) RenewVocLease(ctx context.Context, jobID int64, workerID string, lease time.Duration) (int64, error) {
	result, err := s.db.db.ExecContext(ctx, `
		UPDATE voc_jobs SET locked_until = ?, updated_at = ?
		WHERE id = ? AND locked_by = ?
	`, time.Now().Add(lease).Unix(), time.Now().Unix(), jobID, workerID)
	if err != nil {
		return 0, models.NewStorageError("renew voc lease", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, models.NewStorageError("renew voc lease", err)
	}
	return n, nil
}

// UpdateVocJobStage moves the job along the stage sequence and records the
// named stage. Advancing resets try_count so retries are counted per stage,
// not over the whole run.
func (s *VocStorage) UpdateVocJobStage(ctx context.Context, jobID int64, status models.VocJobStatus, stage string) error {
	result, err := s.db.db.ExecContext(ctx, `
		UPDATE voc_jobs SET status = ?, stage = ?, try_count = 0, updated_at = ? WHERE id = ?
	`, int(status), stage, time.Now().Unix(), jobID)
	if err != nil {
		return models.NewStorageError("update voc job stage", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpdateVocJobParams rewrites the params document, used to track pending
// crawls and preferred run pointers.
func (s *VocStorage) UpdateVocJobParams(ctx context.Context, jobID int64, params string) error {
	result, err := s.db.db.ExecContext(ctx, `
		UPDATE voc_jobs SET params = ?, updated_at = ? WHERE id = ?
	`, params, time.Now().Unix(), jobID)
	if err != nil {
		return models.NewStorageError("update voc job params", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SettlePendingCrawl removes taskID from params.pending_crawl and advances
// CRAWLING to EXTRACTING when the list empties. The read-modify-write runs
// under BEGIN IMMEDIATE, so concurrent callbacks for different tasks
// serialize and no removal is lost.
func (s *VocStorage) SettlePendingCrawl(ctx context.Context, jobID int64, taskID, nextStage string) (bool, error) {
	var advanced bool
	err := s.db.withImmediateTx(ctx, func(conn *sql.Conn) error {
		var status int
		var paramsJSON string
		err := conn.QueryRowContext(ctx,
			`SELECT status, params FROM voc_jobs WHERE id = ?`, jobID).Scan(&status, &paramsJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNotFound
		}
		if err != nil {
			return err
		}

		params, err := models.VocParamsFromJSON(paramsJSON)
		if err != nil {
			return models.NewConstraintError("settle pending crawl", err)
		}

		remaining := make([]string, 0, len(params.PendingCrawl))
		removed := false
		for _, id := range params.PendingCrawl {
			if id == taskID {
				removed = true
				continue
			}
			remaining = append(remaining, id)
		}

		now := time.Now().Unix()
		if removed {
			params.PendingCrawl = remaining
			out, err := params.ToJSON()
			if err != nil {
				return models.NewConstraintError("settle pending crawl", err)
			}
			if _, err := conn.ExecContext(ctx,
				`UPDATE voc_jobs SET params = ?, updated_at = ? WHERE id = ?`,
				out, now, jobID); err != nil {
				return err
			}
		}

		if len(remaining) == 0 && models.VocJobStatus(status) == models.VocStatusCrawling {
			if _, err := conn.ExecContext(ctx, `
				UPDATE voc_jobs SET status = ?, stage = ?, try_count = 0, updated_at = ?
				WHERE id = ?
			`, int(models.VocStatusExtracting), nextStage, now, jobID); err != nil {
				return err
			}
			advanced = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || models.IsConstraint(err) {
			return false, err
		}
		return false, models.NewStorageError("settle pending crawl", err)
	}
	return advanced, nil
}

// SetVocPreferredRun records the preferred crawl run pointer.
func (s *VocStorage) SetVocPreferredRun(ctx context.Context, jobID int64, taskID string, runID int64) error {
	result, err := s.db.db.ExecContext(ctx, `
		UPDATE voc_jobs SET preferred_task_id = ?, preferred_run_id = ?, updated_at = ?
		WHERE id = ?
	`, taskID, runID, time.Now().Unix(), jobID)
	if err != nil {
		return models.NewStorageError("set voc preferred run", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// FailVocJob marks the terminal FAILED state with the failing stage and
// releases the lock.
func (s *VocStorage) FailVocJob(ctx context.Context, jobID int64, failedStage, errorCode, errorMessage string) error {
	result, err := s.db.db.ExecContext(ctx, `
		UPDATE voc_jobs
		SET status = ?, failed_stage = ?, error_code = ?, error_message = ?,
			locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE id = ?
	`, int(models.VocStatusFailed), failedStage, errorCode, errorMessage,
		time.Now().Unix(), jobID)
	if err != nil {
		return models.NewStorageError("fail voc job", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// FinishVocJob releases the lock, leaving the current status in place. Used
// both when the job parks in CRAWLING and at DONE.
func (s *VocStorage) FinishVocJob(ctx context.Context, jobID int64) error {
	result, err := s.db.db.ExecContext(ctx, `
		UPDATE voc_jobs SET locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE id = ?
	`, time.Now().Unix(), jobID)
	if err != nil {
		return models.NewStorageError("finish voc job", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// CreateSpiderTasks inserts the planned crawl units in one transaction.
// Reinserting an existing task_id keeps the existing row.
func (s *VocStorage) CreateSpiderTasks(ctx context.Context, tasks []*models.SpiderTask) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return models.NewStorageError("create spider tasks", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, task := range tasks {
		if task.Status == 0 {
			task.Status = models.SpiderTaskPending
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO spider_tasks (job_id, task_id, run_type, scope_type, scope_value,
				status, run_id, callback_token_hash, callback_token_created_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO NOTHING
		`, task.JobID, task.TaskID, string(task.RunType), string(task.ScopeType), task.ScopeValue,
			int(task.Status), task.CallbackTokenHash, now, now, now); err != nil {
			return models.NewStorageError("create spider tasks", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.NewStorageError("create spider tasks", err)
	}
	return nil
}

const spiderTaskColumns = `id, job_id, task_id, run_type, scope_type, scope_value,
	status, run_id, callback_token_hash, callback_token_created_at, last_error,
	created_at, updated_at`

// GetSpiderTaskByTaskID returns the task or ErrNotFound.
func (s *VocStorage) GetSpiderTaskByTaskID(ctx context.Context, taskID string) (*models.SpiderTask, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+spiderTaskColumns+` FROM spider_tasks WHERE task_id = ?`, taskID)
	task, err := scanSpiderTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, models.NewStorageError("get spider task", err)
	}
	return task, nil
}

// ListSpiderTasks returns a job's crawl units in creation order.
func (s *VocStorage) ListSpiderTasks(ctx context.Context, jobID int64) ([]*models.SpiderTask, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+spiderTaskColumns+` FROM spider_tasks WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, models.NewStorageError("list spider tasks", err)
	}
	defer rows.Close()

	var tasks []*models.SpiderTask
	for rows.Next() {
		task, err := scanSpiderTask(rows)
		if err != nil {
			return nil, models.NewStorageError("list spider tasks", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateSpiderTaskStatus applies a callback transition. READY stores the
// run id and clears last_error; FAILED stores the error. Replaying the same
// transition converges on the same row.
func (s *VocStorage) UpdateSpiderTaskStatus(ctx context.Context, taskID string, status models.SpiderTaskStatus, runID int64, lastError string) error {
	if status == models.SpiderTaskReady && runID <= 0 {
		return models.NewConstraintError("update spider task",
			errors.New("ready transition requires a run id"))
	}

	var result sql.Result
	var err error
	switch status {
	case models.SpiderTaskReady:
		result, err = s.db.db.ExecContext(ctx, `
			UPDATE spider_tasks SET status = ?, run_id = ?, last_error = '', updated_at = ?
			WHERE task_id = ?
		`, int(status), runID, time.Now().Unix(), taskID)
	default:
		result, err = s.db.db.ExecContext(ctx, `
			UPDATE spider_tasks SET status = ?, last_error = ?, updated_at = ?
			WHERE task_id = ?
		`, int(status), lastError, time.Now().Unix(), taskID)
	}
	if err != nil {
		return models.NewStorageError("update spider task", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpsertVocOutput overwrites the single (job, module) output row.
func (s *VocStorage) UpsertVocOutput(ctx context.Context, output *models.VocOutput) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO voc_outputs (job_id, module_code, schema_version, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id, module_code) DO UPDATE SET
			schema_version = excluded.schema_version,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, output.JobID, output.ModuleCode, output.SchemaVersion, output.Payload, time.Now().Unix())
	if err != nil {
		return models.NewStorageError("upsert voc output", err)
	}
	return nil
}

// ListVocOutputs returns all module outputs of a job keyed by module order.
func (s *VocStorage) ListVocOutputs(ctx context.Context, jobID int64) ([]*models.VocOutput, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT job_id, module_code, schema_version, payload, updated_at
		FROM voc_outputs WHERE job_id = ? ORDER BY module_code
	`, jobID)
	if err != nil {
		return nil, models.NewStorageError("list voc outputs", err)
	}
	defer rows.Close()

	var outputs []*models.VocOutput
	for rows.Next() {
		var out models.VocOutput
		var updatedAt int64
		if err := rows.Scan(&out.JobID, &out.ModuleCode, &out.SchemaVersion,
			&out.Payload, &updatedAt); err != nil {
			return nil, models.NewStorageError("list voc outputs", err)
		}
		out.UpdatedAt = time.Unix(updatedAt, 0)
		outputs = append(outputs, &out)
	}
	return outputs, rows.Err()
}

// ClearVocEvidence removes a module's evidence rows before a re-run.
func (s *VocStorage) ClearVocEvidence(ctx context.Context, jobID int64, moduleCode string) error {
	_, err := s.db.db.ExecContext(ctx,
		`DELETE FROM voc_evidence WHERE job_id = ? AND module_code = ?`, jobID, moduleCode)
	if err != nil {
		return models.NewStorageError("clear voc evidence", err)
	}
	return nil
}

// InsertVocEvidenceMany appends evidence rows in one transaction.
func (s *VocStorage) InsertVocEvidenceMany(ctx context.Context, rows []*models.VocEvidence) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return models.NewStorageError("insert voc evidence", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO voc_evidence (job_id, module_code, source_type, source_id, kind, snippet, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return models.NewStorageError("insert voc evidence", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.JobID, row.ModuleCode,
			row.SourceType, row.SourceID, row.Kind, row.Snippet, row.Meta); err != nil {
			return models.NewStorageError("insert voc evidence", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.NewStorageError("insert voc evidence", err)
	}
	return nil
}

// CountVocEvidence returns per-module evidence counts for a job.
func (s *VocStorage) CountVocEvidence(ctx context.Context, jobID int64) (map[string]int, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT module_code, COUNT(1) FROM voc_evidence WHERE job_id = ? GROUP BY module_code
	`, jobID)
	if err != nil {
		return nil, models.NewStorageError("count voc evidence", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var module string
		var count int
		if err := rows.Scan(&module, &count); err != nil {
			return nil, models.NewStorageError("count voc evidence", err)
		}
		counts[module] = count
	}
	return counts, rows.Err()
}

// UpsertVocReport overwrites the single per-job report.
func (s *VocStorage) UpsertVocReport(ctx context.Context, report *models.VocReport) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO voc_reports (job_id, report_type, payload, meta, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			report_type = excluded.report_type,
			payload = excluded.payload,
			meta = excluded.meta,
			updated_at = excluded.updated_at
	`, report.JobID, report.ReportType, report.Payload, report.Meta, time.Now().Unix())
	if err != nil {
		return models.NewStorageError("upsert voc report", err)
	}
	return nil
}

// GetVocReport returns the job's report or ErrNotFound.
func (s *VocStorage) GetVocReport(ctx context.Context, jobID int64) (*models.VocReport, error) {
	var report models.VocReport
	var meta sql.NullString
	var updatedAt int64
	err := s.db.db.QueryRowContext(ctx, `
		SELECT job_id, report_type, payload, meta, updated_at FROM voc_reports WHERE job_id = ?
	`, jobID).Scan(&report.JobID, &report.ReportType, &report.Payload, &meta, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, models.NewStorageError("get voc report", err)
	}
	report.Meta = meta.String
	report.UpdatedAt = time.Unix(updatedAt, 0)
	return &report, nil
}

func scanVocJob(row rowScanner) (*models.VocJob, error) {
	var job models.VocJob
	var status int
	var stage, preferredTaskID, errorCode, errorMessage, failedStage, lockedBy sql.NullString
	var lockedUntil sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(&job.ID, &job.InputHash, &job.SiteCode, &job.ScopeType, &job.ScopeValue,
		&job.Params, &status, &stage, &preferredTaskID, &job.PreferredRunID,
		&errorCode, &errorMessage, &failedStage, &job.TryCount, &job.MaxRetries,
		&lockedBy, &lockedUntil, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	job.Status = models.VocJobStatus(status)
	job.Stage = stage.String
	job.PreferredTaskID = preferredTaskID.String
	job.ErrorCode = errorCode.String
	job.ErrorMessage = errorMessage.String
	job.FailedStage = failedStage.String
	job.LockedBy = lockedBy.String
	if lockedUntil.Valid {
		t := time.Unix(lockedUntil.Int64, 0)
		job.LockedUntil = &t
	}
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	return &job, nil
}

func scanSpiderTask(row rowScanner) (*models.SpiderTask, error) {
	var task models.SpiderTask
	var status int
	var runType, scopeType string
	var lastError sql.NullString
	var tokenCreatedAt, createdAt, updatedAt int64

	if err := row.Scan(&task.RowID, &task.JobID, &task.TaskID, &runType, &scopeType,
		&task.ScopeValue, &status, &task.RunID, &task.CallbackTokenHash,
		&tokenCreatedAt, &lastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	task.RunType = models.RunType(runType)
	task.ScopeType = models.ScopeType(scopeType)
	task.Status = models.SpiderTaskStatus(status)
	task.LastError = lastError.String
	task.CallbackTokenCreatedAt = time.Unix(tokenCreatedAt, 0)
	task.CreatedAt = time.Unix(createdAt, 0)
	task.UpdatedAt = time.Unix(updatedAt, 0)
	return &task, nil
}
