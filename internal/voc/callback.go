package voc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/audiens/internal/models"
	"github.com/ternarybob/audiens/internal/voc/spider"
)

// ErrBadToken rejects a callback whose token does not hash to the stored
// value. The transport layer maps it to 401.
var ErrBadToken = errors.New("callback token mismatch")

// Callback is one delivery from the external spider.
type Callback struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"` // RUNNING | READY | FAILED
	RunID        int64  `json:"run_id,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ApplyCallback validates and applies one spider callback. The operation
// is idempotent: replaying an already-applied delivery changes nothing.
// Callbacks for jobs already past CRAWLING are accepted silently.
func (p *Pipeline) ApplyCallback(ctx context.Context, jobID int64, token string, cb *Callback) error {
	job, err := p.jobs.GetVocJob(ctx, jobID)
	if err != nil {
		return err
	}
	task, err := p.jobs.GetSpiderTaskByTaskID(ctx, cb.TaskID)
	if err != nil {
		return err
	}
	if task.JobID != jobID {
		return models.ErrNotFound
	}
	if !spider.VerifyToken(p.callbackKey, task.CallbackTokenHash, token) {
		return ErrBadToken
	}

	if job.Status != models.VocStatusPending && job.Status != models.VocStatusCrawling {
		p.logger.Debug().
			Int64("job_id", jobID).
			Str("task_id", cb.TaskID).
			Str("job_status", job.Status.String()).
			Msg("Late spider callback ignored")
		return nil
	}

	switch strings.ToUpper(cb.Status) {
	case "RUNNING":
		return p.jobs.UpdateSpiderTaskStatus(ctx, cb.TaskID, models.SpiderTaskRunning, cb.RunID, "")

	case "READY":
		if err := p.jobs.UpdateSpiderTaskStatus(ctx, cb.TaskID, models.SpiderTaskReady, cb.RunID, ""); err != nil {
			return err
		}
		if err := p.jobs.SetVocPreferredRun(ctx, jobID, cb.TaskID, cb.RunID); err != nil {
			return err
		}
		// The removal runs under the store's write lock: two READY
		// callbacks landing together each settle their own task.
		advanced, err := p.jobs.SettlePendingCrawl(ctx, jobID, cb.TaskID, StageExtract)
		if err != nil {
			return err
		}
		if advanced {
			p.logger.Info().Int64("job_id", jobID).Msg("All crawls ready, job moves to extraction")
		}
		return nil

	case "FAILED":
		if err := p.jobs.UpdateSpiderTaskStatus(ctx, cb.TaskID, models.SpiderTaskFailed, cb.RunID, cb.ErrorMessage); err != nil {
			return err
		}
		code := cb.ErrorCode
		if code == "" {
			code = "CRAWL_FAILED"
		}
		return p.jobs.FailVocJob(ctx, jobID, StageCrawl, code, cb.ErrorMessage)

	default:
		return models.NewConstraintError("spider callback",
			fmt.Errorf("unknown callback status %q", cb.Status))
	}
}

// ApplyLegacyCallback handles deliveries to the path without a job id, as
// older spider builds send them. The job is resolved from the task.
func (p *Pipeline) ApplyLegacyCallback(ctx context.Context, token string, cb *Callback) error {
	task, err := p.jobs.GetSpiderTaskByTaskID(ctx, cb.TaskID)
	if err != nil {
		return err
	}
	return p.ApplyCallback(ctx, task.JobID, token, cb)
}

