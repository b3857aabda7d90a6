package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
	"github.com/ternarybob/audiens/internal/voc"
)

// VocHandler serves the voice-of-customer job API and the spider callback
// receiver.
type VocHandler struct {
	jobs       interfaces.VocJobStore
	pipeline   *voc.Pipeline
	maxRetries int
	logger     arbor.ILogger
}

func NewVocHandler(jobs interfaces.VocJobStore, pipeline *voc.Pipeline, maxRetries int, logger arbor.ILogger) *VocHandler {
	return &VocHandler{
		jobs:       jobs,
		pipeline:   pipeline,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

type submitVocRequest struct {
	SiteCode        string   `json:"site_code"`
	ScopeType       string   `json:"scope_type"`
	ScopeValue      string   `json:"scope_value"`
	TargetAsins     []string `json:"target_asins"`
	CompetitorAsins []string `json:"competitor_asins"`
	Keywords        []string `json:"keywords"`
	TriggerMode     string   `json:"trigger_mode"`
	ReviewDays      int      `json:"review_days"`
	MaxSerpPageNum  int      `json:"max_serp_page_num"`
}

// SubmitHandler handles POST /api/voc/jobs. Creation is idempotent on the
// input hash: resubmitting identical parameters returns the existing job.
func (h *VocHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	var req submitVocRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.SiteCode = strings.TrimSpace(req.SiteCode)
	if req.SiteCode == "" {
		WriteError(w, http.StatusBadRequest, "site_code is required")
		return
	}
	switch models.ScopeType(req.ScopeType) {
	case models.ScopeAsin, models.ScopeKeyword:
	default:
		WriteError(w, http.StatusBadRequest, "scope_type must be asin or keyword")
		return
	}
	if strings.TrimSpace(req.ScopeValue) == "" {
		WriteError(w, http.StatusBadRequest, "scope_value is required")
		return
	}
	if len(req.TargetAsins) == 0 {
		WriteError(w, http.StatusBadRequest, "target_asins is required")
		return
	}

	mode := models.TriggerMode(strings.ToUpper(req.TriggerMode))
	switch mode {
	case models.TriggerAuto, models.TriggerForce, models.TriggerOff:
	case "":
		mode = models.TriggerAuto
	default:
		WriteError(w, http.StatusBadRequest, "trigger_mode must be AUTO, FORCE or OFF")
		return
	}

	params := &models.VocParams{
		TargetAsins:     req.TargetAsins,
		CompetitorAsins: req.CompetitorAsins,
		Keywords:        req.Keywords,
		TriggerMode:     mode,
		ReviewDays:      req.ReviewDays,
		MaxSerpPageNum:  req.MaxSerpPageNum,
	}
	paramsJSON, err := params.ToJSON()
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid parameters")
		return
	}

	job := &models.VocJob{
		InputHash:  params.InputHash(req.SiteCode, req.ScopeType, req.ScopeValue),
		SiteCode:   req.SiteCode,
		ScopeType:  req.ScopeType,
		ScopeValue: req.ScopeValue,
		Params:     paramsJSON,
		Status:     models.VocStatusPending,
		MaxRetries: h.maxRetries,
	}

	created, err := h.jobs.CreateVocJobByHash(r.Context(), job)
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	h.logger.Info().
		Int64("job_id", created.ID).
		Str("site", created.SiteCode).
		Str("scope", created.ScopeValue).
		Str("trigger", string(mode)).
		Msg("VOC job submitted")

	// Creation is idempotent, so a resubmit lands here too; 200 covers both.
	WriteJSON(w, http.StatusOK, created)
}

// StatusHandler handles GET /api/voc/jobs/{id}. Returns the job with its
// spider task states and per-module evidence counts.
func (h *VocHandler) StatusHandler(w http.ResponseWriter, r *http.Request, jobID int64) {
	ctx := r.Context()

	job, err := h.jobs.GetVocJob(ctx, jobID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	tasks, err := h.jobs.ListSpiderTasks(ctx, jobID)
	if err != nil {
		h.logger.Warn().Err(err).Int64("job_id", jobID).Msg("Failed to list spider tasks")
		tasks = nil
	}

	counts, err := h.jobs.CountVocEvidence(ctx, jobID)
	if err != nil {
		h.logger.Warn().Err(err).Int64("job_id", jobID).Msg("Failed to count evidence")
		counts = nil
	}

	taskViews := make([]map[string]interface{}, 0, len(tasks))
	for _, task := range tasks {
		taskViews = append(taskViews, map[string]interface{}{
			"task_id":     task.TaskID,
			"run_type":    task.RunType,
			"scope_type":  task.ScopeType,
			"scope_value": task.ScopeValue,
			"status":      task.Status.String(),
			"run_id":      task.RunID,
			"last_error":  task.LastError,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job":             job,
		"status":          job.Status.String(),
		"tasks":           taskViews,
		"evidence_counts": counts,
	})
}

// ReportHandler handles GET /api/voc/jobs/{id}/report. 404 until the job
// has persisted a report.
func (h *VocHandler) ReportHandler(w http.ResponseWriter, r *http.Request, jobID int64) {
	report, err := h.jobs.GetVocReport(r.Context(), jobID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	resp := map[string]interface{}{
		"job_id":      report.JobID,
		"report_type": report.ReportType,
		"payload":     json.RawMessage(report.Payload),
		"updated_at":  report.UpdatedAt,
	}
	if report.Meta != "" {
		resp["meta"] = json.RawMessage(report.Meta)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// CallbackHandler handles POST /voc/spider/callback/{job_id}?token=...
// from the external spider. 401 on token mismatch, 404 on unknown job or
// task, 2xx on acceptance including replays and late arrivals.
func (h *VocHandler) CallbackHandler(w http.ResponseWriter, r *http.Request, jobID int64) {
	h.handleCallback(w, r, func(ctx context.Context, token string, cb *voc.Callback) error {
		return h.pipeline.ApplyCallback(ctx, jobID, token, cb)
	})
}

// LegacyCallbackHandler handles POST /voc/spider/callback?token=... where
// older spider builds omit the job id; the task id in the body resolves it.
func (h *VocHandler) LegacyCallbackHandler(w http.ResponseWriter, r *http.Request) {
	h.handleCallback(w, r, h.pipeline.ApplyLegacyCallback)
}

func (h *VocHandler) handleCallback(w http.ResponseWriter, r *http.Request, apply func(context.Context, string, *voc.Callback) error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		WriteError(w, http.StatusUnauthorized, "missing token")
		return
	}

	var cb voc.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid callback body")
		return
	}

	if err := apply(r.Context(), token, &cb); err != nil {
		switch {
		case errors.Is(err, voc.ErrBadToken):
			WriteError(w, http.StatusUnauthorized, "token mismatch")
		case errors.Is(err, models.ErrNotFound):
			WriteError(w, http.StatusNotFound, "unknown job or task")
		case models.IsConstraint(err):
			WriteError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error().Err(err).Str("task_id", cb.TaskID).Msg("Callback failed")
			WriteError(w, http.StatusInternalServerError, "callback processing failed")
		}
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
