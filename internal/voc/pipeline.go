package voc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
	"github.com/ternarybob/audiens/internal/voc/spider"
)

// Stage names recorded on the job row and in failed_stage.
const (
	StagePlan    = "plan"
	StageCrawl   = "crawl"
	StageExtract = "extract"
	StageAnalyze = "analyze"
	StagePersist = "persist"
	StageDone    = "done"
)

// Pipeline drives one VOC job through its stage machine. A PENDING claim
// plans and enqueues the crawl; a claim in EXTRACTING or later carries the
// job through analysis and persistence to DONE in one run, recording each
// stage boundary so a crashed run resumes where it stopped.
type Pipeline struct {
	jobs          interfaces.VocJobStore
	gateway       interfaces.SpiderGateway
	results       interfaces.ResultsReader
	summarizer    interfaces.Summarizer
	publicBaseURL string
	callbackKey   string
	logger        arbor.ILogger
}

// NewPipeline wires the VOC pipeline. The gateway and results reader may be
// nil when VOC crawling is not configured; jobs then fail their first claim
// with a configuration error. The summarizer is optional.
func NewPipeline(jobs interfaces.VocJobStore, gateway interfaces.SpiderGateway, results interfaces.ResultsReader, summarizer interfaces.Summarizer, publicBaseURL, callbackKey string, logger arbor.ILogger) *Pipeline {
	return &Pipeline{
		jobs:          jobs,
		gateway:       gateway,
		results:       results,
		summarizer:    summarizer,
		publicBaseURL: publicBaseURL,
		callbackKey:   callbackKey,
		logger:        logger,
	}
}

// Kind names the pipeline for worker identity.
func (p *Pipeline) Kind() string { return "voc" }

// Run executes one claimed stage. Permanent failures write the terminal
// FAILED state here, with failed_stage naming where; the queue adapter only
// releases the lock.
func (p *Pipeline) Run(ctx context.Context, jobID int64) (interfaces.PipelineResult, error) {
	job, err := p.jobs.GetVocJob(ctx, jobID)
	if err != nil {
		return classify(err), err
	}

	var stage string
	switch job.Status {
	case models.VocStatusPending:
		stage = StagePlan
		err = p.plan(ctx, job)
	case models.VocStatusExtracting, models.VocStatusAnalyzing, models.VocStatusPersisting:
		stage = job.Stage
		err = p.analyze(ctx, job)
	default:
		return interfaces.ResultSucceeded, nil
	}

	if err != nil {
		result := classify(err)
		p.logger.Warn().
			Int64("job_id", jobID).
			Str("stage", stage).
			Str("result", result.String()).
			Err(err).
			Msg("VOC stage failed")
		if result == interfaces.ResultPermanent {
			if failErr := p.jobs.FailVocJob(ctx, jobID, stage, "STAGE_FAILED", err.Error()); failErr != nil {
				p.logger.Error().Int64("job_id", jobID).Err(failErr).Msg("Failed to mark voc job failed")
			}
		}
		return result, err
	}
	return interfaces.ResultSucceeded, nil
}

// plan decides the crawl units, registers spider tasks and enqueues them.
// With an empty plan the job jumps straight to EXTRACTING.
func (p *Pipeline) plan(ctx context.Context, job *models.VocJob) error {
	params, err := job.ParsedParams()
	if err != nil {
		return models.NewConstraintError("voc plan", err)
	}

	var units []models.CrawlUnit
	if params.TriggerMode != models.TriggerOff {
		if p.results == nil {
			return models.NewConstraintError("voc plan",
				fmt.Errorf("crawling requested but no results database is configured"))
		}
		units, err = DecideCrawlUnits(ctx, params, job.SiteCode, p.results, time.Now())
		if err != nil {
			return err
		}
	}
	if len(units) == 0 {
		return p.jobs.UpdateVocJobStage(ctx, job.ID, models.VocStatusExtracting, StageExtract)
	}
	if p.gateway == nil {
		return models.NewConstraintError("voc plan",
			fmt.Errorf("crawl plan has %d units but no spider gateway is configured", len(units)))
	}

	// A retried plan must not regenerate tokens for tasks that already went
	// out: existing tasks keep their stored hash and are not re-enqueued.
	existing, err := p.jobs.ListSpiderTasks(ctx, job.ID)
	if err != nil {
		return err
	}
	known := make(map[string]*models.SpiderTask, len(existing))
	for _, t := range existing {
		known[t.TaskID] = t
	}

	var newTasks []*models.SpiderTask
	var requests []*interfaces.SpiderRequest
	for _, unit := range units {
		taskID := unit.TaskID(job.ID)
		if _, ok := known[taskID]; ok {
			continue
		}
		token, hash, err := spider.NewCallbackToken(p.callbackKey)
		if err != nil {
			return models.NewConstraintError("voc plan", err)
		}
		newTasks = append(newTasks, &models.SpiderTask{
			JobID:             job.ID,
			TaskID:            taskID,
			RunType:           unit.RunType,
			ScopeType:         unit.ScopeType,
			ScopeValue:        unit.ScopeValue,
			Status:            models.SpiderTaskPending,
			CallbackTokenHash: hash,
		})
		requests = append(requests, p.buildRequest(job, params, unit, taskID, token))
	}

	if len(newTasks) > 0 {
		if err := p.jobs.CreateSpiderTasks(ctx, newTasks); err != nil {
			return err
		}
	}

	pending := make([]string, 0, len(units))
	for _, unit := range units {
		taskID := unit.TaskID(job.ID)
		if t, ok := known[taskID]; ok && t.Status == models.SpiderTaskReady {
			continue
		}
		pending = append(pending, taskID)
	}
	params.PendingCrawl = pending
	paramsJSON, err := params.ToJSON()
	if err != nil {
		return models.NewConstraintError("voc plan", err)
	}
	if err := p.jobs.UpdateVocJobParams(ctx, job.ID, paramsJSON); err != nil {
		return err
	}

	for _, req := range requests {
		if err := p.gateway.Enqueue(ctx, req); err != nil {
			return err
		}
	}

	p.logger.Info().
		Int64("job_id", job.ID).
		Int("units", len(units)).
		Int("enqueued", len(requests)).
		Msg("Crawl plan enqueued")
	return p.jobs.UpdateVocJobStage(ctx, job.ID, models.VocStatusCrawling, StageCrawl)
}

func (p *Pipeline) buildRequest(job *models.VocJob, params *models.VocParams, unit models.CrawlUnit, taskID, token string) *interfaces.SpiderRequest {
	extra := map[string]int{}
	if unit.RunType == models.RunTypeReview && params.ReviewDays > 0 {
		extra["review_days"] = params.ReviewDays
	}
	if unit.RunType == models.RunTypeKeywordSearch && unit.PageNum > 0 {
		extra["max_page_num"] = unit.PageNum
	}
	if len(extra) == 0 {
		extra = nil
	}
	return &interfaces.SpiderRequest{
		TaskID:        taskID,
		RunType:       string(unit.RunType),
		SiteCode:      job.SiteCode,
		ScopeType:     string(unit.ScopeType),
		ScopeValue:    unit.ScopeValue,
		CallbackURL:   fmt.Sprintf("%s/voc/spider/callback/%d", p.publicBaseURL, job.ID),
		CallbackToken: token,
		Extra:         extra,
	}
}

// analyze carries the job from EXTRACTING to DONE. Datasets come from the
// read-only results database and are recomputed on resume; analyzers are
// pure, so the replay is deterministic.
func (p *Pipeline) analyze(ctx context.Context, job *models.VocJob) error {
	if p.results == nil {
		return models.NewConstraintError("voc extract",
			fmt.Errorf("no results database is configured"))
	}
	params, err := job.ParsedParams()
	if err != nil {
		return models.NewConstraintError("voc extract", err)
	}

	dataset, err := p.extract(ctx, job, params)
	if err != nil {
		return err
	}

	if job.Status == models.VocStatusExtracting {
		if err := p.jobs.UpdateVocJobStage(ctx, job.ID, models.VocStatusAnalyzing, StageAnalyze); err != nil {
			return err
		}
	}

	resultsByCode := make(map[string]*ModuleResult, len(models.ModuleOrder))
	for _, code := range models.ModuleOrder {
		resultsByCode[code] = Analyzers[code](dataset)
	}

	if job.Status != models.VocStatusPersisting {
		if err := p.jobs.UpdateVocJobStage(ctx, job.ID, models.VocStatusPersisting, StagePersist); err != nil {
			return err
		}
	}

	for _, code := range models.ModuleOrder {
		if err := p.persistModule(ctx, job.ID, code, resultsByCode[code]); err != nil {
			return err
		}
	}

	if err := p.persistReport(ctx, job.ID); err != nil {
		return err
	}

	p.logger.Info().
		Int64("job_id", job.ID).
		Int("reviews", len(dataset.Reviews)).
		Int("listings", len(dataset.Listings)).
		Int("serp_items", len(dataset.Serp)).
		Msg("VOC analysis complete")
	return p.jobs.UpdateVocJobStage(ctx, job.ID, models.VocStatusDone, StageDone)
}

func (p *Pipeline) extract(ctx context.Context, job *models.VocJob, params *models.VocParams) (*Dataset, error) {
	asins := allAsins(params)

	reviews, err := p.results.FetchReviews(ctx, job.SiteCode, asins, params.ReviewDays, job.PreferredRunID)
	if err != nil {
		return nil, err
	}
	listings, err := p.results.FetchListings(ctx, job.SiteCode, asins, job.PreferredRunID)
	if err != nil {
		return nil, err
	}
	serp, err := p.results.FetchSerpItems(ctx, job.SiteCode, params.Keywords, params.MaxSerpPageNum, job.PreferredRunID)
	if err != nil {
		return nil, err
	}

	return &Dataset{
		Params:   params,
		SiteCode: job.SiteCode,
		Reviews:  reviews,
		Listings: listings,
		Serp:     serp,
	}, nil
}

// persistModule writes one module in the fixed order output, clear, insert
// so the evidence rows always belong to the payload they support.
func (p *Pipeline) persistModule(ctx context.Context, jobID int64, code string, result *ModuleResult) error {
	if meta := annotateAI(ctx, p.summarizer, "voc."+code, modulePrompt(code, result), p.logger); meta != "" {
		result.Payload["meta"] = map[string]interface{}{"ai": json.RawMessage(meta)}
	}

	payload, err := json.Marshal(result.Payload)
	if err != nil {
		return models.NewConstraintError("voc persist", err)
	}
	if err := p.jobs.UpsertVocOutput(ctx, &models.VocOutput{
		JobID:         jobID,
		ModuleCode:    code,
		SchemaVersion: moduleSchemaVersion,
		Payload:       string(payload),
	}); err != nil {
		return err
	}
	if err := p.jobs.ClearVocEvidence(ctx, jobID, code); err != nil {
		return err
	}
	if len(result.Evidence) == 0 {
		return nil
	}
	for _, row := range result.Evidence {
		row.JobID = jobID
	}
	return p.jobs.InsertVocEvidenceMany(ctx, result.Evidence)
}

// persistReport assembles report.v1 from the rows just persisted.
func (p *Pipeline) persistReport(ctx context.Context, jobID int64) error {
	outputs, err := p.jobs.ListVocOutputs(ctx, jobID)
	if err != nil {
		return err
	}
	counts, err := p.jobs.CountVocEvidence(ctx, jobID)
	if err != nil {
		return err
	}

	report, err := BuildReport(jobID, outputs, counts)
	if err != nil {
		return models.NewConstraintError("voc report", err)
	}
	report.Meta = annotateAI(ctx, p.summarizer, "voc.report", reportPrompt(outputs), p.logger)
	return p.jobs.UpsertVocReport(ctx, report)
}

func modulePrompt(code string, result *ModuleResult) string {
	payload, _ := json.Marshal(result.Payload)
	return fmt.Sprintf("Summarize the key findings of the %s analysis in two sentences:\n%s", code, truncatePrompt(string(payload)))
}

func reportPrompt(outputs []*models.VocOutput) string {
	codes := make([]string, 0, len(outputs))
	for _, out := range outputs {
		codes = append(codes, out.ModuleCode)
	}
	return fmt.Sprintf("Write a short executive summary of a voice-of-customer report covering: %v", codes)
}

const maxPromptLen = 4000

func truncatePrompt(s string) string {
	if len(s) <= maxPromptLen {
		return s
	}
	return s[:maxPromptLen]
}

func classify(err error) interfaces.PipelineResult {
	if models.IsRetryable(err) {
		return interfaces.ResultRetryable
	}
	return interfaces.ResultPermanent
}
