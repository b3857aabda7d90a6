package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/models"
)

func newVocJob(t *testing.T) *models.VocJob {
	t.Helper()
	params := &models.VocParams{
		TargetAsins: []string{"B000TEST01"},
		TriggerMode: models.TriggerAuto,
		ReviewDays:  180,
	}
	paramsJSON, err := params.ToJSON()
	require.NoError(t, err)

	return &models.VocJob{
		InputHash:  params.InputHash("amazon.com", "asin", "B000TEST01"),
		SiteCode:   "amazon.com",
		ScopeType:  "asin",
		ScopeValue: "B000TEST01",
		Params:     paramsJSON,
	}
}

func TestVocStorage_CreateIsIdempotentByHash(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewVocStorage(db, logger)
	ctx := context.Background()

	job1, err := store.CreateVocJobByHash(ctx, newVocJob(t))
	require.NoError(t, err)
	assert.Equal(t, models.VocStatusPending, job1.Status)

	// Same inputs hash to the same job
	job2, err := store.CreateVocJobByHash(ctx, newVocJob(t))
	require.NoError(t, err)
	assert.Equal(t, job1.ID, job2.ID)
}

func TestVocStorage_ClaimSkipsCrawling(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewVocStorage(db, logger)
	ctx := context.Background()

	job, err := store.CreateVocJobByHash(ctx, newVocJob(t))
	require.NoError(t, err)

	claimed, err := store.ClaimNextVocJob(ctx, "worker-a", 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)

	// Park the job waiting on spider callbacks and release the lock
	require.NoError(t, store.UpdateVocJobStage(ctx, job.ID, models.VocStatusCrawling, "crawl"))
	require.NoError(t, store.FinishVocJob(ctx, job.ID))

	claimed, err = store.ClaimNextVocJob(ctx, "worker-a", 10*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed, "CRAWLING jobs wait for callbacks, not workers")

	// Callbacks complete: EXTRACTING is runnable again
	require.NoError(t, store.UpdateVocJobStage(ctx, job.ID, models.VocStatusExtracting, "extract"))
	claimed, err = store.ClaimNextVocJob(ctx, "worker-a", 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, models.VocStatusExtracting, claimed.Status)
}

func TestVocStorage_SettlePendingCrawlConcurrent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewVocStorage(db, logger)
	ctx := context.Background()

	job, err := store.CreateVocJobByHash(ctx, newVocJob(t))
	require.NoError(t, err)

	params, err := job.ParsedParams()
	require.NoError(t, err)
	params.PendingCrawl = []string{"t1", "t2"}
	paramsJSON, err := params.ToJSON()
	require.NoError(t, err)
	require.NoError(t, store.UpdateVocJobParams(ctx, job.ID, paramsJSON))
	require.NoError(t, store.UpdateVocJobStage(ctx, job.ID, models.VocStatusCrawling, "crawl"))

	// Two READY callbacks land together; each removal must survive the
	// other, and exactly one settle advances the job.
	var wg sync.WaitGroup
	advances := make(chan bool, 2)
	for _, taskID := range []string{"t1", "t2"} {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			advanced, err := store.SettlePendingCrawl(ctx, job.ID, taskID, "extract")
			assert.NoError(t, err)
			advances <- advanced
		}(taskID)
	}
	wg.Wait()
	close(advances)

	advancedCount := 0
	for advanced := range advances {
		if advanced {
			advancedCount++
		}
	}
	assert.Equal(t, 1, advancedCount)

	got, err := store.GetVocJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VocStatusExtracting, got.Status)

	remaining, err := got.ParsedParams()
	require.NoError(t, err)
	assert.Empty(t, remaining.PendingCrawl)

	// Replaying a settled task changes nothing.
	advanced, err := store.SettlePendingCrawl(ctx, job.ID, "t1", "extract")
	require.NoError(t, err)
	assert.False(t, advanced)
}

func TestVocStorage_SpiderTaskTransitions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewVocStorage(db, logger)
	ctx := context.Background()

	job, err := store.CreateVocJobByHash(ctx, newVocJob(t))
	require.NoError(t, err)

	unit := models.CrawlUnit{
		RunType:    models.RunTypeReview,
		ScopeType:  models.ScopeAsin,
		ScopeValue: "B000TEST01",
	}
	task := &models.SpiderTask{
		JobID:             job.ID,
		TaskID:            unit.TaskID(job.ID),
		RunType:           unit.RunType,
		ScopeType:         unit.ScopeType,
		ScopeValue:        unit.ScopeValue,
		CallbackTokenHash: "deadbeef",
	}
	require.NoError(t, store.CreateSpiderTasks(ctx, []*models.SpiderTask{task}))

	// Replanning the same unit keeps the existing row
	require.NoError(t, store.CreateSpiderTasks(ctx, []*models.SpiderTask{task}))
	tasks, err := store.ListSpiderTasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.SpiderTaskPending, tasks[0].Status)

	// READY without a run id is rejected
	err = store.UpdateSpiderTaskStatus(ctx, task.TaskID, models.SpiderTaskReady, 0, "")
	require.Error(t, err)
	assert.False(t, models.IsRetryable(err))

	require.NoError(t, store.UpdateSpiderTaskStatus(ctx, task.TaskID, models.SpiderTaskReady, 42, ""))
	got, err := store.GetSpiderTaskByTaskID(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.SpiderTaskReady, got.Status)
	assert.Equal(t, int64(42), got.RunID)

	// Replayed callback converges on the same row
	require.NoError(t, store.UpdateSpiderTaskStatus(ctx, task.TaskID, models.SpiderTaskReady, 42, ""))
	again, err := store.GetSpiderTaskByTaskID(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, got.RunID, again.RunID)
}

func TestVocStorage_OutputsEvidenceAndReport(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewVocStorage(db, logger)
	ctx := context.Background()

	job, err := store.CreateVocJobByHash(ctx, newVocJob(t))
	require.NoError(t, err)

	output := &models.VocOutput{
		JobID:         job.ID,
		ModuleCode:    models.ModuleReviewOverview,
		SchemaVersion: "v1",
		Payload:       `{"total_reviews":10}`,
	}
	require.NoError(t, store.UpsertVocOutput(ctx, output))

	// Re-run overwrites the single row
	output.Payload = `{"total_reviews":12}`
	require.NoError(t, store.UpsertVocOutput(ctx, output))

	outputs, err := store.ListVocOutputs(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, `{"total_reviews":12}`, outputs[0].Payload)

	evidence := []*models.VocEvidence{
		{JobID: job.ID, ModuleCode: models.ModuleReviewOverview, SourceType: "review", SourceID: "r1", Snippet: "great product"},
		{JobID: job.ID, ModuleCode: models.ModuleReviewOverview, SourceType: "review", SourceID: "r2", Snippet: "broke after a week"},
	}
	require.NoError(t, store.InsertVocEvidenceMany(ctx, evidence))

	counts, err := store.CountVocEvidence(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.ModuleReviewOverview])

	// Re-run clears before reinserting
	require.NoError(t, store.ClearVocEvidence(ctx, job.ID, models.ModuleReviewOverview))
	counts, err = store.CountVocEvidence(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[models.ModuleReviewOverview])

	report := &models.VocReport{
		JobID:      job.ID,
		ReportType: "report.v1",
		Payload:    `{"modules":{}}`,
	}
	require.NoError(t, store.UpsertVocReport(ctx, report))

	got, err := store.GetVocReport(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "report.v1", got.ReportType)
}

func TestVocStorage_FailJobReleasesLock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	store := NewVocStorage(db, logger)
	ctx := context.Background()

	job, err := store.CreateVocJobByHash(ctx, newVocJob(t))
	require.NoError(t, err)

	claimed, err := store.ClaimNextVocJob(ctx, "worker-a", 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, store.FailVocJob(ctx, job.ID, "extract", "SPIDER_DB_UNAVAILABLE", "dial tcp: refused"))

	got, err := store.GetVocJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VocStatusFailed, got.Status)
	assert.Equal(t, "extract", got.FailedStage)
	assert.Equal(t, "SPIDER_DB_UNAVAILABLE", got.ErrorCode)
	assert.Empty(t, got.LockedBy)

	// Terminal jobs are never reclaimed
	claimed, err = store.ClaimNextVocJob(ctx, "worker-b", 10*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}
