package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
	"github.com/ternarybob/audiens/internal/storage/files"
	"github.com/ternarybob/audiens/internal/storage/sqlite"
	"github.com/ternarybob/audiens/internal/voc"
	"github.com/ternarybob/audiens/internal/voc/spider"
)

const testCallbackKey = "test-callback-secret"

type handlerEnv struct {
	store     interfaces.StorageManager
	spaces    *SpaceHandler
	documents *DocumentHandler
	vocAPI    *VocHandler
}

func setupHandlers(t *testing.T) *handlerEnv {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := sqlite.NewManager(logger, filepath.Join(t.TempDir(), "audiens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fileStore, err := files.NewFileStorage(&common.StorageConfig{
		Backend: "local",
		Dir:     t.TempDir(),
	}, logger)
	require.NoError(t, err)

	vocPipeline := voc.NewPipeline(store.VocJobs(), nil, nil, nil, "https://api.example.com", testCallbackKey, logger)

	return &handlerEnv{
		store:     store,
		spaces:    NewSpaceHandler(store, nil, nil, logger),
		documents: NewDocumentHandler(store, fileStore, nil, nil, "v1", 3, logger),
		vocAPI:    NewVocHandler(store.VocJobs(), vocPipeline, 3, logger),
	}
}

func (e *handlerEnv) createSpace(t *testing.T, code string) {
	t.Helper()
	err := e.store.SpaceStorage().CreateSpace(context.Background(), &models.KbSpace{
		SpaceCode:   code,
		DisplayName: code,
		Enabled:     true,
		Status:      models.SpaceStatusActive,
	})
	require.NoError(t, err)
}

func jsonRequest(method, target string, body interface{}) *http.Request {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartRequest(t *testing.T, target, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestSpaceHandler_CreateAndGet(t *testing.T) {
	env := setupHandlers(t)

	rec := httptest.NewRecorder()
	env.spaces.CreateHandler(rec, jsonRequest(http.MethodPost, "/api/spaces", map[string]string{
		"space_code":   "acme",
		"display_name": "Acme Corp",
	}))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	env.spaces.GetHandler(rec, httptest.NewRequest(http.MethodGet, "/api/spaces/acme", nil), "acme")
	require.Equal(t, http.StatusOK, rec.Code)

	var space models.KbSpace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &space))
	assert.Equal(t, "Acme Corp", space.DisplayName)
	assert.True(t, space.Enabled)
}

func TestSpaceHandler_RejectsBadCode(t *testing.T) {
	env := setupHandlers(t)

	for _, code := range []string{"", "UPPER", "has space", "x"} {
		rec := httptest.NewRecorder()
		env.spaces.CreateHandler(rec, jsonRequest(http.MethodPost, "/api/spaces", map[string]string{
			"space_code": code,
		}))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "code %q", code)
	}
}

func TestSpaceHandler_DuplicateIsConflict(t *testing.T) {
	env := setupHandlers(t)
	env.createSpace(t, "acme")

	rec := httptest.NewRecorder()
	env.spaces.CreateHandler(rec, jsonRequest(http.MethodPost, "/api/spaces", map[string]string{
		"space_code": "acme",
	}))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSpaceHandler_DeleteCascades(t *testing.T) {
	env := setupHandlers(t)
	env.createSpace(t, "acme")
	ctx := context.Background()

	rec := httptest.NewRecorder()
	env.documents.UploadHandler(rec,
		multipartRequest(t, "/api/spaces/acme/documents", "notes.txt", "some text content"), "acme")
	require.Equal(t, http.StatusCreated, rec.Code)

	var uploaded struct {
		Document models.Document  `json:"document"`
		Job      models.IngestJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))

	rec = httptest.NewRecorder()
	env.spaces.DeleteHandler(rec, httptest.NewRequest(http.MethodDelete, "/api/spaces/acme", nil), "acme")
	require.Equal(t, http.StatusOK, rec.Code)

	doc, err := env.store.DocumentStorage().GetDocument(ctx, uploaded.Document.ID)
	require.NoError(t, err)
	assert.True(t, doc.IsDeleted())

	job, err := env.store.IngestJobs().GetIngestJob(ctx, uploaded.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IngestStatusCancelled, job.Status)
}

func TestDocumentHandler_UploadQueuesIngest(t *testing.T) {
	env := setupHandlers(t)
	env.createSpace(t, "acme")

	rec := httptest.NewRecorder()
	env.documents.UploadHandler(rec,
		multipartRequest(t, "/api/spaces/acme/documents", "guide.md", "# Title\n\nBody."), "acme")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Document models.Document  `json:"document"`
		Job      models.IngestJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.DocumentStatusUploaded, resp.Document.Status)
	assert.Len(t, resp.Document.SHA256, 64)
	assert.Equal(t, models.IngestStatusPending, resp.Job.Status)
	assert.Equal(t, 1, resp.Job.IndexVersion)
}

func TestDocumentHandler_UploadRejectedWhenDisabled(t *testing.T) {
	env := setupHandlers(t)
	env.createSpace(t, "acme")
	ctx := context.Background()

	space, err := env.store.SpaceStorage().GetSpace(ctx, "acme")
	require.NoError(t, err)
	space.Enabled = false
	require.NoError(t, env.store.SpaceStorage().UpdateSpace(ctx, space))

	rec := httptest.NewRecorder()
	env.documents.UploadHandler(rec,
		multipartRequest(t, "/api/spaces/acme/documents", "notes.txt", "text"), "acme")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDocumentHandler_UnknownSpaceIs404(t *testing.T) {
	env := setupHandlers(t)

	rec := httptest.NewRecorder()
	env.documents.UploadHandler(rec,
		multipartRequest(t, "/api/spaces/ghost/documents", "notes.txt", "text"), "ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDocumentHandler_DeleteCancelsJobs(t *testing.T) {
	env := setupHandlers(t)
	env.createSpace(t, "acme")
	ctx := context.Background()

	rec := httptest.NewRecorder()
	env.documents.UploadHandler(rec,
		multipartRequest(t, "/api/spaces/acme/documents", "notes.txt", "text"), "acme")
	require.Equal(t, http.StatusCreated, rec.Code)

	var uploaded struct {
		Document models.Document  `json:"document"`
		Job      models.IngestJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))

	rec = httptest.NewRecorder()
	env.documents.DeleteHandler(rec,
		httptest.NewRequest(http.MethodDelete, "/api/documents/1", nil), uploaded.Document.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := env.store.IngestJobs().GetIngestJob(ctx, uploaded.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IngestStatusCancelled, job.Status)
}

func TestVocHandler_SubmitIsIdempotent(t *testing.T) {
	env := setupHandlers(t)

	body := map[string]interface{}{
		"site_code":    "amazon.com",
		"scope_type":   "asin",
		"scope_value":  "B000TARGET",
		"target_asins": []string{"B000TARGET"},
		"trigger_mode": "OFF",
	}

	rec := httptest.NewRecorder()
	env.vocAPI.SubmitHandler(rec, jsonRequest(http.MethodPost, "/api/voc/jobs", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var first models.VocJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, models.VocStatusPending, first.Status)

	rec = httptest.NewRecorder()
	env.vocAPI.SubmitHandler(rec, jsonRequest(http.MethodPost, "/api/voc/jobs", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var second models.VocJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first.ID, second.ID)
}

func TestVocHandler_SubmitValidation(t *testing.T) {
	env := setupHandlers(t)

	cases := []map[string]interface{}{
		{"scope_type": "asin", "scope_value": "B0", "target_asins": []string{"B0"}},
		{"site_code": "amazon.com", "scope_type": "upc", "scope_value": "B0", "target_asins": []string{"B0"}},
		{"site_code": "amazon.com", "scope_type": "asin", "scope_value": "B0"},
		{"site_code": "amazon.com", "scope_type": "asin", "scope_value": "B0", "target_asins": []string{"B0"}, "trigger_mode": "MAYBE"},
	}
	for i, body := range cases {
		rec := httptest.NewRecorder()
		env.vocAPI.SubmitHandler(rec, jsonRequest(http.MethodPost, "/api/voc/jobs", body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "case %d", i)
	}
}

func TestVocHandler_StatusAndReport(t *testing.T) {
	env := setupHandlers(t)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	env.vocAPI.StatusHandler(rec, httptest.NewRequest(http.MethodGet, "/api/voc/jobs/99", nil), 99)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	params := &models.VocParams{TargetAsins: []string{"B000TARGET"}, TriggerMode: models.TriggerOff}
	paramsJSON, err := params.ToJSON()
	require.NoError(t, err)
	job, err := env.store.VocJobs().CreateVocJobByHash(ctx, &models.VocJob{
		InputHash:  params.InputHash("amazon.com", "asin", "B000TARGET"),
		SiteCode:   "amazon.com",
		ScopeType:  "asin",
		ScopeValue: "B000TARGET",
		Params:     paramsJSON,
		Status:     models.VocStatusPending,
		MaxRetries: 3,
	})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	env.vocAPI.StatusHandler(rec, httptest.NewRequest(http.MethodGet, "/api/voc/jobs/1", nil), job.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)

	// No report persisted yet
	rec = httptest.NewRecorder()
	env.vocAPI.ReportHandler(rec, httptest.NewRequest(http.MethodGet, "/api/voc/jobs/1/report", nil), job.ID)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, env.store.VocJobs().UpsertVocReport(ctx, &models.VocReport{
		JobID:      job.ID,
		ReportType: "report.v1",
		Payload:    `{"module_order":[]}`,
	}))

	rec = httptest.NewRecorder()
	env.vocAPI.ReportHandler(rec, httptest.NewRequest(http.MethodGet, "/api/voc/jobs/1/report", nil), job.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"report_type":"report.v1"`)
}

func TestVocHandler_CallbackAuth(t *testing.T) {
	env := setupHandlers(t)
	ctx := context.Background()

	params := &models.VocParams{TargetAsins: []string{"B000TARGET"}, TriggerMode: models.TriggerForce}
	paramsJSON, err := params.ToJSON()
	require.NoError(t, err)
	job, err := env.store.VocJobs().CreateVocJobByHash(ctx, &models.VocJob{
		InputHash:  params.InputHash("amazon.com", "asin", "B000TARGET"),
		SiteCode:   "amazon.com",
		ScopeType:  "asin",
		ScopeValue: "B000TARGET",
		Params:     paramsJSON,
		Status:     models.VocStatusCrawling,
		MaxRetries: 3,
	})
	require.NoError(t, err)

	token, hash, err := spider.NewCallbackToken(testCallbackKey)
	require.NoError(t, err)
	taskID := "voc:1:amazon_listing:B000TARGET"
	require.NoError(t, env.store.VocJobs().CreateSpiderTasks(ctx, []*models.SpiderTask{{
		JobID:             job.ID,
		TaskID:            taskID,
		RunType:           models.RunTypeListing,
		ScopeType:         models.ScopeAsin,
		ScopeValue:        "B000TARGET",
		Status:            models.SpiderTaskPending,
		CallbackTokenHash: hash,
	}}))

	callback := func(jobID int64, tok string, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost,
			"/voc/spider/callback/1?token="+tok, strings.NewReader(body))
		env.vocAPI.CallbackHandler(rec, req, jobID)
		return rec
	}

	body := `{"task_id":"` + taskID + `","status":"READY","run_id":42}`

	rec := callback(job.ID, "forged", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = callback(999, token, body)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = callback(job.ID, token, body)
	require.Equal(t, http.StatusOK, rec.Code)

	task, err := env.store.VocJobs().GetSpiderTaskByTaskID(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.SpiderTaskReady, task.Status)
	assert.Equal(t, int64(42), task.RunID)

	// The legacy path resolves the job from the task id in the body; a
	// replay of the same delivery is still accepted.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost,
		"/voc/spider/callback?token="+token, strings.NewReader(body))
	env.vocAPI.LegacyCallbackHandler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPathHelpers(t *testing.T) {
	id, ok := PathInt64("/api/documents/42/reindex", "/api/documents/")
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, ok = PathInt64("/api/documents/abc", "/api/documents/")
	assert.False(t, ok)

	code, ok := PathSegment("/api/spaces/acme/documents", "/api/spaces/")
	require.True(t, ok)
	assert.Equal(t, "acme", code)

	_, ok = PathSegment("/api/spaces/", "/api/spaces/")
	assert.False(t, ok)
}
