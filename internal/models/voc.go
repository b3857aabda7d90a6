// -----------------------------------------------------------------------
// VOC job model - crawl plan, spider tasks, analyzer outputs
// -----------------------------------------------------------------------

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// VocJobStatus follows the fixed stage sequence. FAILED is terminal and
// reachable from any state.
type VocJobStatus int

const (
	VocStatusPending    VocJobStatus = 10
	VocStatusCrawling   VocJobStatus = 20
	VocStatusExtracting VocJobStatus = 30
	VocStatusAnalyzing  VocJobStatus = 40
	VocStatusPersisting VocJobStatus = 50
	VocStatusDone       VocJobStatus = 60
	VocStatusFailed     VocJobStatus = 90
)

func (s VocJobStatus) String() string {
	switch s {
	case VocStatusPending:
		return "pending"
	case VocStatusCrawling:
		return "crawling"
	case VocStatusExtracting:
		return "extracting"
	case VocStatusAnalyzing:
		return "analyzing"
	case VocStatusPersisting:
		return "persisting"
	case VocStatusDone:
		return "done"
	case VocStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the job can no longer transition.
func (s VocJobStatus) IsTerminal() bool {
	return s == VocStatusDone || s == VocStatusFailed
}

// TriggerMode controls the crawl decision.
type TriggerMode string

const (
	TriggerAuto  TriggerMode = "AUTO"
	TriggerForce TriggerMode = "FORCE"
	TriggerOff   TriggerMode = "OFF"
)

// RunType names a spider crawl kind.
type RunType string

const (
	RunTypeReview        RunType = "amazon_review"
	RunTypeListing       RunType = "amazon_listing"
	RunTypeKeywordSearch RunType = "amazon_keyword_search"
)

// ScopeType qualifies what a crawl unit targets.
type ScopeType string

const (
	ScopeAsin    ScopeType = "asin"
	ScopeKeyword ScopeType = "keyword"
)

// VocParams is the job's input parameter document, stored as JSON in the
// params column. PendingCrawl tracks task ids still awaiting a READY
// callback.
type VocParams struct {
	TargetAsins     []string    `json:"target_asins"`
	CompetitorAsins []string    `json:"competitor_asins,omitempty"`
	Keywords        []string    `json:"keywords,omitempty"`
	TriggerMode     TriggerMode `json:"trigger_mode"`
	ReviewDays      int         `json:"review_days,omitempty"`
	MaxSerpPageNum  int         `json:"max_serp_page_num,omitempty"`
	PendingCrawl    []string    `json:"pending_crawl,omitempty"`
}

// ToJSON serializes the params document.
func (p *VocParams) ToJSON() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal voc params: %w", err)
	}
	return string(data), nil
}

// VocParamsFromJSON deserializes a stored params document.
func VocParamsFromJSON(data string) (*VocParams, error) {
	var p VocParams
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("unmarshal voc params: %w", err)
	}
	return &p, nil
}

// InputHash makes VOC job creation idempotent: identical inputs hash to the
// same value regardless of slice ordering.
func (p *VocParams) InputHash(siteCode, scopeType, scopeValue string) string {
	targets := append([]string(nil), p.TargetAsins...)
	competitors := append([]string(nil), p.CompetitorAsins...)
	keywords := append([]string(nil), p.Keywords...)
	sort.Strings(targets)
	sort.Strings(competitors)
	sort.Strings(keywords)

	seed := fmt.Sprintf("%s|%s|%s|%v|%v|%v|%s|%d|%d",
		siteCode, scopeType, scopeValue, targets, competitors, keywords,
		p.TriggerMode, p.ReviewDays, p.MaxSerpPageNum)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// VocJob is one analysis run over crawled Amazon data.
type VocJob struct {
	ID              int64        `json:"id"`
	InputHash       string       `json:"input_hash"`
	SiteCode        string       `json:"site_code"`
	ScopeType       string       `json:"scope_type"`
	ScopeValue      string       `json:"scope_value"`
	Params          string       `json:"params"`
	Status          VocJobStatus `json:"status"`
	Stage           string       `json:"stage,omitempty"`
	PreferredTaskID string       `json:"preferred_task_id,omitempty"`
	PreferredRunID  int64        `json:"preferred_run_id,omitempty"`
	ErrorCode       string       `json:"error_code,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	FailedStage     string       `json:"failed_stage,omitempty"`
	TryCount        int          `json:"try_count"`
	MaxRetries      int          `json:"max_retries"`
	LockedBy        string       `json:"locked_by,omitempty"`
	LockedUntil     *time.Time   `json:"locked_until,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ParsedParams decodes the params column.
func (j *VocJob) ParsedParams() (*VocParams, error) {
	return VocParamsFromJSON(j.Params)
}

// SpiderTaskStatus is the lifecycle state of one crawl unit.
type SpiderTaskStatus int

const (
	SpiderTaskPending SpiderTaskStatus = 10
	SpiderTaskRunning SpiderTaskStatus = 20
	SpiderTaskReady   SpiderTaskStatus = 30
	SpiderTaskFailed  SpiderTaskStatus = 40
)

func (s SpiderTaskStatus) String() string {
	switch s {
	case SpiderTaskPending:
		return "pending"
	case SpiderTaskRunning:
		return "running"
	case SpiderTaskReady:
		return "ready"
	case SpiderTaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SpiderTask is one enqueued crawl unit. Only the SHA-256 hash of the
// one-time callback token is stored; READY requires a non-zero run id
// pointing into the external results database.
type SpiderTask struct {
	RowID                  int64            `json:"row_id"`
	JobID                  int64            `json:"job_id"`
	TaskID                 string           `json:"task_id"`
	RunType                RunType          `json:"run_type"`
	ScopeType              ScopeType        `json:"scope_type"`
	ScopeValue             string           `json:"scope_value"`
	Status                 SpiderTaskStatus `json:"status"`
	RunID                  int64            `json:"run_id,omitempty"`
	CallbackTokenHash      string           `json:"-"`
	CallbackTokenCreatedAt time.Time        `json:"-"`
	LastError              string           `json:"last_error,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

// CrawlUnit is one planned crawl before enqueue.
type CrawlUnit struct {
	RunType    RunType   `json:"run_type"`
	ScopeType  ScopeType `json:"scope_type"`
	ScopeValue string    `json:"scope_value"`
	PageNum    int       `json:"page_num,omitempty"`
}

// TaskID derives the deterministic external task id for a unit of a job.
func (u CrawlUnit) TaskID(jobID int64) string {
	return fmt.Sprintf("voc:%d:%s:%s", jobID, u.RunType, u.ScopeValue)
}

// VocOutput is the persisted result of one analyzer module for a job.
type VocOutput struct {
	JobID         int64     `json:"job_id"`
	ModuleCode    string    `json:"module_code"`
	SchemaVersion string    `json:"schema_version"`
	Payload       string    `json:"payload"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// VocEvidence is a short auditable snippet supporting a module's output.
// Rows are append-only per run and cleared before a module re-runs.
type VocEvidence struct {
	ID         int64  `json:"id"`
	JobID      int64  `json:"job_id"`
	ModuleCode string `json:"module_code"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	Kind       string `json:"kind,omitempty"`
	Snippet    string `json:"snippet"`
	Meta       string `json:"meta,omitempty"`
}

// VocReport is the single per-job report assembled from persisted outputs.
type VocReport struct {
	JobID      int64     `json:"job_id"`
	ReportType string    `json:"report_type"`
	Payload    string    `json:"payload"`
	Meta       string    `json:"meta,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Analyzer module codes. Stable strings naming each output slot.
const (
	ModuleReviewOverview      = "review.overview"
	ModuleCustomerSentiment   = "review.customer_sentiment"
	ModuleUsageScenario       = "review.usage_scenario"
	ModuleBuyersMotivation    = "review.buyers_motivation"
	ModuleCustomerExpectation = "review.customer_expectations"
	ModuleRatingOptimization  = "review.rating_optimization"
	ModuleProductDetails      = "market.product_details"
	ModuleKeywordDetails      = "keyword.keyword_details"
)

// ModuleOrder is the canonical ordering used by report assembly.
var ModuleOrder = []string{
	ModuleReviewOverview,
	ModuleCustomerSentiment,
	ModuleUsageScenario,
	ModuleBuyersMotivation,
	ModuleCustomerExpectation,
	ModuleRatingOptimization,
	ModuleProductDetails,
	ModuleKeywordDetails,
}
