package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// IngestJobStatus is the lifecycle state of an ingest job.
type IngestJobStatus int

const (
	IngestStatusPending   IngestJobStatus = 10
	IngestStatusRunning   IngestJobStatus = 20
	IngestStatusSucceeded IngestJobStatus = 30
	IngestStatusFailed    IngestJobStatus = 40
	IngestStatusCancelled IngestJobStatus = 50
)

func (s IngestJobStatus) String() string {
	switch s {
	case IngestStatusPending:
		return "pending"
	case IngestStatusRunning:
		return "running"
	case IngestStatusSucceeded:
		return "succeeded"
	case IngestStatusFailed:
		return "failed"
	case IngestStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s IngestJobStatus) IsTerminal() bool {
	return s == IngestStatusSucceeded || s == IngestStatusCancelled
}

// IngestJob is one asynchronous (re)indexing run for a document. The
// idempotency key makes repeated creation return the existing row; the
// index version is allocated under a document row lock and is monotone per
// document.
type IngestJob struct {
	ID              int64           `json:"id"`
	DocumentID      int64           `json:"document_id"`
	SpaceCode       string          `json:"space_code"`
	PipelineVersion string          `json:"pipeline_version"`
	IndexVersion    int             `json:"index_version"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Status          IngestJobStatus `json:"status"`
	TryCount        int             `json:"try_count"`
	MaxRetries      int             `json:"max_retries"`
	LockedBy        string          `json:"locked_by,omitempty"`
	LockedUntil     *time.Time      `json:"locked_until,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IngestIdempotencyKey derives the unique key for one (document, pipeline,
// version) run.
func IngestIdempotencyKey(documentID int64, pipelineVersion string, indexVersion int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%d", documentID, pipelineVersion, indexVersion)))
	return hex.EncodeToString(sum[:])
}
