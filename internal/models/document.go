package models

import "time"

// DocumentStatus tracks a document through the ingest lifecycle. A document
// may cycle UPLOADED/PROCESSING/INDEXED/FAILED as new ingest jobs run;
// DELETED is terminal.
type DocumentStatus int

const (
	DocumentStatusUploaded   DocumentStatus = 10
	DocumentStatusProcessing DocumentStatus = 20
	DocumentStatusIndexed    DocumentStatus = 30
	DocumentStatusFailed     DocumentStatus = 40
	DocumentStatusDeleted    DocumentStatus = 90
)

func (s DocumentStatus) String() string {
	switch s {
	case DocumentStatusUploaded:
		return "uploaded"
	case DocumentStatusProcessing:
		return "processing"
	case DocumentStatusIndexed:
		return "indexed"
	case DocumentStatusFailed:
		return "failed"
	case DocumentStatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Document is an uploaded file belonging to a space. ActiveIndexVersion is
// the single chunk version visible to retrieval; it is set only at INDEXED
// promotion and only ever increases.
type Document struct {
	ID                 int64          `json:"id"`
	SpaceCode          string         `json:"space_code"`
	Filename           string         `json:"filename"`
	ContentType        string         `json:"content_type"`
	Size               int64          `json:"size"`
	StorageURI         string         `json:"storage_uri"`
	SHA256             string         `json:"sha256"`
	Status             DocumentStatus `json:"status"`
	ActiveIndexVersion int            `json:"active_index_version"`
	UploaderID         string         `json:"uploader_id,omitempty"`
	LastError          string         `json:"last_error,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          *time.Time     `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the document has been soft-deleted.
func (d *Document) IsDeleted() bool {
	return d.Status == DocumentStatusDeleted || d.DeletedAt != nil
}
