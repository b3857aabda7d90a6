package models

import "time"

// SpaceStatus is the lifecycle state of a knowledge base space.
type SpaceStatus int

const (
	SpaceStatusActive  SpaceStatus = 10
	SpaceStatusDeleted SpaceStatus = 90
)

// KbSpace is a namespace for a knowledge base. Documents, chunks and
// indices are keyed by its code.
type KbSpace struct {
	SpaceCode   string      `json:"space_code"`
	DisplayName string      `json:"display_name"`
	Description string      `json:"description,omitempty"`
	Enabled     bool        `json:"enabled"`
	Status      SpaceStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// AcceptsDocuments reports whether new documents may be added to the space.
func (s *KbSpace) AcceptsDocuments() bool {
	return s.Enabled && s.Status == SpaceStatusActive
}
