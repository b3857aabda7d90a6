package models

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Modality identifies the source medium a chunk was extracted from.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
)

// Locator records where a chunk's content came from inside its document.
// Pages, time ranges and bounding boxes are merged across the elements the
// chunk spans; CharStart/CharEnd always refer to the parsed full text.
type Locator struct {
	Pages     []int       `json:"pages,omitempty"`
	TimeStart float64     `json:"time_start,omitempty"`
	TimeEnd   float64     `json:"time_end,omitempty"`
	BBoxes    [][]float64 `json:"bboxes,omitempty"`
	CharStart int         `json:"char_start"`
	CharEnd   int         `json:"char_end"`
}

// ToJSON serializes the locator for storage.
func (l *Locator) ToJSON() (string, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("marshal locator: %w", err)
	}
	return string(data), nil
}

// LocatorFromJSON deserializes a stored locator.
func LocatorFromJSON(data string) (*Locator, error) {
	if data == "" {
		return nil, nil
	}
	var l Locator
	if err := json.Unmarshal([]byte(data), &l); err != nil {
		return nil, fmt.Errorf("unmarshal locator: %w", err)
	}
	return &l, nil
}

// Chunk is a contiguous piece of a document's content. Its id is stable
// across retries: the same (document, version, index) always hashes to the
// same chunk id, which makes index upserts idempotent.
type Chunk struct {
	ChunkID      string   `json:"chunk_id"`
	DocumentID   int64    `json:"document_id"`
	SpaceCode    string   `json:"space_code"`
	IndexVersion int      `json:"index_version"`
	ChunkIndex   int      `json:"chunk_index"`
	Modality     Modality `json:"modality"`
	Locator      *Locator `json:"locator,omitempty"`
	Content      string   `json:"content"`
	ContentHash  string   `json:"content_hash"`
	TokenCount   int      `json:"token_count"`
}

// ChunkID derives the stable chunk identifier from its coordinates.
func ChunkID(documentID int64, indexVersion, chunkIndex int) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%d:%d:%d", documentID, indexVersion, chunkIndex)))
	return hex.EncodeToString(sum[:])
}

// ContentHash computes the sha256 hex digest of chunk content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
