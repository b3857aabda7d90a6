package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

const milvusCollection = "audiens_chunks"

// MilvusVectorIndex talks to Milvus over its v2 REST API. One shared
// collection holds all spaces; queries carry a space_code filter
// expression.
type MilvusVectorIndex struct {
	baseURL string
	client  *http.Client
	logger  arbor.ILogger
}

// NewMilvusVectorIndex creates the Milvus vector backend.
func NewMilvusVectorIndex(baseURL string, logger arbor.ILogger) interfaces.VectorIndex {
	return &MilvusVectorIndex{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Upsert writes chunk vectors keyed by chunk id.
func (x *MilvusVectorIndex) Upsert(ctx context.Context, spaceCode string, chunks []*models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return models.NewConstraintError("milvus upsert",
			fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors)))
	}
	if len(chunks) == 0 {
		return nil
	}

	data := make([]map[string]interface{}, len(chunks))
	for i, chunk := range chunks {
		data[i] = map[string]interface{}{
			"chunk_id":      chunk.ChunkID,
			"space_code":    spaceCode,
			"document_id":   chunk.DocumentID,
			"index_version": chunk.IndexVersion,
			"vector":        vectors[i],
		}
	}

	payload := map[string]interface{}{
		"collectionName": milvusCollection,
		"data":           data,
	}
	return x.call(ctx, "/v2/vectordb/entities/upsert", payload, nil)
}

// Search runs an ANN query filtered to the space.
func (x *MilvusVectorIndex) Search(ctx context.Context, spaceCode string, vector []float32, topK int) ([]models.ScoredChunk, error) {
	payload := map[string]interface{}{
		"collectionName": milvusCollection,
		"data":           [][]float32{vector},
		"annsField":      "vector",
		"limit":          topK,
		"filter":         fmt.Sprintf("space_code == %q", spaceCode),
		"outputFields":   []string{"chunk_id"},
	}

	var resp struct {
		Data []struct {
			ChunkID  string  `json:"chunk_id"`
			Distance float64 `json:"distance"`
		} `json:"data"`
	}
	if err := x.call(ctx, "/v2/vectordb/entities/search", payload, &resp); err != nil {
		return nil, err
	}

	hits := make([]models.ScoredChunk, 0, len(resp.Data))
	for _, h := range resp.Data {
		// Collection metric is IP over normalized vectors: distance is the
		// cosine score, higher is better.
		hits = append(hits, models.ScoredChunk{ChunkID: h.ChunkID, Score: h.Distance})
	}
	return hits, nil
}

// DeleteByDocument removes the document's entries except the kept version.
func (x *MilvusVectorIndex) DeleteByDocument(ctx context.Context, spaceCode string, documentID int64, keepIndexVersion int) error {
	filter := fmt.Sprintf("space_code == %q and document_id == %d", spaceCode, documentID)
	if keepIndexVersion >= 0 {
		filter += fmt.Sprintf(" and index_version != %d", keepIndexVersion)
	}
	payload := map[string]interface{}{
		"collectionName": milvusCollection,
		"filter":         filter,
	}
	return x.call(ctx, "/v2/vectordb/entities/delete", payload, nil)
}

// call posts a JSON payload and decodes the Milvus envelope. code != 0 in
// the envelope is an upstream error.
func (x *MilvusVectorIndex) call(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.NewConstraintError("milvus request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return models.NewConstraintError("milvus request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.client.Do(req)
	if err != nil {
		return models.NewUpstreamError("milvus", true, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.NewUpstreamError("milvus", true, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return models.NewUpstreamError("milvus", retryable,
			fmt.Errorf("milvus returned %d: %s", resp.StatusCode, truncate(string(data), 200)))
	}

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return models.NewUpstreamError("milvus", true, fmt.Errorf("decode response: %w", err))
	}
	if envelope.Code != 0 {
		return models.NewUpstreamError("milvus", false,
			fmt.Errorf("milvus error %d: %s", envelope.Code, envelope.Message))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return models.NewUpstreamError("milvus", true, fmt.Errorf("decode payload: %w", err))
		}
	}
	return nil
}
