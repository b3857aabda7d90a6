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

const elasticIndexName = "audiens-chunks"

// ElasticTextIndex talks to an Elasticsearch-compatible endpoint over its
// REST API. One shared index holds all spaces; every query carries a
// space_code filter.
type ElasticTextIndex struct {
	baseURL string
	client  *http.Client
	logger  arbor.ILogger
}

// NewElasticTextIndex creates the Elasticsearch text backend.
func NewElasticTextIndex(baseURL string, logger arbor.ILogger) interfaces.TextIndex {
	return &ElasticTextIndex{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Index bulk-upserts the chunks. Document ids are chunk ids, so retries
// overwrite instead of duplicating.
func (x *ElasticTextIndex) Index(ctx context.Context, spaceCode string, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, chunk := range chunks {
		action := map[string]map[string]string{
			"index": {"_index": elasticIndexName, "_id": chunk.ChunkID},
		}
		doc := map[string]interface{}{
			"space_code":    spaceCode,
			"document_id":   chunk.DocumentID,
			"index_version": chunk.IndexVersion,
			"content":       chunk.Content,
		}
		if err := enc.Encode(action); err != nil {
			return models.NewConstraintError("elastic index", err)
		}
		if err := enc.Encode(doc); err != nil {
			return models.NewConstraintError("elastic index", err)
		}
	}

	body, err := x.do(ctx, http.MethodPost, "/_bulk", buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return err
	}

	var resp struct {
		Errors bool `json:"errors"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.NewUpstreamError("elasticsearch", true, fmt.Errorf("decode bulk response: %w", err))
	}
	if resp.Errors {
		return models.NewUpstreamError("elasticsearch", true, fmt.Errorf("bulk indexing reported item errors"))
	}
	return nil
}

// Search runs a match query filtered by space.
func (x *ElasticTextIndex) Search(ctx context.Context, spaceCode, query string, topK int) ([]models.ScoredChunk, error) {
	payload := map[string]interface{}{
		"size":    topK,
		"_source": false,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"match": map[string]interface{}{"content": query},
				},
				"filter": map[string]interface{}{
					"term": map[string]interface{}{"space_code": spaceCode},
				},
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewConstraintError("elastic search", err)
	}

	body, err := x.do(ctx, http.MethodPost, "/"+elasticIndexName+"/_search", data, "application/json")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Hits struct {
			Hits []struct {
				ID    string  `json:"_id"`
				Score float64 `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, models.NewUpstreamError("elasticsearch", true, fmt.Errorf("decode search response: %w", err))
	}

	hits := make([]models.ScoredChunk, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		hits = append(hits, models.ScoredChunk{ChunkID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// DeleteByDocument removes the document's entries except the kept version.
func (x *ElasticTextIndex) DeleteByDocument(ctx context.Context, spaceCode string, documentID int64, keepIndexVersion int) error {
	filters := []map[string]interface{}{
		{"term": map[string]interface{}{"space_code": spaceCode}},
		{"term": map[string]interface{}{"document_id": documentID}},
	}
	boolQuery := map[string]interface{}{"filter": filters}
	if keepIndexVersion >= 0 {
		boolQuery["must_not"] = map[string]interface{}{
			"term": map[string]interface{}{"index_version": keepIndexVersion},
		}
	}
	payload := map[string]interface{}{"query": map[string]interface{}{"bool": boolQuery}}
	data, err := json.Marshal(payload)
	if err != nil {
		return models.NewConstraintError("elastic delete", err)
	}

	_, err = x.do(ctx, http.MethodPost, "/"+elasticIndexName+"/_delete_by_query", data, "application/json")
	return err
}

func (x *ElasticTextIndex) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, x.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, models.NewConstraintError("elastic request", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, models.NewUpstreamError("elasticsearch", true, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewUpstreamError("elasticsearch", true, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return nil, models.NewUpstreamError("elasticsearch", retryable,
		fmt.Errorf("elasticsearch returned %d: %s", resp.StatusCode, truncate(string(data), 200)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
