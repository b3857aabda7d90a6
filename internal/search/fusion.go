// Package search fuses the index backends into ranked retrieval results.
package search

import (
	"sort"

	"github.com/ternarybob/audiens/internal/models"
)

// rrfK is the reciprocal rank fusion constant. 60 is the value from the
// original RRF paper and keeps single-list outliers from dominating.
const rrfK = 60

// FuseRRF merges ranked candidate lists by reciprocal rank. Scores from
// different backends are never compared directly; only positions matter,
// which makes the fusion insensitive to each backend's score scale. Ties
// break on chunk id so the ordering is stable across runs and across input
// list permutations.
func FuseRRF(lists ...[]models.ScoredChunk) []models.ScoredChunk {
	fused := make(map[string]float64)
	for _, list := range lists {
		for rank, hit := range list {
			fused[hit.ChunkID] += 1.0 / float64(rrfK+rank+1)
		}
	}

	out := make([]models.ScoredChunk, 0, len(fused))
	for id, score := range fused {
		out = append(out, models.ScoredChunk{ChunkID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}
