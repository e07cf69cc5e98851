// Package rank turns the raw retrieval pool into the ordered candidate list
// the rest of the pipeline consumes.
package rank

import (
	"fmt"
	"math"
	"sort"

	"github.com/WessleyAI/carsearch/engine/domain"
	"github.com/WessleyAI/carsearch/engine/semantic"
)

// Rank merges hits into candidates sorted by ascending distance, ties kept
// in retrieval order, and keeps the first min(n, len) of them.
func Rank(hits semantic.Hits, n int) ([]domain.Candidate, error) {
	if len(hits.Distances) != len(hits.IDs) || len(hits.Metadata) != len(hits.IDs) {
		return nil, fmt.Errorf("rank: mismatched hits: %d ids, %d distances, %d metadata",
			len(hits.IDs), len(hits.Distances), len(hits.Metadata))
	}
	if n <= 0 {
		return []domain.Candidate{}, nil
	}

	out := make([]domain.Candidate, len(hits.IDs))
	for i, id := range hits.IDs {
		d := hits.Distances[i]
		if math.IsNaN(d) || d < 0 {
			return nil, fmt.Errorf("rank: invalid distance %v for listing %d", d, id)
		}
		out[i] = domain.Candidate{ID: id, Distance: d, Metadata: hits.Metadata[i]}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Distance < out[b].Distance })

	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}
