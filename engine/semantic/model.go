package semantic

import "github.com/WessleyAI/carsearch/engine/domain"

// DocumentKey is the payload key holding the embedded listing text.
const DocumentKey = "document"

// Hits is the raw nearest-neighbour pool, as parallel slices in the order
// the index returned them. Callers must not rely on that order.
type Hits struct {
	IDs       []int64
	Distances []float64
	Metadata  []domain.Metadata
}

// Len returns the number of hits.
func (h Hits) Len() int { return len(h.IDs) }

// Point is one listing embedding to store in the index.
type Point struct {
	ID       int64
	Vector   []float32
	Metadata domain.Metadata
	Document string
}
