// Package batching slices ordered change lists into transmission batches.
package batching

import (
	"encoding/json"

	"github.com/noah-isme/election-sync/internal/models"
)

// Batcher groups changes greedily under a byte ceiling and an optional item
// ceiling. Input order is never changed.
type Batcher struct {
	MaxBytes int
	MaxItems int
}

// Size returns the serialised size of a single change.
func Size(change models.EntityChange) int {
	raw, err := json.Marshal(change)
	if err != nil {
		return 0
	}
	return len(raw)
}

// Split returns the batches in input order. A change larger than MaxBytes is
// placed alone in its own batch.
func (b Batcher) Split(changes []models.EntityChange) [][]models.EntityChange {
	var (
		batches [][]models.EntityChange
		current []models.EntityChange
		size    int
	)
	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
		}
		current, size = nil, 0
	}

	for _, change := range changes {
		n := Size(change)
		if len(current) > 0 && b.MaxBytes > 0 && size+n > b.MaxBytes {
			flush()
		}
		current = append(current, change)
		size += n
		if (b.MaxItems > 0 && len(current) >= b.MaxItems) || (b.MaxBytes > 0 && size >= b.MaxBytes) {
			flush()
		}
	}
	flush()
	return batches
}
