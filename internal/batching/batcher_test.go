package batching

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/election-sync/internal/models"
)

func change(i int, typ models.EntityType, payload int) models.EntityChange {
	return models.EntityChange{
		ID:         fmt.Sprintf("c-%03d", i),
		EntityType: typ,
		EntityID:   fmt.Sprintf("e-%03d", i),
		Operation:  models.OperationCreate,
		Data:       models.Data{"blob": strings.Repeat("x", payload)},
		Timestamp:  time.Date(2024, 2, 14, 8, 0, i, 0, time.UTC),
	}
}

func flatten(batches [][]models.EntityChange) []string {
	var ids []string
	for _, b := range batches {
		for _, c := range b {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func TestSplitRespectsByteCeiling(t *testing.T) {
	var changes []models.EntityChange
	for i := 0; i < 40; i++ {
		changes = append(changes, change(i, models.EntityVoter, 50+i*7))
	}
	const ceiling = 1024
	batches := Batcher{MaxBytes: ceiling}.Split(changes)

	require.Greater(t, len(batches), 1)
	for _, batch := range batches {
		total := 0
		for _, c := range batch {
			total += Size(c)
		}
		if len(batch) > 1 {
			assert.LessOrEqual(t, total, ceiling)
		}
	}
	want := make([]string, len(changes))
	for i, c := range changes {
		want[i] = c.ID
	}
	assert.Equal(t, want, flatten(batches))
}

func TestOversizedChangeFormsOwnBatch(t *testing.T) {
	changes := []models.EntityChange{
		change(1, models.EntityVoter, 10),
		change(2, models.EntityVoter, 5000),
		change(3, models.EntityVoter, 10),
	}
	batches := Batcher{MaxBytes: 1024}.Split(changes)

	require.Len(t, batches, 3)
	assert.Equal(t, "c-002", batches[1][0].ID)
	assert.Greater(t, Size(batches[1][0]), 1024)
}

func TestItemCeilingClosesBatch(t *testing.T) {
	var changes []models.EntityChange
	for i := 0; i < 23; i++ {
		changes = append(changes, change(i, models.EntityTallyLine, 10))
	}
	batches := Batcher{MaxBytes: 1 << 20, MaxItems: 5}.Split(changes)

	require.Len(t, batches, 5)
	for _, b := range batches[:4] {
		assert.Len(t, b, 5)
	}
	assert.Len(t, batches[4], 3)
}

func TestSplitKeepsTypeOrderAcrossBatches(t *testing.T) {
	changes := []models.EntityChange{
		change(1, models.EntityPen, 300),
		change(2, models.EntityPen, 300),
		change(3, models.EntityTallySession, 300),
		change(4, models.EntityTallyLine, 300),
	}
	batches := Batcher{MaxBytes: 800}.Split(changes)

	assert.Equal(t, []string{"c-001", "c-002", "c-003", "c-004"}, flatten(batches))
}

func TestSplitEmpty(t *testing.T) {
	assert.Empty(t, Batcher{MaxBytes: 1024}.Split(nil))
}
