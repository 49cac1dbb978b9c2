package ordering

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/election-sync/internal/models"
)

func changesOf(types ...models.EntityType) []models.EntityChange {
	out := make([]models.EntityChange, len(types))
	for i, t := range types {
		out[i] = models.EntityChange{ID: string(t) + "-" + string(rune('a'+i)), EntityType: t}
	}
	return out
}

func typesOf(changes []models.EntityChange) []models.EntityType {
	out := make([]models.EntityType, len(changes))
	for i, c := range changes {
		out[i] = c.EntityType
	}
	return out
}

func TestSortReversedInput(t *testing.T) {
	changes := changesOf(
		models.EntityAuditLog,
		models.EntityTallyLine,
		models.EntityVoter,
		models.EntityTallySession,
		models.EntityPen,
		models.EntityParty,
		models.EntityUser,
	)

	Default().Sort(changes)

	want := []models.EntityType{
		models.EntityUser,
		models.EntityParty,
		models.EntityPen,
		models.EntityTallySession,
		models.EntityVoter,
		models.EntityTallyLine,
		models.EntityAuditLog,
	}
	if diff := cmp.Diff(want, typesOf(changes)); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestSortParentsBeforeChildrenForShuffledInput(t *testing.T) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	o := Default()

	for round := 0; round < 50; round++ {
		var types []models.EntityType
		for _, typ := range models.EntityTypes {
			for n := rng.Intn(4) + 1; n > 0; n-- {
				types = append(types, typ)
			}
		}
		rng.Shuffle(len(types), func(i, j int) { types[i], types[j] = types[j], types[i] })
		changes := changesOf(types...)

		o.Sort(changes)

		lastIndex := map[models.EntityType]int{}
		firstIndex := map[models.EntityType]int{}
		for i, c := range changes {
			if _, ok := firstIndex[c.EntityType]; !ok {
				firstIndex[c.EntityType] = i
			}
			lastIndex[c.EntityType] = i
		}
		before := func(parent, child models.EntityType) {
			assert.Less(t, lastIndex[parent], firstIndex[child], "%s must precede %s", parent, child)
		}
		before(models.EntityUser, models.EntityTallySession)
		before(models.EntityUser, models.EntityVoter)
		before(models.EntityUser, models.EntityAuditLog)
		before(models.EntityParty, models.EntityTallyLine)
		before(models.EntityPen, models.EntityTallySession)
		before(models.EntityPen, models.EntityVoter)
		before(models.EntityTallySession, models.EntityTallyLine)
		assert.Equal(t, models.EntityAuditLog, changes[len(changes)-1].EntityType)
	}
}

func TestSortIsStableWithinType(t *testing.T) {
	changes := []models.EntityChange{
		{ID: "v1", EntityType: models.EntityVoter},
		{ID: "p1", EntityType: models.EntityPen},
		{ID: "v2", EntityType: models.EntityVoter},
		{ID: "p2", EntityType: models.EntityPen},
		{ID: "v3", EntityType: models.EntityVoter},
	}
	Default().Sort(changes)

	ids := make([]string, len(changes))
	for i, c := range changes {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"p1", "p2", "v1", "v2", "v3"}, ids)
}

func TestSortEntriesUsesSequenceAsTieBreak(t *testing.T) {
	entries := []models.QueueEntry{
		{EntityChange: models.EntityChange{ID: "l2", EntityType: models.EntityTallyLine}, Seq: 9},
		{EntityChange: models.EntityChange{ID: "s1", EntityType: models.EntityTallySession}, Seq: 5},
		{EntityChange: models.EntityChange{ID: "l1", EntityType: models.EntityTallyLine}, Seq: 2},
	}
	Default().SortEntries(entries)

	ids := []string{entries[0].ID, entries[1].ID, entries[2].ID}
	assert.Equal(t, []string{"s1", "l1", "l2"}, ids)
}

func TestPartialOrderPlacesUnlistedTypesLast(t *testing.T) {
	o, err := New([]string{"Pen", "Voter"})
	require.NoError(t, err)

	changes := changesOf(models.EntityUser, models.EntityVoter, models.EntityAuditLog, models.EntityPen, models.EntityParty)
	o.Sort(changes)

	want := []models.EntityType{models.EntityPen, models.EntityVoter, models.EntityUser, models.EntityParty, models.EntityAuditLog}
	if diff := cmp.Diff(want, typesOf(changes)); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	assert.Equal(t, models.EntityPen, o.Types()[0])
}

func TestNewRejectsInvalidLists(t *testing.T) {
	_, err := New([]string{"User", "Ballot"})
	require.Error(t, err)

	_, err = New([]string{"User", "Pen", "user"})
	require.Error(t, err)
}
