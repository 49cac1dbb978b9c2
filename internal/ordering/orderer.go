// Package ordering sorts pending changes parents-first.
package ordering

import (
	"fmt"
	"sort"

	"github.com/noah-isme/election-sync/internal/models"
)

// Orderer ranks entity types by a configured parent-first list. Types missing
// from the list rank after every listed type, in declaration order.
type Orderer struct {
	rank map[models.EntityType]int
}

// New validates names and builds an Orderer. Unknown or repeated names are errors.
func New(names []string) (*Orderer, error) {
	rank := make(map[models.EntityType]int, len(models.EntityTypes))
	for i, name := range names {
		t, err := models.ParseEntityType(name)
		if err != nil {
			return nil, fmt.Errorf("dependency order: %w", err)
		}
		if _, dup := rank[t]; dup {
			return nil, fmt.Errorf("dependency order: %s listed twice", t)
		}
		rank[t] = i
	}

	next := len(rank)
	for _, t := range models.EntityTypes {
		if _, ok := rank[t]; !ok {
			rank[t] = next
			next++
		}
	}
	return &Orderer{rank: rank}, nil
}

// Default returns the Orderer for the built-in parent-first order.
func Default() *Orderer {
	names := make([]string, len(models.EntityTypes))
	for i, t := range models.EntityTypes {
		names[i] = string(t)
	}
	o, _ := New(names)
	return o
}

// Rank returns the position of t. Types outside the enum rank last.
func (o *Orderer) Rank(t models.EntityType) int {
	if r, ok := o.rank[t]; ok {
		return r
	}
	return len(o.rank)
}

// Types returns every entity type in rank order.
func (o *Orderer) Types() []models.EntityType {
	out := append([]models.EntityType(nil), models.EntityTypes...)
	sort.SliceStable(out, func(i, j int) bool { return o.Rank(out[i]) < o.Rank(out[j]) })
	return out
}

// Sort orders changes in place by rank, keeping the input order within a type.
func (o *Orderer) Sort(changes []models.EntityChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		return o.Rank(changes[i].EntityType) < o.Rank(changes[j].EntityType)
	})
}

// SortEntries orders queue entries in place by rank, then by insertion sequence.
func (o *Orderer) SortEntries(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := o.Rank(entries[i].EntityType), o.Rank(entries[j].EntityType)
		if ri != rj {
			return ri < rj
		}
		return entries[i].Seq < entries[j].Seq
	})
}
