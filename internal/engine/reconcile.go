package engine

import (
	"cmp"
	"slices"
)

// Completion is a successful transfer awaiting confirmation. Index is the
// file's position in its batch as submitted.
type Completion struct {
	Index   int
	LocalID string
}

// Reconcile puts completions back into submission order and drops ids
// that were already confirmed. The result does not depend on the order
// in which transfers finished.
func Reconcile(done []Completion, confirmed func(id string) bool) []Completion {
	out := make([]Completion, 0, len(done))
	for _, c := range done {
		if confirmed != nil && confirmed(c.LocalID) {
			continue
		}
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b Completion) int {
		return cmp.Compare(a.Index, b.Index)
	})
	return out
}
