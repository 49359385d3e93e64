package index

import (
	"cmp"
	"container/heap"
	"slices"

	"github.com/hupe1980/vecworker/model"
)

// topK keeps the k candidates with the lowest scores. The heap root is the
// worst candidate kept so far.
type topK struct {
	k     int
	items []model.Candidate
}

func newTopK(k int) *topK {
	return &topK{k: k, items: make([]model.Candidate, 0, k)}
}

func (t *topK) Len() int           { return len(t.items) }
func (t *topK) Less(i, j int) bool { return t.items[i].Score > t.items[j].Score }
func (t *topK) Swap(i, j int)      { t.items[i], t.items[j] = t.items[j], t.items[i] }
func (t *topK) Push(x any)         { t.items = append(t.items, x.(model.Candidate)) }
func (t *topK) Pop() any {
	n := len(t.items)
	c := t.items[n-1]
	t.items = t.items[:n-1]
	return c
}

// worst returns the score a new candidate has to beat, and false while the
// heap is not full yet.
func (t *topK) worst() (float32, bool) {
	if len(t.items) < t.k {
		return 0, false
	}
	return t.items[0].Score, true
}

func (t *topK) offer(c model.Candidate) {
	if len(t.items) < t.k {
		heap.Push(t, c)
		return
	}
	if c.Score < t.items[0].Score {
		t.items[0] = c
		heap.Fix(t, 0)
	}
}

// sorted returns the candidates best first. Ties are broken by location so
// results are deterministic.
func (t *topK) sorted() []model.Candidate {
	out := slices.Clone(t.items)
	slices.SortFunc(out, func(a, b model.Candidate) int {
		if c := cmp.Compare(a.Score, b.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Loc.Key(), b.Loc.Key())
	})
	return out
}
