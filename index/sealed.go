package index

import (
	"github.com/coder/hnsw"
	"github.com/hupe1980/vecworker/distance"
	"github.com/hupe1980/vecworker/model"
)

// sealed is a decoded, immutable segment ready for search.
type sealed struct {
	*segmentData
	graph *hnsw.Graph[model.RowID] // nil for KindFlat
}

func newSealed(d *segmentData, opts Options, fn distance.Func) *sealed {
	s := &sealed{segmentData: d}
	if opts.Kind != KindHNSW || d.rows() == 0 {
		return s
	}

	g := hnsw.NewGraph[model.RowID]()
	g.Distance = hnsw.DistanceFunc(fn)
	g.M = opts.HNSW.M
	g.EfSearch = opts.HNSW.EfSearch
	for row := 0; row < d.rows(); row++ {
		g.Add(hnsw.MakeNode(model.RowID(row), d.vector(row)))
	}
	s.graph = g
	return s
}

// search offers every live row accepted by filter to top.
// live reports whether a row is not tombstoned.
func (s *sealed) search(q []float32, top *topK, fn distance.Func, live func(model.RowID) bool, filter model.Filter) {
	if s.graph == nil {
		s.scan(q, top, fn, live, filter)
		return
	}

	// The graph knows nothing about tombstones or filters, so ask for more
	// neighbors until k of them survive. Once the request would cover the
	// whole segment an exact scan is both cheaper and complete.
	want := top.k
	var hits []model.Candidate
	for want < s.rows() {
		nodes := s.graph.Search(q, want)
		hits = hits[:0]
		for _, n := range nodes {
			if !live(n.Key) || !filter(s.pointers[n.Key]) {
				continue
			}
			hits = append(hits, model.Candidate{
				Loc:     model.Location{SegmentID: s.id, RowID: n.Key},
				Pointer: s.pointers[n.Key],
				Score:   fn(q, n.Value),
			})
		}
		if len(hits) >= top.k {
			for _, h := range hits {
				top.offer(h)
			}
			return
		}
		want *= 4
	}
	s.scan(q, top, fn, live, filter)
}

func (s *sealed) scan(q []float32, top *topK, fn distance.Func, live func(model.RowID) bool, filter model.Filter) {
	for row := 0; row < s.rows(); row++ {
		r := model.RowID(row)
		if !live(r) || !filter(s.pointers[row]) {
			continue
		}
		d := fn(q, s.vector(row))
		if w, full := top.worst(); full && d >= w {
			continue
		}
		top.offer(model.Candidate{
			Loc:     model.Location{SegmentID: s.id, RowID: r},
			Pointer: s.pointers[row],
			Score:   d,
		})
	}
}
