// Package index implements a single rebuildable vector index.
//
// An index lives in its own directory:
//
//	<dir>/manifest          crash-safe record: options, sealed segments, tombstones
//	<dir>/wal-<n>.log       write-ahead log of growing segment n
//	<dir>/seg-<n>.bin       immutable sealed segment n
//
// Writes land in the growing segment and its WAL. Once the growing segment
// is full (Options.SegmentSize rows) it is frozen and a background
// optimizer seals it into a compressed segment file; sealed segments are
// merged once more than Options.MaxSealed exist.
//
// # Views
//
// [Index.View] returns a momentary capability bound to the current internal
// version. Searches through a view always work; an insert through a view
// whose growing segment was frozen in the meantime fails with
// [ErrOutdatedView]. The caller then calls [Index.Refresh] and retries with a
// new view:
//
//	for {
//	    err := idx.View().Insert(vec, ptr)
//	    if !errors.Is(err, index.ErrOutdatedView) {
//	        return err
//	    }
//	    idx.Refresh()
//	}
//
// # Kinds
//
//   - KindFlat: exact brute-force search, filter applied inline
//   - KindHNSW: one HNSW graph per sealed segment (github.com/coder/hnsw);
//     filtered searches oversample until k candidates survive
//
// Growing segments are always searched exactly.
package index
