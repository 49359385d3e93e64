// Package vecworker hosts many independently rebuildable vector indexes in
// one directory and keeps them durable across crashes.
//
// A Worker owns a root directory. Each index lives under its own
// subdirectory and is addressed by a model.ID. A small startup record lists
// the indexes and the configuration each was created with; it is rewritten
// atomically on every create and destroy, so after a crash the worker opens
// exactly the indexes the last completed call left behind. Directories the
// record does not claim are removed on Open.
//
// # Quick Start
//
//	w, _ := vecworker.Create("./data")
//	defer w.Close()
//
//	id := model.NewID()
//	_ = w.CreateIndex(ctx, id, index.Options{Dim: 128, Metric: distance.MetricCosine})
//	_ = w.Insert(ctx, id, vector, model.Pointer(42))
//	ptrs, _ := w.Search(ctx, id, query, 10, nil)
//
// Reopen an existing worker with Open, or use OpenOrCreate.
//
// # Concurrency
//
// Search, Insert, Delete, Flush, Stat and Config never wait for CreateIndex
// or DestroyIndex. They observe the set of indexes as of one published
// snapshot. A call that found its index keeps using it even if the index is
// destroyed meanwhile; the index is closed and removed after the last such
// call returns.
//
// Inserts never fail because an index is rebuilding in the background. The
// worker refreshes the index and retries transparently.
//
// # Errors
//
// Callers see ErrIndexNotFound, *InvalidVectorError, ErrInvalidOptions,
// ErrClosed and ErrStorage. ErrStorage means durable storage failed; the
// worker records it and reports it from Err.
//
// # Backup
//
// Backup copies a consistent image of every index into a blob store (local
// directory, memory, S3 or MinIO); Restore turns such an image back into a
// worker directory.
package vecworker
