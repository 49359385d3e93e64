// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: an open file with read/write/sync capabilities
//   - [FileSystem]: filesystem operations (open, remove, rename, mkdir, ...)
//
// # Implementations
//
//   - [LocalFS]: production implementation on top of the os package
//   - [FaultyFS]: test wrapper that injects I/O errors
//
// Workers and indexes take a FileSystem through their options; tests inject a
// [FaultyFS] to fail a write, sync or rename at a chosen file:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("startup.tmp", fs.Fault{FailOnSync: true})
//
// [DirLock] guards a worker directory against a second process.
//
// The package intentionally does NOT take context.Context parameters: local
// filesystem calls are short and not interruptible at the syscall level.
package fs
