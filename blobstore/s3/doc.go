// Package s3 provides an Amazon S3 implementation of blobstore.BlobStore.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("backups/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	err = w.Backup(ctx, store)
//
// # Features
//
//   - Multipart uploads for large segment files
//   - CRC32C integrity checks on every upload
//   - Range reads and automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
