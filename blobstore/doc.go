// Package blobstore defines where checkpoint images and their CURRENT pointer live.
//
// A [Store] holds small-to-large immutable blobs addressed by name. Backends:
//
//   - [MemoryStore]: in-process, for tests and ephemeral databases
//   - [LocalStore]: a directory on the local filesystem
//   - s3.Store: Amazon S3, with s3.PointerStore adding a DynamoDB-backed CURRENT pointer
//   - minio.Store: MinIO and other S3-compatible servers
//
// Every Put replaces the blob atomically: readers see the old or the new content,
// never a mix.
package blobstore
