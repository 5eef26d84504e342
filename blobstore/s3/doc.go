// Package s3 stores checkpoints in Amazon S3.
//
// [Store] writes blobs through the multipart upload manager, so large checkpoint
// images are uploaded in parallel parts. S3 alone cannot compare-and-swap, so
// [PointerStore] keeps the CURRENT checkpoint pointer in DynamoDB behind a
// conditional write and forwards everything else to an underlying store.
package s3
