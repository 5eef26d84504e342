// Package fs abstracts the filesystem used by the write-ahead log and the local
// checkpoint store so tests can inject faults.
//
// Production code uses [Default] ([LocalFS]). Tests wrap it in a [FaultyFS] to fail
// writes, syncs, or closes on files whose name contains a pattern:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("wal-", fs.Fault{FailOnSync: true})
//
// Filesystem calls take no context. Slow remote storage goes through the blobstore
// package, which does.
package fs
