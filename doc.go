// Package mvccdb provides an embedded, in-process transactional object store for Go.
//
// Objects are opaque payloads addressed by a stable 64-bit id and tagged with a
// type. Every object version lives in an off-heap arena and is reached through a
// locator, an indirection slot the commit pipeline repoints. Transactions run
// under snapshot isolation with optimistic, lock-free validation:
//
//   - Begin copies the shared locator table into a private snapshot
//   - reads resolve through the snapshot, writes go to new versions and a private log
//   - Commit validates the log against every log committed since Begin; on a
//     write-write conflict the later transaction aborts with ErrConflict
//   - committed logs are merged into the shared table in commit order, and the
//     versions nobody can read anymore are freed
//
// # Quick Start
//
// In-memory:
//
//	ctx := context.Background()
//	db, _ := mvccdb.Open(ctx)
//	defer db.Close()
//
//	s, _ := db.Connect()
//	defer s.Close()
//
//	s.Begin(ctx)
//	s.Create(42, 1, []byte("hello"))
//	if err := s.Commit(ctx); err != nil {
//	    // errors.Is(err, mvccdb.ErrConflict): retry in a new transaction
//	}
//
// Durable, with checkpoints in S3:
//
//	store, _ := s3.New(ctx, "my-bucket", "db1/")
//	db, _ := mvccdb.Open(ctx,
//	    mvccdb.WithPersistence("./data"),
//	    mvccdb.WithCheckpointStore(store),
//	)
//	db.Checkpoint(ctx)
//
// # Durability
//
// With WithPersistence every commit logs its net writes to a segmented
// write-ahead log before it is decided, and a commit or rollback marker after.
// DurabilitySync acknowledges a commit once its marker is fsynced; concurrent
// commits share one fsync. Open replays the newest checkpoint and every commit
// logged after it.
//
// # Sessions
//
// A Session runs one transaction at a time and must not be shared between
// goroutines. Closing a session rolls back its open transaction. The number of
// sessions is bounded by WithMaxSessions.
package mvccdb
