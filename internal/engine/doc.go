// Package engine implements the transaction coordinator of the object store.
//
// An Engine owns the shared state: the transaction metadata table, the watermarks,
// the safe-timestamp registry, the locator table, the id index and the type index.
// Sessions run transactions against private snapshots of the locator table and
// publish their write sets as sorted logs. Commit validates a log against every
// log committed inside its conflict window without taking a lock, and every
// decision is followed by the maintenance pipeline:
//
//	apply     committed logs are merged into the shared locator table in commit order
//	gc        versions made unreachable by applied logs are freed
//	truncate  metadata entries no session can reach are released
//
// Each phase gives up on contention instead of retrying: another thread made the
// progress this one would have made.
package engine
