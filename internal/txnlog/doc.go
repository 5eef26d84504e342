// Package txnlog holds transaction write sets.
//
// A Log records one (locator, old offset, new offset, op) entry per write. On commit
// the log is sealed: stably sorted by locator and frozen. Sealed logs are the unit
// of conflict detection (a merge intersection over locators), of application to the
// shared locator table, and of reclamation (Undo for committed transactions, Redo for
// aborted ones).
package txnlog
