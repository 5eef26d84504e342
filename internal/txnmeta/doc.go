// Package txnmeta implements the transaction metadata table.
//
// Begin and commit timestamps are drawn from one monotonic counter. Each timestamp
// owns one packed 64-bit Entry that moves through a small state machine using
// compare-and-swap only:
//
//	uninitialized -> sealed
//	uninitialized -> active -> submitted | terminated          (begin-ts)
//	uninitialized -> validating -> committed | aborted          (commit-ts)
//	                 decided -> durable, log invalidated -> gc-complete
//
// Sealing lets a scanner close a timestamp window: once a slot is sealed no late
// transaction can claim it, so a scan that saw every slot in a range as initialized
// has seen the range completely.
package txnmeta
