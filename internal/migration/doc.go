// Package migration implements the receiving side of a chunk migration.
//
// A Manager accepts at most one migration at a time. Start admits it through
// the ActiveMigrationsRegistry, prepares the local collection and marks the
// range pending; a background goroutine then walks the state machine:
//
//	READY ─► CLONE ─► CATCHUP ─► STEADY ─► COMMIT_START ─► DONE
//	  │        │         │          │            │
//	  └────────┴─────────┴──────────┴────────────┴──► FAIL | ABORT
//
// CLONE copies batches from the donor until it returns an empty batch.
// CATCHUP replays donor modifications until the backlog is empty or a pass
// limit is reached. STEADY keeps replaying until StartCommit moves the
// session to COMMIT_START, after which the final modifications are applied,
// the range becomes owned and the session is DONE.
//
// Any error in the background goroutine ends the session in FAIL. Abort ends
// it in ABORT. Either way the pending range is forgotten, which schedules
// deletion of the documents copied so far, and the admission is released.
package migration
