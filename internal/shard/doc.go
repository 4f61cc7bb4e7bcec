// Package shard hosts the collections that live on one shard process and the
// range ownership metadata that migrations rely on.
//
// # Overview
//
// A shard process keeps a Catalog of collections. Each Collection stores its
// documents in a storage.Store keyed by the order-preserving encoding of the
// shard key, so every chunk range is a contiguous span of keys.
//
//	┌───────────────────────────────────────────┐
//	│                Catalog                    │
//	│   test.foo ──► Collection                 │
//	│                 ├─ owned   [ranges]       │
//	│                 ├─ pending [range, future]│
//	│                 └─ storage.Store          │
//	│   TransactionTable                        │
//	└───────────────────────────────────────────┘
//	                    │ Submit
//	                    ▼
//	            ┌───────────────┐
//	            │ RangeDeleter  │ background goroutine
//	            └───────────────┘
//
// # Ownership
//
// Ranges move through two sets. A range being received is pending:
//
//	NotePending(r)    schedule deletion of orphans in r, remember the future
//	ForgetPending(r)  migration failed; schedule deletion of what was copied
//	CommitPending(r)  migration finished; r becomes owned
//
// Writes into a pending range call WaitForClean first, so a cloned document
// can never be deleted by the orphan cleanup that preceded it.
//
// # Thread Safety
//
// Catalog, Collection, RangeDeleter and TransactionTable are safe for
// concurrent use. Operation counters are updated atomically.
package shard
