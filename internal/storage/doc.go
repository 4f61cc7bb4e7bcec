// Package storage provides the ordered key-value stores that hold collection
// documents on a shard.
//
// # Overview
//
// Every collection owned by a shard keeps its documents in a Store keyed by
// the order-preserving encoding of the document's shard key. Because keys sort
// the same way shard key values do, a chunk range maps onto one contiguous key
// span, so cloning, range deletion and ownership checks all become Scan and
// DeleteRange calls.
//
//	┌──────────────────────────────────────┐
//	│   shard.Collection / migration       │
//	└──────────────────────────────────────┘
//	                  │
//	                  ▼
//	┌──────────────────────────────────────┐
//	│             Store                    │
//	└──────────────────────────────────────┘
//	          │                  │
//	          ▼                  ▼
//	   ┌────────────┐    ┌──────────────────┐
//	   │ MemoryStore│    │ PebbleStore       │
//	   │ (tests)    │    │ (prefix of one    │
//	   └────────────┘    │  shared PebbleDB) │
//	                     └──────────────────┘
//
// # Implementations
//
// MemoryStore keeps a map guarded by an RWMutex and sorts on every Scan. It is
// meant for tests and for shards started without a data directory.
//
// PebbleStore stores each collection under its own key prefix inside a single
// PebbleDB. Writes are not synced individually; callers invoke Sync where the
// data must be durable, for example at the end of migration catch-up.
//
// # Usage
//
//	db, err := storage.OpenPebble("/var/lib/shard", nil)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	docs := db.Store("test.foo/")
//	_ = docs.Put(key.Encode(), body)
//	_ = docs.Scan(r.Min.Encode(), r.Max.Encode(), func(k, v []byte) bool {
//	    return true
//	})
//
// # Thread Safety
//
// All implementations are safe for concurrent use. Scan callbacks run without
// any store lock held.
package storage
