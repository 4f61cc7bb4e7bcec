// Package coordinator holds the authoritative sharding metadata of the
// cluster: the shard processes, the databases with their primaries, and the
// chunk tables of every sharded collection.
//
// # Overview
//
// The config server process wraps a ConfigCatalog and serves it over HTTP.
// Routers and shards never read this state directly; they go through a
// catalog.Cache whose CatalogClient is either the ConfigCatalog itself (in
// process) or a catalog.HTTPClient pointed at the config server.
//
//	┌──────────────────────────────────┐
//	│          CONFIG SERVER           │
//	├──────────────────────────────────┤
//	│  ShardRegistry                   │
//	│    shard id → address, state     │
//	│    round-robin placement         │
//	│                                  │
//	│  ConfigCatalog                   │
//	│    databases, collections        │
//	│    chunk tables, logical clock   │
//	│                                  │
//	│  HealthMonitor                   │
//	│    polls /health, drains shards  │
//	└──────────────────────────────────┘
//
// # Versioning
//
// Every metadata change bumps a ChunkVersion so that caches can refresh
// incrementally:
//
//   - ShardCollection: chunks get (1, 0), (1, 1), ... under a new epoch
//   - SplitChunk: both halves get the next minor versions
//   - MergeChunks: the merged chunk gets the next minor version
//   - CommitChunkMigration: the moved chunk gets the next major version and
//     one remaining donor chunk the minor after it
//   - RefineShardKey: same UUID, new epoch and timestamp
//
// The collection version is the highest chunk version, so a cache holding
// version v only needs the chunks whose version is at least v.
//
// # Placement
//
// New chunks and database primaries are placed round-robin over the active
// shards. Draining shards keep what they own but receive nothing new; the
// HealthMonitor marks a shard draining after repeated failed checks and
// active again once it recovers.
//
// # Concurrency
//
// ShardRegistry and ConfigCatalog are safe for concurrent use. The catalog
// serializes all writes behind one mutex and ticks its logical clock on every
// read and write, which gives each reply a strictly increasing operation time.
package coordinator
