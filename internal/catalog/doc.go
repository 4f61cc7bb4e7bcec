// Package catalog implements the routing table cache: the router-side view of
// which shard owns which range of every sharded collection.
//
// # Overview
//
// The cache answers GetRoutingInfo from memory whenever it can. Entries are
// immutable RoutingInfo snapshots published through an atomic pointer, so a
// lookup of a fresh entry takes no lock and performs no I/O. An entry goes
// stale when an operation reports a stale version (OnStaleShardVersion,
// OnStaleDatabaseVersion), when it is invalidated, or when the caller forces
// a refresh.
//
//	GetRoutingInfo(nss)
//	      │
//	      ├── fresh? ──────────────► cached *RoutingInfo
//	      │
//	      ▼
//	singleflight (one refresh per namespace)
//	      │
//	      ▼
//	┌────────────────────────────── attempt 1..3 ─────────────┐
//	│ database entry   (cached unless stale; 2 empty reads    │
//	│                   mean NamespaceNotFound)               │
//	│ collection entry (absent: unsharded, on the db primary) │
//	│ chunks           full, or incremental since the cached  │
//	│                  collection version                     │
//	│ epoch race?      retry as a full load                   │
//	│ partition ok?    no: retry                              │
//	└─────────────────────────────────────────────────────────┘
//	      │
//	      ▼
//	atomic swap of the entry
//
// # Incremental loads
//
// An incremental load asks the catalog for chunks of the cached epoch whose
// version is at least the cached collection version, unioned with every chunk
// of any other epoch. The fetched chunks are spliced over the cached set and
// the partition invariant is checked on the result. Because the chunk
// carrying the cached version is always selected, an empty answer means the
// collection changed underneath the refresh.
//
// A chunk whose epoch differs from the collection entry's epoch means the
// collection was dropped and recreated while it was being read. The partial
// result is discarded and the refresh restarts as a full load.
//
// # Errors
//
//	NamespaceNotFound               the database does not exist
//	NoSuchKey, FailedToParse        a catalog document is malformed; never retried
//	ConflictingOperationInProgress  topology kept changing for every attempt
//
// Refreshing with a context marked by WithLockHeld panics with an assertion
// failure.
//
// # Catalog client
//
// CatalogClient is the read interface of the config server. HTTPClient
// implements it over the JSON endpoints served by cmd/configsvr and retries
// unreachable or non-primary hosts against the next configured address.
package catalog
