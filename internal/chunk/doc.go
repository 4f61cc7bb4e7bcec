// Package chunk holds the immutable value types that describe how a
// collection's key space is partitioned: shard keys and key patterns, chunk
// ranges, chunk versions and the chunk itself.
//
// # Key space
//
// A shard key is a tuple of values ordered element by element, with values of
// different types ordered MinKey < null < numbers < strings < booleans <
// MaxKey. Every key pattern has a global minimum (all MinKey) and a global
// maximum (all MaxKey); the chunks of a sharded collection partition
// [GlobalMin, GlobalMax) with no gaps and no overlaps.
//
// Key.Encode produces a byte string with the same order as Key.Compare, which
// lets the storage layer keep documents sorted by shard key and scan or delete
// a chunk range with plain byte bounds.
//
// # Versions
//
// A ChunkVersion is (epoch, timestamp, major, minor). Within one collection
// incarnation the (major, minor) pair strictly increases with every committed
// split, merge or move. Versions from different incarnations never compare;
// ChunkVersion.Compare reports them as incomparable so callers treat the
// collection as dropped and recreated rather than merely stale.
package chunk
