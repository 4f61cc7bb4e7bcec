package catalog

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/errcode"
)

// RoutingInfo is an immutable snapshot of how one collection is placed.
//
// A sharded RoutingInfo holds the chunks of exactly one collection
// incarnation. They are sorted by Min and partition the key space from the
// pattern's global minimum to its global maximum. An unsharded RoutingInfo
// only names the database primary, which owns all of the data.
//
// Values are never mutated after construction; a refresh builds a new one
// and swaps it into the cache.
type RoutingInfo struct {
	nss     chunk.Namespace
	sharded bool

	dbPrimary chunk.ShardID
	dbVersion DatabaseVersion

	uuid          uuid.UUID
	epoch         uuid.UUID
	timestamp     chunk.Timestamp
	keyPattern    chunk.KeyPattern
	unique        bool
	resharding    *ReshardingFields
	chunks        []chunk.Chunk
	version       chunk.ChunkVersion
	shardVersions map[chunk.ShardID]chunk.ChunkVersion
}

func newUnshardedRoutingInfo(nss chunk.Namespace, db DatabaseEntry) *RoutingInfo {
	return &RoutingInfo{
		nss:       nss,
		dbPrimary: db.Primary,
		dbVersion: db.Version,
	}
}

// newShardedRoutingInfo builds routing info from a complete chunk set.
func newShardedRoutingInfo(nss chunk.Namespace, db DatabaseEntry, coll CollectionEntry, chunks []chunk.Chunk) (*RoutingInfo, error) {
	sorted := append([]chunk.Chunk(nil), chunks...)
	sortChunks(sorted)
	ri := &RoutingInfo{
		nss:        nss,
		sharded:    true,
		dbPrimary:  db.Primary,
		dbVersion:  db.Version,
		uuid:       coll.UUID,
		epoch:      coll.Epoch,
		timestamp:  coll.Timestamp,
		keyPattern: coll.KeyPattern,
		unique:     coll.Unique,
		resharding: coll.ReshardingFields,
		chunks:     sorted,
	}
	if err := ri.validate(); err != nil {
		return nil, err
	}
	ri.computeVersions()
	return ri, nil
}

// makeUpdated splices chunks fetched by an incremental load over the cached
// set. Cached chunks overlapped by a fetched chunk are superseded; the rest
// are kept. The result must again partition the key space.
func (ri *RoutingInfo) makeUpdated(db DatabaseEntry, coll CollectionEntry, fetched []chunk.Chunk) (*RoutingInfo, error) {
	if len(fetched) == 0 {
		// The chunk carrying the cached collection version is always
		// selected, so an empty answer means it vanished under us.
		return nil, errcode.New(errcode.ConflictingOperationInProgress,
			"incremental refresh of %s at %s found no chunks", ri.nss, ri.version)
	}
	incoming := append([]chunk.Chunk(nil), fetched...)
	sortChunks(incoming)

	merged := make([]chunk.Chunk, 0, len(ri.chunks)+len(incoming))
	for _, old := range ri.chunks {
		if !overlapsAny(old.Range, incoming) {
			merged = append(merged, old)
		}
	}
	merged = append(merged, incoming...)

	updated := &RoutingInfo{
		nss:        ri.nss,
		sharded:    true,
		dbPrimary:  db.Primary,
		dbVersion:  db.Version,
		uuid:       coll.UUID,
		epoch:      coll.Epoch,
		timestamp:  coll.Timestamp,
		keyPattern: coll.KeyPattern,
		unique:     coll.Unique,
		resharding: coll.ReshardingFields,
		chunks:     merged,
	}
	sortChunks(updated.chunks)
	if err := updated.validate(); err != nil {
		return nil, err
	}
	updated.computeVersions()
	if updated.version.IsOlderThan(ri.version) {
		return nil, errcode.New(errcode.ConflictingOperationInProgress,
			"refresh of %s went backwards from %s to %s", ri.nss, ri.version, updated.version)
	}
	return updated, nil
}

func overlapsAny(r chunk.ChunkRange, chunks []chunk.Chunk) bool {
	// chunks is sorted by Min; find the first chunk ending after r.Min.
	i := sort.Search(len(chunks), func(i int) bool { return chunks[i].Range.Max.Compare(r.Min) > 0 })
	return i < len(chunks) && chunks[i].Range.Overlaps(r)
}

func sortChunks(chunks []chunk.Chunk) {
	slices.SortFunc(chunks, func(a, b chunk.Chunk) int { return a.Range.Min.Compare(b.Range.Min) })
}

// validate checks the partition and single-incarnation invariants. A
// violation means the catalog changed while it was being read.
func (ri *RoutingInfo) validate() error {
	conflict := func(format string, args ...interface{}) error {
		return errcode.New(errcode.ConflictingOperationInProgress, "routing info for %s: "+format,
			append([]interface{}{ri.nss}, args...)...)
	}
	if len(ri.chunks) == 0 {
		return conflict("no chunks found")
	}
	incarnation := chunk.NewChunkVersion(0, 0, ri.epoch, ri.timestamp)
	for i, c := range ri.chunks {
		if !ri.keyPattern.IsValidKey(c.Range.Min) || !ri.keyPattern.IsValidKey(c.Range.Max) {
			return conflict("chunk %s does not match shard key %s", c.Range, ri.keyPattern)
		}
		if !c.Version.IsSameCollection(incarnation) {
			return conflict("chunk %s has version %s from another incarnation", c.Range, c.Version)
		}
		if c.CollectionUUID != ri.uuid {
			return conflict("chunk %s belongs to collection %s, expected %s", c.Range, c.CollectionUUID, ri.uuid)
		}
		if i > 0 && !ri.chunks[i-1].Range.Max.Equal(c.Range.Min) {
			return conflict("gap or overlap between %s and %s", ri.chunks[i-1].Range, c.Range)
		}
	}
	if first := ri.chunks[0].Range.Min; !first.Equal(ri.keyPattern.GlobalMin()) {
		return conflict("first chunk starts at %s", first)
	}
	if last := ri.chunks[len(ri.chunks)-1].Range.Max; !last.Equal(ri.keyPattern.GlobalMax()) {
		return conflict("last chunk ends at %s", last)
	}
	return nil
}

func (ri *RoutingInfo) computeVersions() {
	ri.shardVersions = make(map[chunk.ShardID]chunk.ChunkVersion)
	ri.version = chunk.NewChunkVersion(0, 0, ri.epoch, ri.timestamp)
	for _, c := range ri.chunks {
		if ri.version.IsOlderThan(c.Version) {
			ri.version = c.Version
		}
		if cur, ok := ri.shardVersions[c.Shard]; !ok || cur.IsOlderThan(c.Version) {
			ri.shardVersions[c.Shard] = c.Version
		}
	}
}

// Namespace is the collection this snapshot routes.
func (ri *RoutingInfo) Namespace() chunk.Namespace { return ri.nss }

// IsSharded reports whether the collection is split into chunks.
func (ri *RoutingInfo) IsSharded() bool { return ri.sharded }

// NumChunks is the number of chunks; zero when unsharded.
func (ri *RoutingInfo) NumChunks() int { return len(ri.chunks) }

// Chunks returns a copy of the chunks in key order.
func (ri *RoutingInfo) Chunks() []chunk.Chunk { return append([]chunk.Chunk(nil), ri.chunks...) }

// Version is the collection version: the highest chunk version.
func (ri *RoutingInfo) Version() chunk.ChunkVersion { return ri.version }

// ShardVersion is the highest version among the chunks owned by shard, or
// (0,0) in the collection's epoch if it owns none.
func (ri *RoutingInfo) ShardVersion(shard chunk.ShardID) chunk.ChunkVersion {
	if v, ok := ri.shardVersions[shard]; ok {
		return v
	}
	return chunk.NewChunkVersion(0, 0, ri.epoch, ri.timestamp)
}

// ShardIDs lists the shards owning at least one chunk, sorted.
func (ri *RoutingInfo) ShardIDs() []chunk.ShardID {
	if !ri.sharded {
		return []chunk.ShardID{ri.dbPrimary}
	}
	ids := make([]chunk.ShardID, 0, len(ri.shardVersions))
	for id := range ri.shardVersions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// FindChunkForKey returns the chunk whose range contains key.
func (ri *RoutingInfo) FindChunkForKey(key chunk.Key) (chunk.Chunk, error) {
	if !ri.sharded {
		return chunk.Chunk{}, errcode.New(errcode.IllegalOperation, "%s is not sharded", ri.nss)
	}
	if !ri.keyPattern.IsValidKey(key) {
		return chunk.Chunk{}, errcode.New(errcode.BadValue, "key %s does not match shard key %s", key, ri.keyPattern)
	}
	i := sort.Search(len(ri.chunks), func(i int) bool { return ri.chunks[i].Range.Max.Compare(key) > 0 })
	if i == len(ri.chunks) || !ri.chunks[i].Range.Contains(key) {
		return chunk.Chunk{}, errcode.New(errcode.BadValue, "no chunk of %s contains %s", ri.nss, key)
	}
	return ri.chunks[i], nil
}

// ShardForKey returns the shard that owns key. Unsharded collections live
// on the database primary.
func (ri *RoutingInfo) ShardForKey(key chunk.Key) (chunk.ShardID, error) {
	if !ri.sharded {
		return ri.dbPrimary, nil
	}
	c, err := ri.FindChunkForKey(key)
	if err != nil {
		return "", err
	}
	return c.Shard, nil
}

// ChunksForRange returns the chunks overlapping r in key order.
func (ri *RoutingInfo) ChunksForRange(r chunk.ChunkRange) []chunk.Chunk {
	var out []chunk.Chunk
	i := sort.Search(len(ri.chunks), func(i int) bool { return ri.chunks[i].Range.Max.Compare(r.Min) > 0 })
	for ; i < len(ri.chunks) && ri.chunks[i].Range.Min.Compare(r.Max) < 0; i++ {
		out = append(out, ri.chunks[i])
	}
	return out
}

// DBPrimary is the primary shard of the collection's database.
func (ri *RoutingInfo) DBPrimary() chunk.ShardID { return ri.dbPrimary }

// DBVersion is the database version the snapshot was built against.
func (ri *RoutingInfo) DBVersion() DatabaseVersion { return ri.dbVersion }

// UUID identifies the sharded collection.
func (ri *RoutingInfo) UUID() uuid.UUID { return ri.uuid }

// Epoch is the epoch shared by all chunk versions.
func (ri *RoutingInfo) Epoch() uuid.UUID { return ri.epoch }

// Timestamp is the collection timestamp paired with Epoch.
func (ri *RoutingInfo) Timestamp() chunk.Timestamp { return ri.timestamp }

// KeyPattern is the shard key.
func (ri *RoutingInfo) KeyPattern() chunk.KeyPattern { return ri.keyPattern }

// Unique reports whether the shard key is declared unique.
func (ri *RoutingInfo) Unique() bool { return ri.unique }

// ReshardingFields is nil unless a resharding operation is in progress.
func (ri *RoutingInfo) ReshardingFields() *ReshardingFields { return ri.resharding }

type chunkView struct {
	Min     chunk.Key          `json:"min"`
	Max     chunk.Key          `json:"max"`
	Shard   chunk.ShardID      `json:"shard"`
	Version chunk.ChunkVersion `json:"version"`
}

type routingInfoView struct {
	NS               chunk.Namespace                      `json:"ns"`
	Sharded          bool                                 `json:"sharded"`
	DBPrimary        chunk.ShardID                        `json:"dbPrimary"`
	UUID             *uuid.UUID                           `json:"uuid,omitempty"`
	KeyPattern       chunk.KeyPattern                     `json:"key,omitempty"`
	Version          *chunk.ChunkVersion                  `json:"version,omitempty"`
	ShardVersions    map[chunk.ShardID]chunk.ChunkVersion `json:"shardVersions,omitempty"`
	ReshardingFields *ReshardingFields                    `json:"reshardingFields,omitempty"`
	Chunks           []chunkView                          `json:"chunks,omitempty"`
}

// MarshalJSON renders the snapshot for diagnostics.
func (ri *RoutingInfo) MarshalJSON() ([]byte, error) {
	v := routingInfoView{NS: ri.nss, Sharded: ri.sharded, DBPrimary: ri.dbPrimary}
	if ri.sharded {
		id, version := ri.uuid, ri.version
		v.UUID, v.Version = &id, &version
		v.KeyPattern = ri.keyPattern
		v.ShardVersions = ri.shardVersions
		v.ReshardingFields = ri.resharding
		for _, c := range ri.chunks {
			v.Chunks = append(v.Chunks, chunkView{Min: c.Range.Min, Max: c.Range.Max, Shard: c.Shard, Version: c.Version})
		}
	}
	return json.Marshal(v)
}
