package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardmeta/internal/catalog"
	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/errcode"
)

// ShardCollectionRequest describes a collection to shard.
type ShardCollectionRequest struct {
	NS          chunk.Namespace  `json:"ns"`
	Key         chunk.KeyPattern `json:"key"`
	Unique      bool             `json:"unique,omitempty"`
	SplitPoints []chunk.Key      `json:"splitPoints,omitempty"`
}

// ConfigCatalog is the authoritative sharding metadata: databases, sharded
// collections and their chunks. Every mutation bumps chunk versions the way
// routers expect and every read is stamped with a logical time, so the
// catalog can back a routing cache directly.
//
// Architecture:
//
//	┌─────────────────────────────────────────────┐
//	│                ConfigCatalog                │
//	├─────────────────────────────────────────────┤
//	│  dbs:    name → DatabaseEntry               │
//	│  colls:  namespace → CollectionEntry        │
//	│  chunks: collection uuid → []Chunk (by min) │
//	│  clock:  logical Timestamp                  │
//	├─────────────────────────────────────────────┤
//	│  shards: *ShardRegistry (placement)         │
//	└─────────────────────────────────────────────┘
//
// All methods are safe for concurrent use.
type ConfigCatalog struct {
	shards *ShardRegistry
	logger *zap.Logger

	mu     sync.Mutex // Protects everything below
	clock  chunk.Timestamp
	dbs    map[string]catalog.DatabaseEntry
	colls  map[chunk.Namespace]catalog.CollectionEntry
	chunks map[uuid.UUID][]chunk.Chunk
}

// NewConfigCatalog creates an empty catalog placing data on shards.
func NewConfigCatalog(shards *ShardRegistry, logger *zap.Logger) *ConfigCatalog {
	if shards == nil {
		shards = NewShardRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigCatalog{
		shards: shards,
		logger: logger.Named("config-catalog"),
		clock:  chunk.Timestamp{Secs: uint32(time.Now().Unix())},
		dbs:    make(map[string]catalog.DatabaseEntry),
		colls:  make(map[chunk.Namespace]catalog.CollectionEntry),
		chunks: make(map[uuid.UUID][]chunk.Chunk),
	}
}

// Shards returns the shard registry used for placement.
func (c *ConfigCatalog) Shards() *ShardRegistry { return c.shards }

func (c *ConfigCatalog) tickLocked() chunk.Timestamp {
	c.clock = c.clock.Next()
	return c.clock
}

// OperationTime returns the current logical time without advancing it.
func (c *ConfigCatalog) OperationTime() chunk.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock
}

// CreateDatabase creates name with the given primary shard. An empty primary
// picks one of the active shards. Creating an existing database returns it
// unchanged.
func (c *ConfigCatalog) CreateDatabase(name string, primary chunk.ShardID) (catalog.DatabaseEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createDatabaseLocked(name, primary)
}

func (c *ConfigCatalog) createDatabaseLocked(name string, primary chunk.ShardID) (catalog.DatabaseEntry, error) {
	if name == "" {
		return catalog.DatabaseEntry{}, errcode.New(errcode.BadValue, "database name cannot be empty")
	}
	if db, ok := c.dbs[name]; ok {
		return db, nil
	}
	if primary == "" {
		ids, err := c.shards.Assign(1, len(c.dbs))
		if err != nil {
			return catalog.DatabaseEntry{}, err
		}
		primary = ids[0]
	} else if _, ok := c.shards.GetShard(primary); !ok {
		return catalog.DatabaseEntry{}, errcode.New(errcode.BadValue, "unknown shard %s", primary)
	}
	db := catalog.DatabaseEntry{
		Name:    name,
		Primary: primary,
		Version: catalog.DatabaseVersion{UUID: uuid.New(), LastMod: 1},
	}
	c.dbs[name] = db
	c.tickLocked()
	c.logger.Info("created database", zap.String("db", name), zap.String("primary", string(primary)))
	return db, nil
}

// MovePrimary changes the primary shard of a database and bumps its version.
func (c *ConfigCatalog) MovePrimary(name string, to chunk.ShardID) (catalog.DatabaseEntry, error) {
	if _, ok := c.shards.GetShard(to); !ok {
		return catalog.DatabaseEntry{}, errcode.New(errcode.BadValue, "unknown shard %s", to)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	db, ok := c.dbs[name]
	if !ok {
		return catalog.DatabaseEntry{}, errcode.New(errcode.NamespaceNotFound, "database %s not found", name)
	}
	if db.Primary == to {
		return db, nil
	}
	db.Primary = to
	db.Version.LastMod++
	c.dbs[name] = db
	c.tickLocked()
	return db, nil
}

// Database returns the entry for name.
func (c *ConfigCatalog) Database(name string) (catalog.DatabaseEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	db, ok := c.dbs[name]
	return db, ok
}

// ShardCollection shards req.NS on req.Key. The key space is cut at the
// split points and the resulting chunks are placed round-robin on the
// active shards. The database is created if needed.
func (c *ConfigCatalog) ShardCollection(req ShardCollectionRequest) (catalog.CollectionEntry, []chunk.Chunk, error) {
	if req.NS.DB == "" || req.NS.Coll == "" {
		return catalog.CollectionEntry{}, nil, errcode.New(errcode.BadValue, "invalid namespace %q", req.NS)
	}
	if len(req.Key) == 0 {
		return catalog.CollectionEntry{}, nil, errcode.New(errcode.BadValue, "shard key cannot be empty")
	}
	bounds, err := splitBounds(req.Key, req.SplitPoints)
	if err != nil {
		return catalog.CollectionEntry{}, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.colls[req.NS]; ok {
		if existing.KeyPattern.Equal(req.Key) {
			return existing, c.copyChunksLocked(existing.UUID), nil
		}
		return catalog.CollectionEntry{}, nil, errcode.New(errcode.IllegalOperation,
			"%s is already sharded on %s", req.NS, existing.KeyPattern)
	}
	if _, err := c.createDatabaseLocked(req.NS.DB, ""); err != nil {
		return catalog.CollectionEntry{}, nil, err
	}
	owners, err := c.shards.Assign(len(bounds)-1, 0)
	if err != nil {
		return catalog.CollectionEntry{}, nil, err
	}

	coll := catalog.CollectionEntry{
		Namespace:  req.NS,
		UUID:       uuid.New(),
		Epoch:      uuid.New(),
		Timestamp:  c.tickLocked(),
		KeyPattern: req.Key,
		Unique:     req.Unique,
	}
	chunks := make([]chunk.Chunk, len(owners))
	for i, shard := range owners {
		chunks[i] = chunk.Chunk{
			Range:          chunk.NewChunkRange(bounds[i], bounds[i+1]),
			Version:        chunk.NewChunkVersion(1, uint32(i), coll.Epoch, coll.Timestamp),
			Shard:          shard,
			CollectionUUID: coll.UUID,
		}
	}
	c.colls[req.NS] = coll
	c.chunks[coll.UUID] = chunks
	c.logger.Info("sharded collection",
		zap.Stringer("ns", req.NS),
		zap.Stringer("key", req.Key),
		zap.Stringer("uuid", coll.UUID),
		zap.Int("chunks", len(chunks)))
	return coll, c.copyChunksLocked(coll.UUID), nil
}

// splitBounds returns GlobalMin, the split points and GlobalMax, checking
// that the points are valid keys in strictly increasing order.
func splitBounds(key chunk.KeyPattern, points []chunk.Key) ([]chunk.Key, error) {
	bounds := make([]chunk.Key, 0, len(points)+2)
	bounds = append(bounds, key.GlobalMin())
	for _, p := range points {
		if !key.IsValidKey(p) {
			return nil, errcode.New(errcode.BadValue, "split point %s does not match shard key %s", p, key)
		}
		if p.Compare(bounds[len(bounds)-1]) <= 0 {
			return nil, errcode.New(errcode.BadValue, "split points must be strictly increasing, got %s after %s",
				p, bounds[len(bounds)-1])
		}
		bounds = append(bounds, p)
	}
	hi := key.GlobalMax()
	if bounds[len(bounds)-1].Compare(hi) >= 0 {
		return nil, errcode.New(errcode.BadValue, "split point %s is not below the global max", bounds[len(bounds)-1])
	}
	return append(bounds, hi), nil
}

// Collection returns the entry of nss and a copy of its chunks.
func (c *ConfigCatalog) Collection(nss chunk.Namespace) (catalog.CollectionEntry, []chunk.Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll, ok := c.colls[nss]
	if !ok {
		return catalog.CollectionEntry{}, nil, false
	}
	return coll, c.copyChunksLocked(coll.UUID), true
}

// Collections lists the sharded namespaces in order.
func (c *ConfigCatalog) Collections() []chunk.Namespace {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chunk.Namespace, 0, len(c.colls))
	for nss := range c.colls {
		out = append(out, nss)
	}
	slices.SortFunc(out, func(a, b chunk.Namespace) int {
		switch as, bs := a.String(), b.String(); {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
		return 0
	})
	return out
}

func (c *ConfigCatalog) copyChunksLocked(id uuid.UUID) []chunk.Chunk {
	return append([]chunk.Chunk(nil), c.chunks[id]...)
}

func (c *ConfigCatalog) shardedLocked(nss chunk.Namespace) (catalog.CollectionEntry, []chunk.Chunk, error) {
	coll, ok := c.colls[nss]
	if !ok {
		return catalog.CollectionEntry{}, nil, errcode.New(errcode.NamespaceNotFound, "%s is not sharded", nss)
	}
	return coll, c.chunks[coll.UUID], nil
}

// collectionVersion is the highest chunk version of a collection.
func collectionVersion(chunks []chunk.Chunk) chunk.ChunkVersion {
	var v chunk.ChunkVersion
	for i, ch := range chunks {
		if i == 0 || v.IsOlderThan(ch.Version) {
			v = ch.Version
		}
	}
	return v
}

// DropCollection removes nss and its chunks.
func (c *ConfigCatalog) DropCollection(nss chunk.Namespace) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll, _, err := c.shardedLocked(nss)
	if err != nil {
		return err
	}
	delete(c.colls, nss)
	delete(c.chunks, coll.UUID)
	c.tickLocked()
	c.logger.Info("dropped collection", zap.Stringer("ns", nss), zap.Stringer("uuid", coll.UUID))
	return nil
}

// RefineShardKey extends the shard key of nss with extra trailing fields.
// The collection keeps its UUID but gets a new epoch and timestamp, and every
// chunk bound is extended with MinKey (MaxKey for the global max).
func (c *ConfigCatalog) RefineShardKey(nss chunk.Namespace, key chunk.KeyPattern) (catalog.CollectionEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll, chunks, err := c.shardedLocked(nss)
	if err != nil {
		return catalog.CollectionEntry{}, err
	}
	old := coll.KeyPattern
	if len(key) <= len(old) || !old.Equal(key[:len(old)]) {
		return catalog.CollectionEntry{}, errcode.New(errcode.BadValue,
			"new shard key %s must extend %s", key, old)
	}

	extend := func(k chunk.Key) chunk.Key {
		fill := chunk.MinKey()
		if k.Equal(old.GlobalMax()) {
			fill = chunk.MaxKey()
		}
		out := append(chunk.Key(nil), k...)
		for len(out) < len(key) {
			out = append(out, fill)
		}
		return out
	}

	coll.KeyPattern = key
	coll.Epoch = uuid.New()
	coll.Timestamp = c.tickLocked()
	refined := make([]chunk.Chunk, len(chunks))
	for i, ch := range chunks {
		ch.Range = chunk.NewChunkRange(extend(ch.Range.Min), extend(ch.Range.Max))
		ch.Version = chunk.NewChunkVersion(ch.Version.Major, ch.Version.Minor, coll.Epoch, coll.Timestamp)
		refined[i] = ch
	}
	c.colls[nss] = coll
	c.chunks[coll.UUID] = refined
	c.logger.Info("refined shard key", zap.Stringer("ns", nss), zap.Stringer("key", key), zap.Stringer("epoch", coll.Epoch))
	return coll, nil
}

func findChunk(chunks []chunk.Chunk, key chunk.Key) int {
	return slices.IndexFunc(chunks, func(ch chunk.Chunk) bool { return ch.Range.Contains(key) })
}

// SplitChunk splits the chunk containing at into [min, at) and [at, max).
// Both halves get new minor versions above the collection version.
func (c *ConfigCatalog) SplitChunk(nss chunk.Namespace, at chunk.Key) ([]chunk.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll, chunks, err := c.shardedLocked(nss)
	if err != nil {
		return nil, err
	}
	if !coll.KeyPattern.IsValidKey(at) {
		return nil, errcode.New(errcode.BadValue, "split point %s does not match shard key %s", at, coll.KeyPattern)
	}
	i := findChunk(chunks, at)
	if i < 0 {
		return nil, errcode.New(errcode.BadValue, "split point %s is outside every chunk", at)
	}
	orig := chunks[i]
	if orig.Range.Min.Equal(at) {
		return nil, errcode.New(errcode.BadValue, "split point %s is already a chunk boundary", at)
	}

	cv := collectionVersion(chunks)
	left, right := orig, orig
	left.Range.Max = at
	left.Version = cv.IncMinor()
	right.Range.Min = at
	right.Version = left.Version.IncMinor()

	updated := make([]chunk.Chunk, 0, len(chunks)+1)
	updated = append(updated, chunks[:i]...)
	updated = append(updated, left, right)
	updated = append(updated, chunks[i+1:]...)
	c.chunks[coll.UUID] = updated
	c.tickLocked()
	return []chunk.Chunk{left, right}, nil
}

// MergeChunks merges the contiguous chunks exactly covering rng. They must
// all live on the same shard.
func (c *ConfigCatalog) MergeChunks(nss chunk.Namespace, rng chunk.ChunkRange) (chunk.Chunk, error) {
	if err := rng.Validate(); err != nil {
		return chunk.Chunk{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	coll, chunks, err := c.shardedLocked(nss)
	if err != nil {
		return chunk.Chunk{}, err
	}
	first := slices.IndexFunc(chunks, func(ch chunk.Chunk) bool { return ch.Range.Min.Equal(rng.Min) })
	last := slices.IndexFunc(chunks, func(ch chunk.Chunk) bool { return ch.Range.Max.Equal(rng.Max) })
	if first < 0 || last < 0 || last < first {
		return chunk.Chunk{}, errcode.New(errcode.BadValue, "%s does not align with chunk boundaries", rng)
	}
	if first == last {
		return chunk.Chunk{}, errcode.New(errcode.IllegalOperation, "%s is a single chunk", rng)
	}
	for _, ch := range chunks[first+1 : last+1] {
		if ch.Shard != chunks[first].Shard {
			return chunk.Chunk{}, errcode.New(errcode.IllegalOperation,
				"cannot merge chunks on %s and %s", chunks[first].Shard, ch.Shard)
		}
	}

	merged := chunks[first]
	merged.Range = rng
	merged.Version = collectionVersion(chunks).IncMinor()
	updated := make([]chunk.Chunk, 0, len(chunks)-(last-first))
	updated = append(updated, chunks[:first]...)
	updated = append(updated, merged)
	updated = append(updated, chunks[last+1:]...)
	c.chunks[coll.UUID] = updated
	c.tickLocked()
	return merged, nil
}

// CommitChunkMigration records that the chunk exactly covering rng moved from
// one shard to another. The moved chunk gets the next major version; if the
// donor still owns chunks, one of them is bumped too so the donor's shard
// version also advances. It returns the new collection version.
func (c *ConfigCatalog) CommitChunkMigration(nss chunk.Namespace, rng chunk.ChunkRange, from, to chunk.ShardID) (chunk.ChunkVersion, error) {
	if _, ok := c.shards.GetShard(to); !ok {
		return chunk.ChunkVersion{}, errcode.New(errcode.BadValue, "unknown shard %s", to)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	coll, chunks, err := c.shardedLocked(nss)
	if err != nil {
		return chunk.ChunkVersion{}, err
	}
	i := slices.IndexFunc(chunks, func(ch chunk.Chunk) bool { return ch.Range.Equal(rng) })
	if i < 0 {
		return chunk.ChunkVersion{}, errcode.New(errcode.ConflictingOperationInProgress,
			"no chunk %s in %s", rng, nss)
	}
	if chunks[i].Shard != from {
		return chunk.ChunkVersion{}, errcode.New(errcode.ConflictingOperationInProgress,
			"chunk %s of %s is on %s, not %s", rng, nss, chunks[i].Shard, from)
	}
	if from == to {
		return collectionVersion(chunks), nil
	}

	cv := collectionVersion(chunks)
	updated := append([]chunk.Chunk(nil), chunks...)
	updated[i].Shard = to
	updated[i].Version = cv.IncMajor()
	latest := updated[i].Version
	for j := range updated {
		if updated[j].Shard == from {
			updated[j].Version = latest.IncMinor()
			latest = updated[j].Version
			break
		}
	}
	c.chunks[coll.UUID] = updated
	c.tickLocked()
	c.logger.Info("committed chunk migration",
		zap.Stringer("ns", nss),
		zap.Stringer("range", rng),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Stringer("version", latest))
	return latest, nil
}

func rawDocs(n int) []json.RawMessage { return make([]json.RawMessage, 0, n) }

// FindDatabase implements catalog.CatalogClient.
func (c *ConfigCatalog) FindDatabase(_ context.Context, name string, _ catalog.ReadConcern) (catalog.DocumentsReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs := rawDocs(1)
	if db, ok := c.dbs[name]; ok {
		docs = append(docs, db.ToDocument())
	}
	return catalog.DocumentsReply{Documents: docs, OperationTime: c.tickLocked()}, nil
}

// FindCollection implements catalog.CatalogClient.
func (c *ConfigCatalog) FindCollection(_ context.Context, nss chunk.Namespace, _ catalog.ReadConcern) (catalog.DocumentsReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs := rawDocs(1)
	if coll, ok := c.colls[nss]; ok {
		docs = append(docs, coll.ToDocument())
	}
	return catalog.DocumentsReply{Documents: docs, OperationTime: c.tickLocked()}, nil
}

// FindChunks implements catalog.CatalogClient. Chunks are returned in
// ascending version order.
func (c *ConfigCatalog) FindChunks(_ context.Context, id uuid.UUID, pred catalog.VersionPredicate, _ catalog.ReadConcern) (catalog.DocumentsReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var selected []chunk.Chunk
	for _, ch := range c.chunks[id] {
		if pred.Matches(ch) {
			selected = append(selected, ch)
		}
	}
	slices.SortFunc(selected, func(a, b chunk.Chunk) int {
		cmp, _ := a.Version.Compare(b.Version)
		return cmp
	})
	docs := rawDocs(len(selected))
	for _, ch := range selected {
		docs = append(docs, ch.ToDocument())
	}
	return catalog.DocumentsReply{Documents: docs, OperationTime: c.tickLocked()}, nil
}

var _ catalog.CatalogClient = (*ConfigCatalog)(nil)
