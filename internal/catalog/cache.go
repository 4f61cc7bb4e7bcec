package catalog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/errcode"
	"github.com/dreamware/shardmeta/internal/metrics"
)

const (
	// DefaultMaxRefreshAttempts bounds the reload loop of one collection.
	DefaultMaxRefreshAttempts = 3
	// DefaultDatabaseReadAttempts is how many empty reads prove a database
	// does not exist.
	DefaultDatabaseReadAttempts = 2
	// DefaultRefreshTimeout bounds one refresh, independent of the callers
	// waiting for it.
	DefaultRefreshTimeout = 30 * time.Second
)

type options struct {
	logger               *zap.Logger
	registerer           prometheus.Registerer
	maxRefreshAttempts   int
	databaseReadAttempts int
	refreshTimeout       time.Duration
}

// Option configures a Cache.
type Option func(*options)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetricsRegisterer registers the cache collectors with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithMaxRefreshAttempts bounds how often a routing refresh is retried
// after a retriable error.
func WithMaxRefreshAttempts(n int) Option {
	return func(o *options) { o.maxRefreshAttempts = n }
}

// WithDatabaseReadAttempts bounds how often a database entry read is retried.
func WithDatabaseReadAttempts(n int) Option {
	return func(o *options) { o.databaseReadAttempts = n }
}

// WithRefreshTimeout caps a single refresh of one entry.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) { o.refreshTimeout = d }
}

// entry is one cached value plus its staleness bookkeeping. staleGen is
// bumped by every staleness signal; freshGen records the staleGen observed
// when the stored value's refresh started. The value is fresh while freshGen
// has caught up with staleGen.
type entry[T any] struct {
	value    atomic.Pointer[T]
	staleGen atomic.Uint64
	freshGen atomic.Uint64
	full     atomic.Bool // next refresh must ignore the cached value
}

func (e *entry[T]) load() (*T, bool) {
	v := e.value.Load()
	return v, v != nil && e.freshGen.Load() >= e.staleGen.Load()
}

func (e *entry[T]) markStale() uint64 { return e.staleGen.Add(1) }

func (e *entry[T]) store(v *T, gen uint64) {
	e.value.Store(v)
	for {
		cur := e.freshGen.Load()
		if gen <= cur || e.freshGen.CompareAndSwap(cur, gen) {
			return
		}
	}
}

func (e *entry[T]) invalidate() {
	e.full.Store(true)
	e.value.Store(nil)
	e.markStale()
}

// Stats summarizes the cache.
type Stats struct {
	Databases       int             `json:"databases"`
	Collections     int             `json:"collections"`
	Hits            uint64          `json:"hits"`
	Misses          uint64          `json:"misses"`
	Refreshes       uint64          `json:"refreshes"`
	RefreshFailures uint64          `json:"refreshFailures"`
	OperationTime   chunk.Timestamp `json:"operationTime"`
}

// Cache is the routing table cache. Lookups of fresh entries are lock-free
// and never touch the network. Refreshes of one key are collapsed into a
// single remote fetch sequence whose result every waiter shares.
type Cache struct {
	client  CatalogClient
	opts    options
	logger  *zap.Logger
	metrics *metrics.CacheMetrics

	dbs   sync.Map // string -> *entry[DatabaseEntry]
	colls sync.Map // chunk.Namespace -> *entry[RoutingInfo]

	dbFlight   singleflight.Group
	collFlight singleflight.Group

	hits, misses, refreshes, failures atomic.Uint64

	opTimeMu sync.Mutex
	opTime   chunk.Timestamp
}

// NewCache creates an empty cache reading from client.
func NewCache(client CatalogClient, opts ...Option) *Cache {
	o := options{
		maxRefreshAttempts:   DefaultMaxRefreshAttempts,
		databaseReadAttempts: DefaultDatabaseReadAttempts,
		refreshTimeout:       DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.maxRefreshAttempts <= 0 {
		o.maxRefreshAttempts = DefaultMaxRefreshAttempts
	}
	if o.databaseReadAttempts <= 0 {
		o.databaseReadAttempts = DefaultDatabaseReadAttempts
	}
	return &Cache{
		client:  client,
		opts:    o,
		logger:  o.logger.Named("catalog-cache"),
		metrics: metrics.NewCacheMetrics(o.registerer),
	}
}

func (c *Cache) dbEntry(name string) *entry[DatabaseEntry] {
	if v, ok := c.dbs.Load(name); ok {
		return v.(*entry[DatabaseEntry])
	}
	v, _ := c.dbs.LoadOrStore(name, &entry[DatabaseEntry]{})
	return v.(*entry[DatabaseEntry])
}

func (c *Cache) collEntry(nss chunk.Namespace) *entry[RoutingInfo] {
	if v, ok := c.colls.Load(nss); ok {
		return v.(*entry[RoutingInfo])
	}
	v, _ := c.colls.LoadOrStore(nss, &entry[RoutingInfo]{})
	return v.(*entry[RoutingInfo])
}

// GetDatabase returns the database entry, refreshing it if needed. A
// database that is absent from the catalog is NamespaceNotFound.
func (c *Cache) GetDatabase(ctx context.Context, name string) (DatabaseEntry, error) {
	assertNoLocksHeld(ctx, "GetDatabase")
	return c.getDatabase(ctx, name)
}

func (c *Cache) getDatabase(ctx context.Context, name string) (DatabaseEntry, error) {
	e := c.dbEntry(name)
	if db, fresh := e.load(); fresh {
		c.hit()
		return *db, nil
	}
	c.miss()

	want := e.staleGen.Load()
	for {
		ch := c.dbFlight.DoChan(name, func() (interface{}, error) {
			gen := e.staleGen.Load()
			rctx, cancel := c.detach(ctx)
			defer cancel()

			start := time.Now()
			db, err := c.loadDatabase(rctx, name)
			c.observe("database", start, err)
			if err != nil {
				return nil, err
			}
			e.store(&db, gen)
			return db, nil
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return DatabaseEntry{}, res.Err
			}
			if e.freshGen.Load() >= want {
				return res.Val.(DatabaseEntry), nil
			}
			// joined a refresh that started before we observed staleness
		case <-ctx.Done():
			return DatabaseEntry{}, ctx.Err()
		}
	}
}

func (c *Cache) loadDatabase(ctx context.Context, name string) (DatabaseEntry, error) {
	for attempt := 1; attempt <= c.opts.databaseReadAttempts; attempt++ {
		reply, err := c.client.FindDatabase(ctx, name, ReadMajority)
		if err != nil {
			return DatabaseEntry{}, errors.Wrapf(err, "finding database %s", name)
		}
		c.noteOperationTime(reply.OperationTime)
		if len(reply.Documents) == 0 {
			c.logger.Debug("database not found", zap.String("db", name), zap.Int("attempt", attempt))
			continue
		}
		db, err := ParseDatabaseEntry(reply.Documents[0])
		if err != nil {
			return DatabaseEntry{}, errors.Wrapf(err, "parsing database %s", name)
		}
		return db, nil
	}
	return DatabaseEntry{}, errcode.New(errcode.NamespaceNotFound, "database %s not found", name)
}

// GetRoutingInfo returns the routing info of nss. A fresh cached value is
// returned as is unless forceRefresh is set. Collections missing from the
// catalog are reported as unsharded and owned by the database primary.
func (c *Cache) GetRoutingInfo(ctx context.Context, nss chunk.Namespace, forceRefresh bool) (*RoutingInfo, error) {
	assertNoLocksHeld(ctx, "GetRoutingInfo")

	e := c.collEntry(nss)
	if !forceRefresh {
		if ri, fresh := e.load(); fresh {
			c.hit()
			return ri, nil
		}
	}
	c.miss()

	want := e.staleGen.Load()
	if forceRefresh {
		want = e.markStale()
	}
	for {
		ch := c.collFlight.DoChan(nss.String(), func() (interface{}, error) {
			gen := e.staleGen.Load()
			full := e.full.Swap(false)
			var prev *RoutingInfo
			if !full {
				prev = e.value.Load()
			}
			rctx, cancel := c.detach(ctx)
			defer cancel()

			start := time.Now()
			ri, err := c.loadRoutingInfo(rctx, nss, prev)
			c.observe("collection", start, err)
			if err != nil {
				if full {
					e.full.Store(true)
				}
				c.logger.Warn("routing info refresh failed", zap.Stringer("ns", nss), zap.Error(err))
				return nil, err
			}
			e.store(ri, gen)
			c.logRefresh(prev, ri)
			return ri, nil
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			if e.freshGen.Load() >= want {
				return res.Val.(*RoutingInfo), nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// loadRoutingInfo runs the reload loop for nss. prev is the cached value to
// load incrementally from, or nil for a full load.
func (c *Cache) loadRoutingInfo(ctx context.Context, nss chunk.Namespace, prev *RoutingInfo) (*RoutingInfo, error) {
	forceFull := false
	var lastErr error
	for attempt := 1; attempt <= c.opts.maxRefreshAttempts; attempt++ {
		db, err := c.getDatabase(ctx, nss.DB)
		if err != nil {
			return nil, err
		}

		collReply, err := c.client.FindCollection(ctx, nss, ReadMajority)
		if err != nil {
			return nil, errors.Wrapf(err, "finding collection %s", nss)
		}
		c.noteOperationTime(collReply.OperationTime)
		if len(collReply.Documents) == 0 {
			return newUnshardedRoutingInfo(nss, db), nil
		}
		coll, err := ParseCollectionEntry(collReply.Documents[0])
		if err != nil {
			return nil, errors.Wrapf(err, "parsing collection %s", nss)
		}

		base := prev
		if forceFull || base == nil || !base.IsSharded() || base.UUID() != coll.UUID ||
			!base.Version().IsSameCollection(coll.version()) {
			base = nil
		}
		var pred VersionPredicate
		if base != nil {
			since := base.Version()
			pred.Since = &since
		}

		chunksReply, err := c.client.FindChunks(ctx, coll.UUID, pred, ReadMajority)
		if err != nil {
			return nil, errors.Wrapf(err, "finding chunks of %s", nss)
		}
		c.noteOperationTime(chunksReply.OperationTime)
		fetched := make([]chunk.Chunk, 0, len(chunksReply.Documents))
		for _, doc := range chunksReply.Documents {
			ch, err := chunk.ParseChunkDocument(doc)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing chunk of %s", nss)
			}
			fetched = append(fetched, ch)
		}

		if stray, ok := epochMismatch(fetched, coll); ok {
			lastErr = errcode.New(errcode.ConflictingOperationInProgress,
				"chunk %s of %s has version %s but the collection is at epoch %s",
				stray.Range, nss, stray.Version, coll.Epoch)
			c.logger.Info("collection epoch changed during refresh, reloading from scratch",
				zap.Stringer("ns", nss), zap.Int("attempt", attempt), zap.Error(lastErr))
			forceFull = true
			continue
		}

		var ri *RoutingInfo
		if base == nil {
			ri, err = newShardedRoutingInfo(nss, db, coll, fetched)
		} else {
			ri, err = base.makeUpdated(db, coll, fetched)
		}
		if err != nil {
			if !errors.Is(err, errcode.ConflictingOperationInProgress) {
				return nil, err
			}
			lastErr = err
			c.logger.Info("inconsistent chunk metadata, retrying refresh",
				zap.Stringer("ns", nss), zap.Int("attempt", attempt),
				zap.Bool("incremental", base != nil), zap.Error(err))
			forceFull = true
			continue
		}
		return ri, nil
	}
	return nil, errcode.Wrap(errcode.ConflictingOperationInProgress, lastErr,
		"could not load consistent routing info for %s after %d attempts", nss, c.opts.maxRefreshAttempts)
}

func epochMismatch(chunks []chunk.Chunk, coll CollectionEntry) (chunk.Chunk, bool) {
	incarnation := coll.version()
	for _, ch := range chunks {
		if !ch.Version.IsSameCollection(incarnation) {
			return ch, true
		}
	}
	return chunk.Chunk{}, false
}

// OnStaleShardVersion records that an operation against nss failed with a
// stale routing version. wanted, if known, is the version the shard has;
// the signal is ignored when the cache already has it.
func (c *Cache) OnStaleShardVersion(nss chunk.Namespace, wanted *chunk.ChunkVersion) {
	v, ok := c.colls.Load(nss)
	if !ok {
		return
	}
	e := v.(*entry[RoutingInfo])
	if wanted != nil && wanted.IsSet() {
		if ri := e.value.Load(); ri != nil && ri.IsSharded() && wanted.IsOlderOrEqualThan(ri.Version()) {
			return
		}
	}
	e.markStale()
	c.metrics.Invalidations.Inc()
	c.logger.Debug("routing info marked stale", zap.Stringer("ns", nss))
}

// OnStaleDatabaseVersion records that an operation against db failed with a
// stale database version. Unsharded collections of db go stale with it.
func (c *Cache) OnStaleDatabaseVersion(db string, wanted *DatabaseVersion) {
	v, ok := c.dbs.Load(db)
	if !ok {
		return
	}
	e := v.(*entry[DatabaseEntry])
	if wanted != nil {
		if cur := e.value.Load(); cur != nil && cur.Version.UUID == wanted.UUID && !cur.Version.IsOlderThan(*wanted) {
			return
		}
	}
	e.markStale()
	c.metrics.Invalidations.Inc()
	c.colls.Range(func(k, v interface{}) bool {
		if k.(chunk.Namespace).DB != db {
			return true
		}
		ce := v.(*entry[RoutingInfo])
		if ri := ce.value.Load(); ri == nil || !ri.IsSharded() {
			ce.markStale()
		}
		return true
	})
	c.logger.Debug("database marked stale", zap.String("db", db))
}

// Invalidate drops the routing info of nss; the next lookup reloads it from
// scratch.
func (c *Cache) Invalidate(nss chunk.Namespace) {
	if v, ok := c.colls.Load(nss); ok {
		v.(*entry[RoutingInfo]).invalidate()
		c.metrics.Invalidations.Inc()
	}
}

// InvalidateDatabase drops db and the routing info of all its collections.
func (c *Cache) InvalidateDatabase(db string) {
	if v, ok := c.dbs.Load(db); ok {
		v.(*entry[DatabaseEntry]).invalidate()
		c.metrics.Invalidations.Inc()
	}
	c.colls.Range(func(k, v interface{}) bool {
		if k.(chunk.Namespace).DB == db {
			v.(*entry[RoutingInfo]).invalidate()
			c.metrics.Invalidations.Inc()
		}
		return true
	})
}

// InvalidateEntireCache drops everything.
func (c *Cache) InvalidateEntireCache() {
	c.dbs.Range(func(_, v interface{}) bool {
		v.(*entry[DatabaseEntry]).invalidate()
		return true
	})
	c.colls.Range(func(_, v interface{}) bool {
		v.(*entry[RoutingInfo]).invalidate()
		return true
	})
	c.metrics.Invalidations.Inc()
	c.logger.Info("routing cache invalidated")
}

// Stats returns counters and the highest catalog operation time seen.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		Refreshes:       c.refreshes.Load(),
		RefreshFailures: c.failures.Load(),
		OperationTime:   c.OperationTime(),
	}
	c.dbs.Range(func(_, v interface{}) bool {
		if v.(*entry[DatabaseEntry]).value.Load() != nil {
			s.Databases++
		}
		return true
	})
	c.colls.Range(func(_, v interface{}) bool {
		if v.(*entry[RoutingInfo]).value.Load() != nil {
			s.Collections++
		}
		return true
	})
	return s
}

// OperationTime is the highest logical time reported by the catalog.
func (c *Cache) OperationTime() chunk.Timestamp {
	c.opTimeMu.Lock()
	defer c.opTimeMu.Unlock()
	return c.opTime
}

func (c *Cache) noteOperationTime(ts chunk.Timestamp) {
	c.opTimeMu.Lock()
	defer c.opTimeMu.Unlock()
	if c.opTime.Compare(ts) < 0 {
		c.opTime = ts
	}
}

// detach gives a refresh its own deadline so that one waiter giving up does
// not fail the refresh for the others.
func (c *Cache) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.refreshTimeout)
}

func (c *Cache) hit() {
	c.hits.Add(1)
	c.metrics.Hits.Inc()
}

func (c *Cache) miss() {
	c.misses.Add(1)
	c.metrics.Misses.Inc()
}

func (c *Cache) observe(kind string, start time.Time, err error) {
	c.metrics.RefreshDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = errcode.Of(err)
		c.failures.Add(1)
	}
	c.refreshes.Add(1)
	c.metrics.Refreshes.WithLabelValues(kind, result).Inc()
}

func (c *Cache) logRefresh(prev, ri *RoutingInfo) {
	fields := []zap.Field{zap.Stringer("ns", ri.Namespace()), zap.Bool("sharded", ri.IsSharded())}
	if ri.IsSharded() {
		fields = append(fields, zap.Stringer("version", ri.Version()), zap.Int("chunks", ri.NumChunks()))
		if prev != nil && prev.IsSharded() {
			fields = append(fields, zap.Stringer("previous", prev.Version()))
		}
	}
	c.logger.Info("refreshed routing info", fields...)
}
