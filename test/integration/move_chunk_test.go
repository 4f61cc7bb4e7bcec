// Package integration runs config catalog, routing caches, shard catalogs and
// migration recipients together in one process, with donors reached over
// HTTP, and checks the routing guarantees across chunk moves.
package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardmeta/internal/catalog"
	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/cluster"
	"github.com/dreamware/shardmeta/internal/coordinator"
	"github.com/dreamware/shardmeta/internal/migration"
	"github.com/dreamware/shardmeta/internal/shard"
)

var (
	testNS  = chunk.Namespace{DB: "app", Coll: "events"}
	testKey = chunk.KeyPattern{"x"}
)

// shardProc is one shard: its local catalog, its migration recipient and an
// HTTP server exposing the donor endpoints. Recipient and donor share one
// registry, as they do in a shard process.
type shardProc struct {
	id        chunk.ShardID
	catalog   *shard.Catalog
	deleter   *shard.RangeDeleter
	registry  *migration.ActiveMigrationsRegistry
	recipient *migration.Manager
	source    *migration.SnapshotSource
	url       string
}

type system struct {
	t      *testing.T
	config *coordinator.ConfigCatalog
	router *catalog.Cache
	shards map[chunk.ShardID]*shardProc
}

func newSystem(t *testing.T, ids ...chunk.ShardID) *system {
	t.Helper()
	reg := coordinator.NewShardRegistry()
	sys := &system{
		t:      t,
		config: coordinator.NewConfigCatalog(reg, nil),
		shards: make(map[chunk.ShardID]*shardProc),
	}
	sys.router = catalog.NewCache(sys.config)

	for _, id := range ids {
		deleter := shard.NewRangeDeleter(nil, 0)
		cat := shard.NewCatalog(id, shard.MemoryStores, deleter, nil)
		registry := migration.NewActiveMigrationsRegistry()
		source := migration.NewSnapshotSource(cat, registry, nil)
		mux := http.NewServeMux()
		source.Register(mux)
		srv := httptest.NewServer(mux)

		p := &shardProc{
			id:        id,
			catalog:   cat,
			deleter:   deleter,
			registry:  registry,
			recipient: migration.NewManager(id, cat, registry, nil, migration.Config{SteadyPollInterval: 5 * time.Millisecond}),
			source:    source,
			url:       srv.URL,
		}
		t.Cleanup(func() {
			_ = p.recipient.Close(context.Background())
			srv.Close()
			deleter.Stop()
		})
		_, err := reg.AddShard(cluster.ShardInfo{ID: id, Addr: srv.URL})
		require.NoError(t, err)
		sys.shards[id] = p
	}
	return sys
}

// load shards testNS with the given split points and writes n documents
// with x = 0..n-1 to whichever shard owns each of them.
func (s *system) load(n int, splits ...float64) {
	s.t.Helper()
	points := make([]chunk.Key, len(splits))
	for i, x := range splits {
		points[i] = chunk.NewKey(x)
	}
	coll, chunks, err := s.config.ShardCollection(coordinator.ShardCollectionRequest{NS: testNS, Key: testKey, SplitPoints: points})
	require.NoError(s.t, err)

	for _, ch := range chunks {
		local, _, err := s.shards[ch.Shard].catalog.GetOrCreate(testNS, shard.CollectionOptions{UUID: coll.UUID, KeyPattern: testKey})
		require.NoError(s.t, err)
		require.NoError(s.t, local.AddOwnedRange(ch.Range))
	}

	ctx := context.Background()
	ri, err := s.router.GetRoutingInfo(ctx, testNS, false)
	require.NoError(s.t, err)
	for i := 0; i < n; i++ {
		key := chunk.NewKey(float64(i))
		owner, err := ri.ShardForKey(key)
		require.NoError(s.t, err)
		local, _ := s.shards[owner].catalog.Get(testNS)
		require.NoError(s.t, local.Insert(ctx, chunk.Document{"_id": float64(i), "x": float64(i)}))
	}
}

// moveChunk runs the whole protocol for the chunk containing at: the
// recipient clones it from the donor over HTTP, commits, the config catalog
// records the move and the router is told its version is stale.
func (s *system) moveChunk(ctx context.Context, at chunk.Key, to chunk.ShardID) (chunk.ChunkVersion, error) {
	ri, err := s.router.GetRoutingInfo(ctx, testNS, false)
	if err != nil {
		return chunk.ChunkVersion{}, err
	}
	ch, err := ri.FindChunkForKey(at)
	if err != nil {
		return chunk.ChunkVersion{}, err
	}
	if ch.Shard == to {
		return ri.Version(), nil
	}
	donor, recipient := s.shards[ch.Shard], s.shards[to]
	req := migration.StartRequest{
		SessionID:      migration.GenerateSessionID(donor.id, recipient.id),
		NS:             testNS,
		CollectionUUID: ri.UUID(),
		FromShard:      donor.id,
		ToShard:        recipient.id,
		DonorAddr:      donor.url,
		Range:          ch.Range,
		KeyPattern:     testKey,
	}
	if err := recipient.recipient.Start(ctx, req, ri.Epoch(), migration.MajorityWriteConcern); err != nil {
		return chunk.ChunkVersion{}, err
	}
	if r := recipient.recipient.Report(ctx, true); r.State != migration.Steady {
		return chunk.ChunkVersion{}, fmt.Errorf("recipient in %s, errmsg %q", r.State, r.ErrMsg)
	}
	if err := recipient.recipient.StartCommit(ctx, req.SessionID); err != nil {
		return chunk.ChunkVersion{}, err
	}
	v, err := s.config.CommitChunkMigration(testNS, ch.Range, donor.id, recipient.id)
	if err != nil {
		return chunk.ChunkVersion{}, err
	}
	if local, ok := donor.catalog.Get(testNS); ok {
		done, err := local.ReleaseOwnedRange(ch.Range)
		if err != nil {
			return chunk.ChunkVersion{}, err
		}
		if err := done.Wait(ctx); err != nil {
			return chunk.ChunkVersion{}, err
		}
	}
	donor.source.EndRange(testNS, ch.Range)
	s.router.OnStaleShardVersion(testNS, &v)
	return v, nil
}

// count reads every chunk from the shard the router names for it.
func (s *system) count(ctx context.Context) (int, error) {
	ri, err := s.router.GetRoutingInfo(ctx, testNS, false)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, ch := range ri.Chunks() {
		local, ok := s.shards[ch.Shard].catalog.Get(testNS)
		if !ok {
			return 0, fmt.Errorf("shard %s has no %s", ch.Shard, testNS)
		}
		n, err := local.CountRange(ch.Range)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func TestMoveChunkKeepsEveryDocumentReachable(t *testing.T) {
	ctx := context.Background()
	sys := newSystem(t, "shard0", "shard1")
	sys.load(400, 100, 200, 300)

	n, err := sys.count(ctx)
	require.NoError(t, err)
	require.Equal(t, 400, n)

	before, err := sys.router.GetRoutingInfo(ctx, testNS, false)
	require.NoError(t, err)
	owner, err := before.ShardForKey(chunk.NewKey(150.0))
	require.NoError(t, err)
	target := chunk.ShardID("shard0")
	if owner == target {
		target = "shard1"
	}

	v, err := sys.moveChunk(ctx, chunk.NewKey(150.0), target)
	require.NoError(t, err)

	after, err := sys.router.GetRoutingInfo(ctx, testNS, false)
	require.NoError(t, err)
	assert.Equal(t, v, after.Version())
	assert.True(t, before.Version().IsOlderThan(after.Version()))
	newOwner, err := after.ShardForKey(chunk.NewKey(150.0))
	require.NoError(t, err)
	assert.Equal(t, target, newOwner)
	assert.Equal(t, 4, after.NumChunks())

	n, err = sys.count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 400, n)

	r := sys.shards[target].recipient.Report(ctx, false)
	assert.Equal(t, migration.Done, r.State)
	assert.False(t, r.Active)
	assert.Equal(t, int64(100), r.Counters.Cloned)
	assert.False(t, sys.shards[owner].source.Donating())
	assert.False(t, sys.shards[owner].registry.IsBusy())
}

func TestRoutersNeverSeeVersionsGoBackwards(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ids := []chunk.ShardID{"shard0", "shard1", "shard2"}
	sys := newSystem(t, ids...)
	sys.load(300, 50, 100, 150, 200, 250)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last chunk.ChunkVersion
			for {
				select {
				case <-stop:
					return
				default:
				}
				ri, err := sys.router.GetRoutingInfo(ctx, testNS, false)
				if err != nil {
					errs <- err
					return
				}
				if last.IsSet() && ri.Version().IsOlderThan(last) {
					errs <- fmt.Errorf("version went from %s to %s", last, ri.Version())
					return
				}
				last = ri.Version()
			}
		}()
	}

	for i := 0; i < 6; i++ {
		at := chunk.NewKey(float64(i*50 + 10))
		_, err := sys.moveChunk(ctx, at, ids[(i+1)%len(ids)])
		require.NoError(t, err, "move %d", i)
	}
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	n, err := sys.count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 300, n)
}

func TestAbortLeavesRangeWithDonor(t *testing.T) {
	ctx := context.Background()
	sys := newSystem(t, "shard0", "shard1")
	sys.load(100)

	ri, err := sys.router.GetRoutingInfo(ctx, testNS, false)
	require.NoError(t, err)
	ch := ri.Chunks()[0]
	require.Equal(t, chunk.ShardID("shard0"), ch.Shard)

	recipient := sys.shards["shard1"].recipient
	req := migration.StartRequest{
		SessionID:      migration.GenerateSessionID("shard0", "shard1"),
		NS:             testNS,
		CollectionUUID: ri.UUID(),
		FromShard:      "shard0",
		ToShard:        "shard1",
		DonorAddr:      sys.shards["shard0"].url,
		Range:          ch.Range,
		KeyPattern:     testKey,
	}
	require.NoError(t, recipient.Start(ctx, req, ri.Epoch(), migration.MajorityWriteConcern))
	require.Equal(t, migration.Steady, recipient.Report(ctx, true).State)
	donor := sys.shards["shard0"]
	assert.True(t, donor.source.Donating())
	assert.True(t, donor.registry.IsBusy())

	require.NoError(t, recipient.Abort(ctx, "someone-else"))
	assert.Equal(t, migration.Steady, recipient.State())

	require.NoError(t, recipient.Abort(ctx, req.SessionID))
	assert.Equal(t, migration.Abort, recipient.State())
	require.NoError(t, recipient.Abort(ctx, req.SessionID))
	assert.False(t, recipient.IsActive())

	local, ok := sys.shards["shard1"].catalog.Get(testNS)
	require.True(t, ok)
	assert.False(t, local.Owns(chunk.NewKey(1.0)))
	assert.Empty(t, local.PendingRanges())

	assert.False(t, donor.source.Donating(), "abort hands the range back to the donor")
	assert.False(t, donor.registry.IsBusy())
	kept, ok := donor.catalog.Get(testNS)
	require.True(t, ok)
	require.NoError(t, kept.Insert(ctx, chunk.Document{"_id": 100.0, "x": 100.0}))

	n, err := sys.count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 101, n, "routing still points at the donor")
}
