package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardmeta/internal/catalog"
	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/cluster"
	"github.com/dreamware/shardmeta/internal/coordinator"
	"github.com/dreamware/shardmeta/internal/errcode"
)

var testNS = chunk.Namespace{DB: "test", Coll: "foo"}

func startServer(t *testing.T) (*server, string) {
	t.Helper()
	srv := newServer(nil)
	ts := httptest.NewServer(srv.routes(nil))
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func register(t *testing.T, base string, ids ...chunk.ShardID) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		var entry coordinator.ShardEntry
		err := cluster.PostJSON(ctx, base+"/shards/register",
			cluster.RegisterRequest{Shard: cluster.ShardInfo{ID: id, Addr: "http://" + string(id)}}, &entry)
		require.NoError(t, err)
		assert.Equal(t, coordinator.ShardActive, entry.State)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, base := startServer(t)
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterAndListShards(t *testing.T) {
	_, base := startServer(t)
	register(t, base, "shard1", "shard0")

	var reply struct {
		Shards []shardStatus `json:"shards"`
	}
	require.NoError(t, cluster.GetJSON(context.Background(), base+"/shards", &reply))
	require.Len(t, reply.Shards, 2)
	assert.Equal(t, chunk.ShardID("shard0"), reply.Shards[0].ID)

	err := cluster.PostJSON(context.Background(), base+"/shards/register",
		cluster.RegisterRequest{Shard: cluster.ShardInfo{ID: "shard2"}}, nil)
	assert.True(t, errors.Is(err, errcode.BadValue), "missing address: %v", err)
}

func TestMethodNotAllowed(t *testing.T) {
	_, base := startServer(t)
	for _, path := range []string{"/shards/register", "/chunks/split", catalog.PathFindChunks} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(base + path)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		})
	}
}

func TestMetadataEndpoints(t *testing.T) {
	ctx := context.Background()
	_, base := startServer(t)
	register(t, base, "shard0", "shard1")

	var db catalog.DatabaseEntry
	require.NoError(t, cluster.PostJSON(ctx, base+"/databases", databaseRequest{Name: "test"}, &db))
	assert.Equal(t, chunk.ShardID("shard0"), db.Primary)

	require.NoError(t, cluster.PostJSON(ctx, base+"/databases/move-primary",
		databaseRequest{Name: "test", Primary: "shard1"}, &db))
	assert.Equal(t, uint32(2), db.Version.LastMod)

	var got catalog.DatabaseEntry
	require.NoError(t, cluster.GetJSON(ctx, base+"/databases?name=test", &got))
	assert.Equal(t, db, got)
	err := cluster.GetJSON(ctx, base+"/databases?name=nope", &got)
	assert.True(t, errors.Is(err, errcode.NamespaceNotFound))

	var sharded struct {
		Collection catalog.CollectionEntry `json:"collection"`
		Chunks     []jsonChunk             `json:"chunks"`
	}
	require.NoError(t, cluster.PostJSON(ctx, base+"/collections/shard", coordinator.ShardCollectionRequest{
		NS: testNS, Key: chunk.KeyPattern{"x"}, SplitPoints: []chunk.Key{chunk.NewKey(50.0)},
	}, &sharded))
	assert.Len(t, sharded.Chunks, 2)

	var colls struct {
		Collections []catalog.CollectionEntry `json:"collections"`
	}
	require.NoError(t, cluster.GetJSON(ctx, base+"/collections", &colls))
	require.Len(t, colls.Collections, 1)
	assert.Equal(t, sharded.Collection.UUID, colls.Collections[0].UUID)

	err = cluster.PostJSON(ctx, base+"/chunks/merge",
		rangeRequest{NS: testNS, Range: chunk.NewChunkRange(chunk.NewKey(0.0), chunk.NewKey(1.0))}, nil)
	assert.True(t, errors.Is(err, errcode.BadValue))

	err = cluster.PostJSON(ctx, base+"/chunks/commit-migration", rangeRequest{NS: testNS}, nil)
	assert.True(t, errors.Is(err, errcode.BadValue))

	require.NoError(t, cluster.PostJSON(ctx, base+"/collections/drop", nsRequest{NS: testNS}, nil))
	err = cluster.PostJSON(ctx, base+"/collections/drop", nsRequest{NS: testNS}, nil)
	assert.True(t, errors.Is(err, errcode.NamespaceNotFound))
}

// jsonChunk accepts chunk documents without interpreting them.
type jsonChunk map[string]interface{}

func TestRoutingCacheOverHTTP(t *testing.T) {
	ctx := context.Background()
	srv, base := startServer(t)
	register(t, base, "shard0", "shard1")

	_, chunks, err := srv.catalog.ShardCollection(coordinator.ShardCollectionRequest{
		NS: testNS, Key: chunk.KeyPattern{"x"}, SplitPoints: []chunk.Key{chunk.NewKey(0.0)},
	})
	require.NoError(t, err)

	cache := catalog.NewCache(catalog.NewHTTPClient([]string{base}, nil))
	ri, err := cache.GetRoutingInfo(ctx, testNS, false)
	require.NoError(t, err)
	require.True(t, ri.IsSharded())
	assert.Equal(t, 2, ri.NumChunks())
	owner, err := ri.ShardForKey(chunk.NewKey(-5.0))
	require.NoError(t, err)
	assert.Equal(t, chunks[0].Shard, owner)

	var split struct {
		Chunks []jsonChunk `json:"chunks"`
	}
	require.NoError(t, cluster.PostJSON(ctx, base+"/chunks/split", splitRequest{NS: testNS, At: chunk.NewKey(10.0)}, &split))
	assert.Len(t, split.Chunks, 2)

	var moved struct {
		Version chunk.ChunkVersion `json:"version"`
	}
	require.NoError(t, cluster.PostJSON(ctx, base+"/chunks/commit-migration", rangeRequest{
		NS:    testNS,
		Range: chunks[0].Range,
		From:  chunks[0].Shard,
		To:    chunks[1].Shard,
	}, &moved))

	cache.OnStaleShardVersion(testNS, &moved.Version)
	ri2, err := cache.GetRoutingInfo(ctx, testNS, false)
	require.NoError(t, err)
	assert.Equal(t, 3, ri2.NumChunks())
	assert.True(t, ri.Version().IsOlderThan(ri2.Version()))
	owner, err = ri2.ShardForKey(chunk.NewKey(-5.0))
	require.NoError(t, err)
	assert.Equal(t, chunks[1].Shard, owner)
	assert.Equal(t, moved.Version, ri2.Version())
}

func TestFindRequiresArguments(t *testing.T) {
	ctx := context.Background()
	_, base := startServer(t)
	for _, path := range []string{catalog.PathFindCollection, catalog.PathFindChunks} {
		t.Run(path, func(t *testing.T) {
			err := cluster.PostJSON(ctx, base+path, catalog.FindRequest{ReadConcern: catalog.ReadMajority}, nil)
			assert.True(t, errors.Is(err, errcode.BadValue), "got %v", err)
		})
	}
}
