package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardmeta/internal/catalog"
	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/cluster"
	"github.com/dreamware/shardmeta/internal/coordinator"
	"github.com/dreamware/shardmeta/internal/errcode"
	"github.com/dreamware/shardmeta/internal/migration"
	"github.com/dreamware/shardmeta/internal/shard"
)

var (
	testNS  = chunk.Namespace{DB: "test", Coll: "foo"}
	testKey = chunk.KeyPattern{"x"}
)

type testShard struct {
	node  *node
	cache *catalog.Cache
	url   string
}

type testCluster struct {
	config *coordinator.ConfigCatalog
	shards map[chunk.ShardID]*testShard
}

// newCluster starts two shards backed by one in-process config catalog and
// shards testNS with a single chunk on shard0.
func newCluster(t *testing.T) *testCluster {
	t.Helper()
	reg := coordinator.NewShardRegistry()
	cc := coordinator.NewConfigCatalog(reg, nil)
	c := &testCluster{config: cc, shards: make(map[chunk.ShardID]*testShard)}

	for _, id := range []chunk.ShardID{"shard0", "shard1"} {
		cache := catalog.NewCache(cc)
		n := newNode(id, shard.MemoryStores, cache, nil, migration.Config{
			SteadyPollInterval: 5 * time.Millisecond,
			CommitTimeout:      5 * time.Second,
		}, nil)
		ts := httptest.NewServer(n.routes(nil))
		t.Cleanup(func() {
			ts.Close()
			n.close(context.Background())
		})
		_, err := reg.AddShard(cluster.ShardInfo{ID: id, Addr: ts.URL})
		require.NoError(t, err)
		c.shards[id] = &testShard{node: n, cache: cache, url: ts.URL}
	}

	_, chunks, err := cc.ShardCollection(coordinator.ShardCollectionRequest{NS: testNS, Key: testKey})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, chunk.ShardID("shard0"), chunks[0].Shard)
	return c
}

func docs(from, to int) []chunk.Document {
	var out []chunk.Document
	for i := from; i < to; i++ {
		out = append(out, chunk.Document{"_id": float64(i), "x": float64(i)})
	}
	return out
}

type rangeReply struct {
	Documents []chunk.Document   `json:"documents"`
	Version   chunk.ChunkVersion `json:"shardVersion"`
}

func readRange(ctx context.Context, base string, lo, hi string) (rangeReply, error) {
	q := url.Values{}
	if lo != "" {
		q.Set("min", lo)
	}
	if hi != "" {
		q.Set("max", hi)
	}
	var reply rangeReply
	err := cluster.GetJSON(ctx, base+"/collections/test/foo/docs?"+q.Encode(), &reply)
	return reply, err
}

func TestInsertAndReadOwnedRange(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	s0 := c.shards["shard0"]

	var inserted struct {
		Inserted int `json:"inserted"`
	}
	require.NoError(t, cluster.PostJSON(ctx, s0.url+"/collections/test/foo/docs", insertRequest{Documents: docs(-10, 10)}, &inserted))
	assert.Equal(t, 20, inserted.Inserted)

	reply, err := readRange(ctx, s0.url, "[-5]", "[5]")
	require.NoError(t, err)
	assert.Len(t, reply.Documents, 10)

	all, err := readRange(ctx, s0.url, "", "")
	require.NoError(t, err)
	assert.Len(t, all.Documents, 20)

	_, err = readRange(ctx, s0.url, "[5]", "[1]")
	assert.True(t, errors.Is(err, errcode.BadValue))
	_, err = readRange(ctx, s0.url, "five", "")
	assert.True(t, errors.Is(err, errcode.FailedToParse))

	err = cluster.PostJSON(ctx, c.shards["shard1"].url+"/collections/test/foo/docs", insertRequest{Documents: docs(0, 1)}, nil)
	assert.True(t, errors.Is(err, errcode.StaleConfig), "shard1 owns nothing: %v", err)

	var listed struct {
		Shard       chunk.ShardID          `json:"shard"`
		Collections []shard.CollectionInfo `json:"collections"`
	}
	require.NoError(t, cluster.GetJSON(ctx, s0.url+"/collections", &listed))
	require.Len(t, listed.Collections, 1)
	assert.Equal(t, 20, listed.Collections[0].KeyCount)
}

func migrationStatus(t *testing.T, base string) migration.Report {
	t.Helper()
	var r migration.Report
	require.NoError(t, cluster.GetJSON(context.Background(), base+"/migration/status?wait=1", &r))
	return r
}

func TestMoveChunkBetweenShards(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	s0, s1 := c.shards["shard0"], c.shards["shard1"]
	require.NoError(t, cluster.PostJSON(ctx, s0.url+"/collections/test/foo/docs", insertRequest{Documents: docs(-50, 50)}, nil))

	halves, err := c.config.SplitChunk(testNS, chunk.NewKey(0.0))
	require.NoError(t, err)
	moving := halves[0].Range
	coll, _, _ := c.config.Collection(testNS)

	req := startMigrationRequest{
		StartRequest: migration.StartRequest{
			SessionID:      migration.GenerateSessionID("shard0", "shard1"),
			NS:             testNS,
			CollectionUUID: coll.UUID,
			FromShard:      "shard0",
			ToShard:        "shard1",
			DonorAddr:      s0.url,
			Range:          moving,
			KeyPattern:     testKey,
		},
		Epoch: coll.Epoch,
	}
	var started migration.Report
	require.NoError(t, cluster.PostJSON(ctx, s1.url+"/migration/start", req, &started))
	assert.True(t, started.Active)

	err = cluster.PostJSON(ctx, s1.url+"/migration/start", req, nil)
	assert.True(t, errors.Is(err, errcode.ConflictingOperationInProgress))

	require.Eventually(t, func() bool {
		return migrationStatus(t, s1.url).State == migration.Steady
	}, 5*time.Second, 10*time.Millisecond)

	docsURL := s0.url + "/collections/test/foo/docs"
	err = cluster.PostJSON(ctx, docsURL, insertRequest{Documents: []chunk.Document{{"_id": 1000.0, "x": -7.5}}}, nil)
	assert.True(t, errors.Is(err, errcode.ConflictingOperationInProgress), "writes to the donated range are paused: %v", err)
	require.NoError(t, cluster.PostJSON(ctx, docsURL, insertRequest{Documents: []chunk.Document{{"_id": 1001.0, "x": 7.5}}}, nil))

	_, err = c.shards["shard1"].node.registry.RegisterDonateChunk(testNS, moving, "shard0")
	assert.True(t, errors.Is(err, errcode.ConflictingOperationInProgress), "recipient is busy")
	_, err = s0.node.registry.RegisterReceiveChunk(testNS, moving, "shard1")
	assert.True(t, errors.Is(err, errcode.ConflictingOperationInProgress), "donor is busy")

	var done migration.Report
	require.NoError(t, cluster.PostJSON(ctx, s1.url+"/migration/commit", sessionRequest{SessionID: req.SessionID}, &done))
	assert.Equal(t, migration.Done, done.State)
	assert.False(t, done.Active)
	assert.Equal(t, int64(50), done.Counters.Cloned)

	v, err := c.config.CommitChunkMigration(testNS, moving, "shard0", "shard1")
	require.NoError(t, err)

	moved, err := readRange(ctx, s1.url, "", "[0]")
	require.NoError(t, err)
	assert.Len(t, moved.Documents, 50)
	assert.Equal(t, v.Major, moved.Version.Major, "the moved chunk carries the new major version")

	s0.cache.OnStaleShardVersion(testNS, &v)
	_, err = readRange(ctx, s0.url, "", "[0]")
	assert.True(t, errors.Is(err, errcode.StaleConfig), "donor no longer owns the range: %v", err)
	err = cluster.PostJSON(ctx, docsURL, insertRequest{Documents: []chunk.Document{{"_id": 1000.0, "x": -7.5}}}, nil)
	assert.True(t, errors.Is(err, errcode.StaleConfig), "inserts follow the routing table: %v", err)

	kept, err := readRange(ctx, s0.url, "[0]", "")
	require.NoError(t, err)
	assert.Len(t, kept.Documents, 51)

	var released struct {
		Deleted int `json:"deleted"`
	}
	releaseURL := s0.url + "/collections/" + testNS.DB + "/" + testNS.Coll + "/release"
	require.NoError(t, cluster.PostJSON(ctx, releaseURL, releaseRequest{Range: moving}, &released))
	assert.Equal(t, 50, released.Deleted)
	assert.False(t, s0.node.donor.Donating())
	assert.False(t, s0.node.registry.IsBusy())

	err = cluster.PostJSON(ctx, releaseURL, releaseRequest{Range: moving}, nil)
	assert.True(t, errors.Is(err, errcode.IllegalOperation), "range already released: %v", err)

	err = cluster.PostJSON(ctx, s0.url+"/collections/"+testNS.DB+"/"+testNS.Coll+"/release",
		releaseRequest{Range: chunk.NewChunkRange(chunk.NewKey(0.0), testKey.GlobalMax())}, nil)
	assert.True(t, errors.Is(err, errcode.IllegalOperation), "range still placed here: %v", err)
}

func TestInsertRoutedElsewhereIsStale(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	s0, s1 := c.shards["shard0"], c.shards["shard1"]
	require.NoError(t, cluster.PostJSON(ctx, s0.url+"/collections/test/foo/docs", insertRequest{Documents: docs(-5, 5)}, nil))

	halves, err := c.config.SplitChunk(testNS, chunk.NewKey(0.0))
	require.NoError(t, err)
	v, err := c.config.CommitChunkMigration(testNS, halves[0].Range, "shard0", "shard1")
	require.NoError(t, err)

	// shard0 still routes with the version it loaded before the move
	s0.cache.OnStaleShardVersion(testNS, &v)
	var inserted struct {
		Inserted int `json:"inserted"`
	}
	batch := []chunk.Document{{"_id": 100.0, "x": 3.5}, {"_id": 101.0, "x": -3.5}}
	err = cluster.PostJSON(ctx, s0.url+"/collections/test/foo/docs", insertRequest{Documents: batch}, &inserted)
	assert.True(t, errors.Is(err, errcode.StaleConfig), "got %v", err)

	err = cluster.PostJSON(ctx, s1.url+"/collections/test/foo/docs", insertRequest{Documents: batch[1:]}, &inserted)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted.Inserted)

	moved, err := readRange(ctx, s1.url, "", "[0]")
	require.NoError(t, err)
	assert.Len(t, moved.Documents, 1)
}

func TestMigrationEndpointErrors(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	s1 := c.shards["shard1"]

	tests := []struct {
		name string
		path string
		body any
		code error
	}{
		{"start without session", "/migration/start", startMigrationRequest{}, errcode.BadValue},
		{"start for another shard", "/migration/start", startMigrationRequest{StartRequest: migration.StartRequest{
			SessionID:  "s",
			NS:         testNS,
			FromShard:  "shard0",
			ToShard:    "shard9",
			Range:      chunk.NewChunkRange(testKey.GlobalMin(), testKey.GlobalMax()),
			KeyPattern: testKey,
		}}, errcode.IllegalOperation},
		{"commit while idle", "/migration/commit", sessionRequest{SessionID: "s"}, errcode.IllegalOperation},
		{"bad json", "/migration/abort", "not an object", errcode.BadValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cluster.PostJSON(ctx, s1.url+tt.path, tt.body, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.code), "got %v", err)
		})
	}

	var r migration.Report
	require.NoError(t, cluster.PostJSON(ctx, s1.url+"/migration/abort", sessionRequest{SessionID: "nope"}, &r))
	assert.Equal(t, migration.Ready, r.State)
	require.NoError(t, cluster.PostJSON(ctx, s1.url+"/migration/abort", sessionRequest{Force: true}, &r))
	assert.False(t, r.Active)
}

func TestHealthAndMethods(t *testing.T) {
	c := newCluster(t)
	base := c.shards["shard0"].url

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, path := range []string{"/migration/start", migration.PathDonorBatch} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
	}
}

func TestRegisterRetriesUntilAccepted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			cluster.WriteError(w, errcode.New(errcode.NotWritablePrimary, "starting up"))
			return
		}
		var req cluster.RegisterRequest
		assert.NoError(t, cluster.DecodeJSON(r, &req))
		assert.Equal(t, chunk.ShardID("shard0"), req.Shard.ID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := register(context.Background(), []string{srv.URL}, cluster.ShardInfo{ID: "shard0", Addr: "http://x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	var rejects atomic.Int32
	rejected := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rejects.Add(1)
		cluster.WriteError(w, errcode.New(errcode.BadValue, "no address"))
	}))
	defer rejected.Close()
	err = register(context.Background(), []string{rejected.URL}, cluster.ShardInfo{ID: "shard0"}, nil)
	assert.True(t, errors.Is(err, errcode.BadValue))
	assert.Equal(t, int32(1), rejects.Load(), "bad requests are not retried")
}
