package migration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/errcode"
	"github.com/dreamware/shardmeta/internal/shard"
)

func donorHandler(src *SnapshotSource) http.Handler {
	mux := http.NewServeMux()
	src.Register(mux)
	return mux
}

func newSourceCatalog(t *testing.T, n int) *shard.Catalog {
	t.Helper()
	cat := shard.NewCatalog("shard0", shard.MemoryStores, nil, nil)
	coll, _, err := cat.GetOrCreate(testNS, shard.CollectionOptions{
		UUID:       testUUID,
		KeyPattern: testPattern,
		Indexes:    []map[string]interface{}{{"name": "x_1", "key": map[string]interface{}{"x": 1.0}}},
	})
	require.NoError(t, err)
	require.NoError(t, coll.AddOwnedRange(chunk.NewChunkRange(testPattern.GlobalMin(), testPattern.GlobalMax())))
	for i := 0; i < n; i++ {
		require.NoError(t, coll.Insert(context.Background(), chunk.Document{"x": float64(i) / 4, "_id": float64(i)}))
	}
	return cat
}

func TestHTTPDonorPagesThroughRange(t *testing.T) {
	srv := httptest.NewServer(donorHandler(NewSnapshotSource(newSourceCatalog(t, 500), nil, nil)))
	defer srv.Close()

	req := newRequest()
	req.DonorAddr = srv.URL + "/"
	donor, err := DialHTTP(req)
	require.NoError(t, err)

	ctx := context.Background()
	opts, err := donor.CollectionOptions(ctx, testNS)
	require.NoError(t, err)
	assert.Equal(t, testUUID, opts.UUID)
	assert.Equal(t, testPattern, opts.KeyPattern)
	require.Len(t, opts.Indexes, 1)

	total, batches := 0, 0
	for {
		docs, err := donor.FetchNextBatch(ctx, req.SessionID)
		require.NoError(t, err)
		if len(docs) == 0 {
			break
		}
		batches++
		total += len(docs)
		for _, d := range docs {
			key, err := testPattern.ExtractKey(d)
			require.NoError(t, err)
			assert.True(t, req.Range.Contains(key))
		}
	}
	// x = i/4 < 100 for the first 400 documents.
	assert.Equal(t, 400, total)
	assert.Equal(t, 4, batches)

	mods, err := donor.FetchModifications(ctx, req.SessionID)
	require.NoError(t, err)
	assert.True(t, mods.Empty())
}

func TestHTTPDonorErrors(t *testing.T) {
	srv := httptest.NewServer(donorHandler(NewSnapshotSource(shard.NewCatalog("shard0", nil, nil, nil), nil, nil)))
	defer srv.Close()

	req := newRequest()
	req.DonorAddr = srv.URL
	donor, err := DialHTTP(req)
	require.NoError(t, err)
	_, err = donor.CollectionOptions(context.Background(), testNS)
	assert.True(t, errors.Is(err, errcode.NamespaceNotFound), "got %v", err)

	req.DonorAddr = ""
	_, err = DialHTTP(req)
	assert.True(t, errors.Is(err, errcode.BadValue))
}

func TestMigrationOverHTTP(t *testing.T) {
	srv := httptest.NewServer(donorHandler(NewSnapshotSource(newSourceCatalog(t, 300), nil, nil)))
	defer srv.Close()

	deleter := shard.NewRangeDeleter(nil, 0)
	defer deleter.Stop()
	cat := shard.NewCatalog("shard1", nil, deleter, nil)
	m := NewManager("shard1", cat, nil, DialHTTP, testConfig())
	defer m.Close(context.Background())

	ctx := context.Background()
	req := newRequest()
	req.DonorAddr = srv.URL
	require.NoError(t, m.Start(ctx, req, uuid.New(), MajorityWriteConcern))
	waitForState(t, m, Steady)
	require.NoError(t, m.StartCommit(ctx, req.SessionID))

	coll, ok := cat.Get(testNS)
	require.True(t, ok)
	n, err := coll.CountRange(testRange())
	require.NoError(t, err)
	assert.Equal(t, 300, n)
	assert.Len(t, coll.Options().Indexes, 1)
	assert.Equal(t, int64(300), m.Report(ctx, false).Counters.Cloned)
}

func TestSnapshotSourcePausesWritesWhileDonating(t *testing.T) {
	ctx := context.Background()
	cat := newSourceCatalog(t, 8)
	registry := NewActiveMigrationsRegistry()
	src := NewSnapshotSource(cat, registry, nil)
	srv := httptest.NewServer(donorHandler(src))
	defer srv.Close()

	req := newRequest()
	req.DonorAddr = srv.URL
	donor, err := DialHTTP(req)
	require.NoError(t, err)
	_, err = donor.CollectionOptions(ctx, testNS)
	require.NoError(t, err)

	coll, ok := cat.Get(testNS)
	require.True(t, ok)
	assert.True(t, src.Donating())
	assert.Equal(t, []chunk.ChunkRange{req.Range}, coll.DonatingRanges())

	err = coll.Insert(ctx, xdoc(50))
	assert.True(t, errors.Is(err, errcode.ConflictingOperationInProgress), "writes into the donated range wait: %v", err)
	require.NoError(t, coll.Insert(ctx, xdoc(150)), "writes outside the range go through")

	_, err = registry.RegisterReceiveChunk(testNS, req.Range, "shard2")
	assert.True(t, errors.Is(err, errcode.ConflictingOperationInProgress), "a donor does not receive at the same time")

	other := newRequest()
	other.DonorAddr = srv.URL
	second, err := DialHTTP(other)
	require.NoError(t, err)
	_, err = second.CollectionOptions(ctx, testNS)
	assert.True(t, errors.Is(err, errcode.ConflictingOperationInProgress), "one donation at a time: %v", err)

	_, err = donor.FetchNextBatch(ctx, req.SessionID)
	require.NoError(t, err, "batches of the admitted session keep flowing")

	require.NoError(t, donor.(SessionEnder).EndSession(ctx, req.SessionID))
	assert.False(t, src.Donating())
	assert.False(t, registry.IsBusy())
	require.NoError(t, coll.Insert(ctx, xdoc(50)))
	assert.False(t, src.End(req.SessionID), "ending twice is a no-op")
}

func TestSnapshotSourceEndRange(t *testing.T) {
	cat := newSourceCatalog(t, 0)
	src := NewSnapshotSource(cat, nil, nil)
	req := DonorRequest{SessionID: "s1", NS: testNS, Range: testRange(), To: "shard1"}
	_, err := src.Options(req)
	require.NoError(t, err)

	req.Range = chunk.NewChunkRange(chunk.NewKey(0.0), chunk.NewKey(50.0))
	_, err = src.Batch(req)
	assert.True(t, errors.Is(err, errcode.IllegalOperation), "a session donates one range")

	assert.Equal(t, 0, src.EndRange(chunk.Namespace{DB: "test", Coll: "bar"}, testRange()))
	assert.Equal(t, 0, src.EndRange(testNS, chunk.NewChunkRange(chunk.NewKey(0.0), chunk.NewKey(50.0))))
	assert.Equal(t, 1, src.EndRange(testNS, chunk.NewChunkRange(chunk.NewKey(-10.0), chunk.NewKey(200.0))))
	assert.False(t, src.Donating())
}

func TestRegistryAdmitsOneMigration(t *testing.T) {
	r := NewActiveMigrationsRegistry()
	rng := testRange()

	recv, err := r.RegisterReceiveChunk(testNS, rng, "shard0")
	require.NoError(t, err)
	assert.True(t, r.IsBusy())

	_, err = r.RegisterReceiveChunk(testNS, rng, "shard2")
	assert.True(t, errors.Is(err, errcode.ConflictingOperationInProgress))
	_, err = r.RegisterDonateChunk(testNS, rng, "shard2")
	assert.True(t, errors.Is(err, errcode.ConflictingOperationInProgress))
	assert.Contains(t, err.Error(), "already receiving")

	recv.Release()
	recv.Release()
	assert.False(t, r.IsBusy())

	donate, err := r.RegisterDonateChunk(testNS, rng, "shard2")
	require.NoError(t, err)
	_, err = r.RegisterReceiveChunk(testNS, rng, "shard0")
	assert.Contains(t, err.Error(), "already donating")
	donate.Release()

	again, err := r.RegisterReceiveChunk(testNS, rng, "shard0")
	require.NoError(t, err)
	recv.Release()
	assert.True(t, r.IsBusy(), "stale handle must not release a newer admission")
	again.Release()
}

func TestSessionID(t *testing.T) {
	a := GenerateSessionID("shard0", "shard1")
	b := GenerateSessionID("shard0", "shard1")
	assert.True(t, strings.HasPrefix(a.String(), "shard0_shard1_"))
	assert.True(t, a.Matches(a))
	assert.False(t, a.Matches(b))
	assert.False(t, SessionID("").Matches(""))
}

func TestStateNames(t *testing.T) {
	tests := []struct {
		state State
		name  string
		term  bool
	}{
		{Ready, "ready", false},
		{Clone, "clone", false},
		{Catchup, "catchup", false},
		{Steady, "steady", false},
		{CommitStart, "commitStart", false},
		{Done, "done", true},
		{Fail, "fail", true},
		{Abort, "abort", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.state.String())
			assert.Equal(t, tt.term, tt.state.IsTerminal())

			b, err := tt.state.MarshalJSON()
			require.NoError(t, err)
			var back State
			require.NoError(t, back.UnmarshalJSON(b))
			assert.Equal(t, tt.state, back)
		})
	}
}
