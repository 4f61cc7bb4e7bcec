package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/shardmeta/internal/catalog"
	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/cluster"
	"github.com/dreamware/shardmeta/internal/errcode"
	"github.com/dreamware/shardmeta/internal/migration"
	"github.com/dreamware/shardmeta/internal/shard"
)

// node is the runtime state of one shard process.
//
// Collections are created lazily: the first request naming a sharded
// collection loads its routing info and records the chunks placed on this
// shard as owned. Collections arriving through a migration are created by
// the recipient instead.
type node struct {
	id         chunk.ShardID
	catalog    *shard.Catalog
	deleter    *shard.RangeDeleter
	registry   *migration.ActiveMigrationsRegistry
	migrations *migration.Manager
	donor      *migration.SnapshotSource
	routing    *catalog.Cache
	logger     *zap.Logger
}

func newNode(id chunk.ShardID, open shard.StoreOpener, routing *catalog.Cache, dial migration.DonorDialer,
	mcfg migration.Config, logger *zap.Logger) *node {
	if logger == nil {
		logger = zap.NewNop()
	}
	deleter := shard.NewRangeDeleter(logger, 0)
	cat := shard.NewCatalog(id, open, deleter, logger)
	registry := migration.NewActiveMigrationsRegistry()
	mcfg.Logger = logger
	return &node{
		id:         id,
		catalog:    cat,
		deleter:    deleter,
		registry:   registry,
		migrations: migration.NewManager(id, cat, registry, dial, mcfg),
		donor:      migration.NewSnapshotSource(cat, registry, logger),
		routing:    routing,
		logger:     logger,
	}
}

func (n *node) close(ctx context.Context) {
	if err := n.migrations.Close(ctx); err != nil {
		n.logger.Warn("closing migration manager", zap.Error(err))
	}
	n.deleter.Stop()
}

func (n *node) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	mux.HandleFunc("POST /migration/start", n.handleStartMigration)
	mux.HandleFunc("POST /migration/commit", n.handleCommitMigration)
	mux.HandleFunc("POST /migration/abort", n.handleAbortMigration)
	mux.HandleFunc("GET /migration/status", n.handleMigrationStatus)
	n.donor.Register(mux)

	mux.HandleFunc("GET /collections", n.handleListCollections)
	mux.HandleFunc("GET /collections/{db}/{coll}/docs", n.handleReadRange)
	mux.HandleFunc("POST /collections/{db}/{coll}/docs", n.handleInsert)
	mux.HandleFunc("POST /collections/{db}/{coll}/release", n.handleRelease)
	return mux
}

type startMigrationRequest struct {
	migration.StartRequest
	Epoch        uuid.UUID               `json:"epoch"`
	WriteConcern *migration.WriteConcern `json:"writeConcern,omitempty"`
}

func (n *node) handleStartMigration(w http.ResponseWriter, r *http.Request) {
	var req startMigrationRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	wc := migration.MajorityWriteConcern
	if req.WriteConcern != nil {
		wc = *req.WriteConcern
	}
	if err := n.migrations.Start(r.Context(), req.StartRequest, req.Epoch, wc); err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, n.migrations.Report(r.Context(), false))
}

type sessionRequest struct {
	SessionID migration.SessionID `json:"sessionId"`
	// Force aborts whatever migration is active, ignoring SessionID.
	Force bool `json:"force,omitempty"`
}

func (n *node) handleCommitMigration(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	if err := n.migrations.StartCommit(r.Context(), req.SessionID); err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, n.migrations.Report(r.Context(), false))
}

func (n *node) handleAbortMigration(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	var err error
	if req.Force {
		err = n.migrations.AbortWithoutSessionCheck(r.Context())
	} else {
		err = n.migrations.Abort(r.Context(), req.SessionID)
	}
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, n.migrations.Report(r.Context(), false))
}

func (n *node) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	wait := r.URL.Query().Get("wait") == "1"
	cluster.WriteJSON(w, http.StatusOK, n.migrations.Report(r.Context(), wait))
}

func (n *node) handleListCollections(w http.ResponseWriter, _ *http.Request) {
	colls := n.catalog.List()
	infos := make([]shard.CollectionInfo, len(colls))
	for i, c := range colls {
		infos[i] = c.Info()
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Shard       chunk.ShardID          `json:"shard"`
		Collections []shard.CollectionInfo `json:"collections"`
	}{Shard: n.id, Collections: infos})
}

func namespaceOf(r *http.Request) (chunk.Namespace, error) {
	nss := chunk.Namespace{DB: r.PathValue("db"), Coll: r.PathValue("coll")}
	if nss.DB == "" || nss.Coll == "" {
		return nss, errcode.New(errcode.BadValue, "invalid namespace %q", nss)
	}
	return nss, nil
}

// collection returns the local collection nss, creating it from the routing
// table when this shard has not seen it yet, and records every chunk the
// routing table places here as owned.
func (n *node) collection(ctx context.Context, nss chunk.Namespace, refresh bool) (*shard.Collection, *catalog.RoutingInfo, error) {
	ri, err := n.routing.GetRoutingInfo(ctx, nss, refresh)
	if err != nil {
		return nil, nil, err
	}
	if !ri.IsSharded() {
		return nil, nil, errcode.New(errcode.IllegalOperation, "%s is not sharded", nss)
	}
	coll, created, err := n.catalog.GetOrCreate(nss, shard.CollectionOptions{UUID: ri.UUID(), KeyPattern: ri.KeyPattern()})
	if err != nil {
		return nil, nil, err
	}
	if created {
		n.logger.Info("collection loaded from routing table", zap.Stringer("ns", nss), zap.Stringer("uuid", ri.UUID()))
	}
	for _, ch := range ri.Chunks() {
		if ch.Shard != n.id || coll.Owns(ch.Range.Min) {
			continue
		}
		if err := coll.AddOwnedRange(ch.Range); err != nil {
			n.logger.Warn("cannot record owned range", zap.Stringer("ns", nss), zap.Stringer("range", ch.Range), zap.Error(err))
		}
	}
	return coll, ri, nil
}

type insertRequest struct {
	Documents []chunk.Document `json:"documents"`
}

func (n *node) handleInsert(w http.ResponseWriter, r *http.Request) {
	nss, err := namespaceOf(r)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	var req insertRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	inserted, err := n.insert(r.Context(), nss, req.Documents)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Inserted int `json:"inserted"`
	}{Inserted: inserted})
}

// insert stores docs, refreshing the routing table once if a document falls
// outside the ranges routed to this shard.
func (n *node) insert(ctx context.Context, nss chunk.Namespace, docs []chunk.Document) (int, error) {
	coll, ri, err := n.collection(ctx, nss, false)
	if err != nil {
		return 0, err
	}
	refreshed := false
	for i := 0; i < len(docs); i++ {
		err := n.insertOne(ctx, coll, ri, docs[i])
		if err == nil {
			continue
		}
		if !errors.Is(err, errcode.StaleConfig) || refreshed {
			return i, err
		}
		refreshed = true
		if coll, ri, err = n.collection(ctx, nss, true); err != nil {
			return i, err
		}
		i--
	}
	return len(docs), nil
}

// insertOne stores doc when the routing table places its key here. A range
// given away stays owned locally until it is released, so the local
// ownership check alone is not enough.
func (n *node) insertOne(ctx context.Context, coll *shard.Collection, ri *catalog.RoutingInfo, doc chunk.Document) error {
	key, err := ri.KeyPattern().ExtractKey(doc)
	if err != nil {
		return err
	}
	owner, err := ri.ShardForKey(key)
	if err != nil {
		return err
	}
	if owner != n.id {
		return errcode.New(errcode.StaleConfig, "%s: key %s is routed to %s at version %s",
			coll.NS, key, owner, ri.Version())
	}
	return coll.Insert(ctx, doc)
}

func parseKeyParam(r *http.Request, name string, def chunk.Key) (chunk.Key, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	var k chunk.Key
	if err := json.Unmarshal([]byte(raw), &k); err != nil {
		return nil, errcode.Wrap(errcode.FailedToParse, err, "%s must be a JSON array", name)
	}
	return k, nil
}

// handleReadRange returns the documents in [min, max). Every chunk of the
// range must be on this shard according to the routing table; otherwise the
// caller routed with a stale version and gets StaleConfig.
func (n *node) handleReadRange(w http.ResponseWriter, r *http.Request) {
	nss, err := namespaceOf(r)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	coll, ri, err := n.collection(r.Context(), nss, false)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	lo, err := parseKeyParam(r, "min", ri.KeyPattern().GlobalMin())
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	hi, err := parseKeyParam(r, "max", ri.KeyPattern().GlobalMax())
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	rng := chunk.NewChunkRange(lo, hi)
	if err := rng.Validate(); err != nil {
		cluster.WriteError(w, err)
		return
	}
	for _, ch := range ri.ChunksForRange(rng) {
		if ch.Shard != n.id {
			cluster.WriteError(w, errcode.New(errcode.StaleConfig,
				"%s: chunk %s is on %s, version %s", nss, ch.Range, ch.Shard, ri.ShardVersion(n.id)))
			return
		}
	}
	docs, err := coll.ListRange(rng)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	if docs == nil {
		docs = []chunk.Document{}
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Documents []chunk.Document  `json:"documents"`
		Version   chunk.ChunkVersion `json:"shardVersion"`
	}{Documents: docs, Version: ri.ShardVersion(n.id)})
}

type releaseRequest struct {
	Range chunk.ChunkRange `json:"range"`
}

// handleRelease drops a range this shard donated and deletes its documents.
// The routing table is refreshed first and must already place the whole
// range on other shards.
func (n *node) handleRelease(w http.ResponseWriter, r *http.Request) {
	nss, err := namespaceOf(r)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	var req releaseRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	coll, ri, err := n.collection(r.Context(), nss, true)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	for _, ch := range ri.ChunksForRange(req.Range) {
		if ch.Shard == n.id {
			cluster.WriteError(w, errcode.New(errcode.IllegalOperation,
				"%s: chunk %s is still placed on this shard", nss, ch.Range))
			return
		}
	}
	done, err := coll.ReleaseOwnedRange(req.Range)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	n.donor.EndRange(nss, req.Range)
	if err := done.Wait(r.Context()); err != nil {
		cluster.WriteError(w, err)
		return
	}
	n.logger.Info("released range", zap.Stringer("ns", nss), zap.Stringer("range", req.Range), zap.Int("deleted", done.Deleted()))
	cluster.WriteJSON(w, http.StatusOK, struct {
		Deleted int `json:"deleted"`
	}{Deleted: done.Deleted()})
}
