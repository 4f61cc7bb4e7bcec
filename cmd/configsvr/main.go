// Package main implements the shardmeta config server, the authoritative
// owner of the cluster's sharding metadata.
//
// The config server keeps the shard registry, the database and collection
// entries and every chunk table, and serves them to routers and shards:
//
//	┌──────────────────────────────────────────────┐
//	│                CONFIG SERVER                 │
//	├──────────────────────────────────────────────┤
//	│  Shards:                                     │
//	│    POST /shards/register   register a shard  │
//	│    GET  /shards            shards and health │
//	│  Metadata:                                   │
//	│    POST /databases         create database   │
//	│    POST /databases/move-primary              │
//	│    POST /collections/shard shard collection  │
//	│    POST /collections/refine refine key       │
//	│    POST /collections/drop  drop collection   │
//	│    GET  /collections       list collections  │
//	│    POST /chunks/split      split a chunk     │
//	│    POST /chunks/merge      merge chunks      │
//	│    POST /chunks/commit-migration             │
//	│  Catalog reads (catalog.HTTPClient):         │
//	│    POST /find/database                       │
//	│    POST /find/collection                     │
//	│    POST /find/chunks                         │
//	│  Ops:                                        │
//	│    GET  /health, /metrics                    │
//	└──────────────────────────────────────────────┘
//
// Configuration comes from the YAML file named by SHARDMETA_CONFIG with
// CONFIGSVR_LISTEN and LOG_LEVEL overrides.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/shardmeta/internal/catalog"
	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/cluster"
	"github.com/dreamware/shardmeta/internal/config"
	"github.com/dreamware/shardmeta/internal/coordinator"
	"github.com/dreamware/shardmeta/internal/errcode"
)

func main() {
	cfg, err := config.Load("")
	if err == nil {
		err = cfg.Validate(config.RoleConfigSvr)
	}
	if err != nil {
		fatal(err)
	}
	logger, err := cfg.Logging.NewLogger("configsvr")
	if err != nil {
		fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := newServer(logger)
	monitor := coordinator.NewHealthMonitor(cfg.ConfigSvr.HealthInterval, logger)
	monitor.DrainOnFailure(srv.registry)
	srv.health = monitor

	ctx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go monitor.Start(ctx, srv.shardInfos)

	httpSrv := &http.Server{
		Addr:              cfg.ConfigSvr.Listen,
		Handler:           srv.routes(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("config server listening", zap.String("addr", cfg.ConfigSvr.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	monitor.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("config server stopped")
}

func fatal(err error) {
	_, _ = os.Stderr.WriteString("configsvr: " + err.Error() + "\n")
	os.Exit(1)
}

type server struct {
	registry *coordinator.ShardRegistry
	catalog  *coordinator.ConfigCatalog
	health   *coordinator.HealthMonitor
	logger   *zap.Logger
}

func newServer(logger *zap.Logger) *server {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := coordinator.NewShardRegistry()
	return &server{
		registry: registry,
		catalog:  coordinator.NewConfigCatalog(registry, logger),
		logger:   logger,
	}
}

func (s *server) shardInfos() []cluster.ShardInfo {
	entries := s.registry.ListShards()
	out := make([]cluster.ShardInfo, len(entries))
	for i, e := range entries {
		out[i] = e.Info()
	}
	return out
}

func (s *server) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	mux.HandleFunc("/shards/register", only(http.MethodPost, s.handleRegister))
	mux.HandleFunc("/shards", only(http.MethodGet, s.handleListShards))

	mux.HandleFunc("/databases", s.handleDatabases)
	mux.HandleFunc("/databases/move-primary", only(http.MethodPost, s.handleMovePrimary))
	mux.HandleFunc("/collections", only(http.MethodGet, s.handleListCollections))
	mux.HandleFunc("/collections/shard", only(http.MethodPost, s.handleShardCollection))
	mux.HandleFunc("/collections/refine", only(http.MethodPost, s.handleRefineShardKey))
	mux.HandleFunc("/collections/drop", only(http.MethodPost, s.handleDropCollection))
	mux.HandleFunc("/chunks/split", only(http.MethodPost, s.handleSplit))
	mux.HandleFunc("/chunks/merge", only(http.MethodPost, s.handleMerge))
	mux.HandleFunc("/chunks/commit-migration", only(http.MethodPost, s.handleCommitMigration))

	mux.HandleFunc(catalog.PathFindDatabase, only(http.MethodPost, s.handleFindDatabase))
	mux.HandleFunc(catalog.PathFindCollection, only(http.MethodPost, s.handleFindCollection))
	mux.HandleFunc(catalog.PathFindChunks, only(http.MethodPost, s.handleFindChunks))
	return mux
}

func only(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	entry, err := s.registry.AddShard(req.Shard)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	s.logger.Info("registered shard", zap.String("shard", string(entry.ID)), zap.String("addr", entry.Addr))
	cluster.WriteJSON(w, http.StatusOK, entry)
}

type shardStatus struct {
	coordinator.ShardEntry
	Health *coordinator.ShardHealth `json:"health,omitempty"`
}

func (s *server) handleListShards(w http.ResponseWriter, _ *http.Request) {
	entries := s.registry.ListShards()
	out := make([]shardStatus, len(entries))
	for i, e := range entries {
		out[i] = shardStatus{ShardEntry: e}
		if s.health != nil {
			out[i].Health = s.health.GetShardHealth(e.ID)
		}
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Shards []shardStatus `json:"shards"`
	}{Shards: out})
}

type databaseRequest struct {
	Name    string        `json:"name"`
	Primary chunk.ShardID `json:"primary,omitempty"`
}

func (s *server) handleDatabases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		name := r.URL.Query().Get("name")
		db, ok := s.catalog.Database(name)
		if !ok {
			cluster.WriteError(w, errcode.New(errcode.NamespaceNotFound, "database %s not found", name))
			return
		}
		cluster.WriteJSON(w, http.StatusOK, db)
	case http.MethodPost:
		var req databaseRequest
		if err := cluster.DecodeJSON(r, &req); err != nil {
			cluster.WriteError(w, err)
			return
		}
		db, err := s.catalog.CreateDatabase(req.Name, req.Primary)
		if err != nil {
			cluster.WriteError(w, err)
			return
		}
		cluster.WriteJSON(w, http.StatusOK, db)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleMovePrimary(w http.ResponseWriter, r *http.Request) {
	var req databaseRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	db, err := s.catalog.MovePrimary(req.Name, req.Primary)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, db)
}

func (s *server) handleListCollections(w http.ResponseWriter, _ *http.Request) {
	nss := s.catalog.Collections()
	colls := make([]catalog.CollectionEntry, 0, len(nss))
	for _, ns := range nss {
		if coll, _, ok := s.catalog.Collection(ns); ok {
			colls = append(colls, coll)
		}
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Collections []catalog.CollectionEntry `json:"collections"`
	}{Collections: colls})
}

type collectionReply struct {
	Collection catalog.CollectionEntry `json:"collection"`
	Chunks     []json.RawMessage       `json:"chunks"`
}

func chunkDocs(chunks []chunk.Chunk) []json.RawMessage {
	out := make([]json.RawMessage, len(chunks))
	for i, ch := range chunks {
		out[i] = ch.ToDocument()
	}
	return out
}

func (s *server) handleShardCollection(w http.ResponseWriter, r *http.Request) {
	var req coordinator.ShardCollectionRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	coll, chunks, err := s.catalog.ShardCollection(req)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, collectionReply{Collection: coll, Chunks: chunkDocs(chunks)})
}

type refineRequest struct {
	NS  chunk.Namespace  `json:"ns"`
	Key chunk.KeyPattern `json:"key"`
}

func (s *server) handleRefineShardKey(w http.ResponseWriter, r *http.Request) {
	var req refineRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	coll, err := s.catalog.RefineShardKey(req.NS, req.Key)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, coll)
}

type nsRequest struct {
	NS chunk.Namespace `json:"ns"`
}

func (s *server) handleDropCollection(w http.ResponseWriter, r *http.Request) {
	var req nsRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	if err := s.catalog.DropCollection(req.NS); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type splitRequest struct {
	NS chunk.Namespace `json:"ns"`
	At chunk.Key       `json:"at"`
}

func (s *server) handleSplit(w http.ResponseWriter, r *http.Request) {
	var req splitRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	chunks, err := s.catalog.SplitChunk(req.NS, req.At)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Chunks []json.RawMessage `json:"chunks"`
	}{Chunks: chunkDocs(chunks)})
}

type rangeRequest struct {
	NS    chunk.Namespace  `json:"ns"`
	Range chunk.ChunkRange `json:"range"`
	From  chunk.ShardID    `json:"from,omitempty"`
	To    chunk.ShardID    `json:"to,omitempty"`
}

func (s *server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req rangeRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	merged, err := s.catalog.MergeChunks(req.NS, req.Range)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, merged.ToDocument())
}

func (s *server) handleCommitMigration(w http.ResponseWriter, r *http.Request) {
	var req rangeRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	if req.From == "" || req.To == "" {
		cluster.WriteError(w, errcode.New(errcode.BadValue, "from and to are required"))
		return
	}
	version, err := s.catalog.CommitChunkMigration(req.NS, req.Range, req.From, req.To)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Version chunk.ChunkVersion `json:"version"`
	}{Version: version})
}

func (s *server) decodeFind(w http.ResponseWriter, r *http.Request) (catalog.FindRequest, bool) {
	var req catalog.FindRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return req, false
	}
	return req, true
}

func (s *server) handleFindDatabase(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeFind(w, r)
	if !ok {
		return
	}
	reply, err := s.catalog.FindDatabase(r.Context(), req.Name, req.ReadConcern)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, reply)
}

func (s *server) handleFindCollection(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeFind(w, r)
	if !ok {
		return
	}
	if req.NS == nil {
		cluster.WriteError(w, errcode.New(errcode.BadValue, "ns is required"))
		return
	}
	reply, err := s.catalog.FindCollection(r.Context(), *req.NS, req.ReadConcern)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, reply)
}

func (s *server) handleFindChunks(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeFind(w, r)
	if !ok {
		return
	}
	if req.CollectionUUID == nil {
		cluster.WriteError(w, errcode.New(errcode.BadValue, "collectionUuid is required"))
		return
	}
	var pred catalog.VersionPredicate
	if req.Predicate != nil {
		pred = *req.Predicate
	}
	reply, err := s.catalog.FindChunks(r.Context(), *req.CollectionUUID, pred, req.ReadConcern)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, reply)
}
