// Package main implements the shardmeta router, a stateless front end that
// answers "which shard owns this key" from a routing table cache.
//
// HTTP API:
//
//	GET  /routing/{db}/{coll}[?refresh=1]  routing snapshot
//	GET  /route/{db}/{coll}?key=[...]      owning shard of one key
//	GET  /databases/{db}                   cached database entry
//	POST /stale                            report a stale version
//	POST /invalidate                       drop cached entries
//	GET  /cache/stats                      cache counters
//	GET  /health, /metrics
//
// The cache reads the config servers listed in catalogClient.addrs
// (CONFIGSVR_ADDR) and listens on router.listen (ROUTER_LISTEN).
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
	"github.com/dreamware/shardmeta/internal/errcode"
)

func main() {
	cfg, err := config.Load("")
	if err == nil {
		err = cfg.Validate(config.RoleRouter)
	}
	if err != nil {
		_, _ = os.Stderr.WriteString("router: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := cfg.Logging.NewLogger("router")
	if err != nil {
		_, _ = os.Stderr.WriteString("router: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	cache := newCache(cfg.CatalogClient, logger, reg)
	srv := &server{cache: cache, logger: logger}

	httpSrv := &http.Server{
		Addr:              cfg.Router.Listen,
		Handler:           srv.routes(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("router listening", zap.String("addr", cfg.Router.Listen),
			zap.Strings("configsvr", cfg.CatalogClient.Addrs))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	logger.Info("router stopped")
}

func newCache(cc config.CatalogClientConfig, logger *zap.Logger, reg prometheus.Registerer) *catalog.Cache {
	client := catalog.NewHTTPClient(cc.Addrs, logger)
	client.SetRetryPolicy(cc.MaxAttempts, cc.InitialBackoff)
	return catalog.NewCache(client,
		catalog.WithLogger(logger),
		catalog.WithMetricsRegisterer(reg),
		catalog.WithMaxRefreshAttempts(cc.MaxRefreshAttempts),
		catalog.WithRefreshTimeout(cc.RefreshTimeout))
}

type server struct {
	cache  *catalog.Cache
	logger *zap.Logger
}

func (s *server) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /routing/{db}/{coll}", s.handleRouting)
	mux.HandleFunc("GET /route/{db}/{coll}", s.handleRoute)
	mux.HandleFunc("GET /databases/{db}", s.handleDatabase)
	mux.HandleFunc("POST /stale", s.handleStale)
	mux.HandleFunc("POST /invalidate", s.handleInvalidate)
	mux.HandleFunc("GET /cache/stats", func(w http.ResponseWriter, _ *http.Request) {
		cluster.WriteJSON(w, http.StatusOK, s.cache.Stats())
	})
	return mux
}

func namespaceOf(r *http.Request) (chunk.Namespace, error) {
	nss := chunk.Namespace{DB: r.PathValue("db"), Coll: r.PathValue("coll")}
	if nss.DB == "" || nss.Coll == "" {
		return nss, errcode.New(errcode.BadValue, "invalid namespace %q", nss)
	}
	return nss, nil
}

func (s *server) handleRouting(w http.ResponseWriter, r *http.Request) {
	nss, err := namespaceOf(r)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	refresh := r.URL.Query().Get("refresh") == "1"
	ri, err := s.cache.GetRoutingInfo(r.Context(), nss, refresh)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, ri)
}

type routeReply struct {
	NS           chunk.Namespace    `json:"ns"`
	Shard        chunk.ShardID      `json:"shard"`
	Chunk        json.RawMessage    `json:"chunk,omitempty"`
	ShardVersion chunk.ChunkVersion `json:"shardVersion"`
}

func (s *server) handleRoute(w http.ResponseWriter, r *http.Request) {
	nss, err := namespaceOf(r)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	var key chunk.Key
	if err := json.Unmarshal([]byte(r.URL.Query().Get("key")), &key); err != nil {
		cluster.WriteError(w, errcode.Wrap(errcode.FailedToParse, err, "key must be a JSON array"))
		return
	}
	ri, err := s.cache.GetRoutingInfo(r.Context(), nss, false)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	reply := routeReply{NS: nss}
	if !ri.IsSharded() {
		reply.Shard = ri.DBPrimary()
		cluster.WriteJSON(w, http.StatusOK, reply)
		return
	}
	c, err := ri.FindChunkForKey(key)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	reply.Shard = c.Shard
	reply.Chunk = c.ToDocument()
	reply.ShardVersion = ri.ShardVersion(c.Shard)
	cluster.WriteJSON(w, http.StatusOK, reply)
}

func (s *server) handleDatabase(w http.ResponseWriter, r *http.Request) {
	db, err := s.cache.GetDatabase(r.Context(), r.PathValue("db"))
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, db)
}

// staleRequest reports that a shard rejected a request routed with an old
// version. Either NS or DB is set.
type staleRequest struct {
	NS       *chunk.Namespace         `json:"ns,omitempty"`
	Wanted   *chunk.ChunkVersion      `json:"wanted,omitempty"`
	DB       string                   `json:"db,omitempty"`
	WantedDB *catalog.DatabaseVersion `json:"wantedDb,omitempty"`
}

func (s *server) handleStale(w http.ResponseWriter, r *http.Request) {
	var req staleRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	switch {
	case req.NS != nil:
		s.cache.OnStaleShardVersion(*req.NS, req.Wanted)
	case req.DB != "":
		s.cache.OnStaleDatabaseVersion(req.DB, req.WantedDB)
	default:
		cluster.WriteError(w, errcode.New(errcode.BadValue, "ns or db is required"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type invalidateRequest struct {
	NS  *chunk.Namespace `json:"ns,omitempty"`
	DB  string           `json:"db,omitempty"`
	All bool             `json:"all,omitempty"`
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	switch {
	case req.All:
		s.cache.InvalidateEntireCache()
	case req.NS != nil:
		s.cache.Invalidate(*req.NS)
	case req.DB != "":
		s.cache.InvalidateDatabase(req.DB)
	default:
		cluster.WriteError(w, errcode.New(errcode.BadValue, "one of ns, db or all is required"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
