// Package main implements a shardmeta shard process. A shard hosts chunks of
// sharded collections, receives chunks from other shards through the
// migration recipient and serves its own chunks to recipients as a donor.
//
//	┌───────────────────────────────────────────────┐
//	│                    SHARD                      │
//	├───────────────────────────────────────────────┤
//	│  Migration recipient:                         │
//	│    POST /migration/start    begin cloning     │
//	│    POST /migration/commit   enter commit      │
//	│    POST /migration/abort    abort             │
//	│    GET  /migration/status   report [?wait=1]  │
//	│  Donor:                                       │
//	│    POST /migration/donor/{options,batch,mods} │
//	│  Data:                                        │
//	│    GET  /collections                          │
//	│    GET  /collections/{db}/{coll}/docs         │
//	│    POST /collections/{db}/{coll}/docs         │
//	│  Ops:                                         │
//	│    GET  /health, /metrics                     │
//	├───────────────────────────────────────────────┤
//	│  shard.Catalog over pebble (shard.dataDir)    │
//	│  catalog.Cache over the config servers        │
//	└───────────────────────────────────────────────┘
//
// Configuration:
//   - SHARD_ID: shard identifier (required)
//   - SHARD_LISTEN: listen address (default ":8081")
//   - SHARD_ADDR: address other processes use (default "http://127.0.0.1:8081")
//   - SHARD_DATA_DIR: pebble directory; empty keeps data in memory
//   - CONFIGSVR_ADDR: comma separated config server URLs
//
// Example:
//
//	SHARD_ID=shard0 \
//	SHARD_LISTEN=:8081 \
//	SHARD_ADDR=http://localhost:8081 \
//	SHARD_DATA_DIR=/var/lib/shardmeta/shard0 \
//	CONFIGSVR_ADDR=http://localhost:8080 \
//	./shard
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/shardmeta/internal/catalog"
	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/cluster"
	"github.com/dreamware/shardmeta/internal/config"
	"github.com/dreamware/shardmeta/internal/errcode"
	"github.com/dreamware/shardmeta/internal/migration"
	"github.com/dreamware/shardmeta/internal/shard"
	"github.com/dreamware/shardmeta/internal/storage"
)

func main() {
	cfg, err := config.Load("")
	if err == nil {
		err = cfg.Validate(config.RoleShard)
	}
	if err != nil {
		_, _ = os.Stderr.WriteString("shard: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := cfg.Logging.NewLogger("shard")
	if err != nil {
		_, _ = os.Stderr.WriteString("shard: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger = logger.With(zap.String("shard", cfg.Shard.ID))
	defer func() { _ = logger.Sync() }()

	open := shard.MemoryStores
	if dir := cfg.Shard.DataDir; dir != "" {
		db, err := storage.OpenPebble(dir, nil)
		if err != nil {
			logger.Fatal("open storage", zap.String("dir", dir), zap.Error(err))
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Warn("closing storage", zap.Error(err))
			}
		}()
		open = shard.PebbleStores(db)
		logger.Info("storage opened", zap.String("dir", dir))
	} else {
		logger.Warn("no data directory configured, documents are kept in memory")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	client := catalog.NewHTTPClient(cfg.CatalogClient.Addrs, logger)
	client.SetRetryPolicy(cfg.CatalogClient.MaxAttempts, cfg.CatalogClient.InitialBackoff)
	routing := catalog.NewCache(client,
		catalog.WithLogger(logger),
		catalog.WithMetricsRegisterer(reg),
		catalog.WithMaxRefreshAttempts(cfg.CatalogClient.MaxRefreshAttempts),
		catalog.WithRefreshTimeout(cfg.CatalogClient.RefreshTimeout))

	n := newNode(chunk.ShardID(cfg.Shard.ID), open, routing, nil, migration.Config{
		CatchupMaxPasses:   cfg.Shard.Migration.CatchupMaxPasses,
		SteadyPollInterval: cfg.Shard.Migration.SteadyPollInterval,
		CommitTimeout:      cfg.Shard.Migration.CommitTimeout,
		Registerer:         reg,
	}, logger)

	s := &http.Server{
		Addr:              cfg.Shard.Listen,
		Handler:           n.routes(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("shard listening", zap.String("listen", cfg.Shard.Listen), zap.String("public", cfg.Shard.PublicAddr))
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	ctx := context.Background()
	if err := register(ctx, cfg.CatalogClient.Addrs, cluster.ShardInfo{ID: n.id, Addr: cfg.Shard.PublicAddr}, logger); err != nil {
		logger.Fatal("failed to register with config server", zap.Error(err))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	n.close(ctx)
	logger.Info("shard stopped")
}

// register announces the shard to the first config server that accepts it,
// retrying with exponential backoff.
func register(ctx context.Context, addrs []string, info cluster.ShardInfo, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(policy, 9), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		addr := addrs[attempt%len(addrs)]
		attempt++
		err := cluster.PostJSON(ctx, addr+"/shards/register", cluster.RegisterRequest{Shard: info}, nil)
		if errors.Is(err, errcode.BadValue) {
			return backoff.Permanent(err)
		}
		if err != nil {
			logger.Warn("register retry", zap.String("configsvr", addr), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		logger.Info("registered with config server", zap.String("configsvr", addr))
		return nil
	}, b)
}
