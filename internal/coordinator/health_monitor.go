package coordinator

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/cluster"
)

// Health statuses reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ShardHealth tracks the health of a single shard process.
// Protected by HealthMonitor's mutex.
type ShardHealth struct {
	LastCheck        time.Time     `json:"lastCheck"`
	LastHealthy      time.Time     `json:"lastHealthy"`
	ShardID          chunk.ShardID `json:"shardId"`
	Status           string        `json:"status"`
	ConsecutiveFails int           `json:"consecutiveFails"`
}

// HealthMonitor polls every registered shard's /health endpoint. A shard
// that fails maxFailures checks in a row is reported unhealthy once; a later
// successful check reports it recovered.
type HealthMonitor struct {
	shards      map[chunk.ShardID]*ShardHealth
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(id chunk.ShardID)
	onRecovered func(id chunk.ShardID)
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor checking every interval. Shards are
// marked unhealthy after 3 consecutive failures.
func NewHealthMonitor(interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		interval:    interval,
		maxFailures: 3,
		shards:      make(map[chunk.ShardID]*ShardHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      logger.Named("health-monitor"),
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback run when a shard becomes unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(fn func(id chunk.ShardID)) { h.onUnhealthy = fn }

// SetOnRecovered sets the callback run when an unhealthy shard passes a check.
func (h *HealthMonitor) SetOnRecovered(fn func(id chunk.ShardID)) { h.onRecovered = fn }

// SetCheckFunction replaces the HTTP probe, e.g. in tests.
func (h *HealthMonitor) SetCheckFunction(fn func(ctx context.Context, addr string) error) {
	h.checkFunc = fn
}

// DrainOnFailure wires the monitor to a registry: unhealthy shards are
// marked draining and recovered shards become active again.
func (h *HealthMonitor) DrainOnFailure(reg *ShardRegistry) {
	h.SetOnUnhealthy(func(id chunk.ShardID) {
		if err := reg.SetShardDraining(id, true); err != nil {
			h.logger.Warn("cannot drain shard", zap.String("shard", string(id)), zap.Error(err))
		}
	})
	h.SetOnRecovered(func(id chunk.ShardID) {
		if err := reg.SetShardDraining(id, false); err != nil {
			h.logger.Warn("cannot reactivate shard", zap.String("shard", string(id)), zap.Error(err))
		}
	})
}

// Start checks the shards returned by provider until ctx is canceled or
// Stop is called. It blocks; run it in its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []cluster.ShardInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", zap.Duration("interval", h.interval))
	h.checkAll(provider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(provider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	h.logger.Info("health monitor stopped")
}

func (h *HealthMonitor) checkAll(shards []cluster.ShardInfo) {
	current := make(map[chunk.ShardID]bool, len(shards))
	for _, s := range shards {
		current[s.ID] = true
		h.check(s)
	}

	h.mu.Lock()
	for id := range h.shards {
		if !current[id] {
			delete(h.shards, id)
			h.logger.Info("stopped monitoring shard", zap.String("shard", string(id)))
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(s cluster.ShardInfo) {
	h.mu.Lock()
	health, ok := h.shards[s.ID]
	if !ok {
		now := time.Now()
		health = &ShardHealth{ShardID: s.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.shards[s.ID] = health
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.httpClient.Timeout)
	err := h.checkFunc(ctx, s.Addr)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.logger.Debug("health check failed",
			zap.String("shard", string(s.ID)),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("max", h.maxFailures),
			zap.Error(err))
		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.logger.Warn("shard unhealthy", zap.String("shard", string(s.ID)), zap.Int("failures", health.ConsecutiveFails))
			if h.onUnhealthy != nil {
				go h.onUnhealthy(s.ID)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		h.logger.Info("shard recovered", zap.String("shard", string(s.ID)))
		if h.onRecovered != nil {
			go h.onRecovered(s.ID)
		}
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}
	return cluster.GetJSON(ctx, url, nil)
}

// GetShardHealth returns a copy of the health record of id, or nil.
func (h *HealthMonitor) GetShardHealth(id chunk.ShardID) *ShardHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.shards[id]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// GetAllShardHealth returns copies of every health record.
func (h *HealthMonitor) GetAllShardHealth() map[chunk.ShardID]ShardHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[chunk.ShardID]ShardHealth, len(h.shards))
	for id, health := range h.shards {
		out[id] = *health
	}
	return out
}

// IsHealthy reports whether id passed its latest checks. Unknown shards are
// not healthy.
func (h *HealthMonitor) IsHealthy(id chunk.ShardID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.shards[id]
	return ok && health.Status == StatusHealthy
}
