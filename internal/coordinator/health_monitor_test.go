package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/cluster"
)

// flakyShards is a check function whose failing set can change under test.
type flakyShards struct {
	mu   sync.Mutex
	down map[string]bool
}

func (f *flakyShards) set(addr string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down == nil {
		f.down = make(map[string]bool)
	}
	f.down[addr] = down
}

func (f *flakyShards) check(_ context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return errors.New("shard is down")
	}
	return nil
}

func twoShards() []cluster.ShardInfo {
	return []cluster.ShardInfo{
		{ID: "shard0", Addr: "localhost:9100"},
		{ID: "shard1", Addr: "localhost:9101"},
	}
}

// TestNewHealthMonitor verifies the defaults of a fresh monitor.
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Second, nil)
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.Equal(t, 2*time.Second, monitor.httpClient.Timeout)
	assert.Empty(t, monitor.GetAllShardHealth())
	assert.False(t, monitor.IsHealthy("shard0"))
	assert.Nil(t, monitor.GetShardHealth("shard0"))
}

// TestHealthMonitorFailureAndRecovery walks one shard through
// healthy → unhealthy → healthy and checks each callback fires once.
func TestHealthMonitorFailureAndRecovery(t *testing.T) {
	monitor := NewHealthMonitor(10*time.Millisecond, nil)
	defer monitor.Stop()

	var f flakyShards
	monitor.SetCheckFunction(f.check)

	var (
		mu        sync.Mutex
		unhealthy []chunk.ShardID
		recovered []chunk.ShardID
	)
	monitor.SetOnUnhealthy(func(id chunk.ShardID) {
		mu.Lock()
		unhealthy = append(unhealthy, id)
		mu.Unlock()
	})
	monitor.SetOnRecovered(func(id chunk.ShardID) {
		mu.Lock()
		recovered = append(recovered, id)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, twoShards)

	require.Eventually(t, func() bool { return monitor.IsHealthy("shard0") && monitor.IsHealthy("shard1") },
		time.Second, 5*time.Millisecond)

	f.set("localhost:9100", true)
	require.Eventually(t, func() bool {
		h := monitor.GetShardHealth("shard0")
		return h != nil && h.Status == StatusUnhealthy
	}, time.Second, 5*time.Millisecond)
	assert.True(t, monitor.IsHealthy("shard1"))

	// Further failures must not repeat the callback.
	require.Eventually(t, func() bool { return monitor.GetShardHealth("shard0").ConsecutiveFails >= 5 },
		time.Second, 5*time.Millisecond)

	f.set("localhost:9100", false)
	require.Eventually(t, func() bool { return monitor.IsHealthy("shard0") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, monitor.GetShardHealth("shard0").ConsecutiveFails)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(recovered) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []chunk.ShardID{"shard0"}, unhealthy)
	assert.Equal(t, []chunk.ShardID{"shard0"}, recovered)
	mu.Unlock()
}

// TestHealthMonitorDrainsUnhealthyShards checks the registry wiring.
func TestHealthMonitorDrainsUnhealthyShards(t *testing.T) {
	reg := NewShardRegistry()
	for _, s := range twoShards() {
		_, err := reg.AddShard(s)
		require.NoError(t, err)
	}
	monitor := NewHealthMonitor(10*time.Millisecond, nil)
	defer monitor.Stop()
	var f flakyShards
	f.set("localhost:9101", true)
	monitor.SetCheckFunction(f.check)
	monitor.DrainOnFailure(reg)

	provider := func() []cluster.ShardInfo {
		var out []cluster.ShardInfo
		for _, e := range reg.ListShards() {
			out = append(out, e.Info())
		}
		return out
	}
	go monitor.Start(context.Background(), provider)

	require.Eventually(t, func() bool {
		e, _ := reg.GetShard("shard1")
		return e.State == ShardDraining
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []chunk.ShardID{"shard0"}, reg.ActiveShards())

	f.set("localhost:9101", false)
	require.Eventually(t, func() bool { return len(reg.ActiveShards()) == 2 }, time.Second, 5*time.Millisecond)
}

// TestHealthMonitorForgetsRemovedShards verifies that shards missing from the
// provider are dropped from tracking.
func TestHealthMonitorForgetsRemovedShards(t *testing.T) {
	monitor := NewHealthMonitor(10*time.Millisecond, nil)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	var mu sync.Mutex
	shards := twoShards()
	go monitor.Start(context.Background(), func() []cluster.ShardInfo {
		mu.Lock()
		defer mu.Unlock()
		return append([]cluster.ShardInfo(nil), shards...)
	})
	require.Eventually(t, func() bool { return len(monitor.GetAllShardHealth()) == 2 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	shards = shards[:1]
	mu.Unlock()
	require.Eventually(t, func() bool { return len(monitor.GetAllShardHealth()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, monitor.GetAllShardHealth(), chunk.ShardID("shard0"))
}

// TestDefaultHealthCheck probes real HTTP endpoints.
func TestDefaultHealthCheck(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	monitor := NewHealthMonitor(time.Second, nil)
	defer monitor.Stop()
	ctx := context.Background()

	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"full url", ok.URL, false},
		{"host and port", ok.Listener.Addr().String(), false},
		{"explicit path", ok.URL + "/health", false},
		{"server error", broken.URL, true},
		{"nothing listening", "127.0.0.1:1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := monitor.defaultHealthCheck(ctx, tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestHealthMonitorStop verifies Stop returns once Start exits.
func TestHealthMonitorStop(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Millisecond, nil)
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	started := make(chan struct{})
	returned := make(chan struct{})
	go func() {
		monitor.Start(context.Background(), func() []cluster.ShardInfo {
			select {
			case <-started:
			default:
				close(started)
			}
			return twoShards()
		})
		close(returned)
	}()
	<-started

	monitor.Stop()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
