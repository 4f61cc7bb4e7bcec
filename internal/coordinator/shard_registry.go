package coordinator

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/cluster"
	"github.com/dreamware/shardmeta/internal/errcode"
)

// ShardState is the placement status of a registered shard.
type ShardState string

const (
	// ShardActive shards receive new chunks and database primaries.
	ShardActive ShardState = "active"
	// ShardDraining shards keep what they own but are skipped by placement.
	ShardDraining ShardState = "draining"
)

// ShardEntry is the registry record of one shard process.
//
// Entries are values; the registry hands out copies so callers can never
// mutate registry state behind its lock.
type ShardEntry struct {
	ID           chunk.ShardID `json:"id"`
	Addr         string        `json:"addr"`
	State        ShardState    `json:"state"`
	RegisteredAt time.Time     `json:"registeredAt"`
}

// Info returns the address record used by the HTTP layers.
func (e ShardEntry) Info() cluster.ShardInfo { return cluster.ShardInfo{ID: e.ID, Addr: e.Addr} }

// ShardRegistry tracks the shard processes of the cluster and decides where
// new chunks go.
//
// Placement is round-robin over active shards in ID order:
//
//	active: [shard0, shard1, shard2]
//	chunks:  c0→shard0  c1→shard1  c2→shard2  c3→shard0 ...
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied
type ShardRegistry struct {
	mu     sync.RWMutex
	shards map[chunk.ShardID]*ShardEntry
	now    func() time.Time
}

// NewShardRegistry creates an empty registry.
func NewShardRegistry() *ShardRegistry {
	return &ShardRegistry{
		shards: make(map[chunk.ShardID]*ShardEntry),
		now:    time.Now,
	}
}

// AddShard registers a shard or updates the address of a known one.
//
// Re-registration is how a restarted shard process announces its new
// address; it keeps the shard's state, so a draining shard stays draining.
//
// Returns:
//   - the registry entry after the update
//   - BadValue if the ID or address is empty
func (r *ShardRegistry) AddShard(info cluster.ShardInfo) (ShardEntry, error) {
	if info.ID == "" {
		return ShardEntry{}, errcode.New(errcode.BadValue, "shard id cannot be empty")
	}
	if strings.TrimSpace(info.Addr) == "" {
		return ShardEntry{}, errcode.New(errcode.BadValue, "shard %s has no address", info.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.shards[info.ID]; ok {
		e.Addr = info.Addr
		return *e, nil
	}
	e := &ShardEntry{ID: info.ID, Addr: info.Addr, State: ShardActive, RegisteredAt: r.now()}
	r.shards[info.ID] = e
	return *e, nil
}

// GetShard returns a copy of the entry for id.
func (r *ShardRegistry) GetShard(id chunk.ShardID) (ShardEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.shards[id]
	if !ok {
		return ShardEntry{}, false
	}
	return *e, true
}

// ListShards returns every registered shard sorted by ID.
func (r *ShardRegistry) ListShards() []ShardEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ShardEntry, 0, len(r.shards))
	for _, e := range r.shards {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b ShardEntry) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

// SetShardDraining moves a shard in or out of the draining state.
func (r *ShardRegistry) SetShardDraining(id chunk.ShardID, draining bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.shards[id]
	if !ok {
		return errcode.New(errcode.BadValue, "unknown shard %s", id)
	}
	if draining {
		e.State = ShardDraining
	} else {
		e.State = ShardActive
	}
	return nil
}

// ActiveShards returns the IDs of shards eligible for placement, sorted.
func (r *ShardRegistry) ActiveShards() []chunk.ShardID {
	var ids []chunk.ShardID
	for _, e := range r.ListShards() {
		if e.State == ShardActive {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// Assign distributes n new chunks across the active shards round-robin,
// starting at offset. The result has one shard per chunk.
//
// Returns IllegalOperation if no shard is active.
func (r *ShardRegistry) Assign(n, offset int) ([]chunk.ShardID, error) {
	active := r.ActiveShards()
	if len(active) == 0 {
		return nil, errcode.New(errcode.IllegalOperation, "no active shards to place chunks on")
	}
	out := make([]chunk.ShardID, n)
	for i := range out {
		out[i] = active[(i+offset)%len(active)]
	}
	return out, nil
}
