package migration

import (
	"sync"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/errcode"
)

type activeMove struct {
	nss  chunk.Namespace
	rng  chunk.ChunkRange
	peer chunk.ShardID
}

// ActiveMigrationsRegistry admits at most one chunk migration per shard
// process, in either direction.
type ActiveMigrationsRegistry struct {
	mu      sync.Mutex
	receive *activeMove
	donate  *activeMove
}

func NewActiveMigrationsRegistry() *ActiveMigrationsRegistry {
	return &ActiveMigrationsRegistry{}
}

func (r *ActiveMigrationsRegistry) busyLocked() error {
	switch {
	case r.receive != nil:
		return errcode.New(errcode.ConflictingOperationInProgress,
			"already receiving %s of %s from %s", r.receive.rng, r.receive.nss, r.receive.peer)
	case r.donate != nil:
		return errcode.New(errcode.ConflictingOperationInProgress,
			"already donating %s of %s to %s", r.donate.rng, r.donate.nss, r.donate.peer)
	}
	return nil
}

// RegisterReceiveChunk admits a migration into this shard. The returned
// handle must be released when the migration ends.
func (r *ActiveMigrationsRegistry) RegisterReceiveChunk(nss chunk.Namespace, rng chunk.ChunkRange, from chunk.ShardID) (*ScopedReceiveChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.busyLocked(); err != nil {
		return nil, err
	}
	r.receive = &activeMove{nss: nss, rng: rng, peer: from}
	return &ScopedReceiveChunk{release: func() {
		r.mu.Lock()
		r.receive = nil
		r.mu.Unlock()
	}}, nil
}

// RegisterDonateChunk admits a migration out of this shard.
func (r *ActiveMigrationsRegistry) RegisterDonateChunk(nss chunk.Namespace, rng chunk.ChunkRange, to chunk.ShardID) (*ScopedDonateChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.busyLocked(); err != nil {
		return nil, err
	}
	r.donate = &activeMove{nss: nss, rng: rng, peer: to}
	return &ScopedDonateChunk{release: func() {
		r.mu.Lock()
		r.donate = nil
		r.mu.Unlock()
	}}, nil
}

// IsBusy reports whether a migration in either direction is admitted.
func (r *ActiveMigrationsRegistry) IsBusy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receive != nil || r.donate != nil
}

// ScopedReceiveChunk is the admission of one incoming migration.
type ScopedReceiveChunk struct {
	once    sync.Once
	release func()
}

// Release frees the shard for another migration. Safe to call repeatedly.
func (s *ScopedReceiveChunk) Release() { s.once.Do(s.release) }

// ScopedDonateChunk is the admission of one outgoing migration.
type ScopedDonateChunk struct {
	once    sync.Once
	release func()
}

// Release frees the shard for another migration. Safe to call repeatedly.
func (s *ScopedDonateChunk) Release() { s.once.Do(s.release) }
