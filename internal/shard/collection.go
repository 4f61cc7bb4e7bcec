package shard

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/errcode"
	"github.com/dreamware/shardmeta/internal/storage"
)

// CollectionState represents the current state of a local collection
type CollectionState string

const (
	// CollectionStateActive means the collection is serving requests
	CollectionStateActive CollectionState = "active"
	// CollectionStateMigrating means a chunk is being received into the collection
	CollectionStateMigrating CollectionState = "migrating"
	// CollectionStateDeleted means the collection was dropped
	CollectionStateDeleted CollectionState = "deleted"
)

// IDField is the field that identifies a document within its shard key value.
const IDField = "_id"

// OperationStats tracks operation counts
type OperationStats struct {
	Gets    uint64 `json:"gets"`    // Number of get operations
	Puts    uint64 `json:"puts"`    // Number of insert/upsert operations
	Deletes uint64 `json:"deletes"` // Number of delete operations
}

// CollectionOptions describes a collection as the donor reports it.
type CollectionOptions struct {
	UUID       uuid.UUID                `json:"uuid"`
	KeyPattern chunk.KeyPattern         `json:"key"`
	Indexes    []map[string]interface{} `json:"indexes,omitempty"`
	Options    map[string]interface{}   `json:"options,omitempty"`
}

// CollectionInfo contains metadata about a collection
type CollectionInfo struct {
	NS       chunk.Namespace    `json:"ns"`
	UUID     uuid.UUID          `json:"uuid"`
	Key      chunk.KeyPattern   `json:"key"`
	State    CollectionState    `json:"state"`
	Owned    []chunk.ChunkRange `json:"owned"`
	Pending  []chunk.ChunkRange `json:"pending"`
	Donating []chunk.ChunkRange `json:"donating,omitempty"`
	Ops      OperationStats     `json:"ops"`
	KeyCount int                `json:"keyCount"`
	ByteSize int                `json:"byteSize"`
}

type pendingRange struct {
	rng     chunk.ChunkRange
	cleanup *Completion
}

// Collection is one collection hosted by this shard. Documents are stored
// under the encoded shard key followed by the encoded _id, so every chunk
// range is a contiguous span of the store.
type Collection struct {
	NS         chunk.Namespace
	UUID       uuid.UUID
	KeyPattern chunk.KeyPattern

	store   storage.Store
	deleter *RangeDeleter
	ops     OperationStats

	mu       sync.RWMutex // Protects everything below
	state    CollectionState
	indexes  []map[string]interface{}
	options  map[string]interface{}
	owned    []chunk.ChunkRange
	pending  []pendingRange
	donating []chunk.ChunkRange
}

// NewCollection creates a collection over store. Orphan cleanup for pending
// ranges goes through deleter.
func NewCollection(ns chunk.Namespace, opts CollectionOptions, store storage.Store, deleter *RangeDeleter) *Collection {
	c := &Collection{
		NS:         ns,
		UUID:       opts.UUID,
		KeyPattern: opts.KeyPattern,
		store:      store,
		deleter:    deleter,
		state:      CollectionStateActive,
	}
	c.ApplyOptions(opts.Indexes, opts.Options)
	return c
}

// ApplyOptions replaces the cloned index specs and collection options.
func (c *Collection) ApplyOptions(indexes []map[string]interface{}, options map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes = append([]map[string]interface{}(nil), indexes...)
	c.options = options
}

// Options returns the collection as a donor would describe it.
func (c *Collection) Options() CollectionOptions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CollectionOptions{
		UUID:       c.UUID,
		KeyPattern: c.KeyPattern,
		Indexes:    append([]map[string]interface{}(nil), c.indexes...),
		Options:    c.options,
	}
}

func (c *Collection) storageKey(doc chunk.Document) (chunk.Key, []byte, error) {
	key, err := c.KeyPattern.ExtractKey(doc)
	if err != nil {
		return nil, nil, err
	}
	id, ok := doc[IDField]
	if !ok {
		return nil, nil, errcode.New(errcode.BadValue, "document has no %s", IDField)
	}
	idv, err := chunk.ValueOf(id)
	if err != nil {
		return nil, nil, errcode.Wrap(errcode.BadValue, err, "document %s", IDField)
	}
	return key, append(key.Encode(), chunk.Key{idv}.Encode()...), nil
}

// Insert stores doc. The shard must own the document's key.
func (c *Collection) Insert(ctx context.Context, doc chunk.Document) error {
	key, _, err := c.storageKey(doc)
	if err != nil {
		return err
	}
	if !c.Owns(key) {
		return errcode.New(errcode.StaleConfig, "%s: key %s is not owned by this shard", c.NS, key)
	}
	if err := c.checkNotDonating(key); err != nil {
		return err
	}
	return c.put(doc)
}

// Upsert stores doc into an owned or pending range. Writes into a pending
// range wait until its orphan cleanup finished.
func (c *Collection) Upsert(ctx context.Context, doc chunk.Document) error {
	if err := c.checkUpsert(ctx, doc); err != nil {
		return err
	}
	return c.put(doc)
}

func (c *Collection) checkUpsert(ctx context.Context, doc chunk.Document) error {
	key, _, err := c.storageKey(doc)
	if err != nil {
		return err
	}
	if !c.Owns(key) && !c.IsPending(key) {
		return errcode.New(errcode.IllegalOperation, "%s: key %s is neither owned nor pending", c.NS, key)
	}
	if err := c.checkNotDonating(key); err != nil {
		return err
	}
	return c.WaitForClean(ctx, key)
}

// UpsertBatch stores docs under the rules of Upsert. Stores implementing
// storage.Batcher apply the whole batch in one atomic write.
func (c *Collection) UpsertBatch(ctx context.Context, docs []chunk.Document) error {
	if c.State() == CollectionStateDeleted {
		return errcode.New(errcode.NamespaceNotFound, "collection %s was dropped", c.NS)
	}
	pairs := make([]storage.KeyValue, 0, len(docs))
	for _, doc := range docs {
		if err := c.checkUpsert(ctx, doc); err != nil {
			return err
		}
		_, sk, err := c.storageKey(doc)
		if err != nil {
			return err
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return errcode.Wrap(errcode.BadValue, err, "encoding document")
		}
		pairs = append(pairs, storage.KeyValue{Key: sk, Value: body})
	}
	if len(pairs) == 0 {
		return nil
	}
	atomic.AddUint64(&c.ops.Puts, uint64(len(pairs)))
	if b, ok := c.store.(storage.Batcher); ok {
		return b.PutBatch(pairs)
	}
	for _, kv := range pairs {
		if err := c.store.Put(kv.Key, kv.Value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) put(doc chunk.Document) error {
	if c.State() == CollectionStateDeleted {
		return errcode.New(errcode.NamespaceNotFound, "collection %s was dropped", c.NS)
	}
	_, sk, err := c.storageKey(doc)
	if err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return errcode.Wrap(errcode.BadValue, err, "encoding document")
	}
	atomic.AddUint64(&c.ops.Puts, 1)
	return c.store.Put(sk, body)
}

// Delete removes the document with doc's shard key and _id.
func (c *Collection) Delete(doc chunk.Document) error {
	key, sk, err := c.storageKey(doc)
	if err != nil {
		return err
	}
	if err := c.checkNotDonating(key); err != nil {
		return err
	}
	atomic.AddUint64(&c.ops.Deletes, 1)
	return c.store.Delete(sk)
}

// Get looks a document up by shard key and _id.
func (c *Collection) Get(key chunk.Key, id interface{}) (chunk.Document, error) {
	idv, err := chunk.ValueOf(id)
	if err != nil {
		return nil, errcode.Wrap(errcode.BadValue, err, "document %s", IDField)
	}
	atomic.AddUint64(&c.ops.Gets, 1)
	body, err := c.store.Get(append(key.Encode(), chunk.Key{idv}.Encode()...))
	if err != nil {
		return nil, err
	}
	return decode(body)
}

func decode(body []byte) (chunk.Document, error) {
	var doc chunk.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(err, "decoding stored document")
	}
	return doc, nil
}

// ListRange returns the documents whose shard key lies in rng, in key order.
func (c *Collection) ListRange(rng chunk.ChunkRange) ([]chunk.Document, error) {
	var (
		docs   []chunk.Document
		decErr error
	)
	err := c.store.Scan(rng.Min.Encode(), rng.Max.Encode(), func(_, v []byte) bool {
		doc, err := decode(v)
		if err != nil {
			decErr = err
			return false
		}
		docs = append(docs, doc)
		return true
	})
	if err != nil {
		return nil, err
	}
	return docs, decErr
}

// ListRangePage returns up to limit documents of rng stored after the
// storage key after (nil starts at rng.Min), plus the storage key of the last
// document returned. A nil next key means the range is exhausted.
func (c *Collection) ListRangePage(rng chunk.ChunkRange, after []byte, limit int) ([]chunk.Document, []byte, error) {
	start := rng.Min.Encode()
	if after != nil {
		start = append(append([]byte(nil), after...), 0)
	}
	var (
		docs   []chunk.Document
		last   []byte
		decErr error
		more   bool
	)
	err := c.store.Scan(start, rng.Max.Encode(), func(k, v []byte) bool {
		if limit > 0 && len(docs) == limit {
			more = true
			return false
		}
		doc, err := decode(v)
		if err != nil {
			decErr = err
			return false
		}
		docs = append(docs, doc)
		last = append(last[:0], k...)
		return true
	})
	if err != nil {
		return nil, nil, err
	}
	if decErr != nil {
		return nil, nil, decErr
	}
	if !more {
		last = nil
	}
	return docs, last, nil
}

// CountRange counts the documents in rng.
func (c *Collection) CountRange(rng chunk.ChunkRange) (int, error) {
	n := 0
	err := c.store.Scan(rng.Min.Encode(), rng.Max.Encode(), func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// DeleteRange deletes all documents in rng synchronously.
// Returns the number of documents deleted
func (c *Collection) DeleteRange(rng chunk.ChunkRange) (int, error) {
	return c.store.DeleteRange(rng.Min.Encode(), rng.Max.Encode())
}

// Sync makes previous writes durable.
func (c *Collection) Sync() error { return c.store.Sync() }

// Owns reports whether key falls in an owned range.
func (c *Collection) Owns(key chunk.Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.owned {
		if r.Contains(key) {
			return true
		}
	}
	return false
}

// IsPending reports whether key falls in a range being received.
func (c *Collection) IsPending(key chunk.Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.pending {
		if p.rng.Contains(key) {
			return true
		}
	}
	return false
}

// AddOwnedRange records rng as owned without a migration, e.g. when the
// collection is first sharded onto this shard.
func (c *Collection) AddOwnedRange(rng chunk.ChunkRange) error {
	if err := rng.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.owned {
		if r.Overlaps(rng) {
			if r.Equal(rng) {
				return nil
			}
			return errcode.New(errcode.ConflictingOperationInProgress,
				"%s: range %s overlaps owned range %s", c.NS, rng, r)
		}
	}
	for _, p := range c.pending {
		if p.rng.Overlaps(rng) {
			return errcode.New(errcode.ConflictingOperationInProgress,
				"%s: range %s overlaps pending range %s", c.NS, rng, p.rng)
		}
	}
	c.owned = append(c.owned, rng)
	return nil
}

// BeginDonate pauses writes to rng while another shard clones it. Writes
// resume with EndDonate; after ReleaseOwnedRange they fail as not owned.
func (c *Collection) BeginDonate(rng chunk.ChunkRange) error {
	if err := rng.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.donating {
		if d.Overlaps(rng) {
			return errcode.New(errcode.ConflictingOperationInProgress,
				"%s: range %s overlaps range %s being donated", c.NS, rng, d)
		}
	}
	c.donating = append(c.donating, rng)
	return nil
}

// EndDonate resumes writes to rng. Unknown ranges are ignored.
func (c *Collection) EndDonate(rng chunk.ChunkRange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.donating {
		if d.Equal(rng) {
			c.donating = append(c.donating[:i], c.donating[i+1:]...)
			return
		}
	}
}

// IsDonating reports whether key falls in a range being donated.
func (c *Collection) IsDonating(key chunk.Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.donating {
		if d.Contains(key) {
			return true
		}
	}
	return false
}

func (c *Collection) checkNotDonating(key chunk.Key) error {
	if c.IsDonating(key) {
		return errcode.New(errcode.ConflictingOperationInProgress,
			"%s: writes to key %s are paused while its range migrates", c.NS, key)
	}
	return nil
}

// DonatingRanges returns a copy of the ranges being donated.
func (c *Collection) DonatingRanges() []chunk.ChunkRange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]chunk.ChunkRange(nil), c.donating...)
}

// NotePending marks rng as being received. Documents already present in rng
// are orphans of an earlier failed migration; their deletion is scheduled and
// the returned future resolves once it finished.
func (c *Collection) NotePending(rng chunk.ChunkRange) (*Completion, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending {
		if p.rng.Overlaps(rng) {
			return nil, errcode.New(errcode.ConflictingOperationInProgress,
				"%s: range %s overlaps pending range %s", c.NS, rng, p.rng)
		}
	}
	for _, r := range c.owned {
		if r.Overlaps(rng) {
			return nil, errcode.New(errcode.ConflictingOperationInProgress,
				"%s: range %s overlaps owned range %s", c.NS, rng, r)
		}
	}
	cleanup := c.scheduleCleanupLocked(rng)
	c.pending = append(c.pending, pendingRange{rng: rng, cleanup: cleanup})
	c.state = CollectionStateMigrating
	return cleanup, nil
}

func (c *Collection) scheduleCleanupLocked(rng chunk.ChunkRange) *Completion {
	if c.deleter == nil {
		n, err := c.store.DeleteRange(rng.Min.Encode(), rng.Max.Encode())
		done := newCompletion()
		done.resolve(n, err)
		return done
	}
	return c.deleter.Submit(c.store, c.NS, rng)
}

// ForgetPending drops rng from the pending set and schedules deletion of any
// documents copied into it. Forgetting an unknown range still schedules the
// cleanup.
func (c *Collection) ForgetPending(rng chunk.ChunkRange) *Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removePendingLocked(rng)
	return c.scheduleCleanupLocked(rng)
}

// CommitPending turns a pending range into an owned one.
func (c *Collection) CommitPending(rng chunk.ChunkRange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.removePendingLocked(rng) {
		return errcode.New(errcode.IllegalOperation, "%s: range %s is not pending", c.NS, rng)
	}
	c.owned = append(c.owned, rng)
	return nil
}

// ReleaseOwnedRange gives up ownership of rng after it migrated away and
// schedules deletion of its documents. rng must lie inside one owned range;
// whatever remains of that range on either side stays owned.
func (c *Collection) ReleaseOwnedRange(rng chunk.ChunkRange) (*Completion, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.owned {
		if !r.Covers(rng) {
			continue
		}
		rest := append([]chunk.ChunkRange(nil), c.owned[:i]...)
		if r.Min.Compare(rng.Min) < 0 {
			rest = append(rest, chunk.NewChunkRange(r.Min, rng.Min))
		}
		if rng.Max.Compare(r.Max) < 0 {
			rest = append(rest, chunk.NewChunkRange(rng.Max, r.Max))
		}
		c.owned = append(rest, c.owned[i+1:]...)
		return c.scheduleCleanupLocked(rng), nil
	}
	return nil, errcode.New(errcode.IllegalOperation, "%s: range %s is not owned", c.NS, rng)
}

func (c *Collection) removePendingLocked(rng chunk.ChunkRange) bool {
	for i, p := range c.pending {
		if p.rng.Equal(rng) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			if len(c.pending) == 0 && c.state == CollectionStateMigrating {
				c.state = CollectionStateActive
			}
			return true
		}
	}
	return false
}

// WaitForClean blocks until the orphan cleanup of the pending range holding
// key has finished. Keys outside pending ranges return immediately.
func (c *Collection) WaitForClean(ctx context.Context, key chunk.Key) error {
	c.mu.RLock()
	var cleanup *Completion
	for _, p := range c.pending {
		if p.rng.Contains(key) {
			cleanup = p.cleanup
			break
		}
	}
	c.mu.RUnlock()
	if cleanup == nil {
		return nil
	}
	return cleanup.Wait(ctx)
}

// OwnedRanges returns a copy of the owned ranges.
func (c *Collection) OwnedRanges() []chunk.ChunkRange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]chunk.ChunkRange(nil), c.owned...)
}

// PendingRanges returns a copy of the pending ranges.
func (c *Collection) PendingRanges() []chunk.ChunkRange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]chunk.ChunkRange, len(c.pending))
	for i, p := range c.pending {
		out[i] = p.rng
	}
	return out
}

func (c *Collection) State() CollectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState updates the collection state
func (c *Collection) SetState(state CollectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// Stats returns the operation counters
func (c *Collection) Stats() OperationStats {
	return OperationStats{
		Gets:    atomic.LoadUint64(&c.ops.Gets),
		Puts:    atomic.LoadUint64(&c.ops.Puts),
		Deletes: atomic.LoadUint64(&c.ops.Deletes),
	}
}

// Info returns metadata about the collection
func (c *Collection) Info() CollectionInfo {
	st := c.store.Stats()
	return CollectionInfo{
		NS:       c.NS,
		UUID:     c.UUID,
		Key:      c.KeyPattern,
		State:    c.State(),
		Owned:    c.OwnedRanges(),
		Pending:  c.PendingRanges(),
		Donating: c.DonatingRanges(),
		Ops:      c.Stats(),
		KeyCount: st.Keys,
		ByteSize: st.Bytes,
	}
}
