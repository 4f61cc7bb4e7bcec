package shard

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/errcode"
	"github.com/dreamware/shardmeta/internal/storage"
)

// StoreOpener provides the storage for a newly created collection.
type StoreOpener func(ns chunk.Namespace, opts CollectionOptions) (storage.Store, error)

// MemoryStores is a StoreOpener backed by MemoryStore.
func MemoryStores(chunk.Namespace, CollectionOptions) (storage.Store, error) {
	return storage.NewMemoryStore(), nil
}

// PebbleStores returns a StoreOpener that places each collection under its
// own prefix of db. The prefix includes the UUID so a recreated collection
// never sees the previous incarnation's documents.
func PebbleStores(db *storage.PebbleDB) StoreOpener {
	return func(ns chunk.Namespace, opts CollectionOptions) (storage.Store, error) {
		return db.Store(ns.String() + "/" + opts.UUID.String() + "/"), nil
	}
}

// Catalog holds the collections hosted by one shard process.
type Catalog struct {
	ShardID chunk.ShardID

	mu          sync.RWMutex
	collections map[chunk.Namespace]*Collection

	open    StoreOpener
	deleter *RangeDeleter
	txns    *TransactionTable
	logger  *zap.Logger
}

// NewCatalog creates an empty catalog for shard id.
func NewCatalog(id chunk.ShardID, open StoreOpener, deleter *RangeDeleter, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if open == nil {
		open = MemoryStores
	}
	return &Catalog{
		ShardID:     id,
		collections: make(map[chunk.Namespace]*Collection),
		open:        open,
		deleter:     deleter,
		txns:        NewTransactionTable(),
		logger:      logger.Named("catalog"),
	}
}

// GetOrCreate returns the collection ns, creating it from opts when absent.
// An existing collection must match opts: a different UUID is InvalidUUID
// and a different shard key is IllegalOperation.
func (c *Catalog) GetOrCreate(ns chunk.Namespace, opts CollectionOptions) (*Collection, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if coll, ok := c.collections[ns]; ok {
		if coll.UUID != opts.UUID {
			return nil, false, errcode.New(errcode.InvalidUUID,
				"collection %s exists with uuid %s, donor reports %s", ns, coll.UUID, opts.UUID)
		}
		if !coll.KeyPattern.Equal(opts.KeyPattern) {
			return nil, false, errcode.New(errcode.IllegalOperation,
				"collection %s has shard key %s, donor reports %s", ns, coll.KeyPattern, opts.KeyPattern)
		}
		return coll, false, nil
	}

	if len(opts.KeyPattern) == 0 {
		return nil, false, errcode.New(errcode.BadValue, "collection %s needs a shard key", ns)
	}
	store, err := c.open(ns, opts)
	if err != nil {
		return nil, false, err
	}
	coll := NewCollection(ns, opts, store, c.deleter)
	c.collections[ns] = coll
	c.logger.Info("created collection",
		zap.Stringer("ns", ns), zap.Stringer("uuid", opts.UUID), zap.Stringer("key", opts.KeyPattern))
	return coll, true, nil
}

// Get returns the collection ns.
func (c *Catalog) Get(ns chunk.Namespace) (*Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coll, ok := c.collections[ns]
	return coll, ok
}

// Drop removes ns and deletes its documents.
func (c *Catalog) Drop(ns chunk.Namespace) error {
	c.mu.Lock()
	coll, ok := c.collections[ns]
	delete(c.collections, ns)
	c.mu.Unlock()
	if !ok {
		return errcode.New(errcode.NamespaceNotFound, "collection %s not found", ns)
	}
	coll.SetState(CollectionStateDeleted)
	if _, err := coll.store.DeleteRange(nil, nil); err != nil {
		return err
	}
	c.logger.Info("dropped collection", zap.Stringer("ns", ns))
	return coll.store.Close()
}

// List returns the collections ordered by namespace.
func (c *Catalog) List() []*Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]chunk.Namespace, 0, len(c.collections))
	for ns := range c.collections {
		names = append(names, ns)
	}
	slices.SortFunc(names, func(a, b chunk.Namespace) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
	out := make([]*Collection, len(names))
	for i, ns := range names {
		out[i] = c.collections[ns]
	}
	return out
}

// Transactions is the shard-wide retryable write table.
func (c *Catalog) Transactions() *TransactionTable { return c.txns }
