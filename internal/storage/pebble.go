package storage

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// PebbleDB is one pebble instance shared by every collection on a shard
// process. Each collection gets its own key prefix through Store.
type PebbleDB struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

// OpenPebble opens (or creates) the database at path. A nil opts uses the
// pebble defaults.
func OpenPebble(path string, opts *pebble.Options) (*PebbleDB, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening pebble db at %s", path)
	}
	// Writes are acknowledged from the memtable; Sync flushes explicitly at
	// the points where durability matters (end of catch-up, commit).
	return &PebbleDB{db: db, writeOpts: pebble.NoSync}, nil
}

// Store returns a Store confined to keys starting with prefix.
func (p *PebbleDB) Store(prefix string) *PebbleStore {
	pre := []byte(prefix)
	return &PebbleStore{db: p, prefix: pre, end: prefixEnd(pre)}
}

// Close flushes and closes the database.
func (p *PebbleDB) Close() error {
	if err := p.db.Flush(); err != nil {
		return err
	}
	return p.db.Close()
}

// PebbleStore implements Store on a prefix of a PebbleDB.
type PebbleStore struct {
	db     *PebbleDB
	prefix []byte
	end    []byte
}

func (s *PebbleStore) key(k []byte) []byte {
	out := make([]byte, 0, len(s.prefix)+len(k))
	out = append(out, s.prefix...)
	return append(out, k...)
}

// bounds translates a relative [start, end) into absolute pebble bounds.
func (s *PebbleStore) bounds(start, end []byte) ([]byte, []byte) {
	lo := s.key(start)
	hi := s.end
	if end != nil {
		hi = s.key(end)
	}
	return lo, hi
}

func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.db.Get(s.key(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (s *PebbleStore) Put(key, value []byte) error {
	return s.db.db.Set(s.key(key), value, s.db.writeOpts)
}

func (s *PebbleStore) Delete(key []byte) error {
	return s.db.db.Delete(s.key(key), s.db.writeOpts)
}

func (s *PebbleStore) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	lo, hi := s.bounds(start, end)
	iter, err := s.db.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return errors.Wrap(err, "opening pebble iterator")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		k := append([]byte(nil), iter.Key()[len(s.prefix):]...)
		v := append([]byte(nil), iter.Value()...)
		if !fn(k, v) {
			break
		}
	}
	return iter.Error()
}

// DeleteRange counts the keys first so callers can report what was removed,
// then drops the whole span with a single range tombstone.
func (s *PebbleStore) DeleteRange(start, end []byte) (int, error) {
	n := 0
	if err := s.Scan(start, end, func(_, _ []byte) bool {
		n++
		return true
	}); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	lo, hi := s.bounds(start, end)
	if err := s.db.db.DeleteRange(lo, hi, s.db.writeOpts); err != nil {
		return 0, err
	}
	return n, nil
}

// PutBatch writes all pairs atomically.
func (s *PebbleStore) PutBatch(pairs []KeyValue) error {
	batch := s.db.db.NewBatch()
	defer batch.Close()
	for _, kv := range pairs {
		if err := batch.Set(s.key(kv.Key), kv.Value, nil); err != nil {
			return err
		}
	}
	return batch.Commit(s.db.writeOpts)
}

func (s *PebbleStore) Stats() StoreStats {
	var st StoreStats
	_ = s.Scan(nil, nil, func(_, v []byte) bool {
		st.Keys++
		st.Bytes += len(v)
		return true
	})
	return st
}

func (s *PebbleStore) Sync() error { return s.db.db.Flush() }

// Close is a no-op; the shared PebbleDB owns the handle.
func (s *PebbleStore) Close() error { return nil }

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

var (
	_ Store   = (*PebbleStore)(nil)
	_ Batcher = (*PebbleStore)(nil)
)
