package catalog

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/errcode"
)

// ReadConcern selects the durability of catalog reads.
type ReadConcern string

const (
	ReadLocal    ReadConcern = "local"
	ReadMajority ReadConcern = "majority"
)

// DocumentsReply is the answer to a catalog find: raw documents plus the
// logical time at which the catalog served them.
type DocumentsReply struct {
	Documents     []json.RawMessage `json:"documents"`
	OperationTime chunk.Timestamp   `json:"operationTime"`
}

// VersionPredicate selects the chunks fetched by a refresh. A nil Since
// selects every chunk. Otherwise it selects chunks in Since's epoch whose
// version is at least Since, together with every chunk of any other epoch;
// the second half is what reveals a concurrent drop and recreate.
type VersionPredicate struct {
	Since *chunk.ChunkVersion `json:"since,omitempty"`
}

// Matches reports whether c is selected.
func (p VersionPredicate) Matches(c chunk.Chunk) bool {
	if p.Since == nil {
		return true
	}
	if c.Version.Epoch != p.Since.Epoch {
		return true
	}
	if c.Version.Major != p.Since.Major {
		return c.Version.Major > p.Since.Major
	}
	return c.Version.Minor >= p.Since.Minor
}

// IsFull reports whether the predicate selects every chunk.
func (p VersionPredicate) IsFull() bool { return p.Since == nil }

// CatalogClient reads the authoritative sharding metadata.
type CatalogClient interface {
	FindDatabase(ctx context.Context, name string, rc ReadConcern) (DocumentsReply, error)
	FindCollection(ctx context.Context, nss chunk.Namespace, rc ReadConcern) (DocumentsReply, error)
	FindChunks(ctx context.Context, collectionUUID uuid.UUID, pred VersionPredicate, rc ReadConcern) (DocumentsReply, error)
}

// DatabaseVersion identifies one placement of a database's primary.
type DatabaseVersion struct {
	UUID    uuid.UUID `json:"uuid"`
	LastMod uint32    `json:"lastMod"`
}

// IsOlderThan is only meaningful for versions with the same UUID.
func (v DatabaseVersion) IsOlderThan(o DatabaseVersion) bool {
	return v.UUID == o.UUID && v.LastMod < o.LastMod
}

// DatabaseEntry is the config record of a database.
type DatabaseEntry struct {
	Name    string          `json:"_id"`
	Primary chunk.ShardID   `json:"primary"`
	Version DatabaseVersion `json:"version"`
}

// ToDocument renders the entry as the config catalog stores it.
func (d DatabaseEntry) ToDocument() json.RawMessage {
	b, _ := json.Marshal(d)
	return b
}

// ParseDatabaseEntry validates and decodes a config database document.
func ParseDatabaseEntry(raw json.RawMessage) (DatabaseEntry, error) {
	f, err := chunk.ParseFields(raw)
	if err != nil {
		return DatabaseEntry{}, err
	}
	var d DatabaseEntry
	if err := f.Required("_id", &d.Name); err != nil {
		return DatabaseEntry{}, err
	}
	if err := f.Required("primary", &d.Primary); err != nil {
		return DatabaseEntry{}, err
	}
	if err := f.Required("version", &d.Version); err != nil {
		return DatabaseEntry{}, err
	}
	if d.Name == "" || d.Primary == "" {
		return DatabaseEntry{}, errcode.New(errcode.FailedToParse, "database document has an empty name or primary")
	}
	return d, nil
}

// ReshardingFields is present while a collection is being resharded.
type ReshardingFields struct {
	UUID  uuid.UUID `json:"uuid"`
	State string    `json:"state"`
}

// CollectionEntry is the config record of a sharded collection.
type CollectionEntry struct {
	Namespace        chunk.Namespace   `json:"_id"`
	UUID             uuid.UUID         `json:"uuid"`
	Epoch            uuid.UUID         `json:"lastmodEpoch"`
	Timestamp        chunk.Timestamp   `json:"timestamp"`
	KeyPattern       chunk.KeyPattern  `json:"key"`
	Unique           bool              `json:"unique"`
	ReshardingFields *ReshardingFields `json:"reshardingFields,omitempty"`
}

// ToDocument renders the entry as the config catalog stores it.
func (c CollectionEntry) ToDocument() json.RawMessage {
	b, _ := json.Marshal(c)
	return b
}

// ParseCollectionEntry validates and decodes a config collection document.
func ParseCollectionEntry(raw json.RawMessage) (CollectionEntry, error) {
	f, err := chunk.ParseFields(raw)
	if err != nil {
		return CollectionEntry{}, err
	}
	var c CollectionEntry
	if err := f.Required("_id", &c.Namespace); err != nil {
		return CollectionEntry{}, err
	}
	if err := f.Required("uuid", &c.UUID); err != nil {
		return CollectionEntry{}, err
	}
	if err := f.Required("lastmodEpoch", &c.Epoch); err != nil {
		return CollectionEntry{}, err
	}
	if err := f.Required("key", &c.KeyPattern); err != nil {
		return CollectionEntry{}, err
	}
	if len(c.KeyPattern) == 0 {
		return CollectionEntry{}, errcode.New(errcode.FailedToParse, "collection %s has an empty shard key", c.Namespace)
	}
	if _, err := f.Optional("timestamp", &c.Timestamp); err != nil {
		return CollectionEntry{}, err
	}
	if _, err := f.Optional("unique", &c.Unique); err != nil {
		return CollectionEntry{}, err
	}
	var rf ReshardingFields
	ok, err := f.Optional("reshardingFields", &rf)
	if err != nil {
		return CollectionEntry{}, err
	}
	if ok {
		c.ReshardingFields = &rf
	}
	return c, nil
}

// version is the zero-chunk version of the collection incarnation.
func (c CollectionEntry) version() chunk.ChunkVersion {
	return chunk.NewChunkVersion(0, 0, c.Epoch, c.Timestamp)
}
