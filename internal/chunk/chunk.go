package chunk

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/dreamware/shardmeta/internal/errcode"
)

// ShardID names a shard.
type ShardID string

// Namespace identifies a collection within a database.
type Namespace struct {
	DB   string
	Coll string
}

// ParseNamespace splits "db.coll" at the first dot.
func ParseNamespace(s string) (Namespace, error) {
	db, coll, ok := strings.Cut(s, ".")
	if !ok || db == "" || coll == "" {
		return Namespace{}, errcode.New(errcode.BadValue, "invalid namespace %q", s)
	}
	return Namespace{DB: db, Coll: coll}, nil
}

func (n Namespace) String() string { return n.DB + "." + n.Coll }

func (n Namespace) IsEmpty() bool { return n.DB == "" && n.Coll == "" }

func (n Namespace) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Namespace) UnmarshalText(b []byte) error {
	parsed, err := ParseNamespace(string(b))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Chunk is one contiguous range of a collection and the shard owning it.
type Chunk struct {
	Range          ChunkRange
	Version        ChunkVersion
	Shard          ShardID
	CollectionUUID uuid.UUID
}

type chunkVersionDoc struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

type chunkDoc struct {
	UUID             uuid.UUID       `json:"uuid"`
	Min              Key             `json:"min"`
	Max              Key             `json:"max"`
	Shard            ShardID         `json:"shard"`
	LastMod          chunkVersionDoc `json:"lastmod"`
	LastModEpoch     uuid.UUID       `json:"lastmodEpoch"`
	LastModTimestamp *Timestamp      `json:"lastmodTimestamp,omitempty"`
}

// ToDocument renders the chunk as stored by the config catalog.
func (c Chunk) ToDocument() json.RawMessage {
	doc := chunkDoc{
		UUID:         c.CollectionUUID,
		Min:          c.Range.Min,
		Max:          c.Range.Max,
		Shard:        c.Shard,
		LastMod:      chunkVersionDoc{Major: c.Version.Major, Minor: c.Version.Minor},
		LastModEpoch: c.Version.Epoch,
	}
	if !c.Version.Timestamp.IsZero() {
		ts := c.Version.Timestamp
		doc.LastModTimestamp = &ts
	}
	b, err := json.Marshal(doc)
	if err != nil {
		// every field has a total JSON encoding
		panic(err)
	}
	return b
}

// ParseChunkDocument validates and decodes a config chunk document.
func ParseChunkDocument(raw json.RawMessage) (Chunk, error) {
	f, err := ParseFields(raw)
	if err != nil {
		return Chunk{}, err
	}
	var (
		c  Chunk
		lm chunkVersionDoc
		ts Timestamp
		lo Key
		hi Key
	)
	if err := f.Required("uuid", &c.CollectionUUID); err != nil {
		return Chunk{}, err
	}
	if err := f.Required("min", &lo); err != nil {
		return Chunk{}, err
	}
	if err := f.Required("max", &hi); err != nil {
		return Chunk{}, err
	}
	if err := f.Required("shard", &c.Shard); err != nil {
		return Chunk{}, err
	}
	if err := f.Required("lastmod", &lm); err != nil {
		return Chunk{}, err
	}
	if err := f.Required("lastmodEpoch", &c.Version.Epoch); err != nil {
		return Chunk{}, err
	}
	if _, err := f.Optional("lastmodTimestamp", &ts); err != nil {
		return Chunk{}, err
	}
	if c.Shard == "" {
		return Chunk{}, errcode.New(errcode.FailedToParse, "chunk document has an empty shard")
	}
	c.Range = ChunkRange{Min: lo, Max: hi}
	if err := c.Range.Validate(); err != nil {
		return Chunk{}, errcode.Wrap(errcode.FailedToParse, err, "chunk document")
	}
	c.Version.Major, c.Version.Minor, c.Version.Timestamp = lm.Major, lm.Minor, ts
	return c, nil
}

// Fields gives typed, presence-checked access to the top-level fields of a
// JSON document.
type Fields map[string]json.RawMessage

func ParseFields(raw json.RawMessage) (Fields, error) {
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errcode.Wrap(errcode.FailedToParse, err, "document is not an object")
	}
	if f == nil {
		return nil, errcode.New(errcode.FailedToParse, "document is null")
	}
	return f, nil
}

// Required decodes field name into dst. A missing field is NoSuchKey and a
// field of the wrong type is FailedToParse.
func (f Fields) Required(name string, dst interface{}) error {
	raw, ok := f[name]
	if !ok || string(raw) == "null" {
		return errcode.New(errcode.NoSuchKey, "no such key %q in document", name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errcode.Wrap(errcode.FailedToParse, err, "field %q", name)
	}
	return nil
}

// Optional decodes field name into dst when present.
func (f Fields) Optional(name string, dst interface{}) (bool, error) {
	raw, ok := f[name]
	if !ok || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, errcode.Wrap(errcode.FailedToParse, err, "field %q", name)
	}
	return true, nil
}
