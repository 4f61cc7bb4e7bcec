package migration

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/errcode"
)

// SessionID identifies one migration attempt. It is opaque to the recipient
// apart from equality.
type SessionID string

// GenerateSessionID returns a new id of the form "<from>_<to>_<uuid>".
func GenerateSessionID(from, to chunk.ShardID) SessionID {
	return SessionID(fmt.Sprintf("%s_%s_%s", from, to, uuid.NewString()))
}

// Matches reports whether o names the same, non-empty session.
func (s SessionID) Matches(o SessionID) bool { return s != "" && s == o }

func (s SessionID) String() string { return string(s) }

// StartRequest asks the recipient to clone a range from a donor.
type StartRequest struct {
	SessionID      SessionID        `json:"sessionId"`
	MigrationID    uuid.UUID        `json:"migrationId"`
	NS             chunk.Namespace  `json:"ns"`
	CollectionUUID uuid.UUID        `json:"collectionUuid"`
	FromShard      chunk.ShardID    `json:"fromShard"`
	ToShard        chunk.ShardID    `json:"toShard"`
	DonorAddr      string           `json:"donorAddr"`
	Range          chunk.ChunkRange `json:"range"`
	KeyPattern     chunk.KeyPattern `json:"shardKeyPattern"`
}

// Validate checks the request on its own, without looking at local state.
func (r StartRequest) Validate() error {
	if r.SessionID == "" {
		return errcode.New(errcode.BadValue, "missing session id")
	}
	if r.NS.DB == "" || r.NS.Coll == "" {
		return errcode.New(errcode.BadValue, "invalid namespace %q", r.NS)
	}
	if r.FromShard == "" {
		return errcode.New(errcode.BadValue, "missing donor shard")
	}
	if len(r.KeyPattern) == 0 {
		return errcode.New(errcode.BadValue, "missing shard key pattern")
	}
	if err := r.Range.Validate(); err != nil {
		return err
	}
	if !r.KeyPattern.IsValidKey(r.Range.Min) || !r.KeyPattern.IsValidKey(r.Range.Max) {
		return errcode.New(errcode.BadValue, "range %s does not match shard key %s", r.Range, r.KeyPattern)
	}
	return nil
}

// WriteConcern tells the recipient how durable applied writes must be before
// it moves past catch-up and before it reports done.
type WriteConcern struct {
	W       string        `json:"w"`
	Journal bool          `json:"j"`
	Timeout time.Duration `json:"wtimeout"`
}

// MajorityWriteConcern is the default for migrations.
var MajorityWriteConcern = WriteConcern{W: "majority", Journal: true}

func (wc WriteConcern) durable() bool { return wc.Journal || wc.W == "majority" }
