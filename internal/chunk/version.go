package chunk

import (
	"fmt"

	"github.com/google/uuid"
)

// Timestamp is a cluster-wide monotonic identifier. The zero value means the
// timestamp is absent.
type Timestamp struct {
	Secs uint32 `json:"t"`
	Inc  uint32 `json:"i"`
}

func (t Timestamp) IsZero() bool { return t.Secs == 0 && t.Inc == 0 }

func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Secs < o.Secs:
		return -1
	case t.Secs > o.Secs:
		return 1
	case t.Inc < o.Inc:
		return -1
	case t.Inc > o.Inc:
		return 1
	}
	return 0
}

// Next returns the timestamp immediately after t.
func (t Timestamp) Next() Timestamp {
	if t.Inc == ^uint32(0) {
		return Timestamp{Secs: t.Secs + 1}
	}
	return Timestamp{Secs: t.Secs, Inc: t.Inc + 1}
}

func (t Timestamp) String() string { return fmt.Sprintf("Timestamp(%d, %d)", t.Secs, t.Inc) }

// ChunkVersion orders the topology changes of one collection incarnation.
//
// Two versions are comparable only when they belong to the same incarnation,
// i.e. their epochs match and, when both carry one, their timestamps match.
// Splits, merges and moves bump Major/Minor; the epoch only changes when the
// collection is dropped and recreated or resharded.
type ChunkVersion struct {
	Epoch     uuid.UUID `json:"epoch"`
	Timestamp Timestamp `json:"timestamp"`
	Major     uint32    `json:"major"`
	Minor     uint32    `json:"minor"`
}

func NewChunkVersion(major, minor uint32, epoch uuid.UUID, ts Timestamp) ChunkVersion {
	return ChunkVersion{Epoch: epoch, Timestamp: ts, Major: major, Minor: minor}
}

// IsSet reports whether the version denotes at least one chunk.
func (v ChunkVersion) IsSet() bool { return v.Major > 0 || v.Minor > 0 }

// IsSameCollection reports whether v and o describe the same incarnation.
func (v ChunkVersion) IsSameCollection(o ChunkVersion) bool {
	if v.Epoch != o.Epoch {
		return false
	}
	if v.Timestamp.IsZero() || o.Timestamp.IsZero() {
		return true
	}
	return v.Timestamp == o.Timestamp
}

// Compare orders two versions of the same incarnation. ok is false when the
// versions are epoch-incompatible, in which case cmp is meaningless and the
// caller must treat the collection as dropped and recreated.
func (v ChunkVersion) Compare(o ChunkVersion) (cmp int, ok bool) {
	if !v.IsSameCollection(o) {
		return 0, false
	}
	switch {
	case v.Major < o.Major:
		return -1, true
	case v.Major > o.Major:
		return 1, true
	case v.Minor < o.Minor:
		return -1, true
	case v.Minor > o.Minor:
		return 1, true
	}
	return 0, true
}

// IsOlderThan is false for epoch-incompatible versions.
func (v ChunkVersion) IsOlderThan(o ChunkVersion) bool {
	c, ok := v.Compare(o)
	return ok && c < 0
}

func (v ChunkVersion) IsOlderOrEqualThan(o ChunkVersion) bool {
	c, ok := v.Compare(o)
	return ok && c <= 0
}

func (v ChunkVersion) IncMajor() ChunkVersion {
	v.Major++
	v.Minor = 0
	return v
}

func (v ChunkVersion) IncMinor() ChunkVersion {
	v.Minor++
	return v
}

func (v ChunkVersion) String() string {
	if v.Timestamp.IsZero() {
		return fmt.Sprintf("%d|%d||%s", v.Major, v.Minor, v.Epoch)
	}
	return fmt.Sprintf("%d|%d||%s||%s", v.Major, v.Minor, v.Epoch, v.Timestamp)
}
