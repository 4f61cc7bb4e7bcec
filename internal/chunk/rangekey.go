package chunk

import (
	"fmt"

	"github.com/dreamware/shardmeta/internal/errcode"
)

// ChunkRange is the half-open interval [Min, Max) of shard keys.
type ChunkRange struct {
	Min Key `json:"min"`
	Max Key `json:"max"`
}

func NewChunkRange(lower, upper Key) ChunkRange { return ChunkRange{Min: lower, Max: upper} }

// Validate checks that the range is non-empty.
func (r ChunkRange) Validate() error {
	if len(r.Min) == 0 || len(r.Max) == 0 {
		return errcode.New(errcode.BadValue, "chunk range bounds must not be empty")
	}
	if len(r.Min) != len(r.Max) {
		return errcode.New(errcode.BadValue, "chunk range bounds %s and %s have different arity", r.Min, r.Max)
	}
	if r.Min.Compare(r.Max) >= 0 {
		return errcode.New(errcode.BadValue, "chunk range min %s must be less than max %s", r.Min, r.Max)
	}
	return nil
}

func (r ChunkRange) Contains(k Key) bool {
	return r.Min.Compare(k) <= 0 && k.Compare(r.Max) < 0
}

func (r ChunkRange) Overlaps(o ChunkRange) bool {
	return r.Min.Compare(o.Max) < 0 && o.Min.Compare(r.Max) < 0
}

// Covers reports whether o lies entirely inside r.
func (r ChunkRange) Covers(o ChunkRange) bool {
	return r.Min.Compare(o.Min) <= 0 && o.Max.Compare(r.Max) <= 0
}

func (r ChunkRange) Equal(o ChunkRange) bool {
	return r.Min.Equal(o.Min) && r.Max.Equal(o.Max)
}

func (r ChunkRange) String() string { return fmt.Sprintf("[%s, %s)", r.Min, r.Max) }
