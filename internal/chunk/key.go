package chunk

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/dreamware/shardmeta/internal/errcode"
)

// Kind orders shard key values of different types. The order is the
// canonical cross-type order of the document store.
type Kind uint8

const (
	KindMinKey Kind = iota
	KindNull
	KindNumber
	KindString
	KindBool
	KindMaxKey
)

// Value is a single element of a shard key.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
}

func MinKey() Value            { return Value{kind: KindMinKey} }
func MaxKey() Value            { return Value{kind: KindMaxKey} }
func Null() Value              { return Value{kind: KindNull} }
func Number(f float64) Value   { return Value{kind: KindNumber, num: f} }
func String(s string) Value    { return Value{kind: KindString, str: s} }
func Bool(b bool) Value        { return Value{kind: KindBool, b: b} }
func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsMinKey() bool { return v.kind == KindMinKey }
func (v Value) IsMaxKey() bool { return v.kind == KindMaxKey }

// ValueOf converts a decoded JSON scalar into a Value.
func ValueOf(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, errcode.Wrap(errcode.FailedToParse, err, "bad number %q", t.String())
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case map[string]interface{}:
		if len(t) == 1 {
			if _, ok := t["$minKey"]; ok {
				return MinKey(), nil
			}
			if _, ok := t["$maxKey"]; ok {
				return MaxKey(), nil
			}
		}
	case Value:
		return t, nil
	}
	return Value{}, errcode.New(errcode.FailedToParse, "unsupported shard key value of type %T", x)
}

// Compare returns -1, 0 or +1.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		if v.kind < o.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindNumber:
		switch {
		case v.num < o.num:
			return -1
		case v.num > o.num:
			return 1
		}
	case KindString:
		return strings.Compare(v.str, o.str)
	case KindBool:
		if v.b != o.b {
			if !v.b {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (v Value) String() string {
	switch v.kind {
	case KindMinKey:
		return "MinKey"
	case KindMaxKey:
		return "MaxKey"
	case KindNull:
		return "null"
	case KindNumber:
		return fmt.Sprintf("%g", v.num)
	case KindString:
		return fmt.Sprintf("%q", v.str)
	default:
		return fmt.Sprintf("%t", v.b)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindMinKey:
		return []byte(`{"$minKey":1}`), nil
	case KindMaxKey:
		return []byte(`{"$maxKey":1}`), nil
	case KindNull:
		return []byte("null"), nil
	case KindNumber:
		return json.Marshal(v.num)
	case KindString:
		return json.Marshal(v.str)
	default:
		return json.Marshal(v.b)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var x interface{}
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	parsed, err := ValueOf(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Key is a shard key tuple ordered element by element.
type Key []Value

// NewKey builds a key from JSON-like scalars. It panics on unsupported
// types and is meant for literals.
func NewKey(elems ...interface{}) Key {
	k := make(Key, 0, len(elems))
	for _, e := range elems {
		v, err := ValueOf(e)
		if err != nil {
			panic(err)
		}
		k = append(k, v)
	}
	return k
}

// Compare orders keys lexicographically; a strict prefix sorts first.
func (k Key) Compare(o Key) int {
	for i := 0; i < len(k) && i < len(o); i++ {
		if c := k[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(o):
		return -1
	case len(k) > len(o):
		return 1
	}
	return 0
}

func (k Key) Equal(o Key) bool { return k.Compare(o) == 0 }

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = v.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Encode returns a byte string whose bytewise order matches Compare.
func (k Key) Encode() []byte {
	var buf bytes.Buffer
	for _, v := range k {
		buf.WriteByte(byte(v.kind) + 1)
		switch v.kind {
		case KindNumber:
			f := v.num
			if f == 0 {
				f = 0 // folds -0 into +0
			}
			bits := math.Float64bits(f)
			if bits&(1<<63) == 0 {
				bits ^= 1 << 63
			} else {
				bits = ^bits
			}
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], bits)
			buf.Write(b[:])
		case KindString:
			for i := 0; i < len(v.str); i++ {
				c := v.str[i]
				buf.WriteByte(c)
				if c == 0x00 {
					buf.WriteByte(0xff)
				}
			}
			buf.Write([]byte{0x00, 0x01})
		case KindBool:
			if v.b {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		}
	}
	return buf.Bytes()
}

// KeyPattern lists the shard key fields in significance order.
type KeyPattern []string

// GlobalMin is the smallest key of the pattern.
func (p KeyPattern) GlobalMin() Key {
	k := make(Key, len(p))
	for i := range k {
		k[i] = MinKey()
	}
	return k
}

// GlobalMax is the largest key of the pattern.
func (p KeyPattern) GlobalMax() Key {
	k := make(Key, len(p))
	for i := range k {
		k[i] = MaxKey()
	}
	return k
}

func (p KeyPattern) Equal(o KeyPattern) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// IsValidKey reports whether k has the arity of the pattern.
func (p KeyPattern) IsValidKey(k Key) bool { return len(p) > 0 && len(k) == len(p) }

// ExtractKey reads the shard key out of doc. Dotted field names descend
// into sub-documents and missing fields read as null.
func (p KeyPattern) ExtractKey(doc Document) (Key, error) {
	k := make(Key, 0, len(p))
	for _, field := range p {
		raw, _ := lookup(doc, field)
		v, err := ValueOf(raw)
		if err != nil {
			return nil, errcode.Wrap(errcode.BadValue, err, "shard key field %q", field)
		}
		if v.IsMinKey() || v.IsMaxKey() {
			return nil, errcode.New(errcode.BadValue, "shard key field %q may not be MinKey or MaxKey", field)
		}
		k = append(k, v)
	}
	return k, nil
}

func (p KeyPattern) String() string { return "{" + strings.Join(p, ": 1, ") + ": 1}" }

func lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	head, rest, nested := strings.Cut(path, ".")
	v, ok := doc[head]
	if !ok || !nested {
		return v, ok
	}
	sub, ok := v.(map[string]interface{})
	if !ok {
		if d, isDoc := v.(Document); isDoc {
			sub = d
		} else {
			return nil, false
		}
	}
	return lookup(sub, rest)
}

// Document is a JSON document stored in a collection.
type Document map[string]interface{}

// Size approximates the stored size of the document.
func (d Document) Size() int {
	b, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(b)
}
