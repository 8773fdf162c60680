package bptree

import (
	"cmp"
	"encoding/binary"
	"fmt"
)

// KeyCodec converts between an in-memory key and its on-disk byte
// encoding, mirroring the keySerializer/keyDeserializer function pairs the
// teacher's Node[K, V] threads through serialize/deserialize.
type KeyCodec[K any] struct {
	Encode func(K) ([]byte, error)
	Decode func([]byte) (K, error)
}

// ValueCodec is the value-side equivalent of KeyCodec.
type ValueCodec[V any] struct {
	Encode func(V) ([]byte, error)
	Decode func([]byte) (V, error)
}

// CompareFunc orders two keys: negative if a < b, zero if equal, positive
// if a > b. Every traversal, split point, and uniqueness check in the
// index goes through this single comparator.
type CompareFunc[K any] func(a, b K) int

// Compare provides the default comparator for any ordered type.
func Compare[K cmp.Ordered](a, b K) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// CompareStrings is Compare specialized for string keys, named
// separately so callers don't have to spell out the generic
// instantiation at every call site.
func CompareStrings(a, b string) int { return Compare(a, b) }

// StringCodec encodes keys as their raw UTF-8 bytes.
func StringCodec() KeyCodec[string] {
	return KeyCodec[string]{
		Encode: func(s string) ([]byte, error) { return []byte(s), nil },
		Decode: func(data []byte) (string, error) { return string(data), nil },
	}
}

// StringValueCodec is StringCodec's value-side equivalent.
func StringValueCodec() ValueCodec[string] {
	return ValueCodec[string]{
		Encode: func(s string) ([]byte, error) { return []byte(s), nil },
		Decode: func(data []byte) (string, error) { return string(data), nil },
	}
}

// Int64Codec encodes keys as fixed-width little-endian int64s.
func Int64Codec() KeyCodec[int64] {
	return KeyCodec[int64]{
		Encode: func(k int64) ([]byte, error) {
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, uint64(k))
			return buf, nil
		},
		Decode: func(data []byte) (int64, error) {
			if len(data) != 8 {
				return 0, fmt.Errorf("bptree: int64 key must be 8 bytes, got %d", len(data))
			}
			return int64(binary.LittleEndian.Uint64(data)), nil
		},
	}
}
