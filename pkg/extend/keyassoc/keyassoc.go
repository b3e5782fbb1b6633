// Package keyassoc implements the binary key decoration that keeps
// request dispatch stable across the grid's partitions: a key's binary
// form may be prefixed with the partition hash of an *associated* key, so
// entries that must live together are routed together.
package keyassoc

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// decorationMarker distinguishes a decorated binary from a plain one. A
// plain serialized key never starts with this byte: serializers in use
// here frame their output, and the marker sits outside that framing.
const decorationMarker byte = 0x95

// decorationLength is marker + int32 partition.
const decorationLength = 5

// Associated is implemented by user key types that want their entries
// partitioned by another key's hash rather than their own.
type Associated interface {
	AssociatedKey() interface{}
}

// PartitionOf computes the partition hash a binary key routes by.
func PartitionOf(binaryKey []byte) int32 {
	return int32(xxhash.Sum64(binaryKey) & 0x7fffffff)
}

// IsDecorated reports whether b already carries a partition decoration.
func IsDecorated(b []byte) bool {
	return len(b) >= decorationLength && b[0] == decorationMarker
}

// Decorate prefixes b with the given partition. Idempotent: an already
// decorated binary is returned unchanged, whatever partition it carries —
// re-decorating would silently reroute an entry.
func Decorate(b []byte, partition int32) []byte {
	if IsDecorated(b) {
		return b
	}
	out := make([]byte, decorationLength+len(b))
	out[0] = decorationMarker
	binary.BigEndian.PutUint32(out[1:decorationLength], uint32(partition))
	copy(out[decorationLength:], b)
	return out
}

// Undecorate strips the partition decoration when present. Idempotent.
func Undecorate(b []byte) []byte {
	if !IsDecorated(b) {
		return b
	}
	return b[decorationLength:]
}

// Partition extracts the partition a decorated binary routes by; ok is
// false for undecorated input.
func Partition(b []byte) (partition int32, ok bool) {
	if !IsDecorated(b) {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(b[1:decorationLength])), true
}

// Converter is one direction of the decoration pipeline.
type Converter func([]byte) []byte

// ToDecorated builds the converter that adds a decoration when absent,
// using partition as the route for plain binaries.
func ToDecorated(partition int32) Converter {
	return func(b []byte) []byte {
		return Decorate(b, partition)
	}
}

// ToUndecorated is the converter that strips a decoration when present.
func ToUndecorated() Converter {
	return Undecorate
}
