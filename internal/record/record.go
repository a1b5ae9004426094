// Package record defines the versioned key-value record carried by the
// KVS and the deterministic ordering used to resolve conflicting copies
// of the same key received from different peers.
package record

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// TTLInfinity is the sentinel TTL value meaning "never expire". Any other
// non-positive TTL is invalid.
const TTLInfinity int64 = -1

// Record is a versioned value with conflict-resolution metadata. It is
// treated as immutable by callers: updates replace the whole value (or,
// for a TTL refresh, just the TTL/TTLVersion fields) rather than mutating
// in place through a shared reference.
//
// Value and Hash are optional fields. Go's zero value for []byte (nil)
// is not used as the "absent" sentinel because a present-but-empty value
// is legal and must stay distinguishable from "no value was sent at
// all" (a TTL-refresh message). HasValue/HasHash carry that tag
// explicitly instead.
type Record struct {
	Version      uint64
	OriginatorID string
	HasValue     bool
	Value        []byte
	TTLVersion   uint64
	TTL          int64 // milliseconds, or TTLInfinity
	HasHash      bool
	Hash         uint64
}

// ValidTTL reports whether ttl is a legal value for a stored record:
// TTLInfinity, or strictly positive.
func ValidTTL(ttl int64) bool {
	return ttl == TTLInfinity || ttl > 0
}

// Clone returns a deep copy of r; the returned record shares no backing
// array with r.
func (r Record) Clone() Record {
	if r.Value == nil {
		return r
	}
	out := r
	out.Value = append([]byte(nil), r.Value...)
	return out
}

// WithHash returns a copy of r with Hash populated from (Version,
// OriginatorID, Value) if it is not already present.
func (r Record) WithHash() Record {
	if r.HasHash {
		return r
	}
	out := r
	out.Hash = Hash(r.Version, r.OriginatorID, r.Value)
	out.HasHash = true
	return out
}

// Hash computes the deterministic digest H(version, originatorId, value)
// used for sync comparisons. It must be stable across nodes, so the
// inputs are framed unambiguously (length-prefixed) before hashing.
func Hash(version uint64, originatorID string, value []byte) uint64 {
	buf := make([]byte, 0, 8+4+len(originatorID)+len(value))
	buf = binary.BigEndian.AppendUint64(buf, version)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(originatorID)))
	buf = append(buf, originatorID...)
	buf = append(buf, value...)
	return xxh3.Hash(buf)
}

// CompareValues implements the total order used by the sync protocol's
// three-way diff: newer version wins; on equal version, larger
// originator id wins; if both sides carry a hash and the hashes match,
// larger ttlVersion wins; otherwise, if both sides carry a value, larger
// value bytes win; if neither tie-break applies, the result is unknown
// (-2) and the caller must treat both directions as possibly-better.
func CompareValues(a, b Record) int {
	if a.Version != b.Version {
		if a.Version > b.Version {
			return 1
		}
		return -1
	}
	if a.OriginatorID != b.OriginatorID {
		if a.OriginatorID > b.OriginatorID {
			return 1
		}
		return -1
	}
	if a.HasHash && b.HasHash && a.Hash == b.Hash {
		if a.TTLVersion != b.TTLVersion {
			if a.TTLVersion > b.TTLVersion {
				return 1
			}
			return -1
		}
		return 0
	}
	if a.HasValue && b.HasValue {
		switch {
		case string(a.Value) > string(b.Value):
			return 1
		case string(a.Value) < string(b.Value):
			return -1
		default:
			return 0
		}
	}
	return -2
}
