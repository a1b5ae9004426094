// Package merge implements the pure merge engine: folding a batch of
// incoming records into a local map under deterministic conflict
// resolution, producing the delta that should be announced outward.
package merge

import (
	"bytes"

	"github.com/linkstate/kvstore/internal/filter"
	"github.com/linkstate/kvstore/internal/record"
)

// Stats accumulates per-key outcome counters across merge calls. It is
// owned by whoever calls Merge and is not safe for concurrent use; the
// area store that embeds it only touches it while holding its own
// mutex. A nil *Stats is valid and simply discards counts.
type Stats struct {
	ValueUpdates uint64
	TTLUpdates   uint64
	Filtered     uint64
	Stale        uint64
	InvalidTTL   uint64
}

func (s *Stats) incFiltered() {
	if s != nil {
		s.Filtered++
	}
}

func (s *Stats) incInvalidTTL() {
	if s != nil {
		s.InvalidTTL++
	}
}

func (s *Stats) incStale() {
	if s != nil {
		s.Stale++
	}
}

func (s *Stats) incValueUpdate() {
	if s != nil {
		s.ValueUpdates++
	}
}

func (s *Stats) incTTLUpdate() {
	if s != nil {
		s.TTLUpdates++
	}
}

// Merge folds incoming into store, mutating store in place, and returns
// the delta: the exact set of keys whose state visibly changed. filter
// may be nil, meaning no filtering. stats may be nil if counters are not
// wanted.
//
// Ported step-for-step from openr's mergeKeyValues (kvstore/KvStoreUtil.cpp):
// filter, TTL validity, staleness, conflict resolution, apply, announce.
func Merge(store map[string]record.Record, incoming map[string]record.Record, f *filter.Filter, stats *Stats) map[string]record.Record {
	delta := make(map[string]record.Record, len(incoming))

	for key, inc := range incoming {
		if f != nil && !f.Matches(key, inc) {
			stats.incFiltered()
			continue
		}

		if !record.ValidTTL(inc.TTL) {
			stats.incInvalidTTL()
			continue
		}

		cur, exists := store[key]
		var myVersion uint64
		if exists {
			myVersion = cur.Version
		}

		if inc.Version < myVersion {
			stats.incStale()
			continue
		}

		updateValue, updateTTL := false, false
		if inc.HasValue {
			switch {
			case inc.Version > myVersion:
				updateValue = true
			case inc.OriginatorID > cur.OriginatorID:
				updateValue = true
			case inc.OriginatorID == cur.OriginatorID:
				c := bytes.Compare(inc.Value, cur.Value)
				if c > 0 {
					// Previous incarnation reflected back; accept
					// deterministically so neighbors converge.
					updateValue = true
				} else if c == 0 && inc.TTLVersion > cur.TTLVersion {
					updateTTL = true
				}
			}
		} else if exists && inc.Version == cur.Version && inc.OriginatorID == cur.OriginatorID && inc.TTLVersion > cur.TTLVersion {
			updateTTL = true
		}

		if !updateValue && !updateTTL {
			continue
		}

		if updateValue {
			store[key] = inc.WithHash()
			stats.incValueUpdate()
		} else {
			cur.TTL = inc.TTL
			cur.TTLVersion = inc.TTLVersion
			store[key] = cur
			stats.incTTLUpdate()
		}

		delta[key] = inc
	}

	return delta
}
