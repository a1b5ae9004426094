// Package store implements the Area Store (C4): a per-area in-memory
// record map, a TTL scheduler, and subscriber fanout, generalized from
// the teacher's internal/storage.memoryStore (a single flat map with an
// injectable clock) to one map per area plus a deadline scheduler.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linkstate/kvstore/internal/filter"
	"github.com/linkstate/kvstore/internal/merge"
	"github.com/linkstate/kvstore/internal/record"
)

// ErrSubscriberSlow is passed to the subscriber-dropped hook when a
// subscriber's channel is closed because its queue crossed the
// high-water mark; the subscriber must re-subscribe and re-snapshot via
// DumpAll.
var ErrSubscriberSlow = fmt.Errorf("store: subscriber channel closed: too slow")

// subscriberQueueDepth is the high-water mark for a subscriber's delta
// channel before it is dropped.
const subscriberQueueDepth = 256

// Delta is one change fanned out to subscribers: either a merged record
// (Tombstone == false) or a TTL expiry (Tombstone == true, Record is the
// last known record for logging purposes only).
type Delta struct {
	Key       string
	Record    record.Record
	Tombstone bool
}

// Area owns one area's record map, TTL schedule, and subscribers. Its
// exported methods are safe for concurrent use, matching the teacher's
// memoryStore guarantee; callers that want the single-event-loop model
// of spec §5 can still serialize all calls onto one goroutine, since
// nothing here assumes external serialization.
type Area struct {
	name  string
	clock func() time.Time

	mu      sync.Mutex
	records map[string]record.Record
	ttl     *ttlScheduler
	subs    map[uint64]*subscriber
	nextSub uint64
	stats   merge.Stats

	onSubscriberDropped func(id uint64, err error)
}

type subscriber struct {
	ch     chan Delta
	filter *filter.Filter
}

// New creates an empty area store. clock defaults to time.Now; tests
// inject a deterministic clock the same way the teacher's
// storage.NewMemoryStore does.
func New(name string, clock func() time.Time) *Area {
	if clock == nil {
		clock = time.Now
	}
	return &Area{
		name:    name,
		clock:   clock,
		records: make(map[string]record.Record),
		ttl:     newTTLScheduler(),
		subs:    make(map[uint64]*subscriber),
	}
}

// Name returns the area identifier.
func (a *Area) Name() string { return a.name }

// SetKeyVals merges a locally-originated batch with no filter, schedules
// TTL timers, and fans the resulting delta out to subscribers. The
// caller (the Node, via the sync engine's Flood) is responsible for
// flooding the same delta to peers.
func (a *Area) SetKeyVals(_ context.Context, records map[string]record.Record) map[string]record.Record {
	return a.merge(records, nil)
}

// MergeIncoming merges a batch received from a peer, applying f first.
func (a *Area) MergeIncoming(_ context.Context, records map[string]record.Record, f *filter.Filter) map[string]record.Record {
	return a.merge(records, f)
}

func (a *Area) merge(incoming map[string]record.Record, f *filter.Filter) map[string]record.Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	delta := merge.Merge(a.records, incoming, f, &a.stats)
	now := a.clock()
	for key := range delta {
		a.rescheduleLocked(key, now)
	}
	a.fanOutLocked(delta, false)
	return delta
}

func (a *Area) rescheduleLocked(key string, now time.Time) {
	rec, ok := a.records[key]
	if !ok {
		a.ttl.cancel(key)
		return
	}
	if rec.TTL == record.TTLInfinity {
		a.ttl.cancel(key)
		return
	}
	a.ttl.schedule(key, now.Add(time.Duration(rec.TTL)*time.Millisecond))
}

// GetKeyVals returns current records for the requested keys, by value
// copy, omitting any key not present.
func (a *Area) GetKeyVals(_ context.Context, keys []string) map[string]record.Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]record.Record, len(keys))
	for _, key := range keys {
		if rec, ok := a.records[key]; ok {
			out[key] = rec.Clone()
		}
	}
	return out
}

// DumpAll returns a snapshot of every record matching f (nil == no
// filter), used for full-sync responses.
func (a *Area) DumpAll(_ context.Context, f *filter.Filter) map[string]record.Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]record.Record, len(a.records))
	for key, rec := range a.records {
		if f != nil && !f.Matches(key, rec) {
			continue
		}
		out[key] = rec.Clone()
	}
	return out
}

// DumpHashes returns records with Value stripped but Hash present, the
// compact form used for sync negotiation (§4.4). prefix, if non-empty,
// restricts the dump to keys with that literal prefix (a supplemental
// capability over the distilled spec, grounded on the original's
// prefix-scoped hash dump).
func (a *Area) DumpHashes(_ context.Context, prefix string) map[string]record.Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]record.Record, len(a.records))
	for key, rec := range a.records {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		stripped := rec
		stripped.HasValue = false
		stripped.Value = nil
		if !stripped.HasHash {
			stripped = stripped.WithHash()
		}
		out[key] = stripped
	}
	return out
}

// Subscribe registers a new subscriber matching f (nil == no filter) and
// returns its delta stream plus a cancel function. Cancelling drops
// in-flight items and frees the subscriber slot.
func (a *Area) Subscribe(f *filter.Filter) (<-chan Delta, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextSub
	a.nextSub++
	sub := &subscriber{ch: make(chan Delta, subscriberQueueDepth), filter: f}
	a.subs[id] = sub

	cancel := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if existing, ok := a.subs[id]; ok && existing == sub {
			delete(a.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

func (a *Area) fanOutLocked(delta map[string]record.Record, tombstone bool) {
	if len(delta) == 0 {
		return
	}
	for id, sub := range a.subs {
	keys:
		for key, rec := range delta {
			if sub.filter != nil && !sub.filter.Matches(key, rec) {
				continue
			}
			select {
			case sub.ch <- Delta{Key: key, Record: rec, Tombstone: tombstone}:
			default:
				delete(a.subs, id)
				close(sub.ch)
				if a.onSubscriberDropped != nil {
					a.onSubscriberDropped(id, ErrSubscriberSlow)
				}
				// sub.ch is closed now; a send on it is always
				// selectable and would panic on the next key.
				break keys
			}
		}
	}
}

// SetSubscriberDroppedHook installs a callback invoked when a subscriber
// is dropped for being too slow, so the owning Node can log it.
func (a *Area) SetSubscriberDroppedHook(fn func(id uint64, err error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onSubscriberDropped = fn
}

// Stats returns a snapshot of the merge outcome counters.
func (a *Area) Stats() merge.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// NextDeadline returns the earliest scheduled TTL deadline, if any; the
// owning Node uses this to size its next wakeup.
func (a *Area) NextDeadline() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ttl.nextDeadline()
}

// Tick expires every record whose deadline is at or before now, removes
// them from the store, and fans out tombstone deltas. TTL expiry is a
// local, time-driven event, not a merge outcome, so it is not returned
// for flooding to peers: every node expires on its own clock.
func (a *Area) Tick(now time.Time) []Delta {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := a.ttl.expireBefore(now)
	if len(keys) == 0 {
		return nil
	}

	out := make([]Delta, 0, len(keys))
	deltaMap := make(map[string]record.Record, len(keys))
	for _, key := range keys {
		rec := a.records[key]
		delete(a.records, key)
		out = append(out, Delta{Key: key, Record: rec, Tombstone: true})
		deltaMap[key] = rec
	}
	a.fanOutLocked(deltaMap, true)
	return out
}

// RefreshLocalTTLs republishes a TTL-only update (value absent,
// TTLVersion+1) for every record authored by originatorID with a finite
// TTL, resetting its deadline to ttl. This implements the producer-side
// refresh loop in spec §4.4; the Node's scheduler calls it at
// kvStoreKeyTtl/N.
func (a *Area) RefreshLocalTTLs(originatorID string, ttl int64) map[string]record.Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	refreshes := make(map[string]record.Record)
	for key, rec := range a.records {
		if rec.OriginatorID != originatorID || rec.TTL == record.TTLInfinity {
			continue
		}
		refreshes[key] = record.Record{
			Version:      rec.Version,
			OriginatorID: rec.OriginatorID,
			HasValue:     false,
			TTLVersion:   rec.TTLVersion + 1,
			TTL:          ttl,
		}
	}
	if len(refreshes) == 0 {
		return nil
	}

	delta := merge.Merge(a.records, refreshes, nil, &a.stats)
	now := a.clock()
	for key := range delta {
		a.rescheduleLocked(key, now)
	}
	// TTL refreshes are consumed internally; subscribers never see them.
	return delta
}
