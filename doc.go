// Package kvstore provides an embedded, replicated key-value store with
// a gossip-style anti-entropy protocol, built for the kind of
// routing-adjacent state a link-state daemon's control plane needs to
// keep eventually consistent across nodes: adjacency, prefix, and
// key-label advertisements keyed by originator.
//
// # Overview
//
// Each node owns one or more independent areas. Within an area, records
// are versioned and merged using a deterministic last-writer-wins
// strategy based on version, originator id, value bytes, and a separate
// ttlVersion for TTL-only refreshes. Peers exchange a three-way hash
// digest on connect to converge a new session quickly, then flood merge
// deltas to every other established peer as they occur.
//
// # Data model
//
// A record's value is tagged present/absent rather than relying on a nil
// slice, so a TTL-refresh publication (no value, ttlVersion bumped) and a
// deliberately empty value are never confused.
//
// # Filtering
//
// An ingress filter can restrict which keys and originators a node
// accepts, combined with ANY (union) or ALL (intersection) semantics. A
// node configured as a leaf additionally always accepts its own
// originator id and the well-known prefix-allocation and node-label-range
// key prefixes.
//
// # Networking
//
// Sync sessions run over TCP with gob-framed messages. mDNS discovery is
// optional and enabled by default; peers can also be configured directly
// via WithSeeds.
//
// Example
//
//	node, err := kvstore.New(
//		kvstore.WithBindAddr("127.0.0.1:9001"),
//		kvstore.WithSeeds([]string{"127.0.0.1:9002"}),
//	)
//	if err != nil {
//		// handle error
//	}
//	defer node.Close(context.Background())
//	_ = node.Set(context.Background(), kvstore.DefaultArea, "key", []byte("value"))
//	_, _ = node.Get(context.Background(), kvstore.DefaultArea, "key")
package kvstore
