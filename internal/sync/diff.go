// Package sync implements the Sync Protocol (C5): the per-(area, peer)
// session state machine, three-way full sync, and flood fanout.
package sync

import (
	"sort"

	"github.com/linkstate/kvstore/internal/record"
)

// Publication is the outcome of a three-way diff: records the recipient
// should accept (KeyVals) and keys the sender wants sent back
// (ToBeUpdatedKeys).
type Publication struct {
	KeyVals         map[string]record.Record
	ToBeUpdatedKeys []string
}

// DumpDifference computes the three-way sync diff between the local
// hash dump (mine) and a peer's hash dump (theirs), ported verbatim in
// semantics from openr's dumpDifference (kvstore/KvStoreUtil.cpp).
func DumpDifference(mine, theirs map[string]record.Record) Publication {
	pub := Publication{
		KeyVals:         make(map[string]record.Record),
		ToBeUpdatedKeys: make([]string, 0),
	}

	seen := make(map[string]struct{}, len(mine)+len(theirs))
	for k := range mine {
		seen[k] = struct{}{}
	}
	for k := range theirs {
		seen[k] = struct{}{}
	}

	for key := range seen {
		m, mineHas := mine[key]
		t, theirsHas := theirs[key]

		switch {
		case !mineHas:
			pub.ToBeUpdatedKeys = append(pub.ToBeUpdatedKeys, key)
		case !theirsHas:
			pub.KeyVals[key] = m
		default:
			c := record.CompareValues(m, t)
			if c == 1 || c == -2 {
				pub.KeyVals[key] = m
			}
			if c == -1 || c == -2 {
				pub.ToBeUpdatedKeys = append(pub.ToBeUpdatedKeys, key)
			}
		}
	}

	sort.Strings(pub.ToBeUpdatedKeys)
	return pub
}
