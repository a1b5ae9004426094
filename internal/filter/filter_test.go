package filter

import (
	"testing"

	"github.com/linkstate/kvstore/internal/record"
)

func TestNoFilterMatchesEverything(t *testing.T) {
	f, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Matches("anything", record.Record{OriginatorID: "x"}) {
		t.Fatalf("empty filter should match everything")
	}
}

func TestAnySemantics(t *testing.T) {
	f, err := New(Config{
		KeyPrefixes: []string{"adj:"},
		Originators: []string{"node-a"},
		Operator:    OperatorAny,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Matches("adj:node-b", record.Record{OriginatorID: "node-b"}) {
		t.Fatalf("expected prefix match to satisfy ANY")
	}
	if !f.Matches("prefix:node-x", record.Record{OriginatorID: "node-a"}) {
		t.Fatalf("expected originator match to satisfy ANY")
	}
	if f.Matches("prefix:node-x", record.Record{OriginatorID: "node-b"}) {
		t.Fatalf("expected no match when neither prefix nor originator matches")
	}
}

func TestAllSemantics(t *testing.T) {
	f, err := New(Config{
		KeyPrefixes: []string{"adj:"},
		Originators: []string{"node-a"},
		Operator:    OperatorAll,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Matches("adj:x", record.Record{OriginatorID: "node-a"}) {
		t.Fatalf("expected ALL match when both lists match")
	}
	if f.Matches("adj:x", record.Record{OriginatorID: "node-b"}) {
		t.Fatalf("expected ALL to fail when originator does not match")
	}
	if f.Matches("prefix:x", record.Record{OriginatorID: "node-a"}) {
		t.Fatalf("expected ALL to fail when prefix does not match")
	}
}

func TestAllWithEmptyListIsVacuouslyTrueForThatList(t *testing.T) {
	f, err := New(Config{
		Originators: []string{"node-a"},
		Operator:    OperatorAll,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Matches("any-key", record.Record{OriginatorID: "node-a"}) {
		t.Fatalf("empty prefix list should not block an ALL match")
	}
}

func TestInvalidPatternFailsAtConstruction(t *testing.T) {
	_, err := New(Config{KeyPrefixes: []string{"("}})
	if err == nil {
		t.Fatalf("expected construction error for invalid regex")
	}
}

func TestNewLeafDefaultsOriginatorSet(t *testing.T) {
	f, err := NewLeaf(Config{}, "node-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Not matching any configured prefix, but authored by the local
	// node: should still pass because leaf filters are always ANY and
	// always include the local originator id.
	if !f.Matches("unrelated:key", record.Record{OriginatorID: "node-a"}) {
		t.Fatalf("leaf filter should default-admit records from the local node")
	}
	if f.Matches("unrelated:key", record.Record{OriginatorID: "node-b"}) {
		t.Fatalf("leaf filter should not admit unrelated originators")
	}
	if !f.Matches(PrefixAllocMarker+"1", record.Record{OriginatorID: "node-b"}) {
		t.Fatalf("leaf filter should admit the well-known prefix markers")
	}
}

func TestLeafFilterDefaultsOriginatorSetWithExistingOriginators(t *testing.T) {
	f, err := NewLeaf(Config{Originators: []string{"node-b"}}, "node-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Matches("x", record.Record{OriginatorID: "node-a"}) {
		t.Fatalf("expected local node id appended to configured originators")
	}
	if !f.Matches("x", record.Record{OriginatorID: "node-b"}) {
		t.Fatalf("expected configured originator to still match")
	}
}
