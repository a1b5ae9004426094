package sync

import (
	"reflect"
	"testing"

	"github.com/linkstate/kvstore/internal/record"
)

// S6: three-way diff scenario from spec §8.
func TestDumpDifferenceScenario(t *testing.T) {
	mine := map[string]record.Record{
		"a": {Version: 2, OriginatorID: "X", HasValue: true, Value: []byte("a2")},
		"b": {Version: 1, OriginatorID: "Y", HasValue: true, Value: []byte("b1")},
	}
	theirs := map[string]record.Record{
		"a": {Version: 1, OriginatorID: "X", HasValue: true, Value: []byte("a1")},
		"c": {Version: 1, OriginatorID: "Z", HasValue: true, Value: []byte("c1")},
	}

	pub := DumpDifference(mine, theirs)

	if len(pub.KeyVals) != 2 {
		t.Fatalf("expected keyVals = {a, b}, got %v", pub.KeyVals)
	}
	if _, ok := pub.KeyVals["a"]; !ok {
		t.Fatalf("expected a in keyVals")
	}
	if _, ok := pub.KeyVals["b"]; !ok {
		t.Fatalf("expected b in keyVals")
	}

	want := []string{"c"}
	if !reflect.DeepEqual(pub.ToBeUpdatedKeys, want) {
		t.Fatalf("expected tobeUpdatedKeys = %v, got %v", want, pub.ToBeUpdatedKeys)
	}
}

func TestDumpDifferenceUnknownGoesBothWays(t *testing.T) {
	mine := map[string]record.Record{
		"a": {Version: 1, OriginatorID: "X"}, // no value, no hash
	}
	theirs := map[string]record.Record{
		"a": {Version: 1, OriginatorID: "X"},
	}

	pub := DumpDifference(mine, theirs)
	if _, ok := pub.KeyVals["a"]; !ok {
		t.Fatalf("expected unknown comparison to push into keyVals")
	}
	if len(pub.ToBeUpdatedKeys) != 1 || pub.ToBeUpdatedKeys[0] != "a" {
		t.Fatalf("expected unknown comparison to also request the key back")
	}
}

func TestDumpDifferenceEqualProducesNeither(t *testing.T) {
	r := record.Record{Version: 1, OriginatorID: "X", HasHash: true, Hash: 7, TTLVersion: 1}
	mine := map[string]record.Record{"a": r}
	theirs := map[string]record.Record{"a": r}

	pub := DumpDifference(mine, theirs)
	if len(pub.KeyVals) != 0 || len(pub.ToBeUpdatedKeys) != 0 {
		t.Fatalf("expected no diff for identical records, got %+v", pub)
	}
}

func TestDumpDifferenceResultAppliedConverges(t *testing.T) {
	storeA := map[string]record.Record{
		"a": {Version: 2, OriginatorID: "X", HasValue: true, Value: []byte("a2")},
		"b": {Version: 1, OriginatorID: "Y", HasValue: true, Value: []byte("b1")},
	}
	storeB := map[string]record.Record{
		"a": {Version: 1, OriginatorID: "X", HasValue: true, Value: []byte("a1")},
		"c": {Version: 1, OriginatorID: "Z", HasValue: true, Value: []byte("c1")},
	}

	pubFromA := DumpDifference(storeA, storeB)
	// B sends back the keys A wanted (tobeUpdatedKeys), A applies them.
	for key := range storeB {
		if contains(pubFromA.ToBeUpdatedKeys, key) {
			storeA[key] = storeB[key]
		}
	}
	// A floods what it determined B should have.
	for key, rec := range pubFromA.KeyVals {
		storeB[key] = rec
	}

	if len(storeA) != 3 || len(storeB) != 3 {
		t.Fatalf("expected both stores to converge to 3 keys: A=%v B=%v", storeA, storeB)
	}
	for _, key := range []string{"a", "b", "c"} {
		if string(storeA[key].Value) != string(storeB[key].Value) {
			t.Fatalf("key %q diverged: A=%q B=%q", key, storeA[key].Value, storeB[key].Value)
		}
	}
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
