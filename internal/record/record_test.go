package record

import "testing"

func TestValidTTL(t *testing.T) {
	cases := []struct {
		ttl  int64
		want bool
	}{
		{TTLInfinity, true},
		{1, true},
		{60000, true},
		{0, false},
		{-2, false},
	}
	for _, c := range cases {
		if got := ValidTTL(c.ttl); got != c.want {
			t.Errorf("ValidTTL(%d) = %v, want %v", c.ttl, got, c.want)
		}
	}
}

func TestHashDeterministic(t *testing.T) {
	h1 := Hash(1, "node-a", []byte("value"))
	h2 := Hash(1, "node-a", []byte("value"))
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %d != %d", h1, h2)
	}

	h3 := Hash(1, "node-b", []byte("value"))
	if h1 == h3 {
		t.Fatalf("hash collided across originators")
	}

	// Framing must not let "a"+"bc" collide with "ab"+"c" via naive
	// concatenation.
	h4 := Hash(1, "a", []byte("bc"))
	h5 := Hash(1, "ab", []byte("c"))
	if h4 == h5 {
		t.Fatalf("hash framing is ambiguous across field boundaries")
	}
}

func TestCompareValuesVersion(t *testing.T) {
	a := Record{Version: 2, OriginatorID: "x"}
	b := Record{Version: 1, OriginatorID: "x"}
	if CompareValues(a, b) != 1 {
		t.Fatalf("expected a > b on version")
	}
	if CompareValues(b, a) != -1 {
		t.Fatalf("expected b < a on version")
	}
}

func TestCompareValuesOriginator(t *testing.T) {
	a := Record{Version: 1, OriginatorID: "y"}
	b := Record{Version: 1, OriginatorID: "x"}
	if CompareValues(a, b) != 1 {
		t.Fatalf("expected y > x")
	}
}

func TestCompareValuesHashTieBreak(t *testing.T) {
	a := Record{Version: 1, OriginatorID: "x", HasHash: true, Hash: 42, TTLVersion: 2}
	b := Record{Version: 1, OriginatorID: "x", HasHash: true, Hash: 42, TTLVersion: 1}
	if CompareValues(a, b) != 1 {
		t.Fatalf("expected a > b on ttlVersion tie-break")
	}
	b.TTLVersion = 2
	if CompareValues(a, b) != 0 {
		t.Fatalf("expected equal records to compare 0")
	}
}

func TestCompareValuesValueBytes(t *testing.T) {
	a := Record{Version: 1, OriginatorID: "x", HasValue: true, Value: []byte("AB")}
	b := Record{Version: 1, OriginatorID: "x", HasValue: true, Value: []byte("AA")}
	if CompareValues(a, b) != 1 {
		t.Fatalf("expected AB > AA")
	}
}

func TestCompareValuesUnknown(t *testing.T) {
	a := Record{Version: 1, OriginatorID: "x"} // no hash, no value (ttl refresh)
	b := Record{Version: 1, OriginatorID: "x"}
	if CompareValues(a, b) != -2 {
		t.Fatalf("expected unknown comparison without hash or value")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	r := Record{Value: []byte("hello")}
	clone := r.Clone()
	clone.Value[0] = 'H'
	if r.Value[0] != 'h' {
		t.Fatalf("clone shares backing array with original")
	}
}

func TestWithHashPopulatesOnce(t *testing.T) {
	r := Record{Version: 1, OriginatorID: "x", HasValue: true, Value: []byte("A")}
	hashed := r.WithHash()
	if !hashed.HasHash {
		t.Fatalf("expected hash to be populated")
	}
	again := hashed
	again.Hash = 999
	again = again.WithHash()
	if again.Hash != 999 {
		t.Fatalf("WithHash should not overwrite an existing hash")
	}
}
