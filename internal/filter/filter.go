// Package filter decides whether an incoming record is admissible into
// an area, by key prefix and/or originator id.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/linkstate/kvstore/internal/record"
)

// Operator selects how the prefix and originator lists combine.
type Operator int

const (
	// OperatorAny matches if either list matches (union semantics).
	// This is the zero value, matching the spec's default.
	OperatorAny Operator = iota
	// OperatorAll matches only if both non-empty lists match
	// (intersection semantics).
	OperatorAll
)

// ParseOperator parses the configuration strings "ANY"/"ALL".
func ParseOperator(s string) (Operator, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ANY":
		return OperatorAny, nil
	case "ALL":
		return OperatorAll, nil
	default:
		return 0, fmt.Errorf("filter: unknown operator %q", s)
	}
}

func (op Operator) String() string {
	if op == OperatorAll {
		return "ALL"
	}
	return "ANY"
}

// Well-known leaf-node key prefix markers, ported from openr's
// kPrefixAllocMarker / kNodeLabelRangePrefix.
const (
	PrefixAllocMarker    = "prefix-allocation:"
	NodeLabelRangePrefix = "nodelabel-range:"
)

// Config describes a filter before compilation.
type Config struct {
	KeyPrefixes []string
	Originators []string
	Operator    Operator
}

// Filter is a compiled, cheaply-evaluable ingress filter.
type Filter struct {
	rawPrefixes []string
	prefixes    []*regexp.Regexp
	originators map[string]struct{}
	op          Operator
}

// New compiles cfg into a Filter. Invalid regex patterns are reported
// immediately so bad configuration is caught before the store runs, not
// at first match.
func New(cfg Config) (*Filter, error) {
	prefixes := make([]*regexp.Regexp, 0, len(cfg.KeyPrefixes))
	for _, p := range cfg.KeyPrefixes {
		anchored := p
		if !strings.HasPrefix(anchored, "^") {
			anchored = "^(?:" + anchored + ")"
		}
		re, err := regexp.Compile(anchored)
		if err != nil {
			return nil, fmt.Errorf("filter: invalid key prefix pattern %q: %w", p, err)
		}
		prefixes = append(prefixes, re)
	}

	originators := make(map[string]struct{}, len(cfg.Originators))
	for _, id := range cfg.Originators {
		originators[id] = struct{}{}
	}

	return &Filter{
		rawPrefixes: append([]string(nil), cfg.KeyPrefixes...),
		prefixes:    prefixes,
		originators: originators,
		op:          cfg.Operator,
	}, nil
}

// Matches implements the per-component contract in spec §4.1.
func (f *Filter) Matches(key string, rec record.Record) bool {
	if f == nil {
		return true
	}
	if len(f.prefixes) == 0 && len(f.originators) == 0 {
		return true
	}
	if f.op == OperatorAll {
		return f.matchAll(key, rec)
	}
	return f.matchAny(key, rec)
}

func (f *Filter) matchAny(key string, rec record.Record) bool {
	if len(f.prefixes) != 0 && f.matchesPrefix(key) {
		return true
	}
	if len(f.originators) != 0 {
		if _, ok := f.originators[rec.OriginatorID]; ok {
			return true
		}
	}
	return false
}

func (f *Filter) matchAll(key string, rec record.Record) bool {
	if len(f.prefixes) != 0 && !f.matchesPrefix(key) {
		return false
	}
	if len(f.originators) != 0 {
		if _, ok := f.originators[rec.OriginatorID]; !ok {
			return false
		}
	}
	return true
}

func (f *Filter) matchesPrefix(key string) bool {
	for _, re := range f.prefixes {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

// KeyPrefixes returns the configured (uncompiled) prefix patterns.
func (f *Filter) KeyPrefixes() []string {
	return append([]string(nil), f.rawPrefixes...)
}

// OriginatorIDs returns the configured originator set.
func (f *Filter) OriginatorIDs() []string {
	out := make([]string, 0, len(f.originators))
	for id := range f.originators {
		out = append(out, id)
	}
	return out
}

// String renders a human-readable description of the filter for log
// lines, ported from KvStoreFilters::str in the original implementation.
func (f *Filter) String() string {
	var b strings.Builder
	b.WriteString("prefix filters: ")
	b.WriteString(strings.Join(f.rawPrefixes, ", "))
	b.WriteString("; originator filters: ")
	b.WriteString(strings.Join(f.OriginatorIDs(), ", "))
	b.WriteString("; operator: ")
	b.WriteString(f.op.String())
	return b.String()
}

// NewLeaf builds the augmented filter used when the store is configured
// as a leaf node: the base config's ANY semantics, plus the two
// well-known prefix markers and nodeName, always combined under ANY.
func NewLeaf(base Config, nodeName string) (*Filter, error) {
	cfg := Config{
		KeyPrefixes: append(append([]string(nil), base.KeyPrefixes...), PrefixAllocMarker, NodeLabelRangePrefix),
		Originators: append(append([]string(nil), base.Originators...), nodeName),
		Operator:    OperatorAny,
	}
	return New(cfg)
}
