package sync

import (
	"github.com/linkstate/kvstore/internal/record"
	"github.com/linkstate/kvstore/internal/wire"
)

func toWireRecord(r record.Record) wire.WireRecord {
	return wire.WireRecord{
		Version:      r.Version,
		OriginatorID: r.OriginatorID,
		HasValue:     r.HasValue,
		Value:        r.Value,
		TTLVersion:   r.TTLVersion,
		TTL:          r.TTL,
		HasHash:      r.HasHash,
		Hash:         r.Hash,
	}
}

func fromWireRecord(w wire.WireRecord) record.Record {
	return record.Record{
		Version:      w.Version,
		OriginatorID: w.OriginatorID,
		HasValue:     w.HasValue,
		Value:        w.Value,
		TTLVersion:   w.TTLVersion,
		TTL:          w.TTL,
		HasHash:      w.HasHash,
		Hash:         w.Hash,
	}
}

func toWireMap(m map[string]record.Record) map[string]wire.WireRecord {
	out := make(map[string]wire.WireRecord, len(m))
	for k, v := range m {
		out[k] = toWireRecord(v)
	}
	return out
}

func fromWireMap(m map[string]wire.WireRecord) map[string]record.Record {
	out := make(map[string]record.Record, len(m))
	for k, v := range m {
		out[k] = fromWireRecord(v)
	}
	return out
}
