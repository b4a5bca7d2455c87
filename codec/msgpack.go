// Package codec serializes change-sets for transports. All msgpack
// operations go through this package so decoding behavior stays consistent.
//
// Null fidelity: a column present in Values with a nil value is an explicit
// NULL and survives a round trip as a present nil entry; an absent column
// stays absent.
package codec

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dmtwww/coresync/sync"
)

type wireAnchor struct {
	StoreID string       `msgpack:"store_id"`
	Version sync.Version `msgpack:"version"`
}

type wireItem struct {
	Table  string         `msgpack:"table"`
	Schema string         `msgpack:"schema,omitempty"`
	Type   int            `msgpack:"type"`
	Values map[string]any `msgpack:"values"`
}

type wireChangeSet struct {
	Source wireAnchor `msgpack:"source"`
	Target wireAnchor `msgpack:"target"`
	Items  []wireItem `msgpack:"items"`
}

// MarshalChangeSet encodes a change-set to msgpack.
func MarshalChangeSet(cs *sync.SyncChangeSet) ([]byte, error) {
	if cs == nil {
		return nil, fmt.Errorf("nil change set")
	}
	w := wireChangeSet{
		Source: wireAnchor{StoreID: cs.Source.StoreID.String(), Version: cs.Source.Version},
		Target: wireAnchor{StoreID: cs.Target.StoreID.String(), Version: cs.Target.Version},
		Items:  make([]wireItem, len(cs.Items)),
	}
	for i, item := range cs.Items {
		w.Items[i] = wireItem{
			Table:  item.Table,
			Schema: item.Schema,
			Type:   int(item.Type),
			Values: item.Values,
		}
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(&w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalChangeSet decodes a msgpack change-set. Values decode with loose
// interface decoding so strings come back as Go strings rather than []byte;
// SQLite treats BLOB and TEXT as different types for primary key comparison,
// so the distinction decides whether an applied row finds its original.
func UnmarshalChangeSet(data []byte) (*sync.SyncChangeSet, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var w wireChangeSet
	if err := dec.Decode(&w); err != nil {
		return nil, err
	}
	source, err := decodeAnchor(w.Source)
	if err != nil {
		return nil, fmt.Errorf("source anchor: %w", err)
	}
	target, err := decodeAnchor(w.Target)
	if err != nil {
		return nil, fmt.Errorf("target anchor: %w", err)
	}
	cs := &sync.SyncChangeSet{Source: source, Target: target}
	if len(w.Items) > 0 {
		cs.Items = make([]sync.SyncItem, len(w.Items))
		for i, item := range w.Items {
			cs.Items[i] = sync.SyncItem{
				Table:  item.Table,
				Schema: item.Schema,
				Type:   sync.ChangeType(item.Type),
				Values: item.Values,
			}
		}
	}
	return cs, nil
}

func decodeAnchor(w wireAnchor) (sync.SyncAnchor, error) {
	id, err := uuid.Parse(w.StoreID)
	if err != nil {
		return sync.SyncAnchor{}, err
	}
	return sync.SyncAnchor{StoreID: id, Version: w.Version}, nil
}
