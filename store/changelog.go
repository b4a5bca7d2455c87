// Package store holds the pieces shared by the concrete store bindings: the
// append-only change-log model and its net-change folding, identifier
// quoting, and row-key decoding.
package store

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/dmtwww/coresync/sync"
)

// LogEntry is one appended change-log row. Version is unique per store; Key
// is the engine-rendered JSON object of the row's primary-key columns.
type LogEntry struct {
	Version sync.Version
	Key     string
	Op      byte
}

// NetChange is the folded outcome for one row key over a version window.
type NetChange struct {
	Key     string
	Op      byte
	Version sync.Version
}

// FoldNetChanges reduces a version-ordered slice of log entries to one net
// change per row key, relative to the window's lower bound:
//
//   - created and deleted inside the window: no net change
//   - created inside the window: Insert
//   - deleted as the last operation: Delete
//   - anything else: Update (covers delete-then-reinsert as well)
//
// Result order follows each key's first appearance.
func FoldNetChanges(entries []LogEntry) []NetChange {
	type fold struct {
		first, last byte
		version     sync.Version
		order       int
	}
	folds := make(map[string]*fold, len(entries))
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		f, ok := folds[e.Key]
		if !ok {
			folds[e.Key] = &fold{first: e.Op, last: e.Op, version: e.Version, order: len(keys)}
			keys = append(keys, e.Key)
			continue
		}
		f.last = e.Op
		f.version = e.Version
	}

	out := make([]NetChange, 0, len(keys))
	for _, key := range keys {
		f := folds[key]
		var op byte
		switch {
		case f.first == 'I' && f.last == 'D':
			continue
		case f.first == 'I':
			op = 'I'
		case f.last == 'D':
			op = 'D'
		default:
			op = 'U'
		}
		out = append(out, NetChange{Key: key, Op: op, Version: f.version})
	}
	return out
}

// QuoteIdent quotes an SQL identifier with double quotes, doubling any
// embedded quote. Column names containing spaces are legal.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteStringLit renders a single-quoted SQL string literal.
func QuoteStringLit(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// DecodeRowKey parses an engine-rendered row-key JSON object into column
// values. Integral numbers decode as int64 so primary-key lookups keep their
// affinity.
func DecodeRowKey(key string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(key)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	for col, v := range raw {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			raw[col] = i
			continue
		}
		f, err := n.Float64()
		if err != nil {
			return nil, err
		}
		raw[col] = f
	}
	return raw, nil
}
