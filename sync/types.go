package sync

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// StoreID is the durable identity of a peer store, generated once at
// provisioning time.
type StoreID = uuid.UUID

// ZeroStoreID is not a valid peer identity.
var ZeroStoreID = uuid.Nil

// ParseStoreID parses the canonical textual form of a store id.
func ParseStoreID(s string) (StoreID, error) {
	return uuid.Parse(s)
}

// Version is a store's monotonically non-decreasing change counter. It
// advances whenever any tracked row in the store changes.
type Version int64

// SyncAnchor marks a point in a store's history.
type SyncAnchor struct {
	StoreID StoreID
	Version Version
}

func (a SyncAnchor) String() string {
	return fmt.Sprintf("%s@%d", a.StoreID, a.Version)
}

// IsZero reports whether the anchor carries no store identity.
func (a SyncAnchor) IsZero() bool {
	return a.StoreID == ZeroStoreID
}

// ChangeType is the semantic kind of a row mutation.
type ChangeType int

const (
	Insert ChangeType = iota
	Update
	Delete
)

func (t ChangeType) String() string {
	switch t {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(t))
	}
}

// Operation codes reported by a binding's change-tracking oracle.
const (
	OpNone   byte = 0 // initial-snapshot rows carry no operation code
	OpInsert byte = 'I'
	OpUpdate byte = 'U'
	OpDelete byte = 'D'
)

// changeTypeForOp maps an oracle operation code to a ChangeType. A zero op
// falls back to Insert; that fallback is only ever produced by the initial
// snapshot path.
func changeTypeForOp(op byte) (ChangeType, error) {
	switch op {
	case OpInsert, OpNone:
		return Insert, nil
	case OpUpdate:
		return Update, nil
	case OpDelete:
		return Delete, nil
	default:
		return Insert, fmt.Errorf("%w: unknown operation code %q", ErrInvalidArgument, string(op))
	}
}

// SyncItem is a single row mutation. Values maps column names to values and
// always carries the primary-key columns; Insert and Update items carry all
// non-key columns as well. A key present with a nil value is an explicit NULL
// and is distinct from an absent key.
type SyncItem struct {
	Table  string
	Schema string
	Type   ChangeType
	Values map[string]any
}

// SyncChangeSet is the atomic unit exchanged between peers. The delta it
// carries is the open interval (Target.Version, Source.Version] of the source
// store's history.
type SyncChangeSet struct {
	Source SyncAnchor
	Target SyncAnchor
	Items  []SyncItem
}

// SyncDirection restricts which way a table's rows flow.
type SyncDirection int

const (
	UploadAndDownload SyncDirection = iota
	UploadOnly
	DownloadOnly
)

func (d SyncDirection) String() string {
	switch d {
	case UploadAndDownload:
		return "upload_and_download"
	case UploadOnly:
		return "upload_only"
	case DownloadOnly:
		return "download_only"
	default:
		return fmt.Sprintf("SyncDirection(%d)", int(d))
	}
}

// UnmarshalText parses the manifest spelling of a direction.
func (d *SyncDirection) UnmarshalText(text []byte) error {
	switch strings.TrimSpace(string(text)) {
	case "", "upload_and_download":
		*d = UploadAndDownload
	case "upload_only":
		*d = UploadOnly
	case "download_only":
		*d = DownloadOnly
	default:
		return fmt.Errorf("%w: unknown sync direction %q", ErrInvalidArgument, text)
	}
	return nil
}

func (d SyncDirection) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TableConfig describes one tracked table. The set of TableConfigs is frozen
// when the provider is constructed.
type TableConfig struct {
	// Name is the table name, unique across the configuration.
	Name string
	// Schema is the optional schema namespace the table lives in.
	Schema string
	// Direction restricts which way rows flow; default UploadAndDownload.
	Direction SyncDirection
	// SkipInitialSnapshot excludes the table from initial change-sets.
	SkipInitialSnapshot bool
	// RecordType is an optional descriptor consumed by higher layers.
	RecordType any
}

// QualifiedName renders "schema.name", or just the name when no schema is set.
func (t TableConfig) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// normalizeTables trims names and rejects blanks and duplicates.
func normalizeTables(tables []TableConfig) ([]TableConfig, error) {
	out := make([]TableConfig, 0, len(tables))
	seen := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		t.Name = strings.TrimSpace(t.Name)
		t.Schema = strings.TrimSpace(t.Schema)
		if t.Name == "" {
			return nil, fmt.Errorf("%w: table with empty name", ErrInvalidArgument)
		}
		key := t.QualifiedName()
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("%w: duplicate table %q", ErrInvalidArgument, key)
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

// RowChange is one net row mutation reported by a binding's oracle. Values
// carries the row's current key columns, plus its current non-key columns for
// inserts and updates; deleted rows carry key columns only.
type RowChange struct {
	Op     byte
	Values map[string]any
}
