package sync

import "context"

// StoreBinding adapts one concrete database engine to the protocol. A binding
// owns provisioning of the change-tracking machinery and hands out
// transactions combining the change-tracking oracle, the conflict-aware row
// applier and the anchor registry.
type StoreBinding interface {
	// Begin opens one connection and starts a transaction with snapshot
	// isolation semantics. The caller must Commit or Rollback.
	Begin(ctx context.Context) (StoreTx, error)

	// ApplyProvision is idempotent: it creates the bookkeeping tables,
	// generates and persists the durable store id if absent, and enables
	// row-level change tracking on every configured table.
	ApplyProvision(ctx context.Context) error

	// RemoveProvision tears change tracking down. User data is not touched.
	RemoveProvision(ctx context.Context) error

	// StoreID returns the durable identity persisted by ApplyProvision.
	// Fails with ErrNotInitialized before provisioning.
	StoreID(ctx context.Context) (StoreID, error)
}

// StoreTx is one snapshot-isolated transaction against a bound store. All
// reads observe a consistent snapshot; all writes commit atomically.
type StoreTx interface {
	// CurrentVersion is the latest committed change-tracking version,
	// including writes made earlier in this same transaction.
	CurrentVersion(ctx context.Context) (Version, error)

	// MinValidVersion is the oldest version from which a delta for the table
	// can still be reconstructed.
	MinValidVersion(ctx context.Context, table TableConfig) (Version, error)

	// ChangesSince returns the net change per row key over (since, current],
	// with each row's current values. Deleted rows carry key columns only.
	ChangesSince(ctx context.Context, table TableConfig, since Version) ([]RowChange, error)

	// InitialSnapshot returns every current row of the table with a zero
	// operation code.
	InitialSnapshot(ctx context.Context, table TableConfig) ([]RowChange, error)

	// ApplyInsert inserts the row only if no row with the same primary key
	// exists. Zero affected rows means the key is already present.
	ApplyInsert(ctx context.Context, table TableConfig, item SyncItem) (int64, error)

	// RowMatches reports whether a row with the item's key exists carrying
	// exactly the item's values (null-safe, over the columns the item
	// carries). The applier uses it to tell an exact-duplicate insert from
	// an irreconcilable key collision.
	RowMatches(ctx context.Context, table TableConfig, item SyncItem) (bool, error)

	// ApplyUpdate updates the row only if its latest change-tracking version
	// is at most lastSyncVersion, or force is set. Zero affected rows means a
	// newer local change exists or the row is gone.
	ApplyUpdate(ctx context.Context, table TableConfig, item SyncItem, lastSyncVersion Version, force bool) (int64, error)

	// ApplyDelete deletes under the same predicate as ApplyUpdate.
	ApplyDelete(ctx context.Context, table TableConfig, item SyncItem, lastSyncVersion Version, force bool) (int64, error)

	// LocalStoreID reads the durable identity row.
	LocalStoreID(ctx context.Context) (StoreID, error)

	// RemoteAnchor reads the highest version of the local store the peer has
	// acknowledged applying; ok is false for an unknown peer.
	RemoteAnchor(ctx context.Context, peer StoreID) (version Version, ok bool, err error)

	// SetRemoteAnchor upserts the peer's acknowledged version.
	SetRemoteAnchor(ctx context.Context, peer StoreID, version Version) error

	// CompactChanges prunes the table's change log through the given version
	// and advances its minimum valid version (never backwards).
	CompactChanges(ctx context.Context, table TableConfig, through Version) error

	Commit() error
	Rollback() error
}
