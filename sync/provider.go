package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/rs/zerolog/log"

	"github.com/dmtwww/coresync/telemetry"
)

// Provider is the synchronization engine for one local store. It assembles
// change-sets for peers, applies change-sets received from peers, and keeps
// the remote anchor registry current. A single Provider is safe for
// concurrent use; isolation between concurrent operations is delegated to the
// store's transaction manager.
type Provider struct {
	binding StoreBinding
	tables  []TableConfig
	byName  map[string]TableConfig

	initMu      gosync.Mutex
	initialized bool
	selfID      StoreID
}

// NewProvider builds a provider over a store binding and a frozen table set.
func NewProvider(binding StoreBinding, tables []TableConfig) (*Provider, error) {
	if binding == nil {
		return nil, fmt.Errorf("%w: nil store binding", ErrInvalidArgument)
	}
	normalized, err := normalizeTables(tables)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]TableConfig, len(normalized))
	for _, t := range normalized {
		byName[t.QualifiedName()] = t
	}
	return &Provider{
		binding: binding,
		tables:  normalized,
		byName:  byName,
	}, nil
}

// initialize loads and caches the durable store id. It runs at most once;
// concurrent first calls serialize on the mutex and the flag never clears.
func (p *Provider) initialize(ctx context.Context) (StoreID, error) {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.initialized {
		return p.selfID, nil
	}
	id, err := p.binding.StoreID(ctx)
	if err != nil {
		return ZeroStoreID, err
	}
	if id == ZeroStoreID {
		return ZeroStoreID, fmt.Errorf("%w: store has no identity", ErrNotInitialized)
	}
	p.selfID = id
	p.initialized = true
	return id, nil
}

// GetStoreID returns this store's durable identity.
func (p *Provider) GetStoreID(ctx context.Context) (StoreID, error) {
	return p.initialize(ctx)
}

// ApplyProvision bootstraps the store: bookkeeping tables, durable identity,
// change tracking on every configured table. Idempotent.
func (p *Provider) ApplyProvision(ctx context.Context) error {
	return p.binding.ApplyProvision(ctx)
}

// RemoveProvision tears change tracking down without touching user data.
func (p *Provider) RemoveProvision(ctx context.Context) error {
	return p.binding.RemoveProvision(ctx)
}

// tableFor resolves an item's table against the frozen configuration.
func (p *Provider) tableFor(item SyncItem) (TableConfig, error) {
	key := item.Table
	if item.Schema != "" {
		key = item.Schema + "." + item.Table
	}
	t, ok := p.byName[key]
	if !ok {
		return TableConfig{}, fmt.Errorf("%w: unknown table %q", ErrConfigMismatch, key)
	}
	return t, nil
}

// GetChanges assembles the change-set the given peer must apply to catch up
// to this store. A peer with no recorded anchor receives an initial snapshot
// change-set; otherwise an incremental delta phrased in this store's version
// space.
func (p *Provider) GetChanges(ctx context.Context, other StoreID) (_ *SyncChangeSet, err error) {
	if other == ZeroStoreID {
		return nil, fmt.Errorf("%w: zero peer store id", ErrInvalidArgument)
	}
	self, err := p.initialize(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := p.binding.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	lastAcked, known, err := tx.RemoteAnchor(ctx, other)
	if err != nil {
		return nil, err
	}
	vNow, err := tx.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	cs := &SyncChangeSet{
		Source: SyncAnchor{StoreID: self, Version: vNow},
	}
	kind := "incremental"
	if known {
		cs.Target = SyncAnchor{StoreID: other, Version: lastAcked}
		if err = p.assembleIncremental(ctx, tx, cs, lastAcked); err != nil {
			return nil, err
		}
	} else {
		kind = "initial"
		cs.Target = SyncAnchor{StoreID: other, Version: 0}
		if err = p.assembleInitial(ctx, tx, cs); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	telemetry.ChangeSetsAssembled.WithLabelValues(kind).Inc()
	log.Debug().
		Str("peer", other.String()).
		Str("kind", kind).
		Int("items", len(cs.Items)).
		Int64("version", int64(vNow)).
		Msg("assembled change set")
	return cs, nil
}

func (p *Provider) assembleIncremental(ctx context.Context, tx StoreTx, cs *SyncChangeSet, since Version) error {
	for _, table := range p.tables {
		if table.Direction == DownloadOnly {
			continue
		}
		minValid, err := tx.MinValidVersion(ctx, table)
		if err != nil {
			return err
		}
		if since < minValid {
			return fmt.Errorf("%w: anchor %d is below minimum valid version %d for table %q",
				ErrVersionTooOld, since, minValid, table.QualifiedName())
		}
		changes, err := tx.ChangesSince(ctx, table, since)
		if err != nil {
			return err
		}
		for _, c := range changes {
			t, err := changeTypeForOp(c.Op)
			if err != nil {
				return err
			}
			cs.Items = append(cs.Items, SyncItem{
				Table:  table.Name,
				Schema: table.Schema,
				Type:   t,
				Values: c.Values,
			})
		}
	}
	return nil
}

func (p *Provider) assembleInitial(ctx context.Context, tx StoreTx, cs *SyncChangeSet) error {
	for _, table := range p.tables {
		if table.Direction == DownloadOnly || table.SkipInitialSnapshot {
			continue
		}
		rows, err := tx.InitialSnapshot(ctx, table)
		if err != nil {
			return err
		}
		for _, r := range rows {
			cs.Items = append(cs.Items, SyncItem{
				Table:  table.Name,
				Schema: table.Schema,
				Type:   Insert,
				Values: r.Values,
			})
		}
	}
	return nil
}

// ApplyChanges applies an incoming change-set under one snapshot-isolated
// transaction, resolving per-row conflicts through onConflict (nil means Skip
// everything), and records the returned anchor for the source peer. The
// caller must hand the returned anchor back to the source so it can advance
// its view of this peer's progress.
func (p *Provider) ApplyChanges(ctx context.Context, cs *SyncChangeSet, onConflict ConflictResolver) (_ SyncAnchor, err error) {
	if cs == nil {
		return SyncAnchor{}, fmt.Errorf("%w: nil change set", ErrInvalidArgument)
	}
	self, err := p.initialize(ctx)
	if err != nil {
		return SyncAnchor{}, err
	}
	if cs.Target.StoreID != self {
		return SyncAnchor{}, fmt.Errorf("%w: targeted at %s", ErrWrongTarget, cs.Target.StoreID)
	}

	tx, err := p.binding.Begin(ctx)
	if err != nil {
		return SyncAnchor{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			telemetry.ApplyAborts.Inc()
		}
	}()

	vNow, err := tx.CurrentVersion(ctx)
	if err != nil {
		return SyncAnchor{}, err
	}

	atLeastOneApplied := false
	for _, item := range cs.Items {
		table, err := p.tableFor(item)
		if err != nil {
			return SyncAnchor{}, err
		}
		if table.Direction == UploadOnly {
			return SyncAnchor{}, fmt.Errorf("%w: table %q is upload only", ErrConfigMismatch, table.QualifiedName())
		}
		minValid, err := tx.MinValidVersion(ctx, table)
		if err != nil {
			return SyncAnchor{}, err
		}
		if cs.Target.Version < minValid {
			return SyncAnchor{}, fmt.Errorf("%w: target anchor %d is below minimum valid version %d for table %q",
				ErrVersionTooOld, cs.Target.Version, minValid, table.QualifiedName())
		}
		applied, err := p.applyItem(ctx, tx, table, item, cs.Target.Version, onConflict, self)
		if err != nil {
			return SyncAnchor{}, err
		}
		if applied {
			atLeastOneApplied = true
			telemetry.ItemsApplied.WithLabelValues(item.Type.String()).Inc()
		}
	}

	// The applies above advanced the store's own version counter; re-reading
	// it inside the same snapshot makes the returned anchor cover them, so
	// they are not echoed back to the source on its next exchange.
	newVersion := vNow
	if atLeastOneApplied {
		if newVersion, err = tx.CurrentVersion(ctx); err != nil {
			return SyncAnchor{}, err
		}
	}
	if err = tx.SetRemoteAnchor(ctx, cs.Source.StoreID, newVersion); err != nil {
		return SyncAnchor{}, err
	}
	if err = tx.Commit(); err != nil {
		return SyncAnchor{}, err
	}
	telemetry.ChangeSetsApplied.Inc()
	log.Debug().
		Str("peer", cs.Source.StoreID.String()).
		Int("items", len(cs.Items)).
		Bool("applied", atLeastOneApplied).
		Int64("anchor", int64(newVersion)).
		Msg("applied change set")
	return SyncAnchor{StoreID: self, Version: newVersion}, nil
}

// applyItem runs one item through the conflict state machine. It reports
// whether the item took effect; conflicts resolved as Skip and idempotent
// deletes report false without error. An insert collision aborts the whole
// apply.
func (p *Provider) applyItem(ctx context.Context, tx StoreTx, table TableConfig, item SyncItem, lastSync Version, onConflict ConflictResolver, self StoreID) (bool, error) {
	switch item.Type {
	case Insert:
		rows, err := tx.ApplyInsert(ctx, table, item)
		if err != nil {
			return false, err
		}
		if rows > 0 {
			return true, nil
		}
		// An exact duplicate means the row is already there, which is what
		// at-least-once delivery looks like; any other key collision cannot
		// be reconciled here and the caller re-drives with updated anchors.
		match, err := tx.RowMatches(ctx, table, item)
		if err != nil {
			return false, err
		}
		if match {
			return false, nil
		}
		return false, &InvalidSyncOperationError{
			Table:     table.QualifiedName(),
			Suggested: SyncAnchor{StoreID: self, Version: lastSync + 1},
		}

	case Update:
		rows, err := tx.ApplyUpdate(ctx, table, item, lastSync, false)
		if err != nil {
			return false, err
		}
		if rows > 0 {
			return true, nil
		}
		if resolve(onConflict, item) != ForceWrite {
			telemetry.ConflictsResolved.WithLabelValues("skip").Inc()
			return false, nil
		}
		telemetry.ConflictsResolved.WithLabelValues("force_write").Inc()
		rows, err = tx.ApplyUpdate(ctx, table, item, lastSync, true)
		if err != nil {
			return false, err
		}
		if rows > 0 {
			return true, nil
		}
		// The target row is locally deleted; reinstate it with the remote
		// values.
		rows, err = tx.ApplyInsert(ctx, table, item)
		if err != nil {
			return false, err
		}
		return rows > 0, nil

	case Delete:
		rows, err := tx.ApplyDelete(ctx, table, item, lastSync, false)
		if err != nil {
			return false, err
		}
		if rows > 0 {
			return true, nil
		}
		if resolve(onConflict, item) != ForceWrite {
			telemetry.ConflictsResolved.WithLabelValues("skip").Inc()
			return false, nil
		}
		telemetry.ConflictsResolved.WithLabelValues("force_write").Inc()
		rows, err = tx.ApplyDelete(ctx, table, item, lastSync, true)
		if err != nil {
			return false, err
		}
		// Zero rows here means the row is already gone; the delete is
		// idempotent.
		return rows > 0, nil

	default:
		return false, fmt.Errorf("%w: unknown change type %v", ErrInvalidArgument, item.Type)
	}
}

func resolve(onConflict ConflictResolver, item SyncItem) ConflictAction {
	if onConflict == nil {
		return Skip
	}
	return onConflict(item)
}

// CompactTracking prunes every tracked table's change log through the given
// version and advances the retention horizon. Peers holding anchors below it
// will fail with ErrVersionTooOld and must re-sync from an initial snapshot.
func (p *Provider) CompactTracking(ctx context.Context, through Version) (err error) {
	if _, err = p.initialize(ctx); err != nil {
		return err
	}
	tx, err := p.binding.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, table := range p.tables {
		if err = tx.CompactChanges(ctx, table, through); err != nil {
			return err
		}
	}
	return tx.Commit()
}
