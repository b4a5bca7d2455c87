package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmtwww/coresync/sync"
)

// TestPeer wraps one provisioned provider plus direct database access to its
// canonical test table, items (id integer primary key, name text). Each
// binding's tests construct TestPeers and run the shared BindingTest suite
// against them.
type TestPeer struct {
	Provider *sync.Provider
	// Exec runs a statement against the underlying database with ?
	// placeholders; bindings rewrite them if their engine uses another
	// style.
	Exec func(t *testing.T, query string, args ...any)
	// Items returns the current content of the items table as id → name.
	Items func(t *testing.T) map[int64]string
}

func (p *TestPeer) id(t *testing.T) sync.StoreID {
	t.Helper()
	id, err := p.Provider.GetStoreID(context.Background())
	require.NoError(t, err)
	return id
}

// BindingTest is the conformance suite every store binding runs.
type BindingTest struct{}

// exchange runs one full pairwise session: both peers assemble, then both
// apply.
func (s *BindingTest) exchange(t *testing.T, a, b *TestPeer, onConflict sync.ConflictResolver) {
	t.Helper()
	ctx := context.Background()
	csA, err := a.Provider.GetChanges(ctx, b.id(t))
	require.NoError(t, err)
	csB, err := b.Provider.GetChanges(ctx, a.id(t))
	require.NoError(t, err)
	_, err = b.Provider.ApplyChanges(ctx, csA, onConflict)
	require.NoError(t, err)
	_, err = a.Provider.ApplyChanges(ctx, csB, onConflict)
	require.NoError(t, err)
}

func (s *BindingTest) TestFreshPair(t *testing.T, a, b *TestPeer) {
	ctx := context.Background()
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(1), "x")
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(2), "y")

	cs, err := a.Provider.GetChanges(ctx, b.id(t))
	require.NoError(t, err)
	require.Len(t, cs.Items, 2)
	require.Equal(t, sync.SyncAnchor{StoreID: b.id(t), Version: 0}, cs.Target)

	anchor, err := b.Provider.ApplyChanges(ctx, cs, nil)
	require.NoError(t, err)
	require.Equal(t, b.id(t), anchor.StoreID)
	require.Greater(t, anchor.Version, sync.Version(0))
	require.Equal(t, map[int64]string{1: "x", 2: "y"}, b.Items(t))
}

func (s *BindingTest) TestIncrementalSync(t *testing.T, a, b *TestPeer) {
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(1), "x")
	s.exchange(t, a, b, nil)

	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(3), "z")
	a.Exec(t, "UPDATE items SET name = ? WHERE id = ?", "x1", int64(1))

	ctx := context.Background()
	cs, err := a.Provider.GetChanges(ctx, b.id(t))
	require.NoError(t, err)
	require.Len(t, cs.Items, 2)

	_, err = b.Provider.ApplyChanges(ctx, cs, nil)
	require.NoError(t, err)
	require.Equal(t, map[int64]string{1: "x1", 3: "z"}, b.Items(t))
}

func (s *BindingTest) TestDeleteSync(t *testing.T, a, b *TestPeer) {
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(1), "x")
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(2), "y")
	s.exchange(t, a, b, nil)
	require.Equal(t, map[int64]string{1: "x", 2: "y"}, b.Items(t))

	a.Exec(t, "DELETE FROM items WHERE id = ?", int64(2))

	ctx := context.Background()
	cs, err := a.Provider.GetChanges(ctx, b.id(t))
	require.NoError(t, err)
	require.Len(t, cs.Items, 1)
	require.Equal(t, sync.Delete, cs.Items[0].Type)

	_, err = b.Provider.ApplyChanges(ctx, cs, nil)
	require.NoError(t, err)
	require.Equal(t, map[int64]string{1: "x"}, b.Items(t))
}

func (s *BindingTest) TestConflictSkipAndForce(t *testing.T, a, b *TestPeer) {
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(1), "x")
	s.exchange(t, a, b, nil)

	a.Exec(t, "UPDATE items SET name = ? WHERE id = ?", "x2", int64(1))
	b.Exec(t, "UPDATE items SET name = ? WHERE id = ?", "x3", int64(1))

	ctx := context.Background()
	cs, err := a.Provider.GetChanges(ctx, b.id(t))
	require.NoError(t, err)

	var conflicts int
	_, err = b.Provider.ApplyChanges(ctx, cs, func(sync.SyncItem) sync.ConflictAction {
		conflicts++
		return sync.Skip
	})
	require.NoError(t, err)
	require.Equal(t, 1, conflicts)
	require.Equal(t, map[int64]string{1: "x3"}, b.Items(t))

	_, err = b.Provider.ApplyChanges(ctx, cs, func(sync.SyncItem) sync.ConflictAction {
		return sync.ForceWrite
	})
	require.NoError(t, err)
	require.Equal(t, map[int64]string{1: "x2"}, b.Items(t))
}

func (s *BindingTest) TestForcedUpdateReinstatesDeletedRow(t *testing.T, a, b *TestPeer) {
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(1), "x")
	s.exchange(t, a, b, nil)

	b.Exec(t, "DELETE FROM items WHERE id = ?", int64(1))
	a.Exec(t, "UPDATE items SET name = ? WHERE id = ?", "x2", int64(1))

	ctx := context.Background()
	cs, err := a.Provider.GetChanges(ctx, b.id(t))
	require.NoError(t, err)

	_, err = b.Provider.ApplyChanges(ctx, cs, func(sync.SyncItem) sync.ConflictAction {
		return sync.ForceWrite
	})
	require.NoError(t, err)
	require.Equal(t, map[int64]string{1: "x2"}, b.Items(t))
}

func (s *BindingTest) TestPrimaryKeyRename(t *testing.T, a, b *TestPeer) {
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(5), "x")
	s.exchange(t, a, b, nil)
	require.Equal(t, map[int64]string{5: "x"}, b.Items(t))

	a.Exec(t, "UPDATE items SET id = ? WHERE id = ?", int64(6), int64(5))

	ctx := context.Background()
	cs, err := a.Provider.GetChanges(ctx, b.id(t))
	require.NoError(t, err)
	require.Len(t, cs.Items, 2)

	// The abandoned key travels as a delete, the new key as a fresh insert;
	// an update for the new key would never find a row on the peer.
	ops := map[sync.ChangeType]int64{}
	for _, item := range cs.Items {
		id, ok := item.Values["id"].(int64)
		require.True(t, ok)
		ops[item.Type] = id
	}
	require.Equal(t, int64(5), ops[sync.Delete])
	require.Equal(t, int64(6), ops[sync.Insert])

	_, err = b.Provider.ApplyChanges(ctx, cs, nil)
	require.NoError(t, err)
	require.Equal(t, map[int64]string{6: "x"}, b.Items(t))
}

func (s *BindingTest) TestInsertCollisionAborts(t *testing.T, a, b *TestPeer) {
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(1), "x")
	s.exchange(t, a, b, nil)

	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(9), "q")
	b.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(9), "local")

	ctx := context.Background()
	cs, err := a.Provider.GetChanges(ctx, b.id(t))
	require.NoError(t, err)

	before := b.Items(t)
	_, err = b.Provider.ApplyChanges(ctx, cs, nil)
	require.ErrorIs(t, err, sync.ErrInvalidSyncOperation)
	require.Equal(t, before, b.Items(t))
}

func (s *BindingTest) TestIdempotentReapply(t *testing.T, a, b *TestPeer) {
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(1), "x")
	s.exchange(t, a, b, nil)

	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(2), "y")

	ctx := context.Background()
	cs, err := a.Provider.GetChanges(ctx, b.id(t))
	require.NoError(t, err)

	first, err := b.Provider.ApplyChanges(ctx, cs, nil)
	require.NoError(t, err)
	state := b.Items(t)

	second, err := b.Provider.ApplyChanges(ctx, cs, nil)
	require.NoError(t, err)
	require.Equal(t, state, b.Items(t))
	require.GreaterOrEqual(t, second.Version, first.Version)
}

func (s *BindingTest) TestProvisionIdempotent(t *testing.T, a *TestPeer) {
	ctx := context.Background()
	require.NoError(t, a.Provider.ApplyProvision(ctx))
	require.NoError(t, a.Provider.ApplyProvision(ctx))

	id1, err := a.Provider.GetStoreID(ctx)
	require.NoError(t, err)
	id2, err := a.Provider.GetStoreID(ctx)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.NotEqual(t, sync.ZeroStoreID, id1)
}
