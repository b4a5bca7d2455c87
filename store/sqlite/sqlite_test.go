package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/dmtwww/coresync/store"
	"github.com/dmtwww/coresync/sync"
)

func itemsTable() []sync.TableConfig {
	return []sync.TableConfig{{Name: "items"}}
}

func newTestPeer(t *testing.T) *store.TestPeer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peer.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	binding, err := NewSQLiteStoreBinding(path, itemsTable())
	require.NoError(t, err)
	t.Cleanup(func() { binding.Close() })

	provider, err := sync.NewProvider(binding, itemsTable())
	require.NoError(t, err)
	require.NoError(t, provider.ApplyProvision(context.Background()))

	return &store.TestPeer{
		Provider: provider,
		Exec: func(t *testing.T, query string, args ...any) {
			t.Helper()
			_, err := db.Exec(query, args...)
			require.NoError(t, err)
		},
		Items: func(t *testing.T) map[int64]string {
			t.Helper()
			rows, err := db.Query("SELECT id, name FROM items")
			require.NoError(t, err)
			defer rows.Close()
			out := map[int64]string{}
			for rows.Next() {
				var (
					id   int64
					name sql.NullString
				)
				require.NoError(t, rows.Scan(&id, &name))
				out[id] = name.String
			}
			require.NoError(t, rows.Err())
			return out
		},
	}
}

func TestFreshPair(t *testing.T) {
	(&store.BindingTest{}).TestFreshPair(t, newTestPeer(t), newTestPeer(t))
}

func TestIncrementalSync(t *testing.T) {
	(&store.BindingTest{}).TestIncrementalSync(t, newTestPeer(t), newTestPeer(t))
}

func TestDeleteSync(t *testing.T) {
	(&store.BindingTest{}).TestDeleteSync(t, newTestPeer(t), newTestPeer(t))
}

func TestConflictSkipAndForce(t *testing.T) {
	(&store.BindingTest{}).TestConflictSkipAndForce(t, newTestPeer(t), newTestPeer(t))
}

func TestForcedUpdateReinstatesDeletedRow(t *testing.T) {
	(&store.BindingTest{}).TestForcedUpdateReinstatesDeletedRow(t, newTestPeer(t), newTestPeer(t))
}

func TestPrimaryKeyRename(t *testing.T) {
	(&store.BindingTest{}).TestPrimaryKeyRename(t, newTestPeer(t), newTestPeer(t))
}

func TestInsertCollisionAborts(t *testing.T) {
	(&store.BindingTest{}).TestInsertCollisionAborts(t, newTestPeer(t), newTestPeer(t))
}

func TestIdempotentReapply(t *testing.T) {
	(&store.BindingTest{}).TestIdempotentReapply(t, newTestPeer(t), newTestPeer(t))
}

func TestProvisionIdempotent(t *testing.T) {
	(&store.BindingTest{}).TestProvisionIdempotent(t, newTestPeer(t))
}

func TestRejectsEmptyPath(t *testing.T) {
	_, err := NewSQLiteStoreBinding("  ", itemsTable())
	require.ErrorIs(t, err, sync.ErrInvalidConfig)
}

func TestRejectsSchemaQualifiedTables(t *testing.T) {
	_, err := NewSQLiteStoreBinding("peer.db", []sync.TableConfig{{Name: "items", Schema: "aux"}})
	require.ErrorIs(t, err, sync.ErrInvalidConfig)
}

// exchange runs one full session so both registries carry anchors.
func exchange(t *testing.T, a, b *store.TestPeer) {
	t.Helper()
	ctx := context.Background()
	csA, err := a.Provider.GetChanges(ctx, id(t, b))
	require.NoError(t, err)
	csB, err := b.Provider.GetChanges(ctx, id(t, a))
	require.NoError(t, err)
	_, err = b.Provider.ApplyChanges(ctx, csA, nil)
	require.NoError(t, err)
	_, err = a.Provider.ApplyChanges(ctx, csB, nil)
	require.NoError(t, err)
}

func TestOracleNetChanges(t *testing.T) {
	ctx := context.Background()
	a, b := newTestPeer(t), newTestPeer(t)
	exchange(t, a, b)

	// Rows created and destroyed inside the window fold away; only row 3
	// survives as a net insert.
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(1), "x")
	a.Exec(t, "UPDATE items SET name = ? WHERE id = ?", "x1", int64(1))
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(2), "y")
	a.Exec(t, "DELETE FROM items WHERE id = ?", int64(2))
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(3), "z")
	a.Exec(t, "DELETE FROM items WHERE id = ?", int64(1))

	cs, err := a.Provider.GetChanges(ctx, id(t, b))
	require.NoError(t, err)
	require.Len(t, cs.Items, 1)
	require.Equal(t, sync.Insert, cs.Items[0].Type)
	require.Equal(t, int64(3), cs.Items[0].Values["id"])
}

func TestNullValuesSurvive(t *testing.T) {
	ctx := context.Background()
	a, b := newTestPeer(t), newTestPeer(t)
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(1), nil)

	cs, err := a.Provider.GetChanges(ctx, id(t, b))
	require.NoError(t, err)
	require.Len(t, cs.Items, 1)
	name, present := cs.Items[0].Values["name"]
	require.True(t, present)
	require.Nil(t, name)

	_, err = b.Provider.ApplyChanges(ctx, cs, nil)
	require.NoError(t, err)
	require.Equal(t, map[int64]string{1: ""}, b.Items(t))
}

func TestTextValuesKeepStringType(t *testing.T) {
	ctx := context.Background()
	a := newTestPeer(t)
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(1), "widget")

	cs, err := a.Provider.GetChanges(ctx, mustID(t))
	require.NoError(t, err)
	require.IsType(t, "", cs.Items[0].Values["name"])
}

func TestRemoveProvision(t *testing.T) {
	ctx := context.Background()
	peer := newTestPeer(t)
	peer.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(1), "x")

	require.NoError(t, peer.Provider.RemoveProvision(ctx))

	// User data stays; writes no longer feed a change log.
	require.Equal(t, map[int64]string{1: "x"}, peer.Items(t))
	peer.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(2), "y")
}

func TestCompactionMovesHorizon(t *testing.T) {
	ctx := context.Background()
	a, b := newTestPeer(t), newTestPeer(t)
	a.Exec(t, "INSERT INTO items (id, name) VALUES (?, ?)", int64(1), "x")
	exchange(t, a, b)

	require.NoError(t, a.Provider.CompactTracking(ctx, 1000))
	_, err := a.Provider.GetChanges(ctx, id(t, b))
	require.ErrorIs(t, err, sync.ErrVersionTooOld)
}

func mustID(t *testing.T) sync.StoreID {
	t.Helper()
	v, err := sync.ParseStoreID("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	require.NoError(t, err)
	return v
}

func id(t *testing.T, p *store.TestPeer) sync.StoreID {
	t.Helper()
	v, err := p.Provider.GetStoreID(context.Background())
	require.NoError(t, err)
	return v
}
