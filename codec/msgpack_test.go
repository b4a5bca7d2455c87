package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmtwww/coresync/sync"
)

func testAnchor(t *testing.T, s string, v sync.Version) sync.SyncAnchor {
	t.Helper()
	id, err := sync.ParseStoreID(s)
	require.NoError(t, err)
	return sync.SyncAnchor{StoreID: id, Version: v}
}

func TestChangeSetRoundTrip(t *testing.T) {
	cs := &sync.SyncChangeSet{
		Source: testAnchor(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", 42),
		Target: testAnchor(t, "6ba7b811-9dad-11d1-80b4-00c04fd430c8", 7),
		Items: []sync.SyncItem{
			{
				Table: "items",
				Type:  sync.Insert,
				Values: map[string]any{
					"id":   int64(1),
					"name": "widget",
				},
			},
			{
				Table:  "items",
				Schema: "app",
				Type:   sync.Delete,
				Values: map[string]any{"id": int64(2)},
			},
		},
	}

	data, err := MarshalChangeSet(cs)
	require.NoError(t, err)

	got, err := UnmarshalChangeSet(data)
	require.NoError(t, err)
	require.Equal(t, cs.Source, got.Source)
	require.Equal(t, cs.Target, got.Target)
	require.Len(t, got.Items, 2)
	require.Equal(t, "items", got.Items[0].Table)
	require.Equal(t, sync.Insert, got.Items[0].Type)
	require.Equal(t, int64(1), got.Items[0].Values["id"])
	// Strings come back as strings, not []byte.
	require.Equal(t, "widget", got.Items[0].Values["name"])
	require.Equal(t, "app", got.Items[1].Schema)
	require.Equal(t, sync.Delete, got.Items[1].Type)
}

func TestNullDistinctFromAbsent(t *testing.T) {
	cs := &sync.SyncChangeSet{
		Source: testAnchor(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", 1),
		Target: testAnchor(t, "6ba7b811-9dad-11d1-80b4-00c04fd430c8", 0),
		Items: []sync.SyncItem{
			{
				Table: "items",
				Type:  sync.Update,
				Values: map[string]any{
					"id":   int64(1),
					"note": nil,
				},
			},
		},
	}

	data, err := MarshalChangeSet(cs)
	require.NoError(t, err)
	got, err := UnmarshalChangeSet(data)
	require.NoError(t, err)

	values := got.Items[0].Values
	note, present := values["note"]
	require.True(t, present)
	require.Nil(t, note)
	_, present = values["name"]
	require.False(t, present)
}

func TestUnmarshalRejectsMalformedData(t *testing.T) {
	cs := &sync.SyncChangeSet{}
	data, err := MarshalChangeSet(cs)
	require.NoError(t, err)
	// The zero change set still round-trips; zero uuids parse.
	_, err = UnmarshalChangeSet(data)
	require.NoError(t, err)

	_, err = UnmarshalChangeSet([]byte{0xc1})
	require.Error(t, err)
}
