package sync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyncDirectionUnmarshalText(t *testing.T) {
	cases := map[string]SyncDirection{
		"upload_and_download": UploadAndDownload,
		"upload_only":         UploadOnly,
		"download_only":       DownloadOnly,
		"":                    UploadAndDownload,
		" upload_only ":       UploadOnly,
	}
	for in, want := range cases {
		var d SyncDirection
		require.NoError(t, d.UnmarshalText([]byte(in)), in)
		require.Equal(t, want, d, in)
	}

	var d SyncDirection
	require.ErrorIs(t, d.UnmarshalText([]byte("sideways")), ErrInvalidArgument)
}

func TestChangeTypeForOp(t *testing.T) {
	for op, want := range map[byte]ChangeType{
		OpInsert: Insert,
		OpUpdate: Update,
		OpDelete: Delete,
		OpNone:   Insert,
	} {
		got, err := changeTypeForOp(op)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := changeTypeForOp('X')
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTableConfigQualifiedName(t *testing.T) {
	require.Equal(t, "items", TableConfig{Name: "items"}.QualifiedName())
	require.Equal(t, "app.items", TableConfig{Name: "items", Schema: "app"}.QualifiedName())
}

func TestNormalizeTables(t *testing.T) {
	tables, err := normalizeTables([]TableConfig{
		{Name: " items "},
		{Name: "items", Schema: "app"},
	})
	require.NoError(t, err)
	require.Equal(t, "items", tables[0].Name)

	_, err = normalizeTables([]TableConfig{{Name: "a"}, {Name: "a"}})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = normalizeTables([]TableConfig{{Name: "   "}})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAnchorIsZero(t *testing.T) {
	require.True(t, SyncAnchor{}.IsZero())
	require.False(t, SyncAnchor{StoreID: mustID(t), Version: 0}.IsZero())
}

func mustID(t *testing.T) StoreID {
	t.Helper()
	id, err := ParseStoreID("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	require.NoError(t, err)
	return id
}
