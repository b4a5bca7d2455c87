package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmtwww/coresync/sync"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tables.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadTablesFile(t *testing.T) {
	path := writeManifest(t, `
[[tables]]
name = "inventory"
schema = "app"
direction = "upload_and_download"

[[tables]]
name = "audit_log"
direction = "upload_only"
skip_initial_snapshot = true

[[tables]]
name = "reference_data"
direction = "download_only"
`)
	tables, err := LoadTablesFile(path)
	require.NoError(t, err)
	require.Len(t, tables, 3)
	require.Equal(t, sync.TableConfig{
		Name: "inventory", Schema: "app", Direction: sync.UploadAndDownload,
	}, tables[0])
	require.Equal(t, sync.UploadOnly, tables[1].Direction)
	require.True(t, tables[1].SkipInitialSnapshot)
	require.Equal(t, sync.DownloadOnly, tables[2].Direction)
}

func TestLoadTablesFileUnknownDirection(t *testing.T) {
	path := writeManifest(t, `
[[tables]]
name = "inventory"
direction = "sideways"
`)
	_, err := LoadTablesFile(path)
	require.Error(t, err)
}

func TestLoadTablesFileMissing(t *testing.T) {
	_, err := LoadTablesFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestNewConfigDefaults(t *testing.T) {
	t.Setenv("TABLES_FILE_PATH", "placeholder")
	os.Unsetenv("TABLES_FILE_PATH")
	t.Setenv("SQLITE_FILE_PATH", "peer.db")
	config, err := NewConfig()
	require.NoError(t, err)
	require.Equal(t, "peer.db", config.SQLiteFilePath)
	require.Equal(t, "tables.toml", config.TablesFilePath)
}
