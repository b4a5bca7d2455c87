package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	env "github.com/Netflix/go-env"

	"github.com/dmtwww/coresync/sync"
)

// Config is read from the environment. Exactly which store fields a
// deployment sets depends on the binding it runs.
type Config struct {
	// SQLiteFilePath is the SQLite database path or DSN.
	SQLiteFilePath string `env:"SQLITE_FILE_PATH"`
	// PgDatabaseURL is the Postgres connection URL.
	PgDatabaseURL string `env:"DATABASE_URL"`
	// TablesFilePath points at the TOML table manifest.
	TablesFilePath string `env:"TABLES_FILE_PATH,default=tables.toml"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// tableEntry is one [[tables]] block in the manifest.
type tableEntry struct {
	Name                string             `toml:"name"`
	Schema              string             `toml:"schema"`
	Direction           sync.SyncDirection `toml:"direction"`
	SkipInitialSnapshot bool               `toml:"skip_initial_snapshot"`
}

type tablesManifest struct {
	Tables []tableEntry `toml:"tables"`
}

// LoadTables reads the table manifest this config points at.
func (c *Config) LoadTables() ([]sync.TableConfig, error) {
	return LoadTablesFile(c.TablesFilePath)
}

// LoadTablesFile parses a TOML table manifest into TableConfigs. Name
// validation (trimming, duplicates) is left to the provider, which rejects a
// bad set at construction.
func LoadTablesFile(path string) ([]sync.TableConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tables manifest: %w", err)
	}
	var manifest tablesManifest
	if err := toml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse tables manifest: %w", err)
	}
	tables := make([]sync.TableConfig, 0, len(manifest.Tables))
	for _, t := range manifest.Tables {
		tables = append(tables, sync.TableConfig{
			Name:                t.Name,
			Schema:              t.Schema,
			Direction:           t.Direction,
			SkipInitialSnapshot: t.SkipInitialSnapshot,
		})
	}
	return tables, nil
}
