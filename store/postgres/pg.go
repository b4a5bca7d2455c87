package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dmtwww/coresync/store"
	"github.com/dmtwww/coresync/sync"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PgStoreBinding adapts a Postgres database to the sync protocol. Change
// tracking mirrors the SQLite binding: a per-table plpgsql trigger appends
// every row mutation to an append-only change log keyed by a global version
// counter.
type PgStoreBinding struct {
	databaseURL string
	db          *pgxpool.Pool
	tables      []sync.TableConfig
}

// NewPgStoreBinding connects to the database. The URL must name a concrete
// database in its path.
func NewPgStoreBinding(ctx context.Context, databaseURL string, tables []sync.TableConfig) (*PgStoreBinding, error) {
	u, err := url.Parse(databaseURL)
	if err != nil || strings.Trim(u.Path, "/") == "" {
		return nil, fmt.Errorf("%w: database url does not name a database", sync.ErrInvalidConfig)
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgStoreBinding{databaseURL: databaseURL, db: pool, tables: tables}, nil
}

func (s *PgStoreBinding) Close() {
	s.db.Close()
}

func (s *PgStoreBinding) runMigrations(direction func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", s.databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "coresync", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations: %w", err)
	}
	if err := direction(m); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// ApplyProvision bootstraps the bookkeeping tables, persists a store id if
// none exists, and installs the tracking trigger on every configured table.
// Safe to call repeatedly.
func (s *PgStoreBinding) ApplyProvision(ctx context.Context) error {
	if err := s.runMigrations((*migrate.Migrate).Up); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing string
	err = tx.QueryRow(ctx, "SELECT store_id FROM coresync_identity WHERE id = 1").Scan(&existing)
	if err == pgx.ErrNoRows {
		_, err = tx.Exec(ctx, "INSERT INTO coresync_identity (id, store_id) VALUES (1, $1)", uuid.New().String())
	}
	if err != nil {
		return fmt.Errorf("failed to ensure store identity: %w", err)
	}

	for _, table := range s.tables {
		if err := provisionTable(ctx, tx, table); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit provisioning: %w", err)
	}
	return nil
}

// RemoveProvision drops the tracking triggers, their functions and the
// bookkeeping tables. User tables are untouched.
func (s *PgStoreBinding) RemoveProvision(ctx context.Context) error {
	for _, table := range s.tables {
		drop := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s",
			store.QuoteIdent(triggerName(table)), quoteTable(table))
		if _, err := s.db.Exec(ctx, drop); err != nil {
			return fmt.Errorf("failed to drop trigger for %q: %w", table.QualifiedName(), err)
		}
		dropFn := fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", store.QuoteIdent(functionName(table)))
		if _, err := s.db.Exec(ctx, dropFn); err != nil {
			return fmt.Errorf("failed to drop trigger function for %q: %w", table.QualifiedName(), err)
		}
	}
	return s.runMigrations((*migrate.Migrate).Down)
}

// StoreID reads the durable identity persisted by ApplyProvision.
func (s *PgStoreBinding) StoreID(ctx context.Context) (sync.StoreID, error) {
	var raw string
	err := s.db.QueryRow(ctx, "SELECT store_id FROM coresync_identity WHERE id = 1").Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows || strings.Contains(err.Error(), "does not exist") {
			return sync.ZeroStoreID, fmt.Errorf("%w: store is not provisioned", sync.ErrNotInitialized)
		}
		return sync.ZeroStoreID, fmt.Errorf("failed to read store identity: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return sync.ZeroStoreID, fmt.Errorf("failed to parse store identity: %w", err)
	}
	return id, nil
}

// Begin opens one repeatable-read transaction; Postgres implements that
// level as snapshot isolation.
func (s *PgStoreBinding) Begin(ctx context.Context) (sync.StoreTx, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgTx{tx: tx, info: map[string]*tableInfo{}}, nil
}

func quoteTable(t sync.TableConfig) string {
	if t.Schema == "" {
		return store.QuoteIdent(t.Name)
	}
	return store.QuoteIdent(t.Schema) + "." + store.QuoteIdent(t.Name)
}

func triggerName(t sync.TableConfig) string {
	return "coresync_tr_" + t.QualifiedName()
}

func functionName(t sync.TableConfig) string {
	return "coresync_track_" + t.QualifiedName()
}

// keyExpr renders the jsonb expression for a row's primary key. As in the
// SQLite binding, the engine renders the key text on both the trigger side
// and the lookup side so the two are byte-identical.
func keyExpr(pks []string, prefix string) string {
	parts := make([]string, 0, len(pks)*2)
	for _, col := range pks {
		parts = append(parts, store.QuoteStringLit(col))
		parts = append(parts, prefix+store.QuoteIdent(col))
	}
	return "jsonb_build_object(" + strings.Join(parts, ", ") + ")::text"
}

// paramKeyExpr is keyExpr with placeholders instead of column references.
// jsonb_build_object takes "any" arguments, so each placeholder carries the
// key column's catalog type to keep the rendered key byte-identical to the
// trigger's.
func paramKeyExpr(info *tableInfo, argOffset int) string {
	parts := make([]string, 0, len(info.pks)*2)
	for i, col := range info.pks {
		parts = append(parts, store.QuoteStringLit(col))
		parts = append(parts, fmt.Sprintf("$%d::%s", argOffset+i, info.types[col]))
	}
	return "jsonb_build_object(" + strings.Join(parts, ", ") + ")::text"
}

func provisionTable(ctx context.Context, tx pgx.Tx, table sync.TableConfig) error {
	info, err := loadTableInfo(ctx, tx, table)
	if err != nil {
		return err
	}
	name := store.QuoteStringLit(table.QualifiedName())
	newKey := keyExpr(info.pks, "NEW.")
	oldKey := keyExpr(info.pks, "OLD.")

	fn := fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $fn$
DECLARE
  v bigint;
BEGIN
  UPDATE coresync_version SET version = version + 1 WHERE id = 1 RETURNING version INTO v;
  IF (TG_OP = 'DELETE') THEN
    INSERT INTO coresync_changes (version, table_name, row_key, op) VALUES (v, %s, %s, 'D');
    RETURN OLD;
  ELSIF (TG_OP = 'UPDATE') THEN
    IF %s <> %s THEN
      -- A primary key update abandons the old row and creates one no peer
      -- has seen: the old key is logged deleted, the new key inserted.
      INSERT INTO coresync_changes (version, table_name, row_key, op) VALUES (v, %s, %s, 'D');
      UPDATE coresync_version SET version = version + 1 WHERE id = 1 RETURNING version INTO v;
      INSERT INTO coresync_changes (version, table_name, row_key, op) VALUES (v, %s, %s, 'I');
    ELSE
      INSERT INTO coresync_changes (version, table_name, row_key, op) VALUES (v, %s, %s, 'U');
    END IF;
    RETURN NEW;
  END IF;
  INSERT INTO coresync_changes (version, table_name, row_key, op) VALUES (v, %s, %s, 'I');
  RETURN NEW;
END;
$fn$ LANGUAGE plpgsql`,
		store.QuoteIdent(functionName(table)),
		name, oldKey,
		oldKey, newKey,
		name, oldKey,
		name, newKey,
		name, newKey,
		name, newKey)
	if _, err := tx.Exec(ctx, fn); err != nil {
		return fmt.Errorf("failed to create trigger function for %q: %w", table.QualifiedName(), err)
	}

	drop := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", store.QuoteIdent(triggerName(table)), quoteTable(table))
	if _, err := tx.Exec(ctx, drop); err != nil {
		return fmt.Errorf("failed to reset trigger for %q: %w", table.QualifiedName(), err)
	}
	create := fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()",
		store.QuoteIdent(triggerName(table)), quoteTable(table), store.QuoteIdent(functionName(table)))
	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("failed to create tracking trigger for %q: %w", table.QualifiedName(), err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO coresync_tracked_tables (table_name, min_valid_version) VALUES ($1, 0) ON CONFLICT (table_name) DO NOTHING",
		table.QualifiedName())
	if err != nil {
		return fmt.Errorf("failed to register tracked table %q: %w", table.QualifiedName(), err)
	}
	return nil
}

type tableInfo struct {
	cols  []string
	types map[string]string
	pks   []string
}

func loadTableInfo(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, table sync.TableConfig) (*tableInfo, error) {
	schema := table.Schema
	if schema == "" {
		schema = "public"
	}
	info := &tableInfo{types: map[string]string{}}

	rows, err := q.Query(ctx,
		"SELECT column_name, udt_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position",
		schema, table.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %q: %w", table.QualifiedName(), err)
	}
	defer rows.Close()
	for rows.Next() {
		var col, udt string
		if err := rows.Scan(&col, &udt); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		info.cols = append(info.cols, col)
		info.types[col] = udt
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(info.cols) == 0 {
		return nil, fmt.Errorf("%w: table %q does not exist", sync.ErrInvalidArgument, table.QualifiedName())
	}

	pkRows, err := q.Query(ctx,
		`SELECT a.attname
		   FROM pg_index i
		   JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY (i.indkey)
		  WHERE i.indrelid = ($1::text)::regclass AND i.indisprimary
		  ORDER BY array_position(i.indkey, a.attnum)`,
		quoteTable(table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect primary key of %q: %w", table.QualifiedName(), err)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var col string
		if err := pkRows.Scan(&col); err != nil {
			return nil, fmt.Errorf("failed to scan key column: %w", err)
		}
		info.pks = append(info.pks, col)
	}
	if err := pkRows.Err(); err != nil {
		return nil, err
	}
	if len(info.pks) == 0 {
		return nil, fmt.Errorf("%w: table %q has no primary key", sync.ErrInvalidArgument, table.QualifiedName())
	}
	return info, nil
}

type pgTx struct {
	tx   pgx.Tx
	info map[string]*tableInfo
}

func (t *pgTx) Commit() error   { return t.tx.Commit(context.Background()) }
func (t *pgTx) Rollback() error { return t.tx.Rollback(context.Background()) }

func (t *pgTx) tableInfo(ctx context.Context, table sync.TableConfig) (*tableInfo, error) {
	if info, ok := t.info[table.QualifiedName()]; ok {
		return info, nil
	}
	info, err := loadTableInfo(ctx, t.tx, table)
	if err != nil {
		return nil, err
	}
	t.info[table.QualifiedName()] = info
	return info, nil
}

func (t *pgTx) CurrentVersion(ctx context.Context) (sync.Version, error) {
	var v int64
	err := t.tx.QueryRow(ctx, "SELECT version FROM coresync_version WHERE id = 1").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read current version: %w", err)
	}
	return sync.Version(v), nil
}

func (t *pgTx) MinValidVersion(ctx context.Context, table sync.TableConfig) (sync.Version, error) {
	var v int64
	err := t.tx.QueryRow(ctx,
		"SELECT min_valid_version FROM coresync_tracked_tables WHERE table_name = $1",
		table.QualifiedName()).Scan(&v)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, fmt.Errorf("%w: table %q is not tracked", sync.ErrNotInitialized, table.QualifiedName())
		}
		return 0, fmt.Errorf("failed to read minimum valid version: %w", err)
	}
	return sync.Version(v), nil
}

func (t *pgTx) ChangesSince(ctx context.Context, table sync.TableConfig, since sync.Version) ([]sync.RowChange, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT version, row_key, op FROM coresync_changes WHERE table_name = $1 AND version > $2 ORDER BY version",
		table.QualifiedName(), int64(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var entries []store.LogEntry
	for rows.Next() {
		var (
			version int64
			key     string
			op      string
		)
		if err := rows.Scan(&version, &key, &op); err != nil {
			return nil, fmt.Errorf("failed to scan change log: %w", err)
		}
		entries = append(entries, store.LogEntry{Version: sync.Version(version), Key: key, Op: op[0]})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(entries) == 0 {
		return nil, nil
	}

	info, err := t.tableInfo(ctx, table)
	if err != nil {
		return nil, err
	}
	var out []sync.RowChange
	for _, net := range store.FoldNetChanges(entries) {
		if net.Op == 'D' {
			values, err := store.DecodeRowKey(net.Key)
			if err != nil {
				return nil, fmt.Errorf("failed to decode row key: %w", err)
			}
			out = append(out, sync.RowChange{Op: net.Op, Values: values})
			continue
		}
		values, ok, err := t.fetchRowByKey(ctx, table, info, net.Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, sync.RowChange{Op: net.Op, Values: values})
	}
	return out, nil
}

func (t *pgTx) fetchRowByKey(ctx context.Context, table sync.TableConfig, info *tableInfo, key string) (map[string]any, bool, error) {
	cols := make([]string, len(info.cols))
	for i, c := range info.cols {
		cols[i] = "t." + store.QuoteIdent(c)
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s t WHERE %s = $1",
		strings.Join(cols, ", "), quoteTable(table), keyExpr(info.pks, "t."))
	rows, err := t.tx.Query(ctx, stmt, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch row for %q: %w", table.QualifiedName(), err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	raw, err := rows.Values()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read row values: %w", err)
	}
	values := make(map[string]any, len(info.cols))
	for i, col := range info.cols {
		values[col] = raw[i]
	}
	return values, true, nil
}

func (t *pgTx) InitialSnapshot(ctx context.Context, table sync.TableConfig) ([]sync.RowChange, error) {
	info, err := t.tableInfo(ctx, table)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(info.cols))
	for i, c := range info.cols {
		cols[i] = store.QuoteIdent(c)
	}
	rows, err := t.tx.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), quoteTable(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to scan table %q: %w", table.QualifiedName(), err)
	}
	defer rows.Close()

	var out []sync.RowChange
	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		values := make(map[string]any, len(info.cols))
		for i, col := range info.cols {
			values[col] = raw[i]
		}
		out = append(out, sync.RowChange{Op: sync.OpNone, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// rowKey asks the engine to render the key text for the item's primary-key
// values, with the same jsonb call the trigger uses.
func (t *pgTx) rowKey(ctx context.Context, info *tableInfo, item sync.SyncItem) (string, error) {
	args := make([]any, 0, len(info.pks))
	for _, col := range info.pks {
		v, ok := item.Values[col]
		if !ok {
			return "", fmt.Errorf("%w: item for %q is missing key column %q", sync.ErrInvalidArgument, item.Table, col)
		}
		args = append(args, v)
	}
	var key string
	if err := t.tx.QueryRow(ctx, "SELECT "+paramKeyExpr(info, 1), args...).Scan(&key); err != nil {
		return "", fmt.Errorf("failed to render row key: %w", err)
	}
	return key, nil
}

func (t *pgTx) ApplyInsert(ctx context.Context, table sync.TableConfig, item sync.SyncItem) (int64, error) {
	cols := sortedColumns(item.Values)
	if len(cols) == 0 {
		return 0, fmt.Errorf("%w: insert item for %q has no values", sync.ErrInvalidArgument, item.Table)
	}
	quoted := make([]string, len(cols))
	holders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = store.QuoteIdent(col)
		holders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = item.Values[col]
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		quoteTable(table), strings.Join(quoted, ", "), strings.Join(holders, ", "))
	tag, err := t.tx.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %q: %w", table.QualifiedName(), err)
	}
	return tag.RowsAffected(), nil
}

// RowMatches reports whether the item's row exists with exactly the item's
// values, null-safely.
func (t *pgTx) RowMatches(ctx context.Context, table sync.TableConfig, item sync.SyncItem) (bool, error) {
	cols := sortedColumns(item.Values)
	if len(cols) == 0 {
		return false, fmt.Errorf("%w: item for %q has no values", sync.ErrInvalidArgument, item.Table)
	}
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		conds[i] = fmt.Sprintf("%s IS NOT DISTINCT FROM $%d", store.QuoteIdent(col), i+1)
		args[i] = item.Values[col]
	}
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", quoteTable(table), strings.Join(conds, " AND "))
	var n int64
	if err := t.tx.QueryRow(ctx, stmt, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to compare row in %q: %w", table.QualifiedName(), err)
	}
	return n > 0, nil
}

func (t *pgTx) ApplyUpdate(ctx context.Context, table sync.TableConfig, item sync.SyncItem, lastSyncVersion sync.Version, force bool) (int64, error) {
	info, err := t.tableInfo(ctx, table)
	if err != nil {
		return 0, err
	}
	setCols := nonKeyColumns(item.Values, info.pks)
	var (
		sets []string
		args []any
	)
	if len(setCols) == 0 {
		sets = []string{store.QuoteIdent(info.pks[0]) + " = " + store.QuoteIdent(info.pks[0])}
	} else {
		for _, col := range setCols {
			args = append(args, item.Values[col])
			sets = append(sets, fmt.Sprintf("%s = $%d", store.QuoteIdent(col), len(args)))
		}
	}
	where, args, err := t.mutationPredicate(ctx, table, info, item, lastSyncVersion, force, args)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteTable(table), strings.Join(sets, ", "), where)
	tag, err := t.tx.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update %q: %w", table.QualifiedName(), err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) ApplyDelete(ctx context.Context, table sync.TableConfig, item sync.SyncItem, lastSyncVersion sync.Version, force bool) (int64, error) {
	info, err := t.tableInfo(ctx, table)
	if err != nil {
		return 0, err
	}
	where, args, err := t.mutationPredicate(ctx, table, info, item, lastSyncVersion, force, nil)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteTable(table), where)
	tag, err := t.tx.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %q: %w", table.QualifiedName(), err)
	}
	return tag.RowsAffected(), nil
}

// mutationPredicate appends the WHERE clause for conflict-aware updates and
// deletes to args: primary-key equality, plus the version predicate unless
// forced.
func (t *pgTx) mutationPredicate(ctx context.Context, table sync.TableConfig, info *tableInfo, item sync.SyncItem, lastSyncVersion sync.Version, force bool, args []any) (string, []any, error) {
	var conds []string
	for _, col := range info.pks {
		v, ok := item.Values[col]
		if !ok {
			return "", nil, fmt.Errorf("%w: item for %q is missing key column %q", sync.ErrInvalidArgument, item.Table, col)
		}
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", store.QuoteIdent(col), len(args)))
	}
	if !force {
		key, err := t.rowKey(ctx, info, item)
		if err != nil {
			return "", nil, err
		}
		args = append(args, table.QualifiedName(), key, int64(lastSyncVersion))
		conds = append(conds, fmt.Sprintf(
			"NOT EXISTS (SELECT 1 FROM coresync_changes WHERE table_name = $%d AND row_key = $%d AND version > $%d)",
			len(args)-2, len(args)-1, len(args)))
	}
	return strings.Join(conds, " AND "), args, nil
}

func (t *pgTx) LocalStoreID(ctx context.Context) (sync.StoreID, error) {
	var raw string
	err := t.tx.QueryRow(ctx, "SELECT store_id FROM coresync_identity WHERE id = 1").Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return sync.ZeroStoreID, fmt.Errorf("%w: store is not provisioned", sync.ErrNotInitialized)
		}
		return sync.ZeroStoreID, fmt.Errorf("failed to read store identity: %w", err)
	}
	return uuid.Parse(raw)
}

func (t *pgTx) RemoteAnchor(ctx context.Context, peer sync.StoreID) (sync.Version, bool, error) {
	var v int64
	err := t.tx.QueryRow(ctx,
		"SELECT version FROM coresync_remote_anchors WHERE store_id = $1", peer.String()).Scan(&v)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read remote anchor: %w", err)
	}
	return sync.Version(v), true, nil
}

func (t *pgTx) SetRemoteAnchor(ctx context.Context, peer sync.StoreID, version sync.Version) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO coresync_remote_anchors (store_id, version) VALUES ($1, $2) "+
			"ON CONFLICT (store_id) DO UPDATE SET version = EXCLUDED.version",
		peer.String(), int64(version))
	if err != nil {
		return fmt.Errorf("failed to record remote anchor: %w", err)
	}
	return nil
}

func (t *pgTx) CompactChanges(ctx context.Context, table sync.TableConfig, through sync.Version) error {
	_, err := t.tx.Exec(ctx,
		"DELETE FROM coresync_changes WHERE table_name = $1 AND version <= $2",
		table.QualifiedName(), int64(through))
	if err != nil {
		return fmt.Errorf("failed to compact change log: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		"UPDATE coresync_tracked_tables SET min_valid_version = GREATEST(min_valid_version, $1) WHERE table_name = $2",
		int64(through), table.QualifiedName())
	if err != nil {
		return fmt.Errorf("failed to advance retention horizon: %w", err)
	}
	return nil
}

func sortedColumns(values map[string]any) []string {
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func nonKeyColumns(values map[string]any, pks []string) []string {
	keys := make(map[string]struct{}, len(pks))
	for _, pk := range pks {
		keys[pk] = struct{}{}
	}
	var cols []string
	for _, col := range sortedColumns(values) {
		if _, ok := keys[col]; !ok {
			cols = append(cols, col)
		}
	}
	return cols
}
