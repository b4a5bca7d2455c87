package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dmtwww/coresync/store"
	"github.com/dmtwww/coresync/sync"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStoreBinding adapts a SQLite database to the sync protocol. Change
// tracking is trigger-based: every mutation of a tracked table appends one
// row to an append-only change log keyed by a global version counter.
type SQLiteStoreBinding struct {
	db     *sql.DB
	tables []sync.TableConfig
}

// NewSQLiteStoreBinding opens the database file. The path must name a
// concrete database.
func NewSQLiteStoreBinding(file string, tables []sync.TableConfig) (*SQLiteStoreBinding, error) {
	if path := strings.TrimSpace(file); path == "" || path == "file:" {
		return nil, fmt.Errorf("%w: sqlite path does not name a database", sync.ErrInvalidConfig)
	}
	for _, t := range tables {
		// Triggers cannot reach across attached databases, so the change
		// log could not observe a schema-qualified table.
		if t.Schema != "" {
			return nil, fmt.Errorf("%w: sqlite binding cannot track %q: attached schemas are not supported",
				sync.ErrInvalidConfig, t.QualifiedName())
		}
	}
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database: %w", err)
	}
	return &SQLiteStoreBinding{db: db, tables: tables}, nil
}

func (s *SQLiteStoreBinding) Close() error {
	return s.db.Close()
}

func (s *SQLiteStoreBinding) migrator() (*migrate.Migrate, error) {
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "coresync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations: %w", err)
	}
	return m, nil
}

// ApplyProvision bootstraps the bookkeeping tables, persists a store id if
// none exists, and installs change-tracking triggers on every configured
// table. Safe to call repeatedly.
func (s *SQLiteStoreBinding) ApplyProvision(ctx context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, "SELECT store_id FROM coresync_identity WHERE id = 1").Scan(&existing)
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx, "INSERT INTO coresync_identity (id, store_id) VALUES (1, ?)", uuid.New().String())
	}
	if err != nil {
		return fmt.Errorf("failed to ensure store identity: %w", err)
	}

	for _, table := range s.tables {
		if err := provisionTable(ctx, tx, table); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit provisioning: %w", err)
	}
	return nil
}

// RemoveProvision drops the tracking triggers and the bookkeeping tables.
// User tables are untouched.
func (s *SQLiteStoreBinding) RemoveProvision(ctx context.Context) error {
	for _, table := range s.tables {
		for _, suffix := range []string{"insert", "update", "update_key", "delete"} {
			stmt := fmt.Sprintf("DROP TRIGGER IF EXISTS %s", store.QuoteIdent(triggerName(table, suffix)))
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to drop trigger for %q: %w", table.QualifiedName(), err)
			}
		}
	}
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to revert migrations: %w", err)
	}
	return nil
}

// StoreID reads the durable identity persisted by ApplyProvision.
func (s *SQLiteStoreBinding) StoreID(ctx context.Context) (sync.StoreID, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT store_id FROM coresync_identity WHERE id = 1").Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows || strings.Contains(err.Error(), "no such table") {
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

// Begin opens one serializable transaction; SQLite's serialized writes are
// the snapshot-isolation equivalent the protocol asks for.
func (s *SQLiteStoreBinding) Begin(ctx context.Context) (sync.StoreTx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{tx: tx, info: map[string]*tableInfo{}}, nil
}

func quoteTable(t sync.TableConfig) string {
	return store.QuoteIdent(t.Name)
}

func triggerName(t sync.TableConfig, suffix string) string {
	return "coresync_tr_" + t.QualifiedName() + "_" + suffix
}

// keyExpr renders the json_object expression for a row's primary key, with
// each column referenced through the given prefix ("NEW.", "OLD." or empty)
// or replaced by a placeholder when param is set. The database engine renders
// the key text in both cases, so trigger-produced and lookup-produced keys
// are byte-identical.
func keyExpr(pks []string, prefix string, param bool) string {
	parts := make([]string, 0, len(pks)*2)
	for _, col := range pks {
		parts = append(parts, store.QuoteStringLit(col))
		if param {
			parts = append(parts, "?")
		} else {
			parts = append(parts, prefix+store.QuoteIdent(col))
		}
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

func provisionTable(ctx context.Context, tx *sql.Tx, table sync.TableConfig) error {
	info, err := loadTableInfo(ctx, tx, table)
	if err != nil {
		return err
	}
	name := store.QuoteStringLit(table.QualifiedName())
	newKey := keyExpr(info.pks, "NEW.", false)
	oldKey := keyExpr(info.pks, "OLD.", false)

	const bump = "UPDATE coresync_version SET version = version + 1 WHERE id = 1;"
	appendChange := func(key, op string) string {
		return fmt.Sprintf(
			"INSERT INTO coresync_changes (version, table_name, row_key, op) "+
				"VALUES ((SELECT version FROM coresync_version WHERE id = 1), %s, %s, '%s');",
			name, key, op)
	}

	triggers := []string{
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s BEGIN %s %s END",
			store.QuoteIdent(triggerName(table, "insert")), quoteTable(table), bump, appendChange(newKey, "I")),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s WHEN %s = %s BEGIN %s %s END",
			store.QuoteIdent(triggerName(table, "update")), quoteTable(table), oldKey, newKey, bump, appendChange(newKey, "U")),
		// A primary key update abandons the old row and creates one no peer
		// has seen: the old key is logged deleted, the new key inserted.
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s WHEN %s <> %s BEGIN %s %s %s %s END",
			store.QuoteIdent(triggerName(table, "update_key")), quoteTable(table), oldKey, newKey,
			bump, appendChange(oldKey, "D"), bump, appendChange(newKey, "I")),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s BEGIN %s %s END",
			store.QuoteIdent(triggerName(table, "delete")), quoteTable(table), bump, appendChange(oldKey, "D")),
	}
	for _, stmt := range triggers {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tracking trigger for %q: %w", table.QualifiedName(), err)
		}
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO coresync_tracked_tables (table_name, min_valid_version) VALUES (?, 0) ON CONFLICT (table_name) DO NOTHING",
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

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadTableInfo(ctx context.Context, q queryer, table sync.TableConfig) (*tableInfo, error) {
	stmt := fmt.Sprintf("PRAGMA table_info(%s)", quoteTable(table))
	rows, err := q.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %q: %w", table.QualifiedName(), err)
	}
	defer rows.Close()

	info := &tableInfo{types: map[string]string{}}
	type pkCol struct {
		name string
		ord  int
	}
	var pks []pkCol
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		info.cols = append(info.cols, name)
		info.types[name] = strings.ToUpper(colType)
		if pk > 0 {
			pks = append(pks, pkCol{name: name, ord: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(info.cols) == 0 {
		return nil, fmt.Errorf("%w: table %q does not exist", sync.ErrInvalidArgument, table.QualifiedName())
	}
	if len(pks) == 0 {
		return nil, fmt.Errorf("%w: table %q has no primary key", sync.ErrInvalidArgument, table.QualifiedName())
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].ord < pks[j].ord })
	for _, c := range pks {
		info.pks = append(info.pks, c.name)
	}
	return info, nil
}

type sqliteTx struct {
	tx   *sql.Tx
	info map[string]*tableInfo
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

func (t *sqliteTx) tableInfo(ctx context.Context, table sync.TableConfig) (*tableInfo, error) {
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

func (t *sqliteTx) CurrentVersion(ctx context.Context) (sync.Version, error) {
	var v int64
	err := t.tx.QueryRowContext(ctx, "SELECT version FROM coresync_version WHERE id = 1").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read current version: %w", err)
	}
	return sync.Version(v), nil
}

func (t *sqliteTx) MinValidVersion(ctx context.Context, table sync.TableConfig) (sync.Version, error) {
	var v int64
	err := t.tx.QueryRowContext(ctx,
		"SELECT min_valid_version FROM coresync_tracked_tables WHERE table_name = ?",
		table.QualifiedName()).Scan(&v)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: table %q is not tracked", sync.ErrNotInitialized, table.QualifiedName())
		}
		return 0, fmt.Errorf("failed to read minimum valid version: %w", err)
	}
	return sync.Version(v), nil
}

func (t *sqliteTx) ChangesSince(ctx context.Context, table sync.TableConfig, since sync.Version) ([]sync.RowChange, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT version, row_key, op FROM coresync_changes WHERE table_name = ? AND version > ? ORDER BY version",
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

func (t *sqliteTx) fetchRowByKey(ctx context.Context, table sync.TableConfig, info *tableInfo, key string) (map[string]any, bool, error) {
	cols := make([]string, len(info.cols))
	for i, c := range info.cols {
		cols[i] = store.QuoteIdent(c)
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		strings.Join(cols, ", "), quoteTable(table), keyExpr(info.pks, "", false))
	row := t.tx.QueryRowContext(ctx, stmt, key)
	values, err := scanRow(row, info)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch row for %q: %w", table.QualifiedName(), err)
	}
	return values, true, nil
}

func (t *sqliteTx) InitialSnapshot(ctx context.Context, table sync.TableConfig) ([]sync.RowChange, error) {
	info, err := t.tableInfo(ctx, table)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(info.cols))
	for i, c := range info.cols {
		cols[i] = store.QuoteIdent(c)
	}
	rows, err := t.tx.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), quoteTable(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to scan table %q: %w", table.QualifiedName(), err)
	}
	defer rows.Close()

	var out []sync.RowChange
	for rows.Next() {
		raw := make([]any, len(info.cols))
		ptrs := make([]any, len(info.cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		values := make(map[string]any, len(info.cols))
		for i, col := range info.cols {
			values[col] = normalizeValue(info.types[col], raw[i])
		}
		out = append(out, sync.RowChange{Op: sync.OpNone, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanRow(row *sql.Row, info *tableInfo) (map[string]any, error) {
	raw := make([]any, len(info.cols))
	ptrs := make([]any, len(info.cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		return nil, err
	}
	values := make(map[string]any, len(info.cols))
	for i, col := range info.cols {
		values[col] = normalizeValue(info.types[col], raw[i])
	}
	return values, nil
}

// normalizeValue keeps TEXT columns as Go strings. The driver surfaces TEXT
// as []byte, and binding []byte back stores a BLOB; SQLite treats BLOB and
// TEXT as different types for primary key comparison.
func normalizeValue(declaredType string, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if strings.Contains(declaredType, "BLOB") {
		return b
	}
	return string(b)
}

// rowKey asks the engine to render the key text for the item's primary-key
// values, with the same json_object call the triggers use.
func (t *sqliteTx) rowKey(ctx context.Context, info *tableInfo, item sync.SyncItem) (string, error) {
	args := make([]any, 0, len(info.pks))
	for _, col := range info.pks {
		v, ok := item.Values[col]
		if !ok {
			return "", fmt.Errorf("%w: item for %q is missing key column %q", sync.ErrInvalidArgument, item.Table, col)
		}
		args = append(args, v)
	}
	var key string
	if err := t.tx.QueryRowContext(ctx, "SELECT "+keyExpr(info.pks, "", true), args...).Scan(&key); err != nil {
		return "", fmt.Errorf("failed to render row key: %w", err)
	}
	return key, nil
}

func (t *sqliteTx) ApplyInsert(ctx context.Context, table sync.TableConfig, item sync.SyncItem) (int64, error) {
	cols := sortedColumns(item.Values)
	if len(cols) == 0 {
		return 0, fmt.Errorf("%w: insert item for %q has no values", sync.ErrInvalidArgument, item.Table)
	}
	quoted := make([]string, len(cols))
	holders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = store.QuoteIdent(col)
		holders[i] = "?"
		args[i] = item.Values[col]
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		quoteTable(table), strings.Join(quoted, ", "), strings.Join(holders, ", "))
	res, err := t.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %q: %w", table.QualifiedName(), err)
	}
	return res.RowsAffected()
}

// RowMatches reports whether the item's row exists with exactly the item's
// values. IS is the null-safe comparison.
func (t *sqliteTx) RowMatches(ctx context.Context, table sync.TableConfig, item sync.SyncItem) (bool, error) {
	cols := sortedColumns(item.Values)
	if len(cols) == 0 {
		return false, fmt.Errorf("%w: item for %q has no values", sync.ErrInvalidArgument, item.Table)
	}
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		conds[i] = store.QuoteIdent(col) + " IS ?"
		args[i] = item.Values[col]
	}
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", quoteTable(table), strings.Join(conds, " AND "))
	var n int64
	if err := t.tx.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to compare row in %q: %w", table.QualifiedName(), err)
	}
	return n > 0, nil
}

func (t *sqliteTx) ApplyUpdate(ctx context.Context, table sync.TableConfig, item sync.SyncItem, lastSyncVersion sync.Version, force bool) (int64, error) {
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
		// Key-only update: touch a key column so the predicate and row
		// existence are still exercised.
		sets = []string{store.QuoteIdent(info.pks[0]) + " = " + store.QuoteIdent(info.pks[0])}
	} else {
		for _, col := range setCols {
			sets = append(sets, store.QuoteIdent(col)+" = ?")
			args = append(args, item.Values[col])
		}
	}
	where, whereArgs, err := t.mutationPredicate(ctx, table, info, item, lastSyncVersion, force)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteTable(table), strings.Join(sets, ", "), where)
	res, err := t.tx.ExecContext(ctx, stmt, append(args, whereArgs...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to update %q: %w", table.QualifiedName(), err)
	}
	return res.RowsAffected()
}

func (t *sqliteTx) ApplyDelete(ctx context.Context, table sync.TableConfig, item sync.SyncItem, lastSyncVersion sync.Version, force bool) (int64, error) {
	info, err := t.tableInfo(ctx, table)
	if err != nil {
		return 0, err
	}
	where, whereArgs, err := t.mutationPredicate(ctx, table, info, item, lastSyncVersion, force)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteTable(table), where)
	res, err := t.tx.ExecContext(ctx, stmt, whereArgs...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %q: %w", table.QualifiedName(), err)
	}
	return res.RowsAffected()
}

// mutationPredicate builds the WHERE clause for conflict-aware updates and
// deletes: primary-key equality, plus the version predicate unless forced.
// The row qualifies only if its latest change-log version is at most
// lastSyncVersion.
func (t *sqliteTx) mutationPredicate(ctx context.Context, table sync.TableConfig, info *tableInfo, item sync.SyncItem, lastSyncVersion sync.Version, force bool) (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	for _, col := range info.pks {
		v, ok := item.Values[col]
		if !ok {
			return "", nil, fmt.Errorf("%w: item for %q is missing key column %q", sync.ErrInvalidArgument, item.Table, col)
		}
		conds = append(conds, store.QuoteIdent(col)+" = ?")
		args = append(args, v)
	}
	if !force {
		key, err := t.rowKey(ctx, info, item)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds,
			"NOT EXISTS (SELECT 1 FROM coresync_changes WHERE table_name = ? AND row_key = ? AND version > ?)")
		args = append(args, table.QualifiedName(), key, int64(lastSyncVersion))
	}
	return strings.Join(conds, " AND "), args, nil
}

func (t *sqliteTx) LocalStoreID(ctx context.Context) (sync.StoreID, error) {
	var raw string
	err := t.tx.QueryRowContext(ctx, "SELECT store_id FROM coresync_identity WHERE id = 1").Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return sync.ZeroStoreID, fmt.Errorf("%w: store is not provisioned", sync.ErrNotInitialized)
		}
		return sync.ZeroStoreID, fmt.Errorf("failed to read store identity: %w", err)
	}
	return uuid.Parse(raw)
}

func (t *sqliteTx) RemoteAnchor(ctx context.Context, peer sync.StoreID) (sync.Version, bool, error) {
	var v int64
	err := t.tx.QueryRowContext(ctx,
		"SELECT version FROM coresync_remote_anchors WHERE store_id = ?", peer.String()).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read remote anchor: %w", err)
	}
	return sync.Version(v), true, nil
}

func (t *sqliteTx) SetRemoteAnchor(ctx context.Context, peer sync.StoreID, version sync.Version) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO coresync_remote_anchors (store_id, version) VALUES (?, ?) "+
			"ON CONFLICT (store_id) DO UPDATE SET version = excluded.version",
		peer.String(), int64(version))
	if err != nil {
		return fmt.Errorf("failed to record remote anchor: %w", err)
	}
	return nil
}

func (t *sqliteTx) CompactChanges(ctx context.Context, table sync.TableConfig, through sync.Version) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM coresync_changes WHERE table_name = ? AND version <= ?",
		table.QualifiedName(), int64(through))
	if err != nil {
		return fmt.Errorf("failed to compact change log: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		"UPDATE coresync_tracked_tables SET min_valid_version = MAX(min_valid_version, ?) WHERE table_name = ?",
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
