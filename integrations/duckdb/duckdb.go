// Package duckdb implements the store gateway on DuckDB through the Arrow ADBC
// driver manager. Appends use bulk ingest of Arrow records.
package duckdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-adbc/go/adbc/drivermgr"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"

	"github.com/TFMV/m2sync/integrations"
	"github.com/TFMV/m2sync/pkg/core"
	"github.com/TFMV/m2sync/utils"
)

func init() {
	integrations.Register("duckdb", func(opts integrations.Options) (core.StoreGateway, error) {
		return NewDuckDB(
			integrations.WithPath(opts.Path),
			integrations.WithDriverPath(opts.DriverPath),
			integrations.WithContext(opts.Context),
			integrations.WithLogger(opts.Logger),
		)
	})
}

// Ensure DuckDB implements StoreGateway.
var _ core.StoreGateway = (*DuckDB)(nil)

// DuckDB manages a DuckDB database and its single connection via ADBC.
type DuckDB struct {
	mu     sync.Mutex
	db     adbc.Database
	conn   adbc.Connection
	opts   integrations.Options
	alloc  memory.Allocator
	logger *zap.Logger
}

// DefaultDriverPath returns the conventional libduckdb location for the OS.
func DefaultDriverPath() string {
	switch runtime.GOOS {
	case "darwin":
		return "/usr/local/lib/libduckdb.dylib"
	case "linux":
		return "/usr/local/lib/libduckdb.so"
	case "windows":
		if home, err := os.UserHomeDir(); err == nil {
			return home + "/Downloads/duckdb-windows-amd64/duckdb.dll"
		}
	}
	return ""
}

// NewDuckDB opens or creates a DuckDB database (file-based or in-memory).
func NewDuckDB(options ...integrations.Option) (*DuckDB, error) {
	opts := integrations.Apply(options...)

	dPath := opts.DriverPath
	if dPath == "" {
		dPath = DefaultDriverPath()
	}

	dbOpts := map[string]string{
		"driver":     dPath,
		"entrypoint": "duckdb_adbc_init",
	}
	if opts.Path != "" {
		dbOpts["path"] = opts.Path
	}

	driver := drivermgr.Driver{}
	db, err := driver.NewDatabase(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("error creating new DuckDB database: %w", err)
	}

	conn, err := db.Open(opts.Context)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	return &DuckDB{
		db:     db,
		conn:   conn,
		opts:   opts,
		alloc:  memory.DefaultAllocator,
		logger: opts.Logger.With(zap.String("store", "duckdb")),
	}, nil
}

// Path returns the database file path, or empty if in-memory.
func (d *DuckDB) Path() string {
	return d.opts.Path
}

// Close closes the connection and the database.
func (d *DuckDB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	if d.conn != nil {
		firstErr = d.conn.Close()
		d.conn = nil
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.db = nil
	}
	return firstErr
}

func (d *DuckDB) TableExists(ctx context.Context, table string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tableExists(ctx, table)
}

func (d *DuckDB) tableExists(ctx context.Context, table string) (bool, error) {
	n, err := d.count(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?",
		table)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return n > 0, nil
}

func (d *DuckDB) TableSchema(ctx context.Context, table string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tableSchema(ctx, table)
}

func (d *DuckDB) tableSchema(ctx context.Context, table string) ([]string, error) {
	exists, err := d.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", core.ErrTableNotFound, table)
	}

	schema, err := d.conn.GetTableSchema(ctx, nil, nil, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema of %s: %w", table, err)
	}
	return utils.FieldNames(schema), nil
}

func (d *DuckDB) ReadAll(ctx context.Context, table, identity string) (*core.Dataset, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cols, err := d.tableSchema(ctx, table)
	if err != nil {
		if errors.Is(err, core.ErrTableNotFound) {
			return core.EmptyDataset(identity), nil
		}
		return nil, err
	}
	if len(cols) == 0 {
		return core.EmptyDataset(identity), nil
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoteIdents(cols), ", "), quoteIdent(table))
	rr, err := d.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", table, err)
	}
	defer rr.Release()

	return utils.ReaderToDataset(rr, identity)
}

func (d *DuckDB) CreateTable(ctx context.Context, table string, from *core.Dataset) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fields := from.Fields()
	defs := make([]string, len(fields))
	for i, f := range fields {
		defs[i] = quoteIdent(f) + " VARCHAR"
	}

	if _, err := d.exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
	if _, err := d.exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	d.logger.Info("Created table", zap.String("table", table), zap.Int("columns", len(fields)))
	return nil
}

func (d *DuckDB) ResetTable(ctx context.Context, table string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	d.logger.Info("Dropped table", zap.String("table", table))
	return nil
}

// AppendBatch ingests ds as one Arrow record. The record is laid out in the
// table's column order.
func (d *DuckDB) AppendBatch(ctx context.Context, table string, ds *core.Dataset) error {
	if ds.Empty() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cols, err := d.tableSchema(ctx, table)
	if err != nil {
		return err
	}
	for _, f := range ds.Fields() {
		if !contains(cols, f) {
			return fmt.Errorf("table %s has no column %q", table, f)
		}
	}

	ordered := core.NewDataset(ds.Identity(), cols, ds.Records())
	rec := utils.DatasetToRecord(d.alloc, ordered)
	defer rec.Release()

	stmt, err := d.conn.NewStatement()
	if err != nil {
		return fmt.Errorf("failed to create statement: %w", err)
	}
	defer stmt.Close()

	if err := stmt.SetOption(adbc.OptionKeyIngestTargetTable, table); err != nil {
		return fmt.Errorf("failed to set ingest target: %w", err)
	}
	if err := stmt.SetOption(adbc.OptionKeyIngestMode, adbc.OptionValueIngestModeAppend); err != nil {
		return fmt.Errorf("failed to set ingest mode: %w", err)
	}
	if err := stmt.BindStream(ctx, utils.NewSingleRecordReader(rec)); err != nil {
		return fmt.Errorf("failed to bind records: %w", err)
	}
	if _, err := stmt.ExecuteUpdate(ctx); err != nil {
		return fmt.Errorf("failed to ingest into %s: %w", table, err)
	}

	d.logger.Debug("Ingested records", zap.String("table", table), zap.Int("rows", ds.Len()))
	return nil
}

// UpsertOne updates the rows whose identity normalizes to rec's identity, or
// inserts rec when none match, inside one transaction.
func (d *DuckDB) UpsertOne(ctx context.Context, table, identity string, rec core.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cols, err := d.tableSchema(ctx, table)
	if err != nil {
		return err
	}
	if !contains(cols, identity) {
		return fmt.Errorf("table %s has no identity column %q", table, identity)
	}
	id, ok := rec[identity]
	if !ok {
		return core.NewValidationError(identity, "", "record has no identity value")
	}

	var setCols, insertCols []string
	for _, c := range cols {
		if _, ok := rec[c]; !ok {
			continue
		}
		insertCols = append(insertCols, c)
		if c != identity {
			setCols = append(setCols, c)
		}
	}

	return d.withTx(ctx, func() error {
		stored, err := d.matchIdentity(ctx, table, identity, id)
		if err != nil {
			return err
		}

		if len(stored) > 0 {
			if len(setCols) == 0 {
				return nil
			}
			assignments := make([]string, len(setCols))
			params := make([]string, 0, len(setCols)+len(stored))
			for i, c := range setCols {
				assignments[i] = quoteIdent(c) + " = ?"
				params = append(params, rec[c])
			}
			marks := make([]string, len(stored))
			for i, v := range stored {
				marks[i] = "?"
				params = append(params, v)
			}

			query := fmt.Sprintf("UPDATE %s SET %s WHERE %s IN (%s)",
				quoteIdent(table), strings.Join(assignments, ", "), quoteIdent(identity), strings.Join(marks, ", "))
			if _, err := d.exec(ctx, query, params...); err != nil {
				return fmt.Errorf("failed to update %s: %w", id, err)
			}
			return nil
		}

		marks := make([]string, len(insertCols))
		params := make([]string, len(insertCols))
		for i, c := range insertCols {
			marks[i] = "?"
			params[i] = rec[c]
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(table), strings.Join(quoteIdents(insertCols), ", "), strings.Join(marks, ", "))
		if _, err := d.exec(ctx, query, params...); err != nil {
			return fmt.Errorf("failed to insert %s: %w", id, err)
		}
		return nil
	})
}

// matchIdentity returns the stored identity values that normalize to id.
func (d *DuckDB) matchIdentity(ctx context.Context, table, identity, id string) ([]string, error) {
	rr, err := d.query(ctx, fmt.Sprintf("SELECT DISTINCT %s FROM %s", quoteIdent(identity), quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", id, err)
	}
	defer rr.Release()

	ds, err := utils.ReaderToDataset(rr, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", id, err)
	}
	key := core.NormalizeIdentity(id)
	var matches []string
	for i := 0; i < ds.Len(); i++ {
		if v := ds.Value(i, identity); v != "" && core.NormalizeIdentity(v) == key {
			matches = append(matches, v)
		}
	}
	return matches, nil
}

// withTx runs fn with autocommit disabled and commits or rolls back.
func (d *DuckDB) withTx(ctx context.Context, fn func() error) error {
	opts, ok := d.conn.(adbc.PostInitOptions)
	if !ok {
		return fmt.Errorf("%w: connection does not support transactions", core.ErrUnsupported)
	}
	if err := opts.SetOption(adbc.OptionKeyAutoCommit, adbc.OptionValueDisabled); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := opts.SetOption(adbc.OptionKeyAutoCommit, adbc.OptionValueEnabled); err != nil {
			d.logger.Warn("Failed to restore autocommit", zap.Error(err))
		}
	}()

	if err := fn(); err != nil {
		if rbErr := d.conn.Rollback(ctx); rbErr != nil {
			d.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := d.conn.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// exec executes a statement that doesn't produce a result set. Params are
// bound positionally as text.
func (d *DuckDB) exec(ctx context.Context, sql string, params ...string) (int64, error) {
	stmt, err := d.prepare(ctx, sql, params)
	if err != nil {
		return -1, err
	}
	defer stmt.Close()
	return stmt.ExecuteUpdate(ctx)
}

// query executes a SQL query and returns a RecordReader that closes its
// statement on Release.
func (d *DuckDB) query(ctx context.Context, sql string, params ...string) (array.RecordReader, error) {
	stmt, err := d.prepare(ctx, sql, params)
	if err != nil {
		return nil, err
	}

	rr, _, err := stmt.ExecuteQuery(ctx)
	if err != nil {
		stmt.Close()
		return nil, err
	}
	return newWrappedRecordReader(rr, stmt), nil
}

func (d *DuckDB) prepare(ctx context.Context, sql string, params []string) (adbc.Statement, error) {
	stmt, err := d.conn.NewStatement()
	if err != nil {
		return nil, fmt.Errorf("failed to create statement: %w", err)
	}
	if err := stmt.SetSqlQuery(sql); err != nil {
		stmt.Close()
		return nil, fmt.Errorf("failed to set SQL query: %w", err)
	}
	if len(params) == 0 {
		return stmt, nil
	}

	rec := paramRecord(d.alloc, params)
	defer rec.Release()
	if err := stmt.Bind(ctx, rec); err != nil {
		stmt.Close()
		return nil, fmt.Errorf("failed to bind parameters: %w", err)
	}
	return stmt, nil
}

// count runs a single-value COUNT query.
func (d *DuckDB) count(ctx context.Context, sql string, params ...string) (int64, error) {
	rr, err := d.query(ctx, sql, params...)
	if err != nil {
		return 0, err
	}
	defer rr.Release()

	if !rr.Next() {
		if err := rr.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("no rows returned for COUNT query")
	}
	rec := rr.Record()
	if rec.NumCols() < 1 || rec.NumRows() < 1 {
		return 0, fmt.Errorf("invalid row count result")
	}

	switch col := rec.Column(0).(type) {
	case *array.Int64:
		return col.Value(0), nil
	default:
		return strconv.ParseInt(col.ValueStr(0), 10, 64)
	}
}

// paramRecord builds a one-row record binding params as text.
func paramRecord(pool memory.Allocator, params []string) arrow.Record {
	names := make([]string, len(params))
	for i := range params {
		names[i] = "p" + strconv.Itoa(i+1)
	}

	b := array.NewRecordBuilder(pool, utils.TextSchema(names))
	defer b.Release()
	for i, p := range params {
		b.Field(i).(*array.StringBuilder).Append(p)
	}
	return b.NewRecord()
}

// --- recordReaderWrapper wraps a RecordReader and its Statement ---

type recordReaderWrapper struct {
	rr   array.RecordReader
	stmt adbc.Statement
}

func (w *recordReaderWrapper) Schema() *arrow.Schema {
	return w.rr.Schema()
}

func (w *recordReaderWrapper) Next() bool {
	return w.rr.Next()
}

func (w *recordReaderWrapper) Record() arrow.Record {
	return w.rr.Record()
}

func (w *recordReaderWrapper) Err() error {
	return w.rr.Err()
}

func (w *recordReaderWrapper) Retain() {
	w.rr.Retain()
}

// Release releases the reader and closes the statement that produced it.
func (w *recordReaderWrapper) Release() {
	w.rr.Release()
	w.stmt.Close()
}

func newWrappedRecordReader(rr array.RecordReader, stmt adbc.Statement) array.RecordReader {
	return &recordReaderWrapper{
		rr:   rr,
		stmt: stmt,
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

func contains(list []string, item string) bool {
	for _, s := range list {
		if s == item {
			return true
		}
	}
	return false
}
