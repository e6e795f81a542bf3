// Package sqlstore implements the store gateway on database/sql for SQLite
// and PostgreSQL. All columns are TEXT; values are always bound parameters.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/TFMV/m2sync/pkg/core"
)

var _ core.StoreGateway = (*Store)(nil)

// Store is a SQL-backed store gateway.
type Store struct {
	db     *sql.DB
	d      dialect
	logger *zap.Logger

	mu      sync.Mutex
	columns map[string][]string // cached table columns
}

func newStore(db *sql.DB, d dialect, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:      db,
		d:       d,
		logger:  logger.With(zap.String("store", d.Name())),
		columns: make(map[string][]string),
	}
}

// DB returns the underlying sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.d.TableExistsQuery(), table).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return true, nil
}

func (s *Store) TableSchema(ctx context.Context, table string) ([]string, error) {
	s.mu.Lock()
	cached, ok := s.columns[table]
	s.mu.Unlock()
	if ok {
		return append([]string{}, cached...), nil
	}

	exists, err := s.TableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", core.ErrTableNotFound, table)
	}

	query, args := s.d.ColumnsQuery(table)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	s.mu.Lock()
	s.columns[table] = cols
	s.mu.Unlock()
	return append([]string{}, cols...), nil
}

func (s *Store) ReadAll(ctx context.Context, table, identity string) (*core.Dataset, error) {
	cols, err := s.TableSchema(ctx, table)
	if errors.Is(err, core.ErrTableNotFound) {
		return core.EmptyDataset(identity), nil
	}
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return core.EmptyDataset(identity), nil
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoteIdents(cols), ", "), quoteIdent(table))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", table, err)
	}
	defer rows.Close()

	b := core.NewDatasetBuilder(identity, cols...)
	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row of %s: %w", table, err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if values[i].Valid {
				row[c] = values[i].String
			} else {
				row[c] = nil
			}
		}
		b.Add(row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", table, err)
	}

	s.logger.Debug("Read table snapshot", zap.String("table", table), zap.Int("rows", b.Len()))
	return b.Build(), nil
}

func (s *Store) CreateTable(ctx context.Context, table string, from *core.Dataset) error {
	fields := from.Fields()
	defs := make([]string, len(fields))
	for i, f := range fields {
		defs[i] = quoteIdent(f) + " TEXT"
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
		return nil
	})
	s.forget(table)
	if err != nil {
		return err
	}

	s.logger.Info("Created table", zap.String("table", table), zap.Int("columns", len(fields)))
	return nil
}

func (s *Store) ResetTable(ctx context.Context, table string) error {
	_, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table))
	s.forget(table)
	if err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	s.logger.Info("Dropped table", zap.String("table", table))
	return nil
}

func (s *Store) AppendBatch(ctx context.Context, table string, ds *core.Dataset) error {
	if ds.Empty() {
		return nil
	}

	cols, err := s.TableSchema(ctx, table)
	if err != nil {
		return err
	}
	fields := ds.Fields()
	for _, f := range fields {
		if !contains(cols, f) {
			return fmt.Errorf("table %s has no column %q", table, f)
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table),
		strings.Join(quoteIdents(fields), ", "),
		strings.Join(placeholders(s.d, 1, len(fields)), ", "))

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		args := make([]any, len(fields))
		for i := 0; i < ds.Len(); i++ {
			for j, f := range fields {
				args[j] = ds.Value(i, f)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("failed to insert %s: %w", ds.IdentityAt(i), err)
			}
		}
		return nil
	})
}

// UpsertOne updates the rows whose identity normalizes to rec's identity, or
// inserts rec when none match. Stored identity values are kept as written.
// Fields unknown to the table are ignored.
func (s *Store) UpsertOne(ctx context.Context, table, identity string, rec core.Record) error {
	cols, err := s.TableSchema(ctx, table)
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

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stored, err := s.matchIdentity(ctx, tx, table, identity, id)
		if err != nil {
			return err
		}
		if len(stored) > 0 {
			return s.update(ctx, tx, table, identity, stored, setCols, rec)
		}

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(table),
			strings.Join(quoteIdents(insertCols), ", "),
			strings.Join(placeholders(s.d, 1, len(insertCols)), ", "))
		args := make([]any, len(insertCols))
		for i, c := range insertCols {
			args[i] = rec[c]
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert %s: %w", id, err)
		}
		return nil
	})
}

// matchIdentity returns the stored identity values that normalize to id.
func (s *Store) matchIdentity(ctx context.Context, tx *sql.Tx, table, identity, id string) ([]string, error) {
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s", quoteIdent(identity), quoteIdent(table))
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", id, err)
	}
	defer rows.Close()

	key := core.NormalizeIdentity(id)
	var matches []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		if v.Valid && core.NormalizeIdentity(v.String) == key {
			matches = append(matches, v.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", id, err)
	}
	return matches, nil
}

// update sets setCols on the rows whose identity is one of stored.
func (s *Store) update(ctx context.Context, tx *sql.Tx, table, identity string, stored, setCols []string, rec core.Record) error {
	if len(setCols) == 0 {
		return nil
	}

	assignments := make([]string, len(setCols))
	args := make([]any, 0, len(setCols)+len(stored))
	for i, c := range setCols {
		assignments[i] = fmt.Sprintf("%s = %s", quoteIdent(c), s.d.Placeholder(i+1))
		args = append(args, rec[c])
	}
	for _, v := range stored {
		args = append(args, v)
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s IN (%s)",
		quoteIdent(table),
		strings.Join(assignments, ", "),
		quoteIdent(identity),
		strings.Join(placeholders(s.d, len(setCols)+1, len(stored)), ", "))

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", rec[identity], err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Store) forget(table string) {
	s.mu.Lock()
	delete(s.columns, table)
	s.mu.Unlock()
}

func contains(list []string, item string) bool {
	for _, s := range list {
		if s == item {
			return true
		}
	}
	return false
}
