// Package memory implements an in-process store gateway used for dry runs
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/TFMV/m2sync/integrations"
	"github.com/TFMV/m2sync/pkg/core"
)

func init() {
	integrations.Register("memory", func(integrations.Options) (core.StoreGateway, error) {
		return New(), nil
	})
}

var _ core.StoreGateway = (*Store)(nil)

type table struct {
	fields []string
	rows   []core.Record
}

func (t *table) hasField(name string) bool {
	for _, f := range t.fields {
		if f == name {
			return true
		}
	}
	return false
}

// Store keeps tables in memory. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
}

// New creates an empty Store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// Seed creates table and fills it with ds, replacing any existing table.
func (s *Store) Seed(name string, ds *core.Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[name] = &table{fields: ds.Fields(), rows: ds.Records()}
}

// Rows returns a copy of the table's rows in insertion order.
func (s *Store) Rows(name string) []core.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	out := make([]core.Record, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.Clone()
	}
	return out
}

func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[name]
	return ok, nil
}

func (s *Store) TableSchema(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTableNotFound, name)
	}
	return append([]string{}, t.fields...), nil
}

func (s *Store) ReadAll(ctx context.Context, name, identity string) (*core.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok || len(t.fields) == 0 {
		return core.EmptyDataset(identity), nil
	}
	return core.NewDataset(identity, t.fields, t.rows), nil
}

func (s *Store) CreateTable(ctx context.Context, name string, from *core.Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[name] = &table{fields: from.Fields()}
	return nil
}

func (s *Store) ResetTable(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, name)
	return nil
}

func (s *Store) AppendBatch(ctx context.Context, name string, ds *core.Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTableNotFound, name)
	}
	for _, f := range ds.Fields() {
		if !t.hasField(f) {
			return fmt.Errorf("table %s has no column %q", name, f)
		}
	}
	for _, r := range ds.Records() {
		t.rows = append(t.rows, project(r, t.fields))
	}
	return nil
}

func (s *Store) UpsertOne(ctx context.Context, name, identity string, rec core.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTableNotFound, name)
	}
	if !t.hasField(identity) {
		return fmt.Errorf("table %s has no identity column %q", name, identity)
	}

	key := core.NormalizeIdentity(rec[identity])
	updated := false
	for _, row := range t.rows {
		if core.NormalizeIdentity(row[identity]) != key {
			continue
		}
		for _, f := range t.fields {
			if v, ok := rec[f]; ok && f != identity {
				row[f] = v
			}
		}
		updated = true
	}
	if !updated {
		t.rows = append(t.rows, project(rec, t.fields))
	}
	return nil
}

// Close is a no-op; the tables live as long as the Store.
func (s *Store) Close() error {
	return nil
}

// project copies rec onto fields, filling absent values with "".
func project(rec core.Record, fields []string) core.Record {
	out := make(core.Record, len(fields))
	for _, f := range fields {
		out[f] = rec[f]
	}
	return out
}
