package core

import (
	"sort"
)

// Dataset is an ordered, immutable collection of Records sharing one field
// set and keyed by an identity field. Accessors hand out copies.
type Dataset struct {
	identity string
	fields   []string
	records  []Record
}

// NewDataset builds a Dataset from already normalized records. Fields missing
// from a record are filled with the empty string.
func NewDataset(identity string, fields []string, records []Record) *Dataset {
	b := NewDatasetBuilder(identity, fields...)
	for _, r := range records {
		b.AddRecord(r)
	}
	return b.Build()
}

// EmptyDataset returns a Dataset without records.
func EmptyDataset(identity string, fields ...string) *Dataset {
	return &Dataset{
		identity: identity,
		fields:   append([]string(nil), fields...),
	}
}

// Identity returns the name of the identity field.
func (d *Dataset) Identity() string {
	if d == nil {
		return ""
	}
	return d.identity
}

// Fields returns the ordered field names.
func (d *Dataset) Fields() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.fields...)
}

// HasField reports whether the dataset carries the named field.
func (d *Dataset) HasField(name string) bool {
	if d == nil {
		return false
	}
	for _, f := range d.fields {
		if f == name {
			return true
		}
	}
	return false
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.records)
}

// Empty reports whether the dataset has no records.
func (d *Dataset) Empty() bool {
	return d.Len() == 0
}

// At returns a copy of the i-th record.
func (d *Dataset) At(i int) Record {
	return d.records[i].Clone()
}

// Value returns the i-th record's value for field without copying the record.
func (d *Dataset) Value(i int, field string) string {
	return d.records[i][field]
}

// Records returns copies of all records in order.
func (d *Dataset) Records() []Record {
	if d == nil {
		return nil
	}
	out := make([]Record, len(d.records))
	for i, r := range d.records {
		out[i] = r.Clone()
	}
	return out
}

// IdentityAt returns the normalized identity of the i-th record.
func (d *Dataset) IdentityAt(i int) string {
	return NormalizeIdentity(d.records[i][d.identity])
}

// Identities returns the normalized identities in order.
func (d *Dataset) Identities() []string {
	out := make([]string, d.Len())
	for i := range out {
		out[i] = d.IdentityAt(i)
	}
	return out
}

// Subset returns a new Dataset holding the records at the given indices,
// sharing this dataset's identity and field list.
func (d *Dataset) Subset(indices []int) *Dataset {
	out := &Dataset{
		identity: d.identity,
		fields:   append([]string(nil), d.fields...),
		records:  make([]Record, 0, len(indices)),
	}
	for _, i := range indices {
		out.records = append(out.records, d.records[i])
	}
	return out
}

// Validate checks the identity contract: the identity field is declared,
// present and non-empty on every record, and unique across records.
func (d *Dataset) Validate() error {
	if d == nil {
		return NewValidationError("", "", "dataset is nil")
	}
	if d.identity == "" {
		return NewValidationError("", "", "identity field is not set")
	}
	if len(d.records) == 0 {
		return nil
	}
	if !d.HasField(d.identity) {
		return NewValidationError(d.identity, "", "identity field missing from dataset")
	}
	seen := make(map[string]int, len(d.records))
	for i := range d.records {
		id := d.IdentityAt(i)
		if id == "" {
			return NewValidationError(d.identity, "", "empty identity value")
		}
		if _, dup := seen[id]; dup {
			return NewValidationError(d.identity, id, "duplicate identity value")
		}
		seen[id] = i
	}
	return nil
}

// DatasetBuilder assembles a Dataset row by row. Declared fields keep their
// order; fields first seen in later rows are appended in sorted order.
type DatasetBuilder struct {
	identity string
	fields   []string
	known    map[string]struct{}
	rows     []Record
}

// NewDatasetBuilder creates a builder for the given identity and fields.
func NewDatasetBuilder(identity string, fields ...string) *DatasetBuilder {
	b := &DatasetBuilder{
		identity: identity,
		known:    make(map[string]struct{}, len(fields)),
	}
	for _, f := range fields {
		b.addField(f)
	}
	return b
}

func (b *DatasetBuilder) addField(name string) {
	if _, ok := b.known[name]; ok {
		return
	}
	b.known[name] = struct{}{}
	b.fields = append(b.fields, name)
}

// Add normalizes and appends a row of raw values.
func (b *DatasetBuilder) Add(row map[string]any) *DatasetBuilder {
	rec := make(Record, len(row))
	for k, v := range row {
		rec[k] = Normalize(v)
	}
	return b.AddRecord(rec)
}

// AddRecord appends an already normalized record.
func (b *DatasetBuilder) AddRecord(rec Record) *DatasetBuilder {
	var extra []string
	for k := range rec {
		if _, ok := b.known[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, f := range extra {
		b.addField(f)
	}
	b.rows = append(b.rows, rec.Clone())
	return b
}

// Len returns the number of rows added so far.
func (b *DatasetBuilder) Len() int {
	return len(b.rows)
}

// Build returns the Dataset. Every record gets the full field set.
func (b *DatasetBuilder) Build() *Dataset {
	ds := &Dataset{
		identity: b.identity,
		fields:   append([]string(nil), b.fields...),
		records:  make([]Record, len(b.rows)),
	}
	for i, row := range b.rows {
		rec := make(Record, len(b.fields))
		for _, f := range b.fields {
			rec[f] = row[f]
		}
		ds.records[i] = rec
	}
	return ds
}
