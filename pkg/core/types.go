// Package core provides the core types and interfaces for the m2sync reconciliation engine.
package core

import (
	"context"
	"time"
)

// StoreGateway abstracts the persistence layer that holds synchronized tables.
// Implementations own any locking or transaction discipline; the engine only
// calls this contract and never issues storage-specific query text.
type StoreGateway interface {
	// TableExists reports whether the named table exists.
	TableExists(ctx context.Context, table string) (bool, error)

	// TableSchema returns the table's column names in storage order.
	// Returns ErrTableNotFound when the table is absent and an empty slice
	// when the table exists without a schema.
	TableSchema(ctx context.Context, table string) ([]string, error)

	// ReadAll materializes the whole table as a Dataset keyed by identity.
	// An absent, schemaless or empty table yields an empty Dataset.
	ReadAll(ctx context.Context, table, identity string) (*Dataset, error)

	// CreateTable creates an all-text table from the dataset's field names.
	// An existing table with the same name is dropped first.
	CreateTable(ctx context.Context, table string, from *Dataset) error

	// ResetTable drops the table and its data. Missing tables are ignored.
	ResetTable(ctx context.Context, table string) error

	// AppendBatch inserts every record of the dataset, all or nothing.
	AppendBatch(ctx context.Context, table string, ds *Dataset) error

	// UpsertOne updates the row whose identity matches rec, or inserts rec
	// when no row matches.
	UpsertOne(ctx context.Context, table, identity string, rec Record) error

	// Close releases the gateway's connections.
	Close() error
}

// Differ classifies an incoming dataset against a stored snapshot.
type Differ interface {
	// Classify partitions incoming into new, changed and unchanged records.
	Classify(ctx context.Context, incoming, existing *Dataset) (*Classification, error)
}

// FieldChange describes one field that differs between the stored and the
// incoming version of a record.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// Classification is the result of comparing an incoming dataset with the
// store snapshot.
type Classification struct {
	// New contains records whose identity is absent from the snapshot.
	New *Dataset

	// Changed contains full incoming rows that differ in at least one field.
	Changed *Dataset

	// Unchanged contains incoming rows equal to their stored version.
	Unchanged *Dataset

	// Changes maps a changed record's identity to the fields that differ.
	Changes map[string][]FieldChange

	// Summary provides counts for the classification.
	Summary ClassificationSummary
}

// ClassificationSummary provides a summary of a classification.
type ClassificationSummary struct {
	Incoming           int64            `json:"incoming"`
	Existing           int64            `json:"existing"`
	New                int64            `json:"new"`
	Changed            int64            `json:"changed"`
	Unchanged          int64            `json:"unchanged"`
	ExistingDuplicates int64            `json:"existing_duplicates"`
	Columns            map[string]int64 `json:"columns,omitempty"`
}

// Bucket names a classification bucket.
type Bucket string

const (
	BucketNew     Bucket = "new"
	BucketChanged Bucket = "changed"
)

// ApplyFailure records a record that could not be persisted.
type ApplyFailure struct {
	Identity string `json:"identity"`
	Bucket   Bucket `json:"bucket"`
	Error    string `json:"error"`
}

// ApplyReport summarizes what the applier persisted.
type ApplyReport struct {
	Appended    int64          `json:"appended"`
	Updated     int64          `json:"updated"`
	Skipped     int64          `json:"skipped"`
	Failed      int64          `json:"failed"`
	Failures    []ApplyFailure `json:"failures,omitempty"`
	AppendError string         `json:"append_error,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
}

// HasFailures reports whether any record failed to persist.
func (r *ApplyReport) HasFailures() bool {
	return r.Failed > 0 || r.AppendError != ""
}

// Window is the inclusive date range a fetch covers.
type Window struct {
	From time.Time
	To   time.Time
}

// DateLayout is the day-granularity layout used for windows.
const DateLayout = "2006-01-02"

// String formats the window as "from..to".
func (w Window) String() string {
	return w.From.Format(DateLayout) + ".." + w.To.Format(DateLayout)
}

// ParseWindow parses two YYYY-MM-DD dates. From must not be after To.
func ParseWindow(from, to string) (Window, error) {
	f, err := time.Parse(DateLayout, from)
	if err != nil {
		return Window{}, NewValidationError("from", from, "expected YYYY-MM-DD")
	}
	t, err := time.Parse(DateLayout, to)
	if err != nil {
		return Window{}, NewValidationError("to", to, "expected YYYY-MM-DD")
	}
	if f.After(t) {
		return Window{}, NewValidationError("from", from, "must not be after "+to)
	}
	return Window{From: f, To: t}, nil
}
