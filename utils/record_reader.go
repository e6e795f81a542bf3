package utils

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// SingleRecordReader is an array.RecordReader that yields one arrow.Record.
// It is used to bind a converted Dataset to ADBC ingest statements.
type SingleRecordReader struct {
	record arrow.Record
	done   bool
}

// NewSingleRecordReader creates a new SingleRecordReader. The reader takes a
// reference to record; callers keep their own.
func NewSingleRecordReader(record arrow.Record) *SingleRecordReader {
	record.Retain()
	return &SingleRecordReader{record: record}
}

// Schema returns the schema of the record.
func (r *SingleRecordReader) Schema() *arrow.Schema {
	return r.record.Schema()
}

// Next reports true exactly once.
func (r *SingleRecordReader) Next() bool {
	if r.done {
		return false
	}
	r.done = true
	return true
}

// Record returns the current record.
func (r *SingleRecordReader) Record() arrow.Record {
	return r.record
}

// Err always returns nil.
func (r *SingleRecordReader) Err() error {
	return nil
}

// Release drops the reader's reference to the record.
func (r *SingleRecordReader) Release() {
	r.record.Release()
}

// Retain increases the reference count of the record.
func (r *SingleRecordReader) Retain() {
	r.record.Retain()
}
