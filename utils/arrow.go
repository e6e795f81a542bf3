// Package utils converts between core Datasets and Arrow records.
package utils

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/m2sync/pkg/core"
)

// TextSchema returns an Arrow schema with one nullable utf8 column per field.
func TextSchema(fields []string) *arrow.Schema {
	arrowFields := make([]arrow.Field, len(fields))
	for i, f := range fields {
		arrowFields[i] = arrow.Field{Name: f, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	return arrow.NewSchema(arrowFields, nil)
}

// DatasetToRecord builds an all-text Arrow record from ds. The caller owns
// the returned record and must Release it.
func DatasetToRecord(pool memory.Allocator, ds *core.Dataset) arrow.Record {
	if pool == nil {
		pool = memory.DefaultAllocator
	}
	fields := ds.Fields()

	b := array.NewRecordBuilder(pool, TextSchema(fields))
	defer b.Release()

	for i := 0; i < ds.Len(); i++ {
		for j, f := range fields {
			b.Field(j).(*array.StringBuilder).Append(ds.Value(i, f))
		}
	}
	return b.NewRecord()
}

// AppendRecord adds every row of rec to the builder. Nulls become "", other
// values go through core.Normalize so numbers read from typed files match
// their text form in the store.
func AppendRecord(b *core.DatasetBuilder, rec arrow.Record) error {
	schema := rec.Schema()
	rows := int(rec.NumRows())

	for i := 0; i < rows; i++ {
		row := make(map[string]any, rec.NumCols())
		for j := 0; j < int(rec.NumCols()); j++ {
			v, err := columnValue(rec.Column(j), i)
			if err != nil {
				return fmt.Errorf("column %q row %d: %w", schema.Field(j).Name, i, err)
			}
			row[schema.Field(j).Name] = v
		}
		b.Add(row)
	}
	return nil
}

// RecordToDataset converts rec into a Dataset keyed by identity.
func RecordToDataset(rec arrow.Record, identity string) (*core.Dataset, error) {
	b := core.NewDatasetBuilder(identity, FieldNames(rec.Schema())...)
	if err := AppendRecord(b, rec); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

// ReaderToDataset drains rr into a Dataset keyed by identity.
func ReaderToDataset(rr array.RecordReader, identity string) (*core.Dataset, error) {
	b := core.NewDatasetBuilder(identity, FieldNames(rr.Schema())...)
	for rr.Next() {
		if err := AppendRecord(b, rr.Record()); err != nil {
			return nil, err
		}
	}
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error reading records: %w", err)
	}
	return b.Build(), nil
}

// FieldNames returns the schema's field names in order.
func FieldNames(schema *arrow.Schema) []string {
	names := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		names[i] = f.Name
	}
	return names
}

func columnValue(col arrow.Array, i int) (any, error) {
	if col.IsNull(i) {
		return nil, nil
	}
	switch arr := col.(type) {
	case *array.String:
		return arr.Value(i), nil
	case *array.LargeString:
		return arr.Value(i), nil
	case *array.Binary:
		return arr.Value(i), nil
	case *array.Boolean:
		return arr.Value(i), nil
	case *array.Int8:
		return arr.Value(i), nil
	case *array.Int16:
		return arr.Value(i), nil
	case *array.Int32:
		return arr.Value(i), nil
	case *array.Int64:
		return arr.Value(i), nil
	case *array.Uint8:
		return arr.Value(i), nil
	case *array.Uint16:
		return arr.Value(i), nil
	case *array.Uint32:
		return arr.Value(i), nil
	case *array.Uint64:
		return arr.Value(i), nil
	case *array.Float32:
		return arr.Value(i), nil
	case *array.Float64:
		return arr.Value(i), nil
	case *array.Dictionary:
		return columnValue(arr.Dictionary(), arr.GetValueIndex(i))
	default:
		return col.ValueStr(i), nil
	}
}
