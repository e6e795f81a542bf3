package readers

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/TFMV/m2sync/pkg/core"
	"github.com/TFMV/m2sync/utils"
)

// ParquetReader reads a Parquet file. Typed columns are normalized to text.
type ParquetReader struct {
	path      string
	batchSize int64
	alloc     memory.Allocator
}

// NewParquetReader creates a new Parquet reader.
func NewParquetReader(config Config) (DatasetReader, error) {
	if config.Path == "" {
		return nil, errors.New("path is required for Parquet reader")
	}
	return &ParquetReader{
		path:      config.Path,
		batchSize: batchSize(config.BatchSize),
		alloc:     memory.NewGoAllocator(),
	}, nil
}

func (r *ParquetReader) ReadDataset(ctx context.Context, identity string) (*core.Dataset, error) {
	parquetReader, err := file.OpenParquetFile(r.path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	defer parquetReader.Close()

	arrowReader, err := pqarrow.NewFileReader(parquetReader, pqarrow.ArrowReadProperties{
		Parallel:  true,
		BatchSize: r.batchSize,
	}, r.alloc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Arrow reader: %w", err)
	}

	rr, err := arrowReader.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create record reader: %w", err)
	}
	defer rr.Release()

	return utils.ReaderToDataset(rr, identity)
}
