package readers

import (
	"context"
	stdcsv "encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/m2sync/pkg/core"
	"github.com/TFMV/m2sync/utils"
)

// CSVReader reads a CSV file with a header row. Every column is read as
// text so identifiers like "000000100" keep their leading zeros.
type CSVReader struct {
	path      string
	batchSize int64
	alloc     memory.Allocator
}

// NewCSVReader creates a new CSV reader.
func NewCSVReader(config Config) (DatasetReader, error) {
	if config.Path == "" {
		return nil, errors.New("path is required for CSV reader")
	}
	return &CSVReader{
		path:      config.Path,
		batchSize: batchSize(config.BatchSize),
		alloc:     memory.NewGoAllocator(),
	}, nil
}

func (r *CSVReader) ReadDataset(ctx context.Context, identity string) (*core.Dataset, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer f.Close()

	header, err := stdcsv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return core.EmptyDataset(identity), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind CSV file: %w", err)
	}

	reader := csv.NewReader(
		f,
		utils.TextSchema(header),
		csv.WithHeader(true),
		csv.WithChunk(int(r.batchSize)),
		csv.WithAllocator(r.alloc),
	)
	defer reader.Release()

	b := core.NewDatasetBuilder(identity, header...)
	for reader.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := utils.AppendRecord(b, reader.Record()); err != nil {
			return nil, err
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	return b.Build(), nil
}
