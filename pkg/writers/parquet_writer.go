package writers

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/TFMV/m2sync/pkg/core"
	"github.com/TFMV/m2sync/utils"
)

// ParquetWriter writes datasets as Snappy-compressed Parquet with text columns.
type ParquetWriter struct {
	writer *pqarrow.FileWriter
	file   *os.File
	alloc  memory.Allocator
}

// NewParquetWriter creates a new Parquet writer.
func NewParquetWriter(config Config) (DatasetWriter, error) {
	if config.Path == "" {
		return nil, errors.New("path is required for Parquet writer")
	}

	file, err := os.Create(config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet file: %w", err)
	}

	// The writer is created on the first Write because it needs the schema.
	return &ParquetWriter{file: file, alloc: memory.NewGoAllocator()}, nil
}

func (w *ParquetWriter) Write(ctx context.Context, ds *core.Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	record := utils.DatasetToRecord(w.alloc, ds)
	defer record.Release()

	if w.writer == nil {
		writeProps := parquet.NewWriterProperties(
			parquet.WithCompression(compress.Codecs.Snappy),
			parquet.WithAllocator(w.alloc),
		)
		writer, err := pqarrow.NewFileWriter(record.Schema(), w.file, writeProps, pqarrow.NewArrowWriterProperties())
		if err != nil {
			return fmt.Errorf("failed to create Parquet writer: %w", err)
		}
		w.writer = writer
	}

	if err := w.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Close writes the file footer and closes the file.
func (w *ParquetWriter) Close() error {
	var err error
	if w.writer != nil {
		err = w.writer.Close()
		w.writer = nil
	}
	if w.file != nil {
		// The Parquet writer may already have closed the sink.
		if closeErr := w.file.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && err == nil {
			err = closeErr
		}
		w.file = nil
	}
	return err
}
