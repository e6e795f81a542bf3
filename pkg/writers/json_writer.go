package writers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/TFMV/m2sync/pkg/core"
)

// JSONWriter writes records as a JSON array of objects.
type JSONWriter struct {
	file     *os.File
	firstRow bool
}

// NewJSONWriter creates a new JSON writer.
func NewJSONWriter(config Config) (DatasetWriter, error) {
	if config.Path == "" {
		return nil, errors.New("path is required for JSON writer")
	}

	file, err := os.Create(config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create JSON file: %w", err)
	}
	if _, err := file.WriteString("["); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write opening bracket: %w", err)
	}

	return &JSONWriter{file: file, firstRow: true}, nil
}

func (w *JSONWriter) Write(ctx context.Context, ds *core.Dataset) error {
	for i, rec := range ds.Records() {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}

		sep := ",\n  "
		if w.firstRow {
			sep = "\n  "
			w.firstRow = false
		}
		if _, err := w.file.WriteString(sep); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		if _, err := w.file.Write(data); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	return nil
}

// Close writes the closing bracket and closes the file.
func (w *JSONWriter) Close() error {
	if w.file == nil {
		return nil
	}

	closing := "\n]\n"
	if w.firstRow {
		closing = "]\n"
	}
	_, err := w.file.WriteString(closing)
	if closeErr := w.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	w.file = nil
	return err
}
