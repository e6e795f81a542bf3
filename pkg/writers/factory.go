// Package writers exports datasets to files.
package writers

import (
	"context"
	"fmt"

	"github.com/TFMV/m2sync/pkg/core"
)

// Config configures a file writer.
type Config struct {
	// Type is the registered writer type ("json", "parquet", "arrow").
	Type string

	// Path is the output file. It is created or truncated.
	Path string
}

// DatasetWriter writes datasets to one file. Every Write must carry the
// same field list as the first.
type DatasetWriter interface {
	Write(ctx context.Context, ds *core.Dataset) error
	Close() error
}

// Factory creates a writer based on the given configuration.
type Factory struct {
	// registered writers by type
	writers map[string]Creator
}

// Creator is a function that creates a writer from a configuration.
type Creator func(config Config) (DatasetWriter, error)

// NewFactory creates a new writer factory.
func NewFactory() *Factory {
	return &Factory{
		writers: make(map[string]Creator),
	}
}

// Register registers a creator for a writer type.
func (f *Factory) Register(typ string, creator Creator) {
	f.writers[typ] = creator
}

// Create creates a writer based on the given configuration.
func (f *Factory) Create(config Config) (DatasetWriter, error) {
	creator, ok := f.writers[config.Type]
	if !ok {
		return nil, fmt.Errorf("%w: writer type %q", core.ErrUnsupported, config.Type)
	}
	return creator(config)
}

// DefaultFactory is the default writer factory with built-in writer types.
var DefaultFactory = NewFactory()

func init() {
	DefaultFactory.Register("parquet", NewParquetWriter)
	DefaultFactory.Register("arrow", NewArrowWriter)
	DefaultFactory.Register("json", NewJSONWriter)
}

// Extension returns the file extension used for a writer type.
func Extension(typ string) string {
	switch typ {
	case "arrow":
		return "arrow"
	case "parquet":
		return "parquet"
	default:
		return "json"
	}
}

// WriteFile writes ds to path in one call.
func WriteFile(ctx context.Context, typ, path string, ds *core.Dataset) (err error) {
	w, err := DefaultFactory.Create(Config{Type: typ, Path: path})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return w.Write(ctx, ds)
}
