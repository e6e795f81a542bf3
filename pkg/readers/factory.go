// Package readers loads datasets from local files.
package readers

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/TFMV/m2sync/pkg/core"
)

// Config configures a file reader.
type Config struct {
	// Type is the registered reader type ("csv", "parquet"). Empty means
	// infer from the file extension.
	Type string

	// Path is the file to read.
	Path string

	// BatchSize is the number of rows decoded per Arrow record.
	BatchSize int64
}

// DatasetReader reads one file into a Dataset.
type DatasetReader interface {
	// ReadDataset reads every row, keyed by identity.
	ReadDataset(ctx context.Context, identity string) (*core.Dataset, error)
}

// Factory creates a reader based on the given configuration.
type Factory struct {
	// registered readers by type
	readers map[string]Creator
}

// Creator is a function that creates a reader from a configuration.
type Creator func(config Config) (DatasetReader, error)

// NewFactory creates a new reader factory.
func NewFactory() *Factory {
	return &Factory{
		readers: make(map[string]Creator),
	}
}

// Register registers a creator for a reader type.
func (f *Factory) Register(typ string, creator Creator) {
	f.readers[typ] = creator
}

// Create creates a reader based on the given configuration.
func (f *Factory) Create(config Config) (DatasetReader, error) {
	typ := config.Type
	if typ == "" {
		typ = strings.TrimPrefix(strings.ToLower(filepath.Ext(config.Path)), ".")
	}
	creator, ok := f.readers[typ]
	if !ok {
		return nil, fmt.Errorf("%w: reader type %q", core.ErrUnsupported, typ)
	}
	return creator(config)
}

// DefaultFactory is the default reader factory with built-in reader types.
var DefaultFactory = NewFactory()

func init() {
	DefaultFactory.Register("csv", NewCSVReader)
	DefaultFactory.Register("parquet", NewParquetReader)
}

const defaultBatchSize = 10000

func batchSize(n int64) int64 {
	if n <= 0 {
		return defaultBatchSize
	}
	return n
}
