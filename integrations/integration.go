// Package integrations opens the store gateways that hold synchronized tables.
// Each backend registers itself with DefaultFactory from its own package.
package integrations

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/TFMV/m2sync/pkg/core"
)

// Options define the configuration for opening a store.
type Options struct {
	// Path to the database file ("" => in-memory where supported)
	Path string

	// DSN is the connection string for server databases.
	DSN string

	// DriverPath is the location of a native driver library, if empty => auto-detect
	DriverPath string

	// Context for new database/connection usage
	Context context.Context

	// Logger receives gateway diagnostics
	Logger *zap.Logger
}

// Option is a functional config approach.
type Option func(*Options)

// WithPath sets a file path for the database.
func WithPath(p string) Option {
	return func(o *Options) {
		o.Path = p
	}
}

// WithDSN sets the connection string.
func WithDSN(dsn string) Option {
	return func(o *Options) {
		o.DSN = dsn
	}
}

// WithDriverPath sets the path to a native driver library.
func WithDriverPath(p string) Option {
	return func(o *Options) {
		o.DriverPath = p
	}
}

// WithContext sets a custom Context for DB usage.
func WithContext(ctx context.Context) Option {
	return func(o *Options) {
		o.Context = ctx
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Apply resolves options with defaults filled in.
func Apply(options ...Option) Options {
	var opts Options
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// Creator opens a gateway from resolved options.
type Creator func(opts Options) (core.StoreGateway, error)

// Factory creates gateways by store kind.
type Factory struct {
	mu       sync.RWMutex
	creators map[string]Creator
}

// NewFactory creates a new gateway factory.
func NewFactory() *Factory {
	return &Factory{
		creators: make(map[string]Creator),
	}
}

// Register registers a creator for a store kind.
func (f *Factory) Register(kind string, creator Creator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[kind] = creator
}

// Kinds returns the registered store kinds in sorted order.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]string, 0, len(f.creators))
	for k := range f.creators {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Open creates a gateway for kind.
func (f *Factory) Open(kind string, options ...Option) (core.StoreGateway, error) {
	f.mu.RLock()
	creator, ok := f.creators[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: store kind %q", core.ErrUnsupported, kind)
	}
	return creator(Apply(options...))
}

// DefaultFactory is the factory backends register with.
var DefaultFactory = NewFactory()

// Register registers a creator with DefaultFactory.
func Register(kind string, creator Creator) {
	DefaultFactory.Register(kind, creator)
}

// Open creates a gateway from DefaultFactory.
func Open(kind string, options ...Option) (core.StoreGateway, error) {
	return DefaultFactory.Open(kind, options...)
}
