// Package config loads the m2sync configuration from YAML, .env and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultConfigFile is read when no --config flag is given.
const DefaultConfigFile = "m2sync.yaml"

// Config is the top-level configuration.
type Config struct {
	Magento   MagentoConfig    `mapstructure:"magento"`
	Store     StoreConfig      `mapstructure:"store"`
	Sync      SyncConfig       `mapstructure:"sync"`
	DataTypes []DataTypeConfig `mapstructure:"data_types"`
	Export    ExportConfig     `mapstructure:"export"`
	Reports   ReportsConfig    `mapstructure:"reports"`
	Log       LogConfig        `mapstructure:"log"`
	API       APIConfig        `mapstructure:"api"`
}

// MagentoConfig holds the REST API connection settings.
type MagentoConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	AccessToken string        `mapstructure:"access_token"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	OTP         string        `mapstructure:"otp"`
	PageSize    int           `mapstructure:"page_size"`
	PageDelay   time.Duration `mapstructure:"page_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects the store gateway.
type StoreConfig struct {
	Kind       string `mapstructure:"kind"` // sqlite, postgres, duckdb or memory
	Path       string `mapstructure:"path"`
	DSN        string `mapstructure:"dsn"`
	DriverPath string `mapstructure:"driver_path"`
}

// SyncConfig controls the date window and the applier.
type SyncConfig struct {
	From          string        `mapstructure:"from"`
	To            string        `mapstructure:"to"`
	Reset         bool          `mapstructure:"reset"`
	DryRun        bool          `mapstructure:"dry_run"`
	Verify        bool          `mapstructure:"verify"`
	ProgressEvery int           `mapstructure:"progress_every"`
	UpsertTimeout time.Duration `mapstructure:"upsert_timeout"`
	Retries       int           `mapstructure:"retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// DataTypeConfig describes one reconciled data type.
type DataTypeConfig struct {
	Name         string   `mapstructure:"name"`
	Table        string   `mapstructure:"table"`
	Identity     string   `mapstructure:"identity"`
	IgnoreFields []string `mapstructure:"ignore_fields"`
	Source       string   `mapstructure:"source"` // magento or file
	File         string   `mapstructure:"file"`
	Format       string   `mapstructure:"format"` // csv or parquet
}

// ExportConfig enables bucket exports when Dir is set.
type ExportConfig struct {
	Dir    string `mapstructure:"dir"`
	Format string `mapstructure:"format"`
}

// ReportsConfig sets where cycle reports are written.
type ReportsConfig struct {
	Dir string `mapstructure:"dir"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// APIConfig controls the report server.
type APIConfig struct {
	Port int `mapstructure:"port"`
}

// envAliases are the short variable names accepted next to the M2SYNC_ ones.
var envAliases = map[string]string{
	"magento.base_url":     "M2_BASE_URL",
	"magento.access_token": "M2_ACCESS_TOKEN",
	"magento.username":     "M2_USERNAME",
	"magento.password":     "M2_PASSWORD",
	"magento.otp":          "M2_OTP",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("magento.base_url", "")
	v.SetDefault("magento.access_token", "")
	v.SetDefault("magento.username", "")
	v.SetDefault("magento.password", "")
	v.SetDefault("magento.otp", "")
	v.SetDefault("magento.page_size", 50)
	v.SetDefault("magento.page_delay", time.Second)
	v.SetDefault("magento.timeout", 60*time.Second)

	v.SetDefault("store.kind", "sqlite")
	v.SetDefault("store.path", "m2sync.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.driver_path", "")

	v.SetDefault("sync.from", "")
	v.SetDefault("sync.to", "")
	v.SetDefault("sync.reset", false)
	v.SetDefault("sync.dry_run", false)
	v.SetDefault("sync.verify", false)
	v.SetDefault("sync.progress_every", 10)
	v.SetDefault("sync.upsert_timeout", 30*time.Second)
	v.SetDefault("sync.retries", 0)
	v.SetDefault("sync.retry_backoff", 500*time.Millisecond)

	v.SetDefault("data_types", []map[string]any{
		{"name": "orders", "table": "orders", "identity": "Line_ID", "source": "magento"},
		{"name": "customers", "table": "customers", "identity": "Customer_ID", "source": "magento",
			"ignore_fields": []string{"Account_Age_Days"}},
	})

	v.SetDefault("export.dir", "")
	v.SetDefault("export.format", "json")
	v.SetDefault("reports.dir", "reports")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "m2sync.log")
	v.SetDefault("api.port", 8080)
}

// LoadConfig reads the configuration. An empty path reads DefaultConfigFile
// when it exists and falls back to defaults and environment otherwise.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("M2SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		envKey := "M2SYNC_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, alias); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills per-data-type fields derived from others.
func (c *Config) applyDefaults() {
	for i := range c.DataTypes {
		dt := &c.DataTypes[i]
		if dt.Table == "" {
			dt.Table = dt.Name
		}
		if dt.Source == "" {
			dt.Source = "magento"
		}
	}
}

// DataType returns the data type with the given name.
func (c *Config) DataType(name string) (DataTypeConfig, bool) {
	for _, dt := range c.DataTypes {
		if dt.Name == name {
			return dt, true
		}
	}
	return DataTypeConfig{}, false
}

// UsesMagento reports whether any data type is fetched from Magento.
func (c *Config) UsesMagento() bool {
	for _, dt := range c.DataTypes {
		if dt.Source == "magento" {
			return true
		}
	}
	return false
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := validate(len(c.DataTypes) > 0, "at least one data type must be configured"); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.DataTypes))
	for i := range c.DataTypes {
		dt := &c.DataTypes[i]
		if err := dt.Validate(); err != nil {
			return err
		}
		if err := validate(!seen[dt.Name], "duplicate data type %q", dt.Name); err != nil {
			return err
		}
		seen[dt.Name] = true
	}
	if c.UsesMagento() {
		if err := c.Magento.Validate(); err != nil {
			return err
		}
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	return c.Export.Validate()
}

// Validate checks the Magento settings.
func (m *MagentoConfig) Validate() error {
	if err := validate(m.BaseURL != "", "magento.base_url is required"); err != nil {
		return err
	}
	if err := validate(m.AccessToken != "" || (m.Username != "" && m.Password != ""),
		"magento.access_token or magento.username and magento.password are required"); err != nil {
		return err
	}
	return validate(m.PageSize > 0, "magento.page_size must be positive, got %d", m.PageSize)
}

// Validate checks the store settings.
func (s *StoreConfig) Validate() error {
	switch s.Kind {
	case "sqlite", "memory":
		return nil
	case "postgres":
		return validate(s.DSN != "", "store.dsn is required for postgres")
	case "duckdb":
		return validate(s.DriverPath != "", "store.driver_path is required for duckdb")
	default:
		return fmt.Errorf("unsupported store kind %q", s.Kind)
	}
}

// Validate checks the sync settings. Dates are parsed when the window is built.
func (s *SyncConfig) Validate() error {
	if err := validate(s.ProgressEvery >= 0, "sync.progress_every must not be negative"); err != nil {
		return err
	}
	return validate(s.Retries >= 0, "sync.retries must not be negative")
}

// Validate checks one data type.
func (d *DataTypeConfig) Validate() error {
	if err := validate(d.Name != "", "data type name is required"); err != nil {
		return err
	}
	if err := validate(d.Identity != "", "data type %s: identity is required", d.Name); err != nil {
		return err
	}
	switch d.Source {
	case "magento":
		return validate(d.Name == "orders" || d.Name == "customers",
			"data type %s: magento source supports orders and customers", d.Name)
	case "file":
		if err := validate(d.File != "", "data type %s: file is required", d.Name); err != nil {
			return err
		}
		return validate(d.Format == "csv" || d.Format == "parquet",
			"data type %s: format must be csv or parquet, got %q", d.Name, d.Format)
	default:
		return fmt.Errorf("data type %s: unsupported source %q", d.Name, d.Source)
	}
}

// Validate checks the export settings.
func (e *ExportConfig) Validate() error {
	if e.Dir == "" {
		return nil
	}
	switch e.Format {
	case "json", "parquet", "arrow":
		return nil
	default:
		return fmt.Errorf("unsupported export format %q", e.Format)
	}
}

func validate(condition bool, format string, a ...any) error {
	if !condition {
		return fmt.Errorf(format, a...)
	}
	return nil
}
