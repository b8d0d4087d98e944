// Package config loads the cnpjsync runtime configuration.
//
// Values come, in increasing precedence, from built-in defaults, an optional
// config file (config.toml, config.yaml or config.json in the working
// directory or the base data directory), a .env file and the process
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backend type names.
const (
	StorageRclone     = "rclone"
	StorageFileSystem = "filesystem"
	StorageS3         = "s3"
)

// DefaultZipURL is the public location of the bulk archive.
const DefaultZipURL = "https://file.opencnpj.org/cnpjs.zip"

// DefaultBaseURL is the Receita Federal open-data listing root.
const DefaultBaseURL = "https://arquivos.receitafederal.gov.br/dados/cnpj/dados_abertos_cnpj/"

// Config is the full runtime configuration.
type Config struct {
	Paths      PathsConfig      `mapstructure:"paths" toml:"paths"`
	Storage    StorageConfig    `mapstructure:"storage" toml:"storage"`
	Rclone     RcloneConfig     `mapstructure:"rclone" toml:"rclone"`
	S3         S3Config         `mapstructure:"s3" toml:"s3"`
	Engine     EngineConfig     `mapstructure:"engine" toml:"engine"`
	Export     ExportConfig     `mapstructure:"export" toml:"export"`
	Downloader DownloaderConfig `mapstructure:"downloader" toml:"downloader"`
	Verify     VerifyConfig     `mapstructure:"verify" toml:"verify"`
	Log        LogConfig        `mapstructure:"log" toml:"log"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard" toml:"dashboard"`
}

// PathsConfig holds the working directories. Empty entries derive from Base.
type PathsConfig struct {
	Base      string `mapstructure:"base" toml:"base"`
	Download  string `mapstructure:"download" toml:"download"`
	Extracted string `mapstructure:"extracted" toml:"extracted"`
	Parquet   string `mapstructure:"parquet" toml:"parquet"`
	Output    string `mapstructure:"output" toml:"output"`
	HashCache string `mapstructure:"hash_cache" toml:"hash_cache"`
	Temp      string `mapstructure:"temp" toml:"temp"`
	Logs      string `mapstructure:"logs" toml:"logs"`
}

// StorageConfig selects the publishing backend.
type StorageConfig struct {
	Type    string `mapstructure:"type" toml:"type"`
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	// FileSystemPath is the root the filesystem backend copies into.
	FileSystemPath string `mapstructure:"filesystem_path" toml:"filesystem_path"`
}

// RcloneConfig configures the rclone subprocess backend.
type RcloneConfig struct {
	Binary            string        `mapstructure:"binary" toml:"binary"`
	Remote            string        `mapstructure:"remote" toml:"remote"`
	Transfers         int           `mapstructure:"transfers" toml:"transfers"`
	MaxConcurrent     int           `mapstructure:"max_concurrent" toml:"max_concurrent"`
	RetriesSleep      time.Duration `mapstructure:"retries_sleep" toml:"retries_sleep"`
	LowLevelRetries   int           `mapstructure:"low_level_retries" toml:"low_level_retries"`
	AvailabilityProbe time.Duration `mapstructure:"availability_probe" toml:"availability_probe"`
}

// S3Config configures the object storage backend.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" toml:"endpoint"`
	Bucket    string `mapstructure:"bucket" toml:"bucket"`
	Region    string `mapstructure:"region" toml:"region"`
	AccessKey string `mapstructure:"access_key" toml:"access_key"`
	SecretKey string `mapstructure:"secret_key" toml:"secret_key"`
	Prefix    string `mapstructure:"prefix" toml:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl" toml:"use_ssl"`
}

// EngineConfig configures the analytical engine.
type EngineConfig struct {
	InMemory               bool   `mapstructure:"in_memory" toml:"in_memory"`
	MemoryLimit            string `mapstructure:"memory_limit" toml:"memory_limit"`
	Threads                int    `mapstructure:"threads" toml:"threads"`
	PreserveInsertionOrder bool   `mapstructure:"preserve_insertion_order" toml:"preserve_insertion_order"`
}

// ExportConfig configures the shard export and the hash cache.
type ExportConfig struct {
	Parallel      int    `mapstructure:"parallel" toml:"parallel"`
	ParseParallel int    `mapstructure:"parse_parallel" toml:"parse_parallel"`
	Shards        int    `mapstructure:"shards" toml:"shards"`
	DiffChunk     int    `mapstructure:"diff_chunk" toml:"diff_chunk"`
	CommitBatch   int    `mapstructure:"commit_batch" toml:"commit_batch"`
	ZipURL        string `mapstructure:"zip_url" toml:"zip_url"`
}

// DownloaderConfig configures the fetcher.
type DownloaderConfig struct {
	BaseURL     string        `mapstructure:"base_url" toml:"base_url"`
	Parallel    int           `mapstructure:"parallel" toml:"parallel"`
	Retries     int           `mapstructure:"retries" toml:"retries"`
	Backoff     time.Duration `mapstructure:"backoff" toml:"backoff"`
	Timeout     time.Duration `mapstructure:"timeout" toml:"timeout"`
	BytesPerSec int           `mapstructure:"bytes_per_sec" toml:"bytes_per_sec"`
}

// VerifyConfig configures the integrity verifier.
type VerifyConfig struct {
	SampleSize  int `mapstructure:"sample_size" toml:"sample_size"`
	RichPerKind int `mapstructure:"rich_per_kind" toml:"rich_per_kind"`
	Parallel    int `mapstructure:"parallel" toml:"parallel"`
}

// LogConfig configures the optional rotating log file.
type LogConfig struct {
	File       bool `mapstructure:"file" toml:"file"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" toml:"max_age_days"`
}

// DashboardConfig configures the progress feed. Port 0 disables it.
type DashboardConfig struct {
	Port int `mapstructure:"port" toml:"port"`
}

// Default returns the built-in configuration. Paths are left empty and
// resolved against the base directory by Resolve.
func Default() *Config {
	cpus := runtime.NumCPU()
	return &Config{
		Storage: StorageConfig{
			Type:    StorageRclone,
			Enabled: true,
		},
		Rclone: RcloneConfig{
			Binary:            "rclone",
			Transfers:         32,
			MaxConcurrent:     4,
			RetriesSleep:      60 * time.Second,
			LowLevelRetries:   10,
			AvailabilityProbe: 10 * time.Second,
		},
		S3: S3Config{
			UseSSL: true,
		},
		Engine: EngineConfig{},
		Export: ExportConfig{
			Parallel:      min(cpus, 4),
			ParseParallel: cpus,
			Shards:        100,
			DiffChunk:     500,
			CommitBatch:   10000,
			ZipURL:        DefaultZipURL,
		},
		Downloader: DownloaderConfig{
			BaseURL:  DefaultBaseURL,
			Parallel: 4,
			Retries:  3,
			Backoff:  time.Second,
			Timeout:  2 * time.Hour,
		},
		Verify: VerifyConfig{
			SampleSize:  10,
			RichPerKind: 1,
			Parallel:    4,
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string][]string{
	"paths.base":                      {"OPENCNPJ_BASE_PATH"},
	"paths.download":                  {"OPENCNPJ_DOWNLOAD_PATH"},
	"paths.extracted":                 {"OPENCNPJ_EXTRACTED_DATA_PATH"},
	"paths.parquet":                   {"OPENCNPJ_PARQUET_DATA_PATH"},
	"paths.output":                    {"OPENCNPJ_OUTPUT_PATH"},
	"paths.hash_cache":                {"OPENCNPJ_HASH_CACHE_PATH"},
	"paths.temp":                      {"OPENCNPJ_TEMP_PATH"},
	"paths.logs":                      {"OPENCNPJ_LOGS_PATH"},
	"storage.type":                    {"STORAGE_TYPE"},
	"storage.enabled":                 {"STORAGE_ENABLED"},
	"storage.filesystem_path":         {"FILESYSTEM_OUTPUT_PATH"},
	"rclone.binary":                   {"RCLONE_BINARY"},
	"rclone.remote":                   {"RCLONE_REMOTE"},
	"rclone.transfers":                {"RCLONE_TRANSFERS"},
	"rclone.max_concurrent":           {"RCLONE_MAX_CONCURRENT"},
	"s3.endpoint":                     {"S3_ENDPOINT"},
	"s3.bucket":                       {"S3_BUCKET_NAME"},
	"s3.region":                       {"S3_REGION"},
	"s3.access_key":                   {"S3_ACCESS_KEY"},
	"s3.secret_key":                   {"S3_SECRET_KEY"},
	"s3.prefix":                       {"S3_PREFIX"},
	"s3.use_ssl":                      {"S3_USE_SSL"},
	"engine.in_memory":                {"DUCKDB_IN_MEMORY"},
	"engine.memory_limit":             {"DUCKDB_MEMORY_LIMIT"},
	"engine.threads":                  {"DUCKDB_THREADS"},
	"engine.preserve_insertion_order": {"DUCKDB_PRESERVE_ORDER"},
	"export.parallel":                 {"EXPORT_PARALLEL"},
	"export.parse_parallel":           {"NDJSON_MAX_PARALLEL"},
	"export.zip_url":                  {"ZIP_URL"},
	"downloader.parallel":             {"DOWNLOADER_PARALLEL"},
	"downloader.bytes_per_sec":        {"DOWNLOADER_BYTES_PER_SEC"},
	"verify.sample_size":              {"VERIFY_SAMPLE_SIZE"},
	"log.file":                        {"LOG_FILE"},
	"dashboard.port":                  {"DASHBOARD_PORT"},
}

// Load builds the configuration. configFile may be empty, in which case a
// file named config.{toml,yaml,json} is searched for and is optional.
func Load(configFile string) (*Config, error) {
	// Existing environment wins over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if base := os.Getenv("OPENCNPJ_BASE_PATH"); base != "" {
			v.AddConfigPath(base)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve fills empty paths from the base directory.
func (c *Config) Resolve() {
	if c.Paths.Base == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = "."
		}
		c.Paths.Base = filepath.Join(wd, "opencnpj_data")
	}

	derive := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.Paths.Base, name)
		}
	}
	derive(&c.Paths.Download, "downloads")
	derive(&c.Paths.Extracted, "extracted_data")
	derive(&c.Paths.Parquet, "parquet_data")
	derive(&c.Paths.Output, "output")
	derive(&c.Paths.HashCache, "hash_cache")
	derive(&c.Paths.Temp, "temp")
	derive(&c.Paths.Logs, "logs")

	if c.Storage.FileSystemPath == "" {
		c.Storage.FileSystemPath = c.Paths.Output
	}
	c.Storage.Type = strings.ToLower(strings.TrimSpace(c.Storage.Type))
}

// Validate checks pool widths and sampling bounds. Unknown storage types are
// accepted here and fall back to rclone at selection time.
func (c *Config) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"export.parallel", c.Export.Parallel},
		{"export.parse_parallel", c.Export.ParseParallel},
		{"export.shards", c.Export.Shards},
		{"export.diff_chunk", c.Export.DiffChunk},
		{"export.commit_batch", c.Export.CommitBatch},
		{"downloader.parallel", c.Downloader.Parallel},
		{"rclone.transfers", c.Rclone.Transfers},
		{"rclone.max_concurrent", c.Rclone.MaxConcurrent},
		{"verify.parallel", c.Verify.Parallel},
	}
	for _, chk := range checks {
		if chk.value < 1 {
			return fmt.Errorf("invalid %s: must be positive (got %d)", chk.name, chk.value)
		}
	}

	if c.Export.Shards > 100 {
		return fmt.Errorf("invalid export.shards: at most 100 two-digit shards (got %d)", c.Export.Shards)
	}
	if c.Downloader.Retries < 0 {
		return fmt.Errorf("invalid downloader.retries: must not be negative (got %d)", c.Downloader.Retries)
	}
	if c.Verify.SampleSize < 0 || c.Verify.RichPerKind < 0 {
		return fmt.Errorf("invalid verify sampling: sample_size=%d rich_per_kind=%d",
			c.Verify.SampleSize, c.Verify.RichPerKind)
	}
	return nil
}

// Dirs returns every working directory.
func (c *Config) Dirs() []string {
	return []string{
		c.Paths.Base,
		c.Paths.Download,
		c.Paths.Extracted,
		c.Paths.Parquet,
		c.Paths.Output,
		c.Paths.HashCache,
		c.Paths.Temp,
		c.Paths.Logs,
	}
}

// EnsureDirs creates the working directories and checks each is writable.
func (c *Config) EnsureDirs() error {
	for _, dir := range c.Dirs() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		if err := CheckWritable(dir); err != nil {
			return err
		}
	}
	return nil
}

// CheckWritable creates and removes a probe file in dir.
func CheckWritable(dir string) error {
	probe := filepath.Join(dir, ".test_write")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	_ = os.Remove(probe)
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.S3.SecretKey != "" {
		out.S3.SecretKey = "********"
	}
	if out.S3.AccessKey != "" {
		out.S3.AccessKey = "********"
	}
	return &out
}

// TOML renders the configuration as TOML.
func (c *Config) TOML() (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.String(), nil
}
