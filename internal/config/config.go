package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for tmlsync.
type Config struct {
	BaseDir  string         `toml:"base_dir"`
	LogDir   string         `toml:"log_dir"`
	LogLevel string         `toml:"log_level"` // debug, info, warn or error
	Upstream UpstreamConfig `toml:"upstream"`
	Database DatabaseConfig `toml:"database"`
	Schedule ScheduleConfig `toml:"schedule"`
	Cache    CacheConfig    `toml:"cache"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Scrape   ScrapeConfig   `toml:"scrape"`
}

// UpstreamConfig configures the Steam Web API client.
type UpstreamConfig struct {
	BaseURL   string   `toml:"base_url"`
	AppID     uint32   `toml:"app_id"`
	APIKey    string   `toml:"api_key,omitempty"`
	APIKeyEnv string   `toml:"api_key_env"` // env var consulted when api_key is empty
	Timeout   Duration `toml:"timeout"`
	PageSize  int      `toml:"page_size"`
}

// DatabaseConfig represents configuration for the catalog store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type     string `toml:"type"`                // "sqlite", "memory" or "postgres"
	DataDir  string `toml:"data_dir,omitempty"`  // only used for type=sqlite
	DSN      string `toml:"dsn,omitempty"`       // only used for type=postgres
	MaxConns int    `toml:"max_conns,omitempty"` // only used for type=postgres
}

// ScheduleConfig sets the daily sync trigger.
type ScheduleConfig struct {
	Time     string `toml:"time"`     // "HH:MM", 24h clock
	Timezone string `toml:"timezone"` // IANA name; defines the history day
}

// CacheConfig sets the read-path freshness windows.
type CacheConfig struct {
	ModTTL    Duration `toml:"mod_ttl"`
	AuthorTTL Duration `toml:"author_ttl"`
	CountTTL  Duration `toml:"count_ttl"`
	ScrapeTTL Duration `toml:"scrape_ttl"`
	Coalesce  bool     `toml:"coalesce"` // share one upstream call between concurrent misses
}

// ArchiveConfig represents configuration for snapshot export.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type"` // "none", "memory", "filesystem", "s3" or "minio"

	// filesystem
	Root string `toml:"root,omitempty"`

	// s3 and minio
	Bucket    string `toml:"bucket,omitempty"`
	Prefix    string `toml:"prefix,omitempty"`
	Region    string `toml:"region,omitempty"`
	Endpoint  string `toml:"endpoint,omitempty"`
	AccessKey string `toml:"access_key,omitempty"`
	SecretKey string `toml:"secret_key,omitempty"`
	UseSSL    bool   `toml:"use_ssl,omitempty"`

	// AgeRecipient encrypts exported snapshots to this age public key when set.
	AgeRecipient string `toml:"age_recipient,omitempty"`

	// BackupDatabase also exports a copy of the SQLite database after each cycle.
	BackupDatabase bool `toml:"backup_database,omitempty"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// ScrapeConfig configures the legacy author ranks scraper.
type ScrapeConfig struct {
	BaseURL string `toml:"base_url"`
}

// Defaults
const (
	DefaultUpstreamBaseURL = "https://api.steampowered.com"
	DefaultAppID           = 1281930
	DefaultAPIKeyEnv       = "STEAM_API_KEY"
	DefaultPageSize        = 10000
	DefaultScheduleTime    = "00:00"
	DefaultTimezone        = "UTC"
	DefaultListen          = ":8000"
	DefaultScrapeBaseURL   = "http://javid.ddns.net/tModLoader/tools"
)

// NewConfig creates a new Config rooted at baseDir with default settings.
func NewConfig(baseDir string) *Config {
	cfg := &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Archive:  ArchiveConfig{Type: "none"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamBaseURL
	}
	if c.Upstream.AppID == 0 {
		c.Upstream.AppID = DefaultAppID
	}
	if c.Upstream.APIKeyEnv == "" {
		c.Upstream.APIKeyEnv = DefaultAPIKeyEnv
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = Duration(30 * time.Second)
	}
	if c.Upstream.PageSize <= 0 {
		c.Upstream.PageSize = DefaultPageSize
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Schedule.Time == "" {
		c.Schedule.Time = DefaultScheduleTime
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = DefaultTimezone
	}
	if c.Cache.ModTTL == 0 {
		c.Cache.ModTTL = Duration(time.Hour)
	}
	if c.Cache.AuthorTTL == 0 {
		c.Cache.AuthorTTL = Duration(time.Hour)
	}
	if c.Cache.CountTTL == 0 {
		c.Cache.CountTTL = Duration(10 * time.Minute)
	}
	if c.Cache.ScrapeTTL == 0 {
		c.Cache.ScrapeTTL = Duration(time.Hour)
	}
	if c.Archive.Type == "" {
		c.Archive.Type = "none"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Scrape.BaseURL == "" {
		c.Scrape.BaseURL = DefaultScrapeBaseURL
	}
}

var scheduleTimePattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if !scheduleTimePattern.MatchString(c.Schedule.Time) {
		return fmt.Errorf("invalid schedule.time %q: want HH:MM", c.Schedule.Time)
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("invalid schedule.timezone %q: %w", c.Schedule.Timezone, err)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	switch c.Database.Type {
	case "sqlite", "memory", "postgres":
	default:
		return fmt.Errorf("unknown database type: %s", c.Database.Type)
	}
	switch c.Archive.Type {
	case "none", "memory", "filesystem", "s3", "minio":
	default:
		return fmt.Errorf("unknown archive type: %s", c.Archive.Type)
	}
	return nil
}

// ResolveAPIKey returns api_key, or the value of the api_key_env variable.
func (c *UpstreamConfig) ResolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// Location returns the schedule's reference timezone.
func (c *ScheduleConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader and applies defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// The file may hold the API key, so it is created owner-only.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
