// Package config provides configuration management for the ScanVault core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/scanvault/backend/internal/crypto"
	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCANVAULT_"

// Defaults.
const (
	DefaultValidationCacheTTLHours   = 24
	DefaultValidationRetentionDays   = 30
	DefaultMaxCacheSizeBytes         = ByteSize(100 << 20)
	DefaultMaxCacheItemCount         = 50
	DefaultThumbnailMaxSizeBytes     = ByteSize(10 << 20)
	DefaultThumbnailMaxItemCount     = 200
	DefaultThumbnailWidth            = 320
	DefaultPeriodicSyncIntervalHours = 2
	DefaultScanSyncDebounceHours     = 1
	DefaultNetworkTimeoutSeconds     = 30
)

// ByteSize is a size in bytes. In YAML and environment values it accepts a
// plain integer or a human string such as "100MB" or "10 MiB".
type ByteSize int64

// ParseByteSize parses an integer or human-readable size.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseByteSize(node.Value)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return int64(b), nil
}

// String renders the size for humans.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// GatewayConfig configures the remote backend client.
type GatewayConfig struct {
	BaseURL  string `yaml:"base_url,omitempty"`
	APIToken string `yaml:"api_token,omitempty"`
	// ProxyURL may be http(s):// or socks5://.
	ProxyURL string `yaml:"proxy_url,omitempty"`
}

// MirrorConfig configures the optional S3-compatible asset mirror.
type MirrorConfig struct {
	Provider        string `yaml:"provider,omitempty"` // aws, minio, r2
	Endpoint        string `yaml:"endpoint,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	AccountID       string `yaml:"account_id,omitempty"`
	UseSSL          bool   `yaml:"use_ssl,omitempty"`
}

// Enabled reports whether a mirror is configured.
func (m MirrorConfig) Enabled() bool {
	return m.Provider != "" && m.Bucket != ""
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // json, console
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// DesktopConfig configures the local desktop HTTP server.
type DesktopConfig struct {
	Listen string `yaml:"listen,omitempty"`
	// ValidateRate uses the limiter format, e.g. "30-M" for 30 per minute.
	ValidateRate string `yaml:"validate_rate,omitempty"`
}

// Config holds the core configuration.
type Config struct {
	DataDir string `yaml:"data_dir,omitempty"`

	ValidationCacheTTLHours int `yaml:"validation_cache_ttl_hours"`
	ValidationRetentionDays int `yaml:"validation_retention_days"`

	MaxCacheSizeBytes     ByteSize `yaml:"max_cache_size_bytes"`
	MaxCacheItemCount     int      `yaml:"max_cache_item_count"`
	ThumbnailMaxSizeBytes ByteSize `yaml:"thumbnail_max_size_bytes"`
	ThumbnailMaxItemCount int      `yaml:"thumbnail_max_item_count"`
	ThumbnailWidth        int      `yaml:"thumbnail_width"`

	PeriodicSyncIntervalHours int `yaml:"periodic_sync_interval_hours"`
	ScanSyncDebounceHours     int `yaml:"scan_sync_debounce_hours"`
	NetworkTimeoutSeconds     int `yaml:"network_timeout_seconds"`

	Gateway GatewayConfig `yaml:"gateway,omitempty"`
	Mirror  MirrorConfig  `yaml:"mirror,omitempty"`
	Log     LogConfig     `yaml:"log,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Desktop DesktopConfig `yaml:"desktop,omitempty"`
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		DataDir:                   defaultDataDir(),
		ValidationCacheTTLHours:   DefaultValidationCacheTTLHours,
		ValidationRetentionDays:   DefaultValidationRetentionDays,
		MaxCacheSizeBytes:         DefaultMaxCacheSizeBytes,
		MaxCacheItemCount:         DefaultMaxCacheItemCount,
		ThumbnailMaxSizeBytes:     DefaultThumbnailMaxSizeBytes,
		ThumbnailMaxItemCount:     DefaultThumbnailMaxItemCount,
		ThumbnailWidth:            DefaultThumbnailWidth,
		PeriodicSyncIntervalHours: DefaultPeriodicSyncIntervalHours,
		ScanSyncDebounceHours:     DefaultScanSyncDebounceHours,
		NetworkTimeoutSeconds:     DefaultNetworkTimeoutSeconds,
		Log:                       LogConfig{Level: "info", Format: "json"},
		Desktop:                   DesktopConfig{Listen: "127.0.0.1:8787", ValidateRate: "60-M"},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".scanvault"
	}
	return filepath.Join(home, ".scanvault")
}

// DefaultConfigPath returns the default config file path (~/.scanvault/config.yml).
func DefaultConfigPath() string {
	return filepath.Join(defaultDataDir(), "config.yml")
}

// Load reads the configuration from path on top of the defaults, then
// applies environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrConfig, "parse config file", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, apperrors.Wrap(apperrors.ErrConfig, "read config file", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.unsealSecrets(crypto.MachineKey()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	sealed := *c
	if err := sealed.sealSecrets(crypto.MachineKey()); err != nil {
		return err
	}
	data, err := yaml.Marshal(&sealed)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	// Sealed, but still credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// secrets lists the fields stored sealed on disk.
func (c *Config) secrets() []*string {
	return []*string{&c.Gateway.APIToken, &c.Mirror.SecretAccessKey}
}

func (c *Config) sealSecrets(key []byte) error {
	for _, s := range c.secrets() {
		v, err := crypto.Seal(*s, key)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, "seal secret", err)
		}
		*s = v
	}
	return nil
}

func (c *Config) unsealSecrets(key []byte) error {
	for _, s := range c.secrets() {
		v, err := crypto.Unseal(*s, key)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, "secret was sealed on another machine", err)
		}
		*s = v
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, EnvPrefix+key, err)
		}
		*dst = n
		return nil
	}
	size := func(key string, dst *ByteSize) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := ParseByteSize(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, EnvPrefix+key, err)
		}
		*dst = n
		return nil
	}

	str("DATA_DIR", &c.DataDir)
	str("GATEWAY_URL", &c.Gateway.BaseURL)
	str("API_TOKEN", &c.Gateway.APIToken)
	str("PROXY_URL", &c.Gateway.ProxyURL)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("MIRROR_ACCESS_KEY_ID", &c.Mirror.AccessKeyID)
	str("MIRROR_SECRET_ACCESS_KEY", &c.Mirror.SecretAccessKey)

	for key, dst := range map[string]*int{
		"VALIDATION_CACHE_TTL_HOURS":   &c.ValidationCacheTTLHours,
		"VALIDATION_RETENTION_DAYS":    &c.ValidationRetentionDays,
		"MAX_CACHE_ITEM_COUNT":         &c.MaxCacheItemCount,
		"PERIODIC_SYNC_INTERVAL_HOURS": &c.PeriodicSyncIntervalHours,
		"SCAN_SYNC_DEBOUNCE_HOURS":     &c.ScanSyncDebounceHours,
		"NETWORK_TIMEOUT_SECONDS":      &c.NetworkTimeoutSeconds,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	if err := size("MAX_CACHE_SIZE_BYTES", &c.MaxCacheSizeBytes); err != nil {
		return err
	}
	return size("THUMBNAIL_MAX_SIZE_BYTES", &c.ThumbnailMaxSizeBytes)
}

// Validate rejects non-positive limits and intervals.
func (c *Config) Validate() error {
	checks := []struct {
		name  string
		value int64
	}{
		{"validation_cache_ttl_hours", int64(c.ValidationCacheTTLHours)},
		{"validation_retention_days", int64(c.ValidationRetentionDays)},
		{"max_cache_size_bytes", int64(c.MaxCacheSizeBytes)},
		{"max_cache_item_count", int64(c.MaxCacheItemCount)},
		{"thumbnail_max_size_bytes", int64(c.ThumbnailMaxSizeBytes)},
		{"thumbnail_max_item_count", int64(c.ThumbnailMaxItemCount)},
		{"thumbnail_width", int64(c.ThumbnailWidth)},
		{"periodic_sync_interval_hours", int64(c.PeriodicSyncIntervalHours)},
		{"scan_sync_debounce_hours", int64(c.ScanSyncDebounceHours)},
		{"network_timeout_seconds", int64(c.NetworkTimeoutSeconds)},
	}
	for _, chk := range checks {
		if chk.value <= 0 {
			return apperrors.Newf(apperrors.ErrConfig, "%s must be positive, got %d", chk.name, chk.value)
		}
	}
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrConfig, "data_dir is required")
	}
	if c.Mirror.Provider != "" {
		switch c.Mirror.Provider {
		case "aws", "minio", "r2":
		default:
			return apperrors.Newf(apperrors.ErrConfig, "unknown mirror provider %q", c.Mirror.Provider)
		}
	}
	return nil
}

// ValidationTTL returns the validation cache TTL.
func (c *Config) ValidationTTL() time.Duration {
	return time.Duration(c.ValidationCacheTTLHours) * time.Hour
}

// ValidationRetention returns how long validation records are kept.
func (c *Config) ValidationRetention() time.Duration {
	return time.Duration(c.ValidationRetentionDays) * 24 * time.Hour
}

// PeriodicSyncInterval returns the background sync interval.
func (c *Config) PeriodicSyncInterval() time.Duration {
	return time.Duration(c.PeriodicSyncIntervalHours) * time.Hour
}

// ScanSyncDebounce returns the per-template scan sync freshness window.
func (c *Config) ScanSyncDebounce() time.Duration {
	return time.Duration(c.ScanSyncDebounceHours) * time.Hour
}

// NetworkTimeout returns the per-request network timeout.
func (c *Config) NetworkTimeout() time.Duration {
	return time.Duration(c.NetworkTimeoutSeconds) * time.Second
}

// CacheDir returns the directory holding cached assets.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}
