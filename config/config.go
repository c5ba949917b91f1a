package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/vmail/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	// Examples:
	//   Single host: ["db.example.com"]
	//   With ports: ["db1:5432", "db2:5433"]
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`
	MinConns        int         `toml:"min_conns"`
	MaxConnLifetime string      `toml:"max_conn_lifetime"`
	MaxConnIdleTime string      `toml:"max_conn_idle_time"`
	QueryTimeout    string      `toml:"query_timeout"`
}

// DatabaseConfig holds database configuration with separate read/write endpoints
type DatabaseConfig struct {
	Debug            bool                    `toml:"debug"`
	QueryTimeout     string                  `toml:"query_timeout"`
	WriteTimeout     string                  `toml:"write_timeout"`
	MigrationTimeout string                  `toml:"migration_timeout"`
	AutoMigrate      bool                    `toml:"auto_migrate"` // Run pending migrations when the daemon starts
	Write            *DatabaseEndpointConfig `toml:"write"`
	Read             *DatabaseEndpointConfig `toml:"read"` // Optional; falls back to write
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetQueryTimeout parses the query timeout duration for an endpoint.
// Zero means the caller applies the database-wide default.
func (e *DatabaseEndpointConfig) GetQueryTimeout() (time.Duration, error) {
	if e.QueryTimeout == "" {
		return 0, nil
	}
	return helpers.ParseDuration(e.QueryTimeout)
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetWriteTimeout parses the write timeout duration
func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// ARIConfig holds the Asterisk REST Interface connection settings.
type ARIConfig struct {
	URL          string   `toml:"url"` // e.g. "http://localhost:8088/ari"
	Username     string   `toml:"username"`
	Password     string   `toml:"password"`
	Applications []string `toml:"applications"`
	// Websocket reconnect backoff
	ReconnectInitial string `toml:"reconnect_initial"`
	ReconnectMax     string `toml:"reconnect_max"`
	RequestTimeout   string `toml:"request_timeout"`
}

// GetReconnectInitial parses the first reconnect delay
func (a *ARIConfig) GetReconnectInitial() (time.Duration, error) {
	if a.ReconnectInitial == "" {
		return time.Second, nil
	}
	return helpers.ParseDuration(a.ReconnectInitial)
}

// GetReconnectMax parses the reconnect delay ceiling
func (a *ARIConfig) GetReconnectMax() (time.Duration, error) {
	if a.ReconnectMax == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(a.ReconnectMax)
}

// GetRequestTimeout parses the per-command REST timeout
func (a *ARIConfig) GetRequestTimeout() (time.Duration, error) {
	if a.RequestTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(a.RequestTimeout)
}

// FolderConfig is a folder seeded by vmail-admin seed.
type FolderConfig struct {
	Name      string `toml:"name"`
	Recording string `toml:"recording"`
	DTMF      string `toml:"dtmf"`
}

// VoicemailConfig holds call flow settings.
type VoicemailConfig struct {
	DefaultDomain string `toml:"default_domain"`
	// Failed mailbox/password attempts before the call is dropped. 0 means unlimited.
	MaxAuthAttempts int `toml:"max_auth_attempts"`
	// Built-in defaults of the layered mailbox config (maxsilence, maxduration, format, email_notify, ...)
	Options   map[string]interface{} `toml:"options"`
	Folders   []FolderConfig         `toml:"folders"`
	AuthLimit AuthLimitConfig        `toml:"auth_limit"`
}

// AuthLimitConfig locks a mailbox against password guessing across calls
type AuthLimitConfig struct {
	Enabled         bool   `toml:"enabled"`
	MaxFailures     int    `toml:"max_failures"`     // failures within the window before the mailbox is blocked
	Window          string `toml:"window"`           // failures older than this are forgotten
	BlockDuration   string `toml:"block_duration"`   // how long a blocked mailbox refuses every password
	CleanupInterval string `toml:"cleanup_interval"` // how often expired entries are dropped
}

// GetWindow parses the failure window
func (a *AuthLimitConfig) GetWindow() (time.Duration, error) {
	if a.Window == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(a.Window)
}

// GetBlockDuration parses the block duration
func (a *AuthLimitConfig) GetBlockDuration() (time.Duration, error) {
	if a.BlockDuration == "" {
		return 15 * time.Minute, nil
	}
	return helpers.ParseDuration(a.BlockDuration)
}

// GetCleanupInterval parses the cleanup interval
func (a *AuthLimitConfig) GetCleanupInterval() (time.Duration, error) {
	if a.CleanupInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(a.CleanupInterval)
}

// GetDefaultDomain returns the context used when the dialplan passes none
func (v *VoicemailConfig) GetDefaultDomain() string {
	if v.DefaultDomain == "" {
		return "default"
	}
	return v.DefaultDomain
}

// GetOptions returns the option defaults rendered as strings.
func (v *VoicemailConfig) GetOptions() map[string]string {
	out := make(map[string]string, len(v.Options))
	for k, val := range v.Options {
		out[k] = fmt.Sprint(val)
	}
	return out
}

// S3Config holds S3 configuration.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"`
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"` // 64 hex characters
}

// IsConfigured reports whether archival to S3 is possible
func (s *S3Config) IsConfigured() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// LocalCacheConfig holds local disk cache configuration.
type LocalCacheConfig struct {
	Capacity      string `toml:"capacity"`
	MaxObjectSize string `toml:"max_object_size"`
	Path          string `toml:"path"`
	PurgeInterval string `toml:"purge_interval"`
}

// GetCapacity parses the cache capacity size
func (c *LocalCacheConfig) GetCapacity() (int64, error) {
	if c.Capacity == "" {
		c.Capacity = "1gb"
	}
	return helpers.ParseSize(c.Capacity)
}

// GetMaxObjectSize parses the max object size
func (c *LocalCacheConfig) GetMaxObjectSize() (int64, error) {
	if c.MaxObjectSize == "" {
		c.MaxObjectSize = "20mb"
	}
	return helpers.ParseSize(c.MaxObjectSize)
}

// GetPurgeInterval parses the purge interval duration
func (c *LocalCacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		c.PurgeInterval = "12h"
	}
	return helpers.ParseDuration(c.PurgeInterval)
}

// ArchiverConfig holds the recording archive worker configuration.
type ArchiverConfig struct {
	Enabled     bool   `toml:"enabled"`
	BatchSize   int    `toml:"batch_size"`
	Concurrency int    `toml:"concurrency"`
	MaxAttempts int    `toml:"max_attempts"`
	Interval    string `toml:"interval"`
}

// GetInterval parses the polling interval
func (c *ArchiverConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		c.Interval = "30s"
	}
	return helpers.ParseDuration(c.Interval)
}

// NotifyConfig holds the SMTP relay used for new voicemail emails
type NotifyConfig struct {
	SMTPHost        string `toml:"smtp_host"` // e.g. "smtp.example.com:587"
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"`
	SMTPTLSVerify   bool   `toml:"smtp_tls_verify"`
	SMTPUsername    string `toml:"smtp_username"`
	SMTPPassword    string `toml:"smtp_password"`
	From            string `toml:"from"`
	AttachAudio     bool   `toml:"attach_audio"`
	Timeout         string `toml:"timeout"`

	CircuitBreakerThreshold int    `toml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   string `toml:"circuit_breaker_timeout"`
}

// IsConfigured returns true if an SMTP relay is set
func (n *NotifyConfig) IsConfigured() bool {
	return n.SMTPHost != ""
}

// GetTimeout parses the SMTP dial and command timeout
func (n *NotifyConfig) GetTimeout() (time.Duration, error) {
	if n.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(n.Timeout)
}

// GetCircuitBreakerThreshold returns the circuit breaker failure threshold with default
func (n *NotifyConfig) GetCircuitBreakerThreshold() int {
	if n.CircuitBreakerThreshold <= 0 {
		return 5
	}
	return n.CircuitBreakerThreshold
}

// GetCircuitBreakerTimeout returns the circuit breaker timeout with default
func (n *NotifyConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	if n.CircuitBreakerTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(n.CircuitBreakerTimeout)
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Database   DatabaseConfig   `toml:"database"`
	ARI        ARIConfig        `toml:"ari"`
	Voicemail  VoicemailConfig  `toml:"voicemail"`
	S3         S3Config         `toml:"s3"`
	LocalCache LocalCacheConfig `toml:"local_cache"`
	Archiver   ArchiverConfig   `toml:"archiver"`
	Notify     NotifyConfig     `toml:"notify"`
	HTTPAPI    HTTPAPIConfig    `toml:"http_api"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			QueryTimeout: "30s",
			WriteTimeout: "10s",
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Name:            "vmail",
				MaxConns:        20,
				MinConns:        2,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		ARI: ARIConfig{
			URL:              "http://localhost:8088/ari",
			Username:         "asterisk",
			Applications:     []string{"voicemail", "voicemail-main"},
			ReconnectInitial: "1s",
			ReconnectMax:     "30s",
			RequestTimeout:   "10s",
		},
		Voicemail: VoicemailConfig{
			DefaultDomain:   "default",
			MaxAuthAttempts: 3,
			Options: map[string]interface{}{
				"maxsilence":   10,
				"maxduration":  180,
				"format":       "wav",
				"email_notify": false,
			},
			Folders: []FolderConfig{
				{Name: "INBOX", Recording: "sound:vm-INBOX", DTMF: "0"},
				{Name: "Old", Recording: "sound:vm-Old", DTMF: "1"},
				{Name: "Work", Recording: "sound:vm-Work", DTMF: "2"},
				{Name: "Family", Recording: "sound:vm-Family", DTMF: "3"},
				{Name: "Friends", Recording: "sound:vm-Friends", DTMF: "4"},
			},
			AuthLimit: AuthLimitConfig{
				MaxFailures:     10,
				Window:          "30m",
				BlockDuration:   "15m",
				CleanupInterval: "1m",
			},
		},
		LocalCache: LocalCacheConfig{
			Capacity:      "1gb",
			MaxObjectSize: "20mb",
			Path:          "/var/cache/vmail",
			PurgeInterval: "12h",
		},
		Archiver: ArchiverConfig{
			BatchSize:   20,
			Concurrency: 4,
			MaxAttempts: 5,
			Interval:    "30s",
		},
		Notify: NotifyConfig{
			SMTPTLSVerify: true,
			From:          "voicemail@localhost",
			Timeout:       "30s",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: ":8090",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

// LoadConfigFromFile decodes configPath over cfg. Unknown keys are logged
// and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	if c.Database.Write == nil || len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("database.write.hosts is required")
	}
	if c.ARI.URL == "" {
		return fmt.Errorf("ari.url is required")
	}
	if len(c.ARI.Applications) == 0 {
		return fmt.Errorf("ari.applications must not be empty")
	}
	if c.Voicemail.MaxAuthAttempts < 0 {
		return fmt.Errorf("voicemail.max_auth_attempts must not be negative")
	}
	if c.Voicemail.AuthLimit.Enabled && c.Voicemail.AuthLimit.MaxFailures <= 0 {
		return fmt.Errorf("voicemail.auth_limit.max_failures must be positive when enabled")
	}
	seen := make(map[string]bool)
	for _, f := range c.Voicemail.Folders {
		if len(f.DTMF) != 1 || !strings.ContainsAny(f.DTMF, "0123456789") {
			return fmt.Errorf("folder %q: dtmf must be a single digit, got %q", f.Name, f.DTMF)
		}
		if seen[f.DTMF] {
			return fmt.Errorf("folder %q: dtmf %q already used", f.Name, f.DTMF)
		}
		seen[f.DTMF] = true
	}
	if c.S3.Encrypt && len(c.S3.EncryptionKey) != 64 {
		return fmt.Errorf("s3.encryption_key must be 64 hex characters when encryption is enabled")
	}
	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when the HTTP API is started")
	}
	return nil
}

// enhanceConfigError adds hints for common TOML mistakes
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: In TOML, boolean values must be exactly 'true' or 'false'", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}

	case reflect.Interface:
		if !v.IsNil() {
			elem := v.Elem()
			if elem.Kind() == reflect.String {
				v.Set(reflect.ValueOf(strings.TrimSpace(elem.String())))
			}
		}
	}
}
