// Package config handles loading and validation of Gamely configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// GAMELY_ prefix:
//
//	server.address → GAMELY_SERVER_ADDRESS
//	upstream.api_key → GAMELY_UPSTREAM_API_KEY
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via GAMELY_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/gamely/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level Gamely configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Upstream  UpstreamConfig  `yaml:"upstream"   envPrefix:"UPSTREAM_"`
	CORS      CORSConfig      `yaml:"cors"       envPrefix:"CORS_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Budget    BudgetConfig    `yaml:"budget"     envPrefix:"BUDGET_"`
	Cache     CacheConfig     `yaml:"cache"      envPrefix:"CACHE_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the public proxy server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// UpstreamConfig defines the third-party catalog API that Gamely shields.
// The API key is attached server-side as a query parameter on every outbound
// call and is never accepted from, or exposed to, clients.
type UpstreamConfig struct {
	URL             string         `yaml:"url"               env:"URL"`
	APIKey          RedactedString `yaml:"api_key"           env:"API_KEY"`
	Timeout         string         `yaml:"timeout"           env:"TIMEOUT"`
	MaxIdleConns    int            `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string         `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
}

// CORSConfig holds the origin whitelist for the pre-pipeline origin gate.
// Origins are compared exactly after trailing-slash trimming.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// RedisConfig holds connection and topology settings for the shared counter
// store. An empty endpoint list disables the store entirely: rate limiting
// and the global budget fail open, and every cache lookup is a miss.
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`

	// OpTimeout bounds each store round-trip made by the pipeline (rate-limit
	// check, cache lookup/store, budget consume) so a degraded store cannot
	// stall requests. The affected step falls open when the deadline fires.
	OpTimeout string `yaml:"op_timeout" env:"OP_TIMEOUT"`

	TLS RedisTLSConfig `yaml:"tls" envPrefix:"TLS_"`
}

// Enabled reports whether a shared counter store is configured.
func (rc RedisConfig) Enabled() bool { return len(rc.Endpoints) > 0 }

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// RateLimitConfig holds per-client sliding-window admission settings.
type RateLimitConfig struct {
	Requests  int64  `yaml:"requests"   env:"REQUESTS"`
	Window    string `yaml:"window"     env:"WINDOW"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`

	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are trusted when resolving the client identifier.
	// When empty, proxy headers are always trusted.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`

	// TrustedIPDepth controls which entry in X-Forwarded-For to use when the
	// request arrives through a trusted proxy chain. 0 uses the leftmost
	// (client-provided) entry; a positive N selects the Nth entry from the
	// right, added by the nearest trusted proxies.
	TrustedIPDepth int `yaml:"trusted_ip_depth" env:"TRUSTED_IP_DEPTH"`
}

// BudgetConfig caps total upstream calls across all clients per rolling window.
type BudgetConfig struct {
	MaxCalls int64  `yaml:"max_calls" env:"MAX_CALLS"`
	Window   string `yaml:"window"    env:"WINDOW"`
}

// CacheConfig holds response-cache settings.
type CacheConfig struct {
	TTL string        `yaml:"ttl" env:"TTL"`
	L1  CacheL1Config `yaml:"l1"  envPrefix:"L1_"`
}

// CacheL1Config tunes the optional in-process front cache that absorbs hot
// keys before they reach the store. It is advisory only; the store remains
// the shared source of truth across proxy instances.
type CacheL1Config struct {
	Enabled    *bool  `yaml:"enabled"     env:"ENABLED"`
	MaxEntries int64  `yaml:"max_entries" env:"MAX_ENTRIES"`
	TTL        string `yaml:"ttl"         env:"TTL"`
}

// L1Enabled reports whether the in-process front cache is on.
// Defaults to true when not explicitly configured.
func (c CacheL1Config) L1Enabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":3000",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Upstream: UpstreamConfig{
			Timeout:         "4s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
		},
		Redis: RedisConfig{
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
			OpTimeout:    "500ms",
		},
		RateLimit: RateLimitConfig{
			Requests: 200,
			Window:   "1h",
		},
		Budget: BudgetConfig{
			MaxCalls: 1000,
			Window:   "24h",
		},
		Cache: CacheConfig{
			TTL: "24h",
			L1: CacheL1Config{
				MaxEntries: 4096,
				TTL:        "60s",
			},
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "gamely",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("GAMELY_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/gamely/config.yaml and can
// be overridden via GAMELY_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "GAMELY_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields and trims the origin whitelist so that
// YAML values like "Single" or env values like "JSON" match the canonical
// lowercase constants, and configured origins compare cleanly against the
// Origin request header.
func (cfg *Config) normalize() {
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))

	origins := cfg.CORS.AllowedOrigins[:0]
	for _, o := range cfg.CORS.AllowedOrigins {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o != "" {
			origins = append(origins, o)
		}
	}
	cfg.CORS.AllowedOrigins = origins
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent and that
// every required value is present. A config that fails validation prevents
// startup entirely.
func Validate(cfg *Config) error {
	if err := validateUpstream(cfg); err != nil {
		return err
	}
	if err := validateCORS(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateShielding(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateUpstream(cfg *Config) error {
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	u, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return fmt.Errorf("invalid upstream.url %q: %w", cfg.Upstream.URL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream.url %q: scheme and host are required", cfg.Upstream.URL)
	}
	if cfg.Upstream.APIKey == "" {
		return fmt.Errorf("upstream.api_key is required")
	}
	return nil
}

func validateCORS(cfg *Config) error {
	if len(cfg.CORS.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins: at least one origin is required")
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"upstream.timeout", cfg.Upstream.Timeout},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
		{"redis.op_timeout", cfg.Redis.OpTimeout},
		{"rate_limit.window", cfg.RateLimit.Window},
		{"budget.window", cfg.Budget.Window},
		{"cache.ttl", cfg.Cache.TTL},
		{"cache.l1.ttl", cfg.Cache.L1.TTL},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateShielding(cfg *Config) error {
	if cfg.RateLimit.Requests < 0 {
		return fmt.Errorf("rate_limit.requests must be >= 0")
	}
	if cfg.Budget.MaxCalls < 0 {
		return fmt.Errorf("budget.max_calls must be >= 0")
	}
	if cfg.Cache.L1.MaxEntries < 0 {
		return fmt.Errorf("cache.l1.max_entries must be >= 0")
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Enabled() {
		return nil // store disabled — rate limiting, budget, and cache fall open
	}
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	return fields
}
