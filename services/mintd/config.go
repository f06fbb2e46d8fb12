package mintd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"dailymint/core/types"
	"dailymint/native/fees"
	"dailymint/services/mintd/index"
)

// Oracle kinds.
const (
	OracleManual = "manual"
	OracleClock  = "clock"
	OracleHTTP   = "http"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for mintd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	DataDir       string          `yaml:"data_dir" toml:"data_dir"`
	AllowMigrate  bool            `yaml:"allow_migrate" toml:"allow_migrate"`
	InitialFeeBps uint32          `yaml:"initial_fee_bps" toml:"initial_fee_bps"`
	Identities    IdentityConfig  `yaml:"identities" toml:"identities"`
	Operator      KeystoreConfig  `yaml:"operator" toml:"operator"`
	Oracle        OracleConfig    `yaml:"oracle" toml:"oracle"`
	Market        MarketConfig    `yaml:"market" toml:"market"`
	Scheduler     SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Index         IndexConfig     `yaml:"index" toml:"index"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Stream        StreamConfig    `yaml:"stream" toml:"stream"`
	Log           LogConfig       `yaml:"log" toml:"log"`
}

// IdentityConfig names the custody and governance identities.
type IdentityConfig struct {
	Vault string `yaml:"vault" toml:"vault"`
	Owner string `yaml:"owner" toml:"owner"`
	// Operator overrides the keystore-derived operator address.
	Operator string `yaml:"operator" toml:"operator"`
}

// KeystoreConfig locates the operator key.
type KeystoreConfig struct {
	KeystorePath  string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
	Create        bool   `yaml:"create" toml:"create"`
}

// OracleConfig selects and configures the price oracle.
type OracleConfig struct {
	Kind       string   `yaml:"kind" toml:"kind"`
	Price      string   `yaml:"price" toml:"price"`
	Day        uint64   `yaml:"day" toml:"day"`
	Genesis    string   `yaml:"genesis" toml:"genesis"`
	DayLength  Duration `yaml:"day_length" toml:"day_length"`
	Endpoint   string   `yaml:"endpoint" toml:"endpoint"`
	APIKey     string   `yaml:"api_key" toml:"api_key"`
	APIKeyFile string   `yaml:"api_key_file" toml:"api_key_file"`
	APIKeyEnv  string   `yaml:"api_key_env" toml:"api_key_env"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
}

// MarketConfig configures the in-process custody ledger.
type MarketConfig struct {
	Treasury    string            `yaml:"treasury" toml:"treasury"`
	DailySupply uint64            `yaml:"daily_supply" toml:"daily_supply"`
	Balances    map[string]string `yaml:"balances" toml:"balances"`
}

// SchedulerConfig controls the daily settlement loop.
type SchedulerConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	Interval     Duration `yaml:"interval" toml:"interval"`
	PauseOnStart bool     `yaml:"pause" toml:"pause"`
	// UseIndex lists candidates from the event index instead of ledger state.
	UseIndex bool `yaml:"use_index" toml:"use_index"`
}

// IndexConfig selects the event index backend.
type IndexConfig struct {
	Driver  string `yaml:"driver" toml:"driver"`
	DSN     string `yaml:"dsn" toml:"dsn"`
	DSNFile string `yaml:"dsn_file" toml:"dsn_file"`
	DSNEnv  string `yaml:"dsn_env" toml:"dsn_env"`
	// ReportDir receives CSV and Parquet settlement reports after each batch.
	ReportDir string `yaml:"report_dir" toml:"report_dir"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	HMACSecret     string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file" toml:"hmac_secret_file"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       string   `yaml:"audience" toml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig throttles mutating subscriber routes.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// StreamConfig configures the websocket event stream.
type StreamConfig struct {
	Backlog int `yaml:"backlog" toml:"backlog"`
}

// LogConfig configures log level and the optional rotated file sink.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml decode as TOML; everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("decode config: unknown keys %v", undecoded)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Oracle.Kind == "" {
		cfg.Oracle.Kind = OracleManual
	}
	if cfg.Oracle.Timeout.Duration == 0 {
		cfg.Oracle.Timeout.Duration = 5 * time.Second
	}
	if cfg.Oracle.DayLength.Duration == 0 {
		cfg.Oracle.DayLength.Duration = 24 * time.Hour
	}
	if cfg.Market.DailySupply == 0 {
		cfg.Market.DailySupply = 10_000
	}
	if cfg.Market.Balances == nil {
		cfg.Market.Balances = map[string]string{}
	}
	if cfg.Scheduler.Interval.Duration == 0 {
		cfg.Scheduler.Interval.Duration = time.Minute
	}
	if cfg.Index.Driver == "" {
		cfg.Index.Driver = index.DriverSQLite
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Stream.Backlog == 0 {
		cfg.Stream.Backlog = 256
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Operator.PassphraseEnv == "" {
		cfg.Operator.PassphraseEnv = "MINTD_OPERATOR_PASSPHRASE"
	}
}

func (c *Config) normalise() error {
	c.Oracle.Kind = strings.ToLower(strings.TrimSpace(c.Oracle.Kind))
	c.Index.Driver = strings.ToLower(strings.TrimSpace(c.Index.Driver))
	var err error
	if c.Auth.HMACSecret, err = resolveSecret(c.Auth.HMACSecret, c.Auth.HMACSecretFile, c.Auth.HMACSecretEnv); err != nil {
		return fmt.Errorf("auth hmac secret: %w", err)
	}
	if c.Oracle.APIKey, err = resolveSecret(c.Oracle.APIKey, c.Oracle.APIKeyFile, c.Oracle.APIKeyEnv); err != nil {
		return fmt.Errorf("oracle api key: %w", err)
	}
	if c.Index.DSN, err = resolveSecret(c.Index.DSN, c.Index.DSNFile, c.Index.DSNEnv); err != nil {
		return fmt.Errorf("index dsn: %w", err)
	}
	return nil
}

// resolveSecret prefers an inline value, then an environment variable, then
// a file.
func resolveSecret(value, file, env string) (string, error) {
	value = strings.TrimSpace(value)
	if value != "" {
		return value, nil
	}
	if env = strings.TrimSpace(env); env != "" {
		resolved := strings.TrimSpace(os.Getenv(env))
		if resolved == "" {
			return "", fmt.Errorf("%s is empty", env)
		}
		return resolved, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func validateConfig(cfg Config) error {
	if _, err := types.ParseAddress(cfg.Identities.Vault); err != nil {
		return fmt.Errorf("identities.vault: %w", err)
	}
	if _, err := types.ParseAddress(cfg.Identities.Owner); err != nil {
		return fmt.Errorf("identities.owner: %w", err)
	}
	if strings.TrimSpace(cfg.Identities.Operator) != "" {
		if _, err := types.ParseAddress(cfg.Identities.Operator); err != nil {
			return fmt.Errorf("identities.operator: %w", err)
		}
	} else if strings.TrimSpace(cfg.Operator.KeystorePath) == "" {
		return fmt.Errorf("configure identities.operator or operator.keystore")
	}
	if err := fees.ValidateRate(cfg.InitialFeeBps); err != nil {
		return fmt.Errorf("initial_fee_bps: %w", err)
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret must be configured")
	}
	switch cfg.Oracle.Kind {
	case OracleManual:
	case OracleClock:
		if _, err := time.Parse(time.RFC3339, cfg.Oracle.Genesis); err != nil {
			return fmt.Errorf("oracle.genesis must be RFC3339: %w", err)
		}
	case OracleHTTP:
		if strings.TrimSpace(cfg.Oracle.Endpoint) == "" {
			return fmt.Errorf("oracle.endpoint must be configured for http oracle")
		}
	default:
		return fmt.Errorf("oracle.kind %q not supported", cfg.Oracle.Kind)
	}
	if cfg.Oracle.Kind != OracleHTTP && strings.TrimSpace(cfg.Oracle.Price) == "" {
		return fmt.Errorf("oracle.price must be configured for %s oracle", cfg.Oracle.Kind)
	}
	if strings.TrimSpace(cfg.Market.Treasury) != "" {
		if _, err := types.ParseAddress(cfg.Market.Treasury); err != nil {
			return fmt.Errorf("market.treasury: %w", err)
		}
	}
	switch cfg.Index.Driver {
	case index.DriverSQLite:
	case index.DriverPostgres:
		if cfg.Index.DSN == "" {
			return fmt.Errorf("index.dsn must be configured for postgres")
		}
	default:
		return fmt.Errorf("index.driver %q not supported", cfg.Index.Driver)
	}
	return nil
}
