// Package config loads terminal configuration from YAML.
//
// A file is validated against an embedded CUE schema before it is decoded,
// so unknown keys and malformed values are rejected with the offending path.
// Connection secrets may come from the environment instead of the file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Environment variables that override file values.
const (
	EnvPostgresDSN = "TILLSYNC_POSTGRES_DSN"
	EnvAMQPURL     = "TILLSYNC_AMQP_URL"
	EnvTenant      = "TILLSYNC_TENANT"
)

// ErrInvalid is returned when a config file fails validation.
var ErrInvalid = errors.New("invalid config")

// Config is the terminal configuration.
type Config struct {
	Tenant string       `yaml:"tenant"`
	Local  LocalConfig  `yaml:"local"`
	Remote RemoteConfig `yaml:"remote"`
	Notify NotifyConfig `yaml:"notify"`
	Sync   SyncConfig   `yaml:"sync"`
	Orders OrdersConfig `yaml:"orders"`
	Log    LogConfig    `yaml:"log"`
}

// LocalConfig locates the SQLite store.
type LocalConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig points at the system of record.
type RemoteConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// NotifyConfig points at the change-notification broker. Empty disables
// broker notifications.
type NotifyConfig struct {
	AMQPURL string `yaml:"amqp_url"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Interval    Duration `yaml:"interval"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffMax  Duration `yaml:"backoff_max"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// OrdersConfig tunes order pricing.
type OrdersConfig struct {
	TaxRate Rate `yaml:"tax_rate"`
}

// Rate is a fraction such as 0.1, kept exact.
type Rate struct{ decimal.Decimal }

// UnmarshalYAML parses the scalar text, so 0.1 is not rounded through a
// float.
func (r *Rate) UnmarshalYAML(n *yaml.Node) error {
	d, err := decimal.NewFromString(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	r.Decimal = d
	return nil
}

// MarshalYAML writes the rate as a string.
func (r Rate) MarshalYAML() (any, error) {
	return r.String(), nil
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration written as "30s", "5m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used for absent keys.
func Default() Config {
	return Config{
		Local: LocalConfig{Path: "tillsync.db"},
		Sync: SyncConfig{
			Interval:    Duration(30 * time.Second),
			BackoffBase: Duration(2 * time.Second),
			BackoffMax:  Duration(5 * time.Minute),
			MaxAttempts: 10,
		},
		Orders: OrdersConfig{TaxRate: Rate{decimal.Zero}},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path, or only defaults and environment when path is empty.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		applyEnv(&cfg)
		return cfg, cfg.check()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates and decodes YAML bytes over the defaults, then applies
// environment overrides.
func Parse(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validate(raw); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	applyEnv(&cfg)
	return cfg, cfg.check()
}

func validate(raw map[string]any) error {
	if raw == nil {
		return nil
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.Remote.PostgresDSN = v
	}
	if v := os.Getenv(EnvAMQPURL); v != "" {
		cfg.Notify.AMQPURL = v
	}
	if v := os.Getenv(EnvTenant); v != "" {
		cfg.Tenant = v
	}
}

// check enforces rules the schema cannot express.
func (c Config) check() error {
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("%w: sync.backoff_max %s is below sync.backoff_base %s",
			ErrInvalid, c.Sync.BackoffMax.Std(), c.Sync.BackoffBase.Std())
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("%w: sync.interval must be positive", ErrInvalid)
	}
	return nil
}
