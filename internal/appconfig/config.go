// Package appconfig loads the signupd process configuration.
//
// Values are applied in order: defaults, then the YAML file, then the
// environment. The database server and name are usually absent from both and
// are read later from the secret store.
package appconfig

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/volunteerhub/signupdb"
	"github.com/volunteerhub/signupdb/azauth"
	"github.com/volunteerhub/signupdb/secrets"
	"github.com/volunteerhub/signupdb/sqlcfg"
	"github.com/volunteerhub/signupdb/verify"
)

// EnvPrefix prefixes every signupd variable.
const EnvPrefix = "SIGNUPD_"

// Config is the complete process configuration.
type Config struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Log     LogConfig     `yaml:"log"`
	Auth    AuthConfig    `yaml:"auth"`
	Secrets SecretsConfig `yaml:"secrets"`

	Database sqlcfg.Config        `yaml:"database"`
	Retry    signupdb.RetryPolicy `yaml:"retry"`
	Verify   verify.Config        `yaml:"verify"`

	BcryptCost       int    `yaml:"bcrypt_cost"`
	MetricsNamespace string `yaml:"metrics_namespace"`

	// Hosted and Pipeline come from the platform environment only.
	Hosted   bool                     `yaml:"-"`
	Pipeline *azauth.PipelineIdentity `yaml:"-"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	IdentityClientID string        `yaml:"identity_client_id"`
	ForceToken       bool          `yaml:"force_token"`
	TokenTimeout     time.Duration `yaml:"token_timeout"`
}

type SecretsConfig struct {
	// KeyVault is the vault name; empty reads secrets from the environment only.
	KeyVault string        `yaml:"key_vault"`
	Names    secrets.Names `yaml:"names"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	db := sqlcfg.Default()
	db.AppName = signupdb.AppName()
	return Config{
		Listen:           ":8080",
		ShutdownTimeout:  15 * time.Second,
		Log:              LogConfig{Level: "info", Format: "json"},
		Auth:             AuthConfig{TokenTimeout: azauth.DefaultTokenTimeout},
		Secrets:          SecretsConfig{Names: secrets.DefaultNames()},
		Database:         db,
		Retry:            signupdb.DefaultRetryPolicy(),
		Verify:           verify.Config{Timeout: verify.DefaultTimeout, RatePerSecond: 20, Burst: 5},
		BcryptCost:       bcrypt.DefaultCost,
		MetricsNamespace: "signupd",
	}
}

// Loader reads a Config. The zero value reads the process environment.
type Loader struct {
	path   string
	lookup func(string) (string, bool)
}

// NewLoader returns a loader for the process environment.
func NewLoader() *Loader {
	return &Loader{lookup: os.LookupEnv}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

// WithLookup replaces the environment.
func (l *Loader) WithLookup(lookup func(string) (string, bool)) *Loader {
	l.lookup = lookup
	return l
}

// ConfigPath is the file named by SIGNUPD_CONFIG, or def.
func (l *Loader) ConfigPath(def string) string {
	if v, ok := l.env("CONFIG"); ok {
		return v
	}
	return def
}

// Load builds and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	if l.path != "" {
		if err := loadFile(l.path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := l.applyEnv(&cfg); err != nil {
		return nil, err
	}
	l.applyPlatform(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("appconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("appconfig: parse %s: %w", path, err)
	}
	return nil
}

func (l *Loader) env(key string) (string, bool) {
	return l.raw(EnvPrefix + key)
}

func (l *Loader) raw(key string) (string, bool) {
	lookup := l.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (l *Loader) applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"LISTEN":         &cfg.Listen,
		"LOG_LEVEL":      &cfg.Log.Level,
		"LOG_FORMAT":     &cfg.Log.Format,
		"KEY_VAULT":      &cfg.Secrets.KeyVault,
		"SQL_APP_NAME":   &cfg.Database.AppName,
		"VERIFY_URL":     &cfg.Verify.BaseURL,
		"VERIFY_API_KEY": &cfg.Verify.APIKey,
	}
	for k, p := range strs {
		if v, ok := l.env(k); ok {
			*p = v
		}
	}

	ints := map[string]*int{
		"SQL_MAX_CONNS":  &cfg.Database.MaxConns,
		"SQL_MIN_CONNS":  &cfg.Database.MinConns,
		"RETRY_ATTEMPTS": &cfg.Retry.MaxAttempts,
		"BCRYPT_COST":    &cfg.BcryptCost,
		"VERIFY_BURST":   &cfg.Verify.Burst,
	}
	for k, p := range ints {
		if v, ok := l.env(k); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return envError(k, v, err)
			}
			*p = n
		}
	}

	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":    &cfg.ShutdownTimeout,
		"SQL_CONNECT_TIMEOUT": &cfg.Database.ConnectTimeout,
		"SQL_REQUEST_TIMEOUT": &cfg.Database.RequestTimeout,
		"TOKEN_TIMEOUT":       &cfg.Auth.TokenTimeout,
		"VERIFY_TIMEOUT":      &cfg.Verify.Timeout,
	}
	for k, p := range durations {
		if v, ok := l.env(k); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return envError(k, v, err)
			}
			*p = d
		}
	}

	if v, ok := l.env("VERIFY_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envError("VERIFY_RATE", v, err)
		}
		cfg.Verify.RatePerSecond = f
	}
	return nil
}

// applyPlatform reads the variables set by Azure App Service, the managed
// identity endpoint and Azure Pipelines.
func (l *Loader) applyPlatform(cfg *Config) {
	_, site := l.raw("WEBSITE_INSTANCE_ID")
	_, identity := l.raw("IDENTITY_ENDPOINT")
	cfg.Hosted = site || identity

	if v, ok := l.raw("AZURE_CLIENT_ID"); ok && cfg.Auth.IdentityClientID == "" {
		cfg.Auth.IdentityClientID = v
	}
	if v, ok := l.raw("SQL_FORCE_ACCESS_TOKEN"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.ForceToken = b
		}
	}

	p := &azauth.PipelineIdentity{}
	var found int
	for key, dst := range map[string]*string{
		"AZURESUBSCRIPTION_SERVICE_CONNECTION_ID": &p.ServiceConnectionID,
		"AZURESUBSCRIPTION_TENANT_ID":             &p.TenantID,
		"AZURESUBSCRIPTION_CLIENT_ID":             &p.ClientID,
		"SYSTEM_ACCESSTOKEN":                      &p.SystemAccessToken,
	} {
		if v, ok := l.raw(key); ok {
			*dst = v
			found++
		}
	}
	if found == 4 {
		cfg.Pipeline = p
	}
}

func envError(key, value string, err error) error {
	return fmt.Errorf("appconfig: %s%s=%q: %w", EnvPrefix, key, value, err)
}

// Signals are the authentication inputs for azauth.
func (c *Config) Signals() azauth.Signals {
	return azauth.Signals{
		Hosted:           c.Hosted,
		IdentityClientID: c.Auth.IdentityClientID,
		ForceToken:       c.Auth.ForceToken,
	}
}

// ResolverOptions are the azauth options derived from the configuration.
func (c *Config) ResolverOptions() azauth.Options {
	return azauth.Options{TokenTimeout: c.Auth.TokenTimeout, Pipeline: c.Pipeline}
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.Log.Level)
}

// NeedsDatabaseSecrets reports whether the server or database name must
// still be read from the secret store.
func (c *Config) NeedsDatabaseSecrets() bool {
	return c.Database.Server == "" || c.Database.Database == ""
}

// Validate reports the first invalid value as a *sqlcfg.ConfigError. The
// database section is only checked once its server and name are known.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return &sqlcfg.ConfigError{Field: "listen", Reason: err.Error()}
	}
	if _, err := c.LogLevel(); err != nil {
		return &sqlcfg.ConfigError{Field: "log.level", Reason: err.Error()}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return &sqlcfg.ConfigError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	if c.ShutdownTimeout <= 0 {
		return &sqlcfg.ConfigError{Field: "shutdown_timeout", Reason: "must be positive"}
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return &sqlcfg.ConfigError{Field: "bcrypt_cost", Reason: fmt.Sprintf("%d is outside [%d,%d]", c.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)}
	}
	if c.Retry.MaxAttempts <= 0 {
		return &sqlcfg.ConfigError{Field: "retry.max_attempts", Reason: "must be positive"}
	}
	if c.Verify.BaseURL == "" {
		return &sqlcfg.ConfigError{Field: "verify.base_url", Reason: "must be set"}
	}
	if names := c.Secrets.Names; names.Server == "" || names.Database == "" {
		return &sqlcfg.ConfigError{Field: "secrets.names", Reason: "server and database names must be set"}
	}
	if !c.NeedsDatabaseSecrets() {
		return c.Database.Validate()
	}
	return nil
}
