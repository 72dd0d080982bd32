// Package sqlcfg holds the pool configuration for the Azure SQL database and
// converts it into the driver's msdsn.Config.
package sqlcfg

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/microsoft/go-mssqldb/msdsn"
)

const (
	DefaultPort           = 1433
	DefaultConnectTimeout = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxConns       = 10
	DefaultIdleTimeout    = 30 * time.Second
)

// serverPattern matches Azure SQL logical server names in the public and
// sovereign clouds.
var serverPattern = regexp.MustCompile(`(?i)^[a-z0-9][a-z0-9-]*\.database\.(windows\.net|usgovcloudapi\.net|chinacloudapi\.cn)$`)

// Encryption selects the TDS encryption mode.
type Encryption string

const (
	EncryptionRequired Encryption = "true"
	EncryptionStrict   Encryption = "strict"
	EncryptionOff      Encryption = "false"
)

// Config describes how to reach the database and how large the pool may grow.
// It carries no credentials; authentication is chosen per connection attempt.
type Config struct {
	Server   string `yaml:"server"`
	Database string `yaml:"database"`
	Port     int    `yaml:"port"`

	Encrypt                Encryption `yaml:"encrypt"`
	TrustServerCertificate bool       `yaml:"trust_server_certificate"`

	// ConnectTimeout bounds a single physical connection attempt including login.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// RequestTimeout bounds a single statement.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	MinConns    int           `yaml:"min_conns"`
	MaxConns    int           `yaml:"max_conns"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	AppName  string    `yaml:"app_name"`
	LogFlags msdsn.Log `yaml:"log_flags"`
}

// Default returns a Config with every optional field populated.
func Default() Config {
	return Config{
		Port:           DefaultPort,
		Encrypt:        EncryptionRequired,
		ConnectTimeout: DefaultConnectTimeout,
		RequestTimeout: DefaultRequestTimeout,
		MaxConns:       DefaultMaxConns,
		IdleTimeout:    DefaultIdleTimeout,
	}
}

// ConfigError reports an invalid or missing configuration value. The
// process must not start with one.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("sqlcfg: invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the invariants of the configuration. The first violation
// found is returned as a *ConfigError.
func (c Config) Validate() error {
	if c.Server == "" {
		return &ConfigError{Field: "server", Reason: "must be set"}
	}
	if !serverPattern.MatchString(c.Server) {
		return &ConfigError{Field: "server", Reason: fmt.Sprintf("%q is not an Azure SQL server name", c.Server)}
	}
	if strings.TrimSpace(c.Database) == "" {
		return &ConfigError{Field: "database", Reason: "must be set"}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &ConfigError{Field: "port", Reason: fmt.Sprintf("%d is out of range", c.Port)}
	}
	switch c.Encrypt {
	case EncryptionRequired, EncryptionStrict, EncryptionOff:
	default:
		return &ConfigError{Field: "encrypt", Reason: fmt.Sprintf("unknown mode %q", c.Encrypt)}
	}
	if c.MaxConns <= 0 {
		return &ConfigError{Field: "max_conns", Reason: "must be positive"}
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return &ConfigError{Field: "min_conns", Reason: fmt.Sprintf("%d is outside [0,%d]", c.MinConns, c.MaxConns)}
	}
	if c.ConnectTimeout < 0 || c.RequestTimeout < 0 || c.IdleTimeout < 0 {
		return &ConfigError{Field: "timeout", Reason: "must not be negative"}
	}
	return nil
}

// URL renders the configuration as a sqlserver:// connection URL without
// credentials.
func (c Config) URL() *url.URL {
	q := url.Values{}
	q.Set("database", c.Database)
	q.Set("encrypt", string(c.Encrypt))
	q.Set("trustservercertificate", strconv.FormatBool(c.TrustServerCertificate))
	if c.ConnectTimeout > 0 {
		// the driver only understands whole seconds
		secs := int((c.ConnectTimeout + time.Second - 1) / time.Second)
		q.Set("connection timeout", strconv.Itoa(secs))
	}
	if c.AppName != "" {
		q.Set("app name", c.AppName)
	}
	if c.LogFlags != 0 {
		q.Set("log", strconv.FormatUint(uint64(c.LogFlags), 10))
	}
	return &url.URL{
		Scheme:   "sqlserver",
		Host:     fmt.Sprintf("%s:%d", c.Server, c.Port),
		RawQuery: q.Encode(),
	}
}

// MSDSN validates the configuration and parses it into the driver's
// connection parameters.
func (c Config) MSDSN() (msdsn.Config, error) {
	if err := c.Validate(); err != nil {
		return msdsn.Config{}, err
	}
	p, err := msdsn.Parse(c.URL().String())
	if err != nil {
		return msdsn.Config{}, &ConfigError{Field: "connection string", Reason: err.Error()}
	}
	return p, nil
}

// IdleConns is the number of connections database/sql keeps warm.
func (c Config) IdleConns() int {
	n := c.MinConns
	if n < 2 {
		n = 2
	}
	if n > c.MaxConns {
		n = c.MaxConns
	}
	return n
}

// String is safe to log.
func (c Config) String() string {
	return fmt.Sprintf("%s:%d/%s", c.Server, c.Port, c.Database)
}
