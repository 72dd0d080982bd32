// Package secrets supplies named configuration values such as the database
// server and name. Values come from Azure Key Vault in production and from
// the environment elsewhere.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/volunteerhub/signupdb/sqlcfg"
)

// ErrNotFound is returned when a provider has no value for a name.
var ErrNotFound = errors.New("secrets: not found")

// Provider maps a secret name to its value. Lookups may fail transiently;
// callers decide whether to retry.
type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Static serves values from a map.
type Static map[string]string

func (s Static) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// Env reads secrets from environment variables. The name "sql-server" with
// prefix "SIGNUPD_" is read from SIGNUPD_SQL_SERVER.
type Env struct {
	Prefix string
	// Lookup defaults to os.LookupEnv.
	Lookup func(key string) (string, bool)
}

// Key is the variable name for a secret.
func (e Env) Key(name string) string {
	return e.Prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func (e Env) GetSecret(_ context.Context, name string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(e.Key(name))
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, e.Key(name))
	}
	return v, nil
}

// Chain asks each provider in turn and returns the first value found.
type Chain []Provider

func (c Chain) GetSecret(ctx context.Context, name string) (string, error) {
	for _, p := range c {
		v, err := p.GetSecret(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Names are the secret names holding the database coordinates.
type Names struct {
	Server   string `yaml:"server"`
	Database string `yaml:"database"`
	Port     string `yaml:"port"`
}

// DefaultNames returns the names used by the deployment templates.
func DefaultNames() Names {
	return Names{Server: "sql-server", Database: "sql-database", Port: "sql-port"}
}

// LoadDatabase fills the server, database and port of cfg from p and
// validates the result. The port secret is optional. A missing or invalid
// value is reported as a *sqlcfg.ConfigError; other lookup errors are
// returned as is.
func LoadDatabase(ctx context.Context, p Provider, n Names, cfg *sqlcfg.Config) error {
	server, err := required(ctx, p, n.Server, "server")
	if err != nil {
		return err
	}
	database, err := required(ctx, p, n.Database, "database")
	if err != nil {
		return err
	}
	cfg.Server = strings.TrimSpace(server)
	cfg.Database = strings.TrimSpace(database)

	if n.Port != "" {
		port, err := p.GetSecret(ctx, n.Port)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			v, perr := strconv.Atoi(strings.TrimSpace(port))
			if perr != nil {
				return &sqlcfg.ConfigError{Field: "port", Reason: fmt.Sprintf("secret %s is not a number", n.Port)}
			}
			cfg.Port = v
		}
	}
	return cfg.Validate()
}

func required(ctx context.Context, p Provider, name, field string) (string, error) {
	if name == "" {
		return "", &sqlcfg.ConfigError{Field: field, Reason: "no secret name configured"}
	}
	v, err := p.GetSecret(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return "", &sqlcfg.ConfigError{Field: field, Reason: fmt.Sprintf("secret %s not found", name)}
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(v) == "" {
		return "", &sqlcfg.ConfigError{Field: field, Reason: fmt.Sprintf("secret %s is empty", name)}
	}
	return v, nil
}
