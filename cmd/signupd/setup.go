package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/volunteerhub/signupdb"
	"github.com/volunteerhub/signupdb/azauth"
	"github.com/volunteerhub/signupdb/internal/appconfig"
	"github.com/volunteerhub/signupdb/secrets"
	"github.com/volunteerhub/signupdb/sqlcfg"
)

const defaultConfigPath = "signupd.yaml"

// secretTries bounds the secret store lookups made at startup.
const secretTries = 5

func loadConfig(fs *flag.FlagSet, args []string) (*appconfig.Config, error) {
	loader := appconfig.NewLoader()
	path := fs.String("config", loader.ConfigPath(defaultConfigPath), "YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return loader.WithConfigPath(*path).Load()
}

func newLogger(cfg appconfig.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var enc zapcore.EncoderConfig
	if cfg.Format == "console" {
		enc = zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		enc = zap.NewProductionEncoderConfig()
		enc.TimeKey = "timestamp"
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    enc,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zc.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

func newResolver(cfg *appconfig.Config, logger *zap.Logger) *azauth.Resolver {
	opts := cfg.ResolverOptions()
	opts.Logger = logger
	return azauth.NewResolver(cfg.Signals(), opts)
}

// secretSource reads from the environment first and then from the key
// vault, if one is configured.
func secretSource(cfg *appconfig.Config, resolver *azauth.Resolver) (secrets.Provider, error) {
	chain := secrets.Chain{secrets.Env{Prefix: appconfig.EnvPrefix}}
	if cfg.Secrets.KeyVault == "" {
		return chain, nil
	}
	cred, err := resolver.Credential()
	if err != nil {
		return nil, fmt.Errorf("key vault credential: %w", err)
	}
	kv, err := secrets.NewKeyVault(cfg.Secrets.KeyVault, cred)
	if err != nil {
		return nil, err
	}
	return append(chain, kv), nil
}

// loadDatabase fills the database coordinates from src. Lookup failures are
// retried; a missing or invalid value is not.
func loadDatabase(ctx context.Context, cfg *appconfig.Config, src secrets.Provider, logger *zap.Logger, b backoff.BackOff) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		db := cfg.Database
		err := secrets.LoadDatabase(ctx, src, cfg.Secrets.Names, &db)
		var cfgErr *sqlcfg.ConfigError
		if errors.As(err, &cfgErr) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			return struct{}{}, err
		}
		cfg.Database = db
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(secretTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warn("secret lookup failed, retrying", zap.Error(err), zap.Duration("wait", d))
		}),
	)
	return err
}

// openProvider resolves the database coordinates and returns an
// Unconnected provider.
func openProvider(ctx context.Context, cfg *appconfig.Config, logger *zap.Logger, opts ...signupdb.Option) (*signupdb.Provider, error) {
	resolver := newResolver(cfg, logger)
	if cfg.NeedsDatabaseSecrets() {
		src, err := secretSource(cfg, resolver)
		if err != nil {
			return nil, err
		}
		if err := loadDatabase(ctx, cfg, src, logger, backoff.NewExponentialBackOff()); err != nil {
			return nil, fmt.Errorf("load database secrets: %w", err)
		}
	} else if err := cfg.Database.Validate(); err != nil {
		return nil, err
	}
	logger.Info("database configured",
		zap.Stringer("target", cfg.Database),
		zap.Stringer("auth", azauth.Select(cfg.Signals())),
	)
	base := []signupdb.Option{
		signupdb.WithRetryPolicy(cfg.Retry),
		signupdb.WithLogger(logger),
	}
	return signupdb.NewProvider(cfg.Database, resolver, append(base, opts...)...)
}
