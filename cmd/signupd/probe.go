package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/volunteerhub/signupdb"
)

func runProbe(args []string) int {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	timeout := fs.Duration("timeout", 2*time.Minute, "overall deadline including retries")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	signupdb.InstallDriverLogger(logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	provider, err := openProvider(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return 1
	}
	defer provider.Close()

	id, err := provider.IdentityProbe(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return 1
	}
	h, err := provider.HealthProbe(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return 1
	}
	fmt.Printf("principal: %s\ndatabase:  %s\nserver:    %s\nlatency:   %s\nattempts:  %d\n",
		id.Principal, id.Database, id.Server, h.Latency.Round(time.Millisecond), provider.Attempts())
	return 0
}
