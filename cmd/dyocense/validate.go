package main

import (
	"fmt"
	"io"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dyocense/kernel/internal/config"
	"github.com/dyocense/kernel/internal/tenant"
)

// runValidate dry-runs the server configuration: it loads both the config
// file and the tenant directory it points at, so a bad deploy fails here
// instead of at serve time.
func runValidate(args []string, stdout, stderr io.Writer) int {
	var configPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--config requires a value")
				return exitFailure
			}
			configPath = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return exitFailure
		}
	}

	if configPath == "" {
		fmt.Fprintln(stderr, "--config is required")
		return exitFailure
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitValidation
	}
	resolver, err := tenant.NewFileResolver(cfg.Tenants.Path, zap.NewNop())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitValidation
	}
	_ = resolver

	fmt.Fprintf(stdout, "ok: %s\n", filepath.Base(configPath))
	fmt.Fprintf(stdout, "addr=%s\n", cfg.Server.Addr)
	fmt.Fprintf(stdout, "workers=%d\n", cfg.Kernel.Workers)
	fmt.Fprintf(stdout, "stores registry=%s budget=%s idempotency=%s evidence=%s\n",
		cfg.Stores.Registry, cfg.Stores.Budget, cfg.Stores.Idempotency, cfg.Stores.Evidence)
	fmt.Fprintf(stdout, "tenants=%s watch=%t\n", cfg.Tenants.Path, cfg.Tenants.Watch)
	return exitOK
}
