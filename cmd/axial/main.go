package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/axial/internal/config"
	"github.com/jmerrifield20/axial/internal/ledger"
	"github.com/jmerrifield20/axial/internal/router"
	"github.com/jmerrifield20/axial/internal/shield"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	debug   bool

	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "axial",
	Short: "Evidence ledger, model router and egress shield for agent runs",
	Long: `axial records every decision an agent run makes in a tamper-evident,
hash-chained ledger, routes tasks to model providers under per-provider
quotas, and keeps sensitive data inside the workspace with a redacting,
allow-listing egress proxy.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if debug {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cfg.File != "" {
			logger.Debug("config loaded", zap.String("file", cfg.File))
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./configs/axial.yaml or ./axial.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "human-readable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(runpackCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(redactCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the axial version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "axial", version)
	},
}

// openLedger opens the configured ledger. The returned func releases it and
// any database pool behind it. A read-only ledger takes no lock, so it can be
// inspected while "axial serve" holds the journal.
func openLedger(ctx context.Context, readOnly bool) (*ledger.Ledger, func(), error) {
	opts := []ledger.Option{ledger.WithLogger(logger)}
	if readOnly {
		opts = append(opts, ledger.ReadOnly())
	}
	if cfg.Ledger.Provenance != "" {
		opts = append(opts, ledger.WithProvenance(cfg.Ledger.Provenance))
	}
	if git := ledger.DetectGit("."); git != nil {
		opts = append(opts, ledger.WithCommitResolver(git))
	}

	if cfg.Ledger.Backend != "postgres" {
		l, err := ledger.Open(ctx, cfg.Ledger.Path, opts...)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Ledger.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	idx, err := ledger.NewPostgresIndex(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	l, err := ledger.OpenWithIndex(ctx, ledger.JournalPath(cfg.Ledger.Path), idx, opts...)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return l, func() {
		_ = l.Close()
		pool.Close()
	}, nil
}

// newRouter builds a router with every configured provider registered.
func newRouter() (*router.Router, error) {
	r := router.New(
		router.WithLogger(logger),
		router.WithQuota(cfg.Router.RateLimitRPS, cfg.Router.RateLimitBurst),
	)
	for _, pc := range cfg.Router.Providers {
		p, err := pc.BuildProvider()
		if err != nil {
			return nil, err
		}
		r.Register(p)
	}
	return r, nil
}

func newShield() (*shield.Shield, error) {
	policy, err := cfg.ShieldPolicy()
	if err != nil {
		return nil, err
	}
	return shield.New(policy, shield.WithLogger(logger))
}
