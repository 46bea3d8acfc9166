package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moneyflow888/moneyflow-web/internal/config"
	"github.com/moneyflow888/moneyflow-web/internal/settlement"
)

var (
	configPath string
	cfg        *config.Config
)

// rootCmd runs the API server when no subcommand is given.
var rootCmd = &cobra.Command{
	Use:   "fund-server",
	Short: "Pooled fund NAV and share settlement backend",
	Long: `fund-server reports fund NAV and per-investor accounting, accepts
deposit and withdrawal requests, and settles them at one share price per
batch.

Run without arguments to start the HTTP API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		setupLogger(cfg.Logging.Level)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded PostgreSQL schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Database.URL == "" {
			return fmt.Errorf("migrate needs a database (set DATABASE_URL)")
		}
		b, err := openBackend(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer b.Close()
		slog.Info("schema applied")
		return nil
	},
}

var settleCmd = &cobra.Command{
	Use:   "settle deposits|withdrawals",
	Short: "Run one settlement batch and print the result as JSON",
	Long: `Run one deposit or withdrawal settlement batch against the configured
store, exactly as the admin execute endpoints do, and print the batch result.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"deposits", "withdrawals"},
	RunE:      runSettle,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FUND_CONFIG"), "Path to YAML config (or set FUND_CONFIG)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(settleCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

func runSettle(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	b, err := openBackend(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer b.Close()

	settler := settlement.NewService(b.Store, nil, settlementOptions(cfg))

	var res *settlement.BatchResult
	switch args[0] {
	case "deposits":
		res, err = settler.ExecuteDeposits(ctx)
	case "withdrawals":
		res, err = settler.ExecuteWithdrawals(ctx)
	default:
		return fmt.Errorf("unknown batch %q (want deposits or withdrawals)", args[0])
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func settlementOptions(c *config.Config) settlement.Options {
	return settlement.Options{
		Epsilon:                c.GetEpsilon(),
		WithdrawForwardPricing: c.Settlement.WithdrawForwardPricing,
	}
}
