// Package cli is the algotrader command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"algotrader/internal/logger"
	"algotrader/pkg/config"
)

var (
	envFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "algotrader",
	Short: "Crypto futures trading assistant for Bybit USDT perpetuals",
	Long: `algotrader scans Bybit USDT perpetuals on a schedule, scores candidate
trades, and executes the best ones either against the exchange (real mode)
or against a persistent simulated order book (virtual mode).

Configuration comes from the environment, an optional .env file and the
flags below. Flags win over the environment.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.LoadEnvFile(envFile)
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&envFile, "env-file", "", "path to a .env file (default ./.env when present)")
	pf.String("mode", "", "trading mode: real or virtual (env TRADING_MODE)")
	pf.String("db", "", "SQLite database path (env DB_PATH)")
	pf.String("log-level", "", "debug, info, warn or error (env LOG_LEVEL)")

	bind("TRADING_MODE", "mode")
	bind("DB_PATH", "db")
	bind("LOG_LEVEL", "log-level")
}

func bind(key, flag string) {
	if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// loadConfig resolves configuration and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}
