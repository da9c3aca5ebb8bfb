package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"algotrader/internal/balance"
	"algotrader/internal/capital"
	"algotrader/pkg/config"
)

var capitalCmd = &cobra.Command{
	Use:   "capital",
	Short: "Inspect and maintain the capital ledger",
}

var capitalShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print both capital buckets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app) error {
			snap, err := a.ledger.LoadAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		})
	},
}

var capitalResetCmd = &cobra.Command{
	Use:   "reset <real|virtual>",
	Short: "Reset a bucket to its starting balance",
	Long: `Reset rewrites a bucket as if it had never traded. The virtual bucket
goes back to VIRTUAL_START_BALANCE; the real bucket goes to zero until the
next wallet sync. Open positions are not touched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := config.ParseMode(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			rec, err := a.ledger.Reset(ctx, mode)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		})
	},
}

var capitalSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy the Bybit wallet balance into the real bucket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			m := a.balance
			if m == nil {
				if !a.client.HasCredentials() {
					return errors.New("capital sync needs BYBIT_API_KEY and BYBIT_API_SECRET")
				}
				m = balance.NewManager(a.gateway, a.ledger, a.bus, a.cfg.Currency, 0)
			}
			if err := m.Sync(ctx); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m.Status())
		})
	},
}

var capitalImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace buckets from a JSON capital file",
	Long: `Import reads a file shaped like the capital snapshot,
{"real": {...}, "virtual": {...}}, and replaces every bucket it names.
Buckets missing from the file are left alone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var snap capital.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			if err := a.ledger.Import(ctx, snap); err != nil {
				return err
			}
			all, err := a.ledger.LoadAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), all)
		})
	},
}

func init() {
	capitalCmd.AddCommand(capitalShowCmd, capitalResetCmd, capitalSyncCmd, capitalImportCmd)
	rootCmd.AddCommand(capitalCmd)
}
