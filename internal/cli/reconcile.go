package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"algotrader/internal/reconciliation"
	"algotrader/pkg/config"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare real trade records with Bybit positions once",
	Long: `Reconcile lists open Bybit positions and compares them with the open
real trade records. Records whose position is gone (closed by take-profit,
stop-loss or liquidation) are closed at the last price unless --report-only
is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			if a.cfg.Mode != config.ModeReal {
				return fmt.Errorf("reconcile only applies in real mode (current: %s)", a.cfg.Mode)
			}
			s := reconciliation.NewService(a.client, a.db, a.router, 0)
			s.SetAutoSync(!reconcileReportOnly)
			report, err := s.Reconcile(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		})
	},
}

var reconcileReportOnly bool

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileReportOnly, "report-only", false, "do not close any records")
	rootCmd.AddCommand(reconcileCmd)
}
