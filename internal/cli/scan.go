package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single scan-and-trade cycle and print its report",
	Long: `Scan runs one full cycle (scan, score, rank, risk check, execute,
report) in the configured mode and prints the cycle report as JSON. Orders
are placed exactly as the scheduled loop would place them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			loop, err := a.loop()
			if err != nil {
				return err
			}
			rep, err := loop.RunOnce(ctx)
			if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
				return perr
			}
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
