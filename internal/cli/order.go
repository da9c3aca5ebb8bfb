package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"algotrader/internal/order"
)

var placeFlags struct {
	symbol     string
	side       string
	orderType  string
	qty        string
	price      string
	leverage   int
	stopLoss   string
	takeProfit string
}

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Manual order entry",
}

var orderPlaceCmd = &cobra.Command{
	Use:   "place",
	Short: "Place one order through the execution router",
	Long: `Place sends one order through the same router the scan loop uses. In
virtual mode it opens or modifies a simulated position; in real mode it is
sent to Bybit, confirmed and protected with take-profit and stop-loss.

Example:
  algotrader order place --symbol BTCUSDT --side buy --qty 0.01 --price 50000 --leverage 10`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := placeRequest()
		if err != nil {
			return err
		}
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			return printResult(cmd, a.router.PlaceOrder(ctx, req))
		})
	},
}

func placeRequest() (order.Request, error) {
	req := order.Request{
		Symbol:   strings.ToUpper(placeFlags.symbol),
		Side:     strings.ToUpper(placeFlags.side),
		Type:     strings.ToUpper(placeFlags.orderType),
		Leverage: placeFlags.leverage,
		Strategy: "manual",
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"qty", placeFlags.qty, &req.Qty},
		{"price", placeFlags.price, &req.Price},
		{"sl", placeFlags.stopLoss, &req.StopLoss},
		{"tp", placeFlags.takeProfit, &req.TakeProfit},
	} {
		if f.raw == "" {
			continue
		}
		val, err := decimal.NewFromString(f.raw)
		if err != nil {
			return req, fmt.Errorf("--%s: %w", f.name, err)
		}
		*f.dst = val
	}
	return req, nil
}

var positionCmd = &cobra.Command{
	Use:   "position",
	Short: "Inspect and close open positions",
}

var positionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open positions marked to the last price",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app) error {
			positions, err := a.service(nil).Positions(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), positions)
		})
	},
}

var positionCloseCmd = &cobra.Command{
	Use:   "close <symbol>",
	Short: "Close the open position in symbol at market",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		symbol := strings.ToUpper(args[0])
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			return printResult(cmd, a.router.ClosePosition(ctx, symbol))
		})
	},
}

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Virtual order maintenance",
}

var ordersFillCmd = &cobra.Command{
	Use:   "fill",
	Short: "Settle resting virtual entry orders once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			if a.book == nil {
				return fmt.Errorf("orders fill only applies in virtual mode (current: %s)", a.cfg.Mode)
			}
			n, err := a.router.MarkFilled(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d orders filled\n", n)
			return nil
		})
	},
}

// printResult prints res and turns a failed result into a non-zero exit.
func printResult(cmd *cobra.Command, res order.Result) error {
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Success && res.Status != order.StatusNotFound {
		return fmt.Errorf("%s: %s", res.Reason, res.Message)
	}
	return nil
}

func init() {
	f := orderPlaceCmd.Flags()
	f.StringVar(&placeFlags.symbol, "symbol", "", "instrument, e.g. BTCUSDT (required)")
	f.StringVar(&placeFlags.side, "side", "", "buy or sell (required)")
	f.StringVar(&placeFlags.orderType, "type", "MARKET", "MARKET or LIMIT")
	f.StringVar(&placeFlags.qty, "qty", "", "quantity in base units (required)")
	f.StringVar(&placeFlags.price, "price", "", "entry price (required in virtual mode)")
	f.IntVar(&placeFlags.leverage, "leverage", 0, "leverage (default DEFAULT_LEVERAGE)")
	f.StringVar(&placeFlags.stopLoss, "sl", "", "stop-loss price")
	f.StringVar(&placeFlags.takeProfit, "tp", "", "take-profit price")
	for _, name := range []string{"symbol", "side", "qty"} {
		if err := orderPlaceCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	orderCmd.AddCommand(orderPlaceCmd)
	positionCmd.AddCommand(positionListCmd, positionCloseCmd)
	ordersCmd.AddCommand(ordersFillCmd)
	rootCmd.AddCommand(orderCmd, positionCmd, ordersCmd)
}
