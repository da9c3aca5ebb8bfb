package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"algotrader/internal/api"
	"algotrader/internal/lock"
	"algotrader/internal/logger"
	"algotrader/internal/market"
	"algotrader/internal/monitor"
	"algotrader/internal/reconciliation"
	"algotrader/pkg/config"
)

var runNoAPI bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scan-and-trade loop with the dashboard API",
	Long: `Run starts the scheduled scan-and-trade loop, the price feed, the
housekeeping tasks and (unless disabled) the HTTP API. It holds a lock file
so only one process trades against the same capital state.

Stop with Ctrl+C; the current countdown is interrupted immediately.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runNoAPI, "no-api", false, "do not start the HTTP API")
	runCmd.Flags().String("port", "", "HTTP API port (env PORT)")
	if err := v.BindPFlag("PORT", runCmd.Flags().Lookup("port")); err != nil {
		panic(err)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Infof("[main] starting algotrader %s in %s mode", version, cfg.Mode)

	l, err := lock.Acquire(cfg.LockPath, string(cfg.Mode))
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			logger.Warnf("[main] release lock: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	loop, err := a.loop()
	if err != nil {
		return err
	}
	svc := a.service(loop)

	a.client.Start(ctx)
	(&monitor.Monitor{Bus: a.bus, Metrics: a.metrics, Alerts: a.notifier}).Start(ctx)
	a.settings.Watch(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return loop.Housekeep(ctx) })
	if cfg.Mode == config.ModeReal {
		recon := reconciliation.NewService(a.client, a.db, a.router, cfg.ReconcileInterval)
		g.Go(func() error { return a.balance.Run(ctx) })
		g.Go(func() error { return recon.Run(ctx) })
	}
	if len(cfg.Symbols) > 0 {
		feed := &market.Feed{URL: market.PublicLinearURL, Symbols: cfg.Symbols, Prices: a.prices, Bus: a.bus}
		g.Go(func() error { return feed.Run(ctx) })
	} else {
		g.Go(func() error { return a.prices.Run(ctx, 30*time.Second) })
	}
	if cfg.APIEnabled && !runNoAPI {
		gin.SetMode(gin.ReleaseMode)
		server := api.NewServer(api.Config{
			Engine:            svc,
			Settings:          a.settings,
			Bus:               a.bus,
			Metrics:           a.metrics,
			JWTSecret:         cfg.JWTSecret,
			AdminPasswordHash: cfg.AdminPasswordHash,
		})
		g.Go(func() error { return server.Run(ctx, ":"+cfg.Port) })
		logger.Infof("[main] API listening on :%s", cfg.Port)
	}

	err = g.Wait()
	logger.Infof("[main] shutdown complete")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
