package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"algotrader/internal/lock"
	"algotrader/internal/logger"
)

// withApp builds the app for a one-shot command. Commands that change
// trading state take the instance lock first so they cannot race `run`.
func withApp(cmd *cobra.Command, mutates bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if mutates {
		l, err := lock.Acquire(cfg.LockPath, string(cfg.Mode))
		if err != nil {
			return err
		}
		defer func() {
			if err := l.Release(); err != nil {
				logger.Warnf("[main] release lock: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
