package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/app"
	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

func newClearBackoffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-backoff",
		Short: "Lift a persisted backoff so the next run fetches immediately",
		RunE:  runClearBackoff,
	}
}

func runClearBackoff(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := app.OpenStore(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	prev, err := store.LoadBackoff(ctx)
	if err != nil {
		return fmt.Errorf("load backoff: %w", err)
	}
	if err := store.SaveBackoff(ctx, crawler.BackoffState{}); err != nil {
		return fmt.Errorf("clear backoff: %w", err)
	}
	e.logger.Info("backoff cleared",
		zap.Bool("was_active", prev.Active),
		zap.Time("retry_after", prev.RetryAfter),
		zap.String("reason", prev.TriggerReason),
	)
	fmt.Fprintln(cmd.OutOrStdout(), "backoff cleared")
	return nil
}
