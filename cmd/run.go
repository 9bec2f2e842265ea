package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/api"
	"github.com/happidaswork-netizen/d2ilite/internal/app"
	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

type runFlags struct {
	strategy   string
	outputMode string
	noFallback bool
	statusAddr string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run or resume the crawl",
		Long: `Runs every stage of the crawl, skipping entities already checkpointed as
done. SIGINT or SIGTERM pauses the run at the next safe point. The final run
report is printed to stdout. Exit status is 0 when finished, 2 when paused
and 1 when aborted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.strategy, "strategy", "", "initial fetch strategy (fast or browser)")
	cmd.Flags().StringVar(&flags.outputMode, "output-mode", "", "full, images_only or images_only_with_record")
	cmd.Flags().BoolVar(&flags.noFallback, "no-fallback", false, "never switch to the browser strategy")
	cmd.Flags().StringVar(&flags.statusAddr, "status-addr", "", "serve status and metrics on this address")
	return cmd
}

func (f *runFlags) apply(cmd *cobra.Command, e *env) {
	if cmd.Flags().Changed("strategy") {
		e.cfg.Run.Strategy = crawler.Strategy(f.strategy)
	}
	if cmd.Flags().Changed("output-mode") {
		e.cfg.Run.OutputMode = f.outputMode
	}
	if f.noFallback {
		e.cfg.Run.FallbackEnabled = false
	}
	if cmd.Flags().Changed("status-addr") {
		e.cfg.Status.Addr = f.statusAddr
	}
}

func runCrawl(cmd *cobra.Command, flags *runFlags) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	flags.apply(cmd, e)
	if err := e.cfg.Validate(); err != nil {
		return err
	}
	logger := e.logger

	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("pause requested", zap.String("signal", sig.String()))
			cancel(crawler.ErrOperatorPause)
		case <-ctx.Done():
		}
	}()

	services, err := app.NewApp(ctx, e.cfg, logger)
	if err != nil {
		return err
	}
	defer services.Close(context.WithoutCancel(ctx))

	p, err := services.Pipeline()
	if err != nil {
		return err
	}

	if e.cfg.Status.Addr != "" {
		srv, err := api.NewServer(p, services.Registry(), services.Clock(), logger.Named("api"))
		if err != nil {
			return err
		}
		srvCtx, stopSrv := context.WithCancel(context.WithoutCancel(ctx))
		srvDone := make(chan struct{})
		go func() {
			defer close(srvDone)
			if err := srv.ListenAndServe(srvCtx, e.cfg.Status.Addr); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
		defer func() {
			stopSrv()
			<-srvDone
		}()
	}

	rep, runErr := p.Run(ctx)
	if rep.RunID != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			logger.Warn("print run report failed", zap.Error(err))
		}
	}
	if runErr != nil {
		return &exitError{code: crawler.RunStatusAborted.ExitCode(), err: fmt.Errorf("run: %w", runErr)}
	}
	logger.Info("run complete",
		zap.String("status", string(rep.Status)),
		zap.String("final_state", string(rep.FinalState)),
		zap.String("reason", rep.StatusReason),
	)
	if code := rep.Status.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}
