package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/app"
	"github.com/happidaswork-netizen/d2ilite/internal/checkpoint"
	"github.com/happidaswork-netizen/d2ilite/internal/clock/system"
	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
	"github.com/happidaswork-netizen/d2ilite/internal/records"
	"github.com/happidaswork-netizen/d2ilite/internal/report"
)

type statusOutput struct {
	OutputRoot    string                                             `json:"output_root"`
	Stages        map[crawler.Stage]map[crawler.CheckpointStatus]int `json:"stages"`
	Backoff       crawler.BackoffState                               `json:"backoff"`
	BackoffActive bool                                               `json:"backoff_active"`
	LastRun       *lastRun                                           `json:"last_run,omitempty"`
}

type lastRun struct {
	RunID        string            `json:"run_id"`
	Status       crawler.RunStatus `json:"status"`
	FinalState   crawler.RunState  `json:"final_state"`
	StatusReason string            `json:"status_reason,omitempty"`
	FinishedAt   time.Time         `json:"finished_at"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print checkpoint counts, backoff state and the last run outcome",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
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

	out := statusOutput{
		OutputRoot: e.cfg.Run.OutputRoot,
		Stages:     make(map[crawler.Stage]map[crawler.CheckpointStatus]int, len(crawler.Stages)),
	}
	for _, stage := range crawler.Stages {
		entries, err := store.List(ctx, stage)
		if err != nil {
			return fmt.Errorf("list %s checkpoints: %w", stage, err)
		}
		out.Stages[stage] = checkpoint.Counts(entries)
	}
	out.Backoff, err = store.LoadBackoff(ctx)
	if err != nil {
		return fmt.Errorf("load backoff: %w", err)
	}
	out.BackoffActive = out.Backoff.ActiveAt(system.New().Now())

	reportPath := filepath.Join(e.cfg.Run.OutputRoot, filepath.FromSlash(records.RunReportFile))
	rep, err := report.Read(reportPath)
	switch {
	case err == nil:
		out.LastRun = &lastRun{
			RunID:        rep.RunID,
			Status:       rep.Status,
			FinalState:   rep.FinalState,
			StatusReason: rep.StatusReason,
			FinishedAt:   rep.FinishedAt,
		}
	case !errors.Is(err, os.ErrNotExist):
		e.logger.Warn("run report unreadable", zap.Error(err))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return nil
}
