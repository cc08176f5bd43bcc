package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-intake/internal/engine"
	"github.com/sells-group/crm-intake/internal/model"
	"github.com/sells-group/crm-intake/internal/resilience"
)

var (
	dlqFile  string
	dlqType  string
	dlqLimit int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered records",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered records",
	Long:  "Prints entries from the dead letter file, optionally filtered by error type.",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := resilience.ReadDLQ(dlqFile, resilience.DLQFilter{
			ErrorType: dlqType,
			Limit:     dlqLimit,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay dead-lettered records through intake",
	Long:  "Runs every replayable entry back through the intake pipeline. Succeeded and rejected entries leave the queue; entries that fail again stay with a spent retry. Permanent entries are kept untouched until an operator drops them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}
		ctx := cmd.Context()

		entries, err := resilience.ReadDLQ(dlqFile, resilience.DLQFilter{})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			zap.L().Info("dead letter queue empty", zap.String("file", dlqFile))
			return nil
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		eng, _, err := initEngine(st, nil)
		if err != nil {
			return err
		}

		summary, remaining := replayEntries(ctx, eng, entries, time.Now().UTC())

		if err := resilience.WriteDLQ(dlqFile, remaining); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

type replaySummary struct {
	Replayed  int `json:"replayed"`
	Succeeded int `json:"succeeded"`
	Rejected  int `json:"rejected"`
	Refailed  int `json:"refailed"`
	Skipped   int `json:"skipped"`
}

// replayEntries pushes each replayable entry back through the engine and
// returns the entries that must stay queued.
func replayEntries(ctx context.Context, eng *engine.Engine, entries []resilience.DLQEntry, now time.Time) (replaySummary, []resilience.DLQEntry) {
	var summary replaySummary
	remaining := make([]resilience.DLQEntry, 0, len(entries))

	for _, entry := range entries {
		if !entry.CanRetry() {
			summary.Skipped++
			remaining = append(remaining, entry)
			continue
		}

		summary.Replayed++
		result, err := eng.Run(ctx, []model.IncomingRecord{entry.Record}, engine.Checkpoint{})

		switch {
		case err == nil && result != nil && result.Rejected > 0:
			// A rejected record can never succeed; drop it from the queue.
			summary.Rejected++
		case err == nil && result != nil && result.Failed == 0:
			summary.Succeeded++
		default:
			cause := err
			if cause == nil && result != nil && len(result.Errors) > 0 {
				cause = eris.New(result.Errors[0].Message)
			}
			if cause == nil {
				cause = eris.New("replay failed")
			}
			entry.MarkFailed(cause, now)
			summary.Refailed++
			remaining = append(remaining, entry)
		}
	}
	return summary, remaining
}

func init() {
	dlqCmd.PersistentFlags().StringVar(&dlqFile, "file", "", "dead letter file (required)")
	_ = dlqCmd.MarkPersistentFlagRequired("file")

	dlqListCmd.Flags().StringVar(&dlqType, "type", "", `filter by error type: "transient" or "permanent"`)
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 0, "maximum entries to print (0 = all)")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}
