package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-intake/internal/engine"
	"github.com/sells-group/crm-intake/internal/model"
	"github.com/sells-group/crm-intake/internal/monitoring"
	"github.com/sells-group/crm-intake/internal/resilience"
)

var (
	ingestInput      string
	ingestCheckpoint string
	ingestDLQ        string
	ingestChunk      int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Process a batch of provider records",
	Long:  "Reads JSONL provider records, resolves each against the entity store, and merges, flags, or creates entities. Records are processed in chunks with the checkpoint written after each, so an interrupted batch resumes without skipping records. Failed records land in the dead letter file when --dlq is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}
		ctx := cmd.Context()

		records, err := readRecords(ingestInput)
		if err != nil {
			return err
		}

		checkpoint, err := readCheckpoint(ingestCheckpoint)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		var dlq resilience.DeadLetterSink
		if ingestDLQ != "" {
			fileDLQ, err := resilience.OpenFileDLQ(ingestDLQ)
			if err != nil {
				return err
			}
			defer fileDLQ.Close() //nolint:errcheck
			dlq = fileDLQ
		}

		eng, _, err := initEngine(st, dlq)
		if err != nil {
			return err
		}

		zap.L().Info("ingest starting",
			zap.Int("records", len(records)),
			zap.Int("offset", checkpoint.Offset),
			zap.Int("chunk", ingestChunk),
		)

		// The checker watches the shared collector for the duration of the
		// batch and does a final sweep when the batch finishes.
		collector := monitoring.NewCollector()
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		checkCtx, stopChecker := context.WithCancel(ctx)
		var checkerDone sync.WaitGroup
		checkerDone.Add(1)
		go func() {
			defer checkerDone.Done()
			checker.Run(checkCtx)
		}()

		total, runErr := runChunks(ctx, eng, collector, records, checkpoint)

		stopChecker()
		checkerDone.Wait()

		if runErr != nil {
			return eris.Wrap(runErr, "ingest run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(total)
	},
}

// runChunks drives the engine over the input in chunk-sized slices,
// observing each chunk's outcome and persisting the checkpoint between
// chunks so a crash mid-batch loses at most one chunk of progress.
func runChunks(ctx context.Context, eng *engine.Engine, collector *monitoring.Collector, records []model.IncomingRecord, checkpoint engine.Checkpoint) (*engine.BatchResult, error) {
	chunk := ingestChunk
	if chunk <= 0 {
		chunk = len(records)
	}

	total := &engine.BatchResult{Checkpoint: checkpoint}
	for off := checkpoint.Offset; off < len(records); {
		end := off + chunk
		if end > len(records) {
			end = len(records)
		}

		result, err := eng.Run(ctx, records[:end], engine.Checkpoint{Offset: off})
		if result != nil {
			accumulate(total, result)
			collector.Observe(monitoring.Observation{
				Processed: result.Processed,
				Created:   result.Created,
				Merged:    result.Merged,
				Flagged:   result.Flagged,
				Rejected:  result.Rejected,
				Failed:    result.Failed,
			})
			if werr := writeCheckpoint(ingestCheckpoint, result.Checkpoint); werr != nil {
				zap.L().Warn("checkpoint write failed", zap.Error(werr))
			}
		}
		if err != nil {
			return total, err
		}
		if result == nil || result.Checkpoint.Offset <= off {
			break
		}
		off = result.Checkpoint.Offset
	}
	return total, nil
}

// accumulate folds one chunk result into the batch total.
func accumulate(total, r *engine.BatchResult) {
	total.Processed += r.Processed
	total.Created += r.Created
	total.Merged += r.Merged
	total.Flagged += r.Flagged
	total.Rejected += r.Rejected
	total.Failed += r.Failed
	total.Errors = append(total.Errors, r.Errors...)
	total.Checkpoint = r.Checkpoint
}

// readRecords loads one IncomingRecord per line, skipping blank lines.
func readRecords(path string) ([]model.IncomingRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open input")
	}
	defer f.Close() //nolint:errcheck

	var records []model.IncomingRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec model.IncomingRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, eris.Wrapf(err, "parse record at line %d", line)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "read input")
	}
	return records, nil
}

func readCheckpoint(path string) (engine.Checkpoint, error) {
	var cp engine.Checkpoint
	if path == "" {
		return cp, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cp, nil
	}
	if err != nil {
		return cp, eris.Wrap(err, "read checkpoint")
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, eris.Wrap(err, "parse checkpoint")
	}
	return cp, nil
}

func writeCheckpoint(path string, cp engine.Checkpoint) error {
	if path == "" {
		return nil
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return eris.Wrap(err, "marshal checkpoint")
	}
	return os.WriteFile(path, data, 0o644)
}

func init() {
	ingestCmd.Flags().StringVar(&ingestInput, "input", "", "JSONL file of provider records (required)")
	ingestCmd.Flags().StringVar(&ingestCheckpoint, "checkpoint", "", "checkpoint file for resumable batches")
	ingestCmd.Flags().StringVar(&ingestDLQ, "dlq", "", "dead letter file for failed records")
	ingestCmd.Flags().IntVar(&ingestChunk, "chunk", 500, "records per chunk between checkpoint writes")
	_ = ingestCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(ingestCmd)
}
