package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/jobgate/cmd/providers"
	"go.od2.network/jobgate/pkg/ingest"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.uber.org/zap"
)

// Cmd is the schedule sub-command.
var Cmd = cobra.Command{
	Use:   "schedule",
	Short: "Schedule periodic ingestion",
	Long: "Enqueues the repeating ingestion job. Each run schedules the next one.\n" +
		"Running it again is a no-op while the series is pending.",
	Args: cobra.NoArgs,
	Run:  providers.NewCmd(Run),
}

// Schedule config keys.
const (
	ConfInterval = "ingest.interval"
)

// PeriodicKey names the repeating ingestion series.
const PeriodicKey = "ingest:periodic"

func init() {
	viper.SetDefault(ConfInterval, 15*time.Minute)

	flags := Cmd.Flags()
	flags.Bool("now", false, "Enqueue a single run right away instead")
}

// Run enqueues the periodic ingestion series, or a single run with --now.
func Run(ctx context.Context, log *zap.Logger, cmd *cobra.Command, q *jobqueue.Queue) error {
	now, err := cmd.Flags().GetBool("now")
	if err != nil {
		return err
	}
	var handle *jobqueue.Handle
	if now {
		handle, err = q.Enqueue(ctx, ingest.QueueName, ingest.Payload{Trigger: "manual"})
	} else {
		interval := viper.GetDuration(ConfInterval)
		if interval <= 0 {
			return fmt.Errorf("invalid %s: %s", ConfInterval, interval)
		}
		handle, err = q.Enqueue(ctx, ingest.QueueName, ingest.Payload{Trigger: "periodic"},
			jobqueue.WithDedupKey(PeriodicKey),
			jobqueue.WithRepeat(interval))
	}
	if err != nil {
		return err
	}
	log.Info("Scheduled ingestion",
		zap.String("job.id", handle.ID),
		zap.Bool("job.duplicate", handle.Duplicate))
	return nil
}
