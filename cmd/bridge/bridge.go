package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/jobgate/cmd/providers"
	"go.od2.network/jobgate/pkg/billing"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.od2.network/jobgate/pkg/jobqueue/fromkafka"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Cmd is the bridge sub-command.
var Cmd = cobra.Command{
	Use:   "bridge",
	Short: "Move jobs from Kafka onto a job queue",
	Long: "Consumes JSON job payloads from Kafka topics and enqueues them.\n" +
		"Message keys are used as dedup keys, so redelivered messages are absorbed.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd, fx.Invoke(Run))
		app.Run()
	},
}

// Bridge config keys.
const (
	ConfTopics        = "bridge.topics"
	ConfConsumerGroup = "bridge.consumer_group"
	ConfQueue         = "bridge.queue"
	ConfInterval      = "bridge.interval"
	ConfBatch         = "bridge.batch"
	ConfRetryTimeout  = "bridge.retry_timeout"
)

func init() {
	viper.SetDefault(ConfTopics, []string{"billing-events"})
	viper.SetDefault(ConfConsumerGroup, "jobgate-bridge")
	viper.SetDefault(ConfQueue, billing.QueueName)
	viper.SetDefault(ConfInterval, 2*time.Second)
	viper.SetDefault(ConfBatch, uint(256))
	viper.SetDefault(ConfRetryTimeout, time.Minute)
}

type bridgeIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Shutdown  fx.Shutdowner
	Queue     *jobqueue.Queue
}

// Run consumes the configured topics with the app.
func Run(log *zap.Logger, inputs bridgeIn) error {
	topics := viper.GetStringSlice(ConfTopics)
	if len(topics) == 0 {
		return fmt.Errorf("no topics configured in %s", ConfTopics)
	}
	config, err := providers.NewSaramaConfig(log)
	if err != nil {
		return err
	}
	client, err := providers.NewSaramaClient(inputs.Lifecycle, log, config)
	if err != nil {
		return err
	}
	group, err := providers.NewSaramaConsumerGroup(inputs.Lifecycle, log, client, viper.GetString(ConfConsumerGroup))
	if err != nil {
		return err
	}
	worker := &fromkafka.Worker{
		Queue:        inputs.Queue,
		Log:          log.Named("bridge"),
		QueueName:    viper.GetString(ConfQueue),
		MaxDelay:     viper.GetDuration(ConfInterval),
		BatchSize:    viper.GetUint(ConfBatch),
		RetryTimeout: viper.GetDuration(ConfRetryTimeout),
	}
	log.Info("Bridging Kafka topics",
		zap.Strings("kafka.topics", topics),
		zap.String("job.queue", worker.QueueName))
	providers.LifecycleRun(log, inputs.Lifecycle, inputs.Shutdown, "bridge", func(ctx context.Context) error {
		for ctx.Err() == nil {
			// Consume returns on every rebalance.
			if err := group.Consume(ctx, topics, worker); err != nil {
				return fmt.Errorf("consumer group exited: %w", err)
			}
		}
		return nil
	})
	return nil
}
