package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.od2.network/jobgate/pkg/billing"
	"go.od2.network/jobgate/pkg/ingest"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.od2.network/jobgate/pkg/jobqueue/kafkasink"
	"go.od2.network/jobgate/pkg/jobqueue/memstore"
	"go.od2.network/jobgate/pkg/redisqueue"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Job queue config keys.
const (
	ConfQueueStore           = "queue.store"
	ConfQueuePrefix          = "queue.prefix"
	ConfQueueFailuresTopic   = "queue.failures_topic"
	ConfQueueJanitorInterval = "queue.janitor.interval"
	ConfQueueJanitorBatch    = "queue.janitor.batch"

	ConfIngestMaxAttempts  = "ingest.queue.max_attempts"
	ConfIngestBackoff      = "ingest.queue.backoff"
	ConfBillingMaxAttempts = "billing.queue.max_attempts"
	ConfBillingBackoff     = "billing.queue.backoff"
	// Completed billing jobs absorb provider redeliveries of the same event ID,
	// so they are kept for longer than the provider retries.
	ConfBillingRetentionCount = "billing.queue.retention.completed.max_count"
	ConfBillingRetentionAge   = "billing.queue.retention.completed.max_age"

	ConfRetentionCompletedCount = "queue.retention.completed.max_count"
	ConfRetentionCompletedAge   = "queue.retention.completed.max_age"
	ConfRetentionFailedCount    = "queue.retention.failed.max_count"
	ConfRetentionFailedAge      = "queue.retention.failed.max_age"
)

func init() {
	viper.SetDefault(ConfQueueStore, "redis")
	viper.SetDefault(ConfQueuePrefix, "jobgate_")
	viper.SetDefault(ConfQueueFailuresTopic, "")
	viper.SetDefault(ConfQueueJanitorInterval, time.Second)
	viper.SetDefault(ConfQueueJanitorBatch, 128)

	viper.SetDefault(ConfIngestMaxAttempts, 3)
	viper.SetDefault(ConfIngestBackoff, 30*time.Second)
	viper.SetDefault(ConfBillingMaxAttempts, 5)
	viper.SetDefault(ConfBillingBackoff, 5*time.Second)
	viper.SetDefault(ConfBillingRetentionCount, 100000)
	viper.SetDefault(ConfBillingRetentionAge, 7*24*time.Hour)

	viper.SetDefault(ConfRetentionCompletedCount, 1000)
	viper.SetDefault(ConfRetentionCompletedAge, 24*time.Hour)
	viper.SetDefault(ConfRetentionFailedCount, 5000)
	viper.SetDefault(ConfRetentionFailedAge, 7*24*time.Hour)
}

// NewQueueStore returns the Redis job store,
// or a process-local store if queue.store is "memory".
func NewQueueStore(log *zap.Logger, rd *redis.Client) (jobqueue.Store, error) {
	switch backend := viper.GetString(ConfQueueStore); backend {
	case "redis":
		return &redisqueue.Store{
			Redis:  rd,
			Prefix: viper.GetString(ConfQueuePrefix),
		}, nil
	case "memory":
		log.Warn("Using in-memory job store, jobs are lost on exit")
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown %s: %q", ConfQueueStore, backend)
	}
}

// NewFailureSink publishes permanent job failures to Kafka if a topic is configured,
// and logs them otherwise.
func NewFailureSink(log *zap.Logger, lc fx.Lifecycle) (jobqueue.FailureSink, error) {
	topic := viper.GetString(ConfQueueFailuresTopic)
	if topic == "" {
		return jobqueue.LogSink{Log: log.Named("failures")}, nil
	}
	config, err := NewSaramaConfig(log)
	if err != nil {
		return nil, err
	}
	client, err := NewSaramaClient(lc, log, config)
	if err != nil {
		return nil, err
	}
	producer, err := NewSaramaSyncProducer(log, client, lc)
	if err != nil {
		return nil, err
	}
	log.Info("Publishing job failures to Kafka",
		zap.String(ConfQueueFailuresTopic, topic))
	return &kafkasink.Sink{Producer: producer, Topic: topic}, nil
}

// NewQueue builds the job queue with policies for the ingest and billing queues.
func NewQueue(log *zap.Logger, store jobqueue.Store, sink jobqueue.FailureSink, meter metric.Meter) (*jobqueue.Queue, error) {
	metrics, err := jobqueue.NewMetrics(meter)
	if err != nil {
		return nil, err
	}
	q := jobqueue.New(store, log.Named("queue"))
	q.Sink = sink
	q.Metrics = metrics
	retention := jobqueue.RetentionPolicy{
		Completed: jobqueue.Retention{
			MaxCount: viper.GetInt(ConfRetentionCompletedCount),
			MaxAge:   viper.GetDuration(ConfRetentionCompletedAge),
		},
		Failed: jobqueue.Retention{
			MaxCount: viper.GetInt(ConfRetentionFailedCount),
			MaxAge:   viper.GetDuration(ConfRetentionFailedAge),
		},
	}
	q.ConfigureDefaults(ingest.QueueName, jobqueue.Policy{
		MaxAttempts: viper.GetInt(ConfIngestMaxAttempts),
		Backoff:     jobqueue.Backoff{Base: viper.GetDuration(ConfIngestBackoff)},
		Retention:   retention,
	})
	billingRetention := retention
	billingRetention.Completed = jobqueue.Retention{
		MaxCount: viper.GetInt(ConfBillingRetentionCount),
		MaxAge:   viper.GetDuration(ConfBillingRetentionAge),
	}
	q.ConfigureDefaults(billing.QueueName, jobqueue.Policy{
		MaxAttempts: viper.GetInt(ConfBillingMaxAttempts),
		Backoff:     jobqueue.Backoff{Base: viper.GetDuration(ConfBillingBackoff)},
		Retention:   billingRetention,
	})
	return q, nil
}

// NewRuntime creates an empty worker runtime.
func NewRuntime(log *zap.Logger, q *jobqueue.Queue) *jobqueue.Runtime {
	return jobqueue.NewRuntime(q, log.Named("runtime"), jobqueue.RuntimeOptions{
		JanitorInterval: viper.GetDuration(ConfQueueJanitorInterval),
		JanitorBatch:    viper.GetInt(ConfQueueJanitorBatch),
	})
}

// LifecycleRun runs a blocking component between app start and stop.
// If it exits on its own, the app shuts down.
func LifecycleRun(log *zap.Logger, lc fx.Lifecycle, shutdown fx.Shutdowner, name string, run func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				err := run(ctx)
				if ctx.Err() == nil {
					log.Error("Component exited", zap.String("component", name), zap.Error(err))
					_ = shutdown.Shutdown()
				} else if err != nil {
					log.Warn("Component stopped with error", zap.String("component", name), zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

