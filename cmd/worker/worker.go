package worker

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/jobgate/cmd/providers"
	"go.od2.network/jobgate/pkg/billing"
	"go.od2.network/jobgate/pkg/ingest"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Cmd is the worker sub-command.
var Cmd = cobra.Command{
	Use:   "worker",
	Short: "Run queue workers",
	Long: "Leases jobs from the ingest and billing-events queues and runs them.\n" +
		"It is safe to run multiple worker processes against the same Redis.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd,
			fx.StopTimeout(viper.GetDuration(ConfGracePeriod)+5*time.Second),
			fx.Invoke(Run))
		app.Run()
	},
}

// Worker config keys.
const (
	ConfQueues             = "worker.queues"
	ConfLeaseTTL           = "worker.lease_ttl"
	ConfPollInterval       = "worker.poll_interval"
	ConfGracePeriod        = "worker.grace_period"
	ConfIngestConcurrency  = "worker.ingest.concurrency"
	ConfBillingConcurrency = "worker.billing.concurrency"
	ConfBillingRateLimit   = "worker.billing.rate_limit"
)

func init() {
	viper.SetDefault(ConfQueues, []string{ingest.QueueName, billing.QueueName})
	viper.SetDefault(ConfLeaseTTL, 5*time.Minute)
	viper.SetDefault(ConfPollInterval, time.Second)
	viper.SetDefault(ConfGracePeriod, 30*time.Second)
	viper.SetDefault(ConfIngestConcurrency, 10)
	viper.SetDefault(ConfBillingConcurrency, billing.DefaultConcurrency)
	viper.SetDefault(ConfBillingRateLimit, 0.0)

	flags := Cmd.Flags()
	flags.StringSlice("queues", nil, "Queues to work on (default all)")
	if err := viper.BindPFlag(ConfQueues, flags.Lookup("queues")); err != nil {
		panic(err)
	}
}

type workerIn struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdown   fx.Shutdowner
	Runtime    *jobqueue.Runtime
	Ingest     *ingest.Worker
	Dispatcher *billing.Dispatcher
}

// Run registers the configured queues on the runtime and runs it with the app.
func Run(log *zap.Logger, inputs workerIn) error {
	base := jobqueue.WorkerOptions{
		LeaseTTL:     viper.GetDuration(ConfLeaseTTL),
		PollInterval: viper.GetDuration(ConfPollInterval),
		GracePeriod:  viper.GetDuration(ConfGracePeriod),
	}
	for _, queue := range viper.GetStringSlice(ConfQueues) {
		opts := base
		switch queue {
		case ingest.QueueName:
			opts.Concurrency = viper.GetInt(ConfIngestConcurrency)
			inputs.Runtime.RegisterWorker(queue, inputs.Ingest.Handle, opts)
		case billing.QueueName:
			opts.Concurrency = viper.GetInt(ConfBillingConcurrency)
			if limit := viper.GetFloat64(ConfBillingRateLimit); limit > 0 {
				opts.RateLimit = rate.Limit(limit)
				opts.Burst = opts.Concurrency
			}
			inputs.Runtime.RegisterWorker(queue, inputs.Dispatcher.Handle, opts)
		default:
			return fmt.Errorf("unknown queue: %s", queue)
		}
		log.Info("Registered worker",
			zap.String("job.queue", queue),
			zap.Int("worker.concurrency", opts.Concurrency))
	}
	providers.LifecycleRun(log, inputs.Lifecycle, inputs.Shutdown, "runtime", inputs.Runtime.Run)
	return nil
}
