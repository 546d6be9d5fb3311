package providers

import (
	"context"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Log is the global logger.
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// billing.go
	NewPriceTable,
	NewBillingDispatcher,
	NewBillingSubmitter,
	// ingest.go
	NewFeedFetcher,
	NewIngestWorker,
	// mysql.go
	NewMySQLConfig,
	NewMySQL,
	NewStore,
	// providers.go
	NewContext,
	// queue.go
	NewQueueStore,
	NewFailureSink,
	NewQueue,
	NewRuntime,
	// quota.go
	NewSubscriptionCache,
	NewQuota,
	// redis.go
	NewRedis,
}

// NewApp builds the fx app of a sub-command from the shared providers.
func NewApp(cmd *cobra.Command, opts ...fx.Option) *fx.App {
	baseOpts := []fx.Option{
		fx.Provide(Providers...),
		fx.Supply(cmd),
		fx.Supply(Log),
		fx.Logger(zap.NewStdLog(Log)),
		fx.Supply(global.GetMeterProvider().Meter("jobgate")),
	}
	baseOpts = append(baseOpts, opts...)
	return fx.New(baseOpts...)
}

// NewCmd runs a one-shot command.
// The invoke function runs once all its dependencies are built, then the app stops.
func NewCmd(invoke interface{}) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		app := fx.New(
			fx.Provide(Providers...),
			fx.Supply(cmd),
			fx.Supply(args),
			fx.Supply(Log),
			fx.Logger(zap.NewStdLog(Log)),
			fx.Supply(global.GetMeterProvider().Meter("jobgate")),
			fx.Invoke(invoke),
		)
		if err := app.Err(); err != nil {
			Log.Fatal("Command failed", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
		defer cancel()
		if err := app.Start(ctx); err != nil {
			Log.Fatal("Failed to start", zap.Error(err))
		}
		if err := app.Stop(ctx); err != nil {
			Log.Error("Failed to stop", zap.Error(err))
		}
	}
}

// NewContext returns a context canceled when the app stops.
func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}
