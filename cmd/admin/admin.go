package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/jobgate/cmd/providers"
	"go.od2.network/jobgate/pkg/billing"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.od2.network/jobgate/pkg/management"
	"go.od2.network/jobgate/pkg/quota"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Cmd is the admin sub-command.
var Cmd = cobra.Command{
	Use:   "admin",
	Short: "Run admin HTTP API",
	Long: "Serves queue inspection, provider event submission, plan gates and metrics over HTTP.\n" +
		"It is safe to load-balance multiple admin servers.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd, Options()...)
		app.Run()
	},
}

// Admin config keys.
const (
	ConfListenNet     = "admin.listen.net"
	ConfListenAddr    = "admin.listen.addr"
	ConfHealthTimeout = "admin.health_timeout"
)

func init() {
	viper.SetDefault(ConfListenNet, "tcp")
	viper.SetDefault(ConfListenAddr, "localhost:7700")
	viper.SetDefault(ConfHealthTimeout, 2*time.Second)
}

// Options sets up the Prometheus exporter and returns the app options of the admin server.
// Must be called before the app is built.
func Options() []fx.Option {
	exporter, err := providers.SetupPrometheus()
	if err != nil {
		providers.Log.Fatal("Failed to set up metrics", zap.Error(err))
	}
	return []fx.Option{
		fx.Provide(func() http.Handler { return exporter }),
		fx.Invoke(Run),
	}
}

type adminIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Redis     *redis.Client
	Queue     *jobqueue.Queue
	Submitter *billing.Submitter
	Quota     *quota.Service
	Metrics   http.Handler `optional:"true"`
}

// Run serves the admin API with the app.
func Run(log *zap.Logger, inputs adminIn) {
	healthTimeout := viper.GetDuration(ConfHealthTimeout)
	handler := &management.Handler{
		Queue:   inputs.Queue,
		Log:     log.Named("admin"),
		Events:  inputs.Submitter,
		Tiers:   inputs.Quota,
		Metrics: inputs.Metrics,
		Health: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, healthTimeout)
			defer cancel()
			return inputs.Redis.Ping(ctx).Err()
		},
	}
	server := &http.Server{
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	sock := providers.MustListen(log, viper.GetString(ConfListenNet), viper.GetString(ConfListenAddr))
	providers.LifecycleServe(log, inputs.Lifecycle, sock, server)
}
