package allinone

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/jobgate/cmd/admin"
	"go.od2.network/jobgate/cmd/providers"
	"go.od2.network/jobgate/cmd/worker"
	"go.uber.org/fx"
)

// Cmd is the all-in-one sub-command.
var Cmd = cobra.Command{
	Use:   "all-in-one",
	Short: "Run workers and the admin API in one process",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		opts := append(admin.Options(),
			fx.StopTimeout(viper.GetDuration(worker.ConfGracePeriod)+5*time.Second),
			fx.Invoke(worker.Run))
		app := providers.NewApp(cmd, opts...)
		app.Run()
	},
}
