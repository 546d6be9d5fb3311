package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/jobgate/cmd/admin"
	"go.od2.network/jobgate/cmd/admin_tool"
	"go.od2.network/jobgate/cmd/allinone"
	"go.od2.network/jobgate/cmd/bridge"
	"go.od2.network/jobgate/cmd/migrate"
	"go.od2.network/jobgate/cmd/providers"
	"go.od2.network/jobgate/cmd/schedule"
	"go.od2.network/jobgate/cmd/worker"
	"go.uber.org/zap"
)

var rootCmd = cobra.Command{
	Use:   "jobgate",
	Short: "Background jobs, content ingestion and plan quotas",

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logConfig zap.Config
		if devMode {
			logConfig = zap.NewDevelopmentConfig()
		} else {
			logConfig = zap.NewProductionConfig()
		}
		log, err := logConfig.Build()
		if err != nil {
			panic("failed to build logger: " + err.Error())
		}
		providers.Log = log
		if configPath != "" {
			viper.SetConfigFile(configPath)
			if err := viper.ReadInConfig(); err != nil {
				log.Fatal("Failed to read config", zap.String("config", configPath), zap.Error(err))
			}
		}
	},
}

var (
	devMode    bool
	configPath string
)

func init() {
	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.BoolVar(&devMode, "dev", false, "Dev mode")
	persistentFlags.StringVar(&configPath, "config", "", "Config file path")

	viper.SetEnvPrefix("JOBGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		&admin.Cmd,
		&admin_tool.Cmd,
		&allinone.Cmd,
		&bridge.Cmd,
		&migrate.Cmd,
		&schedule.Cmd,
		&worker.Cmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
