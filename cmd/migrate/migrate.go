package migrate

import (
	"github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"
	"go.od2.network/jobgate/cmd/providers"
	"go.od2.network/jobgate/pkg/store"
	"go.uber.org/zap"
)

// Cmd is the migrate sub-command.
var Cmd = cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(Run),
}

// Run migrates the MySQL schema to the latest version.
func Run(log *zap.Logger, cfg *mysql.Config) error {
	return store.Migrate(log.Named("migrate"), cfg)
}
