package admin_tool

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.od2.network/jobgate/cmd/providers"
	"go.od2.network/jobgate/pkg/store"
	"go.od2.network/jobgate/pkg/types"
	"go.uber.org/zap"
)

var sourcesCmd = cobra.Command{
	Use:   "sources",
	Short: "Manage ingestion sources",
}

func init() {
	Cmd.AddCommand(&sourcesCmd)
}

var sourcesAddCmd = cobra.Command{
	Use:   "add <url> [tags]",
	Short: "Add feed source with comma-separated tags",
	Args:  cobra.RangeArgs(1, 2),
	Run:   providers.NewCmd(runSourcesAdd),
}

var sourcesListCmd = cobra.Command{
	Use:   "list",
	Short: "List active feed sources",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runSourcesList),
}

var sourcesEnableCmd = cobra.Command{
	Use:   "enable <id>",
	Short: "Resume ingesting a source",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(setSourceActive(true)),
}

var sourcesDisableCmd = cobra.Command{
	Use:   "disable <id>",
	Short: "Stop ingesting a source",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(setSourceActive(false)),
}

func init() {
	sourcesCmd.AddCommand(&sourcesAddCmd, &sourcesListCmd, &sourcesEnableCmd, &sourcesDisableCmd)
}

func runSourcesAdd(ctx context.Context, log *zap.Logger, args []string, st *store.Store) error {
	var tags types.Tags
	if len(args) > 1 {
		tags = types.MergeTags(strings.Split(args[1], ","))
	}
	id, err := st.AddSource(ctx, args[0], tags)
	if err != nil {
		return err
	}
	log.Info("Added source",
		zap.Int64("source.id", id),
		zap.String("source.url", args[0]))
	return nil
}

func runSourcesList(ctx context.Context, st *store.Store) error {
	sources, err := st.FindActiveSources(ctx)
	if err != nil {
		return err
	}
	return printJSON(sources)
}

func setSourceActive(active bool) func(ctx context.Context, log *zap.Logger, args []string, st *store.Store) error {
	return func(ctx context.Context, log *zap.Logger, args []string, st *store.Store) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid source ID: %s", args[0])
		}
		if err := st.SetSourceActive(ctx, id, active); err != nil {
			return err
		}
		log.Info("Updated source",
			zap.Int64("source.id", id),
			zap.Bool("source.active", active))
		return nil
	}
}
