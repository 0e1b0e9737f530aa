// Package commands implements the commands of the netsplit CLI
package commands

import (
	"context"
	"fmt"

	"github.com/grafana/netsplit/internal/version"
	"github.com/grafana/netsplit/pkg/runtime"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCommand maintains the state for executing the root command
type RootCommand struct {
	env runtime.Environment
	cmd *cobra.Command
}

// BuildRootCmd builds the root command with the persistent flags and the given subcommands.
func BuildRootCmd(env runtime.Environment, log *logrus.Logger, subcmds []*cobra.Command) *RootCommand {
	var level string

	rootCmd := &cobra.Command{
		Use:   "netsplit",
		Short: "Partition the network of a cluster under test",
		Long: "A command for cutting the network between the members of a cluster and between\n" +
			"the cluster and its clients. Requires either to be run as root, or the NET_ADMIN capability.",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			parsed, err := logrus.ParseLevel(level)
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			log.SetLevel(parsed)

			return nil
		},
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&level, "log-level", "info", "log level (debug, info, warn, error)")

	for _, c := range subcmds {
		rootCmd.AddCommand(c)
	}

	return &RootCommand{
		env: env,
		cmd: rootCmd,
	}
}

// BuildSubcommands returns all the netsplit subcommands
func BuildSubcommands(env runtime.Environment, log *logrus.Logger) []*cobra.Command {
	return []*cobra.Command{
		BuildPartitionCmd(env, log),
		BuildIsolateClientsCmd(env, log),
		BuildCleanupCmd(env),
	}
}

// Do executes the root command with the arguments of the environment
func (r *RootCommand) Do(ctx context.Context) error {
	args := r.env.Args()
	if len(args) > 0 {
		args = args[1:]
	}
	r.cmd.SetArgs(args)

	return r.cmd.ExecuteContext(ctx)
}
