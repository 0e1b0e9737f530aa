package commands

import (
	"syscall"

	"github.com/grafana/netsplit/pkg/runtime"
	"github.com/spf13/cobra"
)

// BuildCleanupCmd returns a cobra command that stops a running instance. The instance
// lifts its disruption before exiting.
func BuildCleanupCmd(env runtime.Environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "stops any ongoing disruption",
		RunE: func(_ *cobra.Command, _ []string) error {
			runningProcess := env.Lock().Owner()
			// no instance is currently running
			if runningProcess == -1 {
				return nil
			}

			return syscall.Kill(runningProcess, syscall.SIGTERM)
		},
	}

	return cmd
}
