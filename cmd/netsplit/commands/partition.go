package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/grafana/netsplit/pkg/agent"
	"github.com/grafana/netsplit/pkg/disruption"
	"github.com/grafana/netsplit/pkg/runtime"
	"github.com/grafana/netsplit/pkg/topology"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// buildController loads the topology and returns a controller using the provider selected by the environment
func buildController(env runtime.Environment, log logrus.FieldLogger, path string) (*disruption.Controller, *topology.Topology, error) {
	topo, err := topology.Load(path)
	if err != nil {
		return nil, nil, err
	}

	provider, err := disruption.ProviderFromEnv(env, log)
	if err != nil {
		return nil, nil, err
	}

	controller := disruption.NewController(
		topo,
		disruption.WithProvider(provider),
		disruption.WithLogger(log),
	)

	return controller, topo, nil
}

// parseSplits parses comma separated member lists into split clusters
func parseSplits(values []string) []disruption.SplitCluster {
	splits := make([]disruption.SplitCluster, 0, len(values))
	for _, v := range values {
		members := []topology.MemberID{}
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				members = append(members, topology.MemberID(m))
			}
		}
		splits = append(splits, disruption.NewSplitCluster(members...))
	}

	return splits
}

// BuildPartitionCmd returns a cobra command that partitions the members of a topology
func BuildPartitionCmd(env runtime.Environment, log *logrus.Logger) *cobra.Command {
	var duration time.Duration
	var topologyFile string
	var splits []string

	cmd := &cobra.Command{
		Use:   "partition",
		Short: "cuts the network between groups of members",
		Long: "Cuts the traffic between members in different groups. Each --split flag is a comma separated\n" +
			"list of member names. Members of the same group keep talking to each other.",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			controller, _, err := buildController(env, log, topologyFile)
			if err != nil {
				return err
			}

			defer func() {
				if closeErr := controller.Close(); closeErr != nil && err == nil {
					err = fmt.Errorf("cleaning up: %w", closeErr)
				}
			}()

			partition, err := controller.NewPartition(parseSplits(splits)...)
			if err != nil {
				return err
			}

			return agent.BuildAgent(env, log).ApplyDisruption(cmd.Context(), partition, duration)
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "duration of the disruption, until interrupted if 0")
	cmd.Flags().StringVarP(&topologyFile, "topology", "t", "", "topology file")
	cmd.Flags().StringArrayVarP(&splits, "split", "s", nil, "comma separated members of a split cluster")
	_ = cmd.MarkFlagRequired("topology")

	return cmd
}

// BuildIsolateClientsCmd returns a cobra command that cuts the clients from every member
func BuildIsolateClientsCmd(env runtime.Environment, log *logrus.Logger) *cobra.Command {
	var duration time.Duration
	var delay time.Duration
	var topologyFile string

	cmd := &cobra.Command{
		Use:   "isolate-clients",
		Short: "cuts the network between clients and members",
		Long: "Cuts the traffic from clients to every member. With the proxy provider, prints the cluster URI\n" +
			"clients must use and relays their traffic for --delay before cutting it.",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			controller, topo, err := buildController(env, log, topologyFile)
			if err != nil {
				return err
			}

			defer func() {
				if closeErr := controller.Close(); closeErr != nil && err == nil {
					err = fmt.Errorf("cleaning up: %w", closeErr)
				}
			}()

			if _, err = controller.UpdatePortsWithProxy(topo); err != nil {
				return err
			}

			isolation, err := controller.NewClientToServerDisruptor()
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), isolation.URI())

			if delay > 0 {
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(delay):
				}
			}

			return agent.BuildAgent(env, log).ApplyDisruption(cmd.Context(), isolation, duration)
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "duration of the disruption, until interrupted if 0")
	cmd.Flags().DurationVar(&delay, "delay", 0, "time clients can use the relays before the disruption starts")
	cmd.Flags().StringVarP(&topologyFile, "topology", "t", "", "topology file")
	_ = cmd.MarkFlagRequired("topology")

	return cmd
}
