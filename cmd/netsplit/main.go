// Package main implements the netsplit CLI
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/grafana/netsplit/cmd/netsplit/commands"
	"github.com/grafana/netsplit/pkg/runtime"
	"github.com/sirupsen/logrus"
)

func main() {
	env := runtime.DefaultEnvironment()
	log := logrus.New()

	subcommands := commands.BuildSubcommands(env, log)
	rootCmd := commands.BuildRootCmd(env, log, subcommands)

	if err := rootCmd.Do(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
