// Command dagflow validates and runs YAML workflow definitions.
//
//	dagflow validate pipeline.yaml
//	dagflow --config dagflow.yaml run --input region=eu pipeline.yaml
//	dagflow --config dagflow.yaml history --workflow pipeline
package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/dshills/dagflow/config"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "dagflow:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "dagflow",
		Usage:                 "Validate and run DAG workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Sources: cli.EnvVars("DAGFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error), overriding the configuration",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			historyCommand(),
		},
	}
}

// loadConfig applies the global flags on top of the file and environment.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	override := &config.Config{}
	override.Log.Level = cmd.String("log-level")
	return config.NewLoader().
		WithConfigPath(cmd.String("config")).
		WithEnvPrefix("DAGFLOW").
		WithOverride(override).
		Load()
}
