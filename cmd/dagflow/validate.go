package main

import (
	"context"
	"errors"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/dshills/dagflow/workflow/dsl"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check workflow definition files without running them",
		ArgsUsage: "FILE...",
		Action: func(_ context.Context, cmd *cli.Command) error {
			files := cmd.Args().Slice()
			if len(files) == 0 {
				return cli.Exit("at least one definition file is required", 2)
			}

			loader := dsl.NewLoader()
			var errs []error
			for _, path := range files {
				def, err := loader.LoadFile(path)
				if err != nil {
					errs = append(errs, err)
					fmt.Fprintf(cmd.Root().ErrWriter, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.Root().Writer, "ok   %s (%s, %d nodes, start: %v)\n",
					path, def.Name(), def.Len(), def.StartNodes())
			}
			if len(errs) > 0 {
				return cli.Exit(errors.Join(errs...).Error(), 1)
			}
			return nil
		},
	}
}
