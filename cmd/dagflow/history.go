package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	cli "github.com/urfave/cli/v3"

	"github.com/dshills/dagflow/workflow/store"
)

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List archived executions, or show one by id",
		ArgsUsage: "[EXECUTION_ID]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Aliases: []string{"w"}, Usage: "Only list executions of this workflow"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Maximum executions to list (0 for all)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt := &runtime{}
			s, err := newStore(cfg.Store, rt)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := rt.Close(); cerr != nil {
					fmt.Fprintln(cmd.Root().ErrWriter, "close store:", cerr)
				}
			}()
			if s == nil || cfg.Store.Backend == "memory" {
				return cli.Exit("history needs a persistent store backend (sqlite, mysql or postgres)", 2)
			}

			if id := cmd.Args().First(); id != "" {
				rec, err := s.Load(ctx, id)
				if err != nil {
					return fmt.Errorf("execution %s: %w", id, err)
				}
				enc := json.NewEncoder(cmd.Root().Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}

			recs, err := s.List(ctx, cmd.String("workflow"), cmd.Int("limit"))
			if err != nil {
				return err
			}
			printRecords(cmd, recs)
			return nil
		},
	}
}

func printRecords(cmd *cli.Command, recs []store.Record) {
	tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTION\tWORKFLOW\tSTATUS\tSTARTED\tDURATION")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ExecutionID, r.WorkflowName, r.Status,
			r.StartTime.Format(time.RFC3339), r.EndTime.Sub(r.StartTime).Round(time.Millisecond))
	}
	_ = tw.Flush()
}
