package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	json "github.com/goccy/go-json"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/dshills/dagflow/config"
	"github.com/dshills/dagflow/workflow"
	"github.com/dshills/dagflow/workflow/dsl"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a workflow and print its final state as JSON",
		ArgsUsage: "FILE...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "workflow",
				Aliases: []string{"w"},
				Usage:   "Workflow to execute when several files are given (default: the first)",
			},
			&cli.StringSliceFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "Initial variable as key=value; repeatable",
			},
			&cli.StringFlag{
				Name:  "inputs-json",
				Usage: "Initial variables as a JSON object, applied before --input",
			},
		},
		Action: runAction,
	}
}

// runResult is the JSON document printed after an execution.
type runResult struct {
	ExecutionID string         `json:"execution_id"`
	Workflow    string         `json:"workflow"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Summary     runSummary     `json:"summary"`
	Variables   map[string]any `json:"variables"`
	Usage       *runUsage      `json:"usage,omitempty"`
}

type runSummary struct {
	TotalNodes     int   `json:"total_nodes"`
	CompletedNodes int   `json:"completed_nodes"`
	FailedNodes    int   `json:"failed_nodes"`
	SkippedNodes   int   `json:"skipped_nodes"`
	TotalRetries   int   `json:"total_retries"`
	DurationMS     int64 `json:"duration_ms"`
}

type runUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	files := cmd.Args().Slice()
	if len(files) == 0 {
		return cli.Exit("at least one definition file is required", 2)
	}
	inputs, err := parseInputs(cmd.String("inputs-json"), cmd.StringSlice("input"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry := workflow.NewMemoryRegistry()
	loader := dsl.NewLoader()
	name := cmd.String("workflow")
	for _, path := range files {
		def, err := loader.LoadFile(path)
		if err != nil {
			return err
		}
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if name == "" {
			name = def.Name()
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			logger.Warn("release resources", zap.Error(cerr))
		}
	}()

	engine, err := workflow.New(registry, rt.executor, rt.options...)
	if err != nil {
		return err
	}
	state, runErr := execute(ctx, engine, cfg, name, inputs, logger)
	if state == nil {
		return runErr
	}

	res := result(state, runErr, rt.usage)
	enc := json.NewEncoder(cmd.Root().Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if state.Status() != workflow.StatusCompleted {
		return cli.Exit(fmt.Sprintf("workflow %s finished %s", name, state.Status()), 1)
	}
	return nil
}

// execute runs name and, when ctx is interrupted, stops the execution and
// waits up to the configured shutdown timeout for it to settle.
func execute(ctx context.Context, engine *workflow.Engine, cfg *config.Config, name string, inputs map[string]any, logger *zap.Logger) (*workflow.WorkflowState, error) {
	x, err := engine.Execute(context.WithoutCancel(ctx), name, inputs)
	if err != nil {
		return nil, err
	}

	select {
	case <-x.Done():
		return x.State(), x.Err()
	case <-ctx.Done():
	}

	logger.Info("interrupted, stopping execution", zap.String("execution_id", x.ID()))
	if err := engine.Stop(x.ID()); err != nil && !errors.Is(err, workflow.ErrExecutionNotFound) {
		return nil, err
	}
	wctx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()
	if _, err := x.Wait(wctx); err != nil && wctx.Err() != nil {
		logger.Warn("execution did not settle before shutdown timeout", zap.String("execution_id", x.ID()))
	}
	return x.State(), x.Err()
}

func result(state *workflow.WorkflowState, runErr error, usage *workflow.UsageTracker) runResult {
	sum := state.Summary()
	res := runResult{
		ExecutionID: state.ExecutionID(),
		Workflow:    state.WorkflowName(),
		Status:      string(state.Status()),
		Summary: runSummary{
			TotalNodes:     sum.TotalNodes,
			CompletedNodes: sum.CompletedNodes,
			FailedNodes:    sum.FailedNodes,
			SkippedNodes:   sum.SkippedNodes,
			TotalRetries:   sum.TotalRetries,
			DurationMS:     sum.Duration.Milliseconds(),
		},
		Variables: state.Variables(),
	}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	if tokens, cost := usage.Totals(state.ExecutionID()); tokens.Total() > 0 {
		res.Usage = &runUsage{InputTokens: tokens.InputTokens, OutputTokens: tokens.OutputTokens, CostUSD: cost}
	}
	return res
}

// parseInputs decodes the JSON object first, then applies key=value pairs.
// Values of pairs are decoded as JSON when possible, so n=3 is a number
// and name=eu a string.
func parseInputs(rawJSON string, pairs []string) (map[string]any, error) {
	inputs := make(map[string]any)
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &inputs); err != nil {
			return nil, fmt.Errorf("--inputs-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--input %q: want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		inputs[key] = v
	}
	return inputs, nil
}
