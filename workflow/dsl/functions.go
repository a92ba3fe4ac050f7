package dsl

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/dshills/dagflow/workflow"
)

// Builtins returns the functions every Loader starts with:
//
//	set    writes its params as variables
//	echo   writes its resolved inputs back as variables
//	sleep  waits params.duration (e.g. "250ms"), honoring cancellation
//	fail   fails with params.message; with params.times it fails only the
//	       first times attempts and then behaves like set
func Builtins() map[string]workflow.Work {
	return map[string]workflow.Work{
		"set":   workflow.WorkFunc(setParams),
		"echo":  workflow.WorkFunc(echoInputs),
		"sleep": workflow.WorkFunc(sleep),
		"fail":  workflow.WorkFunc(fail),
	}
}

func setParams(_ context.Context, inv *workflow.Invocation) (any, error) {
	return workflow.Outputs(maps.Clone(inv.Params)), nil
}

func echoInputs(_ context.Context, inv *workflow.Invocation) (any, error) {
	return workflow.Outputs(maps.Clone(inv.Inputs)), nil
}

func sleep(ctx context.Context, inv *workflow.Invocation) (any, error) {
	raw, _ := inv.Params["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("sleep: duration param: %w", err)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	}
}

func fail(_ context.Context, inv *workflow.Invocation) (any, error) {
	msg, _ := inv.Params["message"].(string)
	if msg == "" {
		msg = "failed"
	}
	if times, ok := inv.Params["times"].(int); ok && inv.Attempt > times {
		out := maps.Clone(inv.Params)
		delete(out, "message")
		delete(out, "times")
		return workflow.Outputs(out), nil
	}
	return nil, errors.New(msg)
}
