package workflow

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/dshills/dagflow/workflow/model"
)

func runNodeOnce(t *testing.T, exec NodeExecutor, node *Node, state *WorkflowState) error {
	t.Helper()
	return exec.Execute(context.Background(), node, state, RunInfo{})
}

func TestFunctionExecutor_Outputs(t *testing.T) {
	s := NewWorkflowState("e", "wf", nil)
	err := runNodeOnce(t, NewFunctionExecutor(), &Node{Name: "A", Work: set(Outputs{"x": 1, "y": 2})}, s)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"x": 1, "y": 2}, s.Variables())
	info, _ := s.NodeInfo("A")
	assert.Equal(t, 1, info.Attempts)
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, info.Outputs)
}

func TestFunctionExecutor_ResultKey(t *testing.T) {
	s := NewWorkflowState("e", "wf", nil)
	plain := WorkFunc(func(context.Context, *Invocation) (any, error) { return "done", nil })

	require.NoError(t, runNodeOnce(t, NewFunctionExecutor(), &Node{Name: "A", Work: plain}, s))
	require.NoError(t, runNodeOnce(t, NewFunctionExecutor(), &Node{Name: "B", Work: plain, Config: NodeConfig{ResultKey: "answer"}}, s))

	v, _ := s.GetVariable("A_result")
	assert.Equal(t, "done", v)
	v, _ = s.GetVariable("answer")
	assert.Equal(t, "done", v)
}

func TestFunctionExecutor_NilWorkCompletes(t *testing.T) {
	s := NewWorkflowState("e", "wf", nil)
	require.NoError(t, runNodeOnce(t, NewFunctionExecutor(), &Node{Name: "join", Type: NodeTypeJoin}, s))
	assert.True(t, s.IsNodeCompleted("join"))
	assert.Empty(t, s.Variables())
}

func TestFunctionExecutor_DeclaredOutputs(t *testing.T) {
	s := NewWorkflowState("e", "wf", nil)
	node := &Node{
		Name:    "A",
		Outputs: map[string]Param{"kept": {}},
		Work:    set(Outputs{"kept": 1, "extra": 2}),
	}
	require.NoError(t, runNodeOnce(t, NewFunctionExecutor(), node, s))
	assert.Equal(t, map[string]any{"kept": 1}, s.Variables())

	node = &Node{Name: "B", Outputs: map[string]Param{"must": {Required: true}}, Work: set(Outputs{})}
	err := runNodeOnce(t, NewFunctionExecutor(), node, s)
	assert.ErrorIs(t, err, ErrMissingOutput)
	assert.ErrorIs(t, err, ErrNodeExecutionFailed)
}

func TestFunctionExecutor_Inputs(t *testing.T) {
	var seen map[string]any
	capture := WorkFunc(func(_ context.Context, inv *Invocation) (any, error) {
		seen = inv.Inputs
		assert.Equal(t, "wf", inv.WorkflowName)
		assert.Equal(t, "e", inv.ExecutionID)
		assert.Equal(t, "A", inv.NodeName)
		assert.Equal(t, 1, inv.Attempt)
		assert.Equal(t, "static", inv.Params["p"])
		return nil, nil
	})
	node := &Node{
		Name: "A",
		Inputs: map[string]Param{
			"present":  {Required: true, Type: reflect.TypeOf(0)},
			"fallback": {Default: "dflt"},
			"optional": {},
		},
		Config: NodeConfig{Params: map[string]any{"p": "static"}},
		Work:   capture,
	}
	s := NewWorkflowState("e", "wf", map[string]any{"present": 7, "unrelated": true})
	require.NoError(t, runNodeOnce(t, NewFunctionExecutor(), node, s))
	assert.Equal(t, map[string]any{"present": 7, "fallback": "dflt"}, seen)
}

func TestFunctionExecutor_InputErrors(t *testing.T) {
	missing := &Node{Name: "A", Inputs: map[string]Param{"need": {Required: true}}, Work: set(nil)}
	err := runNodeOnce(t, NewFunctionExecutor(), missing, NewWorkflowState("e", "wf", nil))
	assert.ErrorIs(t, err, ErrMissingInput)
	var nerr *NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "A", nerr.Node)

	typed := &Node{Name: "B", Inputs: map[string]Param{"n": {Type: reflect.TypeOf("")}}, Work: set(nil)}
	s := NewWorkflowState("e", "wf", map[string]any{"n": 3})
	err = runNodeOnce(t, NewFunctionExecutor(), typed, s)
	assert.ErrorIs(t, err, ErrInputType)
	info, _ := s.NodeInfo("B")
	assert.ErrorIs(t, info.Error, ErrInputType, "the failure is recorded in history")
}

func TestFunctionExecutor_PanicRecovered(t *testing.T) {
	s := NewWorkflowState("e", "wf", nil)
	boom := WorkFunc(func(context.Context, *Invocation) (any, error) { panic("kaboom") })
	err := runNodeOnce(t, NewFunctionExecutor(), &Node{Name: "A", Work: boom}, s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeExecutionFailed)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestFunctionExecutor_AsyncAbandonsOnCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := WorkFunc(func(context.Context, *Invocation) (any, error) {
		<-release
		return Outputs{"late": true}, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s := NewWorkflowState("e", "wf", nil)
	err := NewFunctionExecutor().Execute(ctx, &Node{Name: "A", Work: stuck, Config: NodeConfig{Async: true}}, s, RunInfo{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, s.HasVariable("late"))
}

type staticResolver struct{ work Work }

func (r staticResolver) Resolve(context.Context, *Node, *WorkflowState) (Work, map[string]any, error) {
	return r.work, map[string]any{"from": "resolver"}, nil
}

func TestFunctionExecutor_CustomResolver(t *testing.T) {
	s := NewWorkflowState("e", "wf", nil)
	work := WorkFunc(func(_ context.Context, inv *Invocation) (any, error) {
		return Outputs{"got": inv.Inputs["from"]}, nil
	})
	exec := NewFunctionExecutor(WithResolver(staticResolver{work: work}))
	require.NoError(t, runNodeOnce(t, exec, &Node{Name: "A"}, s))
	v, _ := s.GetVariable("got")
	assert.Equal(t, "resolver", v)
}

func TestFunctionExecutor_FrozenState(t *testing.T) {
	s := NewWorkflowState("e", "wf", nil)
	s.MarkAsCancelled()
	err := runNodeOnce(t, NewFunctionExecutor(), &Node{Name: "A", Work: set(Outputs{"x": 1})}, s)
	assert.ErrorIs(t, err, errStateFrozen)
}

func TestAIExecutor(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{{Text: "a summary", Usage: model.Usage{InputTokens: 1000, OutputTokens: 500}}}}
	usage := NewUsageTracker("gpt-3.5-turbo")
	exec := NewAIExecutor(chat,
		WithCallDefaults(model.CallOptions{Model: "gpt-3.5-turbo", MaxTokens: 2000, Temperature: model.Float(0.7)}),
		WithUsageTracker(usage),
	)
	node := &Node{
		Name:   "summarize",
		Type:   NodeTypeAI,
		Inputs: map[string]Param{"topic": {Required: true}, "lang": {}},
		Config: NodeConfig{SystemPrompt: "Summarize.", MaxTokens: 100},
	}
	s := NewWorkflowState("e", "wf", map[string]any{"topic": "graphs", "lang": "en"})

	require.NoError(t, runNodeOnce(t, exec, node, s))
	v, _ := s.GetVariable("summarize_result")
	assert.Equal(t, "a summary", v)

	call, ok := chat.LastCall()
	require.True(t, ok)
	require.Len(t, call.Messages, 1)
	assert.Equal(t, model.RoleUser, call.Messages[0].Role)
	assert.Equal(t, "Summarize.\n\nlang: en\ntopic: graphs\n", call.Messages[0].Content)
	assert.Equal(t, model.CallOptions{Model: "gpt-3.5-turbo", MaxTokens: 100, Temperature: model.Float(0.7)}, call.Options)

	calls := usage.Calls("e")
	require.Len(t, calls, 1)
	assert.Equal(t, "summarize", calls[0].Node)
	assert.InDelta(t, 0.00125, calls[0].CostUSD, 1e-9)
}

func TestAIExecutor_NodeTemperature(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{{Text: "ok"}}}
	exec := NewAIExecutor(chat, WithCallDefaults(model.CallOptions{Temperature: model.Float(0.7)}))

	require.NoError(t, runNodeOnce(t, exec, &Node{Name: "dflt", Type: NodeTypeAI}, NewWorkflowState("e", "wf", nil)))
	call, _ := chat.LastCall()
	require.NotNil(t, call.Options.Temperature)
	assert.InDelta(t, 0.7, *call.Options.Temperature, 1e-9)

	zero := &Node{Name: "zero", Type: NodeTypeAI, Config: NodeConfig{Temperature: model.Float(0)}}
	require.NoError(t, runNodeOnce(t, exec, zero, NewWorkflowState("e", "wf", nil)))
	call, _ = chat.LastCall()
	require.NotNil(t, call.Options.Temperature)
	assert.Zero(t, *call.Options.Temperature)
}

func TestAIExecutor_ModelOverrideAndFailure(t *testing.T) {
	chat := &model.MockChatModel{Err: &model.APIError{Provider: "openai", StatusCode: 503, Err: errors.New("overloaded")}}
	exec := NewAIExecutor(chat)
	node := &Node{Name: "ask", Type: NodeTypeAI, Config: NodeConfig{Params: map[string]any{"model": "gpt-4o"}}}
	s := NewWorkflowState("e", "wf", nil)

	err := runNodeOnce(t, exec, node, s)
	assert.ErrorIs(t, err, ErrNodeExecutionFailed)
	assert.True(t, model.IsTransient(err))
	call, _ := chat.LastCall()
	assert.Equal(t, "gpt-4o", call.Options.Model)
}

func TestAIExecutor_RateLimiterHonorsContext(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{{Text: "ok"}}}
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	exec := NewAIExecutor(chat, WithRateLimiter(limiter))
	node := &Node{Name: "ask", Type: NodeTypeAI}

	require.NoError(t, runNodeOnce(t, exec, node, NewWorkflowState("e", "wf", nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := exec.Execute(ctx, node, NewWorkflowState("e2", "wf", nil), RunInfo{})
	require.Error(t, err)
	assert.Equal(t, 1, chat.CallCount(), "the second call waits for a token")
}

func TestAIExecutor_FallbackForOtherTypes(t *testing.T) {
	exec := NewAIExecutor(&model.MockChatModel{})
	s := NewWorkflowState("e", "wf", nil)
	require.NoError(t, runNodeOnce(t, exec, &Node{Name: "fn", Work: set(Outputs{"x": 1})}, s))
	assert.True(t, s.HasVariable("x"))
}

func TestBuildPrompt(t *testing.T) {
	assert.Equal(t, "a: 1\nb: two\n", BuildPrompt("", map[string]any{"b": "two", "a": 1}))
	assert.Equal(t, "Hi\n\n", BuildPrompt("Hi", nil))
}

func TestVariablePredicate(t *testing.T) {
	vars := map[string]any{
		"yes": true, "no": false, "one": 1, "zero": 0.0, "str": "ok", "falseStr": "false", "empty": "",
	}
	tests := map[string]bool{
		"yes": true, "!yes": false, "no": false, "one": true, "zero": false,
		"str": true, "falseStr": false, "empty": false, "missing": false, "!missing": true,
	}
	for expr, want := range tests {
		got, err := VariablePredicate(expr)(vars)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}
	_, err := VariablePredicate(" ")(vars)
	assert.Error(t, err)
}

func TestConditionalExecutor(t *testing.T) {
	exec := NewConditionalExecutor(nil)
	s := NewWorkflowState("e", "wf", map[string]any{"score": 0.9})

	big := &Node{Name: "big", Type: NodeTypeConditional, Config: NodeConfig{
		Condition: func(vars map[string]any) (bool, error) { return vars["score"].(float64) > 0.5, nil },
	}}
	require.NoError(t, runNodeOnce(t, exec, big, s))
	v, _ := s.GetVariable("big_result")
	assert.Equal(t, true, v)

	expr := &Node{Name: "neg", Type: NodeTypeConditional, Config: NodeConfig{SystemPrompt: "!score"}}
	require.NoError(t, runNodeOnce(t, exec, expr, s))
	v, _ = s.GetVariable("neg_result")
	assert.Equal(t, false, v)

	panicky := &Node{Name: "bad", Type: NodeTypeConditional, Config: NodeConfig{
		Condition: func(vars map[string]any) (bool, error) { return vars["missing"].(bool), nil },
	}}
	err := runNodeOnce(t, exec, panicky, s)
	assert.ErrorIs(t, err, ErrNodeExecutionFailed)
	assert.Contains(t, err.Error(), "predicate panic")
}

func TestParallelExecutor_MergesBranches(t *testing.T) {
	node := &Node{Name: "fan", Type: NodeTypeParallel, Config: NodeConfig{Branches: []*Node{
		{Name: "left", Work: set(Outputs{"l": 1})},
		{Name: "right", Work: set(Outputs{"r": 2})},
		{Name: "reader", Work: WorkFunc(func(_ context.Context, inv *Invocation) (any, error) {
			v, _ := inv.State.GetVariable("seed")
			return Outputs{"seen": v}, nil
		})},
	}}}
	s := NewWorkflowState("e", "wf", map[string]any{"seed": "s"})

	require.NoError(t, runNodeOnce(t, NewDefaultExecutor(nil), node, s))
	vars := s.Variables()
	assert.Equal(t, 1, vars["l"])
	assert.Equal(t, 2, vars["r"])
	assert.Equal(t, "s", vars["seen"])

	info, _ := s.NodeInfo("fan")
	assert.True(t, info.Completed())
	assert.Equal(t, map[string]any{"l": 1, "r": 2, "seen": "s"}, info.Outputs)
	assert.True(t, s.IsNodeCompleted("left"), "branch history is merged")
}

func TestParallelExecutor_MaxConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	branch := func(name string) *Node {
		return &Node{Name: name, Work: WorkFunc(func(context.Context, *Invocation) (any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		})}
	}
	node := &Node{Name: "fan", Type: NodeTypeParallel, Config: NodeConfig{
		MaxConcurrency: 2,
		Branches:       []*Node{branch("a"), branch("b"), branch("c"), branch("d")},
	}}
	require.NoError(t, runNodeOnce(t, NewDefaultExecutor(nil), node, NewWorkflowState("e", "wf", nil)))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestParallelExecutor_FirstFailureCancelsRest(t *testing.T) {
	boom := errors.New("boom")
	node := &Node{Name: "fan", Type: NodeTypeParallel, Config: NodeConfig{Branches: []*Node{
		{Name: "bad", Work: failWith(boom)},
		{Name: "slow", Work: sleepFor(5*time.Second, Outputs{"slow": true})},
	}}}
	s := NewWorkflowState("e", "wf", nil)

	start := time.Now()
	err := runNodeOnce(t, NewDefaultExecutor(nil), node, s)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, context.Canceled, "only the first failure is reported")
	assert.Less(t, time.Since(start), 2*time.Second)
	info, _ := s.NodeInfo("fan")
	assert.ErrorIs(t, info.Error, ErrNodeExecutionFailed)
}

func TestParallelExecutor_WaitForAllJoinsErrors(t *testing.T) {
	e1, e2 := errors.New("first"), errors.New("second")
	node := &Node{Name: "fan", Type: NodeTypeParallel, Config: NodeConfig{
		WaitForAll: true,
		Branches: []*Node{
			{Name: "a", Work: failWith(e1)},
			{Name: "b", Work: failWith(e2)},
			{Name: "c", Work: sleepFor(10*time.Millisecond, Outputs{"c": true})},
		},
	}}
	s := NewWorkflowState("e", "wf", nil)
	err := runNodeOnce(t, NewDefaultExecutor(nil), node, s)
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
	assert.True(t, s.HasVariable("c"), "healthy branches still run to completion")
}

func TestParallelExecutor_BranchTimeout(t *testing.T) {
	node := &Node{Name: "fan", Type: NodeTypeParallel, Config: NodeConfig{Branches: []*Node{
		{Name: "slow", Work: sleepFor(time.Second, nil), Config: NodeConfig{Timeout: 20 * time.Millisecond}},
	}}}
	err := runNodeOnce(t, NewDefaultExecutor(nil), node, NewWorkflowState("e", "wf", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompositeExecutor_Dispatch(t *testing.T) {
	var hits []NodeType
	record := func(t NodeType) NodeExecutor {
		return ExecutorFunc(func(context.Context, *Node, *WorkflowState, RunInfo) error {
			hits = append(hits, t)
			return nil
		})
	}
	c := NewCompositeExecutor(record("fallback")).
		Register(NodeTypeAI, record(NodeTypeAI)).
		Register(NodeTypeJoin, record(NodeTypeJoin))

	s := NewWorkflowState("e", "wf", nil)
	require.NoError(t, runNodeOnce(t, c, &Node{Name: "a", Type: NodeTypeAI}, s))
	require.NoError(t, runNodeOnce(t, c, &Node{Name: "j", Type: NodeTypeJoin}, s))
	require.NoError(t, runNodeOnce(t, c, &Node{Name: "f"}, s))
	assert.Equal(t, []NodeType{NodeTypeAI, NodeTypeJoin, "fallback"}, hits)
}

func TestNewDefaultExecutor_AIWithoutModelFails(t *testing.T) {
	def := mustBuild(t, "ask", []*Node{{Name: "ask", Type: NodeTypeAI, Config: NodeConfig{SystemPrompt: "Hi."}}})
	engine := newTestEngine(t, []*WorkflowDefinition{def})

	state, err := engine.Run(context.Background(), "ask", nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "no chat model configured")
	assert.Equal(t, StatusFailed, state.Status())
	assert.False(t, state.HasVariable("ask_result"))

	withAI := NewDefaultExecutor(&model.MockChatModel{})
	_, isAI := withAI.Executor(NodeTypeAI).(*AIExecutor)
	assert.True(t, isAI)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next NodeExecutor) NodeExecutor {
			return ExecutorFunc(func(ctx context.Context, n *Node, s *WorkflowState, r RunInfo) error {
				order = append(order, name)
				return next.Execute(ctx, n, s, r)
			})
		}
	}
	exec := Chain(NewFunctionExecutor(), mw("outer"), mw("inner"))
	require.NoError(t, runNodeOnce(t, exec, &Node{Name: "A"}, NewWorkflowState("e", "wf", nil)))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	exec := Chain(NewFunctionExecutor(), LoggingMiddleware(zap.New(core)))
	s := NewWorkflowState("exec-9", "wf", nil)

	require.NoError(t, exec.Execute(context.Background(), &Node{Name: "ok"}, s, RunInfo{Attempt: s.RecordNodeStart("ok")}))
	require.Error(t, exec.Execute(context.Background(), &Node{Name: "bad", Work: failWith(errors.New("boom"))}, s, RunInfo{}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "ok", entries[0].ContextMap()["node"])
	assert.Equal(t, "exec-9", entries[0].ContextMap()["execution_id"])
	assert.Equal(t, int64(1), entries[0].ContextMap()["attempt"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.True(t, strings.Contains(entries[1].ContextMap()["error"].(string), "boom"))
}
