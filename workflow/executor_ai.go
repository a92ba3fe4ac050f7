package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dshills/dagflow/workflow/model"
)

// AIExecutor runs AI nodes by sending a prompt built from the node's system
// prompt and resolved inputs to a chat model. The reply text is stored under
// the node's result key.
//
// The prompt is the system prompt, a blank line, then one "name: value"
// line per input in name order:
//
//	Summarize the ticket.
//
//	priority: high
//	title: Login fails
//
// Nodes of any other type are handed to the fallback executor.
type AIExecutor struct {
	chat     model.ChatModel
	fallback NodeExecutor
	limiter  *rate.Limiter
	defaults model.CallOptions
	usage    *UsageTracker
	logger   *zap.Logger
}

// AIOption configures an AIExecutor.
type AIOption func(*AIExecutor)

// WithRateLimiter paces model calls; each call waits for one token.
func WithRateLimiter(l *rate.Limiter) AIOption {
	return func(e *AIExecutor) { e.limiter = l }
}

// WithAIFallback sets the executor used for non-AI nodes.
func WithAIFallback(fallback NodeExecutor) AIOption {
	return func(e *AIExecutor) { e.fallback = fallback }
}

// WithCallDefaults sets options used when a node does not set its own.
func WithCallDefaults(opts model.CallOptions) AIOption {
	return func(e *AIExecutor) { e.defaults = opts }
}

// WithUsageTracker records token usage of every call.
func WithUsageTracker(t *UsageTracker) AIOption {
	return func(e *AIExecutor) { e.usage = t }
}

// WithAILogger sets the logger.
func WithAILogger(l *zap.Logger) AIOption {
	return func(e *AIExecutor) { e.logger = l }
}

// NewAIExecutor returns an executor calling chat.
func NewAIExecutor(chat model.ChatModel, opts ...AIOption) *AIExecutor {
	e := &AIExecutor{chat: chat, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.fallback == nil {
		e.fallback = NewFunctionExecutor()
	}
	return e
}

// Execute implements NodeExecutor.
func (e *AIExecutor) Execute(ctx context.Context, node *Node, state *WorkflowState, run RunInfo) error {
	if node.nodeType() != NodeTypeAI {
		return e.fallback.Execute(ctx, node, state, run)
	}
	run, err := run.begin(node, state)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		nerr := &NodeError{Node: node.Name, Attempt: run.Attempt, Err: err}
		state.recordAttemptError(node.Name, run.Attempt, nerr)
		return nerr
	}

	if e.chat == nil {
		return fail(errors.New("no chat model configured"))
	}
	inputs, err := resolveInputs(node, state)
	if err != nil {
		return fail(err)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fail(err)
		}
	}

	opts := e.callOptions(node)
	out, err := e.chat.Chat(ctx, []model.Message{
		{Role: model.RoleUser, Content: BuildPrompt(node.Config.SystemPrompt, inputs)},
	}, opts)
	if err != nil {
		return fail(err)
	}

	if e.usage != nil {
		e.usage.Record(run.ExecutionID, node.Name, opts.Model, out.Usage)
	}
	e.logger.Debug("ai node completed",
		zap.String("workflow", run.WorkflowName),
		zap.String("execution_id", run.ExecutionID),
		zap.String("node", node.Name),
		zap.Int("input_tokens", out.Usage.InputTokens),
		zap.Int("output_tokens", out.Usage.OutputTokens))

	state.commitAttempt(node.Name, run.Attempt, map[string]any{node.ResultKey(): out.Text})
	return nil
}

func (e *AIExecutor) callOptions(node *Node) model.CallOptions {
	opts := e.defaults
	if name, ok := node.Config.Params["model"].(string); ok && name != "" {
		opts.Model = name
	}
	if node.Config.MaxTokens > 0 {
		opts.MaxTokens = node.Config.MaxTokens
	}
	if node.Config.Temperature != nil {
		opts.Temperature = node.Config.Temperature
	}
	return opts
}

// BuildPrompt joins the system prompt with one "name: value" line per input.
func BuildPrompt(systemPrompt string, inputs map[string]any) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, inputs[k])
	}
	return b.String()
}
