package workflow

import (
	"sync"
	"time"

	"github.com/dshills/dagflow/workflow/model"
)

// ModelPricing is the price of a model in USD per million tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultModelPricing covers the adapters' default models. Prices change;
// override them with UsageTracker.SetPricing.
var DefaultModelPricing = map[string]ModelPricing{
	"gpt-4o":                   {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":              {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-3.5-turbo":            {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-latest": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku-latest":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"gemini-2.5-flash":         {InputPer1M: 0.30, OutputPer1M: 2.50},
}

// ModelCall records one chat model call made by an AI node.
type ModelCall struct {
	ExecutionID  string
	Node         string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Time         time.Time
}

// UsageTracker accumulates token usage and estimated cost of AI nodes,
// grouped by execution. It is safe for concurrent use.
type UsageTracker struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
	calls   map[string][]ModelCall
	// defaultModel prices calls that do not name a model.
	defaultModel string
}

// NewUsageTracker returns a tracker using DefaultModelPricing. Calls
// without an explicit model are priced as defaultModel.
func NewUsageTracker(defaultModel string) *UsageTracker {
	pricing := make(map[string]ModelPricing, len(DefaultModelPricing))
	for k, v := range DefaultModelPricing {
		pricing[k] = v
	}
	return &UsageTracker{pricing: pricing, calls: make(map[string][]ModelCall), defaultModel: defaultModel}
}

// SetPricing overrides the price of one model.
func (t *UsageTracker) SetPricing(modelName string, p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[modelName] = p
}

// Record adds one call. Unknown models are recorded at zero cost.
func (t *UsageTracker) Record(executionID, node, modelName string, usage model.Usage) ModelCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	if modelName == "" {
		modelName = t.defaultModel
	}
	p := t.pricing[modelName]
	call := ModelCall{
		ExecutionID:  executionID,
		Node:         node,
		Model:        modelName,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      float64(usage.InputTokens)/1e6*p.InputPer1M + float64(usage.OutputTokens)/1e6*p.OutputPer1M,
		Time:         time.Now(),
	}
	t.calls[executionID] = append(t.calls[executionID], call)
	return call
}

// Calls returns the calls of one execution in recording order.
func (t *UsageTracker) Calls(executionID string) []ModelCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]ModelCall(nil), t.calls[executionID]...)
}

// Totals sums tokens and cost of one execution.
func (t *UsageTracker) Totals(executionID string) (usage model.Usage, costUSD float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.calls[executionID] {
		usage.InputTokens += c.InputTokens
		usage.OutputTokens += c.OutputTokens
		costUSD += c.CostUSD
	}
	return usage, costUSD
}

// Forget drops the calls of one execution.
func (t *UsageTracker) Forget(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, executionID)
}
