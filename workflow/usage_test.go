package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/dagflow/workflow/model"
)

func usageOf(in, out int) model.Usage {
	return model.Usage{InputTokens: in, OutputTokens: out}
}

func TestUsageTracker(t *testing.T) {
	tr := NewUsageTracker("gpt-4o-mini")
	tr.SetPricing("custom", ModelPricing{InputPer1M: 1, OutputPer1M: 2})

	tr.Record("e1", "a", "", usageOf(1_000_000, 0))
	tr.Record("e1", "b", "custom", usageOf(500_000, 500_000))
	tr.Record("e1", "c", "unknown-model", usageOf(10, 10))
	tr.Record("e2", "a", "custom", usageOf(1, 1))

	calls := tr.Calls("e1")
	require.Len(t, calls, 3)
	assert.Equal(t, "gpt-4o-mini", calls[0].Model)
	assert.InDelta(t, 0.15, calls[0].CostUSD, 1e-9)
	assert.InDelta(t, 1.5, calls[1].CostUSD, 1e-9)
	assert.Zero(t, calls[2].CostUSD)

	usage, cost := tr.Totals("e1")
	assert.Equal(t, 1_500_010, usage.InputTokens)
	assert.Equal(t, 500_010, usage.OutputTokens)
	assert.InDelta(t, 1.65, cost, 1e-9)

	tr.Forget("e1")
	assert.Empty(t, tr.Calls("e1"))
	assert.Len(t, tr.Calls("e2"), 1)
}
