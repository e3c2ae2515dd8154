// Package usage records tool invocations asynchronously and forwards them
// upstream in batches.
package usage

import "time"

// Record is one tool invocation's audit and billing row.
type Record struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	ToolName     string    `json:"tool_name"`
	Params       any       `json:"params,omitempty"`
	Result       any       `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
	CostEstimate float64   `json:"cost_estimate"`
	IPAddress    string    `json:"ip_address,omitempty"`
	AIModel      string    `json:"ai_model,omitempty"`
}

// CostTable prices tools. Unknown tools cost the default.
type CostTable struct {
	costs       map[string]float64
	defaultCost float64
}

// NewCostTable copies costs.
func NewCostTable(costs map[string]float64, defaultCost float64) CostTable {
	c := CostTable{costs: make(map[string]float64, len(costs)), defaultCost: defaultCost}
	for k, v := range costs {
		c.costs[k] = v
	}
	return c
}

// Cost returns the estimate for tool.
func (c CostTable) Cost(tool string) float64 {
	if v, ok := c.costs[tool]; ok {
		return v
	}
	return c.defaultCost
}
