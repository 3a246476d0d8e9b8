package usage

import "time"

// Counter is one tenant's consumption for one UTC calendar day.
type Counter struct {
	TenantID      string    `json:"tenant_id"`
	Day           time.Time `json:"day"`
	TokensUsed    int64     `json:"tokens_used"`
	RequestCount  int64     `json:"request_count"`
	ToolCallCount int64     `json:"tool_call_count"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// Budget is the answer to "may this tenant start another turn today".
type Budget struct {
	Allowed   bool  `json:"allowed"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
	Limit     int64 `json:"limit"`
	// Degraded is set when the ledger could not be read and the check
	// failed open.
	Degraded bool `json:"degraded,omitempty"`
}

// Delta is an additive change to a counter.
type Delta struct {
	Tokens    int64
	Requests  int64
	ToolCalls int64
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
