package auditlog

import (
	"time"

	"github.com/google/uuid"
)

// Risk grades how much harm an audited action could do.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Outcome of the audited action.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeAborted = "aborted"
	OutcomeDenied  = "denied"
)

// Action kinds written by the assistant.
const (
	ActionChatTurn       = "chat_turn"
	ActionChatFailed     = "chat_turn_failed"
	ActionBudgetExceeded = "budget_exceeded"
	ActionToolCall       = "tool_call"
	ActionToolRejected   = "tool_rejected"
	ActionCommit         = "actions_committed"
	ActionCommitAborted  = "actions_aborted"
)

// Entry is one immutable, hash-linked audit record.
type Entry struct {
	ID             int64      `json:"id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	UserID         string     `json:"user_id"`
	TenantID       string     `json:"tenant_id"`
	PatientID      *uuid.UUID `json:"patient_id,omitempty"`
	Action         string     `json:"action"`
	ToolName       string     `json:"tool_name,omitempty"`
	RedactedInput  string     `json:"redacted_input,omitempty"`
	OutputSummary  string     `json:"output_summary,omitempty"`
	DataAccessed   []string   `json:"data_accessed"`
	RiskTier       Risk       `json:"risk_tier"`
	Outcome        string     `json:"outcome"`
	CreatedAt      time.Time  `json:"created_at"`
	Hash           string     `json:"hash"`
	PreviousHash   string     `json:"previous_hash"`
}

// Target is the tool name when present, otherwise the action.
func (e *Entry) Target() string {
	if e.ToolName != "" {
		return e.ToolName
	}
	return e.Action
}

// Filter narrows List results. Zero fields are ignored.
type Filter struct {
	ConversationID *uuid.UUID
	PatientID      *uuid.UUID
	UserID         string
	Action         string
	Since          *time.Time
	Until          *time.Time
}

// Range bounds a verification pass by entry ID, inclusive. Zero means open.
type Range struct {
	FromID int64
	ToID   int64
}

func (r Range) contains(id int64) bool {
	if r.FromID > 0 && id < r.FromID {
		return false
	}
	if r.ToID > 0 && id > r.ToID {
		return false
	}
	return true
}

// Full reports whether r covers the whole chain.
func (r Range) Full() bool {
	return r.FromID == 0 && r.ToID == 0
}
