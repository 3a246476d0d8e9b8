package assistant

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Conversation is one assistant session owned by a single user. It is
// archived, never deleted.
type Conversation struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	TenantID     string     `db:"tenant_id" json:"tenant_id"`
	UserID       string     `db:"user_id" json:"user_id"`
	PatientID    *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	Title        string     `db:"title" json:"title"`
	MessageCount int        `db:"message_count" json:"message_count"`
	TokenCount   int64      `db:"token_count" json:"token_count"`
	ArchivedAt   *time.Time `db:"archived_at" json:"archived_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

func (c *Conversation) Archived() bool { return c.ArchivedAt != nil }

// Message roles persisted in the message table.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is immutable once written. Seq orders messages within a
// conversation.
type Message struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	Seq            int64           `db:"seq" json:"seq"`
	ConversationID uuid.UUID       `db:"conversation_id" json:"conversation_id"`
	Role           string          `db:"role" json:"role"`
	Content        string          `db:"content" json:"content"`
	ToolCalls      json.RawMessage `db:"tool_calls" json:"tool_calls,omitempty"`
	ToolResults    json.RawMessage `db:"tool_results" json:"tool_results,omitempty"`
	TokenCost      int             `db:"token_cost" json:"token_cost"`
	Model          string          `db:"model" json:"model,omitempty"`
	// Failed marks the error reply of an aborted turn. It is never replayed
	// to the model.
	Failed    bool      `db:"failed" json:"failed,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ToolCallRecord is the stored form of a tool call the model requested.
type ToolCallRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Round     int             `json:"round"`
}

// ToolResultRecord is the stored form of a dispatched call's result.
type ToolResultRecord struct {
	CallID       string   `json:"call_id"`
	Name         string   `json:"name"`
	Outcome      string   `json:"outcome"`
	DataAccessed []string `json:"data_accessed"`
	Content      string   `json:"content"`
}
