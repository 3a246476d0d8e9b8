package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/assistant/internal/domain/assistant/tools"
	"github.com/ehr/assistant/internal/domain/clinical"
	"github.com/ehr/assistant/internal/domain/usage"
	"github.com/ehr/assistant/internal/platform/auditlog"
	"github.com/ehr/assistant/internal/platform/auth"
	"github.com/ehr/assistant/internal/platform/db"
	"github.com/ehr/assistant/internal/platform/llm"
	"github.com/ehr/assistant/internal/platform/telemetry"
)

var tracer = telemetry.Tracer("github.com/ehr/assistant/internal/domain/assistant")

var (
	ErrEmptyMessage         = errors.New("message is required")
	ErrMessageTooLong       = errors.New("message is too long")
	ErrConversationArchived = errors.New("conversation is archived")
	ErrNotOwner             = errors.New("conversation belongs to another user")
	ErrPatientMismatch      = errors.New("conversation is bound to a different patient")
)

const maxMessageChars = 8000

const defaultSystemPrompt = `You are a clinical assistant inside an electronic health record.
Use the provided tools to look up data instead of guessing. Never invent values.
Chart changes (problems, medications, orders) are drafts for a clinician to review.
Be concise.`

const roundCapReply = "I could not finish this request within the allowed number of steps. " +
	"Here is what I found so far; please narrow the question or try again."

// Config tunes the loop.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// MaxToolRounds caps model round trips per turn. The last allowed call
	// is made without tools, so at most MaxToolRounds-1 tool rounds run.
	MaxToolRounds int
	HistoryLimit  int
	// ContextTTL bounds how long a patient summary is reused across turns.
	ContextTTL   time.Duration
	SystemPrompt string
}

func (c Config) withDefaults() Config {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 3
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.ContextTTL <= 0 {
		c.ContextTTL = 2 * time.Minute
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	return c
}

// Service runs assistant turns: budget check, context assembly, a bounded
// model/tool loop, then persistence, usage and audit.
type Service struct {
	repo       Repository
	gateway    llm.Gateway
	dispatcher *tools.Dispatcher
	ledger     *usage.Service
	audit      *auditlog.Writer
	chart      clinical.ChartReader
	summaries  *cache.Cache
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(
	repo Repository,
	gateway llm.Gateway,
	dispatcher *tools.Dispatcher,
	ledger *usage.Service,
	audit *auditlog.Writer,
	chart clinical.ChartReader,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		repo:       repo,
		gateway:    gateway,
		dispatcher: dispatcher,
		ledger:     ledger,
		audit:      audit,
		chart:      chart,
		summaries:  cache.New(cfg.ContextTTL, 2*cfg.ContextTTL),
		cfg:        cfg,
		logger:     logger.With().Str("component", "assistant").Logger(),
		now:        time.Now,
	}
}

type ChatRequest struct {
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	PatientID      *uuid.UUID `json:"patient_id,omitempty"`
	Message        string     `json:"message"`
}

// ToolCallSummary reports a call without its arguments.
type ToolCallSummary struct {
	Name         string           `json:"name"`
	Class        tools.Class      `json:"class,omitempty"`
	DataAccessed []string         `json:"data_accessed"`
	Outcome      clinical.Outcome `json:"outcome"`
}

// ActionOutcome is one write attempted during the turn.
type ActionOutcome struct {
	Tool    string           `json:"tool"`
	Type    string           `json:"type,omitempty"`
	ID      *uuid.UUID       `json:"id,omitempty"`
	Summary string           `json:"summary,omitempty"`
	Outcome clinical.Outcome `json:"outcome"`
	Error   string           `json:"error,omitempty"`
}

type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type ChatResponse struct {
	ConversationID uuid.UUID              `json:"conversation_id"`
	MessageID      uuid.UUID              `json:"message_id"`
	Reply          string                 `json:"reply"`
	ToolCalls      []ToolCallSummary      `json:"tool_calls"`
	Visualizations []*tools.Visualization `json:"visualizations"`
	Actions        []ActionOutcome        `json:"actions"`
	Usage          TokenUsage             `json:"usage"`
	Rounds         int                    `json:"rounds"`
	// RoundCapReached is set when the model still wanted tools after the
	// last allowed round.
	RoundCapReached bool `json:"round_cap_reached,omitempty"`
	Failed          bool `json:"failed,omitempty"`
}

// turn carries the state of one Chat call between its phases.
type turn struct {
	tenantID      string
	userID        string
	req           ChatRequest
	conv          *Conversation
	sess          tools.Session
	contextTables []string

	messages []llm.Message
	calls    []ToolCallRecord
	results  []*tools.Result
	tokens   TokenUsage
	model    string
	rounds   int
	capped   bool
}

// Chat runs one turn. A budget refusal returns usage.ErrBudgetExceeded
// before anything is stored. A gateway failure returns both a response
// describing the stored error turn and an error wrapping llm.ErrGateway or
// llm.ErrTimeout.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "assistant.chat")
	defer span.End()

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(req.Message) > maxMessageChars {
		return nil, ErrMessageTooLong
	}

	t := &turn{
		tenantID: db.TenantFromContext(ctx),
		userID:   auth.UserIDFromContext(ctx),
		req:      req,
		model:    s.cfg.Model,
	}

	budget := s.ledger.CheckBudget(ctx, t.tenantID)
	if !budget.Allowed {
		s.audit.Record(ctx, &auditlog.Entry{
			ConversationID: req.ConversationID,
			PatientID:      req.PatientID,
			Action:         auditlog.ActionBudgetExceeded,
			OutputSummary:  fmt.Sprintf("daily budget exhausted: %d of %d tokens used", budget.Used, budget.Limit),
			DataAccessed:   []string{"usage_counter"},
			RiskTier:       auditlog.RiskLow,
			Outcome:        auditlog.OutcomeDenied,
		})
		s.logger.Warn().Str("tenant_id", t.tenantID).Int64("used", budget.Used).Msg("assistant_budget_exceeded")
		return nil, &BudgetError{Budget: budget}
	}

	conv, err := s.resolveConversation(ctx, t)
	if err != nil {
		return nil, err
	}
	t.conv = conv
	t.sess = tools.Session{
		TenantID:       t.tenantID,
		UserID:         t.userID,
		ConversationID: &conv.ID,
		PatientID:      conv.PatientID,
		Now:            s.now(),
	}
	span.SetAttributes(
		attribute.String("conversation.id", conv.ID.String()),
		attribute.Bool("conversation.patient_bound", conv.PatientID != nil),
	)

	if err := s.assemble(ctx, t); err != nil {
		return nil, err
	}

	if err := s.loop(ctx, t); err != nil {
		telemetry.RecordError(span, err)
		return s.fail(ctx, t, err)
	}
	return s.respond(ctx, t)
}

// BudgetError is returned when the tenant has no budget left today.
type BudgetError struct {
	Budget usage.Budget
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%v: %d of %d tokens used", usage.ErrBudgetExceeded, e.Budget.Used, e.Budget.Limit)
}

func (e *BudgetError) Unwrap() error { return usage.ErrBudgetExceeded }

func (s *Service) resolveConversation(ctx context.Context, t *turn) (*Conversation, error) {
	if t.req.ConversationID == nil {
		c := &Conversation{
			TenantID:  t.tenantID,
			UserID:    t.userID,
			PatientID: t.req.PatientID,
			Title:     titleFrom(t.req.Message),
		}
		if err := s.repo.CreateConversation(ctx, c); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		return c, nil
	}

	c, err := s.conversationFor(ctx, *t.req.ConversationID)
	if err != nil {
		return nil, err
	}
	if c.Archived() {
		return nil, ErrConversationArchived
	}
	if t.req.PatientID != nil && (c.PatientID == nil || *c.PatientID != *t.req.PatientID) {
		return nil, ErrPatientMismatch
	}
	return c, nil
}

func titleFrom(msg string) string {
	const maxTitle = 80
	if utf8.RuneCountInString(msg) <= maxTitle {
		return msg
	}
	return string([]rune(msg)[:maxTitle-3]) + "..."
}

// assemble builds the prompt and stores the user message before the model
// is called, so the user's turn survives a gateway failure.
func (s *Service) assemble(ctx context.Context, t *turn) error {
	system := s.cfg.SystemPrompt + "\nToday is " + t.sess.Now.UTC().Format("2006-01-02") + "."
	if t.conv.PatientID != nil {
		if summary := s.patientContext(ctx, t.tenantID, *t.conv.PatientID); summary != nil {
			system += "\n\n" + summary.Text()
			t.contextTables = []string{"patient", "allergy", "problem", "medication"}
		}
	} else {
		system += "\nNo patient is selected; patient-specific tools are unavailable."
	}
	t.messages = append(t.messages, llm.Message{Role: llm.RoleSystem, Content: system})

	history, err := s.repo.RecentMessages(ctx, t.conv.ID, s.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	for _, m := range history {
		if m.Content == "" || m.Failed || (m.Role != RoleUser && m.Role != RoleAssistant) {
			continue
		}
		t.messages = append(t.messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	t.messages = append(t.messages, llm.Message{Role: llm.RoleUser, Content: t.req.Message})

	if err := s.repo.AppendMessages(ctx, t.conv.ID, []*Message{{Role: RoleUser, Content: t.req.Message}}, 0); err != nil {
		return fmt.Errorf("store user message: %w", err)
	}
	return nil
}

// patientContext returns the cached summary, loading it on a miss. A load
// failure leaves the prompt without patient context.
func (s *Service) patientContext(ctx context.Context, tenantID string, patientID uuid.UUID) *clinical.PatientSummary {
	key := tenantID + ":" + patientID.String()
	if v, ok := s.summaries.Get(key); ok {
		return v.(*clinical.PatientSummary)
	}
	summary, err := clinical.LoadPatientSummary(ctx, s.chart, patientID, s.now())
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("patient_context_unavailable")
		return nil
	}
	s.summaries.SetDefault(key, summary)
	return summary
}

// loop alternates model calls and tool rounds, making at most MaxToolRounds
// calls. Every call but the last is offered tools.
func (s *Service) loop(ctx context.Context, t *turn) error {
	schemas := s.dispatcher.Registry().Schemas(t.sess)
	for {
		req := &llm.Request{
			Model:       s.cfg.Model,
			Messages:    t.messages,
			Temperature: s.cfg.Temperature,
			MaxTokens:   s.cfg.MaxTokens,
		}
		// Each completed round was preceded by exactly one call.
		final := t.rounds+1 >= s.cfg.MaxToolRounds
		if !final {
			req.Tools = schemas
		}

		resp, err := s.gateway.Complete(ctx, req)
		if err != nil {
			return err
		}
		t.tokens.InputTokens += resp.InputTokens
		t.tokens.OutputTokens += resp.OutputTokens
		if resp.Model != "" {
			t.model = resp.Model
		}

		if len(resp.ToolCalls) == 0 {
			t.messages = append(t.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
			return nil
		}
		if final {
			t.capped = true
			t.messages = append(t.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
			return nil
		}

		t.rounds++
		t.messages = append(t.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			res := s.dispatcher.Dispatch(ctx, call, t.sess)
			t.calls = append(t.calls, ToolCallRecord{ID: call.ID, Name: call.Name, Arguments: call.Arguments, Round: t.rounds})
			t.results = append(t.results, res)
			t.messages = append(t.messages, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: res.Content()})
			if len(res.Actions) > 0 && t.conv.PatientID != nil {
				s.summaries.Delete(t.tenantID + ":" + t.conv.PatientID.String())
			}
		}
	}
}

func (t *turn) reply() string {
	last := t.messages[len(t.messages)-1]
	if last.Role == llm.RoleAssistant && strings.TrimSpace(last.Content) != "" {
		return last.Content
	}
	if t.capped {
		return roundCapReply
	}
	return ""
}

func (s *Service) respond(ctx context.Context, t *turn) (*ChatResponse, error) {
	t.tokens.TotalTokens = t.tokens.InputTokens + t.tokens.OutputTokens
	resp := &ChatResponse{
		ConversationID:  t.conv.ID,
		Reply:           t.reply(),
		ToolCalls:       []ToolCallSummary{},
		Visualizations:  []*tools.Visualization{},
		Actions:         []ActionOutcome{},
		Usage:           t.tokens,
		Rounds:          t.rounds,
		RoundCapReached: t.capped,
	}
	for _, r := range t.results {
		resp.ToolCalls = append(resp.ToolCalls, ToolCallSummary{
			Name: r.Name, Class: r.Class, DataAccessed: r.DataAccessed, Outcome: r.Outcome,
		})
		if r.Visualization != nil {
			resp.Visualizations = append(resp.Visualizations, r.Visualization)
		}
		resp.Actions = append(resp.Actions, actionOutcomes(r)...)
	}

	msg := &Message{
		Role:        RoleAssistant,
		Content:     resp.Reply,
		ToolCalls:   marshalOrNil(t.calls),
		ToolResults: marshalOrNil(resultRecords(t.results)),
		TokenCost:   t.tokens.TotalTokens,
		Model:       t.model,
	}
	if err := s.repo.AppendMessages(ctx, t.conv.ID, []*Message{msg}, int64(t.tokens.TotalTokens)); err != nil {
		return nil, fmt.Errorf("store assistant message: %w", err)
	}
	resp.MessageID = msg.ID

	s.ledger.RecordUsage(ctx, t.tenantID, t.tokens.TotalTokens, len(t.results))

	summary := fmt.Sprintf("%d tool call(s) in %d round(s), %d tokens", len(t.results), t.rounds, t.tokens.TotalTokens)
	if t.capped {
		summary += ", round cap reached"
	}
	s.audit.Record(ctx, &auditlog.Entry{
		ConversationID: &t.conv.ID,
		PatientID:      t.conv.PatientID,
		Action:         auditlog.ActionChatTurn,
		RedactedInput:  s.audit.RedactedJSON(map[string]interface{}{"message": t.req.Message}),
		OutputSummary:  summary,
		DataAccessed:   t.dataAccessed(),
		RiskTier:       t.risk(),
		Outcome:        auditlog.OutcomeSuccess,
	})

	s.logger.Info().
		Str("tenant_id", t.tenantID).
		Str("conversation_id", t.conv.ID.String()).
		Int("rounds", t.rounds).
		Int("tool_calls", len(t.results)).
		Int("tokens", t.tokens.TotalTokens).
		Bool("round_cap_reached", t.capped).
		Msg("assistant_turn_completed")
	return resp, nil
}

// fail stores an assistant error turn, charges what was consumed and audits
// the failure.
func (s *Service) fail(ctx context.Context, t *turn, cause error) (*ChatResponse, error) {
	// The request may already be cancelled; the error turn is stored anyway.
	ctx, cancel := auditlog.Detach(ctx)
	defer cancel()

	t.tokens.TotalTokens = t.tokens.InputTokens + t.tokens.OutputTokens
	reply := "The assistant is unavailable right now. Please try again."
	if errors.Is(cause, llm.ErrTimeout) {
		reply = "The assistant took too long to respond. Please try again."
	}

	msg := &Message{
		Role:        RoleAssistant,
		Content:     reply,
		ToolCalls:   marshalOrNil(t.calls),
		ToolResults: marshalOrNil(resultRecords(t.results)),
		TokenCost:   t.tokens.TotalTokens,
		Model:       t.model,
		Failed:      true,
	}
	if err := s.repo.AppendMessages(ctx, t.conv.ID, []*Message{msg}, int64(t.tokens.TotalTokens)); err != nil {
		s.logger.Error().Err(err).Str("conversation_id", t.conv.ID.String()).Msg("assistant_error_turn_not_stored")
	}

	s.ledger.RecordUsage(ctx, t.tenantID, t.tokens.TotalTokens, len(t.results))

	s.audit.Record(ctx, &auditlog.Entry{
		ConversationID: &t.conv.ID,
		PatientID:      t.conv.PatientID,
		Action:         auditlog.ActionChatFailed,
		RedactedInput:  s.audit.RedactedJSON(map[string]interface{}{"message": t.req.Message}),
		OutputSummary:  cause.Error(),
		DataAccessed:   t.dataAccessed(),
		RiskTier:       t.risk(),
		Outcome:        auditlog.OutcomeError,
	})

	s.logger.Error().Err(cause).
		Str("tenant_id", t.tenantID).
		Str("conversation_id", t.conv.ID.String()).
		Int("rounds", t.rounds).
		Msg("assistant_turn_failed")

	resp := &ChatResponse{
		ConversationID: t.conv.ID,
		MessageID:      msg.ID,
		Reply:          reply,
		ToolCalls:      []ToolCallSummary{},
		Visualizations: []*tools.Visualization{},
		Actions:        []ActionOutcome{},
		Usage:          t.tokens,
		Rounds:         t.rounds,
		Failed:         true,
	}
	for _, r := range t.results {
		resp.ToolCalls = append(resp.ToolCalls, ToolCallSummary{
			Name: r.Name, Class: r.Class, DataAccessed: r.DataAccessed, Outcome: r.Outcome,
		})
		resp.Actions = append(resp.Actions, actionOutcomes(r)...)
	}
	return resp, fmt.Errorf("assistant turn aborted: %w", cause)
}

func (t *turn) dataAccessed() []string {
	out := []string{}
	seen := map[string]bool{}
	add := func(tables []string) {
		for _, tbl := range tables {
			if !seen[tbl] {
				seen[tbl] = true
				out = append(out, tbl)
			}
		}
	}
	add(t.contextTables)
	for _, r := range t.results {
		add(r.DataAccessed)
	}
	return out
}

// risk is high when the turn wrote to the chart, medium when it read
// patient data, low otherwise.
func (t *turn) risk() auditlog.Risk {
	risk := auditlog.RiskLow
	if t.conv.PatientID != nil {
		risk = auditlog.RiskMedium
	}
	for _, r := range t.results {
		if r.Class == tools.ClassWrite {
			return auditlog.RiskHigh
		}
		if r.Risk == auditlog.RiskMedium {
			risk = auditlog.RiskMedium
		}
	}
	return risk
}

func actionOutcomes(r *tools.Result) []ActionOutcome {
	if r.Class != tools.ClassWrite {
		return nil
	}
	if r.Err != nil {
		return []ActionOutcome{{Tool: r.Name, Outcome: r.Outcome, Error: r.Err.Error()}}
	}
	out := make([]ActionOutcome, 0, len(r.Actions))
	for _, a := range r.Actions {
		id := a.ID
		out = append(out, ActionOutcome{Tool: r.Name, Type: a.Type, ID: &id, Summary: a.Summary, Outcome: clinical.OutcomeOK})
	}
	return out
}

func resultRecords(results []*tools.Result) []ToolResultRecord {
	out := make([]ToolResultRecord, 0, len(results))
	for _, r := range results {
		out = append(out, ToolResultRecord{
			CallID:       r.CallID,
			Name:         r.Name,
			Outcome:      string(r.Outcome),
			DataAccessed: r.DataAccessed,
			Content:      r.Content(),
		})
	}
	return out
}

func marshalOrNil[T any](items []T) json.RawMessage {
	if len(items) == 0 {
		return nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	return raw
}

func (s *Service) conversationFor(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != auth.UserIDFromContext(ctx) {
		return nil, ErrNotOwner
	}
	return c, nil
}

// GetConversation returns a conversation owned by the caller.
func (s *Service) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	return s.conversationFor(ctx, id)
}

func (s *Service) ListConversations(ctx context.Context, includeArchived bool, limit, offset int) ([]*Conversation, int, error) {
	return s.repo.ListConversations(ctx, auth.UserIDFromContext(ctx), includeArchived, limit, offset)
}

func (s *Service) ListMessages(ctx context.Context, id uuid.UUID, limit, offset int) ([]*Message, int, error) {
	if _, err := s.conversationFor(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.repo.ListMessages(ctx, id, limit, offset)
}

// Archive soft-deletes a conversation. Archived conversations keep their
// messages and audit trail.
func (s *Service) Archive(ctx context.Context, id uuid.UUID) error {
	if _, err := s.conversationFor(ctx, id); err != nil {
		return err
	}
	return s.repo.ArchiveConversation(ctx, id)
}

// Tools lists the tools a conversation bound to patientID would be offered.
func (s *Service) Tools(patientID *uuid.UUID) []*tools.Definition {
	return s.dispatcher.Registry().Available(tools.Session{PatientID: patientID})
}
