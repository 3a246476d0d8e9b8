package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/assistant/internal/domain/actions"
	"github.com/ehr/assistant/internal/domain/assistant"
	"github.com/ehr/assistant/internal/domain/assistant/tools"
	"github.com/ehr/assistant/internal/domain/clinical"
	"github.com/ehr/assistant/internal/domain/usage"
	"github.com/ehr/assistant/internal/platform/auditlog"
	"github.com/ehr/assistant/internal/platform/llm"
)

func TestChat_EndToEndWithWriteTool(t *testing.T) {
	tenant := newTenant(t, "chat")
	patient := insertPatient(t, tenant, "Ada", "Lovelace")

	chart := clinical.NewRepoPG(globalDB.Pool)
	audit := newAuditWriter()
	ledger := usage.NewService(usage.NewCounterRepoPG(globalDB.Pool), 100000, zerolog.Nop())
	committer := actions.NewCommitter(clinical.NewUnitOfWorkPG(globalDB.Pool, 5*time.Second), chart, audit, zerolog.Nop())

	reg, err := tools.NewCatalog(tools.Deps{
		Chart:     chart,
		Worklist:  chart,
		Query:     clinical.NewQueryRunnerPG(globalDB.Pool, 5*time.Second),
		Committer: committer,
	})
	if err != nil {
		t.Fatal(err)
	}

	gw := llm.NewScriptedGateway(
		llm.ScriptStep{Response: &llm.Response{
			ToolCalls: []llm.ToolCall{{
				ID: "call_1", Name: "add_problem",
				Arguments: json.RawMessage(`{"description":"Essential hypertension","code":"I10"}`),
			}},
			InputTokens: 120, OutputTokens: 20, FinishReason: "tool_calls",
		}},
		llm.ScriptStep{Response: &llm.Response{
			Content: "Hypertension is now on the problem list.", InputTokens: 150, OutputTokens: 15, FinishReason: "stop",
		}},
	)
	repo := assistant.NewConversationRepoPG(globalDB.Pool)
	svc := assistant.NewService(repo, gw, tools.NewDispatcher(reg, audit, zerolog.Nop()), ledger, audit, chart,
		assistant.Config{Model: "test-model", MaxToolRounds: 3, HistoryLimit: 20}, zerolog.Nop())

	var resp *assistant.ChatResponse
	inTenant(t, tenant, "dr-yang", func(ctx context.Context) error {
		var err error
		resp, err = svc.Chat(ctx, assistant.ChatRequest{Message: "add hypertension", PatientID: &patient})
		return err
	})

	if resp.Failed || resp.Reply != "Hypertension is now on the problem list." {
		t.Fatalf("unexpected reply: %+v", resp)
	}
	if len(resp.Actions) != 1 || resp.Actions[0].Outcome != clinical.OutcomeOK {
		t.Fatalf("expected one committed action, got %+v", resp.Actions)
	}
	if n := countRows(t, tenant, "problem"); n != 1 {
		t.Errorf("expected 1 problem row, got %d", n)
	}

	inTenant(t, tenant, "dr-yang", func(ctx context.Context) error {
		c, err := ledger.Today(ctx, tenant)
		if err != nil {
			return err
		}
		if c.TokensUsed != 305 || c.RequestCount != 1 || c.ToolCallCount != 1 {
			t.Errorf("unexpected usage counter: %+v", c)
		}

		conv, err := repo.GetConversation(ctx, resp.ConversationID)
		if err != nil {
			return err
		}
		if conv.MessageCount < 2 || conv.TokenCount != 305 {
			t.Errorf("unexpected conversation counters: %+v", conv)
		}

		var actionsSeen []string
		err = auditlog.NewPGStore(globalDB.Pool).Walk(ctx, auditlog.Range{}, func(e *auditlog.Entry) error {
			actionsSeen = append(actionsSeen, e.Action)
			return nil
		})
		if err != nil {
			return err
		}
		want := []string{auditlog.ActionCommit, auditlog.ActionChatTurn}
		if len(actionsSeen) != len(want) || actionsSeen[0] != want[0] || actionsSeen[1] != want[1] {
			t.Errorf("expected audit actions %v, got %v", want, actionsSeen)
		}
		return nil
	})

	if res := verifyChain(t, tenant); !res.Valid || res.Checked != 2 {
		t.Fatalf("expected a valid two-entry chain, got %+v", res)
	}
}
