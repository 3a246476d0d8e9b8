package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/assistant/internal/domain/assistant"
)

func TestConversation_AppendAndRead(t *testing.T) {
	tenant := newTenant(t, "conv")
	patient := insertPatient(t, tenant, "Grace", "Hopper")
	repo := assistant.NewConversationRepoPG(globalDB.Pool)

	inTenant(t, tenant, "dr-yang", func(ctx context.Context) error {
		conv := &assistant.Conversation{TenantID: tenant, UserID: "dr-yang", PatientID: &patient, Title: "labs"}
		if err := repo.CreateConversation(ctx, conv); err != nil {
			return err
		}
		if conv.ID == uuid.Nil {
			t.Fatal("expected an assigned conversation id")
		}

		for turn := 0; turn < 3; turn++ {
			msgs := []*assistant.Message{
				{Role: assistant.RoleUser, Content: fmt.Sprintf("question %d", turn)},
				{Role: assistant.RoleAssistant, Content: fmt.Sprintf("answer %d", turn), TokenCost: 30, Model: "test-model", Failed: turn == 2},
			}
			if err := repo.AppendMessages(ctx, conv.ID, msgs, 30); err != nil {
				return err
			}
			if msgs[0].Seq >= msgs[1].Seq {
				t.Errorf("turn %d: seq not increasing: %d, %d", turn, msgs[0].Seq, msgs[1].Seq)
			}
		}

		got, err := repo.GetConversation(ctx, conv.ID)
		if err != nil {
			return err
		}
		if got.MessageCount != 6 || got.TokenCount != 90 {
			t.Errorf("unexpected counters: messages=%d tokens=%d", got.MessageCount, got.TokenCount)
		}
		if got.PatientID == nil || *got.PatientID != patient {
			t.Errorf("patient not stored: %v", got.PatientID)
		}

		recent, err := repo.RecentMessages(ctx, conv.ID, 3)
		if err != nil {
			return err
		}
		want := []string{"answer 1", "question 2", "answer 2"}
		if len(recent) != len(want) {
			t.Fatalf("expected %d recent messages, got %d", len(want), len(recent))
		}
		for i, m := range recent {
			if m.Content != want[i] {
				t.Errorf("recent[%d]: expected %q, got %q", i, want[i], m.Content)
			}
		}
		if recent[0].Failed || !recent[2].Failed {
			t.Errorf("failed flag not round-tripped: %v, %v", recent[0].Failed, recent[2].Failed)
		}

		all, total, err := repo.ListMessages(ctx, conv.ID, 2, 4)
		if err != nil {
			return err
		}
		if total != 6 || len(all) != 2 || all[0].Content != "question 2" {
			t.Errorf("unexpected page: total=%d len=%d", total, len(all))
		}
		return nil
	})
}

func TestConversation_UnknownConversation(t *testing.T) {
	tenant := newTenant(t, "convmiss")
	repo := assistant.NewConversationRepoPG(globalDB.Pool)

	inTenant(t, tenant, "dr-yang", func(ctx context.Context) error {
		id := uuid.New()
		if _, err := repo.GetConversation(ctx, id); !errors.Is(err, assistant.ErrConversationNotFound) {
			t.Errorf("get: expected ErrConversationNotFound, got %v", err)
		}
		err := repo.AppendMessages(ctx, id, []*assistant.Message{{Role: assistant.RoleUser, Content: "hi"}}, 0)
		if !errors.Is(err, assistant.ErrConversationNotFound) {
			t.Errorf("append: expected ErrConversationNotFound, got %v", err)
		}
		if err := repo.ArchiveConversation(ctx, id); !errors.Is(err, assistant.ErrConversationNotFound) {
			t.Errorf("archive: expected ErrConversationNotFound, got %v", err)
		}
		return nil
	})
}

func TestConversation_ArchiveHidesFromDefaultList(t *testing.T) {
	tenant := newTenant(t, "convarch")
	repo := assistant.NewConversationRepoPG(globalDB.Pool)

	inTenant(t, tenant, "dr-yang", func(ctx context.Context) error {
		keep := &assistant.Conversation{TenantID: tenant, UserID: "dr-yang", Title: "keep"}
		gone := &assistant.Conversation{TenantID: tenant, UserID: "dr-yang", Title: "gone"}
		other := &assistant.Conversation{TenantID: tenant, UserID: "dr-okafor", Title: "not mine"}
		for _, c := range []*assistant.Conversation{keep, gone, other} {
			if err := repo.CreateConversation(ctx, c); err != nil {
				return err
			}
		}
		if err := repo.ArchiveConversation(ctx, gone.ID); err != nil {
			return err
		}
		// Archiving twice keeps the original timestamp.
		first, _ := repo.GetConversation(ctx, gone.ID)
		if err := repo.ArchiveConversation(ctx, gone.ID); err != nil {
			return err
		}
		second, _ := repo.GetConversation(ctx, gone.ID)
		if !first.ArchivedAt.Equal(*second.ArchivedAt) {
			t.Errorf("archived_at changed: %v -> %v", first.ArchivedAt, second.ArchivedAt)
		}

		active, total, err := repo.ListConversations(ctx, "dr-yang", false, 10, 0)
		if err != nil {
			return err
		}
		if total != 1 || active[0].ID != keep.ID {
			t.Errorf("expected only the active conversation, got %d", total)
		}
		_, total, err = repo.ListConversations(ctx, "dr-yang", true, 10, 0)
		if err != nil {
			return err
		}
		if total != 2 {
			t.Errorf("expected 2 conversations including archived, got %d", total)
		}
		return nil
	})
}
