package auditlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry() *Entry {
	conv := uuid.MustParse("7b1f7e84-0c1e-4d1e-9b63-3c8a1f3a9c11")
	return &Entry{
		ID:             42,
		ConversationID: &conv,
		UserID:         "clinician-7",
		TenantID:       "clinic_a",
		Action:         ActionToolCall,
		ToolName:       "get_allergies",
		RedactedInput:  `{"patient_id":"x"}`,
		OutputSummary:  "2 allergies",
		DataAccessed:   []string{"allergy"},
		RiskTier:       RiskLow,
		Outcome:        OutcomeSuccess,
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCanonicalJSON_SortsKeysRecursively(t *testing.T) {
	a := map[string]interface{}{
		"b": map[string]interface{}{"z": 1, "a": []interface{}{map[string]interface{}{"y": 2, "x": 1}}},
		"a": "<tag>",
	}
	got, err := CanonicalJSON(a)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<tag>","b":{"a":[{"x":1,"y":2}],"z":1}}`, string(got))
}

func TestCanonicalJSON_StructAndMapAgree(t *testing.T) {
	type pair struct {
		Zeta  int `json:"zeta"`
		Alpha int `json:"alpha"`
	}
	fromStruct, err := CanonicalJSON(pair{Zeta: 1, Alpha: 2})
	require.NoError(t, err)
	fromMap, err := CanonicalJSON(map[string]int{"alpha": 2, "zeta": 1})
	require.NoError(t, err)
	assert.Equal(t, string(fromMap), string(fromStruct))
}

func TestComputeHash_Deterministic(t *testing.T) {
	h1, err := ComputeHash(Genesis, sampleEntry())
	require.NoError(t, err)
	h2, err := ComputeHash(Genesis, sampleEntry())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestComputeHash_NilAndEmptyAccessListAgree(t *testing.T) {
	a := sampleEntry()
	a.DataAccessed = nil
	b := sampleEntry()
	b.DataAccessed = []string{}

	ha, err := ComputeHash(Genesis, a)
	require.NoError(t, err)
	hb, err := ComputeHash(Genesis, b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestComputeHash_SensitiveToEveryField(t *testing.T) {
	base, err := ComputeHash(Genesis, sampleEntry())
	require.NoError(t, err)

	mutations := map[string]func(e *Entry){
		"id":              func(e *Entry) { e.ID++ },
		"action":          func(e *Entry) { e.Action = ActionCommit },
		"tool":            func(e *Entry) { e.ToolName = "get_vitals" },
		"user":            func(e *Entry) { e.UserID = "someone-else" },
		"input":           func(e *Entry) { e.RedactedInput = "{}" },
		"summary":         func(e *Entry) { e.OutputSummary = "0 allergies" },
		"data accessed":   func(e *Entry) { e.DataAccessed = []string{"medication"} },
		"risk":            func(e *Entry) { e.RiskTier = RiskHigh },
		"outcome":         func(e *Entry) { e.Outcome = OutcomeError },
		"timestamp":       func(e *Entry) { e.CreatedAt = e.CreatedAt.Add(time.Second) },
		"patient":         func(e *Entry) { p := uuid.New(); e.PatientID = &p },
		"no conversation": func(e *Entry) { e.ConversationID = nil },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e := sampleEntry()
			mutate(e)
			h, err := ComputeHash(Genesis, e)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}

	other, err := ComputeHash("ff", sampleEntry())
	require.NoError(t, err)
	assert.NotEqual(t, base, other, "previous hash must be part of the digest")
}

func TestComputeHash_SubSecondIgnored(t *testing.T) {
	a := sampleEntry()
	b := sampleEntry()
	b.CreatedAt = b.CreatedAt.Add(300 * time.Millisecond)
	ha, _ := ComputeHash(Genesis, a)
	hb, _ := ComputeHash(Genesis, b)
	assert.Equal(t, ha, hb)
}

func TestTarget(t *testing.T) {
	e := &Entry{Action: ActionChatTurn}
	assert.Equal(t, ActionChatTurn, e.Target())
	e.ToolName = "get_schedule"
	assert.Equal(t, "get_schedule", e.Target())
}

func TestMemoryStore_TwoAppendsLink(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := &Entry{Action: ActionChatTurn, TenantID: "clinic_a"}
	second := &Entry{Action: ActionToolCall, ToolName: "get_schedule", TenantID: "clinic_a"}
	require.NoError(t, s.Append(ctx, first))
	require.NoError(t, s.Append(ctx, second))

	assert.Equal(t, Genesis, first.PreviousHash)
	assert.Equal(t, first.Hash, second.PreviousHash)

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Hash, head)
}

func TestMemoryStore_ConcurrentAppendsNeverShareAPredecessor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, &Entry{Action: ActionToolCall, TenantID: "clinic_a"}))
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	require.NoError(t, s.Walk(ctx, Range{}, func(e *Entry) error {
		assert.False(t, seen[e.PreviousHash], "entry %d reuses predecessor %s", e.ID, e.PreviousHash)
		seen[e.PreviousHash] = true
		return nil
	}))
	assert.Len(t, seen, 50)

	res, err := Verify(ctx, s, Range{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
}
