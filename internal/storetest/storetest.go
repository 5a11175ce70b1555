// Package storetest is a contract suite every engine.Store implementation must pass.
package storetest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matterline/internal/domain"
	"matterline/internal/engine"
	"matterline/internal/transition"
)

const ts = "2024-03-01T09:00:00Z"

// Run executes the suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) engine.Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s engine.Store)
	}{
		{"WorkspaceLifecycle", testWorkspaceLifecycle},
		{"CommitAdvancesVersionAndState", testCommitAdvances},
		{"StaleVersionRejected", testStaleVersion},
		{"InvalidEdgeRejected", testInvalidEdge},
		{"LockedWorkspaceIsImmutable", testLocked},
		{"ObligationReferences", testObligationRefs},
		{"FailedCommitWritesNothing", testAtomicity},
		{"LateWriteFailureRollsBack", testLateWriteFailure},
		{"GateHoldsUntilResolved", testGate},
		{"RiskOrdering", testRiskOrdering},
		{"HumanCommandsAreIdempotent", testIdempotentCommands},
		{"ListingOrder", testListingOrder},
		{"EventLog", testEventLog},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// NewWorkspace creates a workspace at RECEIVED and returns it.
func NewWorkspace(t *testing.T, s engine.Store) domain.Workspace {
	t.Helper()
	ws := domain.Workspace{
		ID:               uuid.NewString(),
		TenantID:         "tenant-1",
		SourceType:       "email",
		SourceRaw:        "Notice of tax reassessment received on 12 Feb.",
		SourceMetadata:   map[string]string{"from": "client@example.com"},
		CurrentState:     domain.StateReceived,
		UncertaintyLevel: 1,
		Version:          1,
		CreatedAt:        ts,
		StateChangedAt:   ts,
		StateChangedBy:   "intake",
	}
	require.NoError(t, s.CreateWorkspace(context.Background(), ws, "intake"))
	return ws
}

// StageBatch builds a batch that takes ws along its automated edge with one trace.
func StageBatch(t *testing.T, ws domain.Workspace) domain.Batch {
	t.Helper()
	st, ok := transition.StageFor(ws.CurrentState)
	require.True(t, ok, "no stage from %s", ws.CurrentState)
	return domain.Batch{
		WorkspaceID: ws.ID,
		ActorID:     "system",
		Stage:       st.Name,
		Expect:      &domain.Expectation{Version: ws.Version, State: ws.CurrentState},
		Traces:      []domain.ReasoningTrace{{ID: uuid.NewString(), Step: st.Name, Explanation: "done", CreatedAt: ts}},
		Transition:  Edge(ws.CurrentState, st.To, "system"),
	}
}

func Edge(from, to domain.State, actor string) *domain.Transition {
	return &domain.Transition{ID: uuid.NewString(), FromState: from, ToState: to, TriggeredBy: actor, TriggeredAt: ts}
}

// AdvanceTo commits empty stage batches until ws reaches target.
func AdvanceTo(t *testing.T, s engine.Store, ws domain.Workspace, target domain.State) domain.Workspace {
	t.Helper()
	ctx := context.Background()
	for ws.CurrentState != target {
		b := StageBatch(t, ws)
		if ws.CurrentState == domain.StateReceived {
			b.Facts = []domain.Fact{{ID: uuid.NewString(), Label: "sender", Value: "client", Source: domain.FactSourceMetadata, CreatedAt: ts}}
		}
		var err error
		ws, err = s.CommitBatch(ctx, b)
		require.NoError(t, err)
	}
	return ws
}

func testWorkspaceLifecycle(t *testing.T, s engine.Store) {
	ctx := context.Background()
	ws := NewWorkspace(t, s)
	got, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws, got)

	NewWorkspace(t, s)
	list, err := s.ListWorkspaces(ctx, domain.WorkspaceFilter{State: domain.StateReceived})
	require.NoError(t, err)
	assert.Len(t, list, 2)
	list, err = s.ListWorkspaces(ctx, domain.WorkspaceFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = s.ListWorkspaces(ctx, domain.WorkspaceFilter{State: domain.StateLocked})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.GetWorkspace(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Snapshot(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func testCommitAdvances(t *testing.T, s engine.Store) {
	ctx := context.Background()
	ws := NewWorkspace(t, s)
	b := StageBatch(t, ws)
	b.Facts = []domain.Fact{
		{ID: uuid.NewString(), Label: "notice_date", Value: "2024-02-12", Source: domain.FactSourceExplicitMessage, CreatedAt: ts},
		{ID: uuid.NewString(), Label: "authority", Value: "tax office", Source: domain.FactSourceExplicitMessage, CreatedAt: ts},
	}
	level := 0.6
	b.Uncertainty = &level
	next, err := s.CommitBatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFactsExtracted, next.CurrentState)
	assert.Equal(t, ws.Version+1, next.Version)
	assert.InDelta(t, 0.6, next.UncertaintyLevel, 1e-9)
	assert.Equal(t, ts, next.StateChangedAt)

	snap, err := s.Snapshot(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, next, snap.Workspace)
	require.Len(t, snap.Facts, 2)
	assert.Equal(t, "notice_date", snap.Facts[0].Label)
	assert.Equal(t, ws.ID, snap.Facts[0].WorkspaceID)
	require.Len(t, snap.Transitions, 1)
	assert.Equal(t, domain.StateReceived, snap.Transitions[0].FromState)
	assert.Equal(t, domain.StateFactsExtracted, snap.Transitions[0].ToState)
	assert.Len(t, snap.Traces, 1)
}

func testStaleVersion(t *testing.T, s engine.Store) {
	ctx := context.Background()
	ws := NewWorkspace(t, s)
	first := StageBatch(t, ws)
	second := StageBatch(t, ws)
	_, err := s.CommitBatch(ctx, first)
	require.NoError(t, err)

	_, err = s.CommitBatch(ctx, second)
	var stale *domain.StaleStateError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, ws.Version, stale.ExpectedVersion)
	assert.Equal(t, ws.Version+1, stale.ActualVersion)

	snap, err := s.Snapshot(ctx, ws.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Transitions, 1)
	assert.Len(t, snap.Traces, 1)
}

func testInvalidEdge(t *testing.T, s engine.Store) {
	ctx := context.Background()
	ws := NewWorkspace(t, s)
	b := StageBatch(t, ws)
	b.Transition = Edge(domain.StateReceived, domain.StateContextIdentified, "system")
	_, err := s.CommitBatch(ctx, b)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	b = domain.Batch{WorkspaceID: ws.ID, ActorID: "alice", Manual: true, Transition: Edge(domain.StateReceived, domain.StateLocked, "alice")}
	_, err = s.CommitBatch(ctx, b)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	b = domain.Batch{WorkspaceID: ws.ID, ActorID: "alice", Manual: true, Transition: Edge(domain.StateFactsExtracted, domain.StateCancelled, "alice")}
	_, err = s.CommitBatch(ctx, b)
	require.ErrorIs(t, err, domain.ErrStaleState)

	transitions, err := s.ListTransitions(ctx, ws.ID, domain.OrderAsc)
	require.NoError(t, err)
	assert.Empty(t, transitions)
}

func testLocked(t *testing.T, s engine.Store) {
	ctx := context.Background()
	ws := AdvanceTo(t, s, NewWorkspace(t, s), domain.StateReadyForHuman)
	action := domain.ProposedAction{ID: uuid.NewString(), Type: domain.ActionQuestion, Target: domain.TargetClient, Priority: domain.PriorityNormal, Content: "Send the notice", ProposedBy: domain.AuthorHuman, CreatedAt: ts}
	ws, err := s.CommitBatch(ctx, domain.Batch{WorkspaceID: ws.ID, ActorID: "alice", Actions: []domain.ProposedAction{action}})
	require.NoError(t, err)

	locked, err := s.CommitBatch(ctx, domain.Batch{WorkspaceID: ws.ID, ActorID: "alice", Manual: true, Transition: Edge(domain.StateReadyForHuman, domain.StateLocked, "alice")})
	require.NoError(t, err)
	assert.True(t, locked.Locked)
	assert.Equal(t, domain.StateLocked, locked.CurrentState)
	require.NotNil(t, locked.CompletedAt)

	before, err := s.Snapshot(ctx, ws.ID)
	require.NoError(t, err)

	_, err = s.CommitBatch(ctx, domain.Batch{WorkspaceID: ws.ID, ActorID: "alice", Facts: []domain.Fact{{ID: uuid.NewString(), Label: "late", Value: "x", Source: domain.FactSourceDocument, CreatedAt: ts}}})
	require.ErrorIs(t, err, domain.ErrLocked)
	_, err = s.CommitBatch(ctx, domain.Batch{WorkspaceID: ws.ID, ActorID: "alice", Manual: true, Transition: Edge(domain.StateLocked, domain.StateCancelled, "alice")})
	require.ErrorIs(t, err, domain.ErrLocked)
	_, err = s.MarkActionExecuted(ctx, domain.ActionExecution{WorkspaceID: ws.ID, ActionID: action.ID, ActorID: "alice", At: ts})
	require.ErrorIs(t, err, domain.ErrLocked)

	after, err := s.Snapshot(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func testObligationRefs(t *testing.T, s engine.Store) {
	ctx := context.Background()
	other := AdvanceTo(t, s, NewWorkspace(t, s), domain.StateFactsExtracted)
	foreign := domain.Context{ID: uuid.NewString(), Type: domain.ContextLegal, CertaintyLevel: domain.CertaintyProbable, Description: "tax law", CreatedAt: ts}
	b := StageBatch(t, other)
	b.Contexts = []domain.Context{foreign}
	_, err := s.CommitBatch(ctx, b)
	require.NoError(t, err)

	ws := AdvanceTo(t, s, NewWorkspace(t, s), domain.StateContextIdentified)
	for _, ref := range []string{foreign.ID, "does-not-exist"} {
		b := StageBatch(t, ws)
		b.Obligations = []domain.Obligation{{ID: uuid.NewString(), ContextID: ref, Mandatory: true, Description: "reply", DeducedBy: domain.AuthorAI, CreatedAt: ts}}
		_, err := s.CommitBatch(ctx, b)
		var refErr *domain.InvalidReferenceError
		require.ErrorAs(t, err, &refErr)
		assert.Equal(t, "context_id", refErr.Field)
	}

	local := domain.Context{ID: uuid.NewString(), Type: domain.ContextTemporal, CertaintyLevel: domain.CertaintyConfirmed, Description: "30 day window", CreatedAt: ts}
	_, err = s.CommitBatch(ctx, domain.Batch{
		WorkspaceID: ws.ID,
		ActorID:     "alice",
		Contexts:    []domain.Context{local},
		Obligations: []domain.Obligation{{ID: uuid.NewString(), ContextID: local.ID, Description: "file objection", DeducedBy: domain.AuthorHuman, CreatedAt: ts}},
	})
	require.NoError(t, err)
}

func testAtomicity(t *testing.T, s engine.Store) {
	ctx := context.Background()
	ws := AdvanceTo(t, s, NewWorkspace(t, s), domain.StateContextIdentified)
	before, err := s.Snapshot(ctx, ws.ID)
	require.NoError(t, err)

	b := StageBatch(t, ws)
	b.Obligations = []domain.Obligation{
		{ID: uuid.NewString(), ContextID: "nope", Description: "x", DeducedBy: domain.AuthorAI, CreatedAt: ts},
	}
	b.Facts = []domain.Fact{{ID: uuid.NewString(), Label: "extra", Value: "y", Source: domain.FactSourceInferred, CreatedAt: ts}}
	_, err = s.CommitBatch(ctx, b)
	require.Error(t, err)

	b = StageBatch(t, ws)
	b.Risks = []domain.Risk{{ID: uuid.NewString(), Impact: 4, Probability: 1, Description: "bad", CreatedAt: ts}}
	_, err = s.CommitBatch(ctx, b)
	require.ErrorIs(t, err, domain.ErrValidation)

	after, err := s.Snapshot(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// testLateWriteFailure commits a batch whose second fact reuses a stored id, so a
// SQL store fails after the first insert already succeeded.
func testLateWriteFailure(t *testing.T, s engine.Store) {
	ctx := context.Background()
	ws := NewWorkspace(t, s)
	stored := domain.Fact{ID: uuid.NewString(), Label: "sender", Value: "client", Source: domain.FactSourceMetadata, CreatedAt: ts}
	ws, err := s.CommitBatch(ctx, domain.Batch{WorkspaceID: ws.ID, ActorID: "alice", Facts: []domain.Fact{stored}})
	require.NoError(t, err)
	before, err := s.Snapshot(ctx, ws.ID)
	require.NoError(t, err)
	mark, err := s.LatestEventID(ctx)
	require.NoError(t, err)

	b := StageBatch(t, ws)
	dup := stored
	dup.Label = "recipient"
	b.Facts = []domain.Fact{
		{ID: uuid.NewString(), Label: "deadline", Value: "30 days", Source: domain.FactSourceInferred, CreatedAt: ts},
		dup,
	}
	_, err = s.CommitBatch(ctx, b)
	require.ErrorIs(t, err, domain.ErrValidation)

	after, err := s.Snapshot(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, after.Facts, 1)
	assert.Empty(t, after.Traces)
	assert.Empty(t, after.Transitions)
	assert.Equal(t, ws.Version, after.Workspace.Version)
	evts, err := s.ListEvents(ctx, domain.EventFilter{AfterID: mark})
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func testGate(t *testing.T, s engine.Store) {
	ctx := context.Background()
	ws := AdvanceTo(t, s, NewWorkspace(t, s), domain.StateObligationsDeduced)
	b := StageBatch(t, ws)
	blocker := domain.MissingElement{ID: uuid.NewString(), Type: "document", Description: "signed notice", Why: "deadline runs from receipt", Blocking: true, CreatedAt: ts}
	b.MissingElements = []domain.MissingElement{
		blocker,
		{ID: uuid.NewString(), Type: "info", Description: "phone number", Why: "contact", CreatedAt: ts},
	}
	ws, err := s.CommitBatch(ctx, b)
	require.NoError(t, err)
	require.Equal(t, domain.StateMissingIdentified, ws.CurrentState)

	_, err = s.CommitBatch(ctx, StageBatch(t, ws))
	var blocked *domain.BlockedByMissingElementsError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, []string{blocker.ID}, blocked.ElementIDs)

	_, err = s.CommitBatch(ctx, domain.Batch{WorkspaceID: ws.ID, ActorID: "alice", Manual: true, Transition: Edge(domain.StateMissingIdentified, domain.StateEscalated, "alice")})
	require.ErrorIs(t, err, domain.ErrBlocked)

	resolved, err := s.ResolveMissingElement(ctx, domain.ElementResolution{WorkspaceID: ws.ID, ElementID: blocker.ID, Resolution: "client sent scan", ActorID: "alice", At: ts})
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "alice", *resolved.ResolvedBy)

	ws, err = s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	ws, err = s.CommitBatch(ctx, StageBatch(t, ws))
	require.NoError(t, err)
	assert.Equal(t, domain.StateRisksEvaluated, ws.CurrentState)
}

func testRiskOrdering(t *testing.T, s engine.Store) {
	ctx := context.Background()
	ws := AdvanceTo(t, s, NewWorkspace(t, s), domain.StateMissingIdentified)
	b := StageBatch(t, ws)
	b.Risks = []domain.Risk{
		{ID: "risk-a", Impact: 3, Probability: 2, Description: "penalty", CreatedAt: ts},
		{ID: "risk-b", Impact: 2, Probability: 3, Description: "missed appeal", Irreversible: true, CreatedAt: ts},
		{ID: "risk-c", Impact: 1, Probability: 1, Description: "minor", CreatedAt: ts},
		{ID: "risk-d", Impact: 3, Probability: 3, Description: "seizure", CreatedAt: ts},
	}
	_, err := s.CommitBatch(ctx, b)
	require.NoError(t, err)
	snap, err := s.Snapshot(ctx, ws.ID)
	require.NoError(t, err)
	var ids []string
	for _, r := range snap.Risks {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"risk-d", "risk-b", "risk-a", "risk-c"}, ids)
	assert.Equal(t, 6, snap.Risks[1].RiskScore)
	assert.True(t, snap.Risks[1].Irreversible)
}

func testIdempotentCommands(t *testing.T, s engine.Store) {
	ctx := context.Background()
	ws := AdvanceTo(t, s, NewWorkspace(t, s), domain.StateObligationsDeduced)
	b := StageBatch(t, ws)
	elem := domain.MissingElement{ID: uuid.NewString(), Type: "document", Description: "id card", Why: "identity", Blocking: true, CreatedAt: ts}
	b.MissingElements = []domain.MissingElement{elem}
	ws, err := s.CommitBatch(ctx, b)
	require.NoError(t, err)

	first, err := s.ResolveMissingElement(ctx, domain.ElementResolution{WorkspaceID: ws.ID, ElementID: elem.ID, Resolution: "received", ActorID: "alice", At: ts})
	require.NoError(t, err)
	afterFirst, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.Version+1, afterFirst.Version)

	second, err := s.ResolveMissingElement(ctx, domain.ElementResolution{WorkspaceID: ws.ID, ElementID: elem.ID, Resolution: "other", ActorID: "bob", At: "2024-03-02T00:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	afterSecond, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, afterFirst.Version, afterSecond.Version)

	_, err = s.ResolveMissingElement(ctx, domain.ElementResolution{WorkspaceID: ws.ID, ElementID: "nope", ActorID: "alice", At: ts})
	require.ErrorIs(t, err, domain.ErrNotFound)

	action := domain.ProposedAction{ID: uuid.NewString(), Type: domain.ActionDocumentRequest, Target: domain.TargetClient, Priority: domain.PriorityHigh, Content: "Please send the notice", ProposedBy: domain.AuthorHuman, CreatedAt: ts}
	_, err = s.CommitBatch(ctx, domain.Batch{WorkspaceID: ws.ID, ActorID: "alice", Actions: []domain.ProposedAction{action}})
	require.NoError(t, err)
	done, err := s.MarkActionExecuted(ctx, domain.ActionExecution{WorkspaceID: ws.ID, ActionID: action.ID, Result: "sent", ActorID: "alice", At: ts})
	require.NoError(t, err)
	assert.True(t, done.Executed)
	again, err := s.MarkActionExecuted(ctx, domain.ActionExecution{WorkspaceID: ws.ID, ActionID: action.ID, Result: "resent", ActorID: "bob", At: ts})
	require.NoError(t, err)
	assert.Equal(t, done, again)

	_, err = s.MarkActionExecuted(ctx, domain.ActionExecution{WorkspaceID: "other", ActionID: action.ID, ActorID: "alice", At: ts})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func testListingOrder(t *testing.T, s engine.Store) {
	ctx := context.Background()
	ws := AdvanceTo(t, s, NewWorkspace(t, s), domain.StateObligationsDeduced)
	asc, err := s.ListTransitions(ctx, ws.ID, domain.OrderAsc)
	require.NoError(t, err)
	desc, err := s.ListTransitions(ctx, ws.ID, domain.OrderDesc)
	require.NoError(t, err)
	require.Len(t, asc, 3)
	require.Len(t, desc, 3)
	assert.Equal(t, domain.StateReceived, asc[0].FromState)
	assert.Equal(t, domain.StateContextIdentified, desc[0].FromState)
	for i := range asc {
		assert.Equal(t, asc[i], desc[len(desc)-1-i])
	}

	traces, err := s.ListTraces(ctx, ws.ID, domain.OrderDesc)
	require.NoError(t, err)
	require.Len(t, traces, 3)
	assert.Equal(t, "obligations", traces[0].Step)

	_, err = s.ListTraces(ctx, "missing", domain.OrderAsc)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func testEventLog(t *testing.T, s engine.Store) {
	ctx := context.Background()
	start, err := s.LatestEventID(ctx)
	require.NoError(t, err)
	ws := AdvanceTo(t, s, NewWorkspace(t, s), domain.StateFactsExtracted)

	evts, err := s.ListEvents(ctx, domain.EventFilter{WorkspaceID: ws.ID, AfterID: start})
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
		assert.Equal(t, ws.ID, e.WorkspaceID)
	}
	assert.Equal(t, []string{"workspace.created", "entity.created", "stage.committed", "workspace.transitioned"}, types)

	latest, err := s.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, evts[len(evts)-1].ID, latest)

	tail, err := s.ListEvents(ctx, domain.EventFilter{AfterID: evts[1].ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "stage.committed", tail[0].Type)
}
