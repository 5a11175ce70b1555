package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matterline/internal/config"
	"matterline/internal/db"
	"matterline/internal/domain"
	"matterline/internal/engine"
	"matterline/internal/inference"
	"matterline/internal/inference/inferencetest"
	"matterline/internal/memstore"
	"matterline/internal/migrate"
	"matterline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Fake   *inferencetest.Client
	Ctx    context.Context
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Inference.BackoffInitialMS = 1
	cfg.Inference.BackoffMaxMS = 2
	return cfg
}

func newEngine(store engine.Store) (engine.Engine, *inferencetest.Client) {
	fake := inferencetest.New()
	eng := engine.New(store, fake, testConfig())
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return eng, fake
}

// newTestEnv runs the engine on the SQLite store.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng, fake := newEngine(repo.New(conn))
	return testEnv{Engine: eng, Fake: fake, Ctx: context.Background()}
}

func newMemEnv(t *testing.T) testEnv {
	t.Helper()
	eng, fake := newEngine(memstore.New())
	return testEnv{Engine: eng, Fake: fake, Ctx: context.Background()}
}

func bothStores(t *testing.T, fn func(t *testing.T, env testEnv)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestEnv(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, newMemEnv(t)) })
}

func (env testEnv) workspace(t *testing.T) domain.Workspace {
	t.Helper()
	ws, err := env.Engine.CreateWorkspace(env.Ctx, engine.CreateWorkspace{
		TenantID:       "tenant-1",
		SourceType:     "email",
		SourceRaw:      "We received a tax reassessment notice dated 12 February. Payment is due in 30 days.",
		SourceMetadata: map[string]string{"from": "client@example.com"},
		ActorID:        "intake",
	})
	require.NoError(t, err)
	return ws
}

// runTo drives ws with the scripted pipeline until it reaches target.
func (env testEnv) runTo(t *testing.T, id string, target domain.State) domain.Workspace {
	t.Helper()
	for {
		ws, err := env.Engine.GetWorkspace(env.Ctx, id)
		require.NoError(t, err)
		if ws.CurrentState == target {
			return ws
		}
		_, err = env.Engine.RunNextStage(env.Ctx, id)
		require.NoError(t, err)
	}
}

func TestCreateWorkspace(t *testing.T) {
	bothStores(t, func(t *testing.T, env testEnv) {
		ws := env.workspace(t)
		assert.Equal(t, domain.StateReceived, ws.CurrentState)
		assert.Equal(t, 1.0, ws.UncertaintyLevel)
		assert.Equal(t, "2024-03-01T09:00:00Z", ws.CreatedAt)

		got, err := env.Engine.GetWorkspace(env.Ctx, ws.ID)
		require.NoError(t, err)
		assert.Equal(t, ws, got)

		_, err = env.Engine.CreateWorkspace(env.Ctx, engine.CreateWorkspace{SourceType: "email", ActorID: "intake"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

// Scenario A: the facts stage commits facts, traces, uncertainty and one transition.
func TestFactsStageCommits(t *testing.T) {
	bothStores(t, func(t *testing.T, env testEnv) {
		ws := env.workspace(t)
		env.Fake.On("facts", inferencetest.Reply{Content: inferencetest.Answer([]map[string]any{
			{"label": "notice_date", "value": "12 February", "source": "EXPLICIT_MESSAGE"},
			{"label": "payment_term", "value": "30 days", "source": "EXPLICIT_MESSAGE"},
		}, 0.7, "the message states the notice date", "the message states the payment term")})

		res, err := env.Engine.RunNextStage(env.Ctx, ws.ID)
		require.NoError(t, err)
		assert.Equal(t, "facts", res.Stage)
		assert.Equal(t, domain.StateFactsExtracted, res.Workspace.CurrentState)
		assert.Equal(t, ws.Version+1, res.Workspace.Version)
		assert.Equal(t, 1, res.Attempts)
		assert.Len(t, res.Created, 2)

		snap, err := env.Engine.Snapshot(env.Ctx, ws.ID)
		require.NoError(t, err)
		require.Len(t, snap.Facts, 2)
		assert.Equal(t, "notice_date", snap.Facts[0].Label)
		assert.Equal(t, "payment_term", snap.Facts[1].Label)
		require.Len(t, snap.Traces, 2)
		assert.Equal(t, "facts/step-1", snap.Traces[0].Step)
		require.Len(t, snap.Transitions, 1)
		tr := snap.Transitions[0]
		assert.Equal(t, domain.StateReceived, tr.FromState)
		assert.Equal(t, domain.StateFactsExtracted, tr.ToState)
		assert.Equal(t, engine.SystemActor, tr.TriggeredBy)
		assert.InDelta(t, 0.7, snap.Workspace.UncertaintyLevel, 1e-9)

		calls := env.Fake.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, inference.Preamble, calls[0].Preamble)
		assert.Contains(t, string(calls[0].Snapshot), "tax reassessment")
	})
}

// Scenario B: two concurrent runs read the same version; exactly one commits.
func TestConcurrentStageRunsCommitOnce(t *testing.T) {
	bothStores(t, func(t *testing.T, env testEnv) {
		ws := env.workspace(t)
		arrived := make(chan struct{}, 2)
		release := make(chan struct{})
		env.Fake.On("facts", inferencetest.Reply{
			Content: inferencetest.Answer([]map[string]any{{"label": "sender", "value": "tax office", "source": "EXPLICIT_MESSAGE"}}, 0.8, "read"),
			Before: func(ctx context.Context) error {
				arrived <- struct{}{}
				select {
				case <-release:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		})
		env.Fake.On("contexts", inferencetest.Reply{Content: inferencetest.Answer([]map[string]any{
			{"type": "ADMINISTRATIVE", "certainty_level": "CONFIRMED", "description": "tax assessment", "reasoning": "sender"},
		}, 0.6, "classified")})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = env.Engine.RunNextStage(env.Ctx, ws.ID)
			}()
		}
		<-arrived
		<-arrived
		close(release)
		wg.Wait()

		var committed, stale int
		for _, err := range errs {
			switch {
			case err == nil:
				committed++
			case errors.Is(err, domain.ErrStaleState):
				stale++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, committed)
		assert.Equal(t, 1, stale)

		snap, err := env.Engine.Snapshot(env.Ctx, ws.ID)
		require.NoError(t, err)
		assert.Len(t, snap.Facts, 1)
		assert.Len(t, snap.Transitions, 1)
		assert.Equal(t, ws.Version+1, snap.Workspace.Version)

		// the loser retries against refreshed state and advances the next stage
		res, err := env.Engine.RunNextStage(env.Ctx, ws.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateContextIdentified, res.To)
	})
}

// Scenario C: after locking nothing may change, and reads stay identical.
func TestLockedWorkspaceRejectsMutations(t *testing.T) {
	bothStores(t, func(t *testing.T, env testEnv) {
		inferencetest.Pipeline(env.Fake)
		ws := env.workspace(t)
		results, err := env.Engine.RunUntilSettled(env.Ctx, ws.ID, 0)
		require.NoError(t, err)
		require.Len(t, results, 7)
		assert.Equal(t, domain.StateReadyForHuman, results[6].To)

		locked, err := env.Engine.Lock(env.Ctx, engine.Lock{WorkspaceID: ws.ID, ActorID: "reviewer"})
		require.NoError(t, err)
		assert.True(t, locked.Locked)
		assert.Equal(t, domain.StateLocked, locked.CurrentState)
		require.NotNil(t, locked.CompletedAt)

		before, err := env.Engine.Snapshot(env.Ctx, ws.ID)
		require.NoError(t, err)

		_, err = env.Engine.AddFact(env.Ctx, engine.AddFact{WorkspaceID: ws.ID, Label: "late", Value: "x", ActorID: "reviewer"})
		assert.ErrorIs(t, err, domain.ErrLocked)
		_, err = env.Engine.RunNextStage(env.Ctx, ws.ID)
		assert.ErrorIs(t, err, domain.ErrLocked)
		_, err = env.Engine.ApplyManualTransition(env.Ctx, engine.ApplyManualTransition{WorkspaceID: ws.ID, Target: domain.StateCancelled, ActorID: "reviewer"})
		assert.ErrorIs(t, err, domain.ErrLocked)
		_, err = env.Engine.ResolveMissingElement(env.Ctx, engine.ResolveMissingElement{
			WorkspaceID: ws.ID, ElementID: before.MissingElements[0].ID, Resolution: "received", ActorID: "reviewer",
		})
		assert.ErrorIs(t, err, domain.ErrLocked)
		_, err = env.Engine.MarkActionExecuted(env.Ctx, engine.MarkActionExecuted{
			WorkspaceID: ws.ID, ActionID: before.Actions[0].ID, Result: "sent", ActorID: "reviewer",
		})
		assert.ErrorIs(t, err, domain.ErrLocked)

		after, err := env.Engine.Snapshot(env.Ctx, ws.ID)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		assert.Len(t, after.Transitions, 8)
	})
}

// Scenario D: risks are listed by score with irreversible risks first on ties.
func TestRiskOrdering(t *testing.T) {
	bothStores(t, func(t *testing.T, env testEnv) {
		inferencetest.Pipeline(env.Fake)
		ws := env.workspace(t)
		env.runTo(t, ws.ID, domain.StateMissingIdentified)

		eng := env.Engine
		fake := inferencetest.New().On("risks", inferencetest.Reply{Content: inferencetest.Answer([]map[string]any{
			{"impact": 2, "probability": 3, "description": "reversible six", "irreversible": false},
			{"impact": 3, "probability": 2, "description": "irreversible six", "irreversible": true},
			{"impact": 3, "probability": 3, "description": "nine", "irreversible": false},
			{"impact": 1, "probability": 1, "description": "irreversible one", "irreversible": true},
		}, 0.4, "scored")})
		eng.Inference = fake
		_, err := eng.RunNextStage(env.Ctx, ws.ID)
		require.NoError(t, err)

		snap, err := eng.Snapshot(env.Ctx, ws.ID)
		require.NoError(t, err)
		var got []string
		for _, r := range snap.Risks {
			got = append(got, r.Description)
		}
		assert.Equal(t, []string{"nine", "irreversible six", "reversible six", "irreversible one"}, got)
		assert.Equal(t, 9, snap.Risks[0].RiskScore)

		sum := snap.Summary()
		assert.Equal(t, 9, sum.HighestRiskScore)
		assert.Equal(t, 2, sum.IrreversibleRisks)
	})
}

func TestValidationRetryWithCorrections(t *testing.T) {
	env := newMemEnv(t)
	ws := env.workspace(t)
	env.Fake.On("facts",
		inferencetest.Reply{Content: `{"entities":[{"label":"sender"}],"trace":[],"uncertainty_level":"high"}`},
		inferencetest.Reply{Content: inferencetest.Answer([]map[string]any{{"label": "sender", "value": "tax office", "source": "DOCUMENT"}}, 0.5, "fixed")},
	)
	res, err := env.Engine.RunNextStage(env.Ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	calls := env.Fake.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].Corrections)
	assert.NotEmpty(t, calls[1].Corrections)
	assert.Contains(t, calls[1].Messages()[2].Content, "uncertainty_level")
}

func TestValidationRetriesExhausted(t *testing.T) {
	bothStores(t, func(t *testing.T, env testEnv) {
		ws := env.workspace(t)
		env.Fake.On("facts", inferencetest.Reply{Content: "not json at all"})

		_, err := env.Engine.RunNextStage(env.Ctx, ws.ID)
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "facts", verr.Stage)
		assert.Equal(t, testConfig().Inference.MaxValidationRetries+1, env.Fake.CallCount("facts"))

		snap, err := env.Engine.Snapshot(env.Ctx, ws.ID)
		require.NoError(t, err)
		assert.Equal(t, ws, snap.Workspace)
		assert.Empty(t, snap.Facts)
		assert.Empty(t, snap.Traces)
		assert.Empty(t, snap.Transitions)
	})
}

func TestUpstreamTimeoutIsRetriedThenSurfaced(t *testing.T) {
	env := newMemEnv(t)
	env.Engine.Timeout = 10 * time.Millisecond
	ws := env.workspace(t)
	env.Fake.On("facts", inferencetest.Reply{Delay: time.Second})

	_, err := env.Engine.RunNextStage(env.Ctx, ws.ID)
	var terr *domain.UpstreamTimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 10*time.Millisecond, terr.Timeout)
	assert.Equal(t, testConfig().Inference.UpstreamRetries+1, env.Fake.CallCount("facts"))

	got, err := env.Engine.GetWorkspace(env.Ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws, got)
}

func TestCallerDeadlineSurfacesAsUpstreamTimeout(t *testing.T) {
	env := newMemEnv(t)
	ws := env.workspace(t)
	env.Fake.On("facts", inferencetest.Reply{Delay: time.Second})

	ctx, cancel := context.WithTimeout(env.Ctx, 20*time.Millisecond)
	defer cancel()
	_, err := env.Engine.RunNextStage(ctx, ws.ID)
	require.ErrorIs(t, err, domain.ErrUpstreamTimeout)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.CodeUpstreamTimeout, domain.CodeOf(err))
	assert.Equal(t, 1, env.Fake.CallCount("facts"))

	got, err := env.Engine.GetWorkspace(env.Ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws, got)
}

func TestTransientUpstreamFailureRecovers(t *testing.T) {
	env := newMemEnv(t)
	ws := env.workspace(t)
	env.Fake.On("facts",
		inferencetest.Reply{Err: &inference.StatusError{Code: 503, Body: "loading model"}},
		inferencetest.Reply{Content: inferencetest.Answer([]map[string]any{{"label": "sender", "value": "x", "source": "METADATA"}}, 0.9, "read")},
	)
	res, err := env.Engine.RunNextStage(env.Ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFactsExtracted, res.To)
	assert.Equal(t, 2, env.Fake.CallCount("facts"))
}

func TestPermanentUpstreamFailureIsNotRetried(t *testing.T) {
	env := newMemEnv(t)
	ws := env.workspace(t)
	env.Fake.On("facts", inferencetest.Reply{Err: &inference.StatusError{Code: 401, Body: "bad key"}})

	_, err := env.Engine.RunNextStage(env.Ctx, ws.ID)
	var uerr *domain.UpstreamUnavailableError
	require.ErrorAs(t, err, &uerr)
	assert.True(t, uerr.Permanent)
	assert.Equal(t, 1, env.Fake.CallCount("facts"))
}

func TestOpenGuardSkipsUpstream(t *testing.T) {
	env := newMemEnv(t)
	ws := env.workspace(t)
	guard := inference.NewGuard(1, time.Hour)
	guard.RecordFailure()
	env.Engine.Inference = inference.GuardedClient{Client: env.Fake, Guard: guard}

	_, err := env.Engine.RunNextStage(env.Ctx, ws.ID)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, inference.ErrGuardOpen)
	assert.Zero(t, env.Fake.CallCount("facts"))
}

func TestCancellationLeavesNoWrites(t *testing.T) {
	env := newMemEnv(t)
	ws := env.workspace(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	env.Fake.On("facts", inferencetest.Reply{
		Before: func(context.Context) error { cancel(); return nil },
		Delay:  time.Second,
	})
	_, err := env.Engine.RunNextStage(ctx, ws.ID)
	assert.ErrorIs(t, err, context.Canceled)

	snap, err := env.Engine.Snapshot(env.Ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws, snap.Workspace)
	assert.Empty(t, snap.Transitions)
}

func TestMissingElementGate(t *testing.T) {
	bothStores(t, func(t *testing.T, env testEnv) {
		inferencetest.Pipeline(env.Fake)
		ws := env.workspace(t)
		env.runTo(t, ws.ID, domain.StateObligationsDeduced)

		blocking := inferencetest.New().
			On("missing_elements", inferencetest.Reply{Content: inferencetest.Answer([]map[string]any{
				{"type": "document", "description": "signed notice", "why": "amount unknown", "blocking": true},
			}, 0.5, "the notice is missing")})
		eng := env.Engine
		eng.Inference = blocking
		_, err := eng.RunNextStage(env.Ctx, ws.ID)
		require.NoError(t, err)

		_, err = eng.RunNextStage(env.Ctx, ws.ID)
		var blocked *domain.BlockedByMissingElementsError
		require.ErrorAs(t, err, &blocked)
		require.Len(t, blocked.ElementIDs, 1)
		assert.Zero(t, blocking.CallCount("risks"))

		_, err = eng.ApplyManualTransition(env.Ctx, engine.ApplyManualTransition{WorkspaceID: ws.ID, Target: domain.StateEscalated, ActorID: "reviewer"})
		assert.ErrorIs(t, err, domain.ErrBlocked)

		el, err := eng.ResolveMissingElement(env.Ctx, engine.ResolveMissingElement{
			WorkspaceID: ws.ID, ElementID: blocked.ElementIDs[0], Resolution: "client sent the notice", ActorID: "reviewer",
		})
		require.NoError(t, err)
		assert.True(t, el.Resolved)
		require.NotNil(t, el.ResolvedBy)
		assert.Equal(t, "reviewer", *el.ResolvedBy)

		env.Engine.Inference = env.Fake
		res, err := env.Engine.RunNextStage(env.Ctx, ws.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateRisksEvaluated, res.To)
	})
}

func TestManualTransitions(t *testing.T) {
	bothStores(t, func(t *testing.T, env testEnv) {
		ws := env.workspace(t)

		_, err := env.Engine.Lock(env.Ctx, engine.Lock{WorkspaceID: ws.ID, ActorID: "reviewer"})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		escalated, err := env.Engine.ApplyManualTransition(env.Ctx, engine.ApplyManualTransition{
			WorkspaceID: ws.ID, Target: domain.StateEscalated, Reason: "unusual amount", ActorID: "reviewer",
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StateEscalated, escalated.CurrentState)
		assert.Equal(t, "reviewer", escalated.StateChangedBy)

		_, err = env.Engine.RunNextStage(env.Ctx, ws.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		_, err = env.Engine.ApplyManualTransition(env.Ctx, engine.ApplyManualTransition{WorkspaceID: ws.ID, Target: domain.StateEscalated, ActorID: "reviewer"})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		_, err = env.Engine.ApplyManualTransition(env.Ctx, engine.ApplyManualTransition{
			WorkspaceID: ws.ID, Target: domain.StateCancelled, ActorID: "reviewer", ExpectedVersion: ws.Version,
		})
		assert.ErrorIs(t, err, domain.ErrStaleState)

		cancelled, err := env.Engine.ApplyManualTransition(env.Ctx, engine.ApplyManualTransition{
			WorkspaceID: ws.ID, Target: domain.StateCancelled, ActorID: "reviewer", ExpectedVersion: escalated.Version,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StateCancelled, cancelled.CurrentState)
		assert.NotNil(t, cancelled.CompletedAt)

		_, err = env.Engine.ApplyManualTransition(env.Ctx, engine.ApplyManualTransition{WorkspaceID: ws.ID, Target: domain.StateEscalated, ActorID: "reviewer"})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		trs, err := env.Engine.ListTransitions(env.Ctx, ws.ID, domain.OrderDesc)
		require.NoError(t, err)
		require.Len(t, trs, 2)
		assert.Equal(t, domain.StateCancelled, trs[0].ToState)
		assert.Equal(t, domain.StateEscalated, trs[1].ToState)
	})
}

func TestHumanAdditions(t *testing.T) {
	bothStores(t, func(t *testing.T, env testEnv) {
		inferencetest.Pipeline(env.Fake)
		ws := env.workspace(t)
		env.runTo(t, ws.ID, domain.StateContextIdentified)
		other := env.workspace(t)
		env.runTo(t, other.ID, domain.StateContextIdentified)

		snap, err := env.Engine.Snapshot(env.Ctx, ws.ID)
		require.NoError(t, err)
		otherSnap, err := env.Engine.Snapshot(env.Ctx, other.ID)
		require.NoError(t, err)

		fact, err := env.Engine.AddFact(env.Ctx, engine.AddFact{WorkspaceID: ws.ID, Label: "phone_call", Value: "client confirmed", ActorID: "reviewer"})
		require.NoError(t, err)
		assert.Equal(t, domain.FactSourceExplicitMessage, fact.Source)

		ob, err := env.Engine.AddObligation(env.Ctx, engine.AddObligation{
			WorkspaceID: ws.ID, ContextID: snap.Contexts[0].ID, Mandatory: true, Description: "file an objection", Deadline: "2024-04-15", ActorID: "reviewer",
		})
		require.NoError(t, err)
		assert.Equal(t, domain.AuthorHuman, ob.DeducedBy)

		_, err = env.Engine.AddObligation(env.Ctx, engine.AddObligation{
			WorkspaceID: ws.ID, ContextID: otherSnap.Contexts[0].ID, Description: "borrowed context", ActorID: "reviewer",
		})
		var refErr *domain.InvalidReferenceError
		require.ErrorAs(t, err, &refErr)
		_, err = env.Engine.AddObligation(env.Ctx, engine.AddObligation{
			WorkspaceID: ws.ID, ContextID: "nope", Description: "dangling", ActorID: "reviewer",
		})
		assert.ErrorIs(t, err, domain.ErrInvalidReference)

		act, err := env.Engine.ProposeAction(env.Ctx, engine.ProposeAction{
			WorkspaceID: ws.ID, Type: domain.ActionQuestion, Target: domain.TargetClient, Content: "did you pay already?", ActorID: "reviewer",
		})
		require.NoError(t, err)
		assert.Equal(t, domain.AuthorHuman, act.ProposedBy)
		assert.Equal(t, domain.PriorityNormal, act.Priority)

		done, err := env.Engine.MarkActionExecuted(env.Ctx, engine.MarkActionExecuted{WorkspaceID: ws.ID, ActionID: act.ID, Result: "asked by phone", ActorID: "reviewer"})
		require.NoError(t, err)
		assert.True(t, done.Executed)

		after, err := env.Engine.Snapshot(env.Ctx, ws.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateContextIdentified, after.Workspace.CurrentState)
		assert.Len(t, after.Facts, 2)
		assert.Len(t, after.Obligations, 1)
		assert.Len(t, after.Transitions, 2)
	})
}

func TestAdvanceMany(t *testing.T) {
	bothStores(t, func(t *testing.T, env testEnv) {
		inferencetest.Pipeline(env.Fake)
		ids := []string{env.workspace(t).ID, env.workspace(t).ID, env.workspace(t).ID}
		locked := env.workspace(t)
		_, err := env.Engine.ApplyManualTransition(env.Ctx, engine.ApplyManualTransition{WorkspaceID: locked.ID, Target: domain.StateCancelled, ActorID: "reviewer"})
		require.NoError(t, err)

		outcomes, err := env.Engine.AdvanceMany(env.Ctx, append(ids, locked.ID, "missing"), 2)
		require.NoError(t, err)
		require.Len(t, outcomes, 5)
		for _, o := range outcomes[:3] {
			require.NoError(t, o.Err)
			assert.Equal(t, domain.StateFactsExtracted, o.Result.To)
		}
		assert.Equal(t, domain.CodeInvalidTransition, outcomes[3].Code)
		assert.Equal(t, domain.CodeNotFound, outcomes[4].Code)
		assert.Nil(t, outcomes[4].Result)
	})
}

func TestRunUntilSettledHonoursLimit(t *testing.T) {
	env := newMemEnv(t)
	inferencetest.Pipeline(env.Fake)
	ws := env.workspace(t)
	results, err := env.Engine.RunUntilSettled(env.Ctx, ws.ID, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, domain.StateContextIdentified, results[1].To)

	sum, err := env.Engine.Summary(env.Ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateContextIdentified, sum.State)
	assert.InDelta(t, 40.0, sum.ConfidencePercent, 1e-9)
}

func TestRunUntilSettledStopsAtGate(t *testing.T) {
	env := newMemEnv(t)
	env.Fake.On("missing_elements", inferencetest.Reply{Content: inferencetest.Answer([]map[string]any{
		{"type": "document", "description": "signed notice", "why": "amount unknown", "blocking": true},
	}, 0.5, "the notice is missing")})
	inferencetest.Pipeline(env.Fake)
	ws := env.workspace(t)

	results, err := env.Engine.RunUntilSettled(env.Ctx, ws.ID, 0)
	assert.ErrorIs(t, err, domain.ErrBlocked)
	require.Len(t, results, 4)
	assert.Equal(t, domain.StateMissingIdentified, results[3].To)
	assert.Zero(t, env.Fake.CallCount("risks"))
}
