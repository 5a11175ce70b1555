package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"matterline/internal/config"
	"matterline/internal/domain"
	"matterline/internal/inference"
	"matterline/internal/metrics"
	"matterline/internal/transition"
)

// SystemActor is recorded as the author of automated stage transitions.
const SystemActor = "matterline"

const tracerName = "matterline/engine"

// Engine drives workspaces through the reasoning pipeline. It owns no state of
// its own; every decision is made against a fresh snapshot and committed through
// Store.CommitBatch.
type Engine struct {
	Store     Store
	Inference inference.Client
	Config    *config.Config
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
	// Timeout bounds one inference call. Zero uses the configured timeout.
	Timeout   time.Duration
}

func New(store Store, client inference.Client, cfg *config.Config) Engine {
	return Engine{
		Store:     store,
		Inference: client,
		Config:    cfg,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (e Engine) callTimeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	if t := e.config().Inference.Timeout(); t > 0 {
		return t
	}
	return 30 * time.Second
}

func newID() string {
	return uuid.NewString()
}

// StageResult describes one committed stage.
type StageResult struct {
	Stage       string             `json:"stage"`
	From        domain.State       `json:"from"`
	To          domain.State       `json:"to"`
	Workspace   domain.Workspace   `json:"workspace"`
	Created     []domain.EntityRef `json:"created"`
	Traces      int                `json:"traces"`
	Uncertainty float64            `json:"uncertainty_level"`
	Attempts    int                `json:"attempts"`
}

// RunNextStage executes the automated stage for the workspace's current state:
// snapshot, inference, strict validation, then one atomic commit guarded by the
// version read at the start. Nothing is written unless the whole stage commits.
func (e Engine) RunNextStage(ctx context.Context, workspaceID string) (res StageResult, err error) {
	started := time.Now()
	stageName := "none"
	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine.RunNextStage",
		trace.WithAttributes(attribute.String("workspace_id", workspaceID)),
	)
	defer span.End()
	log := e.logger().With("workspace_id", workspaceID)
	defer func() {
		outcome := "committed"
		if err != nil {
			outcome = string(domain.CodeOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			log.Warn("stage failed", "stage", stageName, "code", outcome, "err", err)
		}
		e.Metrics.ObserveStage(stageName, outcome, time.Since(started))
	}()

	snap, err := e.Store.Snapshot(ctx, workspaceID)
	if err != nil {
		return StageResult{}, err
	}
	ws := snap.Workspace
	if ws.Locked {
		return StageResult{}, &domain.LockedWorkspaceError{WorkspaceID: ws.ID}
	}
	st, ok := transition.StageFor(ws.CurrentState)
	if !ok {
		return StageResult{}, &domain.InvalidTransitionError{From: ws.CurrentState}
	}
	stageName = st.Name
	span.SetAttributes(attribute.String("stage", st.Name), attribute.Int64("version", ws.Version))
	if err := transition.Check(snap, st.To, false); err != nil {
		return StageResult{}, err
	}
	log.Info("stage started", "stage", st.Name, "state", ws.CurrentState, "version", ws.Version)

	out, attempts, err := e.infer(ctx, st, snap)
	if err != nil {
		return StageResult{}, err
	}
	b := e.stageBatch(st, ws, out)
	next, err := e.Store.CommitBatch(ctx, b)
	if err != nil {
		return StageResult{}, err
	}
	e.Metrics.IncTransition(string(st.From), string(st.To), false)
	res = StageResult{
		Stage:       st.Name,
		From:        st.From,
		To:          st.To,
		Workspace:   next,
		Created:     b.EntityRefs(),
		Traces:      len(b.Traces),
		Uncertainty: out.Uncertainty,
		Attempts:    attempts,
	}
	log.Info("stage committed", "stage", st.Name, "state", next.CurrentState, "version", next.Version,
		"entities", len(res.Created), "attempts", attempts)
	return res, nil
}

// stageBatch turns a validated answer into the commit unit for st.
func (e Engine) stageBatch(st transition.Stage, ws domain.Workspace, out inference.StageOutput) domain.Batch {
	now := e.stamp()
	level := out.Uncertainty
	b := domain.Batch{
		WorkspaceID: ws.ID,
		ActorID:     SystemActor,
		Stage:       st.Name,
		Expect:      &domain.Expectation{Version: ws.Version, State: ws.CurrentState},
		Transition: &domain.Transition{
			ID:          newID(),
			FromState:   st.From,
			ToState:     st.To,
			TriggeredBy: SystemActor,
			Reason:      "stage " + st.Name,
			TriggeredAt: now,
		},
		Uncertainty: &level,
	}
	for _, f := range out.Facts {
		f.ID, f.CreatedAt = newID(), now
		b.Facts = append(b.Facts, f)
	}
	for _, c := range out.Contexts {
		c.ID, c.CreatedAt = newID(), now
		b.Contexts = append(b.Contexts, c)
	}
	for _, o := range out.Obligations {
		o.ID, o.CreatedAt = newID(), now
		b.Obligations = append(b.Obligations, o)
	}
	for _, m := range out.MissingElements {
		m.ID, m.CreatedAt = newID(), now
		b.MissingElements = append(b.MissingElements, m)
	}
	for _, r := range out.Risks {
		r.ID, r.CreatedAt = newID(), now
		b.Risks = append(b.Risks, r)
	}
	for _, a := range out.Actions {
		a.ID, a.CreatedAt = newID(), now
		b.Actions = append(b.Actions, a)
	}
	for _, item := range out.Trace {
		b.Traces = append(b.Traces, domain.ReasoningTrace{
			ID:          newID(),
			Step:        st.Name + "/" + item.Step,
			Explanation: item.Explanation,
			CreatedAt:   now,
		})
	}
	return b
}

// infer asks for the stage answer and re-asks with the problems listed while the
// answer fails validation, up to max_validation_retries extra attempts.
func (e Engine) infer(ctx context.Context, st transition.Stage, snap domain.Snapshot) (inference.StageOutput, int, error) {
	if e.Inference == nil {
		return inference.StageOutput{}, 0, errors.New("inference client not configured")
	}
	payload, err := inference.EncodeSnapshot(snap)
	if err != nil {
		return inference.StageOutput{}, 0, err
	}
	cfg := e.config()
	req := inference.Request{
		Stage:     st.Name,
		Preamble:  inference.Preamble,
		Directive: inference.Directive(st.Name, cfg.Stages.Directives),
		Snapshot:  payload,
	}
	log := e.logger().With("workspace_id", snap.Workspace.ID, "stage", st.Name)
	for attempt := 1; ; attempt++ {
		resp, err := e.complete(ctx, st.Name, req)
		if err != nil {
			return inference.StageOutput{}, attempt, err
		}
		outcome := inference.ParseStageOutput(st, resp.Content, snap)
		if outcome.Valid() {
			e.Metrics.IncAttempt(st.Name, "valid")
			return outcome.Output, attempt, nil
		}
		e.Metrics.IncAttempt(st.Name, "invalid")
		log.Info("stage answer rejected", "attempt", attempt, "problems", len(outcome.Problems),
			"finish_reason", resp.FinishReason)
		if attempt > cfg.Inference.MaxValidationRetries {
			return inference.StageOutput{}, attempt, outcome.Err(st.Name)
		}
		req.Corrections = outcome.Problems
	}
}

// complete performs one logical inference call, retrying transient upstream
// failures with exponential backoff. Each attempt gets its own timeout.
func (e Engine) complete(ctx context.Context, stage string, req inference.Request) (inference.Response, error) {
	cfg := e.config().Inference
	timeout := e.callTimeout()
	policy := backoff.NewExponentialBackOff()
	if d := cfg.BackoffInitial(); d > 0 {
		policy.InitialInterval = d
	}
	if d := cfg.BackoffMax(); d > 0 {
		policy.MaxInterval = d
	}
	policy.MaxElapsedTime = 0
	log := e.logger().With("stage", stage)

	var resp inference.Response
	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		callCtx, span := otel.Tracer(tracerName).Start(callCtx, "inference.Complete",
			trace.WithAttributes(attribute.String("stage", stage), attribute.Int("attempt", attempt)),
		)
		defer span.End()

		r, err := e.Inference.Complete(callCtx, req)
		if err == nil {
			resp = r
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(callerDone(ctx, stage, timeout))
		}
		classified := inference.Classify(stage, timeout, err)
		code := string(domain.CodeOf(classified))
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		e.Metrics.IncAttempt(stage, "upstream_error")
		e.Metrics.IncUpstreamError(code)
		log.Warn("inference call failed", "attempt", attempt, "code", code, "err", err)
		if errors.Is(err, inference.ErrGuardOpen) || !domain.IsRetryable(classified) {
			return backoff.Permanent(classified)
		}
		return classified
	}
	retries := backoff.WithMaxRetries(policy, uint64(max(cfg.UpstreamRetries, 0)))
	if err := backoff.Retry(op, backoff.WithContext(retries, ctx)); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return inference.Response{}, callerDone(ctx, stage, timeout)
		}
		return inference.Response{}, err
	}
	return resp, nil
}

// callerDone reports a caller deadline as an upstream timeout. Cancellation is
// returned as is.
func callerDone(ctx context.Context, stage string, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.UpstreamTimeoutError{Stage: stage, Timeout: timeout}
	}
	return ctx.Err()
}

// Snapshot returns the full read model of a workspace.
func (e Engine) Snapshot(ctx context.Context, workspaceID string) (domain.Snapshot, error) {
	return e.Store.Snapshot(ctx, workspaceID)
}

// Summary condenses the snapshot for handoff presentation.
func (e Engine) Summary(ctx context.Context, workspaceID string) (domain.Summary, error) {
	snap, err := e.Store.Snapshot(ctx, workspaceID)
	if err != nil {
		return domain.Summary{}, err
	}
	return snap.Summary(), nil
}

func (e Engine) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	return e.Store.GetWorkspace(ctx, id)
}

func (e Engine) ListWorkspaces(ctx context.Context, f domain.WorkspaceFilter) ([]domain.Workspace, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, &domain.ValidationError{Problems: []string{fmt.Sprintf("unknown state %q", f.State)}}
	}
	return e.Store.ListWorkspaces(ctx, f)
}

func (e Engine) ListTransitions(ctx context.Context, workspaceID string, order domain.Order) ([]domain.Transition, error) {
	if order == "" {
		order = domain.OrderAsc
	}
	if !order.Valid() {
		return nil, &domain.ValidationError{Problems: []string{fmt.Sprintf("unknown order %q", order)}}
	}
	return e.Store.ListTransitions(ctx, workspaceID, order)
}

func (e Engine) ListTraces(ctx context.Context, workspaceID string, order domain.Order) ([]domain.ReasoningTrace, error) {
	if order == "" {
		order = domain.OrderAsc
	}
	if !order.Valid() {
		return nil, &domain.ValidationError{Problems: []string{fmt.Sprintf("unknown order %q", order)}}
	}
	return e.Store.ListTraces(ctx, workspaceID, order)
}

func (e Engine) ListEvents(ctx context.Context, f domain.EventFilter) ([]domain.Event, error) {
	return e.Store.ListEvents(ctx, f)
}
