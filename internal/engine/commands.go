package engine

import (
	"context"
	"fmt"
	"strings"

	"matterline/internal/domain"
	"matterline/internal/transition"
	"matterline/internal/uncertainty"
)

// CreateWorkspace opens a new matter at RECEIVED with maximal uncertainty.
type CreateWorkspace struct {
	ID             string
	TenantID       string
	SourceType     string
	SourceRaw      string
	SourceMetadata map[string]string
	ProcedureType  string
	OwnerUserID    string
	ActorID        string
}

func (e Engine) CreateWorkspace(ctx context.Context, cmd CreateWorkspace) (domain.Workspace, error) {
	var problems []string
	if strings.TrimSpace(cmd.SourceRaw) == "" {
		problems = append(problems, "source_raw is required")
	}
	if strings.TrimSpace(cmd.SourceType) == "" {
		problems = append(problems, "source_type is required")
	}
	if cmd.ActorID == "" {
		problems = append(problems, "actor_id is required")
	}
	if len(problems) > 0 {
		return domain.Workspace{}, &domain.ValidationError{Problems: problems}
	}
	id := cmd.ID
	if id == "" {
		id = newID()
	}
	now := e.stamp()
	ws := domain.Workspace{
		ID:               id,
		TenantID:         cmd.TenantID,
		SourceType:       strings.TrimSpace(cmd.SourceType),
		SourceRaw:        cmd.SourceRaw,
		SourceMetadata:   cmd.SourceMetadata,
		ProcedureType:    cmd.ProcedureType,
		CurrentState:     domain.StateReceived,
		UncertaintyLevel: uncertainty.Initial,
		OwnerUserID:      cmd.OwnerUserID,
		Version:          1,
		CreatedAt:        now,
		StateChangedAt:   now,
		StateChangedBy:   cmd.ActorID,
	}
	if err := e.Store.CreateWorkspace(ctx, ws, cmd.ActorID); err != nil {
		return domain.Workspace{}, err
	}
	e.logger().Info("workspace created", "workspace_id", ws.ID, "source_type", ws.SourceType)
	return ws, nil
}

// ApplyManualTransition is a person cancelling, escalating or locking a
// workspace. ExpectedVersion, when non-zero, must match the stored version.
type ApplyManualTransition struct {
	WorkspaceID     string
	Target          domain.State
	Reason          string
	ActorID         string
	ExpectedVersion int64
}

func (e Engine) ApplyManualTransition(ctx context.Context, cmd ApplyManualTransition) (domain.Workspace, error) {
	if cmd.ActorID == "" {
		return domain.Workspace{}, &domain.ValidationError{Problems: []string{"actor_id is required"}}
	}
	if !cmd.Target.Valid() {
		return domain.Workspace{}, &domain.ValidationError{Problems: []string{fmt.Sprintf("unknown target state %q", cmd.Target)}}
	}
	snap, err := e.Store.Snapshot(ctx, cmd.WorkspaceID)
	if err != nil {
		return domain.Workspace{}, err
	}
	ws := snap.Workspace
	if cmd.ExpectedVersion != 0 && cmd.ExpectedVersion != ws.Version && !ws.Locked {
		return domain.Workspace{}, &domain.StaleStateError{
			WorkspaceID:     ws.ID,
			ExpectedVersion: cmd.ExpectedVersion,
			ActualVersion:   ws.Version,
			ExpectedState:   ws.CurrentState,
			ActualState:     ws.CurrentState,
		}
	}
	if err := transition.Check(snap, cmd.Target, true); err != nil {
		return domain.Workspace{}, err
	}
	next, err := e.Store.CommitBatch(ctx, domain.Batch{
		WorkspaceID: ws.ID,
		ActorID:     cmd.ActorID,
		Expect:      &domain.Expectation{Version: ws.Version, State: ws.CurrentState},
		Transition: &domain.Transition{
			ID:          newID(),
			FromState:   ws.CurrentState,
			ToState:     cmd.Target,
			TriggeredBy: cmd.ActorID,
			Reason:      cmd.Reason,
			TriggeredAt: e.stamp(),
		},
		Manual: true,
	})
	if err != nil {
		return domain.Workspace{}, err
	}
	e.Metrics.IncTransition(string(ws.CurrentState), string(cmd.Target), true)
	e.logger().Info("manual transition", "workspace_id", ws.ID, "from", ws.CurrentState, "to", cmd.Target, "actor_id", cmd.ActorID)
	return next, nil
}

// Lock freezes a workspace that is ready for human review.
type Lock struct {
	WorkspaceID string
	ActorID     string
	Reason      string
}

func (e Engine) Lock(ctx context.Context, cmd Lock) (domain.Workspace, error) {
	reason := cmd.Reason
	if reason == "" {
		reason = "locked for human handoff"
	}
	return e.ApplyManualTransition(ctx, ApplyManualTransition{
		WorkspaceID: cmd.WorkspaceID,
		Target:      domain.StateLocked,
		Reason:      reason,
		ActorID:     cmd.ActorID,
	})
}

type ResolveMissingElement struct {
	WorkspaceID string
	ElementID   string
	Resolution  string
	ActorID     string
}

// ResolveMissingElement closes a missing element. Resolving an element twice
// returns it unchanged.
func (e Engine) ResolveMissingElement(ctx context.Context, cmd ResolveMissingElement) (domain.MissingElement, error) {
	var problems []string
	if strings.TrimSpace(cmd.Resolution) == "" {
		problems = append(problems, "resolution is required")
	}
	if cmd.ActorID == "" {
		problems = append(problems, "actor_id is required")
	}
	if len(problems) > 0 {
		return domain.MissingElement{}, &domain.ValidationError{Problems: problems}
	}
	return e.Store.ResolveMissingElement(ctx, domain.ElementResolution{
		WorkspaceID: cmd.WorkspaceID,
		ElementID:   cmd.ElementID,
		Resolution:  strings.TrimSpace(cmd.Resolution),
		ActorID:     cmd.ActorID,
		At:          e.stamp(),
	})
}

type MarkActionExecuted struct {
	WorkspaceID string
	ActionID    string
	Result      string
	ActorID     string
}

// MarkActionExecuted records the outcome of an action a person carried out.
func (e Engine) MarkActionExecuted(ctx context.Context, cmd MarkActionExecuted) (domain.ProposedAction, error) {
	if cmd.ActorID == "" {
		return domain.ProposedAction{}, &domain.ValidationError{Problems: []string{"actor_id is required"}}
	}
	return e.Store.MarkActionExecuted(ctx, domain.ActionExecution{
		WorkspaceID: cmd.WorkspaceID,
		ActionID:    cmd.ActionID,
		Result:      cmd.Result,
		ActorID:     cmd.ActorID,
		At:          e.stamp(),
	})
}

// AddFact records a fact a person established outside the pipeline.
type AddFact struct {
	WorkspaceID string
	Label       string
	Value       string
	Source      domain.FactSource
	ActorID     string
}

func (e Engine) AddFact(ctx context.Context, cmd AddFact) (domain.Fact, error) {
	if cmd.Source == "" {
		cmd.Source = domain.FactSourceExplicitMessage
	}
	f := domain.Fact{
		ID:          newID(),
		WorkspaceID: cmd.WorkspaceID,
		Label:       strings.TrimSpace(cmd.Label),
		Value:       cmd.Value,
		Source:      cmd.Source,
		CreatedAt:   e.stamp(),
	}
	if err := e.commitHuman(ctx, domain.Batch{WorkspaceID: cmd.WorkspaceID, ActorID: cmd.ActorID, Facts: []domain.Fact{f}}); err != nil {
		return domain.Fact{}, err
	}
	return f, nil
}

// AddObligation records an obligation deduced by a person. ContextID must name
// a context of the same workspace.
type AddObligation struct {
	WorkspaceID string
	ContextID   string
	Mandatory   bool
	Description string
	Deadline    string
	LegalRef    string
	Critical    bool
	ActorID     string
}

func (e Engine) AddObligation(ctx context.Context, cmd AddObligation) (domain.Obligation, error) {
	o := domain.Obligation{
		ID:          newID(),
		WorkspaceID: cmd.WorkspaceID,
		ContextID:   cmd.ContextID,
		Mandatory:   cmd.Mandatory,
		Description: strings.TrimSpace(cmd.Description),
		Critical:    cmd.Critical,
		DeducedBy:   domain.AuthorHuman,
		CreatedAt:   e.stamp(),
	}
	if v := strings.TrimSpace(cmd.Deadline); v != "" {
		o.Deadline = &v
	}
	if v := strings.TrimSpace(cmd.LegalRef); v != "" {
		o.LegalRef = &v
	}
	if err := e.commitHuman(ctx, domain.Batch{WorkspaceID: cmd.WorkspaceID, ActorID: cmd.ActorID, Obligations: []domain.Obligation{o}}); err != nil {
		return domain.Obligation{}, err
	}
	return o, nil
}

// ProposeAction adds an action suggested by a person.
type ProposeAction struct {
	WorkspaceID string
	Type        domain.ActionType
	Target      domain.ActionTarget
	Priority    domain.Priority
	Content     string
	Reasoning   string
	ActorID     string
}

func (e Engine) ProposeAction(ctx context.Context, cmd ProposeAction) (domain.ProposedAction, error) {
	if cmd.Priority == "" {
		cmd.Priority = domain.PriorityNormal
	}
	a := domain.ProposedAction{
		ID:          newID(),
		WorkspaceID: cmd.WorkspaceID,
		Type:        cmd.Type,
		Target:      cmd.Target,
		Priority:    cmd.Priority,
		Content:     strings.TrimSpace(cmd.Content),
		Reasoning:   cmd.Reasoning,
		ProposedBy:  domain.AuthorHuman,
		CreatedAt:   e.stamp(),
	}
	if err := e.commitHuman(ctx, domain.Batch{WorkspaceID: cmd.WorkspaceID, ActorID: cmd.ActorID, Actions: []domain.ProposedAction{a}}); err != nil {
		return domain.ProposedAction{}, err
	}
	return a, nil
}

// commitHuman writes a person's additions without a version expectation. The
// lock and reference rules still apply inside the store.
func (e Engine) commitHuman(ctx context.Context, b domain.Batch) error {
	if b.ActorID == "" {
		return &domain.ValidationError{Problems: []string{"actor_id is required"}}
	}
	if _, err := e.Store.CommitBatch(ctx, b); err != nil {
		return err
	}
	for _, ref := range b.EntityRefs() {
		e.logger().Info("entity added", "workspace_id", b.WorkspaceID, "kind", ref.Kind, "id", ref.ID, "actor_id", b.ActorID)
	}
	return nil
}
