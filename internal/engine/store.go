package engine

import (
	"context"

	"matterline/internal/domain"
)

// Store is the entity store the engine writes through. CommitBatch is the only
// way entities, traces and transitions are created; implementations enforce the
// lock, version, graph and reference rules inside it.
type Store interface {
	CreateWorkspace(ctx context.Context, ws domain.Workspace, actorID string) error
	GetWorkspace(ctx context.Context, id string) (domain.Workspace, error)
	ListWorkspaces(ctx context.Context, f domain.WorkspaceFilter) ([]domain.Workspace, error)
	Snapshot(ctx context.Context, id string) (domain.Snapshot, error)

	CommitBatch(ctx context.Context, b domain.Batch) (domain.Workspace, error)
	ResolveMissingElement(ctx context.Context, r domain.ElementResolution) (domain.MissingElement, error)
	MarkActionExecuted(ctx context.Context, x domain.ActionExecution) (domain.ProposedAction, error)

	ListTransitions(ctx context.Context, workspaceID string, order domain.Order) ([]domain.Transition, error)
	ListTraces(ctx context.Context, workspaceID string, order domain.Order) ([]domain.ReasoningTrace, error)
	ListEvents(ctx context.Context, f domain.EventFilter) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}
