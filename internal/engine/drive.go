package engine

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"matterline/internal/domain"
	"matterline/internal/transition"
)

// staleRetries bounds how often a stage is re-run after losing a commit race.
const staleRetries = 2

// RunUntilSettled runs stages until the workspace reaches a state with no
// automated stage (READY_FOR_HUMAN, ESCALATED, CANCELLED, LOCKED), or maxStages
// stages have committed. A gate or any other failure stops the run and is
// returned alongside the stages that did commit.
func (e Engine) RunUntilSettled(ctx context.Context, workspaceID string, maxStages int) ([]StageResult, error) {
	if maxStages <= 0 {
		maxStages = len(transition.Stages)
	}
	var results []StageResult
	for len(results) < maxStages {
		ws, err := e.Store.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return results, err
		}
		if ws.Locked {
			return results, nil
		}
		if _, ok := transition.StageFor(ws.CurrentState); !ok {
			return results, nil
		}
		res, err := e.runWithStaleRetry(ctx, workspaceID)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e Engine) runWithStaleRetry(ctx context.Context, workspaceID string) (StageResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := e.RunNextStage(ctx, workspaceID)
		if err == nil || !errors.Is(err, domain.ErrStaleState) || attempt >= staleRetries {
			return res, err
		}
		e.logger().Info("stage lost a concurrent commit, retrying", "workspace_id", workspaceID, "attempt", attempt+1)
	}
}

// AdvanceOutcome is the result of advancing one workspace in AdvanceMany.
type AdvanceOutcome struct {
	WorkspaceID string       `json:"workspace_id"`
	Result      *StageResult `json:"result,omitempty"`
	Err         error        `json:"-"`
	Code        domain.Code  `json:"code,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// AdvanceMany runs one stage on each workspace, at most concurrency at a time.
// Per-workspace failures are reported in the outcomes; only cancellation of ctx
// fails the call.
func (e Engine) AdvanceMany(ctx context.Context, workspaceIDs []string, concurrency int) ([]AdvanceOutcome, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	outcomes := make([]AdvanceOutcome, len(workspaceIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, id := range workspaceIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := e.RunNextStage(gctx, id)
			outcomes[i] = AdvanceOutcome{WorkspaceID: id, Err: err, Code: domain.CodeOf(err)}
			if err == nil {
				outcomes[i].Result = &res
			} else {
				outcomes[i].Message = err.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, ctx.Err()
}
