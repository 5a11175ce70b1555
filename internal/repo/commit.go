package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"matterline/internal/domain"
	"matterline/internal/events"
	"matterline/internal/transition"
)

// CommitBatch applies b atomically. The workspace row is updated with a
// compare-and-swap on version so a concurrent writer can never be overwritten.
func (r Repo) CommitBatch(ctx context.Context, b domain.Batch) (domain.Workspace, error) {
	b.Normalize()
	if b.Empty() {
		return domain.Workspace{}, &domain.ValidationError{Stage: b.Stage, Problems: []string{"batch is empty"}}
	}
	if err := b.Validate(); err != nil {
		return domain.Workspace{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()

	ws, err := getWorkspace(ctx, tx, b.WorkspaceID)
	if err != nil {
		return domain.Workspace{}, err
	}
	var blocking []string
	if b.Transition != nil && ws.CurrentState == domain.StateMissingIdentified {
		if blocking, err = blockingIDs(ctx, tx, ws.ID); err != nil {
			return domain.Workspace{}, err
		}
	}
	if err := transition.CheckCommit(ws, b, blocking); err != nil {
		return domain.Workspace{}, err
	}
	if err := checkObligationRefs(ctx, tx, b); err != nil {
		return domain.Workspace{}, err
	}
	if err := insertEntities(ctx, tx, b); err != nil {
		return domain.Workspace{}, err
	}

	next := ws
	next.Version = ws.Version + 1
	if b.Uncertainty != nil {
		next.UncertaintyLevel = *b.Uncertainty
	}
	if t := b.Transition; t != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO transitions(id,workspace_id,from_state,to_state,triggered_by,reason,triggered_at) VALUES (?,?,?,?,?,?,?)`,
			t.ID, t.WorkspaceID, t.FromState, t.ToState, t.TriggeredBy, nullable(t.Reason), t.TriggeredAt); err != nil {
			return domain.Workspace{}, insertError(b.Stage, "transition", t.ID, err)
		}
		applyTransition(&next, *t)
	}
	res, err := tx.ExecContext(ctx, `UPDATE workspaces SET current_state=?,uncertainty_level=?,locked=?,state_changed_at=?,state_changed_by=?,completed_at=?,version=? WHERE id=? AND version=?`,
		next.CurrentState, next.UncertaintyLevel, boolToInt(next.Locked), next.StateChangedAt, next.StateChangedBy, nullableStringPtr(next.CompletedAt), next.Version,
		ws.ID, ws.Version)
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("update workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Workspace{}, &domain.StaleStateError{WorkspaceID: ws.ID, ExpectedVersion: ws.Version, ExpectedState: ws.CurrentState}
	}
	if err := r.appendBatchEvents(ctx, tx, b, ws, next); err != nil {
		return domain.Workspace{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Workspace{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return next, nil
}

func applyTransition(ws *domain.Workspace, t domain.Transition) {
	ws.CurrentState = t.ToState
	ws.StateChangedAt = t.TriggeredAt
	ws.StateChangedBy = t.TriggeredBy
	switch t.ToState {
	case domain.StateLocked:
		ws.Locked = true
		at := t.TriggeredAt
		ws.CompletedAt = &at
	case domain.StateCancelled:
		at := t.TriggeredAt
		ws.CompletedAt = &at
	}
}

func blockingIDs(ctx context.Context, q querier, wsID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM missing_elements WHERE workspace_id=? AND blocking=1 AND resolved=0 ORDER BY seq ASC`, wsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func checkObligationRefs(ctx context.Context, q querier, b domain.Batch) error {
	inBatch := make(map[string]struct{}, len(b.Contexts))
	for _, c := range b.Contexts {
		inBatch[c.ID] = struct{}{}
	}
	for _, o := range b.Obligations {
		if _, ok := inBatch[o.ContextID]; ok {
			continue
		}
		var owner string
		err := q.QueryRowContext(ctx, `SELECT workspace_id FROM contexts WHERE id=?`, o.ContextID).Scan(&owner)
		if err == sql.ErrNoRows || (err == nil && owner != b.WorkspaceID) {
			return &domain.InvalidReferenceError{Kind: "obligation", Field: "context_id", Ref: o.ContextID, WorkspaceID: b.WorkspaceID}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func insertEntities(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	for _, f := range b.Facts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO facts(id,workspace_id,label,value,source,created_at) VALUES (?,?,?,?,?,?)`,
			f.ID, f.WorkspaceID, f.Label, f.Value, f.Source, f.CreatedAt); err != nil {
			return insertError(b.Stage, "fact", f.ID, err)
		}
	}
	for _, c := range b.Contexts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO contexts(id,workspace_id,type,certainty_level,description,reasoning,created_at) VALUES (?,?,?,?,?,?,?)`,
			c.ID, c.WorkspaceID, c.Type, c.CertaintyLevel, c.Description, nullable(c.Reasoning), c.CreatedAt); err != nil {
			return insertError(b.Stage, "context", c.ID, err)
		}
	}
	for _, o := range b.Obligations {
		if _, err := tx.ExecContext(ctx, `INSERT INTO obligations(id,workspace_id,context_id,mandatory,description,deadline,legal_ref,critical,deduced_by,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			o.ID, o.WorkspaceID, o.ContextID, boolToInt(o.Mandatory), o.Description, nullableStringPtr(o.Deadline), nullableStringPtr(o.LegalRef), boolToInt(o.Critical), o.DeducedBy, o.CreatedAt); err != nil {
			return insertError(b.Stage, "obligation", o.ID, err)
		}
	}
	for _, m := range b.MissingElements {
		if _, err := tx.ExecContext(ctx, `INSERT INTO missing_elements(id,workspace_id,type,description,why,blocking,resolved,created_at) VALUES (?,?,?,?,?,?,0,?)`,
			m.ID, m.WorkspaceID, m.Type, m.Description, m.Why, boolToInt(m.Blocking), m.CreatedAt); err != nil {
			return insertError(b.Stage, "missing element", m.ID, err)
		}
	}
	for _, rk := range b.Risks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO risks(id,workspace_id,impact,probability,risk_score,description,irreversible,created_at) VALUES (?,?,?,?,?,?,?,?)`,
			rk.ID, rk.WorkspaceID, rk.Impact, rk.Probability, rk.RiskScore, rk.Description, boolToInt(rk.Irreversible), rk.CreatedAt); err != nil {
			return insertError(b.Stage, "risk", rk.ID, err)
		}
	}
	for _, a := range b.Actions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO proposed_actions(id,workspace_id,type,target,priority,content,reasoning,proposed_by,executed,created_at) VALUES (?,?,?,?,?,?,?,?,0,?)`,
			a.ID, a.WorkspaceID, a.Type, a.Target, a.Priority, a.Content, nullable(a.Reasoning), a.ProposedBy, a.CreatedAt); err != nil {
			return insertError(b.Stage, "proposed action", a.ID, err)
		}
	}
	for _, tr := range b.Traces {
		if _, err := tx.ExecContext(ctx, `INSERT INTO reasoning_traces(id,workspace_id,step,explanation,created_at) VALUES (?,?,?,?,?)`,
			tr.ID, tr.WorkspaceID, tr.Step, tr.Explanation, tr.CreatedAt); err != nil {
			return insertError(b.Stage, "trace", tr.ID, err)
		}
	}
	return nil
}

// insertError reports an id collision as a ValidationError, matching memstore.
func insertError(stage, kind, id string, err error) error {
	if isUniqueViolation(err) {
		return &domain.ValidationError{Stage: stage, Problems: []string{"duplicate id " + id}}
	}
	return fmt.Errorf("insert %s: %w", kind, err)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}

func (r Repo) appendBatchEvents(ctx context.Context, tx *sql.Tx, b domain.Batch, before, after domain.Workspace) error {
	for _, ref := range b.EntityRefs() {
		if err := r.Events.Append(ctx, tx, events.EntityCreated, b.WorkspaceID, ref.Kind, ref.ID, b.ActorID, events.EventPayload{"stage": b.Stage}); err != nil {
			return err
		}
	}
	if b.Stage != "" {
		if err := r.Events.Append(ctx, tx, events.StageCommitted, b.WorkspaceID, "workspace", b.WorkspaceID, b.ActorID, events.EventPayload{
			"stage":             b.Stage,
			"traces":            len(b.Traces),
			"uncertainty_level": after.UncertaintyLevel,
			"version":           after.Version,
		}); err != nil {
			return err
		}
	}
	if t := b.Transition; t != nil {
		if err := r.Events.Append(ctx, tx, events.WorkspaceTransitioned, b.WorkspaceID, "workspace", b.WorkspaceID, t.TriggeredBy, events.EventPayload{
			"from":   before.CurrentState,
			"to":     t.ToState,
			"manual": b.Manual,
			"reason": t.Reason,
		}); err != nil {
			return err
		}
		if t.ToState == domain.StateLocked {
			if err := r.Events.Append(ctx, tx, events.WorkspaceLocked, b.WorkspaceID, "workspace", b.WorkspaceID, t.TriggeredBy, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResolveMissingElement closes an element. Resolving an already resolved element
// returns it unchanged.
func (r Repo) ResolveMissingElement(ctx context.Context, res domain.ElementResolution) (domain.MissingElement, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MissingElement{}, err
	}
	defer tx.Rollback()

	ws, err := getWorkspace(ctx, tx, res.WorkspaceID)
	if err != nil {
		return domain.MissingElement{}, err
	}
	if ws.Locked {
		return domain.MissingElement{}, &domain.LockedWorkspaceError{WorkspaceID: ws.ID}
	}
	m, err := scanMissingElement(tx.QueryRowContext(ctx, `SELECT `+missingColumns+` FROM missing_elements WHERE id=? AND workspace_id=?`, res.ElementID, res.WorkspaceID))
	if err == sql.ErrNoRows {
		return domain.MissingElement{}, &domain.NotFoundError{Kind: "missing_element", ID: res.ElementID}
	}
	if err != nil {
		return domain.MissingElement{}, err
	}
	if m.Resolved {
		return m, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE missing_elements SET resolved=1,resolution=?,resolved_by=?,resolved_at=? WHERE id=?`,
		nullable(res.Resolution), nullable(res.ActorID), res.At, m.ID); err != nil {
		return domain.MissingElement{}, fmt.Errorf("resolve missing element: %w", err)
	}
	if err := bumpVersion(ctx, tx, ws); err != nil {
		return domain.MissingElement{}, err
	}
	if err := r.Events.Append(ctx, tx, events.ElementResolved, ws.ID, "missing_element", m.ID, res.ActorID, events.EventPayload{
		"blocking":   m.Blocking,
		"resolution": res.Resolution,
	}); err != nil {
		return domain.MissingElement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MissingElement{}, err
	}
	m.Resolved = true
	m.Resolution = optionalString(res.Resolution)
	m.ResolvedBy = optionalString(res.ActorID)
	at := res.At
	m.ResolvedAt = &at
	return m, nil
}

// MarkActionExecuted records the outcome of an action. Marking an executed
// action again returns it unchanged.
func (r Repo) MarkActionExecuted(ctx context.Context, x domain.ActionExecution) (domain.ProposedAction, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProposedAction{}, err
	}
	defer tx.Rollback()

	ws, err := getWorkspace(ctx, tx, x.WorkspaceID)
	if err != nil {
		return domain.ProposedAction{}, err
	}
	if ws.Locked {
		return domain.ProposedAction{}, &domain.LockedWorkspaceError{WorkspaceID: ws.ID}
	}
	a, err := scanAction(tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM proposed_actions WHERE id=? AND workspace_id=?`, x.ActionID, x.WorkspaceID))
	if err == sql.ErrNoRows {
		return domain.ProposedAction{}, &domain.NotFoundError{Kind: "proposed_action", ID: x.ActionID}
	}
	if err != nil {
		return domain.ProposedAction{}, err
	}
	if a.Executed {
		return a, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE proposed_actions SET executed=1,executed_by=?,executed_at=?,result=? WHERE id=?`,
		nullable(x.ActorID), x.At, nullable(x.Result), a.ID); err != nil {
		return domain.ProposedAction{}, fmt.Errorf("mark action executed: %w", err)
	}
	if err := bumpVersion(ctx, tx, ws); err != nil {
		return domain.ProposedAction{}, err
	}
	if err := r.Events.Append(ctx, tx, events.ActionExecuted, ws.ID, "proposed_action", a.ID, x.ActorID, events.EventPayload{"result": x.Result}); err != nil {
		return domain.ProposedAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProposedAction{}, err
	}
	a.Executed = true
	a.ExecutedBy = optionalString(x.ActorID)
	at := x.At
	a.ExecutedAt = &at
	a.Result = optionalString(x.Result)
	return a, nil
}

func bumpVersion(ctx context.Context, tx *sql.Tx, ws domain.Workspace) error {
	res, err := tx.ExecContext(ctx, `UPDATE workspaces SET version=version+1 WHERE id=? AND version=?`, ws.ID, ws.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.StaleStateError{WorkspaceID: ws.ID, ExpectedVersion: ws.Version, ExpectedState: ws.CurrentState}
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
