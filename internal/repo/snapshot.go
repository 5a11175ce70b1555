package repo

import (
	"context"
	"database/sql"
	"fmt"

	"matterline/internal/domain"
)

// Snapshot reads the workspace and its whole entity graph inside one transaction
// so every list reflects the same committed version.
func (r Repo) Snapshot(ctx context.Context, id string) (domain.Snapshot, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer tx.Rollback()
	return snapshot(ctx, tx, id)
}

func snapshot(ctx context.Context, q querier, id string) (domain.Snapshot, error) {
	var (
		s   domain.Snapshot
		err error
	)
	if s.Workspace, err = getWorkspace(ctx, q, id); err != nil {
		return domain.Snapshot{}, err
	}
	if s.Facts, err = listFacts(ctx, q, id); err != nil {
		return domain.Snapshot{}, fmt.Errorf("list facts: %w", err)
	}
	if s.Contexts, err = listContexts(ctx, q, id); err != nil {
		return domain.Snapshot{}, fmt.Errorf("list contexts: %w", err)
	}
	if s.Obligations, err = listObligations(ctx, q, id); err != nil {
		return domain.Snapshot{}, fmt.Errorf("list obligations: %w", err)
	}
	if s.MissingElements, err = listMissingElements(ctx, q, id); err != nil {
		return domain.Snapshot{}, fmt.Errorf("list missing elements: %w", err)
	}
	if s.Risks, err = listRisks(ctx, q, id); err != nil {
		return domain.Snapshot{}, fmt.Errorf("list risks: %w", err)
	}
	if s.Actions, err = listActions(ctx, q, id); err != nil {
		return domain.Snapshot{}, fmt.Errorf("list actions: %w", err)
	}
	if s.Traces, err = listTraces(ctx, q, id, domain.OrderAsc); err != nil {
		return domain.Snapshot{}, fmt.Errorf("list traces: %w", err)
	}
	if s.Transitions, err = listTransitions(ctx, q, id, domain.OrderAsc); err != nil {
		return domain.Snapshot{}, fmt.Errorf("list transitions: %w", err)
	}
	return s, nil
}

// ListTransitions returns the audit trail of state changes in the requested order.
func (r Repo) ListTransitions(ctx context.Context, workspaceID string, order domain.Order) ([]domain.Transition, error) {
	if _, err := getWorkspace(ctx, r.DB, workspaceID); err != nil {
		return nil, err
	}
	return listTransitions(ctx, r.DB, workspaceID, order)
}

func (r Repo) ListTraces(ctx context.Context, workspaceID string, order domain.Order) ([]domain.ReasoningTrace, error) {
	if _, err := getWorkspace(ctx, r.DB, workspaceID); err != nil {
		return nil, err
	}
	return listTraces(ctx, r.DB, workspaceID, order)
}

func direction(order domain.Order) string {
	if order == domain.OrderDesc {
		return "DESC"
	}
	return "ASC"
}

func listFacts(ctx context.Context, q querier, wsID string) ([]domain.Fact, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,workspace_id,label,value,source,created_at FROM facts WHERE workspace_id=? ORDER BY seq ASC`, wsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Fact{}
	for rows.Next() {
		var f domain.Fact
		if err := rows.Scan(&f.ID, &f.WorkspaceID, &f.Label, &f.Value, &f.Source, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func listContexts(ctx context.Context, q querier, wsID string) ([]domain.Context, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,workspace_id,type,certainty_level,description,COALESCE(reasoning,''),created_at FROM contexts WHERE workspace_id=? ORDER BY seq ASC`, wsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Context{}
	for rows.Next() {
		var c domain.Context
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.Type, &c.CertaintyLevel, &c.Description, &c.Reasoning, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func listObligations(ctx context.Context, q querier, wsID string) ([]domain.Obligation, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,workspace_id,context_id,mandatory,description,deadline,legal_ref,critical,deduced_by,created_at FROM obligations WHERE workspace_id=? ORDER BY seq ASC`, wsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Obligation{}
	for rows.Next() {
		var (
			o                   domain.Obligation
			mandatory, critical int
			deadline, legalRef  sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.WorkspaceID, &o.ContextID, &mandatory, &o.Description, &deadline, &legalRef, &critical, &o.DeducedBy, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Mandatory = mandatory != 0
		o.Critical = critical != 0
		o.Deadline = optionalNull(deadline)
		o.LegalRef = optionalNull(legalRef)
		res = append(res, o)
	}
	return res, rows.Err()
}

const missingColumns = `id,workspace_id,type,description,why,blocking,resolved,resolution,resolved_by,resolved_at,created_at`

func scanMissingElement(row scanner) (domain.MissingElement, error) {
	var (
		m                    domain.MissingElement
		blocking, resolved   int
		resolution, by, when sql.NullString
	)
	if err := row.Scan(&m.ID, &m.WorkspaceID, &m.Type, &m.Description, &m.Why, &blocking, &resolved, &resolution, &by, &when, &m.CreatedAt); err != nil {
		return m, err
	}
	m.Blocking = blocking != 0
	m.Resolved = resolved != 0
	m.Resolution = optionalNull(resolution)
	m.ResolvedBy = optionalNull(by)
	m.ResolvedAt = optionalNull(when)
	return m, nil
}

func listMissingElements(ctx context.Context, q querier, wsID string) ([]domain.MissingElement, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+missingColumns+` FROM missing_elements WHERE workspace_id=? ORDER BY seq ASC`, wsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.MissingElement{}
	for rows.Next() {
		m, err := scanMissingElement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func listRisks(ctx context.Context, q querier, wsID string) ([]domain.Risk, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,workspace_id,impact,probability,risk_score,description,irreversible,created_at FROM risks WHERE workspace_id=? ORDER BY risk_score DESC, irreversible DESC, seq ASC`, wsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Risk{}
	for rows.Next() {
		var (
			rk           domain.Risk
			irreversible int
		)
		if err := rows.Scan(&rk.ID, &rk.WorkspaceID, &rk.Impact, &rk.Probability, &rk.RiskScore, &rk.Description, &irreversible, &rk.CreatedAt); err != nil {
			return nil, err
		}
		rk.Irreversible = irreversible != 0
		res = append(res, rk)
	}
	return res, rows.Err()
}

const actionColumns = `id,workspace_id,type,target,priority,content,COALESCE(reasoning,''),proposed_by,executed,executed_by,executed_at,result,created_at`

func scanAction(row scanner) (domain.ProposedAction, error) {
	var (
		a                 domain.ProposedAction
		executed          int
		by, when, outcome sql.NullString
	)
	if err := row.Scan(&a.ID, &a.WorkspaceID, &a.Type, &a.Target, &a.Priority, &a.Content, &a.Reasoning, &a.ProposedBy, &executed, &by, &when, &outcome, &a.CreatedAt); err != nil {
		return a, err
	}
	a.Executed = executed != 0
	a.ExecutedBy = optionalNull(by)
	a.ExecutedAt = optionalNull(when)
	a.Result = optionalNull(outcome)
	return a, nil
}

func listActions(ctx context.Context, q querier, wsID string) ([]domain.ProposedAction, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+actionColumns+` FROM proposed_actions WHERE workspace_id=? ORDER BY seq ASC`, wsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ProposedAction{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func listTraces(ctx context.Context, q querier, wsID string, order domain.Order) ([]domain.ReasoningTrace, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,workspace_id,step,explanation,created_at FROM reasoning_traces WHERE workspace_id=? ORDER BY seq `+direction(order), wsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ReasoningTrace{}
	for rows.Next() {
		var tr domain.ReasoningTrace
		if err := rows.Scan(&tr.ID, &tr.WorkspaceID, &tr.Step, &tr.Explanation, &tr.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

func listTransitions(ctx context.Context, q querier, wsID string, order domain.Order) ([]domain.Transition, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,workspace_id,from_state,to_state,triggered_by,COALESCE(reason,''),triggered_at FROM transitions WHERE workspace_id=? ORDER BY seq `+direction(order), wsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Transition{}
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.FromState, &t.ToState, &t.TriggeredBy, &t.Reason, &t.TriggeredAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
