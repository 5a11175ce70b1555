package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"matterline/internal/domain"
	"matterline/internal/events"
)

// Repo is the SQLite entity store. Every write runs in one transaction that also
// appends the audit events for it.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{Now: time.Now}}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const workspaceColumns = `id,COALESCE(tenant_id,''),source_type,source_raw,source_metadata_json,COALESCE(procedure_type,''),current_state,uncertainty_level,locked,COALESCE(owner_user_id,''),version,created_at,state_changed_at,state_changed_by,completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row scanner) (domain.Workspace, error) {
	var (
		w         domain.Workspace
		meta      sql.NullString
		locked    int
		completed sql.NullString
	)
	err := row.Scan(&w.ID, &w.TenantID, &w.SourceType, &w.SourceRaw, &meta, &w.ProcedureType, &w.CurrentState,
		&w.UncertaintyLevel, &locked, &w.OwnerUserID, &w.Version, &w.CreatedAt, &w.StateChangedAt, &w.StateChangedBy, &completed)
	if err != nil {
		return w, err
	}
	w.Locked = locked != 0
	w.CompletedAt = optionalNull(completed)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &w.SourceMetadata); err != nil {
			return w, fmt.Errorf("decode source metadata: %w", err)
		}
	}
	return w, nil
}

// CreateWorkspace inserts a new workspace and its creation event.
func (r Repo) CreateWorkspace(ctx context.Context, w domain.Workspace, actorID string) error {
	meta, err := marshalMetadata(w.SourceMetadata)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO workspaces(id,tenant_id,source_type,source_raw,source_metadata_json,procedure_type,current_state,uncertainty_level,locked,owner_user_id,version,created_at,state_changed_at,state_changed_by,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, nullable(w.TenantID), w.SourceType, w.SourceRaw, meta, nullable(w.ProcedureType), w.CurrentState, w.UncertaintyLevel,
		boolToInt(w.Locked), nullable(w.OwnerUserID), w.Version, w.CreatedAt, w.StateChangedAt, w.StateChangedBy, nullableStringPtr(w.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	if err := r.Events.Append(ctx, tx, events.WorkspaceCreated, w.ID, "workspace", w.ID, actorID, events.EventPayload{
		"source_type":    w.SourceType,
		"procedure_type": w.ProcedureType,
		"state":          w.CurrentState,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	return getWorkspace(ctx, r.DB, id)
}

func getWorkspace(ctx context.Context, q querier, id string) (domain.Workspace, error) {
	w, err := scanWorkspace(q.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return w, &domain.NotFoundError{Kind: "workspace", ID: id}
	}
	return w, err
}

// ListWorkspaces returns workspaces newest first.
func (r Repo) ListWorkspaces(ctx context.Context, f domain.WorkspaceFilter) ([]domain.Workspace, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.State != "" {
		clauses = append(clauses, "current_state=?")
		args = append(args, f.State)
	}
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode source metadata: %w", err)
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func optionalNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
