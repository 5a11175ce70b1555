package server

import (
	"matterline/internal/domain"
	"matterline/internal/engine"
)

// Request payloads

type CreateWorkspaceRequest struct {
	ID             string            `json:"id,omitempty"`
	TenantID       string            `json:"tenant_id,omitempty"`
	SourceType     string            `json:"source_type" example:"email"`
	SourceRaw      string            `json:"source_raw" minLength:"1"`
	SourceMetadata map[string]string `json:"source_metadata,omitempty"`
	ProcedureType  string            `json:"procedure_type,omitempty"`
	OwnerUserID    string            `json:"owner_user_id,omitempty"`
}

type ManualTransitionRequest struct {
	Target          domain.State `json:"target" enum:"CANCELLED,ESCALATED,LOCKED"`
	Reason          string       `json:"reason,omitempty"`
	ExpectedVersion int64        `json:"expected_version,omitempty"`
}

type LockRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ResolveMissingElementRequest struct {
	Resolution string `json:"resolution" minLength:"1"`
}

type MarkActionExecutedRequest struct {
	Result string `json:"result,omitempty"`
}

type AddFactRequest struct {
	Label  string            `json:"label" minLength:"1"`
	Value  string            `json:"value"`
	Source domain.FactSource `json:"source,omitempty" enum:"EXPLICIT_MESSAGE,METADATA,DOCUMENT,INFERRED"`
}

type AddObligationRequest struct {
	ContextID   string `json:"context_id"`
	Mandatory   bool   `json:"mandatory,omitempty"`
	Description string `json:"description" minLength:"1"`
	Deadline    string `json:"deadline,omitempty" example:"2024-04-30"`
	LegalRef    string `json:"legal_ref,omitempty"`
	Critical    bool   `json:"critical,omitempty"`
}

type ProposeActionRequest struct {
	Type      domain.ActionType   `json:"type" enum:"QUESTION,DOCUMENT_REQUEST,ALERT,ESCALATION,FORM_SEND"`
	Target    domain.ActionTarget `json:"target" enum:"CLIENT,INTERNAL_USER,SYSTEM"`
	Priority  domain.Priority     `json:"priority,omitempty" enum:"LOW,NORMAL,HIGH,CRITICAL"`
	Content   string              `json:"content" minLength:"1"`
	Reasoning string              `json:"reasoning,omitempty"`
}

type RunStagesRequest struct {
	MaxStages int `json:"max_stages,omitempty" minimum:"0"`
}

type AdvanceRequest struct {
	WorkspaceIDs []string `json:"workspace_ids" minItems:"1"`
	Concurrency  int      `json:"concurrency,omitempty" minimum:"0"`
}

// Response payloads

type WorkspaceList struct {
	Items []domain.Workspace `json:"items"`
}

type TransitionList struct {
	Items []domain.Transition `json:"items"`
}

type TraceList struct {
	Items []domain.ReasoningTrace `json:"items"`
}

type RunStagesResponse struct {
	Stages    []engine.StageResult `json:"stages"`
	Workspace domain.Workspace     `json:"workspace"`
	// StoppedBy is the error code that ended the run early, if any.
	StoppedBy domain.Code `json:"stopped_by,omitempty"`
	Message   string      `json:"message,omitempty"`
}

type AdvanceResponse struct {
	Items []engine.AdvanceOutcome `json:"items"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
