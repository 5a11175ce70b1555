package domain

import "sort"

// State is a workspace position in the reasoning pipeline.
type State string

const (
	StateReceived           State = "RECEIVED"
	StateFactsExtracted     State = "FACTS_EXTRACTED"
	StateContextIdentified  State = "CONTEXT_IDENTIFIED"
	StateObligationsDeduced State = "OBLIGATIONS_DEDUCED"
	StateMissingIdentified  State = "MISSING_IDENTIFIED"
	StateRisksEvaluated     State = "RISKS_EVALUATED"
	StateActionsProposed    State = "ACTIONS_PROPOSED"
	StateReadyForHuman      State = "READY_FOR_HUMAN"
	StateCancelled          State = "CANCELLED"
	StateEscalated          State = "ESCALATED"
	StateLocked             State = "LOCKED"
)

// AllStates lists every state in pipeline order followed by the side branches.
var AllStates = []State{
	StateReceived,
	StateFactsExtracted,
	StateContextIdentified,
	StateObligationsDeduced,
	StateMissingIdentified,
	StateRisksEvaluated,
	StateActionsProposed,
	StateReadyForHuman,
	StateCancelled,
	StateEscalated,
	StateLocked,
}

func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

type FactSource string

const (
	FactSourceExplicitMessage FactSource = "EXPLICIT_MESSAGE"
	FactSourceMetadata        FactSource = "METADATA"
	FactSourceDocument        FactSource = "DOCUMENT"
	FactSourceInferred        FactSource = "INFERRED"
)

type ContextType string

const (
	ContextLegal          ContextType = "LEGAL"
	ContextAdministrative ContextType = "ADMINISTRATIVE"
	ContextTemporal       ContextType = "TEMPORAL"
	ContextFinancial      ContextType = "FINANCIAL"
	ContextProcedural     ContextType = "PROCEDURAL"
)

type Certainty string

const (
	CertaintyPossible  Certainty = "POSSIBLE"
	CertaintyProbable  Certainty = "PROBABLE"
	CertaintyConfirmed Certainty = "CONFIRMED"
)

// Author records whether an entity came from the inference collaborator or a person.
type Author string

const (
	AuthorAI    Author = "AI"
	AuthorHuman Author = "HUMAN"
)

type ActionType string

const (
	ActionQuestion        ActionType = "QUESTION"
	ActionDocumentRequest ActionType = "DOCUMENT_REQUEST"
	ActionAlert           ActionType = "ALERT"
	ActionEscalation      ActionType = "ESCALATION"
	ActionFormSend        ActionType = "FORM_SEND"
)

type ActionTarget string

const (
	TargetClient       ActionTarget = "CLIENT"
	TargetInternalUser ActionTarget = "INTERNAL_USER"
	TargetSystem       ActionTarget = "SYSTEM"
)

type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Workspace is the root aggregate for one inbound matter.
type Workspace struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id,omitempty"`
	SourceType       string            `json:"source_type"`
	SourceRaw        string            `json:"source_raw"`
	SourceMetadata   map[string]string `json:"source_metadata,omitempty"`
	ProcedureType    string            `json:"procedure_type,omitempty"`
	CurrentState     State             `json:"current_state" enum:"RECEIVED,FACTS_EXTRACTED,CONTEXT_IDENTIFIED,OBLIGATIONS_DEDUCED,MISSING_IDENTIFIED,RISKS_EVALUATED,ACTIONS_PROPOSED,READY_FOR_HUMAN,CANCELLED,ESCALATED,LOCKED"`
	UncertaintyLevel float64           `json:"uncertainty_level"`
	Locked           bool              `json:"locked"`
	OwnerUserID      string            `json:"owner_user_id,omitempty"`
	Version          int64             `json:"version"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
	StateChangedAt   string            `json:"state_changed_at" format:"date-time"`
	StateChangedBy   string            `json:"state_changed_by"`
	CompletedAt      *string           `json:"completed_at,omitempty" format:"date-time"`
}

type Fact struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Label       string     `json:"label"`
	Value       string     `json:"value"`
	Source      FactSource `json:"source" enum:"EXPLICIT_MESSAGE,METADATA,DOCUMENT,INFERRED"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
}

type Context struct {
	ID             string      `json:"id"`
	WorkspaceID    string      `json:"workspace_id"`
	Type           ContextType `json:"type" enum:"LEGAL,ADMINISTRATIVE,TEMPORAL,FINANCIAL,PROCEDURAL"`
	CertaintyLevel Certainty   `json:"certainty_level" enum:"POSSIBLE,PROBABLE,CONFIRMED"`
	Description    string      `json:"description"`
	Reasoning      string      `json:"reasoning,omitempty"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
}

type Obligation struct {
	ID          string  `json:"id"`
	WorkspaceID string  `json:"workspace_id"`
	ContextID   string  `json:"context_id"`
	Mandatory   bool    `json:"mandatory"`
	Description string  `json:"description"`
	Deadline    *string `json:"deadline,omitempty"`
	LegalRef    *string `json:"legal_ref,omitempty"`
	Critical    bool    `json:"critical"`
	DeducedBy   Author  `json:"deduced_by" enum:"AI,HUMAN"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type MissingElement struct {
	ID          string  `json:"id"`
	WorkspaceID string  `json:"workspace_id"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Why         string  `json:"why"`
	Blocking    bool    `json:"blocking"`
	Resolved    bool    `json:"resolved"`
	Resolution  *string `json:"resolution,omitempty"`
	ResolvedBy  *string `json:"resolved_by,omitempty"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// BlocksProgress reports whether the element still holds the MISSING_IDENTIFIED gate closed.
func (m MissingElement) BlocksProgress() bool {
	return m.Blocking && !m.Resolved
}

type Risk struct {
	ID           string `json:"id"`
	WorkspaceID  string `json:"workspace_id"`
	Impact       int    `json:"impact" minimum:"1" maximum:"3"`
	Probability  int    `json:"probability" minimum:"1" maximum:"3"`
	RiskScore    int    `json:"risk_score" minimum:"1" maximum:"9"`
	Description  string `json:"description"`
	Irreversible bool   `json:"irreversible"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Score computes impact × probability.
func Score(impact, probability int) int {
	return impact * probability
}

type ProposedAction struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspace_id"`
	Type        ActionType   `json:"type" enum:"QUESTION,DOCUMENT_REQUEST,ALERT,ESCALATION,FORM_SEND"`
	Target      ActionTarget `json:"target" enum:"CLIENT,INTERNAL_USER,SYSTEM"`
	Priority    Priority     `json:"priority" enum:"LOW,NORMAL,HIGH,CRITICAL"`
	Content     string       `json:"content"`
	Reasoning   string       `json:"reasoning,omitempty"`
	ProposedBy  Author       `json:"proposed_by" enum:"AI,HUMAN"`
	Executed    bool         `json:"executed"`
	ExecutedBy  *string      `json:"executed_by,omitempty"`
	ExecutedAt  *string      `json:"executed_at,omitempty" format:"date-time"`
	Result      *string      `json:"result,omitempty"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
}

type ReasoningTrace struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Step        string `json:"step"`
	Explanation string `json:"explanation"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Transition struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	FromState   State  `json:"from_state"`
	ToState     State  `json:"to_state"`
	TriggeredBy string `json:"triggered_by"`
	Reason      string `json:"reason,omitempty"`
	TriggeredAt string `json:"triggered_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

// SortRisks orders risks by score descending. Ties keep irreversible risks first,
// then the original (creation) order.
func SortRisks(risks []Risk) {
	sort.SliceStable(risks, func(i, j int) bool {
		if risks[i].RiskScore != risks[j].RiskScore {
			return risks[i].RiskScore > risks[j].RiskScore
		}
		return risks[i].Irreversible && !risks[j].Irreversible
	})
}
