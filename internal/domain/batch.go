package domain

import (
	"fmt"
	"strings"
)

// Entity kinds, as used in audit events and stage definitions.
const (
	KindFact           = "fact"
	KindContext        = "context"
	KindObligation     = "obligation"
	KindMissingElement = "missing_element"
	KindRisk           = "risk"
	KindAction         = "proposed_action"
	KindTrace          = "reasoning_trace"
)

type EntityRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Expectation pins the workspace version and state a batch was computed from.
// The store compares both inside the commit transaction.
type Expectation struct {
	Version int64
	State   State
}

// Batch is the single write path into a workspace: new entities, trace items, an
// optional state change and an optional uncertainty update, applied atomically.
// A nil Expect skips the optimistic check (human-authored additions).
type Batch struct {
	WorkspaceID string
	ActorID     string
	Stage       string // reasoning stage that produced the batch, empty for commands
	Expect      *Expectation

	Facts           []Fact
	Contexts        []Context
	Obligations     []Obligation
	MissingElements []MissingElement
	Risks           []Risk
	Actions         []ProposedAction
	Traces          []ReasoningTrace

	Transition  *Transition
	Manual      bool // Transition was requested by a person
	Uncertainty *float64
}

// Empty reports whether applying b would change nothing.
func (b Batch) Empty() bool {
	return len(b.Facts) == 0 && len(b.Contexts) == 0 && len(b.Obligations) == 0 &&
		len(b.MissingElements) == 0 && len(b.Risks) == 0 && len(b.Actions) == 0 &&
		len(b.Traces) == 0 && b.Transition == nil && b.Uncertainty == nil
}

// EntityRefs lists the entities the batch creates, traces excluded, in insert order.
func (b Batch) EntityRefs() []EntityRef {
	var refs []EntityRef
	for _, f := range b.Facts {
		refs = append(refs, EntityRef{KindFact, f.ID})
	}
	for _, c := range b.Contexts {
		refs = append(refs, EntityRef{KindContext, c.ID})
	}
	for _, o := range b.Obligations {
		refs = append(refs, EntityRef{KindObligation, o.ID})
	}
	for _, m := range b.MissingElements {
		refs = append(refs, EntityRef{KindMissingElement, m.ID})
	}
	for _, r := range b.Risks {
		refs = append(refs, EntityRef{KindRisk, r.ID})
	}
	for _, a := range b.Actions {
		refs = append(refs, EntityRef{KindAction, a.ID})
	}
	return refs
}

// Normalize stamps the batch workspace id on every entity and derives risk scores.
func (b *Batch) Normalize() {
	for i := range b.Facts {
		b.Facts[i].WorkspaceID = b.WorkspaceID
	}
	for i := range b.Contexts {
		b.Contexts[i].WorkspaceID = b.WorkspaceID
	}
	for i := range b.Obligations {
		b.Obligations[i].WorkspaceID = b.WorkspaceID
	}
	for i := range b.MissingElements {
		b.MissingElements[i].WorkspaceID = b.WorkspaceID
	}
	for i := range b.Risks {
		b.Risks[i].WorkspaceID = b.WorkspaceID
		b.Risks[i].RiskScore = Score(b.Risks[i].Impact, b.Risks[i].Probability)
	}
	for i := range b.Actions {
		b.Actions[i].WorkspaceID = b.WorkspaceID
	}
	for i := range b.Traces {
		b.Traces[i].WorkspaceID = b.WorkspaceID
	}
	if b.Transition != nil {
		b.Transition.WorkspaceID = b.WorkspaceID
	}
}

// Validate checks field-level invariants of every entity in the batch.
// Cross-entity references are checked by the store.
func (b Batch) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	if b.WorkspaceID == "" {
		add("workspace_id is required")
	}
	for i, f := range b.Facts {
		if f.ID == "" || strings.TrimSpace(f.Label) == "" {
			add("facts[%d]: id and label are required", i)
		}
		if !f.Source.Valid() {
			add("facts[%d]: invalid source %q", i, f.Source)
		}
	}
	for i, c := range b.Contexts {
		if c.ID == "" || strings.TrimSpace(c.Description) == "" {
			add("contexts[%d]: id and description are required", i)
		}
		if !c.Type.Valid() {
			add("contexts[%d]: invalid type %q", i, c.Type)
		}
		if !c.CertaintyLevel.Valid() {
			add("contexts[%d]: invalid certainty_level %q", i, c.CertaintyLevel)
		}
	}
	for i, o := range b.Obligations {
		if o.ID == "" || o.ContextID == "" || strings.TrimSpace(o.Description) == "" {
			add("obligations[%d]: id, context_id and description are required", i)
		}
		if !o.DeducedBy.Valid() {
			add("obligations[%d]: invalid deduced_by %q", i, o.DeducedBy)
		}
	}
	for i, m := range b.MissingElements {
		if m.ID == "" || strings.TrimSpace(m.Description) == "" {
			add("missing_elements[%d]: id and description are required", i)
		}
		if m.Resolved {
			add("missing_elements[%d]: cannot be created resolved", i)
		}
	}
	for i, r := range b.Risks {
		if r.ID == "" || strings.TrimSpace(r.Description) == "" {
			add("risks[%d]: id and description are required", i)
		}
		if !ValidRiskFactor(r.Impact) || !ValidRiskFactor(r.Probability) {
			add("risks[%d]: impact and probability must be within 1..3", i)
		}
	}
	for i, a := range b.Actions {
		if a.ID == "" || strings.TrimSpace(a.Content) == "" {
			add("proposed_actions[%d]: id and content are required", i)
		}
		if !a.Type.Valid() || !a.Target.Valid() || !a.Priority.Valid() || !a.ProposedBy.Valid() {
			add("proposed_actions[%d]: invalid type, target, priority or proposed_by", i)
		}
		if a.Executed {
			add("proposed_actions[%d]: cannot be created executed", i)
		}
	}
	for i, tr := range b.Traces {
		if tr.ID == "" || strings.TrimSpace(tr.Explanation) == "" {
			add("traces[%d]: id and explanation are required", i)
		}
	}
	if t := b.Transition; t != nil {
		if t.ID == "" || t.TriggeredBy == "" || t.TriggeredAt == "" {
			add("transition: id, triggered_by and triggered_at are required")
		}
	}
	if b.Uncertainty != nil && (*b.Uncertainty < 0 || *b.Uncertainty > 1) {
		add("uncertainty_level %v not in [0,1]", *b.Uncertainty)
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ElementResolution closes a missing element.
type ElementResolution struct {
	WorkspaceID string
	ElementID   string
	Resolution  string
	ActorID     string
	At          string
}

// ActionExecution records that a proposed action was carried out.
type ActionExecution struct {
	WorkspaceID string
	ActionID    string
	Result      string
	ActorID     string
	At          string
}

// WorkspaceFilter narrows ListWorkspaces. Zero values match everything.
type WorkspaceFilter struct {
	TenantID string
	State    State
	Limit    int
}

// EventFilter selects audit events by id cursor and workspace.
type EventFilter struct {
	WorkspaceID string
	AfterID     int64
	Limit       int
}
