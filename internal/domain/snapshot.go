package domain

import "matterline/internal/uncertainty"

// Order selects ascending or descending chronological listings.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

func (o Order) Valid() bool {
	return o == OrderAsc || o == OrderDesc
}

// Snapshot is a read-only view of one workspace and its whole entity graph.
// Facts, contexts, obligations, missing elements and actions are in creation
// order, risks follow SortRisks, traces and transitions are ascending.
type Snapshot struct {
	Workspace       Workspace        `json:"workspace"`
	Facts           []Fact           `json:"facts"`
	Contexts        []Context        `json:"contexts"`
	Obligations     []Obligation     `json:"obligations"`
	MissingElements []MissingElement `json:"missing_elements"`
	Risks           []Risk           `json:"risks"`
	Actions         []ProposedAction `json:"proposed_actions"`
	Traces          []ReasoningTrace `json:"reasoning_traces"`
	Transitions     []Transition     `json:"transitions"`
}

// BlockingUnresolved returns the ids of missing elements that hold the gate closed.
func (s Snapshot) BlockingUnresolved() []string {
	var ids []string
	for _, m := range s.MissingElements {
		if m.BlocksProgress() {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func (s Snapshot) HasContext(id string) bool {
	for _, c := range s.Contexts {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Summary is the condensed view a presentation layer shows at handoff.
type Summary struct {
	WorkspaceID        string  `json:"workspace_id"`
	State              State   `json:"state"`
	Locked             bool    `json:"locked"`
	ConfidencePercent  float64 `json:"confidence_percent"`
	Facts              int     `json:"facts"`
	Obligations        int     `json:"obligations"`
	CriticalOblig      int     `json:"critical_obligations"`
	UnresolvedBlocking int     `json:"unresolved_blocking"`
	HighestRiskScore   int     `json:"highest_risk_score"`
	IrreversibleRisks  int     `json:"irreversible_risks"`
	PendingActions     int     `json:"pending_actions"`
}

func (s Snapshot) Summary() Summary {
	sum := Summary{
		WorkspaceID:        s.Workspace.ID,
		State:              s.Workspace.CurrentState,
		Locked:             s.Workspace.Locked,
		ConfidencePercent:  uncertainty.Percentage(s.Workspace.UncertaintyLevel),
		Facts:              len(s.Facts),
		Obligations:        len(s.Obligations),
		UnresolvedBlocking: len(s.BlockingUnresolved()),
	}
	for _, o := range s.Obligations {
		if o.Critical {
			sum.CriticalOblig++
		}
	}
	for _, r := range s.Risks {
		if r.RiskScore > sum.HighestRiskScore {
			sum.HighestRiskScore = r.RiskScore
		}
		if r.Irreversible {
			sum.IrreversibleRisks++
		}
	}
	for _, a := range s.Actions {
		if !a.Executed {
			sum.PendingActions++
		}
	}
	return sum
}
