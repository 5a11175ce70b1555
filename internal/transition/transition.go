// Package transition holds the workspace state graph and the rules for moving
// along it.
package transition

import "matterline/internal/domain"

// Stage is one automated reasoning step and the forward edge it takes.
type Stage struct {
	Name string
	From domain.State
	To   domain.State
	// Kind is the entity kind the stage creates. The handoff stage creates none.
	Kind string
}

var Stages = []Stage{
	{Name: "facts", From: domain.StateReceived, To: domain.StateFactsExtracted, Kind: domain.KindFact},
	{Name: "contexts", From: domain.StateFactsExtracted, To: domain.StateContextIdentified, Kind: domain.KindContext},
	{Name: "obligations", From: domain.StateContextIdentified, To: domain.StateObligationsDeduced, Kind: domain.KindObligation},
	{Name: "missing_elements", From: domain.StateObligationsDeduced, To: domain.StateMissingIdentified, Kind: domain.KindMissingElement},
	{Name: "risks", From: domain.StateMissingIdentified, To: domain.StateRisksEvaluated, Kind: domain.KindRisk},
	{Name: "actions", From: domain.StateRisksEvaluated, To: domain.StateActionsProposed, Kind: domain.KindAction},
	{Name: "handoff", From: domain.StateActionsProposed, To: domain.StateReadyForHuman},
}

// StageFor returns the automated stage that runs from s.
func StageFor(s domain.State) (Stage, bool) {
	for _, st := range Stages {
		if st.From == s {
			return st, true
		}
	}
	return Stage{}, false
}

// StageNamed looks a stage up by name.
func StageNamed(name string) (Stage, bool) {
	for _, st := range Stages {
		if st.Name == name {
			return st, true
		}
	}
	return Stage{}, false
}

// IsTerminal reports whether no transition at all leaves s.
func IsTerminal(s domain.State) bool {
	return s == domain.StateCancelled || s == domain.StateLocked
}

// Validate checks a single edge. Automated transitions must follow the forward
// pipeline. Manual transitions may only cancel, escalate, or lock.
func Validate(from, to domain.State, manual bool) error {
	invalid := &domain.InvalidTransitionError{From: from, To: to, Manual: manual}
	if !from.Valid() || !to.Valid() || IsTerminal(from) {
		return invalid
	}
	if !manual {
		st, ok := StageFor(from)
		if !ok || st.To != to {
			return invalid
		}
		return nil
	}
	switch to {
	case domain.StateCancelled:
		return nil
	case domain.StateEscalated:
		if from != domain.StateEscalated {
			return nil
		}
	case domain.StateLocked:
		if from == domain.StateReadyForHuman {
			return nil
		}
	}
	return invalid
}

// CheckGate fails while the workspace sits in MISSING_IDENTIFIED with blocking
// elements still open. It applies to every edge leaving that state.
func CheckGate(snap domain.Snapshot) error {
	if snap.Workspace.CurrentState != domain.StateMissingIdentified {
		return nil
	}
	if ids := snap.BlockingUnresolved(); len(ids) > 0 {
		return &domain.BlockedByMissingElementsError{WorkspaceID: snap.Workspace.ID, ElementIDs: ids}
	}
	return nil
}

// Check runs the full rule set for moving the snapshot's workspace to target:
// lock first, then the edge, then the gate.
func Check(snap domain.Snapshot, to domain.State, manual bool) error {
	if snap.Workspace.Locked {
		return &domain.LockedWorkspaceError{WorkspaceID: snap.Workspace.ID}
	}
	if err := Validate(snap.Workspace.CurrentState, to, manual); err != nil {
		return err
	}
	return CheckGate(snap)
}

// CheckCommit applies the commit-time rules to a batch against the workspace as
// stored. blocking holds the ids of unresolved blocking missing elements.
func CheckCommit(ws domain.Workspace, b domain.Batch, blocking []string) error {
	if ws.Locked {
		return &domain.LockedWorkspaceError{WorkspaceID: ws.ID}
	}
	stale := &domain.StaleStateError{
		WorkspaceID:   ws.ID,
		ActualVersion: ws.Version,
		ActualState:   ws.CurrentState,
	}
	if exp := b.Expect; exp != nil {
		stale.ExpectedVersion, stale.ExpectedState = exp.Version, exp.State
		if ws.Version != exp.Version || ws.CurrentState != exp.State {
			return stale
		}
	}
	t := b.Transition
	if t == nil {
		return nil
	}
	if t.FromState != ws.CurrentState {
		stale.ExpectedVersion, stale.ExpectedState = ws.Version, t.FromState
		return stale
	}
	if err := Validate(t.FromState, t.ToState, b.Manual); err != nil {
		return err
	}
	if ws.CurrentState == domain.StateMissingIdentified && len(blocking) > 0 {
		return &domain.BlockedByMissingElementsError{WorkspaceID: ws.ID, ElementIDs: blocking}
	}
	return nil
}

// Targets lists every state reachable from s in one step.
func Targets(s domain.State, manual bool) []domain.State {
	var out []domain.State
	for _, to := range domain.AllStates {
		if Validate(s, to, manual) == nil {
			out = append(out, to)
		}
	}
	return out
}
