package inference

import (
	"encoding/json"
	"fmt"
	"strings"

	"matterline/internal/domain"
)

// Preamble is sent as the system message on every stage call.
const Preamble = `You assist a legal and administrative triage team. You never decide, send or file anything.
You read a workspace and propose structured entities for exactly one reasoning stage.
Answer with a single JSON object and nothing else:
{"entities": [...], "trace": [{"step": "...", "explanation": "..."}], "uncertainty_level": <number between 0 and 1>}
"entities" holds only entities of the kind the directive asks for. "trace" explains your reasoning in short steps.
"uncertainty_level" is 1 when you know nothing and 0 when everything is established.
Do not add fields that are not listed. Do not repeat entities already present in the workspace.`

var defaultDirectives = map[string]string{
	"facts": `Extract the facts stated in the source. Each entity:
{"label": string, "value": string, "source": "EXPLICIT_MESSAGE"|"METADATA"|"DOCUMENT"|"INFERRED"}
Return at least one fact.`,
	"contexts": `Identify the contexts the matter belongs to. Each entity:
{"type": "LEGAL"|"ADMINISTRATIVE"|"TEMPORAL"|"FINANCIAL"|"PROCEDURAL", "certainty_level": "POSSIBLE"|"PROBABLE"|"CONFIRMED", "description": string, "reasoning": string}`,
	"obligations": `Deduce the obligations that follow from the contexts. Each entity:
{"context_id": id of an existing context, "mandatory": bool, "description": string, "deadline": "YYYY-MM-DD" or null, "legal_ref": string or null, "critical": bool}`,
	"missing_elements": `List the information or documents still missing to act. Each entity:
{"type": string, "description": string, "why": string, "blocking": bool}
Mark an element blocking only when no further analysis is possible without it.`,
	"risks": `Evaluate the risks of the matter. Each entity:
{"impact": 1|2|3, "probability": 1|2|3, "description": string, "irreversible": bool}`,
	"actions": `Propose the next actions for a person to review. Each entity:
{"type": "QUESTION"|"DOCUMENT_REQUEST"|"ALERT"|"ESCALATION"|"FORM_SEND", "target": "CLIENT"|"INTERNAL_USER"|"SYSTEM", "priority": "LOW"|"NORMAL"|"HIGH"|"CRITICAL", "content": string, "reasoning": string}`,
	"handoff": `Prepare the workspace for human review. Return "entities": [] and a trace that summarises
the facts, obligations, open questions and highest risks a reviewer must read first.`,
}

// Directive returns the stage directive, preferring a configured override.
func Directive(stage string, overrides map[string]string) string {
	if d := strings.TrimSpace(overrides[stage]); d != "" {
		return d
	}
	return defaultDirectives[stage]
}

// CorrectiveDirective lists the problems found in the previous answer.
func CorrectiveDirective(problems []string) string {
	var b strings.Builder
	b.WriteString("Your previous answer was rejected:\n")
	for _, p := range problems {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString("Answer again with a single JSON object that follows the required shape exactly.")
	return b.String()
}

type promptWorkspace struct {
	ID               string            `json:"id"`
	SourceType       string            `json:"source_type"`
	SourceRaw        string            `json:"source_raw"`
	SourceMetadata   map[string]string `json:"source_metadata,omitempty"`
	ProcedureType    string            `json:"procedure_type,omitempty"`
	State            domain.State      `json:"state"`
	UncertaintyLevel float64           `json:"uncertainty_level"`
}

type promptView struct {
	Workspace       promptWorkspace         `json:"workspace"`
	Facts           []domain.Fact           `json:"facts"`
	Contexts        []domain.Context        `json:"contexts"`
	Obligations     []domain.Obligation     `json:"obligations"`
	MissingElements []domain.MissingElement `json:"missing_elements"`
	Risks           []domain.Risk           `json:"risks"`
	Actions         []domain.ProposedAction `json:"proposed_actions"`
}

// EncodeSnapshot serializes the parts of a snapshot the collaborator reasons over.
// Traces and transitions are left out.
func EncodeSnapshot(snap domain.Snapshot) (json.RawMessage, error) {
	ws := snap.Workspace
	view := promptView{
		Workspace: promptWorkspace{
			ID:               ws.ID,
			SourceType:       ws.SourceType,
			SourceRaw:        ws.SourceRaw,
			SourceMetadata:   ws.SourceMetadata,
			ProcedureType:    ws.ProcedureType,
			State:            ws.CurrentState,
			UncertaintyLevel: ws.UncertaintyLevel,
		},
		Facts:           snap.Facts,
		Contexts:        snap.Contexts,
		Obligations:     snap.Obligations,
		MissingElements: snap.MissingElements,
		Risks:           snap.Risks,
		Actions:         snap.Actions,
	}
	out, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return out, nil
}
