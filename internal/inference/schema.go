package inference

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"matterline/internal/domain"
	"matterline/internal/transition"
	"matterline/internal/uncertainty"
)

// MaxEntities bounds how many entities one stage answer may propose.
const MaxEntities = 200

type TraceItem struct {
	Step        string `json:"step"`
	Explanation string `json:"explanation"`
}

// StageOutput is a validated stage answer. Entities carry no ids, workspace or
// timestamps yet; the engine assigns those at commit.
type StageOutput struct {
	Facts           []domain.Fact
	Contexts        []domain.Context
	Obligations     []domain.Obligation
	MissingElements []domain.MissingElement
	Risks           []domain.Risk
	Actions         []domain.ProposedAction
	Trace           []TraceItem
	Uncertainty     float64
}

// Entities counts the proposed entities of every kind.
func (o StageOutput) Entities() int {
	return len(o.Facts) + len(o.Contexts) + len(o.Obligations) + len(o.MissingElements) +
		len(o.Risks) + len(o.Actions)
}

// Outcome is either a valid Output or a non-empty list of Problems.
type Outcome struct {
	Output   StageOutput
	Problems []string
}

func (o Outcome) Valid() bool {
	return len(o.Problems) == 0
}

// Err returns the outcome as a ValidationError, or nil when it is valid.
func (o Outcome) Err(stage string) error {
	if o.Valid() {
		return nil
	}
	return &domain.ValidationError{Stage: stage, Problems: o.Problems}
}

type envelope struct {
	Entities    *[]json.RawMessage `json:"entities"`
	Trace       *[]json.RawMessage `json:"trace"`
	Uncertainty json.RawMessage    `json:"uncertainty_level"`
}

type traceDraft struct {
	Step        *string `json:"step"`
	Explanation *string `json:"explanation"`
}

type factDraft struct {
	Label  *string `json:"label"`
	Value  *string `json:"value"`
	Source *string `json:"source"`
}

type contextDraft struct {
	Type           *string `json:"type"`
	CertaintyLevel *string `json:"certainty_level"`
	Description    *string `json:"description"`
	Reasoning      *string `json:"reasoning"`
}

type obligationDraft struct {
	ContextID   *string `json:"context_id"`
	Mandatory   *bool   `json:"mandatory"`
	Description *string `json:"description"`
	Deadline    *string `json:"deadline"`
	LegalRef    *string `json:"legal_ref"`
	Critical    *bool   `json:"critical"`
}

type missingDraft struct {
	Type        *string `json:"type"`
	Description *string `json:"description"`
	Why         *string `json:"why"`
	Blocking    *bool   `json:"blocking"`
}

type riskDraft struct {
	Impact       *int    `json:"impact"`
	Probability  *int    `json:"probability"`
	Description  *string `json:"description"`
	Irreversible *bool   `json:"irreversible"`
}

type actionDraft struct {
	Type      *string `json:"type"`
	Target    *string `json:"target"`
	Priority  *string `json:"priority"`
	Content   *string `json:"content"`
	Reasoning *string `json:"reasoning"`
}

// ParseStageOutput validates a raw answer for stage against the current
// snapshot. Every deviation from the expected shape is reported; nothing is
// coerced except a surrounding markdown code fence.
func ParseStageOutput(stage transition.Stage, content string, snap domain.Snapshot) Outcome {
	var env envelope
	if err := decodeStrict([]byte(stripFence(content)), &env); err != nil {
		return Outcome{Problems: []string{"response is not a valid stage document: " + err.Error()}}
	}
	p := &problems{}
	var out StageOutput

	if env.Entities == nil {
		p.add("entities: required array is missing")
	} else {
		entities := *env.Entities
		switch {
		case stage.Kind == "" && len(entities) > 0:
			p.add("entities: the %s stage must return an empty array", stage.Name)
		case len(entities) > MaxEntities:
			p.add("entities: %d entities exceed the limit of %d", len(entities), MaxEntities)
		case stage.Kind == domain.KindFact && len(entities) == 0:
			p.add("entities: at least one fact is required")
		default:
			for i, raw := range entities {
				parseEntity(stage.Kind, fmt.Sprintf("entities[%d]", i), raw, snap, &out, p)
			}
		}
	}

	if env.Trace == nil || len(*env.Trace) == 0 {
		p.add("trace: at least one item is required")
	} else {
		for i, raw := range *env.Trace {
			path := fmt.Sprintf("trace[%d]", i)
			var d traceDraft
			if err := decodeStrict(raw, &d); err != nil {
				p.add("%s: %v", path, err)
				continue
			}
			step := p.require(path, "step", d.Step)
			explanation := p.require(path, "explanation", d.Explanation)
			out.Trace = append(out.Trace, TraceItem{Step: step, Explanation: explanation})
		}
	}

	level, err := uncertainty.Parse(env.Uncertainty)
	if err != nil {
		p.add("uncertainty_level: %v", err)
	}
	out.Uncertainty = level

	if len(*p) > 0 {
		return Outcome{Problems: *p}
	}
	return Outcome{Output: out}
}

func parseEntity(kind, path string, raw json.RawMessage, snap domain.Snapshot, out *StageOutput, p *problems) {
	switch kind {
	case domain.KindFact:
		var d factDraft
		if err := decodeStrict(raw, &d); err != nil {
			p.add("%s: %v", path, err)
			return
		}
		f := domain.Fact{
			Label:  p.require(path, "label", d.Label),
			Value:  p.require(path, "value", d.Value),
			Source: domain.FactSource(p.require(path, "source", d.Source)),
		}
		if f.Source != "" && !f.Source.Valid() {
			p.add("%s.source: unknown value %q", path, f.Source)
		}
		out.Facts = append(out.Facts, f)

	case domain.KindContext:
		var d contextDraft
		if err := decodeStrict(raw, &d); err != nil {
			p.add("%s: %v", path, err)
			return
		}
		c := domain.Context{
			Type:           domain.ContextType(p.require(path, "type", d.Type)),
			CertaintyLevel: domain.Certainty(p.require(path, "certainty_level", d.CertaintyLevel)),
			Description:    p.require(path, "description", d.Description),
			Reasoning:      optional(d.Reasoning),
		}
		if c.Type != "" && !c.Type.Valid() {
			p.add("%s.type: unknown value %q", path, c.Type)
		}
		if c.CertaintyLevel != "" && !c.CertaintyLevel.Valid() {
			p.add("%s.certainty_level: unknown value %q", path, c.CertaintyLevel)
		}
		out.Contexts = append(out.Contexts, c)

	case domain.KindObligation:
		var d obligationDraft
		if err := decodeStrict(raw, &d); err != nil {
			p.add("%s: %v", path, err)
			return
		}
		o := domain.Obligation{
			ContextID:   p.require(path, "context_id", d.ContextID),
			Mandatory:   p.requireBool(path, "mandatory", d.Mandatory),
			Description: p.require(path, "description", d.Description),
			Critical:    p.requireBool(path, "critical", d.Critical),
			DeducedBy:   domain.AuthorAI,
		}
		if o.ContextID != "" && !snap.HasContext(o.ContextID) {
			p.add("%s.context_id: %q is not a context of this workspace", path, o.ContextID)
		}
		if v := optional(d.Deadline); v != "" {
			if !validDeadline(v) {
				p.add("%s.deadline: %q is not a date (YYYY-MM-DD) or RFC 3339 timestamp", path, v)
			}
			o.Deadline = &v
		}
		if v := optional(d.LegalRef); v != "" {
			o.LegalRef = &v
		}
		out.Obligations = append(out.Obligations, o)

	case domain.KindMissingElement:
		var d missingDraft
		if err := decodeStrict(raw, &d); err != nil {
			p.add("%s: %v", path, err)
			return
		}
		out.MissingElements = append(out.MissingElements, domain.MissingElement{
			Type:        p.require(path, "type", d.Type),
			Description: p.require(path, "description", d.Description),
			Why:         p.require(path, "why", d.Why),
			Blocking:    p.requireBool(path, "blocking", d.Blocking),
		})

	case domain.KindRisk:
		var d riskDraft
		if err := decodeStrict(raw, &d); err != nil {
			p.add("%s: %v", path, err)
			return
		}
		r := domain.Risk{
			Impact:       p.requireFactor(path, "impact", d.Impact),
			Probability:  p.requireFactor(path, "probability", d.Probability),
			Description:  p.require(path, "description", d.Description),
			Irreversible: p.requireBool(path, "irreversible", d.Irreversible),
		}
		r.RiskScore = domain.Score(r.Impact, r.Probability)
		out.Risks = append(out.Risks, r)

	case domain.KindAction:
		var d actionDraft
		if err := decodeStrict(raw, &d); err != nil {
			p.add("%s: %v", path, err)
			return
		}
		a := domain.ProposedAction{
			Type:       domain.ActionType(p.require(path, "type", d.Type)),
			Target:     domain.ActionTarget(p.require(path, "target", d.Target)),
			Priority:   domain.Priority(p.require(path, "priority", d.Priority)),
			Content:    p.require(path, "content", d.Content),
			Reasoning:  optional(d.Reasoning),
			ProposedBy: domain.AuthorAI,
		}
		if a.Type != "" && !a.Type.Valid() {
			p.add("%s.type: unknown value %q", path, a.Type)
		}
		if a.Target != "" && !a.Target.Valid() {
			p.add("%s.target: unknown value %q", path, a.Target)
		}
		if a.Priority != "" && !a.Priority.Valid() {
			p.add("%s.priority: unknown value %q", path, a.Priority)
		}
		out.Actions = append(out.Actions, a)

	default:
		p.add("%s: stage does not accept entities", path)
	}
}

type problems []string

func (p *problems) add(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p *problems) require(path, field string, v *string) string {
	if v == nil || strings.TrimSpace(*v) == "" {
		p.add("%s.%s: required", path, field)
		return ""
	}
	return strings.TrimSpace(*v)
}

func (p *problems) requireBool(path, field string, v *bool) bool {
	if v == nil {
		p.add("%s.%s: required boolean", path, field)
		return false
	}
	return *v
}

func (p *problems) requireFactor(path, field string, v *int) int {
	if v == nil {
		p.add("%s.%s: required integer 1..3", path, field)
		return 0
	}
	if !domain.ValidRiskFactor(*v) {
		p.add("%s.%s: %d not in 1..3", path, field, *v)
	}
	return *v
}

func optional(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}

func validDeadline(v string) bool {
	if _, err := time.Parse("2006-01-02", v); err == nil {
		return true
	}
	_, err := time.Parse(time.RFC3339, v)
	return err == nil
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after the JSON value")
	}
	return nil
}

// stripFence removes a ```json ... ``` wrapper some models add.
func stripFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return s
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
