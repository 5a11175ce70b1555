package inference_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matterline/internal/domain"
	"matterline/internal/inference"
	"matterline/internal/transition"
)

func stage(t *testing.T, name string) transition.Stage {
	t.Helper()
	st, ok := transition.StageNamed(name)
	require.True(t, ok, name)
	return st
}

func TestParseFactsStage(t *testing.T) {
	content := `{"entities":[{"label":"sender","value":"tax office","source":"EXPLICIT_MESSAGE"}],
		"trace":[{"step":"read","explanation":"the letter names the sender"}],"uncertainty_level":0.8}`
	out := inference.ParseStageOutput(stage(t, "facts"), content, domain.Snapshot{})
	require.True(t, out.Valid(), out.Problems)
	require.Len(t, out.Output.Facts, 1)
	assert.Equal(t, "sender", out.Output.Facts[0].Label)
	assert.Equal(t, domain.FactSourceExplicitMessage, out.Output.Facts[0].Source)
	assert.Equal(t, 1, out.Output.Entities())
	assert.Equal(t, []inference.TraceItem{{Step: "read", Explanation: "the letter names the sender"}}, out.Output.Trace)
	assert.InDelta(t, 0.8, out.Output.Uncertainty, 1e-9)
}

func TestParseStripsCodeFence(t *testing.T) {
	content := "```json\n" + `{"entities":[],"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":0.2}` + "\n```"
	out := inference.ParseStageOutput(stage(t, "handoff"), content, domain.Snapshot{})
	require.True(t, out.Valid(), out.Problems)
	assert.Zero(t, out.Output.Entities())
}

func TestParseRejectsMalformedDocuments(t *testing.T) {
	cases := map[string]struct {
		stage   string
		content string
		want    string
	}{
		"not json":           {"facts", `I found two facts`, "not a valid stage document"},
		"unknown field":      {"facts", `{"entities":[],"trace":[],"uncertainty_level":0.5,"notes":"x"}`, "not a valid stage document"},
		"trailing data":      {"handoff", `{"entities":[],"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":0.5} {}`, "not a valid stage document"},
		"missing entities":   {"risks", `{"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":0.5}`, "entities: required"},
		"no facts":           {"facts", `{"entities":[],"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":0.5}`, "at least one fact"},
		"empty trace":        {"risks", `{"entities":[],"trace":[],"uncertainty_level":0.5}`, "trace: at least one"},
		"string level":       {"risks", `{"entities":[],"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":"0.5"}`, "uncertainty_level"},
		"null level":         {"risks", `{"entities":[],"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":null}`, "uncertainty_level"},
		"level out of range": {"risks", `{"entities":[],"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":1.5}`, "uncertainty_level"},
		"handoff entities":   {"handoff", `{"entities":[{"x":1}],"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":0.5}`, "must return an empty array"},
		"bad enum":           {"facts", `{"entities":[{"label":"a","value":"b","source":"RUMOUR"}],"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":0.5}`, "source: unknown value"},
		"risk factor":        {"risks", `{"entities":[{"impact":4,"probability":1,"description":"d","irreversible":false}],"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":0.5}`, "impact: 4 not in 1..3"},
		"missing bool":       {"missing_elements", `{"entities":[{"type":"doc","description":"d","why":"w"}],"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":0.5}`, "blocking: required"},
		"entity extra field": {"facts", `{"entities":[{"label":"a","value":"b","source":"METADATA","confidence":1}],"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":0.5}`, "unknown field"},
		"trace without step": {"risks", `{"entities":[],"trace":[{"explanation":"e"}],"uncertainty_level":0.5}`, "trace[0].step: required"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			out := inference.ParseStageOutput(stage(t, tc.stage), tc.content, domain.Snapshot{})
			require.False(t, out.Valid())
			assert.Contains(t, strings.Join(out.Problems, "\n"), tc.want)

			err := out.Err(tc.stage)
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.stage, verr.Stage)
			assert.True(t, errors.Is(err, domain.ErrValidation))
		})
	}
}

func TestParseObligationsChecksContextReference(t *testing.T) {
	snap := domain.Snapshot{Contexts: []domain.Context{{ID: "ctx-1"}}}
	valid := `{"entities":[{"context_id":"ctx-1","mandatory":true,"description":"pay","deadline":"2024-04-30","legal_ref":null,"critical":true}],
		"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":0.5}`
	out := inference.ParseStageOutput(stage(t, "obligations"), valid, snap)
	require.True(t, out.Valid(), out.Problems)
	ob := out.Output.Obligations[0]
	assert.Equal(t, domain.AuthorAI, ob.DeducedBy)
	require.NotNil(t, ob.Deadline)
	assert.Equal(t, "2024-04-30", *ob.Deadline)
	assert.Nil(t, ob.LegalRef)

	foreign := strings.Replace(valid, "ctx-1", "ctx-elsewhere", 1)
	out = inference.ParseStageOutput(stage(t, "obligations"), foreign, snap)
	require.False(t, out.Valid())
	assert.Contains(t, out.Problems[0], "not a context of this workspace")

	badDate := strings.Replace(valid, "2024-04-30", "next spring", 1)
	out = inference.ParseStageOutput(stage(t, "obligations"), badDate, snap)
	require.False(t, out.Valid())
	assert.Contains(t, out.Problems[0], "deadline")
}

func TestParseRiskScores(t *testing.T) {
	content := `{"entities":[{"impact":3,"probability":2,"description":"penalty","irreversible":true}],
		"trace":[{"step":"s","explanation":"e"}],"uncertainty_level":0.0000001}`
	out := inference.ParseStageOutput(stage(t, "risks"), content, domain.Snapshot{})
	require.True(t, out.Valid(), out.Problems)
	assert.Equal(t, 6, out.Output.Risks[0].RiskScore)
	assert.True(t, out.Output.Risks[0].Irreversible)
}

func TestDirectiveOverride(t *testing.T) {
	assert.Contains(t, inference.Directive("facts", nil), "Extract the facts")
	assert.Equal(t, "custom", inference.Directive("facts", map[string]string{"facts": " custom "}))
	assert.Contains(t, inference.CorrectiveDirective([]string{"trace: missing"}), "- trace: missing")
}

func TestEncodeSnapshotOmitsTraces(t *testing.T) {
	snap := domain.Snapshot{
		Workspace: domain.Workspace{ID: "ws-1", SourceRaw: "letter", CurrentState: domain.StateReceived, UncertaintyLevel: 1},
		Traces:    []domain.ReasoningTrace{{ID: "tr-1", Explanation: "secret"}},
	}
	raw, err := inference.EncodeSnapshot(snap)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"source_raw":"letter"`)
	assert.NotContains(t, string(raw), "secret")

	msgs := inference.Request{Preamble: inference.Preamble, Directive: "d", Snapshot: raw, Corrections: []string{"p"}}.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[1].Content, `"id":"ws-1"`)
	assert.Contains(t, msgs[2].Content, "- p")
}
