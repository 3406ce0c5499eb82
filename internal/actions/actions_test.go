package actions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/talentframe/interview-agent/internal/flow"
)

const testFlow = `{
  "initial_node": "introduction",
  "nodes": {
    "introduction": {
      "task_messages": [{"role": "system", "content": "Greet the candidate."}],
      "functions": [{"type": "function", "function": {
        "name": "begin_interview", "description": "Start.",
        "handler": "advance", "transition_to": "go_concurrency"}}]
    },
    "go_concurrency": {
      "task_messages": [{"role": "system", "content": "Assess concurrency."}],
      "functions": [{"type": "function", "function": {
        "name": "record_assessment", "description": "Record and route.",
        "parameters": {"type": "object", "properties": {"skill": {"type": "string"}, "confidence": {"type": "number"}}, "required": ["skill"]},
        "handler": "assess_skill", "transition_to": "sql"}}]
    },
    "sql": {
      "task_messages": [{"role": "system", "content": "Assess SQL."}],
      "functions": [{"type": "function", "function": {
        "name": "record_assessment", "description": "Record and route.",
        "handler": "assess_skill", "transition_to": "conclusion"}}]
    },
    "conclusion": {
      "task_messages": [{"role": "system", "content": "Wrap up."}],
      "functions": [{"type": "function", "function": {
        "name": "finish_interview", "description": "End.",
        "handler": "advance", "transition_to": "end"}}]
    },
    "end": {
      "task_messages": [{"role": "system", "content": "Goodbye."}],
      "post_actions": [{"type": "end_conversation"}]
    }
  }
}`

func testGraph(t *testing.T) *flow.Graph {
	t.Helper()
	g, err := flow.Load(strings.NewReader(testFlow))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return g
}

func invocationAt(t *testing.T, g *flow.Graph, node string) *Invocation {
	t.Helper()
	n, ok := g.Node(node)
	if !ok {
		t.Fatalf("node %q missing", node)
	}
	spec := flow.ActionSpec{}
	if len(n.Actions) > 0 {
		spec = n.Actions[0]
	}
	return &Invocation{
		Graph: g,
		Node:  node,
		Spec:  spec,
		State: NewSessionState("sess-1", 30*time.Minute),
	}
}

func TestValidateArgs(t *testing.T) {
	g := testGraph(t)
	n, _ := g.Node("go_concurrency")
	spec := n.Actions[0]

	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"skill": "go concurrency", "confidence": 0.8}`, false},
		{"missing_required", `{"confidence": 0.8}`, true},
		{"wrong_type", `{"skill": 42}`, true},
		{"not_an_object", `[1,2]`, true},
		{"empty_defaults_to_object", ``, true}, // skill is required
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateArgs(spec, tc.raw)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateArgs_NoSchemaPassesThrough(t *testing.T) {
	spec := flow.ActionSpec{Name: "free_form"}
	args, err := ValidateArgs(spec, `{"anything": true}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if args["anything"] != true {
		t.Fatalf("args not preserved: %v", args)
	}
}

func TestAdvance_UsesDeclaredTransition(t *testing.T) {
	g := testGraph(t)
	inv := invocationAt(t, g, "introduction")
	res, err := Advance(context.Background(), inv, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Next.To != "go_concurrency" || res.Next.Stay {
		t.Fatalf("transition: got %+v", res.Next)
	}
}

func TestAssessSkill_TimePressure(t *testing.T) {
	g := testGraph(t)
	cases := []struct {
		name     string
		args     map[string]any
		wantTo   string
		wantStay bool
	}{
		{
			name:   "low_time_overrides_readiness",
			args:   map[string]any{"skill": "go concurrency", "remaining_time_minutes": 4.0, "needs_deeper_assessment": true, "ready_for_next": false},
			wantTo: "conclusion",
		},
		{
			name:   "conclude_early_flag",
			args:   map[string]any{"skill": "go concurrency", "remaining_time_minutes": 25.0, "conclude_early": true},
			wantTo: "conclusion",
		},
		{
			name:     "deep_dive_stays",
			args:     map[string]any{"skill": "go concurrency", "remaining_time_minutes": 20.0, "needs_deeper_assessment": true, "ready_for_next": false},
			wantStay: true,
		},
		{
			name:   "ready_moves_to_next_unassessed",
			args:   map[string]any{"skill": "go concurrency", "remaining_time_minutes": 20.0, "ready_for_next": true},
			wantTo: "sql",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv := invocationAt(t, g, "go_concurrency")
			res, err := AssessSkill(context.Background(), inv, tc.args)
			if err != nil {
				t.Fatalf("assess: %v", err)
			}
			if tc.wantStay {
				if !res.Next.Stay || res.Next.To != "" {
					t.Fatalf("expected explicit stay, got %+v", res.Next)
				}
				return
			}
			if res.Next.To != tc.wantTo {
				t.Fatalf("transition: got %+v want %q", res.Next, tc.wantTo)
			}
		})
	}
}

func TestAssessSkill_SelectionIsMonotonic(t *testing.T) {
	g := testGraph(t)
	inv := invocationAt(t, g, "go_concurrency")
	args := map[string]any{"skill": "go concurrency", "remaining_time_minutes": 20.0, "ready_for_next": true}

	res, err := AssessSkill(context.Background(), inv, args)
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if res.Next.To != "sql" {
		t.Fatalf("first selection: got %+v", res.Next)
	}

	// Re-invoking with the same skill appends another record but never
	// re-selects an assessed node.
	res, err = AssessSkill(context.Background(), inv, args)
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if res.Next.To != "sql" {
		t.Fatalf("re-selection must skip assessed skills: got %+v", res.Next)
	}
	if got := len(inv.State.Assessments()); got != 2 {
		t.Fatalf("expected 2 log entries, got %d", got)
	}

	// After the last skill is assessed, selection falls to the conclusion.
	inv.Node = "sql"
	res, err = AssessSkill(context.Background(), inv, map[string]any{"skill": "sql", "remaining_time_minutes": 20.0, "ready_for_next": true})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if res.Next.To != "conclusion" {
		t.Fatalf("expected conclusion once all skills assessed, got %+v", res.Next)
	}
}

func TestAssessSkill_FallsBackToSessionClock(t *testing.T) {
	g := testGraph(t)
	inv := invocationAt(t, g, "go_concurrency")
	// Budget of 4 minutes with no explicit estimate: below the low-time
	// threshold, so the handler concludes.
	inv.State = NewSessionState("sess-2", 4*time.Minute)
	res, err := AssessSkill(context.Background(), inv, map[string]any{"skill": "go concurrency"})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if res.Next.To != "conclusion" {
		t.Fatalf("expected conclusion, got %+v", res.Next)
	}
}

type captureMessenger struct {
	sent []any
	err  error
}

func (m *captureMessenger) SendControl(v any) error {
	m.sent = append(m.sent, v)
	return m.err
}

func TestPresentCodeEditor_SendsAssessmentMessage(t *testing.T) {
	g := testGraph(t)
	inv := invocationAt(t, g, "go_concurrency")
	m := &captureMessenger{}
	inv.Messenger = m

	res, err := PresentCodeEditor(context.Background(), inv, map[string]any{
		"title": "Worker pool", "description": "Implement a bounded worker pool.", "language": "go",
	})
	if err != nil {
		t.Fatalf("present: %v", err)
	}
	if !res.Next.Stay {
		t.Fatalf("presentation must stay on the current node, got %+v", res.Next)
	}
	if len(m.sent) != 1 {
		t.Fatalf("expected 1 control message, got %d", len(m.sent))
	}
	msg, ok := m.sent[0].(AssessmentMessage)
	if !ok {
		t.Fatalf("unexpected message type %T", m.sent[0])
	}
	if msg.Type != "code-editor" || !msg.Payload.OpenAssessment || msg.Payload.ID == "" {
		t.Fatalf("bad assessment message: %+v", msg)
	}
	if res.Ack["assessment_id"] != msg.Payload.ID {
		t.Fatalf("ack does not echo assessment id")
	}
}

func TestPresentCodeEditor_MessengerFailureIsBestEffort(t *testing.T) {
	g := testGraph(t)
	inv := invocationAt(t, g, "go_concurrency")
	inv.Messenger = &captureMessenger{err: errors.New("channel closed")}
	if _, err := PresentCodeEditor(context.Background(), inv, map[string]any{"title": "x"}); err != nil {
		t.Fatalf("delivery failure must not fail the turn: %v", err)
	}
}

func TestLegacyCodingProblem_AdaptsArguments(t *testing.T) {
	g := testGraph(t)
	inv := invocationAt(t, g, "go_concurrency")
	m := &captureMessenger{}
	inv.Messenger = m

	_, err := LegacyCodingProblem(context.Background(), inv, map[string]any{
		"problem_title":       "Two Sum",
		"problem_description": "Classic warmup.",
		"starter_code":        "func twoSum() {}",
	})
	if err != nil {
		t.Fatalf("legacy adapter: %v", err)
	}
	msg := m.sent[0].(AssessmentMessage)
	if msg.Payload.Title != "Two Sum" || msg.Payload.StarterCode != "func twoSum() {}" {
		t.Fatalf("arguments not adapted: %+v", msg.Payload)
	}
}

func TestDefaultRegistry_KnownHandlers(t *testing.T) {
	r := Default()
	for _, name := range []string{"advance", "assess_skill", "present_code_editor", "present_notebook", "record_coding_problem"} {
		if !r.Known(name) {
			t.Fatalf("handler %q not registered", name)
		}
	}
	if r.Known("mystery") {
		t.Fatalf("unexpected handler registered")
	}
}
