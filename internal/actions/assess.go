package actions

import (
	"context"
	"log"
	"time"

	"github.com/talentframe/interview-agent/internal/flow"
)

// Time-pressure thresholds for the dynamic-transition handler, in minutes of
// remaining interview time.
const (
	// At or below this, the interview heads straight to the conclusion.
	lowTimeMinutes = 5.0
	// Above this, the handler may dwell on the current skill for more depth.
	deepDiveMinutes = 10.0
)

// assessmentSpan is the duration recorded per assessment entry. The source
// data does not carry real per-skill timing, so a fixed span is used.
const assessmentSpan = 5 * time.Minute

// Advance acknowledges the call and applies the action's declared static
// transition. Used by stages with a single fixed next step, such as the
// introduction and conclusion.
func Advance(_ context.Context, inv *Invocation, _ map[string]any) (Result, error) {
	return Result{
		Ack:  map[string]any{"status": "ok"},
		Next: Transition{To: inv.Spec.TransitionTo},
	}, nil
}

// AssessSkill is the generic dynamic-transition handler for skill stages.
// It records the supplied assessment, then decides the next stage from time
// pressure, readiness flags, and which skills remain unassessed:
//
//  1. Skill present in args: append an assessment log entry.
//  2. Remaining time at or below the low threshold, or conclude_early set:
//     go to the conclusion stage regardless of readiness.
//  3. Deeper assessment wanted, candidate not ready to move on, and time
//     above the high threshold: stay on the current node.
//  4. Otherwise: next unassessed skill node in flow order, or the
//     conclusion stage when none remain.
func AssessSkill(_ context.Context, inv *Invocation, args map[string]any) (Result, error) {
	state := inv.State

	skill := stringArg(args, "skill")
	if skill != "" {
		confidence, _ := floatArg(args, "confidence")
		state.RecordAssessment(AssessmentRecord{
			Skill:       skill,
			Proficiency: stringArg(args, "proficiency"),
			Confidence:  confidence,
			Insight:     stringArg(args, "insight"),
			Duration:    assessmentSpan,
		})
	}

	remaining, supplied := floatArg(args, "remaining_time_minutes")
	if !supplied {
		remaining = state.RemainingMinutes()
	}
	if pacing := stringArg(args, "pacing"); pacing != "" {
		log.Printf("[%s] pacing hint at node %q: %s (remaining=%.1fm)", state.SessionID, inv.Node, pacing, remaining)
	}

	if remaining <= lowTimeMinutes || boolArg(args, "conclude_early") {
		return Result{
			Ack:  map[string]any{"status": "recorded", "next_stage": "conclusion", "reason": "time"},
			Next: Transition{To: concludeTarget(inv.Graph)},
		}, nil
	}

	if boolArg(args, "needs_deeper_assessment") && !boolArg(args, "ready_for_next") && remaining > deepDiveMinutes {
		return Result{
			Ack:  map[string]any{"status": "recorded", "next_stage": "current", "reason": "deeper assessment"},
			Next: Transition{Stay: true},
		}, nil
	}

	if next := nextUnassessedSkill(inv.Graph, state); next != "" {
		return Result{
			Ack:  map[string]any{"status": "recorded", "next_stage": next},
			Next: Transition{To: next},
		}, nil
	}
	return Result{
		Ack:  map[string]any{"status": "recorded", "next_stage": "conclusion"},
		Next: Transition{To: concludeTarget(inv.Graph)},
	}, nil
}

// nextUnassessedSkill picks the first skill node, in flow declaration order,
// whose normalized skill name is absent from the assessment log. Selection
// never revisits a completed skill.
func nextUnassessedSkill(g *flow.Graph, state *SessionState) string {
	for _, id := range g.SkillNodes() {
		if !state.Assessed(g.NodeSkill(id)) {
			return id
		}
	}
	return ""
}

// concludeTarget is the conclusion stage, falling back to the terminal node
// for flows with no distinct conclusion.
func concludeTarget(g *flow.Graph) string {
	if id := g.ConclusionNode(); id != "" {
		return id
	}
	return g.TerminalNode()
}

// LegacyCodingProblem adapts the old-style coding-problem argument shape
// (problem_title, problem_description, starter_code) onto the code-editor
// presentation handler. Kept as an explicit adapter at the registry boundary
// so older generated flows keep working.
func LegacyCodingProblem(ctx context.Context, inv *Invocation, args map[string]any) (Result, error) {
	adapted := map[string]any{
		"title":        stringArg(args, "problem_title"),
		"description":  stringArg(args, "problem_description"),
		"starter_code": stringArg(args, "starter_code"),
		"language":     stringArg(args, "language"),
	}
	if adapted["title"] == "" {
		adapted["title"] = stringArg(args, "title")
	}
	if adapted["description"] == "" {
		adapted["description"] = stringArg(args, "description")
	}
	return PresentCodeEditor(ctx, inv, adapted)
}
