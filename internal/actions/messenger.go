package actions

import (
	"context"
	"log"

	"github.com/google/uuid"
)

// Messenger delivers client-visible control messages (e.g. over the
// transport's data channel). Delivery is best-effort: handler code logs a
// failure and carries on with the turn.
type Messenger interface {
	SendControl(v any) error
}

// AssessmentMessage is the outbound "present assessment" control message.
type AssessmentMessage struct {
	Type    string            `json:"type"` // "code-editor" or "notebook"
	Payload AssessmentPayload `json:"payload"`
}

// AssessmentPayload describes the assessment surface the client should open.
type AssessmentPayload struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	OpenAssessment bool     `json:"open_assessment"`
	Language       string   `json:"language,omitempty"`
	StarterCode    string   `json:"starter_code,omitempty"`
	Cells          []string `json:"cells,omitempty"`
}

// Envelope is the generic outbound control message shape.
type Envelope struct {
	Label string `json:"label"`
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
}

// PresentCodeEditor pushes a code-editor assessment surface to the client UI
// and stays on the current node so the conversation can discuss the problem.
func PresentCodeEditor(_ context.Context, inv *Invocation, args map[string]any) (Result, error) {
	msg := AssessmentMessage{
		Type: "code-editor",
		Payload: AssessmentPayload{
			ID:             uuid.NewString(),
			Title:          stringArg(args, "title"),
			Description:    stringArg(args, "description"),
			OpenAssessment: true,
			Language:       stringArg(args, "language"),
			StarterCode:    stringArg(args, "starter_code"),
		},
	}
	deliver(inv, msg)
	return Result{
		Ack:  map[string]any{"status": "presented", "assessment_id": msg.Payload.ID},
		Next: Transition{Stay: true},
	}, nil
}

// PresentNotebook pushes a notebook assessment surface to the client UI.
func PresentNotebook(_ context.Context, inv *Invocation, args map[string]any) (Result, error) {
	var cells []string
	if raw, ok := args["cells"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				cells = append(cells, s)
			}
		}
	}
	msg := AssessmentMessage{
		Type: "notebook",
		Payload: AssessmentPayload{
			ID:             uuid.NewString(),
			Title:          stringArg(args, "title"),
			Description:    stringArg(args, "description"),
			OpenAssessment: true,
			Cells:          cells,
		},
	}
	deliver(inv, msg)
	return Result{
		Ack:  map[string]any{"status": "presented", "assessment_id": msg.Payload.ID},
		Next: Transition{Stay: true},
	}, nil
}

// deliver sends a control message if a messenger is wired, logging failures.
func deliver(inv *Invocation, v any) {
	if inv.Messenger == nil {
		return
	}
	if err := inv.Messenger.SendControl(v); err != nil {
		log.Printf("[%s] control message send failed: %v", inv.State.SessionID, err)
	}
}
