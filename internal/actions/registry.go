// Package actions implements the registry of handler functions bound to flow
// action names, the handler contract, and the built-in interview handlers.
// The registry is read-only shared configuration across sessions; all
// per-session mutable state reaches a handler through the Invocation.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/talentframe/interview-agent/internal/flow"
)

// Transition is a handler's next-node directive. The zero value means the
// handler issued no directive; Stay marks a deliberate decision to remain on
// the current node, which is distinct from issuing nothing.
type Transition struct {
	To   string
	Stay bool
}

// Result is what a handler returns: an acknowledgement payload delivered
// back to the LLM as the tool-call result, and the transition directive.
type Result struct {
	Ack  map[string]any
	Next Transition
}

// Invocation carries everything a handler may read or mutate for one call.
type Invocation struct {
	Graph     *flow.Graph
	Node      string
	Spec      flow.ActionSpec
	State     *SessionState
	Messenger Messenger
}

// Handler executes the domain logic bound to one action name. Handlers must
// not block indefinitely; any external call they make is best-effort.
type Handler func(ctx context.Context, inv *Invocation, args map[string]any) (Result, error)

// Registry maps handler names to functions. It is populated once at startup
// and read concurrently afterwards.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler name. Rebinding an existing name is a programming
// error and panics at startup rather than shadowing silently.
func (r *Registry) Register(name string, h Handler) {
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("actions: handler %q registered twice", name))
	}
	r.handlers[name] = h
}

// Resolve returns the handler bound to name.
func (r *Registry) Resolve(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Known reports whether a handler name is registered. Satisfies
// flow.HandlerResolver so the validator can fail closed at load time.
func (r *Registry) Known(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Default builds the registry of built-in interview handlers.
func Default() *Registry {
	r := NewRegistry()
	r.Register("advance", Advance)
	r.Register("assess_skill", AssessSkill)
	r.Register("present_code_editor", PresentCodeEditor)
	r.Register("present_notebook", PresentNotebook)
	r.Register("record_coding_problem", LegacyCodingProblem)
	return r
}

// ValidateArgs parses the LLM-supplied argument string and validates it
// against the action's declared parameter schema. A violation is returned as
// an error for the LLM, not treated as a crash.
func ValidateArgs(spec flow.ActionSpec, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("action %q: arguments are not a JSON object: %w", spec.Name, err)
	}
	if len(spec.Parameters) == 0 {
		return args, nil
	}
	res, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(spec.Parameters),
		gojsonschema.NewStringLoader(raw),
	)
	if err != nil {
		// A broken schema is a flow-definition fault; reject the call but
		// leave the conversation alive.
		log.Printf("actions: schema for %q unusable: %v", spec.Name, err)
		return nil, fmt.Errorf("action %q: parameter schema unusable", spec.Name)
	}
	if !res.Valid() {
		var faults []string
		for _, e := range res.Errors() {
			faults = append(faults, e.String())
		}
		return nil, fmt.Errorf("action %q: invalid arguments: %s", spec.Name, strings.Join(faults, "; "))
	}
	return args, nil
}

// Argument accessors. LLM tool-call arguments arrive as generic JSON; these
// keep the coercion rules in one place instead of duck-typing inside each
// handler.

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func boolArg(args map[string]any, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

func floatArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
