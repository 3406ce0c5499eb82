package agent

import (
	"context"
	"fmt"
	"log"

	"github.com/talentframe/interview-agent/internal/actions"
	"github.com/talentframe/interview-agent/internal/flow"
	"github.com/talentframe/interview-agent/internal/llm"
)

// Orchestrator drives the interview state machine: it owns the current node,
// injects the active node's instructions into the conversation, advertises
// the node's actions as the only legal tool invocations, and applies the
// transitions handlers emit.
//
// All mutation is synchronous bookkeeping performed between the session's
// suspension points; exactly one turn is in flight at a time.
type Orchestrator struct {
	graph     *flow.Graph
	registry  *actions.Registry
	state     *actions.SessionState
	convo     *Conversation
	messenger actions.Messenger

	// onTerminate fires once when a node carrying the end_conversation
	// post-action is reached.
	onTerminate func()
	terminated  bool
}

// NewOrchestrator validates the flow against the registry and returns an
// orchestrator bound to it. An unresolvable handler reference or any other
// structural fault is a configuration error, fatal here rather than at call
// time.
func NewOrchestrator(g *flow.Graph, reg *actions.Registry, state *actions.SessionState, convo *Conversation, messenger actions.Messenger, onTerminate func()) (*Orchestrator, error) {
	if err := flow.Validate(g, reg); err != nil {
		return nil, err
	}
	return &Orchestrator{
		graph:       g,
		registry:    reg,
		state:       state,
		convo:       convo,
		messenger:   messenger,
		onTerminate: onTerminate,
	}, nil
}

// Start activates the flow's initial node.
func (o *Orchestrator) Start() {
	o.activate(o.graph.InitialNode)
}

// CurrentNode returns the active node identifier.
func (o *Orchestrator) CurrentNode() string { return o.state.CurrentNode() }

// Terminated reports whether the terminal post-action has fired.
func (o *Orchestrator) Terminated() bool { return o.terminated }

// Tools advertises the active node's actions for the next LLM turn.
func (o *Orchestrator) Tools() []llm.Tool {
	node, ok := o.graph.Node(o.state.CurrentNode())
	if !ok {
		return nil
	}
	tools := make([]llm.Tool, 0, len(node.Actions))
	for _, a := range node.Actions {
		tools = append(tools, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        a.Name,
				Description: a.Description,
				Parameters:  a.Parameters,
			},
		})
	}
	return tools
}

// HandleToolCall validates and executes one LLM tool invocation, applies the
// resulting transition, and returns the payload to report back to the model.
// Every failure mode is contained here: an unknown action, malformed
// arguments, or a handler fault becomes an error payload and a no-op turn,
// never a crash of the live conversation.
func (o *Orchestrator) HandleToolCall(ctx context.Context, call llm.ToolCall) map[string]any {
	current := o.state.CurrentNode()
	node, ok := o.graph.Node(current)
	if !ok {
		log.Printf("[%s] tool call %q with no active node", o.state.SessionID, call.Function.Name)
		return map[string]any{"error": "no active interview stage"}
	}

	spec, ok := node.Action(call.Function.Name)
	if !ok {
		log.Printf("[%s] rejected tool call %q: not in node %q action set", o.state.SessionID, call.Function.Name, current)
		return map[string]any{"error": fmt.Sprintf("action %q is not available at this stage", call.Function.Name)}
	}

	args, err := actions.ValidateArgs(spec, call.Function.Arguments)
	if err != nil {
		log.Printf("[%s] node %q action %q: %v", o.state.SessionID, current, spec.Name, err)
		return map[string]any{"error": err.Error()}
	}

	handler, ok := o.registry.Resolve(spec.Handler)
	if !ok {
		// Validation at construction makes this unreachable; guard anyway.
		log.Printf("[%s] node %q action %q: handler %q vanished", o.state.SessionID, current, spec.Name, spec.Handler)
		return map[string]any{"error": "action handler unavailable"}
	}

	inv := &actions.Invocation{
		Graph:     o.graph,
		Node:      current,
		Spec:      spec,
		State:     o.state,
		Messenger: o.messenger,
	}
	res, err := o.invoke(ctx, handler, inv, args)
	if err != nil {
		log.Printf("[%s] node %q handler %q failed: %v", o.state.SessionID, current, spec.Handler, err)
		return map[string]any{"error": "action failed; continue the conversation"}
	}

	switch {
	case res.Next.Stay:
		log.Printf("[%s] node %q: handler chose to stay", o.state.SessionID, current)
	case res.Next.To != "":
		o.transition(current, res.Next.To)
	}

	if res.Ack == nil {
		res.Ack = map[string]any{"status": "ok"}
	}
	return res.Ack
}

// invoke runs a handler with a recovery boundary so a panicking handler
// cannot take down the pipeline.
func (o *Orchestrator) invoke(ctx context.Context, h actions.Handler, inv *actions.Invocation, args map[string]any) (res actions.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, inv, args)
}

// transition leaves the current node, running its post-actions, and
// activates the target.
func (o *Orchestrator) transition(from, to string) {
	if _, ok := o.graph.Node(to); !ok {
		log.Printf("[%s] node %q: transition target %q missing, staying", o.state.SessionID, from, to)
		return
	}
	if node, ok := o.graph.Node(from); ok {
		o.runPostActions(from, node)
	}
	log.Printf("[%s] transition %q -> %q", o.state.SessionID, from, to)
	o.activate(to)
}

// activate applies a node's entry effect: the node becomes current, and its
// task messages are appended as new system instructions for the next turn.
// Reaching the terminal node fires its termination post-action.
func (o *Orchestrator) activate(id string) {
	node, ok := o.graph.Node(id)
	if !ok {
		log.Printf("[%s] cannot activate unknown node %q", o.state.SessionID, id)
		return
	}
	o.state.SetCurrentNode(id)
	for _, m := range node.TaskMessages {
		o.convo.AppendSystem(m.Content)
	}
	if node.Terminal() {
		o.runPostActions(id, node)
	}
}

func (o *Orchestrator) runPostActions(id string, node *flow.NodeSpec) {
	for _, p := range node.PostActions {
		switch p.Type {
		case flow.PostActionEndConversation:
			if !o.terminated {
				o.terminated = true
				log.Printf("[%s] node %q: end_conversation post-action fired", o.state.SessionID, id)
				if o.onTerminate != nil {
					o.onTerminate()
				}
			}
		default:
			log.Printf("[%s] node %q: unknown post-action %q ignored", o.state.SessionID, id, p.Type)
		}
	}
}
