package flow

import "fmt"

// HandlerResolver reports whether a handler name is registered. The action
// registry satisfies it.
type HandlerResolver interface {
	Known(name string) bool
}

// Validate checks a flow graph for structural soundness before a session may
// use it. Generated flows are never silently repaired: the first violation is
// returned as an error naming the offending node and field, and the flow is
// rejected.
//
// A valid flow has an initial node present in the node set, a terminal node
// declaring end_conversation, and on every non-terminal node: at least one
// task message, a non-empty action list, handler references resolvable in
// the registry, and on every action a transition target present in the node
// set. Handlers may still steer elsewhere at runtime; the declared target is
// the default.
func Validate(g *Graph, handlers HandlerResolver) error {
	if g.InitialNode == "" {
		return fmt.Errorf("flow: initial_node is empty")
	}
	if _, ok := g.Node(g.InitialNode); !ok {
		return fmt.Errorf("flow: initial_node %q not present in nodes", g.InitialNode)
	}

	terminal := g.TerminalNode()
	if terminal == "" {
		return fmt.Errorf("flow: no terminal node declares an %s post-action", PostActionEndConversation)
	}

	for _, id := range g.order {
		n, _ := g.Node(id)
		if len(n.TaskMessages) == 0 {
			return fmt.Errorf("flow: node %q: task_messages is empty", id)
		}
		for i, m := range n.TaskMessages {
			if m.Content == "" {
				return fmt.Errorf("flow: node %q: task_messages[%d] has empty content", id, i)
			}
		}
		if n.Terminal() {
			// The terminal node dwell: no outgoing transitions required.
			continue
		}
		if len(n.Actions) == 0 {
			return fmt.Errorf("flow: node %q: no actions declared", id)
		}
		for _, a := range n.Actions {
			if a.Name == "" {
				return fmt.Errorf("flow: node %q: action with empty name", id)
			}
			if a.Handler == "" {
				return fmt.Errorf("flow: node %q: action %q: handler is empty", id, a.Name)
			}
			if handlers != nil && !handlers.Known(a.Handler) {
				return fmt.Errorf("flow: node %q: action %q: handler %q not registered", id, a.Name, a.Handler)
			}
			if a.TransitionTo == "" {
				return fmt.Errorf("flow: node %q: action %q: transition_to is empty", id, a.Name)
			}
			if _, ok := g.Node(a.TransitionTo); !ok {
				return fmt.Errorf("flow: node %q: action %q: transition_to %q not present in nodes", id, a.Name, a.TransitionTo)
			}
		}
	}
	return nil
}
