// Package flow defines the interview flow graph: named conversation stages,
// the actions legal within each stage, and the transitions between them.
// A graph is loaded once from a JSON definition and is immutable for the
// lifetime of a session.
package flow

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// NodeCategory classifies a node's role in the interview. Classification is
// a data property of the definition, resolved once at load time.
type NodeCategory string

const (
	CategoryIntroduction NodeCategory = "introduction"
	CategorySkill        NodeCategory = "skill"
	CategoryConclusion   NodeCategory = "conclusion"
	CategoryTerminal     NodeCategory = "terminal"
)

// PostActionType identifies a side effect run when a node is reached on exit
// from the previous stage.
type PostActionType string

// PostActionEndConversation terminates the session. The terminal node must
// declare it.
const PostActionEndConversation PostActionType = "end_conversation"

// PostAction is a declarative side effect attached to a node.
type PostAction struct {
	Type PostActionType `json:"type"`
}

// Message is a role-tagged instruction injected into the LLM context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ActionSpec declares one operation the LLM may invoke while its node is
// active. Parameters carries the raw JSON schema the LLM's arguments are
// validated against before the handler runs.
type ActionSpec struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Handler      string          `json:"handler"`
	TransitionTo string          `json:"transition_to,omitempty"`
}

// NodeSpec is one stage of the interview conversation.
type NodeSpec struct {
	Category     NodeCategory `json:"category,omitempty"`
	Skill        string       `json:"skill,omitempty"`
	RoleMessages []Message    `json:"role_messages,omitempty"`
	TaskMessages []Message    `json:"task_messages"`
	Actions      []ActionSpec `json:"-"`
	PostActions  []PostAction `json:"post_actions,omitempty"`
}

// actionEnvelope matches the on-disk {"type":"function","function":{...}}
// wrapper around each action.
type actionEnvelope struct {
	Type     string     `json:"type"`
	Function ActionSpec `json:"function"`
}

// UnmarshalJSON accepts both "functions" and "actions" as the key for the
// node's action list; generated and hand-authored flows disagree on the name.
func (n *NodeSpec) UnmarshalJSON(data []byte) error {
	type alias NodeSpec
	aux := struct {
		*alias
		Functions []actionEnvelope `json:"functions"`
		AltDecl   []actionEnvelope `json:"actions"`
	}{alias: (*alias)(n)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	envs := aux.Functions
	if len(envs) == 0 {
		envs = aux.AltDecl
	}
	n.Actions = n.Actions[:0]
	for _, e := range envs {
		n.Actions = append(n.Actions, e.Function)
	}
	return nil
}

// Action returns the node's action with the given name.
func (n *NodeSpec) Action(name string) (ActionSpec, bool) {
	for _, a := range n.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return ActionSpec{}, false
}

// Terminal reports whether the node carries an end_conversation post-action.
func (n *NodeSpec) Terminal() bool {
	for _, p := range n.PostActions {
		if p.Type == PostActionEndConversation {
			return true
		}
	}
	return false
}

// Graph is a directed graph of interview stages. Node order reflects the
// declaration order in the source document; skill nodes are visited in that
// order.
type Graph struct {
	InitialNode string
	nodes       map[string]*NodeSpec
	order       []string
}

// Node returns the spec for the given node identifier.
func (g *Graph) Node(id string) (*NodeSpec, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeOrder returns node identifiers in declaration order.
func (g *Graph) NodeOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// TerminalNode returns the identifier of the node declaring the
// end_conversation post-action, or "" if none exists.
func (g *Graph) TerminalNode() string {
	for _, id := range g.order {
		if g.nodes[id].Terminal() {
			return id
		}
	}
	return ""
}

// ConclusionNode returns the first node categorized as the conclusion stage,
// or "" if none exists.
func (g *Graph) ConclusionNode() string {
	for _, id := range g.order {
		if g.nodes[id].Category == CategoryConclusion {
			return id
		}
	}
	return ""
}

// SkillNodes returns skill-stage node identifiers in declaration order.
func (g *Graph) SkillNodes() []string {
	var out []string
	for _, id := range g.order {
		if g.nodes[id].Category == CategorySkill {
			out = append(out, id)
		}
	}
	return out
}

// NodeSkill returns the normalized skill name a node assesses. An explicit
// "skill" field in the definition wins; otherwise the node identifier is
// normalized.
func (g *Graph) NodeSkill(id string) string {
	n, ok := g.nodes[id]
	if !ok {
		return ""
	}
	if n.Skill != "" {
		return NormalizeSkill(n.Skill)
	}
	return NormalizeSkill(id)
}

// NormalizeSkill lowercases a skill name and collapses separators so log
// entries and node identifiers compare consistently.
func NormalizeSkill(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", " ")
	s = strings.ReplaceAll(s, "_", " ")
	return strings.Join(strings.Fields(s), " ")
}

// Load parses a flow definition document. Node declaration order is
// preserved. Structural validation is separate; see Validate.
func Load(r io.Reader) (*Graph, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("flow: read definition: %w", err)
	}

	var doc struct {
		InitialNode string                      `json:"initial_node"`
		Nodes       map[string]*json.RawMessage `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("flow: parse definition: %w", err)
	}

	order, err := nodeKeyOrder(raw)
	if err != nil {
		return nil, fmt.Errorf("flow: parse definition: %w", err)
	}

	g := &Graph{
		InitialNode: doc.InitialNode,
		nodes:       make(map[string]*NodeSpec, len(doc.Nodes)),
		order:       order,
	}
	for id, msg := range doc.Nodes {
		n := &NodeSpec{}
		if msg != nil {
			if err := json.Unmarshal(*msg, n); err != nil {
				return nil, fmt.Errorf("flow: node %q: %w", id, err)
			}
		}
		g.nodes[id] = n
	}
	g.resolveCategories()
	return g, nil
}

// LoadFile reads and parses a flow definition from disk.
func LoadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("flow: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// resolveCategories fills in missing node categories from structure: the
// terminal node carries end_conversation, the initial node is the
// introduction, a node transitioning into the terminal node is the
// conclusion, and everything else is a skill stage.
func (g *Graph) resolveCategories() {
	terminal := g.TerminalNode()
	for id, n := range g.nodes {
		if n.Category != "" {
			continue
		}
		switch {
		case n.Terminal():
			n.Category = CategoryTerminal
		case id == g.InitialNode:
			n.Category = CategoryIntroduction
		case terminal != "" && transitionsTo(n, terminal):
			n.Category = CategoryConclusion
		default:
			n.Category = CategorySkill
		}
	}
}

func transitionsTo(n *NodeSpec, target string) bool {
	for _, a := range n.Actions {
		if a.TransitionTo == target {
			return true
		}
	}
	return false
}

// nodeKeyOrder walks the raw document tokens to recover the declaration
// order of the "nodes" object keys, which encoding/json maps discard.
func nodeKeyOrder(raw []byte) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	// outer object
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		if key != "nodes" {
			// skip the value
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}
		// nodes object open brace
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		var order []string
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			name, _ := nameTok.(string)
			order = append(order, name)
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
		}
		return order, nil
	}
	return nil, nil
}
