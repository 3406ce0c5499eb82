package agent

import (
	"encoding/json"
	"sync"

	"github.com/talentframe/interview-agent/internal/flow"
	"github.com/talentframe/interview-agent/internal/llm"
)

// Conversation is the ordered, role-tagged message context for one session.
// It is owned by the orchestrator; appends happen between suspension points
// of the single sequential turn chain, but a mutex still guards against the
// transport callbacks that read it during teardown.
type Conversation struct {
	mu   sync.Mutex
	msgs []llm.Message
}

// NewConversation creates the context seeded with the flow's persona
// instructions. Role messages are set once for the whole conversation.
func NewConversation(roleMessages []flow.Message) *Conversation {
	c := &Conversation{}
	for _, m := range roleMessages {
		c.msgs = append(c.msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return c
}

// AppendSystem injects a node's task instruction.
func (c *Conversation) AppendSystem(content string) {
	c.append(llm.Message{Role: "system", Content: content})
}

// AppendUser records a finalized candidate utterance.
func (c *Conversation) AppendUser(content string) {
	c.append(llm.Message{Role: "user", Content: content})
}

// AppendAssistant records what the assistant actually spoke this turn.
func (c *Conversation) AppendAssistant(content string) {
	c.append(llm.Message{Role: "assistant", Content: content})
}

// AppendToolCalls records the assistant's structured invocations so the
// model sees its own calls on the next request.
func (c *Conversation) AppendToolCalls(content string, calls []llm.ToolCall) {
	c.append(llm.Message{Role: "assistant", Content: content, ToolCalls: calls})
}

// AppendToolResult records a handler's acknowledgement payload as the result
// of the given tool call.
func (c *Conversation) AppendToolResult(callID, name string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(`{"error":"unencodable result"}`)
	}
	c.append(llm.Message{Role: "tool", Name: name, ToolCallID: callID, Content: string(body)})
}

func (c *Conversation) append(m llm.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

// Snapshot returns a copy of the full context for one LLM call.
func (c *Conversation) Snapshot() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// History returns the persistable transcript: user and assistant messages
// with spoken content, in original order. System instructions and tool-call
// scaffolding are filtered out.
func (c *Conversation) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []llm.Message
	for _, m := range c.msgs {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if m.Content == "" || len(m.ToolCalls) > 0 {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
