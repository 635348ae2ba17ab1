package llm

import "context"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a chat conversation. Assistant turns obtained from a
// ChatResponse carry a provider-specific echo so tool-call turns round-trip
// exactly; hand-built messages don't need one.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string
	echo       any
}

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ToolResultMessage reports one tool invocation's output back to the model.
func ToolResultMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolDef describes a callable function offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// ChatRequest is one chat-completion call.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolDef
}

// ChatResponse is the model's reply: final text, requested tool calls, and
// token accounting.
type ChatResponse struct {
	Content          string
	ToolCalls        []ToolCall
	Model            string
	PromptTokens     int
	CompletionTokens int

	echo any
}

// AssistantMessage converts the response into the assistant turn to append to
// the conversation before tool results.
func (r ChatResponse) AssistantMessage() Message {
	return Message{Role: RoleAssistant, Content: r.Content, echo: r.echo}
}

// TokensUsed is the total token count of the exchange.
func (r ChatResponse) TokensUsed() int {
	return r.PromptTokens + r.CompletionTokens
}

// Provider is a chat-completion backend.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ModelName() string
}
