// Package chat holds the OpenAI-compatible wire shapes the bridge emits.
package chat

import "github.com/memohai/clibridge/internal/conversation"

// Object type constants.
const (
	ObjectChunk      = "chat.completion.chunk"
	ObjectCompletion = "chat.completion"
	ObjectResponse   = "response"
	ObjectModel      = "model"
	ObjectList       = "list"
)

// Finish reason constants.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// Chunk is one server-sent event of a streaming chat completion.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice carries the delta of a streaming choice. FinishReason is null
// until the final chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental content of a streaming choice.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a complete tool call delivered in a single delta.
type ToolCallDelta struct {
	Index    int                           `json:"index"`
	ID       string                        `json:"id"`
	Type     string                        `json:"type"`
	Function conversation.ToolCallFunction `json:"function"`
}

// Completion is the body of a non-streaming chat completion.
type Completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

// CompletionChoice is the single choice of a non-streaming completion.
type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// CompletionMessage is the assistant message of a completion. Content is null
// when the turn consists only of tool calls.
type CompletionMessage struct {
	Role      string                  `json:"role"`
	Content   *string                 `json:"content"`
	ToolCalls []conversation.ToolCall `json:"tool_calls,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

// PromptTokensDetails breaks down prompt usage.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// Response is the body of a non-streaming POST /v1/responses call.
type Response struct {
	ID         string           `json:"id"`
	Object     string           `json:"object"`
	CreatedAt  int64            `json:"created_at"`
	Model      string           `json:"model"`
	Status     string           `json:"status"`
	Output     []ResponseOutput `json:"output"`
	OutputText string           `json:"output_text"`
	Usage      *ResponseUsage   `json:"usage,omitempty"`
}

// ResponseOutput is either an assistant message or a function call item.
type ResponseOutput struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Role      string            `json:"role,omitempty"`
	Content   []ResponseContent `json:"content,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Arguments string            `json:"arguments,omitempty"`
}

// ResponseContent is one output_text part.
type ResponseContent struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Annotations []any  `json:"annotations"`
}

// ResponseUsage is the usage block of the Responses API.
type ResponseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Model is one entry of GET /v1/models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the body of GET /v1/models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorBody is the OpenAI error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}
