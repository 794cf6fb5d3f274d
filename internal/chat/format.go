package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/clibridge/internal/conversation"
)

var now = time.Now

// NewCompletionID returns a fresh chat completion id.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// NewUsage builds an OpenAI usage block from the external program's counters.
// The cached breakdown is only present when some prompt tokens were cached.
func NewUsage(input, output, total, cached int) Usage {
	u := Usage{
		PromptTokens:     input,
		CompletionTokens: output,
		TotalTokens:      total,
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = input + output
	}
	if cached > 0 {
		u.PromptTokensDetails = &PromptTokensDetails{CachedTokens: cached}
	}
	return u
}

func newChunk(id, model string, delta Delta, finish *string) Chunk {
	return Chunk{
		ID:      id,
		Object:  ObjectChunk,
		Created: now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// RoleChunk opens a stream by announcing the assistant role.
func RoleChunk(id, model string) Chunk {
	return newChunk(id, model, Delta{Role: conversation.RoleAssistant}, nil)
}

// TextChunk carries a text delta.
func TextChunk(id, model, content string) Chunk {
	return newChunk(id, model, Delta{Content: content}, nil)
}

// ToolCallChunk carries one complete tool call at the given position among the
// calls of this completion.
func ToolCallChunk(id, model string, index int, call conversation.ToolCall) Chunk {
	return newChunk(id, model, Delta{ToolCalls: []ToolCallDelta{{
		Index:    index,
		ID:       call.ID,
		Type:     "function",
		Function: call.Function,
	}}}, nil)
}

// UsageChunk reports usage with an empty choice list, ahead of the finish chunk.
func UsageChunk(id, model string, usage Usage) Chunk {
	return Chunk{
		ID:      id,
		Object:  ObjectChunk,
		Created: now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{},
		Usage:   &usage,
	}
}

// FinishChunk closes the choice with tool_calls or stop.
func FinishChunk(id, model string, hasToolCalls bool) Chunk {
	reason := FinishReason(hasToolCalls)
	return newChunk(id, model, Delta{}, &reason)
}

// FinishReason maps the presence of tool calls to the OpenAI finish reason.
func FinishReason(hasToolCalls bool) string {
	if hasToolCalls {
		return FinishToolCalls
	}
	return FinishStop
}

// NewCompletion assembles a non-streaming completion.
func NewCompletion(id, model, content string, usage *Usage, toolCalls []conversation.ToolCall) Completion {
	msg := CompletionMessage{Role: conversation.RoleAssistant}
	if content != "" || len(toolCalls) == 0 {
		msg.Content = &content
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}
	c := Completion{
		ID:      id,
		Object:  ObjectCompletion,
		Created: now().Unix(),
		Model:   model,
		Choices: []CompletionChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: FinishReason(len(toolCalls) > 0),
		}},
	}
	if usage != nil {
		c.Usage = *usage
	}
	return c
}

// NewResponse assembles a Responses API object from a finished completion.
func NewResponse(id, model, content string, usage *Usage, toolCalls []conversation.ToolCall) Response {
	resp := Response{
		ID:         strings.Replace(id, "chatcmpl-", "resp_", 1),
		Object:     ObjectResponse,
		CreatedAt:  now().Unix(),
		Model:      model,
		Status:     "completed",
		OutputText: content,
		Output:     []ResponseOutput{},
	}
	if content != "" || len(toolCalls) == 0 {
		resp.Output = append(resp.Output, ResponseOutput{
			Type:   "message",
			ID:     "msg_" + strings.TrimPrefix(resp.ID, "resp_"),
			Status: "completed",
			Role:   conversation.RoleAssistant,
			Content: []ResponseContent{{
				Type:        "output_text",
				Text:        content,
				Annotations: []any{},
			}},
		})
	}
	for _, call := range toolCalls {
		resp.Output = append(resp.Output, ResponseOutput{
			Type:      "function_call",
			ID:        "fc_" + call.ID,
			Status:    "completed",
			CallID:    call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	if usage != nil {
		resp.Usage = &ResponseUsage{
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			TotalTokens:  usage.TotalTokens,
		}
	}
	return resp
}

// NewError builds an OpenAI error envelope.
func NewError(message, errType, param string) ErrorBody {
	body := ErrorBody{Error: ErrorDetail{Message: message, Type: errType}}
	if param != "" {
		body.Error.Param = &param
	}
	return body
}
