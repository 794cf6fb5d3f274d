package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Response format type constants.
const (
	FormatText       = "text"
	FormatJSONObject = "json_object"
	FormatJSONSchema = "json_schema"
)

// ChatCompletionRequest is the options bag of POST /v1/chat/completions.
// Fields the bridge does not recognize are ignored by the decoder.
type ChatCompletionRequest struct {
	Model               string           `json:"model,omitempty"`
	Messages            []Message        `json:"messages" validate:"required,min=1,dive"`
	Stream              bool             `json:"stream,omitempty"`
	Tools               []ToolDefinition `json:"tools,omitempty" validate:"omitempty,dive"`
	ToolChoice          json.RawMessage  `json:"tool_choice,omitempty"`
	UseNativeTools      bool             `json:"use_native_tools,omitempty"`
	Temperature         *float64         `json:"temperature,omitempty"`
	TopP                *float64         `json:"top_p,omitempty"`
	MaxTokens           *int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int             `json:"max_completion_tokens,omitempty"`
	Stop                StopList         `json:"stop,omitempty"`
	ResponseFormat      *ResponseFormat  `json:"response_format,omitempty"`
	ConversationID      string           `json:"conversation_id,omitempty"`
}

// MaxOutputTokens prefers max_completion_tokens over the legacy max_tokens.
func (r ChatCompletionRequest) MaxOutputTokens() (int, bool) {
	if r.MaxCompletionTokens != nil {
		return *r.MaxCompletionTokens, true
	}
	if r.MaxTokens != nil {
		return *r.MaxTokens, true
	}
	return 0, false
}

// StructuredOutput reports whether the caller asked for a JSON-only reply.
func (r ChatCompletionRequest) StructuredOutput() bool {
	if r.ResponseFormat == nil {
		return false
	}
	switch r.ResponseFormat.Type {
	case FormatJSONObject, FormatJSONSchema:
		return true
	default:
		return false
	}
}

// ResponseFormat selects free text or structured JSON output.
type ResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// StopList accepts either a single stop string or an array of them.
type StopList []string

func (s *StopList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*s = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*s = nil
			return nil
		}
		*s = StopList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings: %w", err)
	}
	*s = StopList(many)
	return nil
}
