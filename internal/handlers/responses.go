package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mitchellh/mapstructure"

	"github.com/memohai/clibridge/internal/bridge"
	"github.com/memohai/clibridge/internal/chat"
	"github.com/memohai/clibridge/internal/conversation"
	"github.com/memohai/clibridge/internal/session"
)

// ResponsesRequest is the body of POST /v1/responses. Either messages or input
// must be present; input is a string or a list of loosely typed items.
type ResponsesRequest struct {
	conversation.ChatCompletionRequest
	Messages        []conversation.Message `json:"messages,omitempty"`
	Input           any                    `json:"input,omitempty"`
	Instructions    string                 `json:"instructions,omitempty"`
	MaxOutputTokens *int                   `json:"max_output_tokens,omitempty"`
}

// inputItem is the subset of a Responses API input item the bridge reads.
type inputItem struct {
	Type    string `mapstructure:"type"`
	Role    string `mapstructure:"role"`
	Text    string `mapstructure:"text"`
	Content any    `mapstructure:"content"`
}

// contentItem is one part of a message item's content list.
type contentItem struct {
	Type     string `mapstructure:"type"`
	Text     string `mapstructure:"text"`
	ImageURL string `mapstructure:"image_url"`
	FileID   string `mapstructure:"file_id"`
	FileData string `mapstructure:"file_data"`
	Filename string `mapstructure:"filename"`
}

type ResponsesHandler struct {
	bridge   *bridge.Bridge
	sessions *session.Resolver
	logger   *slog.Logger
}

func NewResponsesHandler(log *slog.Logger, b *bridge.Bridge, sessions *session.Resolver) *ResponsesHandler {
	return &ResponsesHandler{
		bridge:   b,
		sessions: sessions,
		logger:   log.With(slog.String("handler", "responses")),
	}
}

func (h *ResponsesHandler) Register(e *echo.Echo) {
	e.POST("/v1/responses", h.Create)
}

// Create handles POST /v1/responses.
func (h *ResponsesHandler) Create(c echo.Context) error {
	var body ResponsesRequest
	if err := c.Bind(&body); err != nil {
		return invalidRequest(err.Error(), "")
	}
	req, err := body.ChatRequest()
	if err != nil {
		return invalidRequest(err.Error(), "input")
	}
	if len(req.Messages) == 0 {
		return invalidRequest("Invalid messages or input", "input")
	}

	turn := newTurn(c.Request().Context(), h.sessions, req)
	if req.Stream {
		inv := h.bridge.Start(c.Request().Context(), turn.request())
		return streamInvocation(c, h.logger, inv, turn, false)
	}

	completion, err := h.bridge.Collect(c.Request().Context(), turn.request())
	if err != nil {
		h.logger.Error("response failed", slog.Any("error", err))
		return bridgeError(err)
	}
	turn.commit(c.Request().Context(), h.logger, completion, completion.Text)
	return c.JSON(http.StatusOK, chat.NewResponse(completion.ID, completion.Model, completion.Text, completion.Usage(), completion.ToolCalls))
}

// ChatRequest converts the body into a chat request. Explicit messages win
// over input.
func (r ResponsesRequest) ChatRequest() (conversation.ChatCompletionRequest, error) {
	req := r.ChatCompletionRequest
	req.Messages = r.Messages
	if r.MaxOutputTokens != nil && req.MaxCompletionTokens == nil {
		req.MaxCompletionTokens = r.MaxOutputTokens
	}
	if len(req.Messages) == 0 && r.Input != nil {
		msgs, err := normalizeInput(r.Input)
		if err != nil {
			return req, err
		}
		req.Messages = msgs
	}
	if r.Instructions != "" && len(req.Messages) > 0 {
		system := conversation.Message{Role: conversation.RoleSystem, Content: conversation.NewTextContent(r.Instructions)}
		req.Messages = append([]conversation.Message{system}, req.Messages...)
	}
	return req, nil
}

func normalizeInput(input any) ([]conversation.Message, error) {
	items, ok := input.([]any)
	if !ok {
		items = []any{input}
	}
	out := make([]conversation.Message, 0, len(items))
	for _, raw := range items {
		msg, err := normalizeItem(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func normalizeItem(raw any) (conversation.Message, error) {
	user := func(text string) conversation.Message {
		return conversation.Message{Role: conversation.RoleUser, Content: conversation.NewTextContent(text)}
	}
	if s, ok := raw.(string); ok {
		return user(s), nil
	}

	var item inputItem
	if err := mapstructure.Decode(raw, &item); err != nil {
		encoded, jerr := json.Marshal(raw)
		if jerr != nil {
			return conversation.Message{}, jerr
		}
		return user(string(encoded)), nil
	}

	switch {
	case item.Type == "input_text":
		return user(item.Text), nil
	case item.Role != "" && item.Content != nil:
		content, err := json.Marshal(convertContent(item.Content))
		if err != nil {
			return conversation.Message{}, err
		}
		return conversation.Message{Role: item.Role, Content: content}, nil
	default:
		encoded, err := json.Marshal(raw)
		if err != nil {
			return conversation.Message{}, err
		}
		return user(string(encoded)), nil
	}
}

// convertContent maps Responses content parts onto chat completion parts.
// Strings and unrecognized shapes pass through unchanged.
func convertContent(content any) any {
	list, ok := content.([]any)
	if !ok {
		return content
	}
	parts := make([]conversation.ContentPart, 0, len(list))
	for _, raw := range list {
		var item contentItem
		if err := mapstructure.Decode(raw, &item); err != nil {
			return content
		}
		switch item.Type {
		case "input_text", "output_text", conversation.PartText:
			parts = append(parts, conversation.ContentPart{Type: conversation.PartText, Text: item.Text})
		case "input_image":
			parts = append(parts, conversation.ContentPart{Type: conversation.PartImageURL, ImageURL: &conversation.ImageURL{URL: item.ImageURL}})
		case "input_file":
			parts = append(parts, conversation.ContentPart{Type: conversation.PartFile, File: &conversation.FileRef{
				FileID: item.FileID, FileData: item.FileData, Filename: item.Filename,
			}})
		default:
			return content
		}
	}
	return parts
}
