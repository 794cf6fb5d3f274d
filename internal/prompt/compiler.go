// Package prompt flattens an OpenAI conversation into the single prompt,
// system instruction and settings overlay the external program accepts.
package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/memohai/clibridge/internal/attachment"
	"github.com/memohai/clibridge/internal/conversation"
	"github.com/memohai/clibridge/internal/tempfile"
)

// ToolCallMarker prefixes every tool invocation the model writes as text.
const ToolCallMarker = "TOOL_CALL:"

// Overlay carries the per-request settings merged over the base settings file.
type Overlay struct {
	Generation       *genai.GenerateContentConfig
	ExcludeTools     []string
	StructuredOutput bool
}

// Compiled is the output of one compilation.
type Compiled struct {
	Prompt      string
	System      string
	Overlay     Overlay
	Attachments []string
}

// Compiler turns requests into Compiled prompts.
type Compiler struct {
	attachments *attachment.Resolver
	nativeTools []string
	logger      *slog.Logger
}

// NewCompiler creates a compiler. nativeTools is the denylist applied when a
// request does not opt into the external program's built-in tools.
func NewCompiler(log *slog.Logger, attachments *attachment.Resolver, nativeTools []string) *Compiler {
	if log == nil {
		log = slog.Default()
	}
	return &Compiler{
		attachments: attachments,
		nativeTools: append([]string(nil), nativeTools...),
		logger:      log.With(slog.String("service", "prompt")),
	}
}

// Compile builds the prompt for req. knownTurns is the number of messages the
// external session already holds; only the newer messages are rendered. A
// session that claims to hold the whole history gets the last non-system
// message again. Temp files created for attachments go to queue.
func (c *Compiler) Compile(ctx context.Context, req conversation.ChatCompletionRequest, knownTurns int, queue *tempfile.Queue) Compiled {
	messages := req.Messages
	tail := messages
	switch {
	case knownTurns <= 0:
	case knownTurns < len(messages):
		tail = messages[knownTurns:]
	default:
		tail = lastNonSystem(messages)
	}
	if knownTurns > 0 {
		c.logger.Debug("resuming conversation",
			slog.Int("known_turns", knownTurns),
			slog.Int("new_messages", len(tail)),
		)
	}

	var set attachment.Set
	parts := make([]string, 0, len(tail))
	for _, m := range tail {
		if m.IsSystem() {
			continue
		}
		parts = append(parts, c.renderMessage(ctx, m, queue, &set))
	}

	markers := set.Markers()
	prompt := strings.Join(append(append([]string{}, markers...), parts...), " ")

	return Compiled{
		Prompt:      prompt,
		System:      c.systemInstruction(req),
		Overlay:     c.overlay(req),
		Attachments: markers,
	}
}

func lastNonSystem(messages []conversation.Message) []conversation.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if !messages[i].IsSystem() {
			return messages[i : i+1]
		}
	}
	return nil
}

func (c *Compiler) renderMessage(ctx context.Context, m conversation.Message, queue *tempfile.Queue, set *attachment.Set) string {
	var content string
	if c.attachments != nil {
		content = c.attachments.Render(ctx, m, queue, set)
	} else {
		content = m.TextContent()
	}

	switch m.Role {
	case conversation.RoleTool:
		return fmt.Sprintf("Tool Result (id: %s): %s", m.ToolCallID, content)
	case conversation.RoleUser:
		return "User: " + content
	default:
		lines := make([]string, 0, len(m.ToolCalls)+1)
		if content != "" {
			lines = append(lines, content)
		}
		for _, call := range m.ToolCalls {
			lines = append(lines, FormatToolCall(call))
		}
		return "Assistant: " + strings.Join(lines, "\n")
	}
}

// systemInstruction joins system messages with the tool protocol and the JSON
// directive. It is empty when there is nothing to say.
func (c *Compiler) systemInstruction(req conversation.ChatCompletionRequest) string {
	var blocks []string
	for _, m := range req.Messages {
		if !m.IsSystem() {
			continue
		}
		if text := strings.TrimSpace(m.TextContent()); text != "" {
			blocks = append(blocks, text)
		}
	}
	if len(req.Tools) > 0 {
		choice := parseToolChoice(req.ToolChoice)
		if choice.mode != toolChoiceNone {
			blocks = append(blocks, toolProtocol(req.Tools, req.UseNativeTools, choice))
		}
	}
	if req.StructuredOutput() {
		blocks = append(blocks, jsonDirective(req.ResponseFormat))
	}
	return strings.Join(blocks, "\n\n")
}

func (c *Compiler) overlay(req conversation.ChatCompletionRequest) Overlay {
	var gen genai.GenerateContentConfig
	set := false
	if req.Temperature != nil {
		gen.Temperature = genai.Ptr(float32(*req.Temperature))
		set = true
	}
	if req.TopP != nil {
		gen.TopP = genai.Ptr(float32(*req.TopP))
		set = true
	}
	if n, ok := req.MaxOutputTokens(); ok && n > 0 {
		gen.MaxOutputTokens = int32(n)
		set = true
	}
	if len(req.Stop) > 0 {
		gen.StopSequences = append([]string(nil), req.Stop...)
		set = true
	}
	if req.StructuredOutput() {
		gen.ResponseMIMEType = "application/json"
		set = true
	}

	o := Overlay{StructuredOutput: req.StructuredOutput()}
	if set {
		o.Generation = &gen
	}
	if !req.UseNativeTools {
		o.ExcludeTools = append([]string(nil), c.nativeTools...)
	}
	return o
}

func toolProtocol(tools []conversation.ToolDefinition, useNative bool, choice toolChoice) string {
	var b strings.Builder
	b.WriteString("## Available Tools\n")
	b.WriteString("You have access to the following external tools. If you need to use them, output ONLY a JSON block in this format:\n")
	b.WriteString(ToolCallMarker + ` {"id": "unique_id", "name": "function_name", "arguments": "{\"arg1\": \"val\"}"}`)
	b.WriteString("\n\nTools:\n")
	for _, t := range tools {
		params := "{}"
		if len(bytes.TrimSpace(t.Function.Parameters)) > 0 {
			params = compactJSON(t.Function.Parameters)
		}
		desc := strings.TrimSuffix(strings.TrimSpace(t.Function.Description), ".")
		if desc == "" {
			fmt.Fprintf(&b, "- %s. Parameters: %s\n", t.Function.Name, params)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s. Parameters: %s\n", t.Function.Name, desc, params)
	}
	switch choice.mode {
	case toolChoiceRequired:
		b.WriteString("\nYou MUST call at least one of the tools above before answering.\n")
	case toolChoiceFunction:
		fmt.Fprintf(&b, "\nYou MUST call the tool %s before answering.\n", choice.name)
	}
	if !useNative {
		b.WriteString("\nIMPORTANT: Use ONLY the tools listed above. Do NOT use your native tools like Bash or Google Search.")
	}
	return strings.TrimRight(b.String(), "\n")
}

func jsonDirective(format *conversation.ResponseFormat) string {
	directive := "IMPORTANT: Respond ONLY with a single valid JSON value. Do not add explanations, prose or markdown code fences."
	if format != nil && format.Type == conversation.FormatJSONSchema && len(format.JSONSchema) > 0 {
		directive += "\nThe JSON must conform to this schema: " + compactJSON(format.JSONSchema)
	}
	return directive
}

// FormatToolCall renders a tool call in the same marker form the model is
// asked to produce, so replayed history matches what it would write itself.
func FormatToolCall(call conversation.ToolCall) string {
	payload := struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}{call.ID, call.Function.Name, call.Function.Arguments}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return ToolCallMarker + " {}"
	}
	return ToolCallMarker + " " + strings.TrimSpace(buf.String())
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

const (
	toolChoiceAuto = iota
	toolChoiceNone
	toolChoiceRequired
	toolChoiceFunction
)

type toolChoice struct {
	mode int
	name string
}

// parseToolChoice accepts "auto", "none", "required" or
// {"type":"function","function":{"name":...}}. Anything else means auto.
func parseToolChoice(raw json.RawMessage) toolChoice {
	if len(bytes.TrimSpace(raw)) == 0 {
		return toolChoice{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "none":
			return toolChoice{mode: toolChoiceNone}
		case "required":
			return toolChoice{mode: toolChoiceRequired}
		default:
			return toolChoice{}
		}
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return toolChoice{mode: toolChoiceFunction, name: obj.Function.Name}
	}
	return toolChoice{}
}
