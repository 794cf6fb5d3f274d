package bridge

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/memohai/clibridge/internal/conversation"
	"github.com/memohai/clibridge/internal/prompt"
)

// State is the tool call reconstruction state of a Translator.
type State int

const (
	// StateText passes content through as text deltas.
	StateText State = iota
	// StateBufferingToolCall accumulates a marker-prefixed JSON fragment.
	StateBufferingToolCall
)

func (s State) String() string {
	if s == StateBufferingToolCall {
		return "buffering_tool_call"
	}
	return "text"
}

// DeltaKind distinguishes text from tool call deltas.
type DeltaKind int

const (
	DeltaText DeltaKind = iota
	DeltaToolCall
)

// Delta is one translated unit of output, in source order.
type Delta struct {
	Kind     DeltaKind
	Text     string
	ToolCall conversation.ToolCall
	// Index is the position of ToolCall among the calls of this invocation.
	Index int
}

// Stats is the usage block of the external program's result event.
type Stats struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Cached       int
}

// Translator turns stream-json lines into deltas. It is not safe for
// concurrent use; one translator serves one invocation.
type Translator struct {
	logger *slog.Logger
	newID  func() string

	state     State
	buffer    strings.Builder
	text      strings.Builder
	toolCalls []conversation.ToolCall
	sessionID string
	stats     *Stats
}

// NewTranslator creates a translator in StateText.
func NewTranslator(log *slog.Logger) *Translator {
	if log == nil {
		log = slog.Default()
	}
	return &Translator{
		logger: log,
		newID:  func() string { return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// State reports the current state.
func (t *Translator) State() State { return t.state }

// Buffer returns the pending tool call fragment, empty in StateText.
func (t *Translator) Buffer() string { return t.buffer.String() }

// Text returns every text delta emitted so far, concatenated.
func (t *Translator) Text() string { return t.text.String() }

// ToolCalls returns the tool calls emitted so far.
func (t *Translator) ToolCalls() []conversation.ToolCall {
	return append([]conversation.ToolCall(nil), t.toolCalls...)
}

// SessionID returns the external session id announced by the init event.
func (t *Translator) SessionID() string { return t.sessionID }

// Stats returns the usage reported by the result event, or nil.
func (t *Translator) Stats() *Stats { return t.stats }

// Feed consumes one stdout line.
func (t *Translator) Feed(line string) []Delta {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if !gjson.Valid(line) {
		// Plain diagnostic output still goes through marker detection.
		return t.content(line + "\n")
	}

	event := gjson.Parse(line)
	switch event.Get("type").String() {
	case "init":
		if id := event.Get("session_id").String(); id != "" {
			t.sessionID = id
		}
	case "message":
		if event.Get("role").String() != conversation.RoleAssistant {
			return nil
		}
		if content := event.Get("content").String(); content != "" {
			return t.content(content)
		}
	case "result":
		if stats := event.Get("stats"); stats.Exists() {
			t.stats = &Stats{
				InputTokens:  int(stats.Get("input_tokens").Int()),
				OutputTokens: int(stats.Get("output_tokens").Int()),
				TotalTokens:  int(stats.Get("total_tokens").Int()),
				Cached:       int(stats.Get("cached").Int()),
			}
		}
		if id := event.Get("session_id").String(); id != "" && t.sessionID == "" {
			t.sessionID = id
		}
	case "error":
		t.logger.Warn("external program reported an error",
			slog.String("severity", event.Get("severity").String()),
			slog.String("message", event.Get("message").String()),
		)
	}
	return nil
}

// Finish ends the stream. A fragment that never became a valid call is
// returned as text, marker included, so the reply does not silently lose it.
func (t *Translator) Finish() []Delta {
	var out []Delta
	for t.state == StateBufferingToolCall {
		pending := t.buffer.String()
		rest, ok := t.decodeCall(pending, &out)
		if !ok {
			t.logger.Warn("unterminated tool call flushed as text", slog.Int("bytes", len(pending)))
			t.reset()
			out = append(out, t.emitText(prompt.ToolCallMarker+" "+pending))
			break
		}
		if strings.TrimSpace(rest) != "" {
			out = append(out, t.content(rest)...)
		}
	}
	return out
}

func (t *Translator) content(s string) []Delta {
	var out []Delta
	for s != "" {
		if t.state == StateBufferingToolCall {
			t.buffer.WriteString(s)
			s = ""
			if !strings.HasSuffix(strings.TrimSpace(t.buffer.String()), "}") {
				break
			}
			if rest, ok := t.decodeCall(t.buffer.String(), &out); ok && strings.TrimSpace(rest) != "" {
				s = rest
			}
			continue
		}

		idx := strings.Index(s, prompt.ToolCallMarker)
		if idx < 0 {
			out = append(out, t.emitText(s))
			break
		}
		if before := s[:idx]; strings.TrimSpace(before) != "" {
			out = append(out, t.emitText(before))
		}
		t.state = StateBufferingToolCall
		t.buffer.Reset()
		s = strings.TrimLeft(s[idx+len(prompt.ToolCallMarker):], " \t")
	}
	return out
}

// decodeCall parses the first JSON object of fragment. On success the call is
// appended to out, the state returns to StateText and the unparsed remainder
// is returned. On failure nothing changes.
func (t *Translator) decodeCall(fragment string, out *[]Delta) (string, bool) {
	dec := json.NewDecoder(strings.NewReader(fragment))
	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return "", false
	}
	rest := fragment[dec.InputOffset():]

	call := t.toToolCall(obj)
	index := len(t.toolCalls)
	t.toolCalls = append(t.toolCalls, call)
	*out = append(*out, Delta{Kind: DeltaToolCall, ToolCall: call, Index: index})
	t.reset()
	return rest, true
}

func (t *Translator) toToolCall(obj map[string]json.RawMessage) conversation.ToolCall {
	name := rawString(obj["name"])
	args := obj["arguments"]
	if fn, ok := obj["function"]; ok && name == "" {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(fn, &nested); err == nil {
			name = rawString(nested["name"])
			if args == nil {
				args = nested["arguments"]
			}
		}
	}
	id := rawString(obj["id"])
	if id == "" {
		id = t.newID()
	}
	return conversation.ToolCall{
		ID:   id,
		Type: "function",
		Function: conversation.ToolCallFunction{
			Name:      name,
			Arguments: argumentString(args),
		},
	}
}

func (t *Translator) emitText(s string) Delta {
	t.text.WriteString(s)
	return Delta{Kind: DeltaText, Text: s}
}

func (t *Translator) reset() {
	t.state = StateText
	t.buffer.Reset()
}

// rawString reads a JSON string, or the literal text of a number.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// argumentString keeps string arguments as is and re-encodes anything else.
func argumentString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "{}"
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
