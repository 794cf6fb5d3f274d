package conversation

import (
	"bytes"
	"encoding/json"
)

// Canonical returns the message in the normal form used for history digests:
// content re-encoded compactly from its generic parsed value (every field
// kept, object keys sorted), empty or null content dropped, and tool call
// types defaulted. Two requests that carry the same turn in differently
// formatted JSON produce the same canonical bytes; any change to role, text,
// parts or tool calls still produces different bytes.
func (m Message) Canonical() Message {
	out := Message{
		Role:       m.Role,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
		Content:    canonicalContent(m.Content),
	}
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			if tc.Type == "" {
				tc.Type = "function"
			}
			out.ToolCalls[i] = tc
		}
	}
	return out
}

// CanonicalJSON serializes a message sequence in canonical form.
func CanonicalJSON(messages []Message) ([]byte, error) {
	canon := make([]Message, len(messages))
	for i, m := range messages {
		canon[i] = m.Canonical()
	}
	return json.Marshal(canon)
}

func canonicalContent(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return compact(trimmed)
		}
		if s == "" {
			return nil
		}
		return NewTextContent(s)
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil {
		if data, err := json.Marshal(v); err == nil {
			return data
		}
	}
	return compact(trimmed)
}

func compact(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}
