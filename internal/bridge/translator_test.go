package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/clibridge/internal/logger"
)

func assistantLine(t *testing.T, content string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"type": "message", "role": "assistant", "content": content})
	require.NoError(t, err)
	return string(raw)
}

func feedAll(t *testing.T, tr *Translator, contents ...string) []Delta {
	t.Helper()
	var out []Delta
	for _, c := range contents {
		out = append(out, tr.Feed(assistantLine(t, c))...)
	}
	return out
}

func toolCallDeltas(deltas []Delta) []Delta {
	var out []Delta
	for _, d := range deltas {
		if d.Kind == DeltaToolCall {
			out = append(out, d)
		}
	}
	return out
}

func TestTranslator_PlainText(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(logger.Discard())
	deltas := feedAll(t, tr, "Hello", ", world")
	require.Len(t, deltas, 2)
	assert.Equal(t, Delta{Kind: DeltaText, Text: "Hello"}, deltas[0])
	assert.Equal(t, "Hello, world", tr.Text())
	assert.Equal(t, StateText, tr.State())
	assert.Empty(t, tr.Finish())
}

func TestTranslator_ToolCallAcrossLines(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(logger.Discard())
	deltas := feedAll(t, tr, `TOOL_CALL: {"id":"1","name":"f",`)
	assert.Empty(t, deltas)
	assert.Equal(t, StateBufferingToolCall, tr.State())
	assert.Equal(t, `{"id":"1","name":"f",`, tr.Buffer())

	deltas = feedAll(t, tr, `"arguments":"{}"}`)
	require.Len(t, deltas, 1)
	d := deltas[0]
	assert.Equal(t, DeltaToolCall, d.Kind)
	assert.Equal(t, 0, d.Index)
	assert.Equal(t, "1", d.ToolCall.ID)
	assert.Equal(t, "function", d.ToolCall.Type)
	assert.Equal(t, "f", d.ToolCall.Function.Name)
	assert.Equal(t, "{}", d.ToolCall.Function.Arguments)

	assert.Equal(t, StateText, tr.State())
	assert.Empty(t, tr.Buffer())
	assert.Empty(t, tr.Text())
	assert.Len(t, tr.ToolCalls(), 1)
}

func TestTranslator_UnbalancedBracesNeverEmitACall(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(logger.Discard())
	deltas := feedAll(t, tr, `TOOL_CALL: {"id":"1","name":"f",`, `"arguments":{"a":{"b":1}}`)
	assert.Empty(t, toolCallDeltas(deltas))
	assert.Equal(t, StateBufferingToolCall, tr.State(), "a failed parse keeps buffering")

	final := tr.Finish()
	assert.Empty(t, toolCallDeltas(final))
	require.Len(t, final, 1)
	assert.Equal(t, `TOOL_CALL: {"id":"1","name":"f","arguments":{"a":{"b":1}}`, final[0].Text)
	assert.Empty(t, tr.ToolCalls())
	assert.Equal(t, StateText, tr.State())
}

func TestTranslator_TextBeforeMarker(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(logger.Discard())
	deltas := feedAll(t, tr, `Hello TOOL_CALL: {"id":"x","name":"lookup","arguments":"{\"q\":1}"}`)
	require.Len(t, deltas, 2)
	assert.Equal(t, Delta{Kind: DeltaText, Text: "Hello "}, deltas[0])
	assert.Equal(t, DeltaToolCall, deltas[1].Kind)
	assert.Equal(t, `{"q":1}`, deltas[1].ToolCall.Function.Arguments)
	assert.Equal(t, "Hello ", tr.Text())
	for _, d := range deltas {
		assert.NotContains(t, d.Text, "TOOL_CALL")
	}
}

func TestTranslator_MultipleCallsOnOneLine(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(logger.Discard())
	deltas := feedAll(t, tr,
		`TOOL_CALL: {"id":"a","name":"f","arguments":"{}"} TOOL_CALL: {"id":"b","name":"g","arguments":"{}"}`)
	require.Len(t, deltas, 2)
	assert.Equal(t, "a", deltas[0].ToolCall.ID)
	assert.Equal(t, 0, deltas[0].Index)
	assert.Equal(t, "b", deltas[1].ToolCall.ID)
	assert.Equal(t, 1, deltas[1].Index)
	assert.Empty(t, tr.Text())

	deltas = feedAll(t, tr, "done")
	assert.Equal(t, []Delta{{Kind: DeltaText, Text: "done"}}, deltas)
}

func TestTranslator_ObjectArgumentsAndMissingID(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(logger.Discard())
	tr.newID = func() string { return "call_fixed" }
	deltas := feedAll(t, tr, `TOOL_CALL: {"name":"f","arguments":{"city": "Paris"}}`)
	require.Len(t, deltas, 1)
	assert.Equal(t, "call_fixed", deltas[0].ToolCall.ID)
	assert.Equal(t, `{"city":"Paris"}`, deltas[0].ToolCall.Function.Arguments)

	deltas = feedAll(t, tr, `TOOL_CALL: {"id":"n","function":{"name":"nested","arguments":"{}"}}`)
	require.Len(t, deltas, 1)
	assert.Equal(t, "nested", deltas[0].ToolCall.Function.Name)
	assert.Equal(t, 1, deltas[0].Index)
}

func TestTranslator_NonJSONLinesUseMarkerDetection(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(logger.Discard())
	deltas := tr.Feed("Thinking about it")
	require.Len(t, deltas, 1)
	assert.Equal(t, "Thinking about it\n", deltas[0].Text)

	assert.Empty(t, tr.Feed(`TOOL_CALL: {"id":"1",`))
	assert.Equal(t, StateBufferingToolCall, tr.State())
	deltas = tr.Feed(`"name":"f","arguments":"{}"}`)
	require.Len(t, toolCallDeltas(deltas), 1)
}

func TestTranslator_EventsAreNotText(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(logger.Discard())
	assert.Empty(t, tr.Feed(`{"type":"init","session_id":"sess-1","model":"m"}`))
	assert.Empty(t, tr.Feed(`{"type":"message","role":"user","content":"echo"}`))
	assert.Empty(t, tr.Feed(`{"type":"tool_use","tool_name":"x"}`))
	assert.Empty(t, tr.Feed(`{"type":"error","severity":"warning","message":"slow"}`))
	assert.Empty(t, tr.Feed(`{"type":"result","status":"success","stats":{"input_tokens":10,"output_tokens":5,"total_tokens":15,"cached":3}}`))
	assert.Empty(t, tr.Feed("   "))

	assert.Equal(t, "sess-1", tr.SessionID())
	assert.Equal(t, &Stats{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, Cached: 3}, tr.Stats())
	assert.Empty(t, tr.Text())
}

func TestTranslator_FinishDecodesPendingCall(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(logger.Discard())
	deltas := feedAll(t, tr, `TOOL_CALL: {"id":"1","name":"f","arguments":"{}"} and then TOOL_CALL: {"id":"2","name":"g","arguments":"{}"} bye`)
	assert.Empty(t, deltas, "trailing text keeps the closing brace gate shut")

	final := tr.Finish()
	require.Len(t, final, 4)
	assert.Equal(t, "1", final[0].ToolCall.ID)
	assert.Equal(t, Delta{Kind: DeltaText, Text: " and then "}, final[1])
	assert.Equal(t, "2", final[2].ToolCall.ID)
	assert.Equal(t, 1, final[2].Index)
	assert.Equal(t, Delta{Kind: DeltaText, Text: " bye"}, final[3])
	assert.Equal(t, StateText, tr.State())
	assert.Equal(t, " and then  bye", tr.Text())
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "text", StateText.String())
	assert.Equal(t, "buffering_tool_call", StateBufferingToolCall.String())
}

func TestUnwrapFence(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"```json\n{\"a\":1}\n```":     `{"a":1}`,
		"  ```\n[1, 2]\n```  \n":      "[1, 2]",
		"```json-schema {\"a\":1}```": `{"a":1}`,
		`{"a":1}`:                     `{"a":1}`,
		"see ```json\n{}\n```":        "see ```json\n{}\n```",
	}
	for in, want := range cases {
		assert.Equal(t, want, UnwrapFence(in), "input %q", in)
	}
}
