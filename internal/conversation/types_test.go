package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_TextContent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want string
	}{
		{name: "string", raw: `{"role":"user","content":"hello"}`, want: "hello"},
		{name: "parts", raw: `{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","image_url":"x"},{"type":"text","text":"b"}]}`, want: "a\nb"},
		{name: "null", raw: `{"role":"assistant","content":null}`, want: ""},
		{name: "absent", raw: `{"role":"assistant"}`, want: ""},
	}
	for _, tc := range cases {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(tc.raw), &m), tc.name)
		assert.Equal(t, tc.want, m.TextContent(), tc.name)
	}
}

func TestImageURL_AcceptsStringAndObject(t *testing.T) {
	t.Parallel()

	var parts []ContentPart
	raw := `[{"type":"image_url","image_url":"https://a/x.png"},{"type":"image_url","image_url":{"url":"data:image/png;base64,AA==","detail":"low"}}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &parts))
	require.Len(t, parts, 2)
	assert.Equal(t, "https://a/x.png", parts[0].ImageURL.URL)
	assert.Equal(t, "data:image/png;base64,AA==", parts[1].ImageURL.URL)
	assert.Equal(t, "low", parts[1].ImageURL.Detail)
}

func TestStopList_Unmarshal(t *testing.T) {
	t.Parallel()

	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"messages":[],"stop":"END"}`), &req))
	assert.Equal(t, StopList{"END"}, req.Stop)

	require.NoError(t, json.Unmarshal([]byte(`{"messages":[],"stop":["a","b"]}`), &req))
	assert.Equal(t, StopList{"a", "b"}, req.Stop)

	req = ChatCompletionRequest{}
	require.NoError(t, json.Unmarshal([]byte(`{"messages":[],"stop":null}`), &req))
	assert.Nil(t, req.Stop)

	assert.Error(t, json.Unmarshal([]byte(`{"stop":42}`), &req))
}

func TestRequest_MaxOutputTokensPrefersCompletionTokens(t *testing.T) {
	t.Parallel()

	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"max_tokens":100,"max_completion_tokens":200}`), &req))
	n, ok := req.MaxOutputTokens()
	assert.True(t, ok)
	assert.Equal(t, 200, n)

	req = ChatCompletionRequest{}
	_, ok = req.MaxOutputTokens()
	assert.False(t, ok)
}

func TestRequest_StructuredOutput(t *testing.T) {
	t.Parallel()

	assert.False(t, ChatCompletionRequest{}.StructuredOutput())
	assert.False(t, ChatCompletionRequest{ResponseFormat: &ResponseFormat{Type: FormatText}}.StructuredOutput())
	assert.True(t, ChatCompletionRequest{ResponseFormat: &ResponseFormat{Type: FormatJSONObject}}.StructuredOutput())
	assert.True(t, ChatCompletionRequest{ResponseFormat: &ResponseFormat{Type: FormatJSONSchema}}.StructuredOutput())
}

func TestCanonicalJSON_IgnoresFormattingButNotContent(t *testing.T) {
	t.Parallel()

	decode := func(raw string) []Message {
		var msgs []Message
		require.NoError(t, json.Unmarshal([]byte(raw), &msgs))
		return msgs
	}

	a := decode(`[{"role":"user","content":[{"type":"text","text":"hi"}]},{"role":"assistant","content":null,"tool_calls":[{"id":"1","type":"function","function":{"name":"f","arguments":"{}"}}]}]`)
	b := decode(`[ {"content": [ {"text":"hi", "type":"text"} ], "role":"user"}, {"role":"assistant","content":"","tool_calls":[{"id":"1","function":{"name":"f","arguments":"{}"}}]} ]`)
	c := decode(`[{"role":"user","content":[{"type":"text","text":"hi "}]},{"role":"assistant","tool_calls":[{"id":"1","type":"function","function":{"name":"f","arguments":"{}"}}]}]`)

	ja, err := CanonicalJSON(a)
	require.NoError(t, err)
	jb, err := CanonicalJSON(b)
	require.NoError(t, err)
	jc, err := CanonicalJSON(c)
	require.NoError(t, err)

	assert.Equal(t, string(ja), string(jb))
	assert.NotEqual(t, string(ja), string(jc))

	// Part types and fields without a typed model still take part in the form.
	audioWav := decode(`[{"role":"user","content":[{"type":"input_audio","input_audio":{"data":"AAAA","format":"wav"}}]}]`)
	audioWavReordered := decode(`[{"role":"user","content":[ {"input_audio":{"format":"wav","data":"AAAA"},"type":"input_audio"} ]}]`)
	audioMp3 := decode(`[{"role":"user","content":[{"type":"input_audio","input_audio":{"data":"BBBB","format":"mp3"}}]}]`)
	cached := decode(`[{"role":"user","content":[{"type":"text","text":"hi","cache_control":{"type":"ephemeral"}}]},{"role":"assistant","content":null,"tool_calls":[{"id":"1","type":"function","function":{"name":"f","arguments":"{}"}}]}]`)

	jw, err := CanonicalJSON(audioWav)
	require.NoError(t, err)
	jwr, err := CanonicalJSON(audioWavReordered)
	require.NoError(t, err)
	jm, err := CanonicalJSON(audioMp3)
	require.NoError(t, err)
	jcc, err := CanonicalJSON(cached)
	require.NoError(t, err)

	assert.Equal(t, string(jw), string(jwr))
	assert.NotEqual(t, string(jw), string(jm))
	assert.Contains(t, string(jw), `"AAAA"`)
	assert.NotEqual(t, string(ja), string(jcc))
}
