package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/clibridge/internal/attachment"
	"github.com/memohai/clibridge/internal/auth"
	"github.com/memohai/clibridge/internal/bridge"
	"github.com/memohai/clibridge/internal/chat"
	"github.com/memohai/clibridge/internal/config"
	"github.com/memohai/clibridge/internal/files"
	"github.com/memohai/clibridge/internal/handlers"
	"github.com/memohai/clibridge/internal/logger"
	"github.com/memohai/clibridge/internal/models"
	"github.com/memohai/clibridge/internal/prompt"
	"github.com/memohai/clibridge/internal/server"
	"github.com/memohai/clibridge/internal/session"
	"github.com/memohai/clibridge/internal/session/drivers/memory"
)

const testKey = "secret"

// TestHelperProcess is not a real test. It plays the external program when
// the bridge re-executes the test binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	emit := func(v map[string]any) {
		raw, _ := json.Marshal(v)
		fmt.Println(string(raw))
	}
	say := func(content string) {
		emit(map[string]any{"type": "message", "role": "assistant", "content": content})
	}
	stats := map[string]any{"type": "result", "stats": map[string]int{"input_tokens": 11, "output_tokens": 4, "total_tokens": 15}}

	emit(map[string]any{"type": "init", "session_id": "ext-1"})
	switch os.Getenv("HELPER_SCENARIO") {
	case "tool":
		say("Checking. ")
		say(`TOOL_CALL: {"id":"call_1","name":"get_weather","arguments":"{\"city\":\"Paris\"}"}`)
	case "fail":
		fmt.Fprintln(os.Stderr, "quota exceeded")
		os.Exit(2)
	case "fence":
		if joined := strings.Join(args, "|"); strings.Contains(joined, "--resume") {
			say("args=" + joined)
		} else {
			say("```json\n{\"a\":1}\n```")
		}
	default:
		say("args=")
		say(strings.Join(args, "|"))
	}
	emit(stats)
}

type stack struct {
	ts      *httptest.Server
	uploads *files.Manager
	client  openai.Client
}

func newStack(t *testing.T, scenario string) *stack {
	t.Helper()
	log := logger.Discard()

	uploads, err := files.NewManager(log, t.TempDir(), 1<<20)
	require.NoError(t, err)

	bridgeCfg := config.BridgeConfig{
		Binary:       os.Args[0],
		ArgsPrefix:   []string{"-test.run=^TestHelperProcess$", "--"},
		Timeout:      config.Duration{Duration: 10 * time.Second},
		TempDir:      t.TempDir(),
		DefaultModel: config.DefaultModelName,
		Env:          []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_SCENARIO=" + scenario},
	}
	resolver := attachment.NewResolver(log, uploads, config.AttachmentsConfig{})
	compiler := prompt.NewCompiler(log, resolver, config.DefaultNativeTools)
	b := bridge.New(log, bridgeCfg, compiler)
	sessions := session.NewResolver(log, memory.New(config.DefaultMaxAutoSessions))

	catalog, err := models.NewService(log, config.ModelsConfig{}, "")
	require.NoError(t, err)

	srv := server.NewServer(log, config.ServerConfig{}, auth.NewValidator(config.AuthConfig{APIKeys: []string{testKey}}),
		handlers.NewPingHandler(log, "test"),
		handlers.NewModelsHandler(log, catalog),
		handlers.NewChatHandler(log, b, sessions),
		handlers.NewResponsesHandler(log, b, sessions),
		handlers.NewFilesHandler(log, uploads),
	)
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)

	client := openai.NewClient(
		option.WithBaseURL(ts.URL+"/v1/"),
		option.WithAPIKey(testKey),
		option.WithMaxRetries(0),
	)
	return &stack{ts: ts, uploads: uploads, client: client}
}

func (s *stack) do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.ts.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func TestServer_PingIsPublic(t *testing.T) {
	t.Parallel()
	s := newStack(t, "echo")

	res, err := http.Get(s.ts.URL + "/ping")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", decode[handlers.PingResponse](t, res).Status)
}

func TestServer_RejectsMissingKey(t *testing.T) {
	t.Parallel()
	s := newStack(t, "echo")

	res, err := http.Get(s.ts.URL + "/v1/models")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	body := decode[chat.ErrorBody](t, res)
	assert.Equal(t, "invalid_api_key", body.Error.Type)

	bad := openai.NewClient(option.WithBaseURL(s.ts.URL+"/v1/"), option.WithAPIKey("wrong"), option.WithMaxRetries(0))
	_, err = bad.Models.List(context.Background())
	var apiErr *openai.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestServer_ListModels(t *testing.T) {
	t.Parallel()
	s := newStack(t, "echo")

	page, err := s.client.Models.List(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, "gemini-2.5-pro")
	assert.NotContains(t, ids, "gemini-3-pro-preview")
}

func TestServer_ChatCompletion(t *testing.T) {
	t.Parallel()
	s := newStack(t, "echo")

	completion, err := s.client.Chat.Completions.New(context.Background(), openai.ChatCompletionNewParams{
		Model: "gemini-2.5-flash",
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("Be brief."),
			openai.UserMessage("hi"),
		},
	})
	require.NoError(t, err)
	require.Len(t, completion.Choices, 1)
	content := completion.Choices[0].Message.Content
	assert.True(t, strings.HasPrefix(content, "args="), content)
	assert.Contains(t, content, "-p|User: hi|")
	assert.Contains(t, content, "--output-format|stream-json")
	assert.NotContains(t, content, "--resume")
	assert.Equal(t, "gemini-2.5-flash", completion.Model)
	assert.Equal(t, "stop", string(completion.Choices[0].FinishReason))
	assert.Equal(t, int64(11), completion.Usage.PromptTokens)
	assert.Equal(t, int64(15), completion.Usage.TotalTokens)
}

func TestServer_ChatCompletionResumesSession(t *testing.T) {
	t.Parallel()
	s := newStack(t, "echo")
	ctx := context.Background()

	first, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    "gemini-2.5-flash",
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")},
	})
	require.NoError(t, err)
	reply := first.Choices[0].Message.Content
	assert.NotContains(t, reply, "--resume")

	second, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: "gemini-2.5-flash",
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("hi"),
			openai.AssistantMessage(reply),
			openai.UserMessage("again"),
		},
	})
	require.NoError(t, err)
	content := second.Choices[0].Message.Content
	assert.Contains(t, content, "--resume|ext-1")
	assert.Contains(t, content, "-p|User: again|")
	assert.NotContains(t, content, "User: hi")
}

func TestServer_ChatCompletionToolCall(t *testing.T) {
	t.Parallel()
	s := newStack(t, "tool")

	completion, err := s.client.Chat.Completions.New(context.Background(), openai.ChatCompletionNewParams{
		Model:    "gemini-2.5-pro",
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage("weather in Paris?")},
		Tools: []openai.ChatCompletionToolUnionParam{{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        "get_weather",
					Description: openai.String("Current weather for a city"),
					Parameters: openai.FunctionParameters{
						"type":       "object",
						"properties": map[string]any{"city": map[string]string{"type": "string"}},
					},
				},
			},
		}},
	})
	require.NoError(t, err)
	choice := completion.Choices[0]
	assert.Equal(t, "tool_calls", string(choice.FinishReason))
	assert.Equal(t, "Checking. ", choice.Message.Content)
	require.Len(t, choice.Message.ToolCalls, 1)
	call := choice.Message.ToolCalls[0]
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "get_weather", call.Function.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, call.Function.Arguments)
}

func TestServer_StreamingToolCall(t *testing.T) {
	t.Parallel()
	s := newStack(t, "tool")
	ctx := context.Background()

	stream := s.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    "gemini-2.5-pro",
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage("weather in Paris?")},
	})
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	sawUsage := false
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if chunk.Usage.TotalTokens > 0 {
			sawUsage = true
		}
	}
	require.NoError(t, stream.Err())
	assert.True(t, sawUsage)

	require.Len(t, acc.Choices, 1)
	msg := acc.Choices[0].Message
	assert.Equal(t, "Checking. ", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "get_weather", msg.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, msg.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool_calls", string(acc.Choices[0].FinishReason))
}

func TestServer_StreamedStructuredOutputResumesSession(t *testing.T) {
	t.Parallel()
	s := newStack(t, "fence")
	ctx := context.Background()

	body := `{"model":"gemini-2.5-pro","stream":true,"response_format":{"type":"json_object"},"messages":[{"role":"user","content":"hi"}]}`
	res := s.do(t, http.MethodPost, "/v1/chat/completions", strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, res.StatusCode)
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	var streamed strings.Builder
	for _, event := range strings.Split(strings.TrimSpace(string(raw)), "\n\n") {
		data := strings.TrimPrefix(event, "data: ")
		if data == "[DONE]" {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal([]byte(data), &chunk))
		for _, c := range chunk.Choices {
			streamed.WriteString(c.Delta.Content)
		}
	}
	reply := streamed.String()
	require.Equal(t, "```json\n{\"a\":1}\n```", reply)

	// The client sends back exactly what it was streamed.
	second, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: "gemini-2.5-pro",
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("hi"),
			openai.AssistantMessage(reply),
			openai.UserMessage("again"),
		},
	})
	require.NoError(t, err)
	assert.Contains(t, second.Choices[0].Message.Content, "--resume|ext-1")
}

func TestServer_StreamingFailureWritesErrorEvent(t *testing.T) {
	t.Parallel()
	s := newStack(t, "fail")

	body := `{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	res := s.do(t, http.MethodPost, "/v1/chat/completions", strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, res.StatusCode)
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	events := strings.Split(strings.TrimSpace(string(raw)), "\n\n")
	require.GreaterOrEqual(t, len(events), 2)
	last := strings.TrimPrefix(events[len(events)-1], "data: ")
	var errBody chat.ErrorBody
	require.NoError(t, json.Unmarshal([]byte(last), &errBody))
	assert.Equal(t, "api_error", errBody.Error.Type)
	assert.Contains(t, errBody.Error.Message, "quota exceeded")
	assert.NotContains(t, string(raw), "[DONE]")
}

func TestServer_NonStreamingFailure(t *testing.T) {
	t.Parallel()
	s := newStack(t, "fail")

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	res := s.do(t, http.MethodPost, "/v1/chat/completions", strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)
	errBody := decode[chat.ErrorBody](t, res)
	assert.Equal(t, "api_error", errBody.Error.Type)
}

func TestServer_InvalidMessages(t *testing.T) {
	t.Parallel()
	s := newStack(t, "echo")

	for _, body := range []string{`{}`, `{"messages":[]}`} {
		res := s.do(t, http.MethodPost, "/v1/chat/completions", strings.NewReader(body), "application/json")
		require.Equal(t, http.StatusBadRequest, res.StatusCode, body)
		errBody := decode[chat.ErrorBody](t, res)
		assert.Equal(t, "Invalid messages", errBody.Error.Message)
		assert.Equal(t, "invalid_request_error", errBody.Error.Type)
		require.NotNil(t, errBody.Error.Param)
		assert.Equal(t, "messages", *errBody.Error.Param)
	}
}

func TestServer_Responses(t *testing.T) {
	t.Parallel()
	s := newStack(t, "echo")

	body := `{"model":"gemini-2.5-flash","instructions":"Be brief.","input":[{"type":"input_text","text":"hello there"}]}`
	res := s.do(t, http.MethodPost, "/v1/responses", strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.Equal(t, "response", out["object"])
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "User: hello there")
}

func upload(t *testing.T, s *stack, name, content string) files.File {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("purpose", "assistants"))
	require.NoError(t, w.Close())

	res := s.do(t, http.MethodPost, "/v1/files", &buf, w.FormDataContentType())
	require.Equal(t, http.StatusOK, res.StatusCode)
	return decode[files.File](t, res)
}

func TestServer_FilesLifecycle(t *testing.T) {
	t.Parallel()
	s := newStack(t, "echo")

	file := upload(t, s, "notes.txt", "remember the milk")
	assert.True(t, files.IsID(file.ID), file.ID)
	assert.Equal(t, "file", file.Object)
	assert.Equal(t, int64(17), file.Bytes)
	assert.Equal(t, "notes.txt", file.Filename)
	assert.Equal(t, "assistants", file.Purpose)
	assert.Empty(t, file.LocalPath)

	list := decode[handlers.FileList](t, s.do(t, http.MethodGet, "/v1/files", nil, ""))
	require.Len(t, list.Data, 1)
	assert.Equal(t, file.ID, list.Data[0].ID)

	got := decode[files.File](t, s.do(t, http.MethodGet, "/v1/files/"+file.ID, nil, ""))
	assert.Equal(t, file.ID, got.ID)

	res := s.do(t, http.MethodGet, "/v1/files/"+file.ID+"/content", nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", string(data))
	assert.Contains(t, res.Header.Get("Content-Disposition"), "notes.txt")

	deleted := decode[handlers.FileDeleted](t, s.do(t, http.MethodDelete, "/v1/files/"+file.ID, nil, ""))
	assert.Equal(t, handlers.FileDeleted{ID: file.ID, Object: "file", Deleted: true}, deleted)

	res = s.do(t, http.MethodGet, "/v1/files/"+file.ID, nil, "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	errBody := decode[chat.ErrorBody](t, res)
	assert.Equal(t, "invalid_request_error", errBody.Error.Type)
}

func TestServer_UploadWithoutFile(t *testing.T) {
	t.Parallel()
	s := newStack(t, "echo")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("purpose", "assistants"))
	require.NoError(t, w.Close())

	res := s.do(t, http.MethodPost, "/v1/files", &buf, w.FormDataContentType())
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "No file uploaded", decode[chat.ErrorBody](t, res).Error.Message)
}

func TestServer_UploadedFileIsAttached(t *testing.T) {
	t.Parallel()
	s := newStack(t, "echo")

	file := upload(t, s, "notes.txt", "remember the milk")
	completion, err := s.client.Chat.Completions.New(context.Background(), openai.ChatCompletionNewParams{
		Model:    "gemini-2.5-flash",
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage("summarize " + file.ID)},
	})
	require.NoError(t, err)

	path, err := s.uploads.Resolve(context.Background(), file.ID)
	require.NoError(t, err)
	content := completion.Choices[0].Message.Content
	assert.Contains(t, content, "-p|@"+path+" User: summarize")
}

func TestServer_ClientErrorsAreOpenAIShaped(t *testing.T) {
	t.Parallel()
	s := newStack(t, "echo")

	res := s.do(t, http.MethodGet, "/v1/nope", nil, "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	body := decode[chat.ErrorBody](t, res)
	assert.Equal(t, "invalid_request_error", body.Error.Type)
	assert.NotEmpty(t, body.Error.Message)

	_, err := s.client.Chat.Completions.New(context.Background(), openai.ChatCompletionNewParams{
		Model:    "gemini-2.5-flash",
		Messages: []openai.ChatCompletionMessageParamUnion{},
	})
	var apiErr *openai.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}
