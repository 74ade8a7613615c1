package llm

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskgate/deskgate/pkg/gateway/converters"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

// fakeModelAPI answers with canned bodies in order and records requests.
type fakeModelAPI struct {
	mu       sync.Mutex
	replies  []string
	status   int
	requests []map[string]any
	headers  []http.Header
}

func (f *fakeModelAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	var decoded map[string]any
	_ = json.Unmarshal(body, &decoded)
	f.requests = append(f.requests, decoded)
	f.headers = append(f.headers, r.Header.Clone())

	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
		return
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	_, _ = w.Write([]byte(reply))
}

func (f *fakeModelAPI) request(i int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func newFakeModelAPI(t *testing.T, replies ...string) (*fakeModelAPI, string) {
	t.Helper()
	api := &fakeModelAPI{replies: replies}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, srv.URL
}

const anthropicToolUseReply = `{
  "id": "msg_01", "type": "message", "role": "assistant", "model": "claude-test",
  "content": [
    {"type": "text", "text": "Taking a screenshot first."},
    {"type": "tool_use", "id": "toolu_01", "name": "computer", "input": {"action": "screenshot"}}
  ],
  "stop_reason": "tool_use", "stop_sequence": null,
  "usage": {"input_tokens": 12, "output_tokens": 7}
}`

const anthropicDoneReply = `{
  "id": "msg_02", "type": "message", "role": "assistant", "model": "claude-test",
  "content": [{"type": "text", "text": "Firefox is open."}],
  "stop_reason": "end_turn", "stop_sequence": null,
  "usage": {"input_tokens": 30, "output_tokens": 4}
}`

func newTestAnthropic(t *testing.T, baseURL string) *AnthropicConversation {
	t.Helper()
	conv, err := NewAnthropicConversation(ModelConfig{
		Provider: converters.ProviderAnthropic,
		Model:    "claude-test",
		APIKey:   "test-key",
		BaseURL:  baseURL,
	}, "open firefox", option.WithMaxRetries(0))
	require.NoError(t, err)
	return conv
}

func TestAnthropicConversation_ToolUseRoundTrip(t *testing.T) {
	api, url := newFakeModelAPI(t, anthropicToolUseReply, anthropicDoneReply)
	conv := newTestAnthropic(t, url)

	step, err := conv.Next(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "Taking a screenshot first.", step.Text)
	assert.Equal(t, "tool_use", step.StopReason)
	assert.Equal(t, int64(12), step.Usage.InputTokens)
	require.Len(t, step.ToolCalls, 1)
	assert.Equal(t, "toolu_01", step.ToolCalls[0].ID)
	assert.Equal(t, converters.AnthropicComputerTool, step.ToolCalls[0].Name)
	assert.JSONEq(t, `{"action":"screenshot"}`, string(step.ToolCalls[0].Input))

	first := api.request(0)
	assert.Equal(t, "claude-test", first["model"])
	tools, _ := first["tools"].([]any)
	require.Len(t, tools, 2)
	computer, _ := tools[0].(map[string]any)
	assert.Equal(t, "computer_20250124", computer["type"])
	assert.EqualValues(t, DefaultDisplayWidth, computer["display_width_px"])
	assert.Contains(t, api.headers[0].Get("anthropic-beta"), "computer-use-2025-01-24")

	require.NoError(t, conv.Append(&converters.ToolResult{
		CallID:  "toolu_01",
		Channel: converters.ChannelToolResult,
		Blocks: []converters.Block{
			{Type: converters.BlockTypeImage, Image: []byte{0x89, 'P', 'N', 'G'}, MediaType: "image/png"},
		},
	}))

	step, err = conv.Next(t.Context())
	require.NoError(t, err)
	assert.Empty(t, step.ToolCalls)
	assert.Equal(t, "Firefox is open.", step.Text)

	second := api.request(1)
	messages, _ := second["messages"].([]any)
	require.Len(t, messages, 3)
	last, _ := messages[2].(map[string]any)
	assert.Equal(t, "user", last["role"])
	content, _ := last["content"].([]any)
	require.Len(t, content, 1)
	result, _ := content[0].(map[string]any)
	assert.Equal(t, "tool_result", result["type"])
	assert.Equal(t, "toolu_01", result["tool_use_id"])
	inner, _ := result["content"].([]any)
	require.Len(t, inner, 1)
	assert.Equal(t, "image", inner[0].(map[string]any)["type"])
}

func TestAnthropicConversation_FailedCallKeepsHistory(t *testing.T) {
	api, url := newFakeModelAPI(t, anthropicDoneReply)
	api.status = http.StatusBadRequest
	conv := newTestAnthropic(t, url)

	require.NoError(t, conv.Append(&converters.ToolResult{
		CallID:  "toolu_09",
		Channel: converters.ChannelToolResult,
		Blocks:  []converters.Block{{Type: converters.BlockTypeText, Text: "done"}},
	}))

	_, err := conv.Next(t.Context())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeModel, apperrors.CodeOf(err))
	assert.Len(t, conv.messages, 1)
	assert.Len(t, conv.pending, 1)
}

func TestAnthropicConversation_RejectsForeignChannel(t *testing.T) {
	conv := newTestAnthropic(t, "http://127.0.0.1:1")

	err := conv.Append(&converters.ToolResult{CallID: "x", Channel: converters.ChannelFunctionCallOutput})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnsupportedResult, apperrors.CodeOf(err))
}

func TestAnthropicConversation_ErrorResultIsFlagged(t *testing.T) {
	api, url := newFakeModelAPI(t, anthropicDoneReply)
	conv := newTestAnthropic(t, url)

	require.NoError(t, conv.Append(&converters.ToolResult{
		CallID:  "toolu_02",
		Channel: converters.ChannelToolResult,
		Blocks:  []converters.Block{{Type: converters.BlockTypeText, Text: "window not found"}},
		IsError: true,
	}))
	_, err := conv.Next(t.Context())
	require.NoError(t, err)

	messages, _ := api.request(0)["messages"].([]any)
	last, _ := messages[len(messages)-1].(map[string]any)
	result, _ := last["content"].([]any)[0].(map[string]any)
	assert.Equal(t, true, result["is_error"])
	assert.True(t, strings.Contains(result["content"].([]any)[0].(map[string]any)["text"].(string), "window not found"))
}
