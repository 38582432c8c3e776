package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/tether/pkg/models"
)

func TestNewAnthropicAdapterValidation(t *testing.T) {
	tests := []struct {
		name        string
		opts        AnthropicOptions
		expectError bool
	}{
		{"api key mode", AnthropicOptions{APIKey: "test-key"}, false},
		{"api key missing", AnthropicOptions{AuthMode: AuthAPIKey}, true},
		{"oauth missing credentials", AnthropicOptions{AuthMode: AuthOAuth}, true},
		{"oauth configured", AnthropicOptions{
			AuthMode: AuthOAuth,
			OAuth:    OAuthOptions{ClientID: "c", TokenURL: "https://t", RefreshToken: "r"},
		}, false},
		{"oauth-then-key needs key", AnthropicOptions{
			AuthMode: AuthOAuthThenKey,
			OAuth:    OAuthOptions{ClientID: "c", TokenURL: "https://t", RefreshToken: "r"},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAnthropicAdapter(tt.opts, nil, nil)
			if (err != nil) != tt.expectError {
				t.Errorf("err = %v, expectError = %v", err, tt.expectError)
			}
		})
	}
}

func TestMapAnthropicStopReason(t *testing.T) {
	tests := []struct {
		in   string
		want models.StopReason
	}{
		{"end_turn", models.StopEndTurn},
		{"max_tokens", models.StopMaxTokens},
		{"stop_sequence", models.StopStopSequence},
		{"tool_use", models.StopToolUse},
		{"pause_turn", models.StopPauseTurn},
		{"something_new", models.StopEndTurn},
	}
	for _, tt := range tests {
		if got := mapAnthropicStopReason(tt.in); got != tt.want {
			t.Errorf("mapAnthropicStopReason(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestToolNameMapping(t *testing.T) {
	if got := openaiToolName("bash"); got != "shell" {
		t.Errorf("openaiToolName(bash) = %q", got)
	}
	if got := canonicalToolName("shell"); got != "bash" {
		t.Errorf("canonicalToolName(shell) = %q", got)
	}
	if got := canonicalToolName("file_editor"); got != "str_replace_based_edit_tool" {
		t.Errorf("canonicalToolName(file_editor) = %q", got)
	}
	// Unknown names pass through untranslated.
	if got := canonicalToolName("custom_tool"); got != "custom_tool" {
		t.Errorf("canonicalToolName(custom_tool) = %q", got)
	}
}

func TestTailSinceLastAssistant(t *testing.T) {
	conv := []models.Message{
		models.TextMessage("u1", models.RoleUser, "hi"),
		models.TextMessage("a1", models.RoleAssistant, "hello"),
		models.ToolResultMessage("u2", []models.ContentBlock{
			{Type: models.BlockToolResult, ToolUseID: "t1", Content: "out"},
		}),
	}
	tail := tailSinceLastAssistant(conv)
	if len(tail) != 1 || tail[0].ID != "u2" {
		t.Fatalf("tail = %+v", tail)
	}

	// No assistant message yet: everything is new input.
	tail = tailSinceLastAssistant(conv[:1])
	if len(tail) != 1 || tail[0].ID != "u1" {
		t.Fatalf("tail without assistant = %+v", tail)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorReason
	}{
		{"prompt is too long: 210000 tokens > 200000 maximum", ReasonTokenLimit},
		{"This model's maximum context length is 128000 tokens", ReasonTokenLimit},
		{"429 too many requests", ReasonRateLimit},
		{"401 unauthorized", ReasonAuth},
		{"dial tcp: i/o timeout", ReasonTimeout},
		{"503 service unavailable", ReasonServerError},
		{"weird", ReasonUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyError(errors.New(tt.msg)); got != tt.want {
			t.Errorf("ClassifyError(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestProviderErrorClassification(t *testing.T) {
	err := NewProviderError("anthropic", "claude-sonnet-4-20250514", errors.New("boom")).
		WithStatus(429)
	if err.Reason != ReasonRateLimit {
		t.Errorf("reason = %s, want rate_limit", err.Reason)
	}
	if !IsRetryable(err) {
		t.Error("429 should be retryable")
	}

	err = NewProviderError("openai", "gpt-4.1", errors.New("boom")).
		WithStatus(400).WithCode("context_length_exceeded")
	if err.Reason != ReasonTokenLimit {
		t.Errorf("reason = %s, want token_limit", err.Reason)
	}
	if !IsTokenLimit(err) {
		t.Error("IsTokenLimit should report true")
	}
	if IsRetryable(err) {
		t.Error("token limit must not be retried")
	}

	msg := err.Error()
	for _, want := range []string{"[token_limit]", "openai", "model=gpt-4.1", "status=400"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error string %q missing %q", msg, want)
		}
	}
}

func TestOAuthNotAuthorized(t *testing.T) {
	err := &ProviderError{Status: 400, Message: "OAuth credential is not authorized for this API"}
	if !oauthNotAuthorized(err) {
		t.Error("specific 400 not detected")
	}
	if oauthNotAuthorized(&ProviderError{Status: 401, Message: "oauth not authorized"}) {
		t.Error("401 must not match the api-key fallback rule")
	}
	if oauthNotAuthorized(errors.New("plain")) {
		t.Error("plain error must not match")
	}
}

func TestStreamResultBeforeFinish(t *testing.T) {
	s := NewStream()
	res := s.Result()
	if res.StopReason != models.StopError || !errors.Is(res.Err, ErrStreamNotFinished) {
		t.Errorf("premature result = %+v", res)
	}
}

// sseHandler writes the given SSE lines and flushes after each.
func sseHandler(t *testing.T, lines []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("expected http.Flusher")
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}
}

func collectEvents(t *testing.T, s *Stream) []models.StreamEvent {
	t.Helper()
	var events []models.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for stream events")
		}
	}
}

func TestAnthropicStreamingText(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_123","type":"message","role":"assistant","usage":{"input_tokens":12,"output_tokens":0}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}))
	defer server.Close()

	adapter, err := NewAnthropicAdapter(AnthropicOptions{APIKey: "test-key", BaseURL: server.URL}, nil, nil)
	if err != nil {
		t.Fatalf("NewAnthropicAdapter: %v", err)
	}

	stream, err := adapter.Stream(context.Background(), &Request{
		Conversation: models.Conversation{Messages: []models.Message{
			models.TextMessage("u1", models.RoleUser, "hi"),
		}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collectEvents(t, stream)

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, string(ev.Type))
	}
	want := []string{"message_start", "text_delta", "text_delta", "text_end", "usage", "message_stop"}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}

	res := stream.Result()
	if res.StopReason != models.StopEndTurn {
		t.Errorf("stop reason = %s", res.StopReason)
	}
	if res.ResponseID != "" {
		t.Errorf("blocks adapter must not yield a continuation handle, got %q", res.ResponseID)
	}
	if res.FinalMessage == nil || res.FinalMessage.ID != "msg_123" || res.FinalMessage.PlainText() != "Hello world" {
		t.Errorf("final message = %+v", res.FinalMessage)
	}
	if res.Usage.InputTokens != 12 || res.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestAnthropicStreamingToolUse(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_9","type":"message","role":"assistant","usage":{"input_tokens":3,"output_tokens":0}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"bash","input":{}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":2}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}))
	defer server.Close()

	adapter, err := NewAnthropicAdapter(AnthropicOptions{APIKey: "test-key", BaseURL: server.URL}, nil, nil)
	if err != nil {
		t.Fatalf("NewAnthropicAdapter: %v", err)
	}
	stream, err := adapter.Stream(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collectEvents(t, stream)

	var toolUse *models.ToolUseEvent
	for _, ev := range events {
		if ev.Type == models.EventToolUse {
			toolUse = ev.ToolUse
		}
	}
	if toolUse == nil {
		t.Fatal("no tool_use event emitted")
	}
	if toolUse.ID != "toolu_1" || toolUse.Name != "bash" {
		t.Errorf("tool use = %+v", toolUse)
	}
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(toolUse.Input, &input); err != nil || input.Command != "ls" {
		t.Errorf("assembled input = %s (err %v)", toolUse.Input, err)
	}

	res := stream.Result()
	if res.StopReason != models.StopToolUse {
		t.Errorf("stop reason = %s", res.StopReason)
	}
	if res.FinalMessage == nil || len(res.FinalMessage.ToolUses()) != 1 {
		t.Errorf("final message = %+v", res.FinalMessage)
	}
}

func TestAnthropicMalformedToolInput(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_9","type":"message","role":"assistant","usage":{"input_tokens":3,"output_tokens":0}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"bash","input":{}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"command\": truncated"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":2}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}))
	defer server.Close()

	adapter, err := NewAnthropicAdapter(AnthropicOptions{APIKey: "test-key", BaseURL: server.URL}, nil, nil)
	if err != nil {
		t.Fatalf("NewAnthropicAdapter: %v", err)
	}
	stream, err := adapter.Stream(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collectEvents(t, stream)

	var toolUse *models.ToolUseEvent
	for _, ev := range events {
		if ev.Type == models.EventToolUse {
			toolUse = ev.ToolUse
		}
	}
	if toolUse == nil {
		t.Fatal("no tool_use event emitted")
	}
	if toolUse.InputError == "" || !strings.Contains(toolUse.InputError, "bash") {
		t.Errorf("inputError = %q, want the parse failure", toolUse.InputError)
	}
	if string(toolUse.Input) != "{}" {
		t.Errorf("sanitized input = %s, want {}", toolUse.Input)
	}

	// The turn keeps going: the request resolves downstream as an errored
	// execution instead of killing the stream.
	res := stream.Result()
	if res.StopReason != models.StopToolUse || res.Err != nil {
		t.Fatalf("result = %+v (err %v)", res, res.Err)
	}
	if res.FinalMessage == nil {
		t.Fatal("no final message")
	}
	uses := res.FinalMessage.ToolUses()
	if len(uses) != 1 || string(uses[0].Input) != "{}" {
		t.Errorf("final tool blocks = %+v", uses)
	}
}

func TestAnthropicCancelMidStream(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		lines := []string{
			`event: message_start`,
			`data: {"type":"message_start","message":{"id":"msg_c","type":"message","role":"assistant","usage":{"input_tokens":1,"output_tokens":0}}}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
			``,
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	adapter, err := NewAnthropicAdapter(AnthropicOptions{APIKey: "test-key", BaseURL: server.URL}, nil, nil)
	if err != nil {
		t.Fatalf("NewAnthropicAdapter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := adapter.Stream(ctx, &Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var events []models.StreamEvent
	for ev := range stream.Events {
		events = append(events, ev)
		if ev.Type == models.EventTextDelta {
			cancel()
		}
	}

	res := stream.Result()
	if res.StopReason != models.StopAborted {
		t.Errorf("stop reason = %s, want aborted", res.StopReason)
	}
	if res.ResponseID != "" {
		t.Error("aborted stream must not carry a continuation handle")
	}
	if res.FinalMessage == nil || res.FinalMessage.PlainText() != "partial" {
		t.Errorf("final message = %+v", res.FinalMessage)
	}
	cancel()
}

func TestAnthropicAuthFallbackToAPIKey(t *testing.T) {
	var tokenRefreshes int
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRefreshes++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"refreshed-token","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenServer.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid bearer token"}}`)
			return
		}
		if r.Header.Get("x-api-key") == "" {
			t.Error("expected x-api-key fallback")
		}
		sseHandler(t, []string{
			`event: message_start`,
			`data: {"type":"message_start","message":{"id":"msg_f","type":"message","role":"assistant","usage":{"input_tokens":1,"output_tokens":0}}}`,
			``,
			`event: message_delta`,
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}`,
			``,
			`event: message_stop`,
			`data: {"type":"message_stop"}`,
			``,
		})(w, r)
	}))
	defer server.Close()

	adapter, err := NewAnthropicAdapter(AnthropicOptions{
		APIKey:   "fallback-key",
		BaseURL:  server.URL,
		AuthMode: AuthOAuthThenKey,
		OAuth: OAuthOptions{
			ClientID:     "client",
			TokenURL:     tokenServer.URL,
			RefreshToken: "refresh",
			AccessToken:  "seeded-token",
			Expiry:       time.Now().Add(time.Hour),
		},
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewAnthropicAdapter: %v", err)
	}

	stream, err := adapter.Stream(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collectEvents(t, stream)

	res := stream.Result()
	if res.StopReason != models.StopEndTurn {
		t.Fatalf("result = %+v (err %v)", res, res.Err)
	}
	// 401 on the seeded token forces exactly one refresh before the api-key
	// fallback kicks in.
	if tokenRefreshes != 1 {
		t.Errorf("token refreshes = %d, want 1", tokenRefreshes)
	}
}

func TestOpenAIStreamingWithToolCall(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		sseHandler(t, []string{
			`event: response.created`,
			`data: {"type":"response.created","sequence_number":0,"response":{"id":"resp_1","object":"response","status":"in_progress","output":[]}}`,
			``,
			`event: response.output_text.delta`,
			`data: {"type":"response.output_text.delta","sequence_number":1,"item_id":"msg_1","output_index":0,"content_index":0,"delta":"Running"}`,
			``,
			`event: response.output_text.done`,
			`data: {"type":"response.output_text.done","sequence_number":2,"item_id":"msg_1","output_index":0,"content_index":0,"text":"Running"}`,
			``,
			`event: response.output_item.done`,
			`data: {"type":"response.output_item.done","sequence_number":3,"output_index":1,"item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"shell","arguments":"{\"command\":\"ls\"}","status":"completed"}}`,
			``,
			`event: response.completed`,
			`data: {"type":"response.completed","sequence_number":4,"response":{"id":"resp_1","object":"response","status":"completed","output":[{"type":"message","id":"msg_1","role":"assistant","status":"completed","content":[{"type":"output_text","text":"Running","annotations":[]}]},{"type":"function_call","id":"fc_1","call_id":"call_1","name":"shell","arguments":"{\"command\":\"ls\"}","status":"completed"}],"usage":{"input_tokens":9,"output_tokens":4,"output_tokens_details":{"reasoning_tokens":0}}}}`,
			``,
		})(w, r)
	}))
	defer server.Close()

	adapter, err := NewOpenAIAdapter(OpenAIOptions{APIKey: "test-key", BaseURL: server.URL}, nil, nil)
	if err != nil {
		t.Fatalf("NewOpenAIAdapter: %v", err)
	}
	stream, err := adapter.Stream(context.Background(), &Request{
		Conversation: models.Conversation{Messages: []models.Message{
			models.TextMessage("u1", models.RoleUser, "list files"),
		}},
		Tools: []ToolDef{{Name: "bash", Description: "Run a command", Schema: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collectEvents(t, stream)

	var toolUse *models.ToolUseEvent
	for _, ev := range events {
		if ev.Type == models.EventToolUse {
			toolUse = ev.ToolUse
		}
	}
	if toolUse == nil {
		t.Fatal("no tool_use event")
	}
	if toolUse.Name != "bash" {
		t.Errorf("tool name = %q, want canonical bash", toolUse.Name)
	}
	if toolUse.ResponseID != "resp_1" {
		t.Errorf("tool responseId = %q", toolUse.ResponseID)
	}

	res := stream.Result()
	if res.StopReason != models.StopToolUse {
		t.Errorf("stop reason = %s", res.StopReason)
	}
	if res.ResponseID != "resp_1" {
		t.Errorf("continuation handle = %q, want resp_1", res.ResponseID)
	}
	if res.FinalMessage == nil || len(res.FinalMessage.ToolUses()) != 1 || res.FinalMessage.PlainText() != "Running" {
		t.Errorf("final message = %+v", res.FinalMessage)
	}

	// Tool defs go out under the provider-native name.
	toolsAny, _ := gotBody["tools"].([]any)
	if len(toolsAny) != 1 {
		t.Fatalf("request tools = %v", gotBody["tools"])
	}
	tool, _ := toolsAny[0].(map[string]any)
	if tool["name"] != "shell" {
		t.Errorf("request tool name = %v, want shell", tool["name"])
	}
}

func TestOpenAIMalformedToolArguments(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`event: response.created`,
		`data: {"type":"response.created","sequence_number":0,"response":{"id":"resp_m","object":"response","status":"in_progress","output":[]}}`,
		``,
		`event: response.output_item.done`,
		`data: {"type":"response.output_item.done","sequence_number":1,"output_index":0,"item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"shell","arguments":"{\"command\": oops","status":"completed"}}`,
		``,
		`event: response.completed`,
		`data: {"type":"response.completed","sequence_number":2,"response":{"id":"resp_m","object":"response","status":"completed","output":[{"type":"function_call","id":"fc_1","call_id":"call_1","name":"shell","arguments":"{\"command\": oops","status":"completed"}],"usage":{"input_tokens":4,"output_tokens":2,"output_tokens_details":{"reasoning_tokens":0}}}}`,
		``,
	}))
	defer server.Close()

	adapter, err := NewOpenAIAdapter(OpenAIOptions{APIKey: "test-key", BaseURL: server.URL}, nil, nil)
	if err != nil {
		t.Fatalf("NewOpenAIAdapter: %v", err)
	}
	stream, err := adapter.Stream(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collectEvents(t, stream)

	var toolUse *models.ToolUseEvent
	for _, ev := range events {
		if ev.Type == models.EventToolUse {
			toolUse = ev.ToolUse
		}
	}
	if toolUse == nil {
		t.Fatal("no tool_use event")
	}
	if toolUse.InputError == "" || string(toolUse.Input) != "{}" {
		t.Errorf("tool use = %+v, want sanitized input with an inputError", toolUse)
	}

	res := stream.Result()
	if res.StopReason != models.StopToolUse || res.Err != nil {
		t.Fatalf("result = %+v (err %v)", res, res.Err)
	}
	if res.FinalMessage == nil {
		t.Fatal("no final message")
	}
	uses := res.FinalMessage.ToolUses()
	if len(uses) != 1 || string(uses[0].Input) != "{}" {
		t.Errorf("final tool blocks = %+v", uses)
	}
}

func TestOpenAIContinuationSendsOnlyNewInput(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		sseHandler(t, []string{
			`event: response.created`,
			`data: {"type":"response.created","sequence_number":0,"response":{"id":"resp_2","object":"response","status":"in_progress","output":[]}}`,
			``,
			`event: response.completed`,
			`data: {"type":"response.completed","sequence_number":1,"response":{"id":"resp_2","object":"response","status":"completed","output":[{"type":"message","id":"msg_2","role":"assistant","status":"completed","content":[{"type":"output_text","text":"done","annotations":[]}]}],"usage":{"input_tokens":2,"output_tokens":1,"output_tokens_details":{"reasoning_tokens":0}}}}`,
			``,
		})(w, r)
	}))
	defer server.Close()

	adapter, err := NewOpenAIAdapter(OpenAIOptions{APIKey: "test-key", BaseURL: server.URL}, nil, nil)
	if err != nil {
		t.Fatalf("NewOpenAIAdapter: %v", err)
	}

	conv := models.Conversation{Messages: []models.Message{
		models.TextMessage("u1", models.RoleUser, "list files"),
		{ID: "a1", Role: models.RoleAssistant, Content: []models.ContentBlock{
			{Type: models.BlockToolUse, ID: "call_1", Name: "bash", Input: json.RawMessage(`{"command":"ls"}`)},
		}},
		models.ToolResultMessage("u2", []models.ContentBlock{
			{Type: models.BlockToolResult, ToolUseID: "call_1", Content: "a.txt\n"},
		}),
	}}
	stream, err := adapter.Stream(context.Background(), &Request{
		Conversation:       conv,
		PreviousResponseID: "resp_1",
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collectEvents(t, stream)

	if got := gotBody["previous_response_id"]; got != "resp_1" {
		t.Errorf("previous_response_id = %v", got)
	}
	inputAny, _ := gotBody["input"].([]any)
	if len(inputAny) != 1 {
		t.Fatalf("input items = %d, want only the new tool output", len(inputAny))
	}
	item, _ := inputAny[0].(map[string]any)
	if item["type"] != "function_call_output" || item["call_id"] != "call_1" {
		t.Errorf("input item = %v", item)
	}

	res := stream.Result()
	if res.ResponseID != "resp_2" {
		t.Errorf("new continuation handle = %q", res.ResponseID)
	}
}

func TestOpenAIReasoningExtraction(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`event: response.created`,
		`data: {"type":"response.created","sequence_number":0,"response":{"id":"resp_r","object":"response","status":"in_progress","output":[]}}`,
		``,
		`event: response.completed`,
		`data: {"type":"response.completed","sequence_number":1,"response":{"id":"resp_r","object":"response","status":"completed","output":[{"type":"reasoning","id":"rs_1","summary":[{"type":"summary_text","text":"I considered the options."}]},{"type":"message","id":"msg_r","role":"assistant","status":"completed","content":[{"type":"output_text","text":"answer","annotations":[]}]}],"usage":{"input_tokens":5,"output_tokens":3,"output_tokens_details":{"reasoning_tokens":11}}}}`,
		``,
	}))
	defer server.Close()

	adapter, err := NewOpenAIAdapter(OpenAIOptions{APIKey: "test-key", BaseURL: server.URL}, nil, nil)
	if err != nil {
		t.Fatalf("NewOpenAIAdapter: %v", err)
	}
	stream, err := adapter.Stream(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collectEvents(t, stream)

	var sawReasoning, sawReasoningEnd bool
	for _, ev := range events {
		switch ev.Type {
		case models.EventReasoningDelta:
			sawReasoning = ev.Text == "I considered the options."
		case models.EventReasoningEnd:
			sawReasoningEnd = true
		}
	}
	if !sawReasoning || !sawReasoningEnd {
		t.Errorf("reasoning events missing: delta=%v end=%v", sawReasoning, sawReasoningEnd)
	}

	res := stream.Result()
	if res.Usage.ReasoningTokens != 11 {
		t.Errorf("reasoning tokens = %d", res.Usage.ReasoningTokens)
	}
	if res.FinalMessage == nil || res.FinalMessage.Content[0].Type != models.BlockThinking {
		t.Errorf("final message = %+v", res.FinalMessage)
	}
}
