package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/haasonsaas/tether/internal/observability"
	"github.com/haasonsaas/tether/pkg/models"
)

// AnthropicOptions configures the blocks adapter.
type AnthropicOptions struct {
	APIKey  string
	BaseURL string

	// Model is the default model for turns and title derivation.
	Model string

	// MaxRetries bounds retry attempts on transient stream-open failures.
	// Default 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Default 1s.
	RetryDelay time.Duration

	AuthMode AuthMode
	OAuth    OAuthOptions
}

// AnthropicAdapter is the blocks adapter: content-block streaming, full
// conversation replay per turn, no continuation handle.
type AnthropicAdapter struct {
	client     anthropic.Client
	apiKey     string
	model      string
	authMode   AuthMode
	oauth      *oauthCredentials
	maxRetries int
	retryDelay time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAnthropicAdapter validates the auth configuration and builds the SDK
// client. Auth headers are attached per request so OAuth refresh and api-key
// fallback stay request-local.
func NewAnthropicAdapter(opts AnthropicOptions, logger *observability.Logger, metrics *observability.Metrics) (*AnthropicAdapter, error) {
	mode := opts.AuthMode
	if mode == "" {
		mode = AuthAPIKey
	}

	a := &AnthropicAdapter{
		apiKey:     opts.APIKey,
		model:      opts.Model,
		authMode:   mode,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		logger:     logger,
		metrics:    metrics,
	}
	if a.model == "" {
		a.model = "claude-sonnet-4-20250514"
	}
	if a.maxRetries <= 0 {
		a.maxRetries = 3
	}
	if a.retryDelay <= 0 {
		a.retryDelay = time.Second
	}

	needsKey := mode == AuthAPIKey || mode == AuthOAuthThenKey || mode == AuthKeyThenOAuth
	if needsKey && opts.APIKey == "" {
		return nil, errors.New("anthropic: API key is required for auth mode " + string(mode))
	}
	if mode != AuthAPIKey {
		creds, err := newOAuthCredentials(opts.OAuth)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		a.oauth = creds
	}

	clientOpts := []option.RequestOption{}
	if strings.TrimSpace(opts.BaseURL) != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	a.client = anthropic.NewClient(clientOpts...)
	return a, nil
}

func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Stream opens one streaming turn and translates block events into the
// normalized vocabulary.
func (a *AnthropicAdapter) Stream(ctx context.Context, req *Request) (*Stream, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	s := NewStream()
	go func() {
		start := time.Now()
		sse, err := a.openStream(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				a.finishAborted(s, "", nil)
				return
			}
			s.Finish(&StreamResult{StopReason: models.StopError, Err: err})
			return
		}
		defer sse.Close()

		a.processStream(ctx, sse, s)
		if a.metrics != nil {
			a.metrics.LLMRequestDuration.WithLabelValues(a.Name(), a.model).Observe(time.Since(start).Seconds())
		}
	}()
	return s, nil
}

// openStream walks the auth ladder and retries transient failures with
// exponential backoff. The returned stream has not been advanced.
func (a *AnthropicAdapter) openStream(ctx context.Context, params anthropic.MessageNewParams) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		sse, err := a.openWithAuth(ctx, params)
		if err == nil {
			return sse, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) {
			return nil, err
		}
		if attempt < a.maxRetries {
			backoff := a.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			if a.logger != nil {
				a.logger.Warn(ctx, "anthropic stream open failed, retrying",
					"attempt", attempt+1, "backoff", backoff.String(), "error", err.Error())
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
}

// openWithAuth tries each configured auth scheme in order. OAuth failures
// with 401/403 get one forced token refresh and retry; the specific 400 for
// unauthorized OAuth credentials falls through to the api key when one is
// configured.
func (a *AnthropicAdapter) openWithAuth(ctx context.Context, params anthropic.MessageNewParams) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	var lastErr error
	for _, scheme := range a.authSchemes() {
		sse, err := a.openOnce(ctx, params, scheme, false)
		if err == nil {
			return sse, nil
		}
		lastErr = err

		if scheme == AuthOAuth && IsAuth(err) {
			sse, err = a.openOnce(ctx, params, scheme, true)
			if err == nil {
				return sse, nil
			}
			lastErr = err
		}
		if scheme == AuthOAuth && !IsAuth(lastErr) && !oauthNotAuthorized(lastErr) {
			break
		}
		if scheme == AuthAPIKey && !IsAuth(lastErr) {
			break
		}
	}
	return nil, lastErr
}

// authSchemes returns the ladder of schemes to try, most preferred first.
func (a *AnthropicAdapter) authSchemes() []AuthMode {
	switch a.authMode {
	case AuthOAuth:
		return []AuthMode{AuthOAuth}
	case AuthOAuthThenKey:
		return []AuthMode{AuthOAuth, AuthAPIKey}
	case AuthKeyThenOAuth:
		return []AuthMode{AuthAPIKey, AuthOAuth}
	default:
		return []AuthMode{AuthAPIKey}
	}
}

// openOnce opens the stream with one auth scheme and primes it so transport
// and auth errors surface here instead of mid-consumption.
func (a *AnthropicAdapter) openOnce(ctx context.Context, params anthropic.MessageNewParams, scheme AuthMode, forceRefresh bool) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	var opts []option.RequestOption
	switch scheme {
	case AuthOAuth:
		token, err := a.oauth.bearer(ctx, forceRefresh)
		if err != nil {
			return nil, a.wrapError(err)
		}
		opts = append(opts, option.WithAuthToken(token))
	default:
		opts = append(opts, option.WithAPIKey(a.apiKey))
	}

	sse := a.client.Messages.NewStreaming(ctx, params, opts...)
	if err := sse.Err(); err != nil {
		sse.Close()
		return nil, a.wrapError(err)
	}
	return sse, nil
}

// maxEmptyStreamEvents bounds consecutive events that carry no content before
// the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// processStream translates block events, accumulating content so a final
// assistant message can be synthesized at any terminal point.
func (a *AnthropicAdapter) processStream(ctx context.Context, sse *ssestream.Stream[anthropic.MessageStreamEventUnion], s *Stream) {
	var (
		msgID       string
		blocks      []models.ContentBlock
		text        strings.Builder
		thinking    strings.Builder
		signature   strings.Builder
		inText      bool
		inThinking  bool
		toolBlock   *models.ContentBlock
		toolInput   strings.Builder
		usage       models.Usage
		stopReason  models.StopReason
		emptyEvents int
	)

	closeOpenText := func() {
		if inText {
			blocks = append(blocks, models.ContentBlock{Type: models.BlockText, Text: text.String()})
			text.Reset()
			inText = false
		}
	}
	synthesize := func() *models.Message {
		final := blocks
		if inText && text.Len() > 0 {
			final = append(final, models.ContentBlock{Type: models.BlockText, Text: text.String()})
		}
		if len(final) == 0 {
			return nil
		}
		id := msgID
		if id == "" {
			id = uuid.NewString()
		}
		return &models.Message{ID: id, Role: models.RoleAssistant, Content: final, CreatedAt: time.Now()}
	}

	for sse.Next() {
		event := sse.Current()
		processed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			msgID = messageStart.Message.ID
			usage.InputTokens = int(messageStart.Message.Usage.InputTokens)
			processed = true
			if !s.Emit(ctx, models.StreamEvent{Type: models.EventMessageStart, MessageID: msgID}) {
				a.finishAborted(s, msgID, synthesize())
				return
			}

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			switch contentBlock.Type {
			case "text":
				inText = true
				text.Reset()
				processed = true
			case "thinking":
				inThinking = true
				thinking.Reset()
				signature.Reset()
				processed = true
			case "tool_use":
				toolUse := contentBlock.AsToolUse()
				toolBlock = &models.ContentBlock{
					Type: models.BlockToolUse,
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				toolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					processed = true
					if !s.Emit(ctx, models.StreamEvent{Type: models.EventTextDelta, Text: delta.Text}) {
						a.finishAborted(s, msgID, synthesize())
						return
					}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinking.WriteString(delta.Thinking)
					processed = true
					if !s.Emit(ctx, models.StreamEvent{Type: models.EventReasoningDelta, Text: delta.Thinking}) {
						a.finishAborted(s, msgID, synthesize())
						return
					}
				}
			case "signature_delta":
				if delta.Signature != "" {
					signature.WriteString(delta.Signature)
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			switch {
			case inThinking:
				blocks = append(blocks, models.ContentBlock{
					Type:      models.BlockThinking,
					Thinking:  thinking.String(),
					Signature: signature.String(),
				})
				inThinking = false
				processed = true
				if !s.Emit(ctx, models.StreamEvent{Type: models.EventReasoningEnd, Signature: signature.String()}) {
					a.finishAborted(s, msgID, synthesize())
					return
				}

			case toolBlock != nil:
				raw := toolInput.String()
				if raw == "" {
					raw = "{}"
				}
				// Unparseable input does not kill the stream: the block is
				// sanitized and the request resolves as an errored execution.
				inputError := ""
				if !json.Valid([]byte(raw)) {
					inputError = fmt.Sprintf("malformed tool input for %s: %s", toolBlock.Name, raw)
					raw = "{}"
				}
				toolBlock.Input = json.RawMessage(raw)
				blocks = append(blocks, *toolBlock)
				ev := models.StreamEvent{Type: models.EventToolUse, ToolUse: &models.ToolUseEvent{
					ID:         toolBlock.ID,
					Name:       toolBlock.Name,
					Input:      toolBlock.Input,
					InputError: inputError,
				}}
				toolBlock = nil
				processed = true
				if !s.Emit(ctx, ev) {
					a.finishAborted(s, msgID, synthesize())
					return
				}

			case inText:
				closeOpenText()
				processed = true
				if !s.Emit(ctx, models.StreamEvent{Type: models.EventTextEnd}) {
					a.finishAborted(s, msgID, synthesize())
					return
				}
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				stopReason = mapAnthropicStopReason(string(messageDelta.Delta.StopReason))
			}
			processed = true

		case "message_stop":
			if stopReason == "" {
				stopReason = models.StopEndTurn
			}
			a.recordUsage(usage)
			s.Emit(ctx, models.StreamEvent{Type: models.EventUsage, Usage: &usage})
			s.Emit(ctx, models.StreamEvent{Type: models.EventMessageStop, StopReason: stopReason})
			s.Finish(&StreamResult{
				StopReason:   stopReason,
				FinalMessage: synthesize(),
				Usage:        usage,
			})
			return

		case "error":
			err := a.wrapError(errors.New("anthropic stream error"))
			s.Emit(ctx, models.StreamEvent{Type: models.EventMessageStop, StopReason: models.StopError, Error: err.Error()})
			s.Finish(&StreamResult{StopReason: models.StopError, FinalMessage: synthesize(), Usage: usage, Err: err})
			return
		}

		// Pings and empty deltas are normal in small numbers. A stream that
		// floods them is broken upstream.
		if processed {
			emptyEvents = 0
		} else if emptyEvents++; emptyEvents >= maxEmptyStreamEvents {
			err := a.wrapError(fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents))
			s.Emit(ctx, models.StreamEvent{Type: models.EventMessageStop, StopReason: models.StopError, Error: err.Error()})
			s.Finish(&StreamResult{StopReason: models.StopError, FinalMessage: synthesize(), Usage: usage, Err: err})
			return
		}
	}

	if err := sse.Err(); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			a.finishAborted(s, msgID, synthesize())
			return
		}
		wrapped := a.wrapError(err)
		s.Emit(ctx, models.StreamEvent{Type: models.EventMessageStop, StopReason: models.StopError, Error: wrapped.Error()})
		s.Finish(&StreamResult{StopReason: models.StopError, FinalMessage: synthesize(), Usage: usage, Err: wrapped})
		return
	}

	// Stream ended without a message_stop. Treat as aborted.
	a.finishAborted(s, msgID, synthesize())
}

// finishAborted emits a best-effort terminal message_stop and records the
// aborted result with whatever content accumulated.
func (a *AnthropicAdapter) finishAborted(s *Stream, msgID string, final *models.Message) {
	select {
	case s.events <- models.StreamEvent{Type: models.EventMessageStop, MessageID: msgID, StopReason: models.StopAborted}:
	default:
	}
	s.Finish(&StreamResult{StopReason: models.StopAborted, FinalMessage: final})
}

func (a *AnthropicAdapter) recordUsage(usage models.Usage) {
	if a.metrics == nil {
		return
	}
	a.metrics.LLMTokensUsed.WithLabelValues(a.Name(), "input").Add(float64(usage.InputTokens))
	a.metrics.LLMTokensUsed.WithLabelValues(a.Name(), "output").Add(float64(usage.OutputTokens))
}

func mapAnthropicStopReason(reason string) models.StopReason {
	switch reason {
	case "end_turn":
		return models.StopEndTurn
	case "max_tokens":
		return models.StopMaxTokens
	case "stop_sequence":
		return models.StopStopSequence
	case "tool_use":
		return models.StopToolUse
	case "pause_turn":
		return models.StopPauseTurn
	default:
		return models.StopEndTurn
	}
}

func (a *AnthropicAdapter) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	model := a.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	messages, err := convertMessages(req.Conversation.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	tools, err := convertTools(req.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		Tools:     tools,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params, nil
}

// convertMessages replays the conversation in provider block format. User
// messages carry text or tool_result blocks; assistant messages carry text,
// thinking and tool_use blocks.
func convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					content = append(content, anthropic.NewTextBlock(block.Text))
				}
			case models.BlockThinking:
				content = append(content, anthropic.NewThinkingBlock(block.Signature, block.Thinking))
			case models.BlockToolUse:
				var input map[string]any
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool_use input for %s: %w", block.ID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(block.ID, input, block.Name))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, block.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(defs []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", def.Name)
		}
		toolParam.OfTool.Description = anthropic.String(def.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// GenerateTitle makes a one-shot, tightly capped completion for session
// naming.
func (a *AnthropicAdapter) GenerateTitle(ctx context.Context, content string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 16,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(
				"Generate a short title (max 3 words) for a coding session that starts with this message. Reply with the title only.\n\n" + content,
			)),
		},
	}

	var opts []option.RequestOption
	switch a.authMode {
	case AuthOAuth, AuthOAuthThenKey:
		token, err := a.oauth.bearer(ctx, false)
		if err != nil {
			return "", a.wrapError(err)
		}
		opts = append(opts, option.WithAuthToken(token))
	default:
		opts = append(opts, option.WithAPIKey(a.apiKey))
	}

	msg, err := a.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return "", a.wrapError(err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return strings.Trim(strings.TrimSpace(block.Text), `"`), nil
		}
	}
	return "", errors.New("anthropic: empty title response")
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (a *AnthropicAdapter) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: a.Name(),
			Model:    a.model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else if providerErr.Message == "" {
			providerErr.Message = "anthropic request failed"
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError(a.Name(), a.model, err)
}
