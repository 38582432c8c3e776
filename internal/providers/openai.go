package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/openai/openai-go/v2/responses"
	"github.com/openai/openai-go/v2/shared"

	"github.com/haasonsaas/tether/internal/observability"
	"github.com/haasonsaas/tether/pkg/models"
)

// OpenAIOptions configures the response adapter.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Model   string

	// MaxRetries bounds retry attempts on transient open failures. Default 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Default 1s.
	RetryDelay time.Duration
}

// OpenAIAdapter is the response adapter: the provider-assigned response id is
// the continuation handle, so follow-up turns send only the new tool-result
// items with a previous_response_id reference instead of replaying the
// transcript.
type OpenAIAdapter struct {
	client     openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewOpenAIAdapter(opts OpenAIOptions, logger *observability.Logger, metrics *observability.Metrics) (*OpenAIAdapter, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if strings.TrimSpace(opts.BaseURL) != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	a := &OpenAIAdapter{
		client:     openai.NewClient(clientOpts...),
		model:      opts.Model,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		logger:     logger,
		metrics:    metrics,
	}
	if a.model == "" {
		a.model = "gpt-4.1"
	}
	if a.maxRetries <= 0 {
		a.maxRetries = 3
	}
	if a.retryDelay <= 0 {
		a.retryDelay = time.Second
	}
	return a, nil
}

func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Stream opens one response turn and translates response events into the
// normalized vocabulary.
func (a *OpenAIAdapter) Stream(ctx context.Context, req *Request) (*Stream, error) {
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

func (a *OpenAIAdapter) openStream(ctx context.Context, params responses.ResponseNewParams) (*ssestream.Stream[responses.ResponseStreamEventUnion], error) {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		sse := a.client.Responses.NewStreaming(ctx, params)
		err := sse.Err()
		if err == nil {
			return sse, nil
		}
		sse.Close()
		lastErr = a.wrapError(err)
		if ctx.Err() != nil || !IsRetryable(lastErr) {
			return nil, lastErr
		}
		if attempt < a.maxRetries {
			backoff := a.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			if a.logger != nil {
				a.logger.Warn(ctx, "openai stream open failed, retrying",
					"attempt", attempt+1, "backoff", backoff.String(), "error", lastErr.Error())
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
}

func (a *OpenAIAdapter) processStream(ctx context.Context, sse *ssestream.Stream[responses.ResponseStreamEventUnion], s *Stream) {
	var (
		responseID string
		sawText    bool
		sawTool    bool
		usage      models.Usage
		final      *models.Message
	)

	abort := func() {
		a.finishAborted(s, responseID, final)
	}

	for sse.Next() {
		event := sse.Current()

		switch event.Type {
		case "response.created":
			responseID = event.Response.ID
			if !s.Emit(ctx, models.StreamEvent{Type: models.EventMessageStart, MessageID: responseID}) {
				abort()
				return
			}

		case "response.output_text.delta":
			if event.Delta != "" {
				sawText = true
				if !s.Emit(ctx, models.StreamEvent{Type: models.EventTextDelta, Text: event.Delta}) {
					abort()
					return
				}
			}

		case "response.output_text.done":
			if sawText {
				if !s.Emit(ctx, models.StreamEvent{Type: models.EventTextEnd}) {
					abort()
					return
				}
			}

		case "response.output_item.done":
			item := event.Item
			if item.Type != "function_call" {
				break
			}
			call := item.AsFunctionCall()
			args := call.Arguments
			if args == "" {
				args = "{}"
			}
			// Unparseable arguments do not kill the stream: the request is
			// sanitized and resolves as an errored execution downstream.
			inputError := ""
			if !json.Valid([]byte(args)) {
				inputError = fmt.Sprintf("malformed tool arguments for %s: %s", call.Name, args)
				args = "{}"
			}
			sawTool = true
			ev := models.StreamEvent{Type: models.EventToolUse, ToolUse: &models.ToolUseEvent{
				ID:         call.CallID,
				Name:       canonicalToolName(call.Name),
				Input:      json.RawMessage(args),
				ResponseID: responseID,
				InputError: inputError,
			}}
			if !s.Emit(ctx, ev) {
				abort()
				return
			}

		case "response.completed":
			resp := event.Response
			responseID = resp.ID
			usage = models.Usage{
				InputTokens:     int(resp.Usage.InputTokens),
				OutputTokens:    int(resp.Usage.OutputTokens),
				ReasoningTokens: int(resp.Usage.OutputTokensDetails.ReasoningTokens),
			}
			final = a.synthesizeFinal(&resp)

			if reasoning := reasoningText(&resp); reasoning != "" {
				if !s.Emit(ctx, models.StreamEvent{Type: models.EventReasoningDelta, Text: reasoning}) {
					abort()
					return
				}
				if !s.Emit(ctx, models.StreamEvent{Type: models.EventReasoningEnd}) {
					abort()
					return
				}
			}

			stop := models.StopEndTurn
			if sawTool {
				stop = models.StopToolUse
			}
			a.recordUsage(usage)
			s.Emit(ctx, models.StreamEvent{Type: models.EventUsage, Usage: &usage})
			s.Emit(ctx, models.StreamEvent{Type: models.EventMessageStop, StopReason: stop})
			s.Finish(&StreamResult{
				StopReason:   stop,
				ResponseID:   responseID,
				FinalMessage: final,
				Usage:        usage,
			})
			return

		case "response.incomplete":
			resp := event.Response
			final = a.synthesizeFinal(&resp)
			stop := models.StopMaxTokens
			if resp.IncompleteDetails.Reason == "content_filter" {
				stop = models.StopStopSequence
			}
			s.Emit(ctx, models.StreamEvent{Type: models.EventMessageStop, StopReason: stop})
			s.Finish(&StreamResult{StopReason: stop, ResponseID: resp.ID, FinalMessage: final, Usage: usage})
			return

		case "response.failed":
			resp := event.Response
			err := NewProviderError(a.Name(), a.model, fmt.Errorf("%s", resp.Error.Message)).
				WithCode(string(resp.Error.Code))
			s.Emit(ctx, models.StreamEvent{Type: models.EventMessageStop, StopReason: models.StopError, Error: err.Error()})
			s.Finish(&StreamResult{StopReason: models.StopError, FinalMessage: final, Usage: usage, Err: err})
			return

		case "error":
			err := NewProviderError(a.Name(), a.model, fmt.Errorf("%s", event.Message)).WithCode(event.Code)
			s.Emit(ctx, models.StreamEvent{Type: models.EventMessageStop, StopReason: models.StopError, Error: err.Error()})
			s.Finish(&StreamResult{StopReason: models.StopError, FinalMessage: final, Usage: usage, Err: err})
			return
		}
	}

	if err := sse.Err(); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			abort()
			return
		}
		wrapped := a.wrapError(err)
		s.Emit(ctx, models.StreamEvent{Type: models.EventMessageStop, StopReason: models.StopError, Error: wrapped.Error()})
		s.Finish(&StreamResult{StopReason: models.StopError, FinalMessage: final, Usage: usage, Err: wrapped})
		return
	}

	// Stream ended without response.completed; a cancel racing stream close
	// lands here. Discard the response id so the next turn replays input.
	abort()
}

// finishAborted emits a best-effort terminal message_stop and records the
// aborted result. No response id is kept: continuing from an incomplete
// response poisons the next turn.
func (a *OpenAIAdapter) finishAborted(s *Stream, msgID string, final *models.Message) {
	select {
	case s.events <- models.StreamEvent{Type: models.EventMessageStop, MessageID: msgID, StopReason: models.StopAborted}:
	default:
	}
	s.Finish(&StreamResult{StopReason: models.StopAborted, FinalMessage: final})
}

// synthesizeFinal builds the normalized assistant message from the completed
// response's output items.
func (a *OpenAIAdapter) synthesizeFinal(resp *responses.Response) *models.Message {
	var blocks []models.ContentBlock
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			msg := item.AsMessage()
			for _, part := range msg.Content {
				if part.Type == "output_text" && part.Text != "" {
					blocks = append(blocks, models.ContentBlock{Type: models.BlockText, Text: part.Text})
				}
			}
		case "reasoning":
			if text := reasoningItemText(item); text != "" {
				blocks = append(blocks, models.ContentBlock{Type: models.BlockThinking, Thinking: text})
			}
		case "function_call":
			call := item.AsFunctionCall()
			args := call.Arguments
			if args == "" || !json.Valid([]byte(args)) {
				args = "{}"
			}
			blocks = append(blocks, models.ContentBlock{
				Type:  models.BlockToolUse,
				ID:    call.CallID,
				Name:  canonicalToolName(call.Name),
				Input: json.RawMessage(args),
			})
		}
	}
	if len(blocks) == 0 {
		return nil
	}
	id := resp.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &models.Message{ID: id, Role: models.RoleAssistant, Content: blocks, CreatedAt: time.Now()}
}

// reasoningText concatenates reasoning from all reasoning items of the final
// response. Summary parts are preferred, then content parts.
func reasoningText(resp *responses.Response) string {
	var parts []string
	for _, item := range resp.Output {
		if item.Type != "reasoning" {
			continue
		}
		if text := reasoningItemText(item); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func reasoningItemText(item responses.ResponseOutputItemUnion) string {
	reasoning := item.AsReasoning()
	var parts []string
	for _, summary := range reasoning.Summary {
		if summary.Text != "" {
			parts = append(parts, summary.Text)
		}
	}
	if len(parts) == 0 {
		for _, content := range reasoning.Content {
			if content.Text != "" {
				parts = append(parts, content.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func (a *OpenAIAdapter) recordUsage(usage models.Usage) {
	if a.metrics == nil {
		return
	}
	a.metrics.LLMTokensUsed.WithLabelValues(a.Name(), "input").Add(float64(usage.InputTokens))
	a.metrics.LLMTokensUsed.WithLabelValues(a.Name(), "output").Add(float64(usage.OutputTokens))
	if usage.ReasoningTokens > 0 {
		a.metrics.LLMTokensUsed.WithLabelValues(a.Name(), "reasoning").Add(float64(usage.ReasoningTokens))
	}
}

func (a *OpenAIAdapter) buildParams(req *Request) (responses.ResponseNewParams, error) {
	model := a.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	messages := req.Conversation.Messages
	if req.PreviousResponseID != "" {
		messages = tailSinceLastAssistant(messages)
	}
	input, err := convertInput(messages)
	if err != nil {
		return responses.ResponseNewParams{}, err
	}

	params := responses.ResponseNewParams{
		Model:           shared.ResponsesModel(model),
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfInputItemList: input},
		Tools:           convertOpenAITools(req.Tools),
	}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = openai.String(req.PreviousResponseID)
	}
	return params, nil
}

// tailSinceLastAssistant returns the user messages after the last assistant
// message. With a continuation handle only the new input is sent; everything
// earlier is referenced through previous_response_id.
func tailSinceLastAssistant(messages []models.Message) []models.Message {
	last := -1
	for i, msg := range messages {
		if msg.Role == models.RoleAssistant {
			last = i
		}
	}
	return messages[last+1:]
}

func convertInput(messages []models.Message) (responses.ResponseInputParam, error) {
	var input responses.ResponseInputParam
	for _, msg := range messages {
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				role := responses.EasyInputMessageRoleUser
				if msg.Role == models.RoleAssistant {
					role = responses.EasyInputMessageRoleAssistant
				}
				input = append(input, responses.ResponseInputItemUnionParam{
					OfMessage: &responses.EasyInputMessageParam{
						Role:    role,
						Content: responses.EasyInputMessageContentUnionParam{OfString: openai.String(block.Text)},
					},
				})
			case models.BlockToolUse:
				input = append(input, responses.ResponseInputItemParamOfFunctionCall(
					string(block.Input), block.ID, openaiToolName(block.Name)))
			case models.BlockToolResult:
				input = append(input, responses.ResponseInputItemParamOfFunctionCallOutput(
					block.ToolUseID, block.Content))
			}
		}
	}
	return input, nil
}

func convertOpenAITools(defs []ToolDef) []responses.ToolUnionParam {
	var result []responses.ToolUnionParam
	for _, def := range defs {
		var params map[string]any
		if err := json.Unmarshal(def.Schema, &params); err != nil {
			continue
		}
		tool := responses.ToolParamOfFunction(openaiToolName(def.Name), params, false)
		if tool.OfFunction != nil {
			tool.OfFunction.Description = openai.String(def.Description)
		}
		result = append(result, tool)
	}
	return result
}

// GenerateTitle makes a one-shot, tightly capped response for session naming.
func (a *OpenAIAdapter) GenerateTitle(ctx context.Context, content string) (string, error) {
	params := responses.ResponseNewParams{
		Model:           shared.ResponsesModel(a.model),
		MaxOutputTokens: openai.Int(16),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(
				"Generate a short title (max 3 words) for a coding session that starts with this message. Reply with the title only.\n\n" + content),
		},
	}
	resp, err := a.client.Responses.New(ctx, params)
	if err != nil {
		return "", a.wrapError(err)
	}
	title := strings.Trim(strings.TrimSpace(resp.OutputText()), `"`)
	if title == "" {
		return "", errors.New("openai: empty title response")
	}
	return title, nil
}

func (a *OpenAIAdapter) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: a.Name(),
			Model:    a.model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)
		if apiErr.Code != "" {
			providerErr = providerErr.WithCode(apiErr.Code)
		}
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		} else if providerErr.Message == "" {
			providerErr.Message = "openai request failed"
		}
		return providerErr
	}

	return NewProviderError(a.Name(), a.model, err)
}
