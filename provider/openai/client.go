// Package openai provides a model.Client implementation backed by the
// OpenAI Chat Completions API, using the official openai-go SDK.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
)

// ChatClient captures the subset of the OpenAI SDK used by the adapter, so
// tests can substitute a fake.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Options configures the OpenAI adapter.
type Options struct {
	Models []model.ModelInfo
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat   ChatClient
	models []model.ModelInfo
}

// New builds an OpenAI-backed client from an injected chat client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Client{chat: chat, models: opts.Models}, nil
}

// NewFromAPIKey constructs a client using the SDK's default HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(realChatClient{&c.Chat.Completions}, opts)
}

type realChatClient struct {
	svc *sdk.ChatCompletionService
}

func (r realChatClient) New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error) {
	return r.svc.New(ctx, body, opts...)
}

func (r realChatClient) NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	return r.svc.NewStreaming(ctx, body, opts...)
}

// Complete renders a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		return nil, translateError(err)
	}
	return translateResponse(resp), nil
}

// Stream invokes chat completions with streaming enabled.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.chat.NewStreaming(ctx, *params)
	return newStreamer(ctx, stream), nil
}

// ListModels returns the statically configured model catalogue, supplied at
// construction time (the live /v1/models endpoint carries no cost/quality
// metadata the router needs, so operators configure it explicitly).
func (c *Client) ListModels(context.Context) ([]model.ModelInfo, error) {
	return c.models, nil
}

// ProbeHealth issues a minimal completion as a liveness probe.
func (c *Client) ProbeHealth(ctx context.Context) (model.HealthStatus, error) {
	modelID := ""
	if len(c.models) > 0 {
		modelID = c.models[0].ID
	}
	_, err := c.Complete(ctx, &model.Request{
		Model:     modelID,
		Messages:  []model.Message{{Role: model.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return model.HealthStatus{Healthy: false, LastError: err.Error(), ConsecutiveFailures: 1}, nil
	}
	return model.HealthStatus{Healthy: true}, nil
}

func prepareRequest(req *model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, cberr.New(cberr.KindValidation, "EmptyMessages", "openai: messages are required")
	}
	if req.Model == "" {
		return nil, cberr.New(cberr.KindValidation, "MissingModel", "openai: model identifier is required")
	}

	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			msgs = append(msgs, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			msgs = append(msgs, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			msgs = append(msgs, assistantMessage(m))
		case model.RoleTool:
			msgs = append(msgs, sdk.ToolMessage(m.Content, m.ToolCallID))
		}
	}

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	if req.TopP > 0 {
		params.TopP = sdk.Float(float64(req.TopP))
	}
	if req.FrequencyPenalty != 0 {
		params.FrequencyPenalty = sdk.Float(float64(req.FrequencyPenalty))
	}
	if req.PresencePenalty != 0 {
		params.PresencePenalty = sdk.Float(float64(req.PresencePenalty))
	}
	if len(req.Stop) > 0 {
		params.Stop = sdk.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
		if req.ToolChoice != nil {
			params.ToolChoice = encodeToolChoice(*req.ToolChoice)
		}
	}
	return &params, nil
}

func assistantMessage(m model.Message) sdk.ChatCompletionMessageParamUnion {
	msg := sdk.ChatCompletionAssistantMessageParam{}
	if m.Content != "" {
		msg.Content.OfString = sdk.String(m.Content)
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: sdk.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ChatCompletionToolParam, error) {
	out := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, d := range defs {
		schemaBytes, err := json.Marshal(d.InputSchema)
		if err != nil {
			return nil, cberr.Wrap(cberr.KindValidation, "BadToolSchema", "openai: invalid tool schema for "+d.Name, err)
		}
		var params map[string]any
		if err := json.Unmarshal(schemaBytes, &params); err != nil {
			return nil, cberr.Wrap(cberr.KindValidation, "BadToolSchema", "openai: invalid tool schema for "+d.Name, err)
		}
		out = append(out, sdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        d.Name,
				Description: sdk.String(d.Description),
				Parameters:  shared.FunctionParameters(params),
			},
		})
	}
	return out, nil
}

func encodeToolChoice(tc model.ToolChoice) sdk.ChatCompletionToolChoiceOptionUnionParam {
	switch tc.Mode {
	case model.ToolChoiceNone:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("none")}
	case model.ToolChoiceAny:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("required")}
	case model.ToolChoiceTool:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: tc.Name},
			},
		}
	default:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("auto")}
	}
}

func translateResponse(resp *sdk.ChatCompletion) *model.Response {
	out := &model.Response{
		Usage: model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Message.Role = model.RoleAssistant
	out.Message.Content = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, model.ToolCall{
			ID: tc.ID, Name: tc.Function.Name, Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	out.FinishReason = translateFinishReason(string(choice.FinishReason))
	return out
}

func translateFinishReason(reason string) model.FinishReason {
	switch reason {
	case "stop":
		return model.FinishStop
	case "length":
		return model.FinishLength
	case "tool_calls":
		return model.FinishToolCalls
	case "content_filter":
		return model.FinishContentFilter
	default:
		return model.FinishStop
	}
}

func translateError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return cberr.Wrap(cberr.KindProvider, "OpenAIRateLimited", "openai: rate limited", err).WithRetryable(true)
		case http.StatusUnauthorized, http.StatusForbidden:
			return cberr.Wrap(cberr.KindAuthentication, "OpenAIAuthFailed", "openai: authentication failed", err)
		default:
			if apiErr.StatusCode >= 500 {
				return cberr.Wrap(cberr.KindProvider, "OpenAIServerError", "openai: server error", err).WithRetryable(true)
			}
			if apiErr.StatusCode >= 400 {
				return cberr.Wrap(cberr.KindProvider, "OpenAIRequestFailed", "openai: request failed", err).WithRetryable(false)
			}
		}
	}
	if errors.Is(err, io.EOF) {
		return cberr.Wrap(cberr.KindProvider, "OpenAIStreamClosed", "openai: stream closed unexpectedly", err)
	}
	return cberr.Wrap(cberr.KindProvider, "OpenAIRequestFailed", "openai: request failed", err)
}
