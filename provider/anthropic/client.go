// Package anthropic provides a model.Client implementation backed by the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

type realMessagesClient struct {
	svc *sdk.MessageService
}

func (r realMessagesClient) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	return r.svc.New(ctx, body, opts...)
}

func (r realMessagesClient) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	return r.svc.NewStreaming(ctx, body, opts...)
}

// Options configures the Anthropic adapter.
type Options struct {
	DefaultMaxTokens int
	Models           []model.ModelInfo
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	msg              MessagesClient
	defaultMaxTokens int
	models           []model.ModelInfo
}

// New builds an Anthropic-backed client from an injected Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	maxTokens := opts.DefaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, defaultMaxTokens: maxTokens, models: opts.Models}, nil
}

// NewFromAPIKey constructs a client using the official Anthropic SDK's
// default HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(realMessagesClient{&ac.Messages}, opts)
}

// Complete issues a non-streaming request against Messages.New.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, translateError(err)
	}
	return translateResponse(msg), nil
}

// Stream invokes Messages.NewStreaming and adapts events into model.Chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	return newStreamer(ctx, stream), nil
}

// ListModels returns the statically configured model catalogue; Anthropic
// has no public models-list endpoint comparable to OpenAI's.
func (c *Client) ListModels(context.Context) ([]model.ModelInfo, error) {
	return c.models, nil
}

// ProbeHealth issues a minimal 1-token completion to the default model as a
// liveness probe.
func (c *Client) ProbeHealth(ctx context.Context) (model.HealthStatus, error) {
	_, err := c.Complete(ctx, &model.Request{
		Model:     c.defaultModelID(),
		Messages:  []model.Message{{Role: model.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return model.HealthStatus{Healthy: false, LastError: err.Error(), ConsecutiveFailures: 1}, nil
	}
	return model.HealthStatus{Healthy: true}, nil
}

func (c *Client) defaultModelID() string {
	if len(c.models) > 0 {
		return c.models[0].ID
	}
	return ""
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, cberr.New(cberr.KindValidation, "EmptyMessages", "anthropic: messages are required")
	}
	if req.Model == "" {
		return nil, cberr.New(cberr.KindValidation, "MissingModel", "anthropic: model identifier is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.defaultMaxTokens
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	var system []sdk.TextBlockParam
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case model.RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			blocks, err := assistantBlocks(m)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, sdk.MessageParam{Role: sdk.MessageParamRoleAssistant, Content: blocks})
		case model.RoleTool:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	if req.TopP > 0 {
		params.TopP = sdk.Float(float64(req.TopP))
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
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
	// Anthropic has no analog for FrequencyPenalty/PresencePenalty; adapters
	// silently drop parameters the provider does not support rather than
	// erroring, per the canonical Request's documented contract.
	return &params, nil
}

func assistantBlocks(m model.Message) ([]sdk.ContentBlockParamUnion, error) {
	var blocks []sdk.ContentBlockParamUnion
	if m.Content != "" {
		blocks = append(blocks, sdk.NewTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var args any
		if len(tc.Arguments) > 0 {
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				return nil, cberr.Wrap(cberr.KindValidation, "BadToolArgs", "anthropic: invalid tool call arguments", err)
			}
		}
		blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, args, tc.Name))
	}
	return blocks, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schemaBytes, err := json.Marshal(d.InputSchema)
		if err != nil {
			return nil, cberr.Wrap(cberr.KindValidation, "BadToolSchema", fmt.Sprintf("anthropic: invalid schema for tool %s", d.Name), err)
		}
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(schemaBytes, &schema); err != nil {
			return nil, cberr.Wrap(cberr.KindValidation, "BadToolSchema", fmt.Sprintf("anthropic: invalid schema for tool %s", d.Name), err)
		}
		tool := sdk.ToolUnionParamOfTool(schema, d.Name)
		tool.OfTool.Description = sdk.String(d.Description)
		out = append(out, tool)
	}
	return out, nil
}

func encodeToolChoice(tc model.ToolChoice) sdk.ToolChoiceUnionParam {
	switch tc.Mode {
	case model.ToolChoiceNone:
		return sdk.ToolChoiceUnionParam{OfNone: &sdk.ToolChoiceNoneParam{}}
	case model.ToolChoiceAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	case model.ToolChoiceTool:
		return sdk.ToolChoiceUnionParam{OfTool: &sdk.ToolChoiceToolParam{Name: tc.Name}}
	default:
		return sdk.ToolChoiceUnionParam{OfAuto: &sdk.ToolChoiceAutoParam{}}
	}
}

func translateResponse(msg *sdk.Message) *model.Response {
	resp := &model.Response{Message: model.Message{Role: model.RoleAssistant}}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Message.Content += block.Text
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, model.ToolCall{
				ID: block.ID, Name: block.Name, Arguments: args,
			})
		}
	}
	resp.Usage = model.TokenUsage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	resp.FinishReason = translateStopReason(string(msg.StopReason))
	return resp
}

func translateStopReason(stop string) model.FinishReason {
	switch stop {
	case "end_turn", "stop_sequence":
		return model.FinishStop
	case "max_tokens":
		return model.FinishLength
	case "tool_use":
		return model.FinishToolCalls
	default:
		return model.FinishStop
	}
}

func translateError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return cberr.Wrap(cberr.KindProvider, "AnthropicRateLimited", "anthropic: rate limited", err).WithRetryable(true)
		case http.StatusUnauthorized, http.StatusForbidden:
			return cberr.Wrap(cberr.KindAuthentication, "AnthropicAuthFailed", "anthropic: authentication failed", err)
		default:
			if apiErr.StatusCode >= 500 {
				return cberr.Wrap(cberr.KindProvider, "AnthropicServerError", "anthropic: server error", err).WithRetryable(true)
			}
			if apiErr.StatusCode >= 400 {
				return cberr.Wrap(cberr.KindProvider, "AnthropicRequestFailed", "anthropic: request failed", err).WithRetryable(false)
			}
		}
	}
	return cberr.Wrap(cberr.KindProvider, "AnthropicRequestFailed", "anthropic: request failed", err)
}
