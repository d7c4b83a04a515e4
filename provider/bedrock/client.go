// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used by
// the adapter, matching *bedrockruntime.Client so callers can substitute a
// fake in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	Runtime   RuntimeClient
	MaxTokens int
	Models    []model.ModelInfo
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime   RuntimeClient
	maxTokens int
	models    []model.ModelInfo
}

// New builds a Bedrock-backed client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{runtime: opts.Runtime, maxTokens: maxTokens, models: opts.Models}, nil
}

// Complete issues a non-streaming Converse request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	input, err := c.prepareInput(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, translateError(err)
	}
	return translateOutput(out)
}

// Stream issues a ConverseStream request and adapts its event stream into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	input := &bedrockruntime.ConverseStreamInput{}
	base, err := c.prepareInput(req)
	if err != nil {
		return nil, err
	}
	input.ModelId = base.ModelId
	input.Messages = base.Messages
	input.System = base.System
	input.ToolConfig = base.ToolConfig
	input.InferenceConfig = base.InferenceConfig

	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, translateError(err)
	}
	return newStreamer(ctx, out), nil
}

// ListModels returns the statically configured model catalogue; Bedrock's
// foundation-model listing API is account/region scoped and carries no
// cost metadata, so operators configure it explicitly.
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

func (c *Client) prepareInput(req *model.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, cberr.New(cberr.KindValidation, "EmptyMessages", "bedrock: messages are required")
	}
	if req.Model == "" {
		return nil, cberr.New(cberr.KindValidation, "MissingModel", "bedrock: model identifier is required")
	}

	var system []brtypes.SystemContentBlock
	var messages []brtypes.Message
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case model.RoleUser:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleAssistant:
			blocks, err := assistantBlocks(m)
			if err != nil {
				return nil, err
			}
			messages = append(messages, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})
		case model.RoleTool:
			var payload document.Interface
			var decoded any
			if err := json.Unmarshal([]byte(m.Content), &decoded); err == nil {
				payload = document.NewLazyDocument(decoded)
			} else {
				payload = document.NewLazyDocument(m.Content)
			}
			messages = append(messages, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(m.ToolCallID),
						Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberJson{Value: payload}},
					},
				}},
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	inferCfg := &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	if req.Temperature > 0 {
		inferCfg.Temperature = aws.Float32(req.Temperature)
	}
	if req.TopP > 0 {
		inferCfg.TopP = aws.Float32(req.TopP)
	}
	if len(req.Stop) > 0 {
		inferCfg.StopSequences = req.Stop
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model),
		Messages:        messages,
		InferenceConfig: inferCfg,
	}
	if len(system) > 0 {
		input.System = system
	}
	if len(req.Tools) > 0 {
		toolConfig, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = toolConfig
	}
	// PresencePenalty/FrequencyPenalty have no Bedrock Converse analog and
	// are silently dropped.
	return input, nil
}

func assistantBlocks(m model.Message) ([]brtypes.ContentBlock, error) {
	var blocks []brtypes.ContentBlock
	if m.Content != "" {
		blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
	}
	for _, tc := range m.ToolCalls {
		var args any
		if len(tc.Arguments) > 0 {
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				return nil, cberr.Wrap(cberr.KindValidation, "BadToolArgs", "bedrock: invalid tool call arguments", err)
			}
		}
		blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
			Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     document.NewLazyDocument(args),
			},
		})
	}
	return blocks, nil
}

func encodeTools(defs []model.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	tools := make([]brtypes.Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(d.Name),
				Description: aws.String(d.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(d.InputSchema)},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: tools}, nil
}

func translateOutput(out *bedrockruntime.ConverseOutput) (*model.Response, error) {
	resp := &model.Response{Message: model.Message{Role: model.RoleAssistant}}
	msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, cberr.New(cberr.KindProvider, "BedrockUnexpectedOutput", "bedrock: unexpected converse output shape")
	}
	for _, block := range msgOutput.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			resp.Message.Content += b.Value
		case *brtypes.ContentBlockMemberToolUse:
			args, _ := json.Marshal(b.Value.Input)
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, model.ToolCall{
				ID: aws.ToString(b.Value.ToolUseId), Name: aws.ToString(b.Value.Name), Arguments: args,
			})
		}
	}
	if out.Usage != nil {
		resp.Usage = model.TokenUsage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	resp.FinishReason = translateStopReason(out.StopReason)
	return resp, nil
}

func translateStopReason(reason brtypes.StopReason) model.FinishReason {
	switch reason {
	case brtypes.StopReasonEndTurn, brtypes.StopReasonStopSequence:
		return model.FinishStop
	case brtypes.StopReasonMaxTokens:
		return model.FinishLength
	case brtypes.StopReasonToolUse:
		return model.FinishToolCalls
	case brtypes.StopReasonContentFiltered:
		return model.FinishContentFilter
	default:
		return model.FinishStop
	}
}

func translateError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return cberr.Wrap(cberr.KindProvider, "BedrockThrottled", "bedrock: throttled", err).WithRetryable(true)
		case "AccessDeniedException", "UnauthorizedException":
			return cberr.Wrap(cberr.KindAuthentication, "BedrockAuthFailed", "bedrock: authentication failed", err)
		case "ModelTimeoutException", "ServiceUnavailableException", "InternalServerException":
			return cberr.Wrap(cberr.KindProvider, "BedrockServerError", "bedrock: server error", err).WithRetryable(true)
		}
	}
	return cberr.Wrap(cberr.KindProvider, "BedrockRequestFailed", fmt.Sprintf("bedrock: request failed: %v", err), err)
}
