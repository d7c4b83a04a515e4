package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
)

type stubRuntime struct {
	converseOut    *bedrockruntime.ConverseOutput
	converseErr    error
	lastConverse   *bedrockruntime.ConverseInput
	streamOut      *bedrockruntime.ConverseStreamOutput
	streamErr      error
	lastStreamIn   *bedrockruntime.ConverseStreamInput
}

func (s *stubRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.lastConverse = params
	return s.converseOut, s.converseErr
}

func (s *stubRuntime) ConverseStream(_ context.Context, params *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	s.lastStreamIn = params
	return s.streamOut, s.streamErr
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubRuntime{
		converseOut: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{
				Value: brtypes.Message{
					Role:    brtypes.ConversationRoleAssistant,
					Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "world"}},
				},
			},
			StopReason: brtypes.StopReasonEndTurn,
			Usage:      &brtypes.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(5), TotalTokens: aws.Int32(15)},
		},
	}
	cl, err := New(Options{Runtime: stub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := &model.Request{
		Model:    "anthropic.claude-3-sonnet",
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	}
	resp, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Message.Content != "world" {
		t.Fatalf("unexpected content %q", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if resp.FinishReason != model.FinishStop {
		t.Fatalf("unexpected finish reason %q", resp.FinishReason)
	}
	if aws.ToString(stub.lastConverse.ModelId) != "anthropic.claude-3-sonnet" {
		t.Fatalf("unexpected model sent upstream: %q", aws.ToString(stub.lastConverse.ModelId))
	}
}

func TestCompleteRequiresMessages(t *testing.T) {
	cl, err := New(Options{Runtime: &stubRuntime{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Complete(context.Background(), &model.Request{Model: "m"})
	if !cberr.Is(err, cberr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTranslateErrorThrottled(t *testing.T) {
	err := translateError(&smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"})
	if !cberr.Is(err, cberr.KindProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	e, _ := cberr.As(err)
	if !e.Retryable() {
		t.Fatalf("expected throttled error to be retryable")
	}
}

func TestTranslateErrorAccessDenied(t *testing.T) {
	err := translateError(&smithy.GenericAPIError{Code: "AccessDeniedException", Message: "nope"})
	if !cberr.Is(err, cberr.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestTranslateErrorWraps(t *testing.T) {
	wrapped := errors.New("boom")
	err := translateError(wrapped)
	if !cberr.Is(err, cberr.KindProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if !errors.Is(err, wrapped) {
		t.Fatalf("expected wrapped cause to be preserved")
	}
}
