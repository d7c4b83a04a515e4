package bedrock

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/circuitbreaker/cb/model"
)

// translate is pure and side-effect-free aside from the toolID/toolName/
// toolArgs accumulator fields, so it is exercised directly against a bare
// streamer rather than through the SDK's unexported event-stream reader.
func TestTranslateTextDelta(t *testing.T) {
	s := &streamer{}
	chunk, ok := s.translate(&brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			Delta: &brtypes.ContentBlockDeltaMemberText{Value: "hello"},
		},
	})
	if !ok || chunk.Content != "hello" {
		t.Fatalf("unexpected chunk: %+v ok=%v", chunk, ok)
	}
}

func TestTranslateToolUseLifecycle(t *testing.T) {
	s := &streamer{}

	_, ok := s.translate(&brtypes.ConverseStreamOutputMemberContentBlockStart{
		Value: brtypes.ContentBlockStartEvent{
			Start: &brtypes.ContentBlockStartMemberToolUse{
				Value: brtypes.ToolUseBlockStart{ToolUseId: aws.String("t1"), Name: aws.String("test.tool")},
			},
		},
	})
	if ok {
		t.Fatalf("expected content_block_start to produce no chunk")
	}

	_, ok = s.translate(&brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			Delta: &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{Input: aws.String(`{"x":1}`)}},
		},
	})
	if ok {
		t.Fatalf("expected content_block_delta tool_use to produce no chunk")
	}

	chunk, ok := s.translate(&brtypes.ConverseStreamOutputMemberContentBlockStop{})
	if !ok {
		t.Fatalf("expected content_block_stop to finalize a tool call")
	}
	if len(chunk.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(chunk.ToolCalls))
	}
	call := chunk.ToolCalls[0]
	if call.ID != "t1" || call.Name != "test.tool" || string(call.Arguments) != `{"x":1}` {
		t.Fatalf("unexpected tool call: %+v", call)
	}
}

func TestTranslateMessageStop(t *testing.T) {
	s := &streamer{}
	chunk, ok := s.translate(&brtypes.ConverseStreamOutputMemberMessageStop{
		Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonEndTurn},
	})
	if !ok {
		t.Fatalf("expected message_stop to produce a chunk")
	}
	if chunk.FinishReason != model.FinishStop {
		t.Fatalf("unexpected finish reason %q", chunk.FinishReason)
	}
}

func TestTranslateMetadataUsage(t *testing.T) {
	s := &streamer{}
	chunk, ok := s.translate(&brtypes.ConverseStreamOutputMemberMetadata{
		Value: brtypes.ConverseStreamMetadataEvent{
			Usage: &brtypes.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(5), TotalTokens: aws.Int32(15)},
		},
	})
	if !ok || chunk.UsageDelta == nil || chunk.UsageDelta.TotalTokens != 15 {
		t.Fatalf("unexpected chunk: %+v ok=%v", chunk, ok)
	}
}
