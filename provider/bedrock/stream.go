package bedrock

import (
	"context"
	"encoding/json"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/circuitbreaker/cb/model"
)

// streamer adapts a Bedrock ConverseStream event stream to model.Streamer.
type streamer struct {
	cancel context.CancelFunc
	out    *bedrockruntime.ConverseStreamOutput
	chunks chan model.Chunk

	finalErr error

	toolID, toolName string
	toolArgs         []byte
}

func newStreamer(ctx context.Context, out *bedrockruntime.ConverseStreamOutput) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{cancel: cancel, out: out, chunks: make(chan model.Chunk, 32)}
	go s.run(cctx)
	return s
}

func (s *streamer) run(ctx context.Context) {
	defer close(s.chunks)
	stream := s.out.GetStream()
	defer stream.Close()
	for event := range stream.Events() {
		chunk, ok := s.translate(event)
		if !ok {
			continue
		}
		select {
		case s.chunks <- chunk:
		case <-ctx.Done():
			return
		}
	}
	if err := stream.Err(); err != nil {
		s.finalErr = err
	}
}

func (s *streamer) translate(event brtypes.ConverseStreamOutput) (model.Chunk, bool) {
	switch e := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if toolUse, ok := e.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			s.toolID = aws.ToString(toolUse.Value.ToolUseId)
			s.toolName = aws.ToString(toolUse.Value.Name)
			s.toolArgs = nil
		}
		return model.Chunk{}, false

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		switch d := e.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			return model.Chunk{Content: d.Value}, true
		case *brtypes.ContentBlockDeltaMemberToolUse:
			s.toolArgs = append(s.toolArgs, []byte(aws.ToString(d.Value.Input))...)
			return model.Chunk{}, false
		}
		return model.Chunk{}, false

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		if s.toolName != "" {
			args := s.toolArgs
			if len(args) == 0 {
				args = []byte("{}")
			}
			chunk := model.Chunk{ToolCalls: []model.ToolCall{{ID: s.toolID, Name: s.toolName, Arguments: json.RawMessage(args)}}}
			s.toolID, s.toolName, s.toolArgs = "", "", nil
			return chunk, true
		}
		return model.Chunk{}, false

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		return model.Chunk{FinishReason: translateStopReason(e.Value.StopReason)}, true

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if e.Value.Usage != nil {
			return model.Chunk{UsageDelta: &model.TokenUsage{
				PromptTokens:     int(aws.ToInt32(e.Value.Usage.InputTokens)),
				CompletionTokens: int(aws.ToInt32(e.Value.Usage.OutputTokens)),
				TotalTokens:      int(aws.ToInt32(e.Value.Usage.TotalTokens)),
			}}, true
		}
		return model.Chunk{}, false

	default:
		return model.Chunk{}, false
	}
}

func (s *streamer) Recv() (model.Chunk, error) {
	chunk, ok := <-s.chunks
	if ok {
		return chunk, nil
	}
	if s.finalErr != nil {
		return model.Chunk{}, translateError(s.finalErr)
	}
	return model.Chunk{}, io.EOF
}

func (s *streamer) Close() error {
	s.cancel()
	return nil
}
