package openai

import (
	"context"
	"errors"
	"io"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/circuitbreaker/cb/model"
)

// streamer adapts an OpenAI chat-completion-chunk SSE stream to
// model.Streamer.
type streamer struct {
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]
	chunks chan model.Chunk

	finalErr error

	toolCalls map[int64]*pendingToolCall
}

type pendingToolCall struct {
	id, name string
	args     []byte
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk]) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		cancel:    cancel,
		stream:    stream,
		chunks:    make(chan model.Chunk, 32),
		toolCalls: map[int64]*pendingToolCall{},
	}
	go s.run(cctx)
	return s
}

func (s *streamer) run(ctx context.Context) {
	defer close(s.chunks)
	for s.stream.Next() {
		chunk := s.stream.Current()
		for _, out := range s.translate(chunk) {
			select {
			case s.chunks <- out:
			case <-ctx.Done():
				return
			}
		}
	}
	if err := s.stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.finalErr = err
	}
}

func (s *streamer) translate(chunk sdk.ChatCompletionChunk) []model.Chunk {
	if len(chunk.Choices) == 0 {
		if chunk.Usage.TotalTokens > 0 {
			return []model.Chunk{{UsageDelta: &model.TokenUsage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}}}
		}
		return nil
	}

	choice := chunk.Choices[0]
	var out []model.Chunk

	if choice.Delta.Content != "" {
		out = append(out, model.Chunk{Content: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		idx := tc.Index
		pending, ok := s.toolCalls[idx]
		if !ok {
			pending = &pendingToolCall{id: tc.ID, name: tc.Function.Name}
			s.toolCalls[idx] = pending
		}
		pending.args = append(pending.args, tc.Function.Arguments...)
	}

	if choice.FinishReason != "" {
		for idx, tc := range s.toolCalls {
			args := tc.args
			if len(args) == 0 {
				args = []byte("{}")
			}
			out = append(out, model.Chunk{ToolCalls: []model.ToolCall{{ID: tc.id, Name: tc.name, Arguments: args}}})
			delete(s.toolCalls, idx)
		}
		out = append(out, model.Chunk{FinishReason: translateFinishReason(string(choice.FinishReason))})
	}
	return out
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
	return s.stream.Close()
}
