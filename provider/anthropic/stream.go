package anthropic

import (
	"context"
	"errors"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/circuitbreaker/cb/model"
)

// streamer adapts an Anthropic Messages SSE stream to model.Streamer: a
// goroutine drains the SDK's event iterator and republishes canonical
// model.Chunks on a bounded channel, so callers get uniform backpressure
// across every provider.
type streamer struct {
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	chunks chan model.Chunk

	mu       sync.Mutex
	finalErr error

	toolCalls map[int]*pendingToolCall
}

type pendingToolCall struct {
	id, name string
	json     []byte
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		cancel:    cancel,
		stream:    stream,
		chunks:    make(chan model.Chunk, 32),
		toolCalls: map[int]*pendingToolCall{},
	}
	go s.run(cctx)
	return s
}

func (s *streamer) run(ctx context.Context) {
	defer close(s.chunks)
	for s.stream.Next() {
		event := s.stream.Current()
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
	if err := s.stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.mu.Lock()
		s.finalErr = err
		s.mu.Unlock()
	}
}

func (s *streamer) translate(event sdk.MessageStreamEventUnion) (model.Chunk, bool) {
	switch event.Type {
	case "message_start":
		return model.Chunk{Role: string(model.RoleAssistant)}, true

	case "content_block_start":
		if event.ContentBlock.Type == "tool_use" {
			s.toolCalls[int(event.Index)] = &pendingToolCall{
				id:   event.ContentBlock.ID,
				name: event.ContentBlock.Name,
			}
		}
		return model.Chunk{}, false

	case "content_block_delta":
		switch event.Delta.Type {
		case "text_delta":
			return model.Chunk{Content: event.Delta.Text}, true
		case "input_json_delta":
			if tc, ok := s.toolCalls[int(event.Index)]; ok {
				tc.json = append(tc.json, event.Delta.PartialJSON...)
			}
			return model.Chunk{}, false
		}
		return model.Chunk{}, false

	case "content_block_stop":
		if tc, ok := s.toolCalls[int(event.Index)]; ok {
			delete(s.toolCalls, int(event.Index))
			args := tc.json
			if len(args) == 0 {
				args = []byte("{}")
			}
			return model.Chunk{ToolCalls: []model.ToolCall{{ID: tc.id, Name: tc.name, Arguments: args}}}, true
		}
		return model.Chunk{}, false

	case "message_delta":
		usage := model.TokenUsage{CompletionTokens: int(event.Usage.OutputTokens)}
		if reason := translateStopReason(string(event.Delta.StopReason)); reason != "" {
			return model.Chunk{FinishReason: reason, UsageDelta: &usage}, true
		}
		return model.Chunk{UsageDelta: &usage}, true

	default:
		return model.Chunk{}, false
	}
}

func (s *streamer) Recv() (model.Chunk, error) {
	chunk, ok := <-s.chunks
	if ok {
		return chunk, nil
	}
	s.mu.Lock()
	err := s.finalErr
	s.mu.Unlock()
	if err != nil {
		return model.Chunk{}, translateError(err)
	}
	return model.Chunk{}, io.EOF
}

func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}
