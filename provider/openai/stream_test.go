package openai

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/circuitbreaker/cb/model"
)

type chunkTestDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *chunkTestDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *chunkTestDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *chunkTestDecoder) Close() error { return nil }
func (d *chunkTestDecoder) Err() error   { return nil }

func TestStreamerTextAndToolCall(t *testing.T) {
	textChunk := unmarshalChunk(t, `{
  "choices": [{ "index": 0, "delta": { "content": "hello" } }]
}`)
	toolChunk := unmarshalChunk(t, `{
  "choices": [{
    "index": 0,
    "delta": {
      "tool_calls": [{ "index": 0, "id": "call-1", "function": { "name": "test.tool", "arguments": "{\"x\":1}" } }]
    }
  }]
}`)
	finishChunk := unmarshalChunk(t, `{
  "choices": [{ "index": 0, "delta": {}, "finish_reason": "tool_calls" }]
}`)
	usageChunk := unmarshalChunk(t, `{
  "choices": [],
  "usage": { "prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15 }
}`)

	events := []ssestream.Event{
		{Type: "chunk", Data: mustJSON(t, textChunk)},
		{Type: "chunk", Data: mustJSON(t, toolChunk)},
		{Type: "chunk", Data: mustJSON(t, finishChunk)},
		{Type: "chunk", Data: mustJSON(t, usageChunk)},
	}

	dec := &chunkTestDecoder{events: events}
	stream := ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)

	s := newStreamer(context.Background(), stream)
	defer s.Close()

	var chunks []model.Chunk
	for {
		ch, err := s.Recv()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("unexpected context error: %v", err)
			}
			break
		}
		chunks = append(chunks, ch)
	}

	var sawText, sawTool, sawFinish, sawUsage bool
	for _, ch := range chunks {
		if ch.Content != "" {
			sawText = true
		}
		for _, tc := range ch.ToolCalls {
			sawTool = true
			if tc.Name != "test.tool" || tc.ID != "call-1" {
				t.Fatalf("unexpected tool call: %+v", tc)
			}
		}
		if ch.FinishReason == model.FinishToolCalls {
			sawFinish = true
		}
		if ch.UsageDelta != nil && ch.UsageDelta.TotalTokens == 15 {
			sawUsage = true
		}
	}
	if !sawText || !sawTool || !sawFinish || !sawUsage {
		t.Fatalf("missing expected chunk kinds: text=%v tool=%v finish=%v usage=%v", sawText, sawTool, sawFinish, sawUsage)
	}
}

func unmarshalChunk(t *testing.T, raw string) sdk.ChatCompletionChunk {
	t.Helper()
	var chunk sdk.ChatCompletionChunk
	if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
		t.Fatalf("unmarshal chunk: %v", err)
	}
	return chunk
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
