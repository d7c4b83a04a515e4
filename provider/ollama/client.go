// Package ollama provides a model.Client implementation backed by a local
// or remote Ollama server's /api/chat endpoint. Ollama has no official Go
// SDK, so this adapter speaks its JSON-over-HTTP protocol directly.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
)

// Options configures the Ollama adapter.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Models     []model.ModelInfo
}

// Client implements model.Client against a single Ollama server.
type Client struct {
	baseURL string
	http    *http.Client
	models  []model.ModelInfo
}

// New builds an Ollama-backed client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("ollama: base url is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{baseURL: opts.BaseURL, http: hc, models: opts.Models}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float32  `json:"temperature,omitempty"`
	TopP        float32  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// Complete renders a non-streaming chat completion. Ollama ignores
// Tools/ToolChoice — it has no native tool-calling protocol across all
// models, so the adapter drops them rather than failing the request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req.Model == "" {
		return nil, cberr.New(cberr.KindValidation, "MissingModel", "ollama: model identifier is required")
	}
	body, err := json.Marshal(toChatRequest(req, false))
	if err != nil {
		return nil, cberr.Wrap(cberr.KindValidation, "EncodeRequest", "ollama: failed to encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "BuildRequest", "ollama: failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, cberr.Wrap(cberr.KindProvider, "OllamaUnreachable", "ollama: request failed", err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, cberr.Wrap(cberr.KindProvider, "DecodeResponse", "ollama: failed to decode response", err)
	}
	return &model.Response{
		Message:      model.Message{Role: model.RoleAssistant, Content: out.Message.Content},
		Usage:        model.TokenUsage{PromptTokens: out.PromptEvalCount, CompletionTokens: out.EvalCount, TotalTokens: out.PromptEvalCount + out.EvalCount},
		FinishReason: translateDoneReason(out.DoneReason),
	}, nil
}

// Stream issues a streaming chat completion: Ollama's wire format is
// newline-delimited JSON objects rather than SSE, so the streamer parses
// NDJSON directly instead of using the SSE parser shared by the other
// adapters.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if req.Model == "" {
		return nil, cberr.New(cberr.KindValidation, "MissingModel", "ollama: model identifier is required")
	}
	body, err := json.Marshal(toChatRequest(req, true))
	if err != nil {
		return nil, cberr.Wrap(cberr.KindValidation, "EncodeRequest", "ollama: failed to encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "BuildRequest", "ollama: failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, cberr.Wrap(cberr.KindProvider, "OllamaUnreachable", "ollama: request failed", err).WithRetryable(true)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return newNDJSONStreamer(resp.Body), nil
}

// ListModels returns the operator-configured model list, including its
// cost metadata; it does not query the Ollama server.
func (c *Client) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	return c.models, nil
}

// ProbeHealth issues a minimal completion as a liveness probe.
func (c *Client) ProbeHealth(ctx context.Context) (model.HealthStatus, error) {
	modelID := ""
	if len(c.models) > 0 {
		modelID = c.models[0].ID
	}
	_, err := c.Complete(ctx, &model.Request{
		Model:    modelID,
		Messages: []model.Message{{Role: model.RoleUser, Content: "ping"}},
	})
	if err != nil {
		return model.HealthStatus{Healthy: false, LastError: err.Error(), ConsecutiveFailures: 1}, nil
	}
	return model.HealthStatus{Healthy: true}, nil
}

func toChatRequest(req *model.Request, stream bool) chatRequest {
	msgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return chatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   stream,
		Options: chatOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			Stop:        req.Stop,
		},
	}
}

func translateDoneReason(reason string) model.FinishReason {
	switch reason {
	case "stop":
		return model.FinishStop
	case "length":
		return model.FinishLength
	default:
		return model.FinishStop
	}
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	msg := fmt.Sprintf("ollama: server returned %d: %s", resp.StatusCode, string(b))
	if resp.StatusCode >= 500 {
		return cberr.New(cberr.KindProvider, "OllamaServerError", msg).WithRetryable(true)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return cberr.New(cberr.KindProvider, "OllamaRateLimited", msg).WithRetryable(true)
	}
	return cberr.New(cberr.KindProvider, "OllamaRequestFailed", msg).WithRetryable(false)
}

// ndjsonStreamer parses Ollama's newline-delimited JSON chat stream.
type ndjsonStreamer struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func newNDJSONStreamer(body io.ReadCloser) model.Streamer {
	return &ndjsonStreamer{body: body, reader: bufio.NewReader(body)}
}

func (s *ndjsonStreamer) Recv() (model.Chunk, error) {
	line, err := s.reader.ReadBytes('\n')
	if len(line) == 0 {
		if errors.Is(err, io.EOF) {
			return model.Chunk{}, io.EOF
		}
		if err != nil {
			return model.Chunk{}, cberr.Wrap(cberr.KindProvider, "OllamaStreamRead", "ollama: stream read failed", err)
		}
	}
	var out chatResponse
	if e := json.Unmarshal(bytes.TrimSpace(line), &out); e != nil {
		return model.Chunk{}, cberr.Wrap(cberr.KindProvider, "OllamaStreamDecode", "ollama: failed to decode stream line", e)
	}
	chunk := model.Chunk{Content: out.Message.Content}
	if out.Done {
		chunk.FinishReason = translateDoneReason(out.DoneReason)
		chunk.UsageDelta = &model.TokenUsage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		}
	}
	return chunk, nil
}

func (s *ndjsonStreamer) Close() error { return s.body.Close() }
