package ollama

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/model"
)

func TestCompleteTextOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "model": "llama3",
  "message": { "role": "assistant", "content": "world" },
  "done": true,
  "done_reason": "stop",
  "prompt_eval_count": 10,
  "eval_count": 5
}`))
	}))
	defer srv.Close()

	cl, err := New(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := &model.Request{Model: "llama3", Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}}}
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
}

func TestCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	cl, err := New(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Complete(context.Background(), &model.Request{Model: "llama3", Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}})
	if !cberr.Is(err, cberr.KindProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	e, _ := cberr.As(err)
	if !e.Retryable() {
		t.Fatalf("expected 5xx to be retryable")
	}
}

func TestCompleteRequiresModel(t *testing.T) {
	cl, err := New(Options{BaseURL: "http://127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Complete(context.Background(), &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}})
	if !cberr.Is(err, cberr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNDJSONStreamerParsesLines(t *testing.T) {
	body := io.NopCloser(bytes.NewBufferString(
		`{"message":{"role":"assistant","content":"he"},"done":false}` + "\n" +
			`{"message":{"role":"assistant","content":"llo"},"done":false}` + "\n" +
			`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":10,"eval_count":5}` + "\n",
	))
	s := newNDJSONStreamer(body)
	defer s.Close()

	var content string
	var sawFinish bool
	for {
		chunk, err := s.Recv()
		if err != nil {
			if err != io.EOF {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
		content += chunk.Content
		if chunk.FinishReason != "" {
			sawFinish = true
			if chunk.UsageDelta == nil || chunk.UsageDelta.TotalTokens != 15 {
				t.Fatalf("unexpected usage delta: %+v", chunk.UsageDelta)
			}
		}
	}
	if content != "hello" {
		t.Fatalf("unexpected accumulated content %q", content)
	}
	if !sawFinish {
		t.Fatalf("expected a terminal chunk with finish reason")
	}
}
