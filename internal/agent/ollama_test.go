package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ashita-ai/kanshi/internal/testutil"
)

func TestOllamaClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Stream {
			t.Error("expected stream=false")
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system + user messages, got %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message:         ollamaMessage{Role: "assistant", Content: "echo: " + req.Messages[1].Content + " via " + req.Model},
			PromptEvalCount: 7,
			EvalCount:       2,
		})
	}))
	defer server.Close()

	c := NewOllamaClient(server.URL, "llama3", 0, testutil.TestLogger())
	resp, err := c.Chat(context.Background(), ChatRequest{System: "sys", Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "echo: hi via llama3" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.PromptTokens != 7 || resp.CompletionTokens != 2 {
		t.Errorf("unexpected usage %+v", resp)
	}
}

func TestOllamaClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{Message: ollamaMessage{Content: "finally"}})
	}))
	defer server.Close()

	c := NewOllamaClient(server.URL, "m", 3, testutil.TestLogger())
	resp, err := c.Chat(context.Background(), ChatRequest{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "finally" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestOllamaClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	c := NewOllamaClient(server.URL, "m", 3, testutil.TestLogger())
	_, err := c.Chat(context.Background(), ChatRequest{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

func TestOllamaClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewOllamaClient(server.URL, "m", 1, testutil.TestLogger())
	if _, err := c.Chat(context.Background(), ChatRequest{Prompt: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
}
