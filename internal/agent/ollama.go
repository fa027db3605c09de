package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/kanshi/internal/telemetry"
)

var tracer = telemetry.Tracer("kanshi/llm")

// ChatRequest is one completion request.
type ChatRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
}

// ChatResponse is the model's reply with token usage.
type ChatResponse struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// ChatClient sends completion requests to a model.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// OllamaClient calls a local Ollama server's chat API. Transient failures
// (transport errors, 429 and 5xx) are retried with exponential backoff.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	maxTries   uint
	logger     *slog.Logger
}

// NewOllamaClient creates a client. model is used when a request names none.
func NewOllamaClient(baseURL, model string, maxRetries int, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &OllamaClient{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		maxTries: uint(maxRetries) + 1,
		logger:   logger,
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Chat sends req and returns the assistant message.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	body := ollamaChatRequest{
		Model:   model,
		Stream:  false,
		Options: map[string]any{"temperature": req.Temperature},
	}
	if req.System != "" {
		body.Messages = append(body.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, ollamaMessage{Role: "user", Content: req.Prompt})

	reqBody, err := json.Marshal(body)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("ollama: marshal request: %w", err)
	}

	ctx, span := tracer.Start(ctx, "ollama.chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() (ChatResponse, error) {
		return c.do(ctx, reqBody)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("ollama: retrying chat", "model", model, "wait", wait, "error", err)
		}),
	)
}

func (c *OllamaClient) do(ctx context.Context, reqBody []byte) (ChatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return ChatResponse{}, backoff.Permanent(fmt.Errorf("ollama: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ChatResponse{}, backoff.Permanent(err)
		}
		return ChatResponse{}, fmt.Errorf("ollama: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("ollama: status %d: %s", resp.StatusCode, string(b))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return ChatResponse{}, err
		}
		return ChatResponse{}, backoff.Permanent(err)
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ChatResponse{}, backoff.Permanent(fmt.Errorf("ollama: decode response: %w", err))
	}
	if result.Message.Content == "" {
		return ChatResponse{}, backoff.Permanent(errors.New("ollama: empty response"))
	}
	return ChatResponse{
		Content:          result.Message.Content,
		PromptTokens:     result.PromptEvalCount,
		CompletionTokens: result.EvalCount,
	}, nil
}
