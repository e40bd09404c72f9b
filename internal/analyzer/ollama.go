package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tendant/simple-docworker/internal/failure"
)

// OllamaSummarizer talks to a local Ollama server over its chat API.
type OllamaSummarizer struct {
	baseURL    string
	model      string
	maxChars   int
	httpClient *http.Client
}

func NewOllamaSummarizer(baseURL, model string, maxChars int) *OllamaSummarizer {
	return &OllamaSummarizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		maxChars:   maxChars,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (o *OllamaSummarizer) Name() string { return "ollama" }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error,omitempty"`
}

// OllamaError carries the HTTP status so rate limiting is detectable.
type OllamaError struct {
	StatusCode int
	Message    string
}

func (e *OllamaError) Error() string {
	return fmt.Sprintf("ollama error: %s (status %d)", e.Message, e.StatusCode)
}

func (o *OllamaSummarizer) Summarize(ctx context.Context, doc Document) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    o.model,
		Messages: []ollamaMessage{{Role: "user", Content: textPrompt(truncateText(doc.Text, o.maxChars))}},
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama chat %s: %w", o.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", &OllamaError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", failure.Processing(err, "decode ollama chat response")
	}
	if out.Error != "" {
		return "", &OllamaError{StatusCode: resp.StatusCode, Message: out.Error}
	}
	if strings.TrimSpace(out.Message.Content) == "" {
		return "", failure.Processing(nil, "ollama model %s returned an empty reply", o.model)
	}
	return out.Message.Content, nil
}
