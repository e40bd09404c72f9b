package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tendant/simple-docworker/internal/failure"
)

type ClaudeSummarizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	maxChars  int
}

func NewClaudeSummarizer(apiKey, model string, maxTokens, maxChars int) *ClaudeSummarizer {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &ClaudeSummarizer{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
		maxChars:  maxChars,
	}
}

func (c *ClaudeSummarizer) Name() string { return "claude" }

func (c *ClaudeSummarizer) Summarize(ctx context.Context, doc Document) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: "You summarize business documents for a document management system."},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(textPrompt(truncateText(doc.Text, c.maxChars)))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude messages: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", failure.Processing(nil, "claude returned no text")
	}
	return b.String(), nil
}
