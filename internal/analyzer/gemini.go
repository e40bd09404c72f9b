package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/tendant/simple-docworker/internal/failure"
)

// GeminiSummarizer uploads the original file so the model sees layout and
// images, not just the extracted text.
type GeminiSummarizer struct {
	client *genai.Client
	model  string
}

func NewGeminiSummarizer(ctx context.Context, apiKey, model string) (*GeminiSummarizer, error) {
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiSummarizer{client: client, model: model}, nil
}

func (g *GeminiSummarizer) Name() string { return "gemini" }

func (g *GeminiSummarizer) Summarize(ctx context.Context, doc Document) (string, error) {
	file, err := g.client.Files.UploadFromPath(ctx, doc.Path, &genai.UploadFileConfig{MIMEType: doc.ContentType})
	if err != nil {
		return "", fmt.Errorf("upload to gemini: %w", err)
	}
	defer func() {
		// uploads expire on their own; deleting early just frees quota
		_, _ = g.client.Files.Delete(context.WithoutCancel(ctx), file.Name, nil)
	}()

	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			genai.NewPartFromText(summaryPrompt),
			genai.NewPartFromURI(file.URI, file.MIMEType),
		},
	}}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", failure.Processing(nil, "gemini returned an empty response")
	}
	return text, nil
}
