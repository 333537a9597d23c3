package ai

import (
	"context"
	"strings"
)

// GeminiGenerator wraps GeminiClient with a fixed model for text generation.
type GeminiGenerator struct {
	client *GeminiClient
	model  string
	opts   GenerationOptions
}

func NewGeminiGenerator(client *GeminiClient, model string, opts GenerationOptions) *GeminiGenerator {
	return &GeminiGenerator{client: client, model: model, opts: opts}
}

// GenerateText implements TextGenerator using Gemini generateContent.
func (g *GeminiGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: userPrompt}}}},
		GenerationConfig: &generationConfig{
			Temperature: g.opts.Temperature,
		},
	}
	if g.opts.JSONMode {
		reqBody.GenerationConfig.ResponseMimeType = "application/json"
	}
	if strings.TrimSpace(systemPrompt) != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: systemPrompt}}}
	}
	return g.client.generate(ctx, g.model, reqBody)
}
