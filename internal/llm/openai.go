// Package llm wraps the OpenAI API for embeddings and vision transcription.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/brandlens/sov-crawler/internal/metrics"
)

// Config selects the models used for each capability.
type Config struct {
	APIKey      string
	BaseURL     string
	EmbedModel  string
	VisionModel string
}

// OpenAIClient implements sov.Embedder and sov.VisionTranscriber.
type OpenAIClient struct {
	client      *openai.Client
	embedModel  openai.EmbeddingModel
	visionModel string
	logger      *zap.Logger
}

// NewOpenAIClient builds a client from config. Model names default to the
// small embedding model and gpt-4o-mini.
func NewOpenAIClient(cfg Config, logger *zap.Logger) *OpenAIClient {
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	embedModel := openai.SmallEmbedding3
	if cfg.EmbedModel != "" {
		embedModel = openai.EmbeddingModel(cfg.EmbedModel)
	}
	visionModel := cfg.VisionModel
	if visionModel == "" {
		visionModel = openai.GPT4oMini
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(conf),
		embedModel:  embedModel,
		visionModel: visionModel,
		logger:      logger,
	}
}

// Embed returns the embedding vector for the given text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: c.embedModel,
	}
	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding data")
	}
	return resp.Data[0].Embedding, nil
}

// Transcribe sends the image URLs plus an instruction prompt to the vision
// model and returns the transcribed text. Usage is logged for
// observability.
func (c *OpenAIClient) Transcribe(ctx context.Context, imageURLs []string, prompt string) (string, error) {
	if len(imageURLs) == 0 {
		return "", fmt.Errorf("no image urls")
	}

	parts := make([]openai.ChatMessagePart, 0, len(imageURLs)+1)
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: prompt,
	})
	for _, u := range imageURLs {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    u,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.visionModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
	})
	if err != nil {
		metrics.ObserveVision("error", 0)
		return "", fmt.Errorf("vision chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.ObserveVision("empty", resp.Usage.TotalTokens)
		return "", fmt.Errorf("no response choices")
	}

	metrics.ObserveVision("ok", resp.Usage.TotalTokens)
	c.logger.Debug("vision transcription completed",
		zap.Int("images", len(imageURLs)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("latency", time.Since(start)),
	)
	return resp.Choices[0].Message.Content, nil
}
