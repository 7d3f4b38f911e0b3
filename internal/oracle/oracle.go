// Package oracle abstracts the LLM used for master decisions and the default
// agent executor.
package oracle

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Oracle produces a completion for a prompt. Callers must treat failures as
// recoverable; the master converts them to NO_ACTION decisions.
type Oracle interface {
	Generate(ctx context.Context, prompt, systemPrompt string, temperature float64, maxTokens int64) (string, error)
}

// Config selects the backing model endpoint.
type Config struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type openAIOracle struct {
	client openai.Client
	model  string
}

// NewOpenAI builds an oracle backed by an OpenAI-compatible endpoint.
// It returns nil when no API key is configured, which callers treat as
// "no oracle available".
func NewOpenAI(cfg Config) Oracle {
	if cfg.APIKey == "" {
		return nil
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &openAIOracle{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (o *openAIOracle) Generate(ctx context.Context, prompt, systemPrompt string, temperature float64, maxTokens int64) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    openai.ChatModel(o.model),
	}
	if temperature > 0 {
		params.Temperature = openai.Float(temperature)
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(maxTokens)
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
