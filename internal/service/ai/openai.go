package ai

import (
	"context"
	"fmt"
	"strings"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"btbot/internal/config"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
	openAIMaxRetries     = 2
)

// OpenAIGenerator calls the chat completions endpoint through openai-go.
type OpenAIGenerator struct {
	client openaigo.Client
	model  string
}

func NewOpenAIGenerator(provCfg config.ProviderConfig, opts ...option.RequestOption) (*OpenAIGenerator, error) {
	apiKey := strings.TrimSpace(provCfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("openai_sdk provider: api_key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(provCfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	modelName := strings.TrimSpace(provCfg.Model)
	if modelName == "" {
		modelName = defaultOpenAIModel
	}
	clientOpts := append([]option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(openAIMaxRetries),
	}, opts...)
	return &OpenAIGenerator{
		client: openaigo.NewClient(clientOpts...),
		model:  modelName,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openaigo.ChatCompletionNewParams{
		Model: openaigo.ChatModel(g.model),
		Messages: []openaigo.ChatCompletionMessageParamUnion{
			openaigo.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", &GenerationError{Provider: ProviderOpenAISDK, Err: err}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", &GenerationError{Provider: ProviderOpenAISDK, Err: ErrEmptyResponse}
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", &GenerationError{Provider: ProviderOpenAISDK, Err: ErrEmptyResponse}
	}
	return content, nil
}
