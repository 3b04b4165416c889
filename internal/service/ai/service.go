package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"btbot/internal/config"
)

const (
	ProviderOpenAI    = "openai"
	ProviderClaude    = "claude"
	ProviderGemini    = "gemini"
	ProviderOpenAISDK = "openai_sdk"

	claudeMaxTokens = 1024
)

// New builds the generator for the provider selected in cfg.Bot.Provider.
func New(ctx context.Context, cfg *config.Config) (Generator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Bot.Provider))
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if provider == ProviderOpenAISDK {
		return NewOpenAIGenerator(provCfg)
	}
	chatModel, err := NewChatModel(ctx, provider, provCfg)
	if err != nil {
		return nil, err
	}
	return NewEinoGenerator(provider, chatModel), nil
}

// NewChatModel constructs the eino chat model for provider.
func NewChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig) (model.BaseChatModel, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case ProviderOpenAI:
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case ProviderGemini:
		client, clientErr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if clientErr != nil {
			return nil, fmt.Errorf("gemini client: %w", clientErr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case ProviderClaude:
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeMaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// EinoGenerator sends the prompt as a single user message to an eino chat model.
type EinoGenerator struct {
	provider string
	model    model.BaseChatModel
}

func NewEinoGenerator(provider string, chatModel model.BaseChatModel) *EinoGenerator {
	return &EinoGenerator{provider: provider, model: chatModel}
}

func (g *EinoGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", &GenerationError{Provider: g.provider, Err: err}
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", &GenerationError{Provider: g.provider, Err: ErrEmptyResponse}
	}
	return strings.TrimSpace(resp.Content), nil
}
