// Package llm wraps the outbound call to the OpenRouter chat
// completions endpoint. The rest of the system treats it as an opaque,
// slow, failure-prone collaborator behind the services.ModelClient
// interface.
package llm

import (
	"context"
	"fmt"
	"time"

	"multichat_go_backend/internal/catalog"
	"multichat_go_backend/internal/services"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	// requestTimeout bounds one provider round trip. A timeout surfaces
	// as a provider error, never a silent retry.
	requestTimeout = 60 * time.Second
	maxTokens      = 8192
)

type Config struct {
	APIKey  string
	BaseURL string // default: OpenRouter
}

// OpenRouterClient implements services.ModelClient.
type OpenRouterClient struct {
	client *openai.Client
	log    zerolog.Logger
}

func NewOpenRouterClient(cfg Config, log zerolog.Logger) *OpenRouterClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = defaultBaseURL
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenRouterClient{
		client: openai.NewClientWithConfig(clientConfig),
		log:    log,
	}
}

// Send forwards the assembled context window to the provider and
// returns the response together with the provider-reported usage. An
// empty-content response is a failure, not a zero-length success.
func (c *OpenRouterClient) Send(ctx context.Context, modelKey string, messages []services.ChatTurn) (*services.SendResult, error) {
	info, ok := catalog.Models[modelKey]
	if !ok {
		return nil, fmt.Errorf("unknown model: %s", modelKey)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	request := openai.ChatCompletionRequest{
		Model:     info.ProviderID,
		MaxTokens: maxTokens,
	}
	for _, turn := range messages {
		request.Messages = append(request.Messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}

	c.log.Debug().Str("model", info.ProviderID).Int("messages", len(messages)).Msg("sending provider request")

	start := time.Now()
	response, err := c.client.CreateChatCompletion(ctx, request)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return nil, err
	}

	if len(response.Choices) == 0 || response.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("model returned an empty response")
	}

	return &services.SendResult{
		Response:     response.Choices[0].Message.Content,
		TotalTokens:  int64(response.Usage.TotalTokens),
		InputTokens:  int64(response.Usage.PromptTokens),
		OutputTokens: int64(response.Usage.CompletionTokens),
		ResponseTime: elapsed,
	}, nil
}
