package completion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI and Azure OpenAI backend.
type OpenAIConfig struct {
	APIKey string
	// BaseURL is the Azure resource endpoint when Azure is set, otherwise an
	// optional override of the OpenAI API URL.
	BaseURL    string
	Azure      bool
	APIVersion string
	// JSONModel and TextModel are model names, or deployment names on Azure.
	JSONModel  string
	TextModel  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OpenAI is a Service backed by the chat completions API.
type OpenAI struct {
	client    *openai.Client
	jsonModel string
	textModel string
	timeout   time.Duration
}

// NewOpenAI creates an OpenAI service.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	var config openai.ClientConfig
	if cfg.Azure {
		config = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.APIVersion != "" {
			config.APIVersion = cfg.APIVersion
		}
		// Model names are deployment names already
		config.AzureModelMapperFunc = func(model string) string { return model }
	} else {
		config = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			config.BaseURL = cfg.BaseURL
		}
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}

	textModel := cfg.TextModel
	if textModel == "" {
		textModel = cfg.JSONModel
	}
	return &OpenAI{
		client:    openai.NewClientWithConfig(config),
		jsonModel: cfg.JSONModel,
		textModel: textModel,
		timeout:   cfg.Timeout,
	}
}

func (o *OpenAI) Complete(ctx context.Context, systemPrompt, userPrompt string, format ResponseFormat) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model: o.textModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		// A literal zero is dropped from the request body
		Temperature: math.SmallestNonzeroFloat32,
	}
	if format == FormatJSON {
		req.Model = o.jsonModel
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("chat completion rejected with status %d: %w", apiErr.HTTPStatusCode, err)
		}
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		return "", errors.New("chat completion truncated by the token limit")
	}
	return choice.Message.Content, nil
}
