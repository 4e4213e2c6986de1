package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/chainguard-dev/clog"
)

const jsonInstruction = "Respond with a single JSON object and nothing else."

// Anthropic is a Service backed by the Anthropic Messages API. The response
// is streamed and accumulated.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
}

// NewAnthropic creates an Anthropic service. A zero timeout leaves the
// request bounded only by ctx.
func NewAnthropic(client anthropic.Client, model anthropic.Model, maxTokens int64, timeout time.Duration) *Anthropic {
	return &Anthropic{client: client, model: model, maxTokens: maxTokens, timeout: timeout}
}

func (a *Anthropic) Complete(ctx context.Context, systemPrompt, userPrompt string, format ResponseFormat) (string, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
	}
	prefill := ""
	if format == FormatJSON {
		systemPrompt = strings.TrimSpace(systemPrompt + "\n\n" + jsonInstruction)
		// Prefilling the opening brace keeps the reply a bare object
		prefill = "{"
		messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(prefill)))
	}

	params := anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    messages,
		Temperature: anthropic.Float(0),
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	response := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		err := response.Accumulate(event)
		if err != nil {
			return "", fmt.Errorf("failed to accumulate response content stream: %w", err)
		}
	}
	if stream.Err() != nil {
		return "", fmt.Errorf("failed to stream response: %w", stream.Err())
	}
	if response.StopReason == "" {
		b, err := json.Marshal(response)
		if err != nil {
			clog.FromContext(ctx).Errorf("error while marshalling corrupt message for inspection: %v", err)
		}
		return "", fmt.Errorf("malformed message: %v", string(b))
	}
	if response.StopReason == anthropic.StopReasonMaxTokens {
		return "", fmt.Errorf("response truncated at %d output tokens", a.maxTokens)
	}

	var b strings.Builder
	b.WriteString(prefill)
	for _, block := range response.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return b.String(), nil
}
