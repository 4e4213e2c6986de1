// Package completion wraps an LLM chat completion backend with the request
// and response contract used by the pipeline stages.
package completion

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/codementor-bot/codementor/internal/codec"
	"github.com/codementor-bot/codementor/internal/metrics"
)

// ResponseFormat selects between a JSON object and free text.
type ResponseFormat int

const (
	FormatText ResponseFormat = iota
	FormatJSON
)

func (f ResponseFormat) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "text"
}

// Service sends one system prompt and one user prompt to a model and
// returns the reply text. Implementations request deterministic output and
// do not retry.
type Service interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, format ResponseFormat) (string, error)
}

// Gateway enforces the response contract on top of a Service.
type Gateway struct {
	service  Service
	recorder *metrics.Recorder
}

// NewGateway creates a Gateway. recorder may be nil.
func NewGateway(service Service, recorder *metrics.Recorder) *Gateway {
	return &Gateway{service: service, recorder: recorder}
}

// CompleteJSON requests a JSON object that must contain every key in
// required. It returns the parsed object and the raw reply.
func (g *Gateway) CompleteJSON(ctx context.Context, systemPrompt, prompt string, required ...string) (map[string]any, string, error) {
	raw, err := g.complete(ctx, systemPrompt, prompt, FormatJSON)
	if err != nil {
		return nil, "", err
	}
	obj, err := codec.ParseStrict(raw)
	if err != nil {
		return nil, raw, err
	}
	for _, k := range required {
		if _, ok := obj[k]; !ok {
			return nil, raw, fmt.Errorf("response is missing required key %q", k)
		}
	}
	return obj, raw, nil
}

// CompleteText requests a free-text reply.
func (g *Gateway) CompleteText(ctx context.Context, systemPrompt, prompt string) (string, error) {
	return g.complete(ctx, systemPrompt, prompt, FormatText)
}

func (g *Gateway) complete(ctx context.Context, systemPrompt, prompt string, format ResponseFormat) (string, error) {
	ctx, span := otel.Tracer("github.com/codementor-bot/codementor/internal/completion").Start(ctx, "completion")
	defer span.End()
	span.SetAttributes(
		attribute.String("completion.format", format.String()),
		attribute.Int("completion.prompt_length", len(prompt)),
	)

	start := time.Now()
	reply, err := g.service.Complete(ctx, systemPrompt, prompt, format)
	g.recorder.Completion(format.String(), err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	clog.FromContext(ctx).Debugf("Received %s completion of %d bytes in %s", format, len(reply), time.Since(start))
	span.SetAttributes(attribute.Int("completion.reply_length", len(reply)))
	return reply, nil
}
