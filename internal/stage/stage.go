// Package stage implements the pipeline stages that turn files into LLM
// answers: conflict resolution and code quality. Both consult the response
// cache before calling the completion service.
package stage

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/codementor-bot/codementor/internal/codec"
	"github.com/codementor-bot/codementor/internal/metrics"
	"github.com/codementor-bot/codementor/internal/prompts"
)

// Result is what a stage produced. It is read-only once returned.
type Result struct {
	FilePaths     []string
	Responses     []string
	Explanations  []string
	CommitMessage string
}

// Empty reports whether the stage processed no files.
func (r Result) Empty() bool {
	return len(r.FilePaths) == 0
}

// ProgressFunc is called after each file with the number of files done and
// the total for the stage.
type ProgressFunc func(done, total int)

// Cache is the subset of the response cache the stages use.
type Cache interface {
	Lookup(key string) (bool, error)
	GetAnswer(key string) (string, bool, error)
	Update(key, payload string) error
}

// Completer is the subset of the completion gateway the stages use.
type Completer interface {
	CompleteJSON(ctx context.Context, systemPrompt, prompt string, required ...string) (map[string]any, string, error)
	CompleteText(ctx context.Context, systemPrompt, prompt string) (string, error)
}

// Writer persists stage responses into the working tree.
type Writer interface {
	WriteResponses(paths, contents []string) error
}

// responder implements the cache-or-complete step shared by the stages.
type responder struct {
	cache    Cache
	gateway  Completer
	recorder *metrics.Recorder
}

// answer returns the structured answer for prompt. Cached answers are
// parsed leniently because older entries hold a quoted-literal mapping;
// fresh completions must be strict JSON. On a miss the parsed answer is
// re-encoded and stored under the encoded prompt.
func (r responder) answer(ctx context.Context, prompt string, required ...string) (map[string]any, error) {
	log := clog.FromContext(ctx)
	key := codec.Encode(prompt)

	found, err := r.cache.Lookup(key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up cache: %w", err)
	}
	if found {
		obj, err := r.cached(key, required)
		if err == nil {
			log.Infof("Cache hit")
			r.recorder.CacheLookup(true)
			return obj, nil
		}
		log.Warnf("Discarding unreadable cache entry: %v", err)
	}
	log.Infof("Cache miss")
	r.recorder.CacheLookup(false)

	obj, _, err := r.gateway.CompleteJSON(ctx, prompts.CodeQualitySystem(), prompt, required...)
	if err != nil {
		return nil, err
	}
	payload, err := codec.EncodeValue(obj)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Update(key, payload); err != nil {
		log.Warnf("Failed to write cache entry: %v", err)
	}
	return obj, nil
}

func (r responder) cached(key string, required []string) (map[string]any, error) {
	payload, ok, err := r.cache.GetAnswer(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("payload missing")
	}
	decoded, err := codec.Decode(payload)
	if err != nil {
		return nil, err
	}
	obj, err := codec.ParseLenient(decoded)
	if err != nil {
		return nil, err
	}
	for _, k := range required {
		if _, err := codec.StringField(obj, k); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// commitMessage asks for a commit message summarizing items.
func (r responder) commitMessage(ctx context.Context, items []prompts.CommitItem) (string, error) {
	prompt, err := prompts.Commit(items)
	if err != nil {
		return "", err
	}
	msg, err := r.gateway.CompleteText(ctx, prompts.CodeQualitySystem(), prompt)
	if err != nil {
		return "", fmt.Errorf("failed to generate commit message: %w", err)
	}
	return msg, nil
}
