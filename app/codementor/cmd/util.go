package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v72/github"
	"golang.org/x/oauth2"

	"github.com/codementor-bot/codementor/internal/cache"
	"github.com/codementor-bot/codementor/internal/completion"
	"github.com/codementor-bot/codementor/internal/config"
	"github.com/codementor-bot/codementor/internal/diagnostic"
	gh "github.com/codementor-bot/codementor/internal/github"
	"github.com/codementor-bot/codementor/internal/metrics"
	"github.com/codementor-bot/codementor/internal/pipeline"
	"github.com/codementor-bot/codementor/internal/reporter"
	"github.com/codementor-bot/codementor/internal/sourcecontrol"
	"github.com/codementor-bot/codementor/internal/telemetry"
	"github.com/codementor-bot/codementor/internal/transport"
)

var cacheDirFlag string

// setupContext returns a context cancelled on the first interrupt. A second
// interrupt exits immediately.
func setupContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		clog.FromContext(ctx).Infof("Interrupt signal detected, shutting down gracefully...")
		cancel()
		<-interrupt
		clog.FromContext(ctx).Errorf("Forcing shutdown")
		os.Exit(1)
	}()

	return ctx, cancel
}

func createGithubClient(ctx context.Context) (*github.Client, error) {
	return gh.NewClient(ctx, cfg.GitHubToken, cfg.GitHubAPIURL)
}

func createAnthropicClient(apiKey string) anthropic.Client {
	rateLimitedHTTPClient := &http.Client{
		Transport: transport.WithRateLimiting(nil),
	}
	return anthropic.NewClient(
		option.WithHTTPClient(rateLimitedHTTPClient),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(5),
	)
}

// createCompletionService builds the backend selected by the configured
// provider.
func createCompletionService(c config.Config) (completion.Service, error) {
	switch c.Provider {
	case config.ProviderAnthropic:
		client := createAnthropicClient(c.AnthropicAPIKey)
		return completion.NewAnthropic(client, anthropic.Model(c.AnthropicModel), c.AnthropicMaxToken, c.CompletionTimeout), nil
	case config.ProviderAzure, config.ProviderOpenAI:
		oc := completion.OpenAIConfig{
			APIKey:     c.OpenAIAPIKey,
			BaseURL:    c.OpenAIBaseURL,
			JSONModel:  c.JSONDeployment,
			TextModel:  c.TextDeployment,
			Timeout:    c.CompletionTimeout,
			HTTPClient: &http.Client{Transport: transport.WithRateLimiting(nil)},
		}
		if c.Provider == config.ProviderAzure {
			oc.Azure = true
			oc.BaseURL = c.AzureEndpoint
			oc.APIVersion = c.AzureAPIVersion
		}
		return completion.NewOpenAI(oc), nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", c.Provider)
	}
}

func createTelemetryProvider(ctx context.Context) (*telemetry.Provider, error) {
	return telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.TelemetryEnabled,
		Endpoint: cfg.OTLPEndpoint,
		Version:  version,
	})
}

func openCache() (*cache.Cache, error) {
	dir := cfg.CacheDir
	if cacheDirFlag != "" {
		dir = cacheDirFlag
	}
	return cache.New(dir)
}

// createOrchestrator wires the pipeline to GitHub, the completion service
// and the response cache.
func createOrchestrator(prs gh.PullRequestService, recorder *metrics.Recorder) (*pipeline.Orchestrator, error) {
	service, err := createCompletionService(cfg)
	if err != nil {
		return nil, err
	}
	gateway := completion.NewGateway(service, recorder)

	responses, err := openCache()
	if err != nil {
		return nil, err
	}

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken})
	scOpts := sourcecontrol.Options{
		BaseURL:     cfg.GitBaseURL,
		WorkDir:     cfg.WorkDir,
		TokenSource: tokenSource,
	}

	return pipeline.New(pipeline.Options{
		Cache:    responses,
		Gateway:  gateway,
		Analyzer: diagnostic.ExecAnalyzer{BlackPath: cfg.BlackPath, PMDPath: cfg.PMDPath, PMDRuleset: cfg.PMDRuleset},
		Recorder: recorder,
		NewSourceControl: func(ev pipeline.Event, runID string) pipeline.SourceControl {
			return sourcecontrol.New(scOpts, sourcecontrol.Target{
				Owner:        ev.Owner,
				Repo:         ev.Repo,
				SourceBranch: ev.SourceBranch,
				TargetBranch: ev.TargetBranch,
				PRNumber:     ev.PRNumber,
			}, runID)
		},
		NewReporter: func(ev pipeline.Event) pipeline.Reporter {
			return reporter.New(prs, gh.PullRequestRef{Owner: ev.Owner, Repo: ev.Repo, Number: ev.PRNumber}, gateway)
		},
		AuthorName:  cfg.BotName,
		AuthorEmail: cfg.BotEmail,
	}), nil
}
