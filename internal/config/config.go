// Package config loads the codementor configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Completion providers.
const (
	ProviderAzure     = "azure"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds the configuration for a codementor process. It is built once
// at startup and handed to constructors.
type Config struct {
	// GitHub
	GitHubToken   string `env:"GITHUB_TOKEN"`
	GitHubAPIURL  string `env:"GITHUB_API_URL"`
	GitBaseURL    string `env:"GIT_BASE_URL,default=https://github.com"`
	BotName       string `env:"BOT_NAME,default=codementor"`
	BotEmail      string `env:"BOT_EMAIL,default=codementor@users.noreply.github.com"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	// MonitoredRepos lists owner/repo names separated by ";". Empty monitors
	// every repository that delivers a webhook.
	MonitoredRepos string `env:"MONITORED_REPOS"`

	// Completion service
	Provider          string        `env:"COMPLETION_PROVIDER,default=azure"`
	OpenAIAPIKey      string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string        `env:"OPENAI_BASE_URL"`
	AzureEndpoint     string        `env:"AZURE_OPENAI_ENDPOINT"`
	AzureAPIVersion   string        `env:"AZURE_OPENAI_API_VERSION,default=2024-02-01"`
	JSONDeployment    string        `env:"JSON_DEPLOYMENT,default=gpt-4o"`
	TextDeployment    string        `env:"TEXT_DEPLOYMENT,default=gpt-4o"`
	AnthropicAPIKey   string        `env:"ANTHROPIC_API_KEY"`
	AnthropicModel    string        `env:"ANTHROPIC_MODEL,default=claude-sonnet-4-0"`
	AnthropicMaxToken int64         `env:"ANTHROPIC_MAX_TOKENS,default=16384"`
	CompletionTimeout time.Duration `env:"COMPLETION_TIMEOUT,default=5m"`

	// Local state
	CacheDir        string        `env:"CACHE_DIR,default=data/cache"`
	WorkDir         string        `env:"WORK_DIR,default=data/repos"`
	DedupFile       string        `env:"DEDUP_FILE,default=data/webhooks.csv"`
	DedupRetention  time.Duration `env:"DEDUP_RETENTION,default=24h"`
	ListenAddress   string        `env:"LISTEN_ADDRESS,default=:8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`

	// Telemetry
	TelemetryEnabled bool   `env:"TELEMETRY_ENABLED,default=false"`
	OTLPEndpoint     string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Static analyzers. An empty path disables the analyzer.
	BlackPath  string `env:"BLACK_PATH"`
	PMDPath    string `env:"PMD_PATH"`
	PMDRuleset string `env:"PMD_RULESET"`
}

// Load reads a .env file if one exists, then binds the environment. A
// missing .env file is not an error.
func Load(ctx context.Context) (Config, error) {
	if err := godotenv.Load(); err != nil {
		clog.FromContext(ctx).Debugf("No .env file loaded, using environment variables: %v", err)
	}
	return FromLookuper(ctx, envconfig.OsLookuper())
}

// FromLookuper binds the configuration from l.
func FromLookuper(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return Config{}, fmt.Errorf("failed to process environment: %w", err)
	}
	cfg.Provider = strings.ToLower(cfg.Provider)
	return cfg, nil
}

// Monitored returns the monitored repositories.
func (c Config) Monitored() []string {
	var repos []string
	for _, r := range strings.Split(c.MonitoredRepos, ";") {
		if r = strings.TrimSpace(r); r != "" {
			repos = append(repos, r)
		}
	}
	return repos
}

// Validate checks that the settings the selected provider needs are present.
// It reports every missing setting at once.
func (c Config) Validate() error {
	var errs []error
	missing := func(name string) {
		errs = append(errs, fmt.Errorf("missing required environment variable: %s", name))
	}

	if c.GitHubToken == "" {
		missing("GITHUB_TOKEN")
	}
	switch c.Provider {
	case ProviderAzure:
		if c.OpenAIAPIKey == "" {
			missing("OPENAI_API_KEY")
		}
		if c.AzureEndpoint == "" {
			missing("AZURE_OPENAI_ENDPOINT")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			missing("OPENAI_API_KEY")
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			missing("ANTHROPIC_API_KEY")
		}
	default:
		errs = append(errs, fmt.Errorf("unknown COMPLETION_PROVIDER %q", c.Provider))
	}
	if c.CompletionTimeout <= 0 {
		errs = append(errs, errors.New("COMPLETION_TIMEOUT must be positive"))
	}
	if c.TelemetryEnabled && c.OTLPEndpoint == "" {
		missing("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	return errors.Join(errs...)
}
