package github

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/go-github/v72/github"
	"golang.org/x/oauth2"
)

// NewClient creates a GitHub client authenticated with token. A non-empty
// apiURL selects a GitHub Enterprise server.
func NewClient(ctx context.Context, token, apiURL string) (*github.Client, error) {
	tokenSource := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	httpClient := oauth2.NewClient(ctx, tokenSource)
	client := github.NewClient(httpClient)
	if apiURL == "" {
		return client, nil
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("invalid GitHub API URL %q: %w", apiURL, err)
	}
	client, err := client.WithEnterpriseURLs(apiURL, apiURL)
	if err != nil {
		return nil, fmt.Errorf("failed to configure GitHub Enterprise URLs: %w", err)
	}
	return client, nil
}
