package github

import (
	"context"
	"fmt"

	"github.com/google/go-github/v72/github"
)

// PullRequestService handles the GitHub pull request operations a run needs
type PullRequestService interface {
	// UpsertComment creates an issue comment on the pull request when id is
	// zero and edits comment id otherwise. It returns the comment's id.
	UpsertComment(ctx context.Context, pr PullRequestRef, id int64, body string) (int64, error)
	// ChangedFiles lists the paths the pull request touches, excluding files
	// it removes.
	ChangedFiles(ctx context.Context, pr PullRequestRef) ([]string, error)
}

// pullRequestService implements PullRequestService using GitHub API
type pullRequestService struct {
	client *github.Client
}

// NewPullRequestService creates a new PullRequestService
func NewPullRequestService(client *github.Client) PullRequestService {
	return &pullRequestService{
		client: client,
	}
}

func (prs *pullRequestService) UpsertComment(ctx context.Context, pr PullRequestRef, id int64, body string) (int64, error) {
	comment := &github.IssueComment{Body: github.Ptr(body)}

	if id == 0 {
		created, _, err := prs.client.Issues.CreateComment(ctx, pr.Owner, pr.Repo, pr.Number, comment)
		if err != nil {
			return 0, fmt.Errorf("failed to create comment on %s: %w", pr, err)
		}
		return created.GetID(), nil
	}

	edited, _, err := prs.client.Issues.EditComment(ctx, pr.Owner, pr.Repo, id, comment)
	if err != nil {
		return 0, fmt.Errorf("failed to edit comment %d on %s: %w", id, pr, err)
	}
	return edited.GetID(), nil
}

func (prs *pullRequestService) ChangedFiles(ctx context.Context, pr PullRequestRef) ([]string, error) {
	opts := &github.ListOptions{PerPage: 100}

	var files []string
	for {
		page, resp, err := prs.client.PullRequests.ListFiles(ctx, pr.Owner, pr.Repo, pr.Number, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list files of %s: %w", pr, err)
		}
		for _, f := range page {
			if f.GetStatus() == "removed" {
				continue
			}
			files = append(files, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}
