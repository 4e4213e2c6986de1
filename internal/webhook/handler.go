// Package webhook receives GitHub pull request webhooks and starts one
// pipeline run per accepted event.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v72/github"

	"github.com/codementor-bot/codementor/internal/dedup"
	gh "github.com/codementor-bot/codementor/internal/github"
	"github.com/codementor-bot/codementor/internal/metrics"
	"github.com/codementor-bot/codementor/internal/pipeline"
)

// Runner runs the pipeline for one event.
type Runner interface {
	Run(ctx context.Context, ev pipeline.Event) (pipeline.Summary, error)
}

// Dedup is the subset of the dedup store the handler uses.
type Dedup interface {
	CheckAndRecord(k dedup.Key) (bool, error)
}

// Options configures a Handler.
type Options struct {
	// Secret validates the X-Hub-Signature-256 header. Empty disables
	// validation.
	Secret []byte
	// Monitored lists the accepted repositories as owner/repo. Empty
	// accepts every repository.
	Monitored []string

	Dedup        Dedup
	PullRequests gh.PullRequestService
	Runner       Runner
	Recorder     *metrics.Recorder
}

// Handler accepts pull request events and dispatches each to its own
// goroutine.
type Handler struct {
	opts      Options
	monitored map[string]bool
	// ctx outlives requests; runs are started from it.
	ctx context.Context
	wg  sync.WaitGroup
}

// NewHandler creates a Handler. Runs inherit ctx's logger and are
// cancelled with it.
func NewHandler(ctx context.Context, opts Options) *Handler {
	monitored := make(map[string]bool, len(opts.Monitored))
	for _, r := range opts.Monitored {
		monitored[strings.ToLower(strings.TrimSpace(r))] = true
	}
	return &Handler{opts: opts, monitored: monitored, ctx: ctx}
}

// ServeHTTP handles a webhook delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	code, msg := h.handle(r)
	h.opts.Recorder.WebhookRequest(strconv.Itoa(code))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintln(w, msg)
}

func (h *Handler) handle(r *http.Request) (int, string) {
	log := clog.FromContext(r.Context())

	payload, err := github.ValidatePayload(r, h.opts.Secret)
	if err != nil {
		log.Warnf("Rejected webhook delivery: %v", err)
		return http.StatusUnauthorized, "invalid signature"
	}
	raw, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		return http.StatusBadRequest, "unsupported event"
	}
	event, ok := raw.(*github.PullRequestEvent)
	if !ok {
		return http.StatusBadRequest, "unsupported event"
	}
	if event.GetAction() == "closed" {
		return http.StatusBadRequest, "pull request is closed"
	}

	ev := pipeline.Event{
		Owner:        event.GetRepo().GetOwner().GetLogin(),
		Repo:         event.GetRepo().GetName(),
		SourceBranch: event.GetPullRequest().GetHead().GetRef(),
		TargetBranch: event.GetPullRequest().GetBase().GetRef(),
		PRNumber:     event.GetNumber(),
	}
	if !h.isMonitored(ev) {
		log.Infof("Ignoring unmonitored repository %s/%s", ev.Owner, ev.Repo)
		return http.StatusBadRequest, "repository is not monitored"
	}

	fresh, err := h.opts.Dedup.CheckAndRecord(dedup.Key{
		Owner:        ev.Owner,
		Repo:         ev.Repo,
		SourceBranch: ev.SourceBranch,
		TargetBranch: ev.TargetBranch,
		PRNumber:     ev.PRNumber,
	})
	if err != nil {
		log.Errorf("Failed to record event: %v", err)
		return http.StatusInternalServerError, "failed to record event"
	}
	if !fresh {
		log.Infof("Ignoring duplicate event for %s", ev)
		return http.StatusConflict, "duplicate event"
	}

	h.dispatch(ev)
	return http.StatusAccepted, "accepted"
}

func (h *Handler) isMonitored(ev pipeline.Event) bool {
	if len(h.monitored) == 0 {
		return true
	}
	return h.monitored[strings.ToLower(ev.Owner+"/"+ev.Repo)]
}

// dispatch starts a run for ev on its own goroutine.
func (h *Handler) dispatch(ev pipeline.Event) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx := clog.WithValues(h.ctx, "pr", ev.String())
		log := clog.FromContext(ctx)

		pr := gh.PullRequestRef{Owner: ev.Owner, Repo: ev.Repo, Number: ev.PRNumber}
		files, err := h.opts.PullRequests.ChangedFiles(ctx, pr)
		if err != nil {
			log.Errorf("Failed to list changed files: %v", err)
			// The event is already recorded, so redeliveries will not retry it
			body := fmt.Sprintf("Codementor could not start: failed to list changed files: %v", err)
			if _, err := h.opts.PullRequests.UpsertComment(ctx, pr, 0, body); err != nil {
				log.Errorf("Failed to post failure comment: %v", err)
			}
			return
		}
		ev.ChangedFiles = files

		if _, err := h.opts.Runner.Run(ctx, ev); err != nil {
			log.Errorf("Run failed: %v", err)
		}
	}()
}

// Wait blocks until every dispatched run has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}
