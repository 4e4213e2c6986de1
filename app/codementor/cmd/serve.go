package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codementor-bot/codementor/internal/dedup"
	gh "github.com/codementor-bot/codementor/internal/github"
	"github.com/codementor-bot/codementor/internal/metrics"
	"github.com/codementor-bot/codementor/internal/webhook"
)

var listenFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server",
	Long: `Starts an HTTP server that receives GitHub pull request webhooks on
` + webhook.Path + ` and processes each new pull request event in the
background. Health and Prometheus metrics endpoints are served alongside.`,
	PreRunE: requireValidConfig,
	RunE:    runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "Address to listen on (overrides LISTEN_ADDRESS)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if listenFlag != "" {
		cfg.ListenAddress = listenFlag
	}
	ctx, cancel := setupContext(cmd.Context())
	defer cancel()
	log := clog.FromContext(ctx)

	tp, err := createTelemetryProvider(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("%v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(reg)

	githubClient, err := createGithubClient(ctx)
	if err != nil {
		return err
	}
	prs := gh.NewPullRequestService(githubClient)

	orchestrator, err := createOrchestrator(prs, recorder)
	if err != nil {
		return err
	}
	store, err := dedup.Open(cfg.DedupFile, cfg.DedupRetention)
	if err != nil {
		return err
	}

	handler := webhook.NewHandler(ctx, webhook.Options{
		Secret:       []byte(cfg.WebhookSecret),
		Monitored:    cfg.Monitored(),
		Dedup:        store,
		PullRequests: prs,
		Runner:       orchestrator,
		Recorder:     recorder,
	})
	srv := webhook.NewServer(cfg.ListenAddress, webhook.NewRouter(handler, reg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Listening on %s", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		log.Infof("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return pruneDedup(gctx, store)
	})

	err = g.Wait()
	log.Infof("Waiting for in-flight runs")
	handler.Wait()
	return err
}

// pruneDedup evicts expired webhook records every hour until ctx ends.
func pruneDedup(ctx context.Context, store *dedup.Store) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if err := store.Prune(time.Now()); err != nil {
			clog.FromContext(ctx).Warnf("Failed to prune dedup log: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
