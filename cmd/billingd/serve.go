package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingkit/pkg/config"
	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/idempotency"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/svc/ingress"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook ingress, outbox worker and scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, log, err := loadApp()
	if err != nil {
		return err
	}
	var httpCfg httpserver.Config
	if err := config.Load(&httpCfg); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.ErrorContext(ctx, "startup failed", logger.Error(err))
		return err
	}
	defer a.Close()

	server := httpserver.NewFromConfig(httpCfg, httpserver.WithLogger(log))

	scheduler, err := a.scheduler(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx, a.router(server)) })
	g.Go(a.worker.Run(ctx))
	g.Go(func() error {
		scheduler.Start()
		<-ctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})

	log.InfoContext(ctx, "billingd started",
		logger.Provider(a.provider.Name()),
		logger.Component("serve"),
	)
	return g.Wait()
}

func (a *app) router(server *httpserver.Server) chi.Router {
	checks := append(a.readinessChecks(), httpserver.Check{Name: "http", Fn: server.Ready})

	r := httpserver.NewRouter(a.log)
	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(a.log, a.cfg.ReadyTimeout, checks...))
	r.Handle("/metrics", promhttp.Handler())
	ingress.NewHandler(a.log, a.ingress).Routes(r)
	return r
}

// scheduler registers the periodic maintenance jobs.
func (a *app) scheduler(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	log := a.log.With(logger.Component("cron"))

	if pruner, ok := a.ledger.(idempotency.Pruner); ok && a.ledgerCfg.PruneSpec != "" {
		if _, err := c.AddFunc(a.ledgerCfg.PruneSpec, func() {
			n, err := pruner.Prune(ctx)
			if err != nil {
				log.ErrorContext(ctx, "ledger prune failed", logger.Error(err))
				return
			}
			metrics.RecordLedgerPruned(n)
			log.DebugContext(ctx, "ledger pruned", slog.Int64("count", n))
		}); err != nil {
			return nil, err
		}
	}

	if _, err := c.AddFunc(a.cfg.SweepSchedule, func() {
		n, err := a.dispatcher.SweepStale(ctx)
		if err != nil {
			log.ErrorContext(ctx, "stale claim sweep failed", logger.Error(err))
			return
		}
		if n > 0 {
			log.InfoContext(ctx, "stale provisioning claims cleared", slog.Int("count", n))
		}
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(a.cfg.PurgeSchedule, func() {
		n, err := a.outbox.PurgeCompleted(ctx, time.Now().Add(-a.queueCfg.CompletedRetention))
		if err != nil {
			log.ErrorContext(ctx, "outbox purge failed", logger.Error(err))
			return
		}
		log.DebugContext(ctx, "completed tasks purged", slog.Int64("count", n))
	}); err != nil {
		return nil, err
	}
	return c, nil
}
