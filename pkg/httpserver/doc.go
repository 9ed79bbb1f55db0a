// Package httpserver wraps net/http with graceful shutdown, a chi router
// preloaded with request id, recovery and request logging middleware, and
// JSON liveness/readiness handlers.
//
//	r := httpserver.NewRouter(log)
//	r.Get("/health/live", httpserver.LivenessHandler())
//	r.Get("/health/ready", httpserver.ReadinessHandler(log, 2*time.Second,
//		httpserver.Check{Name: "pg", Fn: pg.Healthcheck(pool)}))
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	err := srv.Run(ctx, r)
//
// Run returns when ctx is canceled; the caller owns signal handling.
package httpserver
