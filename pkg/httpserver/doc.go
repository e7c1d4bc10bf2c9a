// Package httpserver runs an http.Handler with configured timeouts and a
// graceful, context-driven shutdown.
//
// Run binds the listener before returning control to start hooks, so ":0"
// addresses work and Addr reports the chosen port. Cancelling the context
// drains in-flight requests within the shutdown timeout. Start adapts Run to
// errgroup.Group.Go.
//
// HealthCheckHandler serves liveness (no checks) and readiness (named
// dependency checks) results as small JSON documents.
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	r := chi.NewRouter()
//	r.Get("/healthz", httpserver.HealthCheckHandler(log, 0))
//	r.Get("/readyz", httpserver.HealthCheckHandler(log, 2*time.Second,
//	    httpserver.Check{Name: "postgres", Fn: pg.Healthcheck(pool)},
//	))
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(srv.Start(ctx, r))
//
// Listen failures are wrapped with ErrStart and shutdown failures with
// ErrShutdown.
package httpserver
