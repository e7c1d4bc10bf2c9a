// Package api is the operator-facing HTTP surface of notifyd.
//
// It accepts intents, lists and cancels deliveries, serves the in-app inbox
// and its live feed as server-sent events, previews digests, and exposes
// health checks and Prometheus metrics. Routing is done with chi.
//
//	h := api.NewHandler(api.Services{
//	    Manager:    manager,
//	    Dispatcher: dispatcher,
//	    Digest:     digest,
//	    Feed:       feed,
//	}, api.WithGatherer(registry), api.WithReadinessChecks(checks...))
//
// Authentication is left to the ingress in front of the service.
package api
