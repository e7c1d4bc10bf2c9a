package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/notifykit/pkg/httpserver"
	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

// Services are the engine components served over HTTP.
type Services struct {
	Manager    *notifications.Manager
	Dispatcher *notifications.Dispatcher
	Digest     *notifications.DigestAggregator
	Feed       *notifications.Feed
}

type options struct {
	logger         *slog.Logger
	registerer     prometheus.Registerer
	gatherer       prometheus.Gatherer
	checks         []httpserver.Check
	checkTimeout   time.Duration
	heartbeat      time.Duration
	defaultLimit   int
	maxLimit       int
	requestTimeout time.Duration
}

// Option configures the handler.
type Option func(*options)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRegistry serves /metrics from reg and records HTTP metrics into it.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		if reg != nil {
			o.registerer = reg
			o.gatherer = reg
		}
	}
}

// WithReadinessChecks adds dependency checks to /readyz.
func WithReadinessChecks(checks ...httpserver.Check) Option {
	return func(o *options) {
		o.checks = append(o.checks, checks...)
	}
}

// WithFeedHeartbeat sets the interval of keep-alive comments on feed streams.
func WithFeedHeartbeat(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeat = d
		}
	}
}

// WithRequestTimeout bounds non-streaming requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

type handler struct {
	svc  Services
	opts options
}

// NewHandler builds the router. Services with nil members disable the routes
// that need them.
func NewHandler(svc Services, opts ...Option) http.Handler {
	o := options{
		logger:         slog.Default(),
		registerer:     prometheus.DefaultRegisterer,
		gatherer:       prometheus.DefaultGatherer,
		checkTimeout:   2 * time.Second,
		heartbeat:      25 * time.Second,
		defaultLimit:   50,
		maxLimit:       500,
		requestTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	h := &handler{svc: svc, opts: o}
	metrics := newHTTPMetrics(o.registerer)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.recoverer)
	r.Use(metrics.middleware)

	r.Get("/healthz", httpserver.HealthCheckHandler(o.logger, 0))
	r.Get("/readyz", httpserver.HealthCheckHandler(o.logger, o.checkTimeout, o.checks...))
	r.Handle("/metrics", promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(o.requestTimeout))

			if svc.Dispatcher != nil {
				r.Post("/intents", h.dispatch)
			}
			if svc.Manager != nil {
				r.Get("/deliveries", h.listDeliveries)
				r.Get("/deliveries/{id}", h.getDelivery)
				r.Post("/deliveries/{id}/cancel", h.cancelDelivery)

				r.Get("/recipients/{recipient}/inbox", h.inbox)
				r.Get("/recipients/{recipient}/inbox/unread-count", h.unreadCount)
				r.Post("/recipients/{recipient}/inbox/read", h.markRead)
				r.Post("/recipients/{recipient}/inbox/unread", h.markUnread)
				r.Post("/recipients/{recipient}/inbox/read-all", h.markAllRead)
			}
			if svc.Digest != nil {
				r.Get("/recipients/{recipient}/digest", h.digestPreview)
			}
		})

		if svc.Feed != nil {
			r.Get("/recipients/{recipient}/feed", h.feed)
		}
	})

	return r
}
