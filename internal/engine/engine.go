package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/notifykit/internal/api"
	"github.com/dmitrymomot/notifykit/pkg/email"
	"github.com/dmitrymomot/notifykit/pkg/httpserver"
	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/notifications"
	"github.com/dmitrymomot/notifykit/pkg/queue"
	"github.com/dmitrymomot/notifykit/pkg/webhook"
)

// MaintenanceQueue serves the periodic sweep, digest and cleanup tasks.
const MaintenanceQueue = "notifications.maintenance"

// TaskStore is a queue backend able to enqueue, schedule and claim tasks.
type TaskStore interface {
	queue.EnqueuerRepository
	queue.SchedulerRepository
	queue.WorkerRepository
}

// completedPurger is implemented by task stores that retain finished tasks.
type completedPurger interface {
	PurgeCompleted(ctx context.Context, before time.Time) (int, error)
}

// Backends are the stateful dependencies of an Engine.
type Backends struct {
	Storage notifications.Storage
	Index   notifications.SuppressionIndex
	Tasks   TaskStore
	Mailer  email.Sender
	Checks  []httpserver.Check

	// Close releases connections. Optional.
	Close func() error
}

// Engine wires the delivery engine to its queues, schedule and HTTP surface.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	backends Backends
	registry *prometheus.Registry
	now      func() time.Time

	manager    *notifications.Manager
	dispatcher *notifications.Dispatcher
	retry      *notifications.RetryScheduler
	digest     *notifications.DigestAggregator
	feed       *notifications.Feed

	enqueuer  *queue.Enqueuer
	workers   []*queue.Worker
	scheduler *queue.Scheduler
	handler   http.Handler
	server    *httpserver.Server
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registry   *prometheus.Registry
	httpClient *http.Client
	now        func() time.Time
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRegistry replaces the Prometheus registry served on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		if reg != nil {
			o.registry = reg
		}
	}
}

// WithHTTPClient sets the client used for webhook deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds an Engine on top of b. Nothing runs until Run is called.
func New(cfg Config, b Backends, opts ...Option) (*Engine, error) {
	if b.Storage == nil || b.Index == nil || b.Tasks == nil || b.Mailer == nil {
		return nil, ErrMissingBackend
	}

	o := &options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	e := &Engine{
		cfg:      cfg,
		log:      o.logger,
		backends: b,
		registry: o.registry,
		now:      o.now,
	}
	if err := e.build(o); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(o *options) error {
	cfg := e.cfg.Notify
	metrics := notifications.NewMetrics(e.registry)

	e.feed = notifications.NewFeed(
		notifications.WithFeedBufferSize(cfg.FeedBufferSize),
		notifications.WithFeedMaxRecipients(cfg.FeedMaxRecipients),
		notifications.WithFeedLogger(e.named("feed")),
	)

	senders, err := e.senders(o)
	if err != nil {
		return err
	}

	managerOpts := []notifications.ManagerOption{
		notifications.WithBackoff(notifications.Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap}),
		notifications.WithAttemptTimeout(cfg.AttemptTimeout),
		notifications.WithManagerMetrics(metrics),
		notifications.WithManagerLogger(e.named("manager")),
		notifications.WithManagerClock(e.now),
	}
	for ch, s := range senders {
		managerOpts = append(managerOpts, notifications.WithSender(ch, s))
	}
	if e.manager, err = notifications.NewManager(e.backends.Storage, managerOpts...); err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	enqOpts := []queue.EnqueuerOption{queue.WithDefaultQueue(MaintenanceQueue)}
	for _, ch := range notifications.Channels() {
		enqOpts = append(enqOpts, queue.WithRoute(notifications.TaskName(ch), notifications.QueueName(ch)))
	}
	if e.enqueuer, err = queue.NewEnqueuer(e.backends.Tasks, enqOpts...); err != nil {
		return fmt.Errorf("create enqueuer: %w", err)
	}

	dispatcherOpts := []notifications.DispatcherOption{
		notifications.WithSuppressionWindow(cfg.SuppressionWindow),
		notifications.WithSkipAudit(cfg.SkipAudit),
		notifications.WithDispatcherMetrics(metrics),
		notifications.WithDispatcherLogger(e.named("dispatcher")),
		notifications.WithDispatcherClock(e.now),
	}
	for _, ch := range notifications.Channels() {
		dispatcherOpts = append(dispatcherOpts, notifications.WithMaxAttempts(ch, cfg.MaxAttempts))
	}
	if e.dispatcher, err = notifications.NewDispatcher(e.manager, e.backends.Index, e.enqueuer, dispatcherOpts...); err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	if e.retry, err = notifications.NewRetryScheduler(e.manager, e.enqueuer,
		notifications.WithEnqueueLease(cfg.EnqueueLease),
		notifications.WithStaleSendingAfter(cfg.StaleSendingAfter),
		notifications.WithRetention(cfg.Retention),
		notifications.WithSweepBatchSize(cfg.SweepBatchSize),
		notifications.WithSuppressionIndex(e.backends.Index),
		notifications.WithRetryMetrics(metrics),
		notifications.WithRetryLogger(e.named("retry")),
	); err != nil {
		return fmt.Errorf("create retry scheduler: %w", err)
	}

	if e.digest, err = notifications.NewDigestAggregator(e.manager, e.enqueuer,
		notifications.WithDigestLimit(cfg.DigestLimit),
		notifications.WithDigestMaxAttempts(cfg.MaxAttempts),
		notifications.WithDigestMetrics(metrics),
		notifications.WithDigestLogger(e.named("digest")),
		notifications.WithDigestClock(e.now),
	); err != nil {
		return fmt.Errorf("create digest aggregator: %w", err)
	}

	if err := e.buildWorkers(); err != nil {
		return err
	}
	if err := e.buildScheduler(); err != nil {
		return err
	}

	e.handler = api.NewHandler(
		api.Services{
			Manager:    e.manager,
			Dispatcher: e.dispatcher,
			Digest:     e.digest,
			Feed:       e.feed,
		},
		api.WithLogger(e.named("api")),
		api.WithRegistry(e.registry),
		api.WithReadinessChecks(e.backends.Checks...),
	)
	e.server = httpserver.NewFromConfig(e.cfg.HTTP,
		httpserver.WithLogger(e.named("http")),
	)
	return nil
}

func (e *Engine) senders(o *options) (map[notifications.Channel]notifications.Sender, error) {
	inApp, err := notifications.NewInAppSender(e.backends.Storage,
		notifications.WithInAppPublisher(e.feed),
		notifications.WithInAppLogger(e.named("inapp")),
	)
	if err != nil {
		return nil, fmt.Errorf("create in-app sender: %w", err)
	}

	mail, err := notifications.NewEmailSender(e.backends.Mailer)
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}

	ch := e.cfg.Channels
	clientOpts := []webhook.Option{
		webhook.WithUserAgent(e.cfg.ServiceName),
		webhook.WithTimeout(e.cfg.Notify.AttemptTimeout),
		webhook.WithCircuitBreakers(webhook.CircuitConfig{
			Failures:     ch.CircuitFailures,
			Successes:    ch.CircuitSuccesses,
			Recovery:     ch.CircuitRecovery,
			MaxEndpoints: ch.CircuitMaxEndpoints,
		}),
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, webhook.WithHTTPClient(o.httpClient))
	}
	hook, err := notifications.NewWebhookSender(webhook.NewClient(clientOpts...), e.cfg.Notify.AttemptTimeout)
	if err != nil {
		return nil, fmt.Errorf("create webhook sender: %w", err)
	}

	return map[notifications.Channel]notifications.Sender{
		notifications.ChannelInApp:   inApp,
		notifications.ChannelEmail:   mail,
		notifications.ChannelWebhook: hook,
	}, nil
}

// Handler returns the HTTP API.
func (e *Engine) Handler() http.Handler {
	return e.handler
}

// Dispatcher returns the fan-out entry point for in-process producers.
func (e *Engine) Dispatcher() *notifications.Dispatcher {
	return e.dispatcher
}

// Manager returns the delivery manager.
func (e *Engine) Manager() *notifications.Manager {
	return e.manager
}

// Addr returns the HTTP listen address once the server is running.
func (e *Engine) Addr() string {
	return e.server.Addr()
}

// Run starts the channel workers, the maintenance schedule and the HTTP
// server, and blocks until ctx is cancelled or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, w := range e.workers {
		g.Go(w.Run(ctx))
	}
	g.Go(e.scheduler.Run(ctx))
	g.Go(e.server.Start(ctx, e.handler))
	g.Go(func() error {
		<-ctx.Done()
		// Live feed streams only end when their subscription closes.
		return e.feed.Close()
	})

	e.log.LogAttrs(ctx, slog.LevelInfo, "engine started",
		slog.Int("workers", len(e.workers)),
	)
	err := g.Wait()
	e.log.LogAttrs(context.WithoutCancel(ctx), slog.LevelInfo, "engine stopped", logger.Error(err))
	return err
}

// Close releases the backends. Call it after Run returns.
func (e *Engine) Close() error {
	var errs []error
	if err := e.feed.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.backends.Close != nil {
		if err := e.backends.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) named(component string) *slog.Logger {
	return e.log.With(logger.Component(component))
}
