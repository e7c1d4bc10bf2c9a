// Package logger builds *slog.Logger instances with a small set of functional
// options and exposes attribute helpers so that every component of the delivery
// engine logs the same keys (intent_id, delivery_id, recipient_id, channel, ...).
//
// # Usage
//
//	log := logger.New(logger.WithEnvironment(cfg.Env, "notifyd"))
//	logger.SetAsDefault(log)
//
//	log.InfoContext(ctx, "delivery sent",
//	    logger.DeliveryID(d.ID),
//	    logger.Channel(string(d.Channel)),
//	    logger.Attempt(d.Attempts),
//	)
//
// Error and Errors return an empty attribute for nil errors, so they can be
// passed unconditionally.
//
// Handlers are wrapped with LogHandlerDecorator, which runs registered
// ContextExtractor callbacks on every record to pull request- or job-scoped
// values out of the context.
package logger
