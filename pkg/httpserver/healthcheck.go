package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// Check is a named dependency check, e.g. pg.Healthcheck(pool).
type Check struct {
	Name string
	Fn   func(context.Context) error
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthCheckHandler serves liveness and readiness checks.
//
// Without checks it always answers 200 with status "alive". With checks every
// check runs within timeout; the handler answers 200 "ready" when all pass and
// 503 "not_ready" with the failing check names otherwise. Error details are
// logged, not returned.
func HealthCheckHandler(log *slog.Logger, timeout time.Duration, checks ...Check) http.HandlerFunc {
	if log == nil {
		log = logger.Noop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if len(checks) == 0 {
			writeReport(w, http.StatusOK, healthReport{Status: "alive"})
			return
		}

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		report := healthReport{Status: "ready", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK
		for _, c := range checks {
			if err := c.Fn(ctx); err != nil {
				log.LogAttrs(ctx, slog.LevelError, "readiness check failed",
					slog.String("check", c.Name),
					logger.Error(err),
				)
				report.Checks[c.Name] = "failed"
				report.Status = "not_ready"
				code = http.StatusServiceUnavailable
				continue
			}
			report.Checks[c.Name] = "ok"
		}
		writeReport(w, code, report)
	}
}

func writeReport(w http.ResponseWriter, code int, report healthReport) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
