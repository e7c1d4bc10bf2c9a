package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

type dispatchRequest struct {
	Intent     notifications.Intent `json:"intent"`
	Recipients []string             `json:"recipients"`
}

type dispatchResponse struct {
	IntentID   string                   `json:"intent_id"`
	Deliveries []notifications.Delivery `json:"deliveries"`
	Errors     []string                 `json:"errors,omitempty"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (h *handler) dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "recipients are required")
		return
	}

	// Assigned here so the response names the intent even when no record is created.
	if req.Intent.ID == "" {
		req.Intent.ID = uuid.NewString()
	}

	deliveries, err := h.svc.Dispatcher.Dispatch(r.Context(), req.Intent, req.Recipients)
	if err != nil && len(deliveries) == 0 {
		h.fail(w, r, "dispatch failed", err)
		return
	}

	resp := dispatchResponse{IntentID: req.Intent.ID, Deliveries: deliveries}
	if resp.Deliveries == nil {
		resp.Deliveries = []notifications.Delivery{}
	}

	code := http.StatusAccepted
	if err != nil {
		// Partial fan-out: the stored records are reported along with the failures.
		h.log(r, slog.LevelWarn, "dispatch partially failed", logger.Error(err))
		resp.Errors = strings.Split(err.Error(), "\n")
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, resp)
}

func (h *handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := notifications.DeliveryFilter{
		IntentID:    q.Get("intent_id"),
		RecipientID: q.Get("recipient_id"),
		NewestFirst: true,
	}
	if ch := q.Get("channel"); ch != "" {
		f.Channel = notifications.Channel(ch)
		if !f.Channel.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown channel %q", ch))
			return
		}
	}
	for _, st := range q["state"] {
		f.States = append(f.States, notifications.State(st))
	}
	limit, err := h.limit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = limit

	deliveries, err := h.svc.Manager.Storage().ListDeliveries(r.Context(), f)
	if err != nil {
		h.fail(w, r, "list deliveries failed", err)
		return
	}
	if deliveries == nil {
		deliveries = []notifications.Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (h *handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get delivery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) cancelDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Manager.Skip(r.Context(), chi.URLParam(r, "id"), notifications.SkipCancelled)
	if err != nil {
		h.fail(w, r, "cancel delivery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) inbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := h.limit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := nonNegative(q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	f := notifications.InboxFilter{
		OnlyUnread: q.Get("unread") == "true",
		Limit:      limit,
		Offset:     offset,
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = &t
	}

	items, err := h.svc.Manager.Inbox(r.Context(), chi.URLParam(r, "recipient"), f)
	if err != nil {
		h.fail(w, r, "list inbox failed", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) unreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Manager.CountUnread(r.Context(), chi.URLParam(r, "recipient"))
	if err != nil {
		h.fail(w, r, "count unread failed", err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	h.setRead(w, r, h.svc.Manager.MarkRead)
}

func (h *handler) markUnread(w http.ResponseWriter, r *http.Request) {
	h.setRead(w, r, h.svc.Manager.MarkUnread)
}

func (h *handler) setRead(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, recipientID string, ids ...string) (int, error)) {
	var req idsRequest
	if err := decodeJSON(w, r, &req); err != nil || len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids are required")
		return
	}
	n, err := apply(r.Context(), chi.URLParam(r, "recipient"), req.IDs...)
	if err != nil {
		h.fail(w, r, "update read state failed", err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *handler) markAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Manager.MarkAllRead(r.Context(), chi.URLParam(r, "recipient"))
	if err != nil {
		h.fail(w, r, "mark all read failed", err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// digestPreview shows the digest the recipient would get for the period ending now.
func (h *handler) digestPreview(w http.ResponseWriter, r *http.Request) {
	freq := notifications.Frequency(r.URL.Query().Get("frequency"))
	if freq == "" {
		freq = notifications.FrequencyDaily
	}
	if freq != notifications.FrequencyDaily && freq != notifications.FrequencyWeekly {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown frequency %q", freq))
		return
	}

	batch, err := h.svc.Digest.PreviewDigest(r.Context(), chi.URLParam(r, "recipient"), freq)
	if err != nil {
		h.fail(w, r, "build digest failed", err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *handler) limit(raw string) (int, error) {
	if raw == "" {
		return h.opts.defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, h.opts.maxLimit), nil
}

func nonNegative(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid value %q", raw)
	}
	return n, nil
}

// fail logs server-side errors and writes the mapped response.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if statusOf(err) == http.StatusInternalServerError {
		h.log(r, slog.LevelError, msg, logger.Error(err))
	}
	writeEngineError(w, err)
}

func (h *handler) log(r *http.Request, level slog.Level, msg string, attrs ...slog.Attr) {
	attrs = append(attrs,
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
	h.opts.logger.LogAttrs(r.Context(), level, msg, attrs...)
}

func (h *handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.log(r, slog.LevelError, "handler panicked",
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
