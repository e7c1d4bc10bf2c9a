package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// feed streams new inbox items as server-sent events until the client leaves.
// A closed subscription (slow consumer or evicted recipient) ends the stream;
// clients reconnect and reload the inbox.
func (h *handler) feed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	recipientID := chi.URLParam(r, "recipient")
	sub := h.svc.Feed.Subscribe(ctx, recipientID)
	defer func() { _ = sub.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(h.opts.heartbeat)
	defer heartbeat.Stop()

	messages := sub.Receive(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-messages:
			if !ok {
				return
			}
			data, err := json.Marshal(msg.Data)
			if err != nil {
				h.log(r, slog.LevelError, "failed to encode feed item",
					logger.RecipientID(recipientID),
					logger.Error(err),
				)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: notification\ndata: %s\n\n", msg.Data.ID, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
