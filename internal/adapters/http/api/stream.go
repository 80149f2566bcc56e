package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/okian/verdict/internal/adapters/broadcast"
	"github.com/okian/verdict/pkg/logger"
)

// StreamHandler serves live report snapshots as server-sent events.
type StreamHandler struct {
	deps      Dependencies
	heartbeat time.Duration
	log       logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(deps Dependencies, heartbeat time.Duration, l logger.Logger) *StreamHandler {
	return &StreamHandler{deps: deps, heartbeat: heartbeat, log: l}
}

// HandleStream handles GET /competitions/{cid}/reports/{rid}/stream. The
// current snapshot is sent on connect, then every republish.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	const op = "api.stream_report"
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, NewKind(op, ErrUnsupported))
		return
	}
	ctx := r.Context()
	sub, err := h.deps.Subscribe(ctx, r.PathValue("cid"), r.PathValue("rid"))
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	defer h.deps.Unsubscribe(sub)

	// streams outlive the server write timeout
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.log.Debug(ctx, "clear write deadline", logger.Error(err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap, ok := <-sub.Updates():
			if !ok {
				return
			}
			if err := writeEvent(w, snap); err != nil {
				h.log.Debug(ctx, "stream write failed", logger.String("channel", sub.Channel.String()), logger.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, snap broadcast.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", raw); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
