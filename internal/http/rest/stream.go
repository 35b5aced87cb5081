package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/episode_downloader/internal/events"
	"github.com/italolelis/episode_downloader/internal/logctx"
)

const keepAliveInterval = 15 * time.Second

// HandleEvents streams bus events as Server-Sent Events. The kinds to receive
// are chosen with repeated ?kind= parameters and default to all of them.
func (h *DownloadsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	kinds, err := parseKinds(r.URL.Query()["kind"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, errors.New("streaming is not supported"))

		return
	}

	stream := make(chan events.Event, 64)
	done := make(chan struct{})
	defer close(done)

	obs := events.ObserverFunc(func(ev events.Event) {
		select {
		case stream <- ev:
		case <-done:
		}
	})

	for _, kind := range kinds {
		if err := h.manager.Subscribe(kind, obs); err != nil {
			writeError(w, r, http.StatusInternalServerError, err)

			return
		}

		defer func(kind events.Kind) {
			if err := h.manager.Unsubscribe(kind, obs); err != nil {
				logger.Error("failed to unsubscribe event stream", "event", kind.String(), "err", err)
			}
		}(kind)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("event stream closed")

			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev := <-stream:
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error("failed to encode event", "event", ev.Kind().String(), "err", err)

				continue
			}

			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), data); err != nil {
				logger.Debug("event stream write failed", "err", err)

				return
			}

			flusher.Flush()
		}
	}
}

func parseKinds(names []string) ([]events.Kind, error) {
	if len(names) == 0 {
		return events.Kinds, nil
	}

	seen := make(map[events.Kind]bool, len(names))
	kinds := make([]events.Kind, 0, len(names))

	for _, name := range names {
		kind, err := events.ParseKind(name)
		if err != nil {
			return nil, err
		}

		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}

	return kinds, nil
}
