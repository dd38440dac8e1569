package events

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

const defaultReplay = 50

// ServeHTTP streams the bus as server-sent events. Recent events are
// replayed first; ?replay=n overrides how many.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	replay := defaultReplay
	if s := r.URL.Query().Get("replay"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			replay = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, done := b.Subscribe()
	defer b.Unsubscribe(done)
	slog.Debug("event stream client connected", "subscribers", b.SubscriberCount())

	if replay > 0 {
		for _, e := range b.Recent(replay) {
			writeEvent(w, e)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("event stream client disconnected")
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, e)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e Event) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.Marshal())
}
