package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/persona-chat/internal/chat"
	"go.uber.org/zap"
)

func (h *Handler) listArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "message": "archive not configured"})
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.archive.Exchanges(r.Context(), r.URL.Query().Get("persona"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if rows == nil {
		rows = []chat.Exchange{}
	}
	writeSuccess(w, map[string]interface{}{"exchanges": rows})
}

// archiveSnapshot returns the conversation as it stood right after an
// archived exchange.
func (h *Handler) archiveSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "message": "archive not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	doc, err := h.archive.Snapshot(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeSuccess(w, map[string]interface{}{
		"exchange_id": id,
		"snapshot":    doc,
	})
}

// streamTurns relays the mirror's turn stream as server-sent events until
// the client goes away. ?from= (or Last-Event-ID) resumes after a stream
// ID; without one only new turns are sent.
func (h *Handler) streamTurns(w http.ResponseWriter, r *http.Request) {
	if h.turns == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "message": "turn feed not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	from := r.URL.Query().Get("from")
	if from == "" {
		from = r.Header.Get("Last-Event-ID")
	}
	events := h.turns.Subscribe(r.Context(), from)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("encode turn event", zap.String("id", ev.StreamID), zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %s\nevent: turn\ndata: %s\n\n", ev.StreamID, data); err != nil {
			return
		}
		flusher.Flush()
	}
}
