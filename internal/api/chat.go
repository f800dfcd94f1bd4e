package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nidhogg/persona-chat/internal/chat"
	"go.uber.org/zap"
)

type chatRequest struct {
	Message string `json:"message"`
}

// sendMessage validates a message without running a turn; replies are
// produced by /chat/stream.
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.fail(w, chat.ErrEmptyMessage)
		return
	}
	writeSuccess(w, map[string]interface{}{"message": "message accepted"})
}

// streamChat runs one turn and writes the reply as raw text, flushing
// after every fragment. Errors before the first byte are JSON; a failure
// mid-stream is written inline as text.
func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	frags, err := h.engine.StreamTurn(r.Context(), req.Message)
	if err != nil {
		h.fail(w, err)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for f := range frags {
		text := f.Text
		if f.Err != nil {
			h.logger.Warn("stream turn failed", zap.Error(f.Err))
			text = "\n[error] " + f.Err.Error()
		}
		if _, err := io.WriteString(w, text); err != nil {
			// Client went away; the request context cancels the turn.
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (h *Handler) chatHistory(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]interface{}{
		"chat_history":   h.engine.History(),
		"current_prompt": h.engine.PersonaName(),
		"memory_rounds":  h.engine.MemoryRounds(),
	})
}

func (h *Handler) clearChat(w http.ResponseWriter, r *http.Request) {
	h.engine.Clear()
	writeSuccess(w, map[string]interface{}{"message": "chat cleared"})
}

type memoryRoundsRequest struct {
	MemoryRounds *int `json:"memory_rounds"`
}

func (h *Handler) setMemoryRounds(w http.ResponseWriter, r *http.Request) {
	var req memoryRoundsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MemoryRounds == nil {
		writeError(w, http.StatusBadRequest, "memory_rounds is required")
		return
	}
	n := h.engine.SetMemoryRounds(*req.MemoryRounds)
	writeSuccess(w, map[string]interface{}{"memory_rounds": n})
}

func (h *Handler) apiKeyStatus(w http.ResponseWriter, r *http.Request) {
	has := h.engine.HasAPIKey()
	writeSuccess(w, map[string]interface{}{"has_api_key": has, "api_key_set": has})
}

type apiKeyRequest struct {
	APIKey string `json:"api_key"`
}

func (h *Handler) setAPIKey(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}
	if err := h.credentials.Save(key); err != nil {
		h.fail(w, fmt.Errorf("save credential: %w", err))
		return
	}
	h.engine.SetAPIKey(key)
	h.logger.Info("api key updated")
	writeSuccess(w, map[string]interface{}{"message": "api key saved"})
}
