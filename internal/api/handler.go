package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/persona-chat/internal/chat"
	"github.com/nidhogg/persona-chat/internal/mirror"
	"github.com/nidhogg/persona-chat/internal/persona"
	"github.com/nidhogg/persona-chat/internal/provider"
	"github.com/nidhogg/persona-chat/internal/storage"
	"go.uber.org/zap"
)

// Archive reads the optional transcript archive.
type Archive interface {
	Exchanges(ctx context.Context, persona string, limit int) ([]chat.Exchange, error)
	Snapshot(ctx context.Context, exchangeID string) (*storage.ChatDocument, error)
}

// TurnFeed follows committed exchanges as they are published.
type TurnFeed interface {
	Subscribe(ctx context.Context, from string) <-chan mirror.Event
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine      *chat.Engine
	personas    *persona.Store
	credentials *storage.Credentials
	saves       *storage.Saves
	resources   *storage.Resources
	archive     Archive
	turns       TurnFeed
	logger      *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	engine *chat.Engine,
	personas *persona.Store,
	credentials *storage.Credentials,
	saves *storage.Saves,
	resources *storage.Resources,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		engine:      engine,
		personas:    personas,
		credentials: credentials,
		saves:       saves,
		resources:   resources,
		logger:      logger,
	}
}

// SetArchive enables the /api/archive endpoints.
func (h *Handler) SetArchive(a Archive) {
	h.archive = a
}

// SetTurnFeed enables the /api/turns event stream.
func (h *Handler) SetTurnFeed(f TurnFeed) {
	h.turns = f
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Conversation
		r.Post("/chat", h.sendMessage)
		r.Post("/chat/stream", h.streamChat)
		r.Get("/chat/history", h.chatHistory)
		r.Post("/chat/clear", h.clearChat)
		r.Post("/memory_rounds", h.setMemoryRounds)

		// Credential
		r.Get("/api_key/status", h.apiKeyStatus)
		r.Post("/api_key/set", h.setAPIKey)

		// Personas
		r.Get("/prompts", h.listPrompts)
		r.Post("/prompt/set", h.setPrompt)
		r.Post("/prompt/save", h.savePrompt)
		r.Post("/prompt/delete", h.deletePrompt)
		r.Post("/prompt/rename", h.renamePrompt)

		// Named saves
		r.Get("/saves", h.listSaves)
		r.Post("/save", h.saveChat)
		r.Post("/save/force", h.forceSaveChat)
		r.Post("/save/load", h.loadChat)
		r.Post("/save/delete", h.deleteChat)
		r.Post("/save/rename", h.renameChat)

		// CG resources
		r.Get("/resources", h.listResources)
		r.Post("/resource/delete", h.deleteResource)
		r.Post("/resource/rename", h.renameResource)
		r.Post("/cg/copy", h.copyCG)

		// Archive and live turn feed
		r.Get("/archive", h.listArchive)
		r.Get("/archive/{id}/snapshot", h.archiveSnapshot)
		r.Get("/turns", h.streamTurns)
	})

	r.Get("/resource/{name}", h.serveResource)

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"persona":     h.engine.PersonaName(),
		"has_api_key": h.engine.HasAPIKey(),
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var upstream *provider.UpstreamError
	var transport *provider.TransportError
	switch {
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, storage.ErrInvalidName),
		errors.Is(err, provider.ErrMissingCredential):
		return http.StatusBadRequest
	case errors.Is(err, persona.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrEmpty):
		return http.StatusNotFound
	case errors.Is(err, persona.ErrConflict),
		errors.Is(err, storage.ErrExists),
		errors.Is(err, chat.ErrTurnInProgress):
		return http.StatusConflict
	case errors.As(err, &upstream), errors.As(err, &transport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as an error envelope with the mapped status.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	body := map[string]string{"status": "error", "message": err.Error()}
	if status == http.StatusConflict && !errors.Is(err, chat.ErrTurnInProgress) {
		body["status"] = "exists"
	}
	writeJSON(w, status, body)
}

func writeSuccess(w http.ResponseWriter, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["status"] = "success"
	writeJSON(w, http.StatusOK, fields)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON request body into v. An empty body leaves v
// untouched so field checks report what is missing.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}
