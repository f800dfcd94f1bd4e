package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/persona-chat/internal/chat"
	"github.com/nidhogg/persona-chat/internal/persona"
	"go.uber.org/zap"
)

// maxUploadBytes bounds a CG upload held in memory; larger parts spill to disk.
const maxUploadBytes = 32 << 20

type renameRequest struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

func (req renameRequest) valid(w http.ResponseWriter) bool {
	if strings.TrimSpace(req.OldName) == "" || strings.TrimSpace(req.NewName) == "" {
		writeError(w, http.StatusBadRequest, "old_name and new_name are required")
		return false
	}
	return true
}

type promptRequest struct {
	PromptName string            `json:"prompt_name"`
	PromptData *persona.Document `json:"prompt_data"`
}

func (h *Handler) listPrompts(w http.ResponseWriter, r *http.Request) {
	names, err := h.personas.List()
	if err != nil {
		h.fail(w, err)
		return
	}
	// The stored document, not the compiled persona, so entries that
	// failed to compile survive an edit round trip.
	var current *persona.Document
	if h.engine.Persona() != nil {
		doc, err := h.personas.Document(h.engine.PersonaName())
		if err != nil {
			h.logger.Warn("active persona document unreadable", zap.Error(err))
		} else {
			current = doc
		}
	}
	writeSuccess(w, map[string]interface{}{
		"prompts":        names,
		"current_prompt": h.engine.PersonaName(),
		"current_config": current,
	})
}

func (h *Handler) setPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PromptName) == "" {
		writeError(w, http.StatusBadRequest, "prompt_name is required")
		return
	}
	loaded, err := h.engine.SetPersona(req.PromptName)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeSuccess(w, map[string]interface{}{
		"prompt_name": loaded,
		"fallback":    loaded != persona.Normalize(req.PromptName),
	})
}

func (h *Handler) savePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PromptName) == "" || req.PromptData == nil {
		writeError(w, http.StatusBadRequest, "prompt_name and prompt_data are required")
		return
	}
	name := persona.Normalize(req.PromptName)
	if err := h.personas.Save(name, req.PromptData); err != nil {
		h.fail(w, err)
		return
	}
	// Edits to the active persona apply from the next turn.
	if name == h.engine.PersonaName() {
		if _, err := h.engine.SetPersona(name); err != nil {
			h.logger.Warn("reload active persona failed", zap.String("persona", name), zap.Error(err))
		}
	}
	writeSuccess(w, map[string]interface{}{"prompt_name": name})
}

func (h *Handler) deletePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PromptName) == "" {
		writeError(w, http.StatusBadRequest, "prompt_name is required")
		return
	}
	if err := h.personas.Delete(req.PromptName); err != nil {
		h.fail(w, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"prompt_name": persona.Normalize(req.PromptName)})
}

func (h *Handler) renamePrompt(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decodeBody(w, r, &req) || !req.valid(w) {
		return
	}
	if err := h.personas.Rename(req.OldName, req.NewName); err != nil {
		h.fail(w, err)
		return
	}
	newName := persona.Normalize(req.NewName)
	if persona.Normalize(req.OldName) == h.engine.PersonaName() {
		if _, err := h.engine.SetPersona(newName); err != nil {
			h.logger.Warn("follow renamed persona failed", zap.String("persona", newName), zap.Error(err))
		}
	}
	writeSuccess(w, map[string]interface{}{"prompt_name": newName})
}

type saveRequest struct {
	Filename string `json:"filename"`
}

func (req saveRequest) valid(w http.ResponseWriter) bool {
	if strings.TrimSpace(req.Filename) == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return false
	}
	return true
}

func (h *Handler) listSaves(w http.ResponseWriter, r *http.Request) {
	names, err := h.saves.List()
	if err != nil {
		h.fail(w, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"saves": names})
}

func (h *Handler) saveChat(w http.ResponseWriter, r *http.Request) {
	h.writeSave(w, r, false)
}

func (h *Handler) forceSaveChat(w http.ResponseWriter, r *http.Request) {
	h.writeSave(w, r, true)
}

func (h *Handler) writeSave(w http.ResponseWriter, r *http.Request, overwrite bool) {
	var req saveRequest
	if !decodeBody(w, r, &req) || !req.valid(w) {
		return
	}
	if err := h.saves.Save(req.Filename, h.engine.Document(), overwrite); err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Info("chat saved", zap.String("save", req.Filename), zap.Bool("overwrite", overwrite))
	writeSuccess(w, map[string]interface{}{"filename": req.Filename})
}

func (h *Handler) loadChat(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if !decodeBody(w, r, &req) || !req.valid(w) {
		return
	}
	doc, err := h.saves.Load(req.Filename)
	if err != nil {
		h.fail(w, err)
		return
	}
	fields := map[string]interface{}{"filename": req.Filename}
	if err := h.engine.Restore(doc); err != nil {
		if !errors.Is(err, chat.ErrNoPersona) {
			h.fail(w, err)
			return
		}
		fields["warning"] = err.Error()
	}
	fields["current_prompt"] = h.engine.PersonaName()
	writeSuccess(w, fields)
}

func (h *Handler) deleteChat(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if !decodeBody(w, r, &req) || !req.valid(w) {
		return
	}
	if err := h.saves.Delete(req.Filename); err != nil {
		h.fail(w, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"filename": req.Filename})
}

func (h *Handler) renameChat(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decodeBody(w, r, &req) || !req.valid(w) {
		return
	}
	if err := h.saves.Rename(req.OldName, req.NewName); err != nil {
		h.fail(w, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"filename": req.NewName})
}

func (h *Handler) listResources(w http.ResponseWriter, r *http.Request) {
	files, err := h.resources.List()
	if err != nil {
		h.fail(w, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"files": files})
}

func (h *Handler) deleteResource(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if !decodeBody(w, r, &req) || !req.valid(w) {
		return
	}
	if err := h.resources.Delete(req.Filename); err != nil {
		h.fail(w, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"filename": req.Filename})
}

func (h *Handler) renameResource(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decodeBody(w, r, &req) || !req.valid(w) {
		return
	}
	if err := h.resources.Rename(req.OldName, req.NewName); err != nil {
		h.fail(w, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"filename": req.NewName})
}

// copyCG stores the multipart "file" part in the resource directory.
// An optional "filename" field overrides the uploaded name.
func (h *Handler) copyCG(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	name := strings.TrimSpace(r.FormValue("filename"))
	if name == "" {
		name = filepath.Base(header.Filename)
	}
	if err := h.resources.Import(name, file); err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Info("cg resource imported", zap.String("file", name), zap.Int64("size", header.Size))
	writeSuccess(w, map[string]interface{}{"filename": name})
}

func (h *Handler) serveResource(w http.ResponseWriter, r *http.Request) {
	path, err := h.resources.Path(chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, err)
		return
	}
	http.ServeFile(w, r, path)
}
