package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/models"
)

// AliasesHandler serves the caller-facing alias endpoints.
type AliasesHandler struct {
	engine Engine
	logger *logrus.Logger
}

// NewAliasesHandler creates a new AliasesHandler instance.
func NewAliasesHandler(engine Engine, logger *logrus.Logger) *AliasesHandler {
	return &AliasesHandler{engine: engine, logger: logger}
}

type generateAliasRequest struct {
	Strategy models.AliasStrategy `json:"strategy"`
	Domain   string               `json:"domain"`
}

type resolveAliasRequest struct {
	Address string `json:"address"`
}

// aliasResponse adds the self-heal flag to an alias.
type aliasResponse struct {
	models.Alias
	Healed bool `json:"healed"`
}

type messagesResponse struct {
	Alias    string           `json:"alias"`
	Messages []models.Message `json:"messages"`
}

// Generate mints a new alias for the caller.
func (h *AliasesHandler) Generate(w http.ResponseWriter, r *http.Request) {
	owner, ok := GetOwnerFromContext(r.Context(), w)
	if !ok {
		return
	}

	var req generateAliasRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.engine.GenerateAlias(r.Context(), owner, req.Strategy, req.Domain)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, aliasResponse{Alias: created})
}

// Rotate replaces the caller's aliases with a fresh one.
func (h *AliasesHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	owner, ok := GetOwnerFromContext(r.Context(), w)
	if !ok {
		return
	}

	created, err := h.engine.RotateAlias(r.Context(), owner)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, aliasResponse{Alias: created})
}

// Resolve returns the caller's alias, or a replacement if it has expired.
func (h *AliasesHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	owner, ok := GetOwnerFromContext(r.Context(), w)
	if !ok {
		return
	}

	var req resolveAliasRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Address == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}

	resolution, err := h.engine.ResolveAlias(r.Context(), owner, req.Address)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, aliasResponse{Alias: resolution.Alias, Healed: resolution.Healed})
}

// Messages returns the cached messages of one of the caller's aliases.
func (h *AliasesHandler) Messages(w http.ResponseWriter, r *http.Request) {
	owner, ok := GetOwnerFromContext(r.Context(), w)
	if !ok {
		return
	}

	address := chi.URLParam(r, "address")
	found, err := h.engine.OwnedAlias(owner, address)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	messages, err := h.engine.GetMessages(found.Address)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, h.logger, http.StatusOK, messagesResponse{Alias: found.Address, Messages: messages})
}
