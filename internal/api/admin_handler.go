package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/models"
)

// AdminHandler serves the operator endpoints.
type AdminHandler struct {
	engine Engine
	logger *logrus.Logger
}

// NewAdminHandler creates a new AdminHandler instance.
func NewAdminHandler(engine Engine, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{engine: engine, logger: logger}
}

type registerAccountRequest struct {
	Address    string `json:"address"`
	Credential string `json:"credential"`
	IMAPServer string `json:"imap_server"`
}

type setStatusRequest struct {
	Status models.AccountStatus `json:"status"`
	// Credential optionally replaces the stored one when reactivating.
	Credential string `json:"credential,omitempty"`
}

// RegisterAccount adds a mailbox to the pool.
func (h *AdminHandler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req registerAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	req.IMAPServer = strings.TrimSpace(req.IMAPServer)
	if req.Address == "" || req.Credential == "" || req.IMAPServer == "" {
		http.Error(w, "address, credential and imap_server are required", http.StatusBadRequest)
		return
	}

	account, err := h.engine.RegisterAccount(r.Context(), req.Address, req.Credential, req.IMAPServer)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.WithField("account", account.ID).WithField("address", account.Address).Info("Account registered")
	writeJSON(w, h.logger, http.StatusCreated, account)
}

// SetStatus changes an account's status. Setting active reactivates it.
func (h *AdminHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Status.Valid() {
		http.Error(w, "status must be one of active, auth_error, rate_limited, error", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.engine.SetAccountStatus(r.Context(), id, req.Status, req.Credential); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Poll runs a pull cycle for one account right away.
func (h *AdminHandler) Poll(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.PollAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) ListAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.engine.Accounts())
}

func (h *AdminHandler) ListAliases(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.engine.Aliases())
}

func (h *AdminHandler) Retrieval(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.engine.Retrieval())
}

func (h *AdminHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.engine.Stats())
}
