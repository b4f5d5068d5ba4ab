package concurrency

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/restosync/core/internal/apperr"
	"github.com/restosync/core/internal/httpserver"
	"github.com/restosync/core/internal/store"
)

const collectionCommandCards = "command_cards"

// Handler exposes command-card lookup and the concurrency manager's
// lock/version operations over /api/v1/command-cards, per SPEC_FULL.md
// §3.2 and §6.1 — no business service beyond status/lease/version, per
// spec.md's Non-goals.
type Handler struct {
	manager *Manager
	store   store.Store
	logger  *slog.Logger
}

// NewHandler creates a command-card Handler.
func NewHandler(manager *Manager, s store.Store, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, store: s, logger: logger}
}

// Routes returns a chi.Router with all command-card routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Put("/", h.handleUpdate)
		r.Post("/lock", h.handleAcquireLock)
		r.Delete("/lock", h.handleReleaseLock)
		r.Get("/lock", h.handleLockInfo)
	})
	return r
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var card CommandCard
	ok, err := h.store.Get(r.Context(), collectionCommandCards, id, &card)
	if err != nil {
		httpserver.RespondErr(w, h.logger, apperr.Internal("failed to load command card", err))
		return
	}
	if !ok {
		httpserver.RespondErr(w, h.logger, apperr.NotFound("command card not found").With("card_id", id))
		return
	}
	httpserver.Respond(w, http.StatusOK, card)
}

type updateRequest struct {
	Status  string `json:"status" validate:"required,oneof=AVAILABLE IN_USE BLOCKED LOST DAMAGED RESERVED"`
	Version int64  `json:"version" validate:"required"`
}

// handleUpdate implements spec.md §8 scenario S3: a stale client_version
// returns 409 with the shaped VERSION_CONFLICT payload, unless the caller
// holds a valid lease acquired at that version.
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	userID, _ := httpserver.Identity(r)

	var card CommandCard
	ok, err := h.store.Get(r.Context(), collectionCommandCards, id, &card)
	if err != nil {
		httpserver.RespondErr(w, h.logger, apperr.Internal("failed to load command card", err))
		return
	}
	if !ok {
		httpserver.RespondErr(w, h.logger, apperr.NotFound("command card not found").With("card_id", id))
		return
	}

	if err := h.manager.ValidateVersion("command_card", id, req.Version, card.Version, userID); err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}

	card.Status = req.Status
	card.Version++
	if err := h.store.Upsert(r.Context(), collectionCommandCards, id, card); err != nil {
		httpserver.RespondErr(w, h.logger, apperr.Internal("failed to persist command card", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, card)
}

func (h *Handler) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, terminalID := httpserver.Identity(r)
	if userID == "" {
		httpserver.RespondErr(w, h.logger, apperr.Validation("X-User-ID header is required"))
		return
	}

	var card CommandCard
	ok, err := h.store.Get(r.Context(), collectionCommandCards, id, &card)
	if err != nil {
		httpserver.RespondErr(w, h.logger, apperr.Internal("failed to load command card", err))
		return
	}
	if !ok {
		httpserver.RespondErr(w, h.logger, apperr.NotFound("command card not found").With("card_id", id))
		return
	}

	result, err := h.manager.AcquireLock("command_card", id, userID, card.Version, terminalID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	if !result.Success {
		httpserver.Respond(w, http.StatusConflict, result)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, _ := httpserver.Identity(r)
	lockID := r.URL.Query().Get("lock_id")

	if released := h.manager.ReleaseLock("command_card", id, userID, lockID); !released {
		httpserver.RespondErr(w, h.logger, apperr.Conflict("no matching lease held by this user"))
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleLockInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	httpserver.Respond(w, http.StatusOK, h.manager.GetLockInfo("command_card", id))
}
