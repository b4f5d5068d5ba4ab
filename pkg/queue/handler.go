package queue

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/restosync/core/internal/apperr"
	"github.com/restosync/core/internal/httpserver"
	"github.com/restosync/core/pkg/notification"
	"github.com/restosync/core/pkg/tables"
)

// Handler exposes the queue core over /api/v1/queue, per SPEC_FULL.md
// §6.1: thin decode+validate+delegate, no business logic.
type Handler struct {
	core   *Core
	layout tables.Layout
	logger *slog.Logger
}

// NewHandler creates a queue Handler.
func NewHandler(core *Core, layout tables.Layout, logger *slog.Logger) *Handler {
	return &Handler{core: core, layout: layout, logger: logger}
}

// Routes returns a chi.Router with all queue routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleAdd)
	r.Get("/", h.handleList)
	r.Get("/estimate", h.handleEstimate)
	r.Get("/statistics", h.handleStatistics)
	r.Route("/{id}", func(r chi.Router) {
		r.Post("/notify", h.handleNotify)
		r.Post("/seat", h.handleSeat)
		r.Post("/no-show", h.handleNoShow)
		r.Post("/cancel", h.handleCancel)
		r.Get("/suggest-tables", h.handleSuggestTables)
	})
	return r
}

type addRequest struct {
	CustomerName       string   `json:"customer_name" validate:"required"`
	CustomerPhone      string   `json:"customer_phone" validate:"required"`
	PartySize          int      `json:"party_size" validate:"required,min=1,max=20"`
	TablePreferences   []string `json:"table_preferences"`
	NotificationMethod string   `json:"notification_method" validate:"omitempty,oneof=SMS WHATSAPP ANNOUNCEMENT NONE"`
	StoreID            string   `json:"store_id" validate:"required"`
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	userID, terminalID := httpserver.Identity(r)

	entry, err := h.core.AddToQueue(r.Context(), EntryData{
		CustomerName:       req.CustomerName,
		CustomerPhone:      req.CustomerPhone,
		PartySize:          req.PartySize,
		TablePreferences:   req.TablePreferences,
		NotificationMethod: notificationMethodOrDefault(req.NotificationMethod),
	}, req.StoreID, userID, terminalID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, entry)
}

// handleList returns a page of queue entries for store_id (required),
// optionally filtered by status, using offset pagination per SPEC_FULL.md
// §6.1.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	storeID := httpserver.StoreID(r)
	if storeID == "" {
		httpserver.RespondErr(w, h.logger, apperr.Validation("store_id is required"))
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondErr(w, h.logger, apperr.Validation(err.Error()))
		return
	}

	entries, err := h.core.ListEntries(r.Context(), storeID, r.URL.Query().Get("status"))
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}

	total := len(entries)
	start := params.Offset
	if start > total {
		start = total
	}
	end := start + params.PageSize
	if end > total {
		end = total
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(entries[start:end], params, total))
}

func (h *Handler) handleEstimate(w http.ResponseWriter, r *http.Request) {
	storeID := httpserver.StoreID(r)
	if storeID == "" {
		httpserver.RespondErr(w, h.logger, apperr.Validation("store_id is required"))
		return
	}

	partySize := 2
	if v := r.URL.Query().Get("party_size"); v != "" {
		n, convErr := parsePositiveInt(v)
		if convErr != nil {
			httpserver.RespondErr(w, h.logger, apperr.Validation("party_size must be a positive integer"))
			return
		}
		partySize = n
	}

	estimate, err := h.core.EstimateWaitTime(r.Context(), partySize, storeID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, estimate)
}

func (h *Handler) handleNotify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, terminalID := httpserver.Identity(r)

	record, err := h.core.NotifyCustomer(r.Context(), id, userID, terminalID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, record)
}

type seatRequest struct {
	TableID string `json:"table_id" validate:"required"`
}

func (h *Handler) handleSeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req seatRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	userID, terminalID := httpserver.Identity(r)

	entry, err := h.core.SeatCustomer(r.Context(), id, req.TableID, userID, terminalID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, entry)
}

func (h *Handler) handleNoShow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, terminalID := httpserver.Identity(r)

	entry, err := h.core.MarkNoShow(r.Context(), id, userID, terminalID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, entry)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	userID, terminalID := httpserver.Identity(r)

	entry, err := h.core.CancelEntry(r.Context(), id, req.Reason, userID, terminalID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, entry)
}

func (h *Handler) handleSuggestTables(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	storeID := httpserver.StoreID(r)
	if storeID == "" {
		httpserver.RespondErr(w, h.logger, apperr.Validation("store_id is required"))
		return
	}

	available, err := h.layout.Available(r.Context(), storeID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, apperr.Internal("failed to load table layout", err))
		return
	}
	candidates := make([]TableCandidate, len(available))
	for i, t := range available {
		prefs := make([]string, len(t.Preferences))
		for j, p := range t.Preferences {
			prefs[j] = string(p)
		}
		candidates[i] = TableCandidate{ID: t.ID, Number: t.Number, Seats: t.Seats, Preferences: prefs}
	}

	suggestions, err := h.core.SuggestTables(r.Context(), id, candidates)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, suggestions)
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	storeID := httpserver.StoreID(r)
	if storeID == "" {
		httpserver.RespondErr(w, h.logger, apperr.Validation("store_id is required"))
		return
	}

	stats, err := h.core.Statistics(r.Context(), storeID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, stats)
}

func notificationMethodOrDefault(m string) notification.Method {
	if m == "" {
		return notification.MethodNone
	}
	return notification.Method(m)
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, apperr.Validation("not a positive integer")
		}
		n = n*10 + int(r-'0')
	}
	if n < 1 {
		return 0, apperr.Validation("must be positive")
	}
	return n, nil
}
