package reservation

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/restosync/core/internal/apperr"
	"github.com/restosync/core/internal/httpserver"
)

// Handler exposes the reservation core over /api/v1/reservations, per
// SPEC_FULL.md §6.1: thin decode+validate+delegate, no business logic.
type Handler struct {
	core   *Core
	logger *slog.Logger
}

// NewHandler creates a reservation Handler.
func NewHandler(core *Core, logger *slog.Logger) *Handler {
	return &Handler{core: core, logger: logger}
}

// Routes returns a chi.Router with all reservation routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/availability", h.handleAvailability)
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/statistics", h.handleStatistics)
	r.Post("/no-show-sweep", h.handleProcessNoShows)
	r.Route("/{id}", func(r chi.Router) {
		r.Post("/confirm", h.handleConfirm)
		r.Post("/arrive", h.handleArrive)
		r.Post("/seat", h.handleSeat)
		r.Post("/complete", h.handleComplete)
		r.Post("/cancel", h.handleCancel)
		r.Put("/tables", h.handleAssignTables)
	})
	return r
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	storeID := httpserver.StoreID(r)
	date := r.URL.Query().Get("date")
	if storeID == "" || date == "" {
		httpserver.RespondErr(w, h.logger, apperr.Validation("store_id and date are required"))
		return
	}

	partySize := 2
	if v := r.URL.Query().Get("party_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpserver.RespondErr(w, h.logger, apperr.Validation("party_size must be a positive integer"))
			return
		}
		partySize = n
	}

	availability, err := h.core.CheckAvailability(r.Context(), storeID, date, partySize)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, availability)
}

type createRequest struct {
	StoreID           string   `json:"store_id" validate:"required"`
	CustomerName      string   `json:"customer_name" validate:"required"`
	CustomerPhone     string   `json:"customer_phone" validate:"required"`
	CustomerEmail     string   `json:"customer_email" validate:"omitempty,email"`
	PartySize         int      `json:"party_size" validate:"required,min=1,max=20"`
	ReservationDate   string   `json:"reservation_date" validate:"required"`
	ReservationTime   string   `json:"reservation_time" validate:"required"`
	DurationMinutes   int      `json:"duration_minutes" validate:"omitempty,min=30,max=300"`
	TablePreferences  []string `json:"table_preferences"`
	Source            string   `json:"source" validate:"required,oneof=PHONE WEBSITE WHATSAPP WALK_IN PARTNER"`
	AssignedTables    []string `json:"assigned_tables"`
	Recurrence        string   `json:"recurrence" validate:"omitempty,oneof=NONE DAILY WEEKLY MONTHLY"`
	RecurrenceEndDate string   `json:"recurrence_end_date"`
	DepositAmount     *float64 `json:"deposit_amount"`
	AutoConfirm       bool     `json:"auto_confirm"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	userID, terminalID := httpserver.Identity(r)

	recurrence := Recurrence(req.Recurrence)
	if recurrence == "" {
		recurrence = RecurrenceNone
	}

	reservation, err := h.core.CreateReservation(r.Context(), req.StoreID, CreateData{
		CustomerName:      req.CustomerName,
		CustomerPhone:     req.CustomerPhone,
		CustomerEmail:     req.CustomerEmail,
		PartySize:         req.PartySize,
		ReservationDate:   req.ReservationDate,
		ReservationTime:   req.ReservationTime,
		DurationMinutes:   req.DurationMinutes,
		TablePreferences:  req.TablePreferences,
		Source:            Source(req.Source),
		AssignedTables:    req.AssignedTables,
		Recurrence:        recurrence,
		RecurrenceEndDate: req.RecurrenceEndDate,
		DepositAmount:     req.DepositAmount,
		AutoConfirm:       req.AutoConfirm,
	}, userID, terminalID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, reservation)
}

// handleList returns a page of reservations for store_id (required),
// optionally filtered by date, using offset pagination per SPEC_FULL.md
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

	reservations, err := h.core.ListReservations(r.Context(), storeID, r.URL.Query().Get("date"))
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}

	total := len(reservations)
	start := params.Offset
	if start > total {
		start = total
	}
	end := start + params.PageSize
	if end > total {
		end = total
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(reservations[start:end], params, total))
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, terminalID := httpserver.Identity(r)
	res, err := h.core.ConfirmReservation(r.Context(), id, userID, terminalID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, res)
}

func (h *Handler) handleArrive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, terminalID := httpserver.Identity(r)
	res, err := h.core.ArriveReservation(r.Context(), id, userID, terminalID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, res)
}

func (h *Handler) handleSeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, terminalID := httpserver.Identity(r)
	res, err := h.core.SeatArrival(r.Context(), id, userID, terminalID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, res)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, terminalID := httpserver.Identity(r)
	res, err := h.core.CompleteReservation(r.Context(), id, userID, terminalID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, res)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, terminalID := httpserver.Identity(r)
	res, err := h.core.CancelReservation(r.Context(), id, userID, terminalID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, res)
}

type assignTablesRequest struct {
	TableIDs []string `json:"table_ids" validate:"required,min=1"`
}

func (h *Handler) handleAssignTables(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req assignTablesRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	userID, terminalID := httpserver.Identity(r)

	res, err := h.core.AssignTables(r.Context(), id, req.TableIDs, userID, terminalID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, res)
}

func (h *Handler) handleProcessNoShows(w http.ResponseWriter, r *http.Request) {
	storeID := httpserver.StoreID(r)
	if storeID == "" {
		httpserver.RespondErr(w, h.logger, apperr.Validation("store_id is required"))
		return
	}

	count, err := h.core.ProcessNoShows(r.Context(), storeID)
	if err != nil {
		httpserver.RespondErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]int{"no_shows_processed": count})
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
