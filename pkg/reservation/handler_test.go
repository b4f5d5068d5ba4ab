package reservation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/restosync/core/internal/store"
	"github.com/restosync/core/pkg/notification"
	"github.com/restosync/core/pkg/tables"
)

func newTestHandlerRouter() chi.Router {
	layout := tables.NewMemoryLayout()
	layout.Seed("store-1", []tables.Table{
		{ID: "t1", Number: 1, Seats: 4, Status: tables.StatusAvailable},
	})
	core := NewCore(store.NewMemory(), nil, nil, notification.NewSimulated(nil), nil, layout, testConfig())
	h := NewHandler(core, nil)
	router := chi.NewRouter()
	router.Mount("/reservations", h.Routes())
	return router
}

func TestHandleAvailabilityRequiresStoreIDAndDate(t *testing.T) {
	router := newTestHandlerRouter()

	r := httptest.NewRequest(http.MethodGet, "/reservations/availability", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestHandleCreateRejectsInvalidSource(t *testing.T) {
	router := newTestHandlerRouter()

	body := `{"store_id":"store-1","customer_name":"Ana","customer_phone":"119999","party_size":2,
"reservation_date":"2026-02-09","reservation_time":"19:00","source":"CARRIER_PIGEON"}`
	r := httptest.NewRequest(http.MethodPost, "/reservations/", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestHandleCreateSucceeds(t *testing.T) {
	router := newTestHandlerRouter()

	body := `{"store_id":"store-1","customer_name":"Ana","customer_phone":"119999","party_size":2,
"reservation_date":"2026-02-09","reservation_time":"19:00","source":"PHONE"}`
	r := httptest.NewRequest(http.MethodPost, "/reservations/", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusCreated, w.Body.String())
	}
}

func TestHandleConfirmUnknownReservationReturnsNotFound(t *testing.T) {
	router := newTestHandlerRouter()

	r := httptest.NewRequest(http.MethodPost, "/reservations/missing/confirm", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusNotFound, w.Body.String())
	}
}

func TestHandleProcessNoShowsRequiresStoreID(t *testing.T) {
	router := newTestHandlerRouter()

	r := httptest.NewRequest(http.MethodPost, "/reservations/no-show-sweep", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}
