package concurrency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/restosync/core/internal/store"
)

func newTestCommandCardRouter(t *testing.T, s store.Store, m *Manager) chi.Router {
	t.Helper()
	h := NewHandler(m, s, nil)
	router := chi.NewRouter()
	router.Mount("/command-cards", h.Routes())
	return router
}

func seedCard(t *testing.T, s store.Store, card CommandCard) {
	t.Helper()
	if err := s.Upsert(context.Background(), collectionCommandCards, card.ID, card); err != nil {
		t.Fatalf("seed card: %v", err)
	}
}

func TestHandleGetUnknownCardReturnsNotFound(t *testing.T) {
	s := store.NewMemory()
	router := newTestCommandCardRouter(t, s, NewManager())

	r := httptest.NewRequest(http.MethodGet, "/command-cards/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusNotFound, w.Body.String())
	}
}

func TestHandleUpdateStaleVersionReturnsConflict(t *testing.T) {
	s := store.NewMemory()
	seedCard(t, s, CommandCard{ID: "c1", Number: "1", Status: "AVAILABLE", StoreID: "store-1", Version: 3})
	router := newTestCommandCardRouter(t, s, NewManager())

	body := `{"status":"IN_USE","version":1}`
	r := httptest.NewRequest(http.MethodPut, "/command-cards/c1", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusConflict, w.Body.String())
	}
}

func TestHandleUpdateCurrentVersionSucceeds(t *testing.T) {
	s := store.NewMemory()
	seedCard(t, s, CommandCard{ID: "c1", Number: "1", Status: "AVAILABLE", StoreID: "store-1", Version: 3})
	router := newTestCommandCardRouter(t, s, NewManager())

	body := `{"status":"IN_USE","version":3}`
	r := httptest.NewRequest(http.MethodPut, "/command-cards/c1", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestHandleAcquireLockThenConflictForOtherUser(t *testing.T) {
	s := store.NewMemory()
	seedCard(t, s, CommandCard{ID: "c1", Number: "1", Status: "AVAILABLE", StoreID: "store-1", Version: 1})
	router := newTestCommandCardRouter(t, s, NewManager())

	r := httptest.NewRequest(http.MethodPost, "/command-cards/c1/lock", nil)
	r.Header.Set("X-User-ID", "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("first acquire status = %d, want %d; body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	r2 := httptest.NewRequest(http.MethodPost, "/command-cards/c1/lock", nil)
	r2.Header.Set("X-User-ID", "bob")
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, r2)
	if w2.Code != http.StatusConflict {
		t.Errorf("second acquire status = %d, want %d; body = %s", w2.Code, http.StatusConflict, w2.Body.String())
	}
}

func TestHandleAcquireLockRequiresUserID(t *testing.T) {
	s := store.NewMemory()
	seedCard(t, s, CommandCard{ID: "c1", Number: "1", Status: "AVAILABLE", StoreID: "store-1", Version: 1})
	router := newTestCommandCardRouter(t, s, NewManager())

	r := httptest.NewRequest(http.MethodPost, "/command-cards/c1/lock", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestHandleLockInfoUnlocked(t *testing.T) {
	s := store.NewMemory()
	seedCard(t, s, CommandCard{ID: "c1", Number: "1", Status: "AVAILABLE", StoreID: "store-1", Version: 1})
	router := newTestCommandCardRouter(t, s, NewManager())

	r := httptest.NewRequest(http.MethodGet, "/command-cards/c1/lock", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusOK, w.Body.String())
	}
}
