package httpserver

import "net/http"

// Identity extracts the acting user and terminal from the standard
// X-User-ID / X-Terminal-ID headers. Authentication is out of scope for
// this module (spec.md §1); these headers are the hand-off point where an
// authenticating edge proxy would inject the caller's identity.
func Identity(r *http.Request) (userID, terminalID string) {
	userID = r.Header.Get("X-User-ID")
	terminalID = r.Header.Get("X-Terminal-ID")
	return userID, terminalID
}

// StoreID extracts the acting store (tenant) from the standard
// X-Store-ID header, or the store_id query parameter as a fallback for
// read-only GET endpoints.
func StoreID(r *http.Request) string {
	if v := r.Header.Get("X-Store-ID"); v != "" {
		return v
	}
	return r.URL.Query().Get("store_id")
}
