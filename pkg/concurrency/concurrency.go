// Package concurrency implements the optimistic concurrency manager of
// spec.md §4.4: per-(entity_type, entity_id) editing leases, version
// validation, and conflict-resolution strategies. Grounded on
// original_source/src/core/optimistic_lock.py's OptimisticLockManager,
// translated into explicit (Result, error) returning methods.
package concurrency

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/restosync/core/internal/apperr"
)

// Clock abstracts time.Now for deterministic lease-expiry tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// DefaultLockTimeout is the editing lease lifetime (spec.md §3 "Editing lease").
const DefaultLockTimeout = 5 * time.Minute

type entityKey struct {
	entityType string
	entityID   string
}

func (k entityKey) String() string { return k.entityType + ":" + k.entityID }

// lease is the internal representation of an editing lease.
type lease struct {
	lockID     string
	userID     string
	terminalID string
	version    int64
	acquiredAt time.Time
}

func (l lease) expired(now time.Time, timeout time.Duration) bool {
	return !(l.acquiredAt.Add(timeout).After(now))
}

// Manager is the stateful in-process registry of editing leases.
type Manager struct {
	mu          sync.Mutex
	leases      map[entityKey]lease
	lockTimeout time.Duration
	clock       Clock
}

// NewManager creates a Manager with the default lock timeout and a real clock.
func NewManager() *Manager {
	return NewManagerWithClock(DefaultLockTimeout, realClock{})
}

// NewManagerWithTimeout creates a Manager with a configured lock timeout
// and a real clock, for callers wiring LOCK_TIMEOUT from configuration.
func NewManagerWithTimeout(lockTimeout time.Duration) *Manager {
	return NewManagerWithClock(lockTimeout, realClock{})
}

// NewManagerWithClock is NewManager with an injectable timeout and Clock,
// used by tests that exercise lease-expiry sweeps deterministically.
func NewManagerWithClock(lockTimeout time.Duration, clock Clock) *Manager {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Manager{leases: make(map[entityKey]lease), lockTimeout: lockTimeout, clock: clock}
}

// AcquireResult is the outcome of AcquireLock.
type AcquireResult struct {
	Success    bool
	LockID     string
	LockedBy   string
	LockedAt   time.Time
	TerminalID string
}

// AcquireLock sweeps expired leases for the (entityType, entityID) key,
// then attempts to acquire or renew a lease for userID. If a valid lease
// is already held by the same user it is refreshed (acquired_at reset); if
// held by a different user, acquisition is denied (non-fatal: returns
// Success=false, never an error).
func (m *Manager) AcquireLock(entityType, entityID, userID string, currentVersion int64, terminalID string) (AcquireResult, error) {
	key := entityKey{entityType, entityID}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[key]
	if ok && existing.expired(now, m.lockTimeout) {
		delete(m.leases, key)
		ok = false
	}

	if ok && existing.userID != userID {
		return AcquireResult{
			Success:    false,
			LockedBy:   existing.userID,
			LockedAt:   existing.acquiredAt,
			TerminalID: existing.terminalID,
		}, nil
	}

	l := lease{
		lockID:     generateLockID(key.String(), userID, now),
		userID:     userID,
		terminalID: terminalID,
		version:    currentVersion,
		acquiredAt: now,
	}
	m.leases[key] = l

	return AcquireResult{Success: true, LockID: l.lockID}, nil
}

// ValidateVersion fails with VERSION_CONFLICT unless clientVersion equals
// currentVersion, or the caller holds a valid lease at the same
// client_version (permitting multi-step edits within a lease).
func (m *Manager) ValidateVersion(entityType, entityID string, clientVersion, currentVersion int64, userID string) error {
	if clientVersion == currentVersion {
		return nil
	}

	key := entityKey{entityType, entityID}
	now := m.clock.Now()

	m.mu.Lock()
	existing, ok := m.leases[key]
	m.mu.Unlock()

	if ok && !existing.expired(now, m.lockTimeout) && existing.userID == userID && existing.version == clientVersion {
		return nil
	}

	return apperr.VersionConflict(key.String(), clientVersion, currentVersion)
}

// ReleaseLock releases the lease for (entityType, entityID) only if userID
// owns it and, when lockID is non-empty, it matches the held lease.
func (m *Manager) ReleaseLock(entityType, entityID, userID, lockID string) bool {
	key := entityKey{entityType, entityID}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[key]
	if !ok || existing.userID != userID {
		return false
	}
	if lockID != "" && existing.lockID != lockID {
		return false
	}
	delete(m.leases, key)
	return true
}

// LockInfo describes the current lease state for (entityType, entityID).
type LockInfo struct {
	Locked     bool
	UserID     string
	TerminalID string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Version    int64
}

// GetLockInfo reports the current lease for (entityType, entityID), if any
// and unexpired.
func (m *Manager) GetLockInfo(entityType, entityID string) LockInfo {
	key := entityKey{entityType, entityID}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[key]
	if !ok || existing.expired(now, m.lockTimeout) {
		return LockInfo{Locked: false}
	}

	return LockInfo{
		Locked:     true,
		UserID:     existing.userID,
		TerminalID: existing.terminalID,
		AcquiredAt: existing.acquiredAt,
		ExpiresAt:  existing.acquiredAt.Add(m.lockTimeout),
		Version:    existing.version,
	}
}

// Strategy is a conflict-resolution strategy for HandleConflictResolution.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "LAST_WRITE_WINS"
	StrategyServerWins    Strategy = "SERVER_WINS"
	StrategyMerge         Strategy = "MERGE"
	StrategyManual        Strategy = "MANUAL"
)

// ManualResolution is returned by HandleConflictResolution under the
// MANUAL strategy: a three-field record indicating manual resolution is
// required rather than an automatically resolved document.
type ManualResolution struct {
	RequiresManualResolution bool           `json:"requires_manual_resolution"`
	ClientData               map[string]any `json:"client_data"`
	ServerData                map[string]any `json:"server_data"`
}

// HandleConflictResolution resolves a conflicting write between
// clientData and serverData per strategy. MERGE performs a field-wise
// union; for keys present in both, the side with the newer
// last_modified_at wins, ties favoring the server.
func HandleConflictResolution(clientData, serverData map[string]any, strategy Strategy) (any, error) {
	switch strategy {
	case StrategyLastWriteWins:
		return clientData, nil
	case StrategyServerWins:
		return serverData, nil
	case StrategyMerge:
		return mergeFields(clientData, serverData), nil
	case StrategyManual:
		return ManualResolution{
			RequiresManualResolution: true,
			ClientData:               clientData,
			ServerData:               serverData,
		}, nil
	default:
		return nil, fmt.Errorf("unknown conflict resolution strategy %q", strategy)
	}
}

func mergeFields(client, server map[string]any) map[string]any {
	out := make(map[string]any, len(client)+len(server))
	for k, v := range server {
		out[k] = v
	}
	for k, v := range client {
		if _, inServer := server[k]; !inServer {
			out[k] = v
			continue
		}
		if clientNewer(client, server) {
			out[k] = v
		}
	}
	return out
}

// clientNewer compares "last_modified_at" fields on both sides; the client
// wins only if its timestamp strictly exceeds the server's. Parse failures
// or missing fields favor the server, matching the tie-break rule.
func clientNewer(client, server map[string]any) bool {
	ct, cok := parseModifiedAt(client)
	st, sok := parseModifiedAt(server)
	if !cok || !sok {
		return false
	}
	return ct.After(st)
}

func parseModifiedAt(m map[string]any) (time.Time, bool) {
	raw, ok := m["last_modified_at"]
	if !ok {
		return time.Time{}, false
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

// generateLockID derives a 16-hex-char opaque token from the entity key,
// user, and acquisition time. It is only meaningful to the issuing
// process and carries no security meaning.
func generateLockID(entityKey, userID string, acquiredAt time.Time) string {
	sum := sha256.Sum256([]byte(entityKey + ":" + userID + ":" + acquiredAt.Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:16]
}

// GenerateETag returns md5(canonical_json(data) + ":v" + version), a
// content validator for HTTP cache-validation, never a security token.
func GenerateETag(data any, version int64) (string, error) {
	canonical, err := canonicalJSON(data)
	if err != nil {
		return "", fmt.Errorf("canonicalizing data for etag: %w", err)
	}
	sum := md5.Sum([]byte(canonical + ":v" + strconv.FormatInt(version, 10)))
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals v through a key-sorted encoding. encoding/json
// already sorts map[string]any keys alphabetically when marshaling, so a
// plain round-trip through map[string]any gives canonical output; this
// helper documents that rather than re-implementing a sorter.
func canonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	sortedRaw, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(sortedRaw), nil
}
