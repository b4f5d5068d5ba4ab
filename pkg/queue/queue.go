// Package queue implements the walk-in waiting-list core of spec.md §4.6:
// admission, position maintenance, the WAITING/NOTIFIED/SEATED/CANCELLED/
// NO_SHOW state machine, notification with a cancellable no-show timer,
// wait-time estimation, and table suggestion scoring.
//
// Grounded on original_source/src/queue/services/queue_service.py's
// QueueService, translated from its in-memory dict+list storage into the
// shared internal/store.Store abstraction, and from its
// asyncio.create_task no-show coroutine into a cancellable time.AfterFunc
// timer per entry.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/restosync/core/internal/apperr"
	"github.com/restosync/core/internal/eventbus"
	"github.com/restosync/core/internal/store"
	"github.com/restosync/core/internal/telemetry"
	"github.com/restosync/core/pkg/audit"
	"github.com/restosync/core/pkg/notification"
	"github.com/restosync/core/pkg/realtime"
)

const (
	collectionEntries       = "queue_entries"
	collectionNotifications = "queue_notifications"
)

// Status is a queue entry's lifecycle state.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusNotified  Status = "NOTIFIED"
	StatusSeated    Status = "SEATED"
	StatusCancelled Status = "CANCELLED"
	StatusNoShow    Status = "NO_SHOW"
)

// PartySizeCategory buckets party size per spec.md §3.
type PartySizeCategory string

const (
	CategorySmall  PartySizeCategory = "SMALL"
	CategoryMedium PartySizeCategory = "MEDIUM"
	CategoryLarge  PartySizeCategory = "LARGE"
	CategoryXLarge PartySizeCategory = "XLARGE"
)

func categoryFor(partySize int) PartySizeCategory {
	switch {
	case partySize <= 2:
		return CategorySmall
	case partySize <= 4:
		return CategoryMedium
	case partySize <= 6:
		return CategoryLarge
	default:
		return CategoryXLarge
	}
}

// Entry is the queue entry document of spec.md §3.
type Entry struct {
	ID                   string                  `json:"id"`
	CustomerName         string                  `json:"customer_name"`
	CustomerPhone        string                  `json:"customer_phone"`
	PartySize            int                     `json:"party_size"`
	PartySizeCategory    PartySizeCategory       `json:"party_size_category"`
	Status               Status                  `json:"status"`
	PositionInQueue      int                     `json:"position_in_queue"`
	TablePreferences     []string                `json:"table_preferences,omitempty"`
	CheckInTime          time.Time               `json:"check_in_time"`
	EstimatedWaitMinutes int                     `json:"estimated_wait_minutes"`
	NotificationTime     *time.Time              `json:"notification_time,omitempty"`
	SeatedTime           *time.Time              `json:"seated_time,omitempty"`
	AssignedTableID      string                  `json:"assigned_table_id,omitempty"`
	NotificationMethod   notification.Method     `json:"notification_method"`
	StoreID              string                  `json:"store_id"`
	Version              int64                   `json:"version"`
}

// ActualWaitMinutes is defined iff Status == SEATED, per spec.md §3 invariant (b).
func (e Entry) ActualWaitMinutes() (int, bool) {
	if e.Status != StatusSeated || e.SeatedTime == nil {
		return 0, false
	}
	return int(e.SeatedTime.Sub(e.CheckInTime).Minutes()), true
}

// NotificationRecord is the notification record document of spec.md §3.
type NotificationRecord struct {
	ID              string     `json:"id"`
	QueueEntryID    string     `json:"queue_entry_id"`
	NotificationType string    `json:"notification_type"`
	Status          string     `json:"status"`
	Message         string     `json:"message"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	RetryCount      int        `json:"retry_count"`
	CreatedAt       time.Time  `json:"created_at"`
}

const maxNotificationRetries = 3

// retryDelay is spec.md §4.8's default retry_delay between notification
// send attempts.
var retryDelay = 5 * time.Second

// EntryData is the caller-supplied payload for AddToQueue.
type EntryData struct {
	CustomerName       string
	CustomerPhone      string
	PartySize          int
	TablePreferences   []string
	NotificationMethod notification.Method
}

// TableCandidate is an available table passed to SuggestTables.
type TableCandidate struct {
	ID          string
	Number      int
	Seats       int
	Preferences []string
}

// TableSuggestion is a scored candidate returned by SuggestTables.
type TableSuggestion struct {
	TableID string  `json:"table_id"`
	Number  int     `json:"number"`
	Score   float64 `json:"score"`
}

// WaitTimeEstimate is the result of EstimateWaitTime.
type WaitTimeEstimate struct {
	PartySize        int            `json:"party_size"`
	EstimatedMinutes int            `json:"estimated_minutes"`
	ConfidenceLevel  float64        `json:"confidence_level"`
	Factors          map[string]any `json:"factors"`
}

// Statistics is the aggregate result of Statistics.
type Statistics struct {
	TotalInQueue          int                       `json:"total_in_queue"`
	AverageWaitMinutes    float64                   `json:"average_wait_minutes"`
	LongestWaitMinutes    int                       `json:"longest_wait_minutes"`
	ByCategory            map[PartySizeCategory]int `json:"by_category"`
	EstimatedClearMinutes int                       `json:"estimated_total_clear_minutes"`
	NoShowRate            float64                   `json:"no_show_rate"`
	EstimateAccuracy      float64                   `json:"estimate_accuracy_24h"`
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// observation is a single completed wait used for the rolling wait-time
// history and 24h accuracy window.
type observation struct {
	actualMinutes    int
	estimatedMinutes int
	at               time.Time
}

// Core is the queue service. All no-show timers it schedules are tracked
// so Close can cancel them cleanly (e.g. on process shutdown or in tests).
type Core struct {
	store   store.Store
	bus     *eventbus.Bus
	audit   *audit.Pipeline
	sender  notification.Sender
	hub     *realtime.Hub
	clock   Clock

	noShowTimeout time.Duration

	mu       sync.Mutex
	timers   map[string]*time.Timer
	history  []observation // most recent last
	maxHist  int
}

// NewCore builds a Core with the default 15-minute no-show timeout.
func NewCore(s store.Store, bus *eventbus.Bus, auditPipeline *audit.Pipeline, sender notification.Sender, hub *realtime.Hub) *Core {
	return &Core{
		store:         s,
		bus:           bus,
		audit:         auditPipeline,
		sender:        sender,
		hub:           hub,
		clock:         realClock{},
		noShowTimeout: 15 * time.Minute,
		timers:        make(map[string]*time.Timer),
		maxHist:       50,
	}
}

// WithClock overrides the clock, for deterministic tests.
func (c *Core) WithClock(clock Clock) *Core {
	c.clock = clock
	return c
}

// WithNoShowTimeout overrides the no-show timer duration.
func (c *Core) WithNoShowTimeout(d time.Duration) *Core {
	c.noShowTimeout = d
	return c
}

// Close cancels every outstanding no-show timer.
func (c *Core) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[string]*time.Timer)
}

func newID() string { return uuid.New().String() }

// AddToQueue implements spec.md §4.6's admission step.
func (c *Core) AddToQueue(ctx context.Context, data EntryData, storeID, userID, terminalID string) (Entry, error) {
	if data.PartySize < 1 || data.PartySize > 20 {
		return Entry{}, apperr.Validation("party_size must be between 1 and 20")
	}

	var existing []Entry
	if err := c.store.Query(ctx, collectionEntries, store.Predicate{
		"store_id": storeID,
		"status":   string(StatusWaiting),
	}, &existing); err != nil {
		return Entry{}, apperr.Internal("failed to query queue entries", err)
	}
	for _, e := range existing {
		if e.CustomerPhone == data.CustomerPhone {
			return Entry{}, apperr.Conflict("customer already has an active queue entry").With("phone", data.CustomerPhone)
		}
	}

	position, err := c.queueLength(ctx, storeID)
	if err != nil {
		return Entry{}, err
	}
	position++

	estimate, err := c.EstimateWaitTime(ctx, data.PartySize, storeID)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		ID:                   newID(),
		CustomerName:         data.CustomerName,
		CustomerPhone:        data.CustomerPhone,
		PartySize:            data.PartySize,
		PartySizeCategory:    categoryFor(data.PartySize),
		Status:               StatusWaiting,
		PositionInQueue:      position,
		TablePreferences:     data.TablePreferences,
		CheckInTime:          c.clock.Now(),
		EstimatedWaitMinutes: estimate.EstimatedMinutes,
		NotificationMethod:   data.NotificationMethod,
		StoreID:              storeID,
		Version:              1,
	}

	if err := c.store.Upsert(ctx, collectionEntries, entry.ID, entry); err != nil {
		return Entry{}, apperr.Internal("failed to persist queue entry", err)
	}

	telemetry.QueueEntriesAddedTotal.WithLabelValues(storeID).Inc()
	c.publish(ctx, "queue.entry.created", entry)
	c.logAudit(userID, terminalID, "CREATE", "queue_entry", entry.ID,
		fmt.Sprintf("Added %s to queue (party of %d)", entry.CustomerName, entry.PartySize), nil, toMap(entry))
	c.broadcast(terminalID, realtime.TypeCreate, "queue", entry.ID, entry)

	return entry, nil
}

// queueLength returns the current count of WAITING+NOTIFIED entries, used
// both for the next position and for estimate_wait_time's queue_size factor.
func (c *Core) queueLength(ctx context.Context, storeID string) (int, error) {
	var waiting, notified []Entry
	if err := c.store.Query(ctx, collectionEntries, store.Predicate{"store_id": storeID, "status": string(StatusWaiting)}, &waiting); err != nil {
		return 0, apperr.Internal("failed to query queue entries", err)
	}
	if err := c.store.Query(ctx, collectionEntries, store.Predicate{"store_id": storeID, "status": string(StatusNotified)}, &notified); err != nil {
		return 0, apperr.Internal("failed to query queue entries", err)
	}
	return len(waiting) + len(notified), nil
}

// EstimateWaitTime implements spec.md §4.6's estimator.
func (c *Core) EstimateWaitTime(ctx context.Context, partySize int, storeID string) (WaitTimeEstimate, error) {
	queueSize, err := c.queueLength(ctx, storeID)
	if err != nil {
		return WaitTimeEstimate{}, err
	}

	sizeFactor := 1.0
	switch {
	case partySize > 6:
		sizeFactor = 1.5
	case partySize >= 5:
		sizeFactor = 1.3
	}

	base := 15.0 * float64(queueSize) * sizeFactor
	estimated := int(base)

	c.mu.Lock()
	history := append([]observation(nil), c.history...)
	c.mu.Unlock()

	hasHistory := len(history) > 0
	if hasHistory {
		recent := history
		if len(recent) > 20 {
			recent = recent[len(recent)-20:]
		}
		var sum int
		for _, o := range recent {
			sum += o.actualMinutes
		}
		mean := float64(sum) / float64(len(recent))
		estimated = int((float64(estimated) + mean) / 2)
	}

	if estimated < 5 {
		estimated = 5
	}

	confidence := 0.4
	if hasHistory {
		confidence = 0.7
	}

	telemetry.QueueWaitEstimateSeconds.WithLabelValues(storeID).Observe(float64(estimated) * 60)

	return WaitTimeEstimate{
		PartySize:        partySize,
		EstimatedMinutes: estimated,
		ConfidenceLevel:  confidence,
		Factors: map[string]any{
			"queue_size":      queueSize,
			"party_size":      partySize,
			"size_factor":     sizeFactor,
			"historical_data": hasHistory,
		},
	}, nil
}

// NotifyCustomer implements spec.md §4.6's notification step.
func (c *Core) NotifyCustomer(ctx context.Context, entryID, userID, terminalID string) (NotificationRecord, error) {
	var entry Entry
	ok, err := c.store.Get(ctx, collectionEntries, entryID, &entry)
	if err != nil {
		return NotificationRecord{}, apperr.Internal("failed to load queue entry", err)
	}
	if !ok {
		return NotificationRecord{}, apperr.NotFound("queue entry not found").With("entry_id", entryID)
	}

	message := fmt.Sprintf("Hi %s! Your table is ready. Please come to the host stand.", entry.CustomerName)
	record := c.attemptSend(ctx, entry, message)

	now := c.clock.Now()
	entry.Status = StatusNotified
	entry.NotificationTime = &now
	entry.Version++

	if err := c.store.Upsert(ctx, collectionEntries, entry.ID, entry); err != nil {
		return NotificationRecord{}, apperr.Internal("failed to persist queue entry", err)
	}

	c.scheduleNoShow(entry.ID)
	c.publish(ctx, "queue.entry.notified", entry)
	c.logAudit(userID, terminalID, "UPDATE", "queue_notification", entry.ID,
		fmt.Sprintf("Notified %s via %s", entry.CustomerName, entry.NotificationMethod), nil, map[string]any{"notification_id": record.ID})
	c.broadcast(terminalID, realtime.TypeUpdate, "queue_entry", entry.ID, entry)

	return record, nil
}

// attemptSend sends the notification and schedules retries via
// time.AfterFunc on failure, up to maxNotificationRetries, per spec.md §4.8.
func (c *Core) attemptSend(ctx context.Context, entry Entry, message string) NotificationRecord {
	record := NotificationRecord{
		ID:               newID(),
		QueueEntryID:     entry.ID,
		NotificationType: string(entry.NotificationMethod),
		Status:           "PENDING",
		Message:          message,
		CreatedAt:        c.clock.Now(),
	}
	c.sendAttempt(ctx, &record, entry)
	return record
}

func (c *Core) sendAttempt(ctx context.Context, record *NotificationRecord, entry Entry) {
	phone := notification.NormalizePhone(entry.CustomerPhone, "55")
	result, err := c.sender.Send(ctx, notification.Notification{
		Method:  entry.NotificationMethod,
		Phone:   phone,
		Message: record.Message,
	})

	now := c.clock.Now()
	if err == nil && result.Success {
		record.Status = "SENT"
		record.SentAt = &now
		telemetry.NotificationSendTotal.WithLabelValues(string(entry.NotificationMethod), "sent").Inc()
		_ = c.store.Upsert(ctx, collectionNotifications, record.ID, *record)
		return
	}

	record.RetryCount++
	if err != nil {
		record.ErrorMessage = err.Error()
	} else {
		record.ErrorMessage = result.Detail
	}

	if record.RetryCount >= maxNotificationRetries {
		record.Status = "FAILED"
		telemetry.NotificationSendTotal.WithLabelValues(string(entry.NotificationMethod), "failed").Inc()
		_ = c.store.Upsert(ctx, collectionNotifications, record.ID, *record)
		return
	}

	telemetry.NotificationSendTotal.WithLabelValues(string(entry.NotificationMethod), "retry").Inc()

	record.Status = "PENDING"
	_ = c.store.Upsert(ctx, collectionNotifications, record.ID, *record)

	time.AfterFunc(retryDelay, func() {
		c.sendAttempt(context.Background(), record, entry)
	})
}

// SeatCustomer transitions an entry to SEATED, removes it from ordering,
// and records the completed wait for future estimates.
func (c *Core) SeatCustomer(ctx context.Context, entryID, tableID, userID, terminalID string) (Entry, error) {
	entry, err := c.requireEntry(ctx, entryID)
	if err != nil {
		return Entry{}, err
	}

	now := c.clock.Now()
	entry.Status = StatusSeated
	entry.SeatedTime = &now
	entry.AssignedTableID = tableID
	entry.Version++

	if err := c.store.Upsert(ctx, collectionEntries, entry.ID, entry); err != nil {
		return Entry{}, apperr.Internal("failed to persist queue entry", err)
	}
	c.cancelNoShow(entry.ID)

	if err := c.renumberPositions(ctx, entry.StoreID); err != nil {
		return Entry{}, err
	}

	if actual, ok := entry.ActualWaitMinutes(); ok {
		c.recordObservation(actual, entry.EstimatedWaitMinutes, now)
	}

	c.publish(ctx, "queue.entry.seated", entry)
	c.logAudit(userID, terminalID, "UPDATE", "queue_entry", entry.ID,
		fmt.Sprintf("Seated %s at table %s", entry.CustomerName, tableID), nil, toMap(entry))
	c.broadcast(terminalID, realtime.TypeUpdate, "queue_entry", entry.ID, entry)

	return entry, nil
}

// MarkNoShow transitions an entry to NO_SHOW, called either by the no-show
// timer or directly by staff.
func (c *Core) MarkNoShow(ctx context.Context, entryID, userID, terminalID string) (Entry, error) {
	entry, err := c.requireEntry(ctx, entryID)
	if err != nil {
		return Entry{}, err
	}
	if entry.Status != StatusNotified {
		return entry, nil
	}

	entry.Status = StatusNoShow
	entry.Version++
	if err := c.store.Upsert(ctx, collectionEntries, entry.ID, entry); err != nil {
		return Entry{}, apperr.Internal("failed to persist queue entry", err)
	}

	if err := c.renumberPositions(ctx, entry.StoreID); err != nil {
		return Entry{}, err
	}

	telemetry.QueueNoShowsTotal.WithLabelValues(entry.StoreID).Inc()
	c.publish(ctx, "queue.entry.no_show", entry)
	c.logAudit(userID, terminalID, "UPDATE", "queue_entry", entry.ID,
		fmt.Sprintf("Marked %s as no-show", entry.CustomerName), nil, toMap(entry))
	c.broadcast(terminalID, realtime.TypeUpdate, "queue_entry", entry.ID, entry)

	return entry, nil
}

// CancelEntry transitions any non-terminal entry to CANCELLED.
func (c *Core) CancelEntry(ctx context.Context, entryID, reason, userID, terminalID string) (Entry, error) {
	entry, err := c.requireEntry(ctx, entryID)
	if err != nil {
		return Entry{}, err
	}
	if entry.Status == StatusSeated || entry.Status == StatusCancelled || entry.Status == StatusNoShow {
		return Entry{}, apperr.BusinessRule("queue entry is already in a terminal state").With("status", entry.Status)
	}

	wasOrdered := entry.Status == StatusWaiting || entry.Status == StatusNotified
	entry.Status = StatusCancelled
	entry.Version++
	if err := c.store.Upsert(ctx, collectionEntries, entry.ID, entry); err != nil {
		return Entry{}, apperr.Internal("failed to persist queue entry", err)
	}
	c.cancelNoShow(entry.ID)

	if wasOrdered {
		if err := c.renumberPositions(ctx, entry.StoreID); err != nil {
			return Entry{}, err
		}
	}

	c.publish(ctx, "queue.entry.cancelled", entry)
	c.logAudit(userID, terminalID, "UPDATE", "queue_entry", entry.ID,
		fmt.Sprintf("Cancelled queue entry for %s", entry.CustomerName), nil, map[string]any{"reason": reason})
	c.broadcast(terminalID, realtime.TypeUpdate, "queue_entry", entry.ID, entry)

	return entry, nil
}

func (c *Core) requireEntry(ctx context.Context, entryID string) (Entry, error) {
	var entry Entry
	ok, err := c.store.Get(ctx, collectionEntries, entryID, &entry)
	if err != nil {
		return Entry{}, apperr.Internal("failed to load queue entry", err)
	}
	if !ok {
		return Entry{}, apperr.NotFound("queue entry not found").With("entry_id", entryID)
	}
	return entry, nil
}

// renumberPositions keeps position_in_queue dense and starting at 1 across
// WAITING+NOTIFIED entries, ordered by check-in time, per spec.md §3
// invariant (a).
func (c *Core) renumberPositions(ctx context.Context, storeID string) error {
	var ordered []Entry
	if err := c.store.Query(ctx, collectionEntries, store.Predicate{"store_id": storeID, "status": string(StatusWaiting)}, &ordered); err != nil {
		return apperr.Internal("failed to query queue entries", err)
	}
	var notified []Entry
	if err := c.store.Query(ctx, collectionEntries, store.Predicate{"store_id": storeID, "status": string(StatusNotified)}, &notified); err != nil {
		return apperr.Internal("failed to query queue entries", err)
	}
	ordered = append(ordered, notified...)

	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CheckInTime.Equal(ordered[j].CheckInTime) {
			return ordered[i].CheckInTime.Before(ordered[j].CheckInTime)
		}
		return ordered[i].PositionInQueue < ordered[j].PositionInQueue
	})

	for i, e := range ordered {
		if e.PositionInQueue == i+1 {
			continue
		}
		e.PositionInQueue = i + 1
		if err := c.store.Upsert(ctx, collectionEntries, e.ID, e); err != nil {
			return apperr.Internal("failed to persist queue entry", err)
		}
	}
	return nil
}

func (c *Core) scheduleNoShow(entryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.timers[entryID]; ok {
		existing.Stop()
	}
	c.timers[entryID] = time.AfterFunc(c.noShowTimeout, func() {
		c.mu.Lock()
		delete(c.timers, entryID)
		c.mu.Unlock()
		_, _ = c.MarkNoShow(context.Background(), entryID, "system", "system")
	})
}

func (c *Core) cancelNoShow(entryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[entryID]; ok {
		t.Stop()
		delete(c.timers, entryID)
	}
}

func (c *Core) recordObservation(actual, estimated int, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, observation{actualMinutes: actual, estimatedMinutes: estimated, at: at})
	if len(c.history) > c.maxHist {
		c.history = c.history[len(c.history)-c.maxHist:]
	}
}

// SuggestTables implements spec.md §4.6's scoring rule: candidates with
// seats < party_size are discarded; base 0.5 for a fit, +0.3 for exact
// size match, +0.1 per satisfied preference, clamped to 1.0, ties broken by
// lower table number, top 5 returned.
func (c *Core) SuggestTables(ctx context.Context, entryID string, candidates []TableCandidate) ([]TableSuggestion, error) {
	entry, err := c.requireEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	prefs := make(map[string]bool, len(entry.TablePreferences))
	for _, p := range entry.TablePreferences {
		prefs[p] = true
	}

	var out []TableSuggestion
	for _, t := range candidates {
		if t.Seats < entry.PartySize {
			continue
		}
		score := 0.5
		if t.Seats == entry.PartySize {
			score += 0.3
		}
		for _, p := range t.Preferences {
			if prefs[p] {
				score += 0.1
			}
		}
		score = math.Min(score, 1.0)
		out = append(out, TableSuggestion{TableID: t.ID, Number: t.Number, Score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Number < out[j].Number
	})

	if len(out) > 5 {
		out = out[:5]
	}
	return out, nil
}

// ListEntries returns every queue entry for storeID, optionally filtered to
// a single status, ordered oldest check-in first, for the paginated list
// endpoint of SPEC_FULL.md §6.1.
func (c *Core) ListEntries(ctx context.Context, storeID, status string) ([]Entry, error) {
	pred := store.Predicate{"store_id": storeID}
	if status != "" {
		pred["status"] = status
	}
	var entries []Entry
	if err := c.store.Query(ctx, collectionEntries, pred, &entries); err != nil {
		return nil, apperr.Internal("failed to query queue entries", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CheckInTime.Before(entries[j].CheckInTime) })
	return entries, nil
}

// Statistics implements spec.md §4.6's aggregate statistics.
func (c *Core) Statistics(ctx context.Context, storeID string) (Statistics, error) {
	var all []Entry
	if err := c.store.Query(ctx, collectionEntries, store.Predicate{"store_id": storeID}, &all); err != nil {
		return Statistics{}, apperr.Internal("failed to query queue entries", err)
	}

	stats := Statistics{ByCategory: map[PartySizeCategory]int{}}
	var waitTimes []int
	var terminalCount, noShowCount int

	for _, e := range all {
		if e.Status == StatusWaiting {
			stats.TotalInQueue++
			stats.ByCategory[e.PartySizeCategory]++
		}
		if actual, ok := e.ActualWaitMinutes(); ok {
			waitTimes = append(waitTimes, actual)
		}
		switch e.Status {
		case StatusNotified, StatusSeated, StatusNoShow:
			terminalCount++
			if e.Status == StatusNoShow {
				noShowCount++
			}
		}
	}

	if len(waitTimes) > 0 {
		sum := 0
		longest := waitTimes[0]
		for _, w := range waitTimes {
			sum += w
			if w > longest {
				longest = w
			}
		}
		stats.AverageWaitMinutes = float64(sum) / float64(len(waitTimes))
		stats.LongestWaitMinutes = longest
	}

	if terminalCount > 0 {
		stats.NoShowRate = float64(noShowCount) / float64(terminalCount)
	}

	estimate, err := c.EstimateWaitTime(ctx, 4, storeID)
	if err == nil {
		stats.EstimatedClearMinutes = estimate.EstimatedMinutes * stats.TotalInQueue
	}

	stats.EstimateAccuracy = c.estimateAccuracy24h(c.clock.Now())

	return stats, nil
}

// estimateAccuracy24h computes mean(1 - |actual-estimated|/actual) over the
// last 50 observations within the trailing 24 hours.
func (c *Core) estimateAccuracy24h(now time.Time) float64 {
	c.mu.Lock()
	history := append([]observation(nil), c.history...)
	c.mu.Unlock()

	cutoff := now.Add(-24 * time.Hour)
	var windowed []observation
	for _, o := range history {
		if o.at.After(cutoff) {
			windowed = append(windowed, o)
		}
	}
	if len(windowed) > 50 {
		windowed = windowed[len(windowed)-50:]
	}
	if len(windowed) == 0 {
		return 0
	}

	var sum float64
	for _, o := range windowed {
		if o.actualMinutes == 0 {
			continue
		}
		diff := math.Abs(float64(o.actualMinutes - o.estimatedMinutes))
		sum += 1 - diff/float64(o.actualMinutes)
	}
	return sum / float64(len(windowed))
}

func (c *Core) publish(ctx context.Context, topic string, entry Entry) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, eventbus.Event{Topic: topic, Data: entry})
}

func (c *Core) logAudit(userID, terminalID, action, entityType, entityID, description string, oldValue, newValue map[string]any) {
	if c.audit == nil {
		return
	}
	c.audit.Log(audit.Entry{
		Timestamp:   c.clock.Now(),
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		UserID:      userID,
		TerminalID:  terminalID,
		Severity:    audit.SeverityInfo,
		Description: description,
		OldValue:    oldValue,
		NewValue:    newValue,
	})
}

func (c *Core) broadcast(fromTerminal string, msgType realtime.MessageType, entity, entityID string, data any) {
	if c.hub == nil {
		return
	}
	c.hub.Broadcast(realtime.Message{Type: msgType, Entity: entity, EntityID: entityID, Data: data}, fromTerminal)
}

func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}
