// Package reservation implements the future-booking core of spec.md §4.7:
// slot availability, the 8-step creation flow with table-allocation
// scoring and recurrence expansion, the PENDING..COMPLETED/CANCELLED/
// NO_SHOW state machine, the no-show sweep, and statistics.
//
// Grounded on original_source/src/reservation/services/reservation_service.py's
// ReservationService, translated from its dict/list in-memory store into
// internal/store.Store, and from its per-call _check_availability scan into
// the same query shape against the shared document collections.
package reservation

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/restosync/core/internal/apperr"
	"github.com/restosync/core/internal/eventbus"
	"github.com/restosync/core/internal/store"
	"github.com/restosync/core/internal/telemetry"
	"github.com/restosync/core/pkg/audit"
	"github.com/restosync/core/pkg/notification"
	"github.com/restosync/core/pkg/queue"
	"github.com/restosync/core/pkg/realtime"
	"github.com/restosync/core/pkg/tables"
)

const collectionReservations = "reservations"

// Status is a reservation's lifecycle state, forming the DAG of spec.md
// §4.7: PENDING -> CONFIRMED -> ARRIVED -> SEATED -> COMPLETED, plus
// "* -> CANCELLED" and "CONFIRMED -> NO_SHOW".
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusArrived   Status = "ARRIVED"
	StatusSeated    Status = "SEATED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusNoShow    Status = "NO_SHOW"
)

// Source is where the reservation request originated.
type Source string

const (
	SourcePhone   Source = "PHONE"
	SourceWebsite Source = "WEBSITE"
	SourceWhatsApp Source = "WHATSAPP"
	SourceWalkIn  Source = "WALK_IN"
	SourcePartner Source = "PARTNER"
)

// Recurrence is the repeat cadence for a recurring reservation series.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "NONE"
	RecurrenceDaily   Recurrence = "DAILY"
	RecurrenceWeekly  Recurrence = "WEEKLY"
	RecurrenceMonthly Recurrence = "MONTHLY"
)

// Reservation is the reservation document of spec.md §3.
type Reservation struct {
	ID                 string     `json:"id"`
	CustomerName       string     `json:"customer_name"`
	CustomerPhone      string     `json:"customer_phone"`
	CustomerEmail      string     `json:"customer_email,omitempty"`
	PartySize          int        `json:"party_size"`
	ReservationDate    string     `json:"reservation_date"` // YYYY-MM-DD
	ReservationTime    string     `json:"reservation_time"` // HH:MM
	DurationMinutes    int        `json:"duration_minutes"`
	TablePreferences   []string   `json:"table_preferences,omitempty"`
	Status             Status     `json:"status"`
	Source             Source     `json:"source"`
	ConfirmationCode   string     `json:"confirmation_code"`
	AssignedTables     []string   `json:"assigned_tables,omitempty"`
	Recurrence         Recurrence `json:"recurrence"`
	RecurrenceParentID string     `json:"recurrence_parent_id,omitempty"`
	RecurrenceEndDate  string     `json:"recurrence_end_date,omitempty"`
	DepositAmount      *float64   `json:"deposit_amount,omitempty"`
	DepositPaid        bool       `json:"deposit_paid"`
	DepositRefunded    bool       `json:"deposit_refunded"`
	NotificationSent   bool       `json:"notification_sent"`
	ReminderSent       bool       `json:"reminder_sent"`
	StoreID            string     `json:"store_id"`
	Version            int64      `json:"version"`

	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	SeatedAt    *time.Time `json:"seated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Datetime combines ReservationDate and ReservationTime into one instant,
// per spec.md §3 invariant (a)'s "datetime = date + time".
func (r Reservation) Datetime() (time.Time, error) {
	return time.Parse("2006-01-02 15:04", r.ReservationDate+" "+r.ReservationTime)
}

func (r Reservation) end(dt time.Time) time.Time {
	return dt.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

// isActive reports whether r participates in overlap/availability checks
// (spec.md §4.7: "overlapping CONFIRMED|PENDING reservations").
func (r Reservation) isActive() bool {
	return r.Status == StatusConfirmed || r.Status == StatusPending
}

// DayHours is a single weekday's operating open/close, HH:MM. Close <=
// Open (e.g. "00:00") means the day's service spans into the next day.
type DayHours struct {
	Open  string
	Close string
}

// Config carries the store-level reservation policy of spec.md §4.7 and
// §6 (environment-configurable constraints).
type Config struct {
	MinAdvanceHours        float64
	MaxAdvanceDays         int
	MinPartySize           int
	MaxPartySize           int
	SlotDurationMinutes    int
	DefaultDurationMinutes int
	NoShowGraceMinutes     int
	RequireConfirmation    bool
	OperatingHours         map[string]DayHours // keyed by lowercase weekday name
}

// DefaultConfig matches spec.md §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinAdvanceHours:        2,
		MaxAdvanceDays:         90,
		MinPartySize:           1,
		MaxPartySize:           20,
		SlotDurationMinutes:    15,
		DefaultDurationMinutes: 120,
		NoShowGraceMinutes:     15,
		RequireConfirmation:    true,
		OperatingHours:         map[string]DayHours{},
	}
}

// CreateData is the caller-supplied payload for CreateReservation.
type CreateData struct {
	CustomerName     string
	CustomerPhone    string
	CustomerEmail    string
	PartySize        int
	ReservationDate   string
	ReservationTime   string
	DurationMinutes   int
	TablePreferences  []string
	Source            Source
	AssignedTables     []string // nil triggers auto-allocation
	Recurrence         Recurrence
	RecurrenceEndDate  string
	DepositAmount      *float64
	NotificationMethod notification.Method
	AutoConfirm        bool
}

// Slot is a single bookable time slot returned by CheckAvailability.
type Slot struct {
	Time            string `json:"time"`
	AvailableTables int    `json:"available_tables"`
	TotalTables     int    `json:"total_tables"`
	IsAvailable     bool   `json:"is_available"`
}

// Availability is the result of CheckAvailability.
type Availability struct {
	Date         string         `json:"date"`
	Slots        []Slot         `json:"slots"`
	FullyBooked  bool           `json:"fully_booked"`
	Restrictions map[string]any `json:"restrictions,omitempty"`
}

// Statistics is the aggregate result of Statistics.
type Statistics struct {
	TotalToday        int            `json:"total_today"`
	TotalThisWeek      int            `json:"total_this_week"`
	TotalThisMonth     int            `json:"total_this_month"`
	NoShowRate         float64        `json:"no_show_rate"`
	CancellationRate   float64        `json:"cancellation_rate"`
	ConfirmationRate   float64        `json:"confirmation_rate"`
	AveragePartySize   float64        `json:"average_party_size"`
	AverageDuration    float64        `json:"average_duration_minutes"`
	PeakHours          []string       `json:"peak_hours"`
	PopularWeekdays    []string       `json:"popular_weekdays"`
	TotalDepositAmount float64        `json:"total_deposit_amount"`
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Core is the reservation service.
type Core struct {
	store  store.Store
	bus    *eventbus.Bus
	audit  *audit.Pipeline
	sender notification.Sender
	hub    *realtime.Hub
	layout tables.Layout
	queue  *queue.Core
	clock  Clock
	cfg    Config

	mu   sync.Mutex
	rand *rand.Rand
}

// WithQueueAdmission wires the walk-in queue core so that arrivals without
// pre-assigned tables are enqueued rather than dropped, per spec.md §4.7:
// "otherwise it is enqueued as a queue entry."
func (c *Core) WithQueueAdmission(q *queue.Core) *Core {
	c.queue = q
	return c
}

// NewCore builds a Core.
func NewCore(s store.Store, bus *eventbus.Bus, auditPipeline *audit.Pipeline, sender notification.Sender, hub *realtime.Hub, layout tables.Layout, cfg Config) *Core {
	return &Core{
		store:  s,
		bus:    bus,
		audit:  auditPipeline,
		sender: sender,
		hub:    hub,
		layout: layout,
		clock:  realClock{},
		cfg:    cfg,
		rand:   rand.New(rand.NewSource(1)),
	}
}

// WithClock overrides the clock, for deterministic tests.
func (c *Core) WithClock(clock Clock) *Core {
	c.clock = clock
	return c
}

func newID() string { return uuid.New().String() }

// tablesNeeded implements spec.md §4.6/§4.7's ceil(party_size/4), diverging
// from the Python's floor-division (party_size // 4), per spec.md's own
// explicit wording.
func tablesNeeded(partySize int) int {
	n := (partySize + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// CheckAvailability implements spec.md §4.7's slot-generation scan.
func (c *Core) CheckAvailability(ctx context.Context, storeID, date string, partySize int) (Availability, error) {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return Availability{}, apperr.Validation("invalid date").With("date", date)
	}

	dayName := strings.ToLower(d.Weekday().String())
	hours, ok := c.cfg.OperatingHours[dayName]
	if !ok {
		return Availability{
			Date:         date,
			FullyBooked:  true,
			Restrictions: map[string]any{"reason": "Closed on this day"},
		}, nil
	}

	open, err := time.Parse("15:04", hours.Open)
	if err != nil {
		return Availability{}, apperr.Internal("invalid operating hours", err)
	}
	close, err := time.Parse("15:04", hours.Close)
	if err != nil {
		return Availability{}, apperr.Internal("invalid operating hours", err)
	}

	start := time.Date(d.Year(), d.Month(), d.Day(), open.Hour(), open.Minute(), 0, 0, time.UTC)
	end := time.Date(d.Year(), d.Month(), d.Day(), close.Hour(), close.Minute(), 0, 0, time.UTC)
	if !end.After(start) {
		end = end.AddDate(0, 0, 1) // next-day closing, e.g. 00:00
	}

	allTables, err := c.layout.All(ctx, storeID)
	if err != nil {
		return Availability{}, apperr.Internal("failed to load table layout", err)
	}
	totalTables := len(allTables)

	var slots []Slot
	slotDur := c.cfg.SlotDurationMinutes
	if slotDur <= 0 {
		slotDur = 15
	}
	for cur := start; cur.Before(end); cur = cur.Add(time.Duration(slotDur) * time.Minute) {
		available, err := c.availableTableCount(ctx, storeID, cur, c.cfg.DefaultDurationMinutes, "")
		if err != nil {
			return Availability{}, err
		}
		need := tablesNeeded(partySize)
		isAvailable := available >= need
		slots = append(slots, Slot{
			Time:            cur.Format("15:04"),
			AvailableTables: available,
			TotalTables:     totalTables,
			IsAvailable:     isAvailable,
		})
	}

	fullyBooked := true
	for _, s := range slots {
		if s.IsAvailable {
			fullyBooked = false
			break
		}
	}

	return Availability{Date: date, Slots: slots, FullyBooked: fullyBooked}, nil
}

// availableTableCount returns total tables minus tables committed to any
// overlapping active (CONFIRMED|PENDING) reservation on the slot's date,
// excluding excludeID (used when re-checking an existing reservation).
func (c *Core) availableTableCount(ctx context.Context, storeID string, slotStart time.Time, durationMinutes int, excludeID string) (int, error) {
	allTables, err := c.layout.All(ctx, storeID)
	if err != nil {
		return 0, apperr.Internal("failed to load table layout", err)
	}

	var candidates []Reservation
	if err := c.store.Query(ctx, collectionReservations, store.Predicate{
		"store_id":         storeID,
		"reservation_date": slotStart.Format("2006-01-02"),
	}, &candidates); err != nil {
		return 0, apperr.Internal("failed to query reservations", err)
	}

	slotEnd := slotStart.Add(time.Duration(durationMinutes) * time.Minute)
	inUse := make(map[string]bool)
	for _, r := range candidates {
		if !r.isActive() || r.ID == excludeID {
			continue
		}
		dt, err := r.Datetime()
		if err != nil {
			continue
		}
		if dt.Before(slotEnd) && r.end(dt).After(slotStart) {
			for _, tid := range r.AssignedTables {
				inUse[tid] = true
			}
		}
	}

	return len(allTables) - len(inUse), nil
}

// CreateReservation implements spec.md §4.7's 8-step creation flow.
func (c *Core) CreateReservation(ctx context.Context, storeID string, data CreateData, userID, terminalID string) (Reservation, error) {
	if data.PartySize < c.cfg.MinPartySize || data.PartySize > c.cfg.MaxPartySize {
		return Reservation{}, apperr.Validation(fmt.Sprintf("party_size must be between %d and %d", c.cfg.MinPartySize, c.cfg.MaxPartySize))
	}
	if data.DurationMinutes == 0 {
		data.DurationMinutes = c.cfg.DefaultDurationMinutes
	}
	if data.DurationMinutes < 30 || data.DurationMinutes > 300 {
		return Reservation{}, apperr.Validation("duration_minutes must be between 30 and 300")
	}

	reqDatetime, err := time.Parse("2006-01-02 15:04", data.ReservationDate+" "+data.ReservationTime)
	if err != nil {
		return Reservation{}, apperr.Validation("invalid reservation date/time")
	}

	now := c.clock.Now()
	hoursAdvance := reqDatetime.Sub(now).Hours()
	if hoursAdvance < c.cfg.MinAdvanceHours {
		return Reservation{}, apperr.BusinessRule(fmt.Sprintf("reservations must be made at least %.0f hours in advance", c.cfg.MinAdvanceHours))
	}
	if hoursAdvance > float64(c.cfg.MaxAdvanceDays)*24 {
		return Reservation{}, apperr.BusinessRule(fmt.Sprintf("reservations cannot be made more than %d days in advance", c.cfg.MaxAdvanceDays))
	}

	available, err := c.availableTableCount(ctx, storeID, reqDatetime, data.DurationMinutes, "")
	if err != nil {
		return Reservation{}, err
	}
	if available < tablesNeeded(data.PartySize) {
		telemetry.ReservationConflictsTotal.WithLabelValues(storeID).Inc()
		return Reservation{}, apperr.Conflict("no tables available for this time slot")
	}

	code, err := c.generateConfirmationCode(ctx, storeID)
	if err != nil {
		return Reservation{}, err
	}

	status := StatusConfirmed
	if c.cfg.RequireConfirmation && !data.AutoConfirm {
		status = StatusPending
	}

	reservation := Reservation{
		ID:                newID(),
		CustomerName:      data.CustomerName,
		CustomerPhone:     data.CustomerPhone,
		CustomerEmail:     data.CustomerEmail,
		PartySize:         data.PartySize,
		ReservationDate:   data.ReservationDate,
		ReservationTime:   data.ReservationTime,
		DurationMinutes:   data.DurationMinutes,
		TablePreferences:  data.TablePreferences,
		Status:            status,
		Source:            data.Source,
		ConfirmationCode:  code,
		AssignedTables:    data.AssignedTables,
		Recurrence:        data.Recurrence,
		RecurrenceEndDate: data.RecurrenceEndDate,
		DepositAmount:     data.DepositAmount,
		StoreID:           storeID,
		Version:           1,
	}
	if status == StatusConfirmed {
		reservation.ConfirmedAt = &now
	}

	if reservation.AssignedTables == nil {
		allocated, err := c.findBestTables(ctx, storeID, reqDatetime, data.DurationMinutes, data.PartySize, data.TablePreferences)
		if err == nil && len(allocated) > 0 {
			reservation.AssignedTables = allocated
		}
	}

	if err := c.store.Upsert(ctx, collectionReservations, reservation.ID, reservation); err != nil {
		return Reservation{}, apperr.Internal("failed to persist reservation", err)
	}

	telemetry.ReservationsCreatedTotal.WithLabelValues(storeID, string(reservation.Source)).Inc()
	c.publish(ctx, "reservation.created", reservation)
	c.logAudit(userID, terminalID, "CREATE", "reservation", reservation.ID,
		fmt.Sprintf("Created reservation for %s (party of %d)", reservation.CustomerName, reservation.PartySize), nil, nil)
	c.broadcast(terminalID, realtime.TypeCreate, "reservation", reservation.ID, reservation)

	if reservation.Recurrence != RecurrenceNone && reservation.RecurrenceEndDate != "" {
		if err := c.createRecurringChildren(ctx, reservation, userID, terminalID); err != nil {
			return Reservation{}, err
		}
	}

	if data.AutoConfirm || !c.cfg.RequireConfirmation {
		c.sendConfirmation(ctx, reservation)
	}

	return reservation, nil
}

// generateConfirmationCode builds a unique 6-char uppercase alphanumeric
// code per spec.md §3 invariant (d).
func (c *Core) generateConfirmationCode(ctx context.Context, storeID string) (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for attempt := 0; attempt < 20; attempt++ {
		c.mu.Lock()
		b := make([]byte, 6)
		for i := range b {
			b[i] = alphabet[c.rand.Intn(len(alphabet))]
		}
		c.mu.Unlock()
		code := string(b)

		var existing []Reservation
		if err := c.store.Query(ctx, collectionReservations, store.Predicate{
			"store_id":          storeID,
			"confirmation_code": code,
		}, &existing); err != nil {
			return "", apperr.Internal("failed to check confirmation code uniqueness", err)
		}
		if len(existing) == 0 {
			return code, nil
		}
	}
	return "", apperr.Internal("failed to generate a unique confirmation code", nil)
}

// findBestTables implements spec.md §4.7 step 6's scoring and packing rule.
func (c *Core) findBestTables(ctx context.Context, storeID string, dt time.Time, durationMinutes, partySize int, preferences []string) ([]string, error) {
	all, err := c.layout.All(ctx, storeID)
	if err != nil {
		return nil, apperr.Internal("failed to load table layout", err)
	}

	prefSet := make(map[string]bool, len(preferences))
	for _, p := range preferences {
		prefSet[p] = true
	}

	type scored struct {
		table tables.Table
		score float64
	}
	var candidates []scored
	for _, t := range all {
		if t.Seats < 1 {
			continue
		}
		score := 0.5
		for _, p := range t.Preferences {
			if prefSet[string(p)] {
				score += 0.2
			}
		}
		switch {
		case t.Seats == partySize:
			score += 0.3
		case t.Seats == partySize+1:
			score += 0.1
		}
		candidates = append(candidates, scored{table: t, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	var selected []string
	total := 0
	for _, s := range candidates {
		selected = append(selected, s.table.ID)
		total += s.table.Seats
		if total >= partySize {
			break
		}
	}
	if total < partySize {
		return nil, apperr.BusinessRule("no table combination satisfies the requested party size")
	}
	return selected, nil
}

// createRecurringChildren generates child reservations at the parent's
// cadence up to RecurrenceEndDate, each a fresh id with
// recurrence_parent_id set. Month-end rollover clamps safely: e.g. a
// MONTHLY reservation on Jan 31 becomes Feb 28/29, not Mar 3.
func (c *Core) createRecurringChildren(ctx context.Context, parent Reservation, userID, terminalID string) error {
	endDate, err := time.Parse("2006-01-02", parent.RecurrenceEndDate)
	if err != nil {
		return apperr.Validation("invalid recurrence_end_date")
	}
	startDate, err := time.Parse("2006-01-02", parent.ReservationDate)
	if err != nil {
		return apperr.Validation("invalid reservation_date")
	}

	next := nextOccurrence(startDate, parent.Recurrence)
	for !next.After(endDate) {
		child := parent
		child.ID = newID()
		child.ReservationDate = next.Format("2006-01-02")
		child.RecurrenceParentID = parent.ID
		child.Recurrence = RecurrenceNone
		child.RecurrenceEndDate = ""
		child.ConfirmationCode, err = c.generateConfirmationCode(ctx, parent.StoreID)
		if err != nil {
			return err
		}
		child.Version = 1

		if err := c.store.Upsert(ctx, collectionReservations, child.ID, child); err != nil {
			return apperr.Internal("failed to persist recurring reservation", err)
		}
		c.publish(ctx, "reservation.created", child)

		next = nextOccurrence(next, parent.Recurrence)
	}
	return nil
}

// nextOccurrence advances d by one cadence step, clamping month-end
// rollover for MONTHLY (e.g. Jan 31 -> Feb 28/29, never spilling into March).
func nextOccurrence(d time.Time, r Recurrence) time.Time {
	switch r {
	case RecurrenceDaily:
		return d.AddDate(0, 0, 1)
	case RecurrenceWeekly:
		return d.AddDate(0, 0, 7)
	case RecurrenceMonthly:
		day := d.Day()
		firstOfNext := time.Date(d.Year(), d.Month()+1, 1, 0, 0, 0, 0, d.Location())
		lastDayOfNext := firstOfNext.AddDate(0, 1, -1).Day()
		if day > lastDayOfNext {
			day = lastDayOfNext
		}
		return time.Date(firstOfNext.Year(), firstOfNext.Month(), day, 0, 0, 0, 0, d.Location())
	default:
		return d.AddDate(100, 0, 0) // NONE: never recurs again
	}
}

// sendConfirmation fires the initial confirmation notification; failures
// never propagate, matching the notification pipeline's never-throw
// contract.
func (c *Core) sendConfirmation(ctx context.Context, r Reservation) {
	if c.sender == nil {
		return
	}
	message := fmt.Sprintf("Your table for %d is confirmed for %s at %s. Code: %s",
		r.PartySize, r.ReservationDate, r.ReservationTime, r.ConfirmationCode)
	phone := notification.NormalizePhone(r.CustomerPhone, "55")
	method := notification.MethodSMS
	_, _ = c.sender.Send(ctx, notification.Notification{Method: method, Phone: phone, Message: message})

	r.NotificationSent = true
	_ = c.store.Upsert(ctx, collectionReservations, r.ID, r)
}

func (c *Core) requireReservation(ctx context.Context, id string) (Reservation, error) {
	var r Reservation
	ok, err := c.store.Get(ctx, collectionReservations, id, &r)
	if err != nil {
		return Reservation{}, apperr.Internal("failed to load reservation", err)
	}
	if !ok {
		return Reservation{}, apperr.NotFound("reservation not found").With("reservation_id", id)
	}
	return r, nil
}

var validTransitions = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed: {StatusArrived: true, StatusCancelled: true, StatusNoShow: true},
	StatusArrived:   {StatusSeated: true, StatusCancelled: true},
	StatusSeated:    {StatusCompleted: true, StatusCancelled: true},
}

func (c *Core) transition(ctx context.Context, id string, target Status, userID, terminalID string) (Reservation, error) {
	r, err := c.requireReservation(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if !validTransitions[r.Status][target] {
		return Reservation{}, apperr.BusinessRule(fmt.Sprintf("cannot transition reservation from %s to %s", r.Status, target))
	}

	now := c.clock.Now()
	r.Status = target
	switch target {
	case StatusConfirmed:
		r.ConfirmedAt = &now
	case StatusArrived:
		r.ArrivedAt = &now
	case StatusSeated:
		r.SeatedAt = &now
	case StatusCompleted:
		r.CompletedAt = &now
	case StatusCancelled:
		r.CancelledAt = &now
	}
	r.Version++

	if err := c.store.Upsert(ctx, collectionReservations, r.ID, r); err != nil {
		return Reservation{}, apperr.Internal("failed to persist reservation", err)
	}

	c.publish(ctx, "reservation.updated", r)
	c.logAudit(userID, terminalID, "UPDATE", "reservation", r.ID,
		fmt.Sprintf("Reservation %s transitioned to %s", r.ID, target), nil, nil)
	c.broadcast(terminalID, realtime.TypeUpdate, "reservation", r.ID, r)

	return r, nil
}

// ConfirmReservation transitions PENDING -> CONFIRMED.
func (c *Core) ConfirmReservation(ctx context.Context, id, userID, terminalID string) (Reservation, error) {
	r, err := c.transition(ctx, id, StatusConfirmed, userID, terminalID)
	if err != nil {
		return Reservation{}, err
	}
	c.sendConfirmation(ctx, r)
	return r, nil
}

// ArriveReservation transitions CONFIRMED -> ARRIVED. If assigned_tables is
// non-empty the reservation is then seated directly; otherwise, when a
// queue core is wired via WithQueueAdmission, the party is enqueued as a
// walk-in queue entry, per spec.md §4.7.
func (c *Core) ArriveReservation(ctx context.Context, id, userID, terminalID string) (Reservation, error) {
	r, err := c.transition(ctx, id, StatusArrived, userID, terminalID)
	if err != nil {
		return Reservation{}, err
	}

	if len(r.AssignedTables) > 0 {
		return c.transition(ctx, r.ID, StatusSeated, userID, terminalID)
	}

	if c.queue != nil {
		_, _ = c.queue.AddToQueue(ctx, queue.EntryData{
			CustomerName:       r.CustomerName,
			CustomerPhone:      r.CustomerPhone,
			PartySize:          r.PartySize,
			NotificationMethod: notification.MethodSMS,
		}, r.StoreID, userID, terminalID)
	}
	return r, nil
}

// SeatArrival transitions ARRIVED -> SEATED for a reservation that already
// carries assigned tables.
func (c *Core) SeatArrival(ctx context.Context, id, userID, terminalID string) (Reservation, error) {
	r, err := c.requireReservation(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if len(r.AssignedTables) == 0 {
		return Reservation{}, apperr.BusinessRule("reservation has no assigned tables to seat")
	}
	return c.transition(ctx, id, StatusSeated, userID, terminalID)
}

// CompleteReservation transitions SEATED -> COMPLETED.
func (c *Core) CompleteReservation(ctx context.Context, id, userID, terminalID string) (Reservation, error) {
	return c.transition(ctx, id, StatusCompleted, userID, terminalID)
}

// CancelReservation transitions any non-terminal reservation to CANCELLED.
func (c *Core) CancelReservation(ctx context.Context, id, userID, terminalID string) (Reservation, error) {
	r, err := c.requireReservation(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if r.Status == StatusCompleted || r.Status == StatusCancelled || r.Status == StatusNoShow {
		return Reservation{}, apperr.BusinessRule("reservation is already in a terminal state")
	}
	return c.transition(ctx, id, StatusCancelled, userID, terminalID)
}

// AssignTables implements spec.md §4.7's "Manual assign_tables" rule: each
// table must be free under the overlap rule before commit.
func (c *Core) AssignTables(ctx context.Context, id string, tableIDs []string, userID, terminalID string) (Reservation, error) {
	r, err := c.requireReservation(ctx, id)
	if err != nil {
		return Reservation{}, err
	}

	dt, err := r.Datetime()
	if err != nil {
		return Reservation{}, apperr.Internal("reservation has an invalid datetime", err)
	}

	var others []Reservation
	if err := c.store.Query(ctx, collectionReservations, store.Predicate{
		"store_id":         r.StoreID,
		"reservation_date": r.ReservationDate,
	}, &others); err != nil {
		return Reservation{}, apperr.Internal("failed to query reservations", err)
	}

	requested := make(map[string]bool, len(tableIDs))
	for _, t := range tableIDs {
		requested[t] = true
	}

	for _, other := range others {
		if other.ID == r.ID || !other.isActive() {
			continue
		}
		otherDt, err := other.Datetime()
		if err != nil {
			continue
		}
		if !(otherDt.Before(r.end(dt)) && other.end(otherDt).After(dt)) {
			continue
		}
		for _, tid := range other.AssignedTables {
			if requested[tid] {
				telemetry.ReservationConflictsTotal.WithLabelValues(r.StoreID).Inc()
				return Reservation{}, apperr.Conflict("table is already assigned to an overlapping reservation").With("table_id", tid)
			}
		}
	}

	r.AssignedTables = tableIDs
	r.Version++
	if err := c.store.Upsert(ctx, collectionReservations, r.ID, r); err != nil {
		return Reservation{}, apperr.Internal("failed to persist reservation", err)
	}
	c.publish(ctx, "reservation.updated", r)
	c.broadcast(terminalID, realtime.TypeUpdate, "reservation", r.ID, r)
	return r, nil
}

// ProcessNoShows implements spec.md §4.7's batch no-show sweep: every
// CONFIRMED reservation whose datetime is more than NoShowGraceMinutes in
// the past transitions to NO_SHOW.
func (c *Core) ProcessNoShows(ctx context.Context, storeID string) (int, error) {
	var confirmed []Reservation
	if err := c.store.Query(ctx, collectionReservations, store.Predicate{
		"store_id": storeID,
		"status":   string(StatusConfirmed),
	}, &confirmed); err != nil {
		return 0, apperr.Internal("failed to query reservations", err)
	}

	cutoff := c.clock.Now().Add(-time.Duration(c.cfg.NoShowGraceMinutes) * time.Minute)
	count := 0
	for _, r := range confirmed {
		dt, err := r.Datetime()
		if err != nil {
			continue
		}
		if dt.Before(cutoff) {
			if _, err := c.transition(ctx, r.ID, StatusNoShow, "system", "system"); err != nil {
				continue
			}
			count++
		}
	}
	if count > 0 {
		telemetry.ReservationNoShowsTotal.WithLabelValues(storeID).Add(float64(count))
	}
	return count, nil
}

// ListReservations returns every reservation for storeID, optionally
// filtered to a single reservation_date, ordered by date then time, for the
// paginated list endpoint of SPEC_FULL.md §6.1.
func (c *Core) ListReservations(ctx context.Context, storeID, date string) ([]Reservation, error) {
	pred := store.Predicate{"store_id": storeID}
	if date != "" {
		pred["reservation_date"] = date
	}
	var reservations []Reservation
	if err := c.store.Query(ctx, collectionReservations, pred, &reservations); err != nil {
		return nil, apperr.Internal("failed to query reservations", err)
	}
	sort.Slice(reservations, func(i, j int) bool {
		if reservations[i].ReservationDate != reservations[j].ReservationDate {
			return reservations[i].ReservationDate < reservations[j].ReservationDate
		}
		return reservations[i].ReservationTime < reservations[j].ReservationTime
	})
	return reservations, nil
}

// Statistics implements spec.md §4.7's period/rate/deposit aggregate.
func (c *Core) Statistics(ctx context.Context, storeID string) (Statistics, error) {
	var all []Reservation
	if err := c.store.Query(ctx, collectionReservations, store.Predicate{"store_id": storeID}, &all); err != nil {
		return Statistics{}, apperr.Internal("failed to query reservations", err)
	}

	now := c.clock.Now()
	today := now.Format("2006-01-02")
	weekAgo := now.AddDate(0, 0, -7)
	monthAgo := now.AddDate(0, -1, 0)

	stats := Statistics{}
	var partySum, durationSum, depositSum float64
	var noShows, cancellations, confirmedOrBeyond, total int
	hourCounts := map[string]int{}
	weekdayCounts := map[string]int{}

	for _, r := range all {
		total++
		if r.ReservationDate == today {
			stats.TotalToday++
		}
		dt, err := r.Datetime()
		if err == nil {
			if dt.After(weekAgo) {
				stats.TotalThisWeek++
			}
			if dt.After(monthAgo) {
				stats.TotalThisMonth++
			}
			hourCounts[dt.Format("15:00")]++
			weekdayCounts[dt.Weekday().String()]++
		}

		partySum += float64(r.PartySize)
		durationSum += float64(r.DurationMinutes)
		if r.DepositAmount != nil {
			depositSum += *r.DepositAmount
		}

		switch r.Status {
		case StatusNoShow:
			noShows++
		case StatusCancelled:
			cancellations++
		}
		if r.Status != StatusPending && r.Status != StatusCancelled {
			confirmedOrBeyond++
		}
	}

	if total > 0 {
		stats.AveragePartySize = partySum / float64(total)
		stats.AverageDuration = durationSum / float64(total)
		stats.NoShowRate = float64(noShows) / float64(total)
		stats.CancellationRate = float64(cancellations) / float64(total)
		stats.ConfirmationRate = float64(confirmedOrBeyond) / float64(total)
	}
	stats.TotalDepositAmount = depositSum
	stats.PeakHours = topKeys(hourCounts, 3)
	stats.PopularWeekdays = topKeys(weekdayCounts, 3)

	return stats, nil
}

// topKeys returns the n keys with the highest counts, ties broken
// lexicographically for determinism.
func topKeys(counts map[string]int, n int) []string {
	type kv struct {
		key   string
		count int
	}
	var list []kv
	for k, v := range counts {
		list = append(list, kv{k, v})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].count != list[j].count {
			return list[i].count > list[j].count
		}
		return list[i].key < list[j].key
	})
	if len(list) > n {
		list = list[:n]
	}
	out := make([]string, len(list))
	for i, kv := range list {
		out[i] = kv.key
	}
	return out
}

func (c *Core) publish(ctx context.Context, topic string, r Reservation) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, eventbus.Event{Topic: topic, Data: r})
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
