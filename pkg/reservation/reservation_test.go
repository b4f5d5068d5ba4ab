package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/restosync/core/internal/store"
	"github.com/restosync/core/pkg/notification"
	"github.com/restosync/core/pkg/tables"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinAdvanceHours = 1
	cfg.OperatingHours = map[string]DayHours{
		"monday":    {Open: "11:00", Close: "23:00"},
		"tuesday":   {Open: "11:00", Close: "23:00"},
		"wednesday": {Open: "11:00", Close: "23:00"},
		"thursday":  {Open: "11:00", Close: "23:00"},
		"friday":    {Open: "11:00", Close: "23:00"},
		"saturday":  {Open: "11:00", Close: "23:00"},
		// sunday intentionally omitted: closed
	}
	return cfg
}

func newTestCore(clock *fakeClock, layout tables.Layout) *Core {
	c := NewCore(store.NewMemory(), nil, nil, notification.NewSimulated(nil), nil, layout, testConfig())
	c.WithClock(clock)
	return c
}

func seededLayout() *tables.MemoryLayout {
	l := tables.NewMemoryLayout()
	l.Seed("store-1", []tables.Table{
		{ID: "t1", Number: 1, Seats: 2, Status: tables.StatusAvailable},
		{ID: "t2", Number: 2, Seats: 4, Status: tables.StatusAvailable},
		{ID: "t3", Number: 3, Seats: 4, Status: tables.StatusAvailable, Preferences: []tables.Preference{tables.PreferenceWindow}},
		{ID: "t4", Number: 4, Seats: 6, Status: tables.StatusAvailable},
	})
	return l
}

// a Monday, chosen so testConfig's operating hours apply.
func monday(hour, minute int) time.Time {
	return time.Date(2026, time.February, 2, hour, minute, 0, 0, time.UTC)
}

func TestCheckAvailabilityClosedDayReturnsFullyBooked(t *testing.T) {
	clock := &fakeClock{now: monday(9, 0)}
	c := newTestCore(clock, seededLayout())

	// 2026-02-08 is a Sunday.
	avail, err := c.CheckAvailability(context.Background(), "store-1", "2026-02-08", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !avail.FullyBooked {
		t.Error("expected a closed day to report fully_booked")
	}
	if avail.Restrictions["reason"] != "Closed on this day" {
		t.Errorf("expected closed-day reason, got %+v", avail.Restrictions)
	}
}

func TestCheckAvailabilityOpenDayProducesSlots(t *testing.T) {
	clock := &fakeClock{now: monday(9, 0)}
	c := newTestCore(clock, seededLayout())

	avail, err := c.CheckAvailability(context.Background(), "store-1", "2026-02-02", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(avail.Slots) == 0 {
		t.Fatal("expected slots for an open day")
	}
	if avail.FullyBooked {
		t.Error("expected an empty day with tables to not be fully booked")
	}
}

func TestCreateReservationEnforcesMinAdvanceHours(t *testing.T) {
	clock := &fakeClock{now: monday(9, 0)}
	c := newTestCore(clock, seededLayout())

	_, err := c.CreateReservation(context.Background(), "store-1", CreateData{
		CustomerName:    "Ana",
		CustomerPhone:   "1",
		PartySize:       2,
		ReservationDate: "2026-02-02",
		ReservationTime: "09:30", // 30 minutes ahead, less than MinAdvanceHours=1
		Source:          SourcePhone,
	}, "u", "t")
	if err == nil {
		t.Fatal("expected a business-rule error for insufficient advance notice")
	}
}

func TestCreateReservationAcceptsExactlyMinAdvanceHours(t *testing.T) {
	clock := &fakeClock{now: monday(9, 0)}
	c := newTestCore(clock, seededLayout())

	r, err := c.CreateReservation(context.Background(), "store-1", CreateData{
		CustomerName:    "Ana",
		CustomerPhone:   "1",
		PartySize:       2,
		ReservationDate: "2026-02-02",
		ReservationTime: "10:00", // exactly 1 hour ahead
		Source:          SourcePhone,
	}, "u", "t")
	if err != nil {
		t.Fatalf("unexpected error at exactly min_advance_hours: %v", err)
	}
	if r.Status != StatusPending {
		t.Errorf("expected PENDING (confirmation required), got %s", r.Status)
	}
}

func TestCreateReservationAssignsConfirmationCode(t *testing.T) {
	clock := &fakeClock{now: monday(9, 0)}
	c := newTestCore(clock, seededLayout())

	r, err := c.CreateReservation(context.Background(), "store-1", CreateData{
		CustomerName:    "Ana",
		CustomerPhone:   "1",
		PartySize:       2,
		ReservationDate: "2026-02-02",
		ReservationTime: "12:00",
		Source:          SourcePhone,
	}, "u", "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.ConfirmationCode) != 6 {
		t.Errorf("expected a 6-character confirmation code, got %q", r.ConfirmationCode)
	}
}

func TestCreateReservationAutoAssignsTables(t *testing.T) {
	clock := &fakeClock{now: monday(9, 0)}
	c := newTestCore(clock, seededLayout())

	r, err := c.CreateReservation(context.Background(), "store-1", CreateData{
		CustomerName:     "Ana",
		CustomerPhone:    "1",
		PartySize:        4,
		TablePreferences: []string{"WINDOW"},
		ReservationDate:  "2026-02-02",
		ReservationTime:  "12:00",
		Source:           SourcePhone,
	}, "u", "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.AssignedTables) == 0 {
		t.Fatal("expected auto-assignment to select at least one table")
	}
}

func TestCreateReservationConflictsWhenNoTablesAvailable(t *testing.T) {
	clock := &fakeClock{now: monday(9, 0)}
	layout := tables.NewMemoryLayout()
	layout.Seed("store-1", []tables.Table{{ID: "only", Number: 1, Seats: 4, Status: tables.StatusAvailable}})
	c := newTestCore(clock, layout)
	ctx := context.Background()

	// First reservation consumes the single table for that slot.
	if _, err := c.CreateReservation(ctx, "store-1", CreateData{
		CustomerName: "Ana", CustomerPhone: "1", PartySize: 4,
		ReservationDate: "2026-02-02", ReservationTime: "12:00", Source: SourcePhone,
	}, "u", "t"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := c.CreateReservation(ctx, "store-1", CreateData{
		CustomerName: "Bea", CustomerPhone: "2", PartySize: 4,
		ReservationDate: "2026-02-02", ReservationTime: "12:30", Source: SourcePhone,
	}, "u", "t")
	if err == nil {
		t.Fatal("expected a conflict when the only table overlaps an existing reservation")
	}
}

func TestCreateReservationWithRecurrenceGeneratesChildren(t *testing.T) {
	clock := &fakeClock{now: monday(9, 0)}
	c := newTestCore(clock, seededLayout())
	ctx := context.Background()

	parent, err := c.CreateReservation(ctx, "store-1", CreateData{
		CustomerName:      "Ana",
		CustomerPhone:     "1",
		PartySize:         2,
		ReservationDate:   "2026-02-02",
		ReservationTime:   "12:00",
		Source:            SourcePhone,
		Recurrence:        RecurrenceWeekly,
		RecurrenceEndDate: "2026-02-23",
	}, "u", "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var all []Reservation
	if err := c.store.Query(ctx, collectionReservations, store.Predicate{"store_id": "store-1"}, &all); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// parent + 3 weekly children (Feb 9, 16, 23)
	if len(all) != 4 {
		t.Fatalf("expected 4 reservations (parent + 3 weekly children), got %d", len(all))
	}
	for _, r := range all {
		if r.ID == parent.ID {
			continue
		}
		if r.RecurrenceParentID != parent.ID {
			t.Errorf("expected child reservation to reference parent id, got %q", r.RecurrenceParentID)
		}
	}
}

func TestMonthlyRecurrenceClampsMonthEnd(t *testing.T) {
	jan31 := time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC)
	next := nextOccurrence(jan31, RecurrenceMonthly)
	if next.Month() != time.February || next.Day() != 28 {
		t.Errorf("expected Jan 31 + 1 month to clamp to Feb 28, got %s", next.Format("2006-01-02"))
	}

	feb28 := time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC)
	afterFeb := nextOccurrence(feb28, RecurrenceMonthly)
	if afterFeb.Month() != time.March || afterFeb.Day() != 28 {
		t.Errorf("expected Feb 28 + 1 month to land on Mar 28, got %s", afterFeb.Format("2006-01-02"))
	}
}

func TestTablesNeededCeilsPartySize(t *testing.T) {
	cases := map[int]int{1: 1, 4: 1, 5: 2, 8: 2, 9: 3}
	for partySize, want := range cases {
		if got := tablesNeeded(partySize); got != want {
			t.Errorf("tablesNeeded(%d) = %d, want %d", partySize, got, want)
		}
	}
}

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	clock := &fakeClock{now: monday(9, 0)}
	c := newTestCore(clock, seededLayout())
	ctx := context.Background()

	r, err := c.CreateReservation(ctx, "store-1", CreateData{
		CustomerName: "Ana", CustomerPhone: "1", PartySize: 2,
		ReservationDate: "2026-02-02", ReservationTime: "12:00", Source: SourcePhone,
	}, "u", "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// PENDING -> SEATED is not a legal direct transition.
	_, err = c.SeatArrival(ctx, r.ID, "u", "t")
	if err == nil {
		t.Fatal("expected an error seating a PENDING reservation")
	}
}

func TestConfirmArriveSeatCompleteHappyPath(t *testing.T) {
	clock := &fakeClock{now: monday(9, 0)}
	c := newTestCore(clock, seededLayout())
	ctx := context.Background()

	r, err := c.CreateReservation(ctx, "store-1", CreateData{
		CustomerName: "Ana", CustomerPhone: "1", PartySize: 2,
		ReservationDate: "2026-02-02", ReservationTime: "12:00", Source: SourcePhone,
	}, "u", "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, err = c.ConfirmReservation(ctx, r.ID, "u", "t")
	if err != nil || r.Status != StatusConfirmed {
		t.Fatalf("expected CONFIRMED: %+v, %v", r, err)
	}

	r, err = c.ArriveReservation(ctx, r.ID, "u", "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.AssignedTables) > 0 && r.Status != StatusSeated {
		t.Errorf("expected auto-seating once arrived with assigned tables, got %s", r.Status)
	}

	if r.Status == StatusSeated {
		final, err := c.CompleteReservation(ctx, r.ID, "u", "t")
		if err != nil || final.Status != StatusCompleted {
			t.Fatalf("expected COMPLETED: %+v, %v", final, err)
		}
	}
}

func TestCancelReservationRejectsTerminalState(t *testing.T) {
	clock := &fakeClock{now: monday(9, 0)}
	c := newTestCore(clock, seededLayout())
	ctx := context.Background()

	r, _ := c.CreateReservation(ctx, "store-1", CreateData{
		CustomerName: "Ana", CustomerPhone: "1", PartySize: 2,
		ReservationDate: "2026-02-02", ReservationTime: "12:00", Source: SourcePhone,
	}, "u", "t")

	if _, err := c.CancelReservation(ctx, r.ID, "u", "t"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.CancelReservation(ctx, r.ID, "u", "t"); err == nil {
		t.Fatal("expected an error cancelling an already-cancelled reservation")
	}
}

func TestProcessNoShowsTransitionsPastGracePeriod(t *testing.T) {
	clock := &fakeClock{now: monday(9, 0)}
	c := newTestCore(clock, seededLayout())
	ctx := context.Background()

	r, err := c.CreateReservation(ctx, "store-1", CreateData{
		CustomerName: "Ana", CustomerPhone: "1", PartySize: 2,
		ReservationDate: "2026-02-02", ReservationTime: "12:00", Source: SourcePhone,
	}, "u", "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.ConfirmReservation(ctx, r.ID, "u", "t"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Advance clock past reservation time + grace period.
	clock.now = monday(12, 30)

	count, err := c.ProcessNoShows(ctx, "store-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 no-show transition, got %d", count)
	}

	reloaded, err := c.requireReservation(ctx, r.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.Status != StatusNoShow {
		t.Errorf("expected NO_SHOW, got %s", reloaded.Status)
	}
}

func TestAssignTablesRejectsOverlapCollision(t *testing.T) {
	clock := &fakeClock{now: monday(9, 0)}
	layout := tables.NewMemoryLayout()
	layout.Seed("store-1", []tables.Table{
		{ID: "t1", Number: 1, Seats: 4, Status: tables.StatusAvailable},
		{ID: "t2", Number: 2, Seats: 4, Status: tables.StatusAvailable},
	})
	c := newTestCore(clock, layout)
	ctx := context.Background()

	r1, err := c.CreateReservation(ctx, "store-1", CreateData{
		CustomerName: "Ana", CustomerPhone: "1", PartySize: 4,
		ReservationDate: "2026-02-02", ReservationTime: "12:00", Source: SourcePhone,
		AssignedTables: []string{"t1"},
	}, "u", "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r2, err := c.CreateReservation(ctx, "store-1", CreateData{
		CustomerName: "Bea", CustomerPhone: "2", PartySize: 4,
		ReservationDate: "2026-02-02", ReservationTime: "12:30", Source: SourcePhone,
		AssignedTables: []string{"t2"},
	}, "u", "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = c.AssignTables(ctx, r2.ID, []string{"t1"}, "u", "t")
	if err == nil {
		t.Fatal("expected a conflict assigning a table already committed to an overlapping reservation")
	}
	_ = r1
}
