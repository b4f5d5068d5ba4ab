package queue

import (
	"context"
	"testing"
	"time"

	"github.com/restosync/core/internal/store"
	"github.com/restosync/core/pkg/notification"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestCore(clock *fakeClock) *Core {
	c := NewCore(store.NewMemory(), nil, nil, notification.NewSimulated(nil), nil)
	c.WithClock(clock)
	return c
}

func TestAddToQueueAssignsPosition(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)}
	c := newTestCore(clock)
	ctx := context.Background()

	e1, err := c.AddToQueue(ctx, EntryData{CustomerName: "Ana", CustomerPhone: "11987654321", PartySize: 2, NotificationMethod: notification.MethodSMS}, "store-1", "user-1", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e1.PositionInQueue != 1 {
		t.Errorf("expected position 1, got %d", e1.PositionInQueue)
	}

	e2, err := c.AddToQueue(ctx, EntryData{CustomerName: "Bea", CustomerPhone: "11987654322", PartySize: 3, NotificationMethod: notification.MethodSMS}, "store-1", "user-1", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e2.PositionInQueue != 2 {
		t.Errorf("expected position 2, got %d", e2.PositionInQueue)
	}
}

func TestAddToQueueRejectsDuplicatePhone(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestCore(clock)
	ctx := context.Background()

	data := EntryData{CustomerName: "Ana", CustomerPhone: "11987654321", PartySize: 2, NotificationMethod: notification.MethodSMS}
	if _, err := c.AddToQueue(ctx, data, "store-1", "user-1", "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := c.AddToQueue(ctx, data, "store-1", "user-1", "t1")
	if err == nil {
		t.Fatal("expected a conflict error for a duplicate phone")
	}
}

func TestAddToQueueRejectsInvalidPartySize(t *testing.T) {
	c := newTestCore(&fakeClock{now: time.Now()})
	_, err := c.AddToQueue(context.Background(), EntryData{CustomerName: "X", CustomerPhone: "1", PartySize: 21}, "store-1", "u", "t")
	if err == nil {
		t.Fatal("expected a validation error for party_size > 20")
	}
}

func TestEstimateWaitTimeSizeFactorBoundaries(t *testing.T) {
	cases := []struct {
		partySize  int
		sizeFactor float64
	}{
		{4, 1.0},
		{5, 1.3},
		{6, 1.3},
		{7, 1.5},
	}
	for _, tc := range cases {
		c := newTestCore(&fakeClock{now: time.Now()})
		estimate, err := c.EstimateWaitTime(context.Background(), tc.partySize, "store-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := estimate.Factors["size_factor"]; got != tc.sizeFactor {
			t.Errorf("party_size %d: size_factor = %v, want %v", tc.partySize, got, tc.sizeFactor)
		}
	}
}

func TestEstimateWaitTimeMinimumFiveMinutes(t *testing.T) {
	c := newTestCore(&fakeClock{now: time.Now()})
	estimate, err := c.EstimateWaitTime(context.Background(), 2, "store-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if estimate.EstimatedMinutes < 5 {
		t.Errorf("expected a floor of 5 minutes, got %d", estimate.EstimatedMinutes)
	}
	if estimate.ConfidenceLevel != 0.4 {
		t.Errorf("expected confidence 0.4 with no history, got %v", estimate.ConfidenceLevel)
	}
}

func TestEstimateWaitTimeUsesHistoricalMeanWhenPresent(t *testing.T) {
	c := newTestCore(&fakeClock{now: time.Now()})
	c.recordObservation(30, 20, time.Now())

	estimate, err := c.EstimateWaitTime(context.Background(), 2, "store-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if estimate.ConfidenceLevel != 0.7 {
		t.Errorf("expected confidence 0.7 once history exists, got %v", estimate.ConfidenceLevel)
	}
}

func TestNotifyCustomerTransitionsToNotified(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestCore(clock)
	ctx := context.Background()

	entry, err := c.AddToQueue(ctx, EntryData{CustomerName: "Ana", CustomerPhone: "11987654321", PartySize: 2, NotificationMethod: notification.MethodSMS}, "store-1", "u", "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	record, err := c.NotifyCustomer(ctx, entry.ID, "u", "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != "SENT" {
		t.Errorf("expected simulated send to succeed, got status %q", record.Status)
	}

	var reloaded Entry
	ok, err := c.store.Get(ctx, collectionEntries, entry.ID, &reloaded)
	if err != nil || !ok {
		t.Fatalf("expected to reload entry: ok=%v err=%v", ok, err)
	}
	if reloaded.Status != StatusNotified {
		t.Errorf("expected status NOTIFIED, got %s", reloaded.Status)
	}
	if reloaded.NotificationTime == nil {
		t.Error("expected notification_time to be set")
	}

	c.Close()
}

func TestSeatCustomerRemovesFromOrderingAndRenumbers(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestCore(clock)
	ctx := context.Background()

	e1, _ := c.AddToQueue(ctx, EntryData{CustomerName: "Ana", CustomerPhone: "1", PartySize: 2, NotificationMethod: notification.MethodSMS}, "store-1", "u", "t")
	e2, _ := c.AddToQueue(ctx, EntryData{CustomerName: "Bea", CustomerPhone: "2", PartySize: 2, NotificationMethod: notification.MethodSMS}, "store-1", "u", "t")
	e3, _ := c.AddToQueue(ctx, EntryData{CustomerName: "Cal", CustomerPhone: "3", PartySize: 2, NotificationMethod: notification.MethodSMS}, "store-1", "u", "t")

	clock.now = clock.now.Add(10 * time.Minute)
	if _, err := c.SeatCustomer(ctx, e1.ID, "table-1", "u", "t"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var reloaded2, reloaded3 Entry
	_, _ = c.store.Get(ctx, collectionEntries, e2.ID, &reloaded2)
	_, _ = c.store.Get(ctx, collectionEntries, e3.ID, &reloaded3)

	if reloaded2.PositionInQueue != 1 {
		t.Errorf("expected entry 2 to move to position 1, got %d", reloaded2.PositionInQueue)
	}
	if reloaded3.PositionInQueue != 2 {
		t.Errorf("expected entry 3 to move to position 2, got %d", reloaded3.PositionInQueue)
	}
}

func TestSeatCustomerRecordsActualWaitMinutes(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestCore(clock)
	ctx := context.Background()

	entry, _ := c.AddToQueue(ctx, EntryData{CustomerName: "Ana", CustomerPhone: "1", PartySize: 2, NotificationMethod: notification.MethodSMS}, "store-1", "u", "t")

	clock.now = clock.now.Add(12 * time.Minute)
	seated, err := c.SeatCustomer(ctx, entry.ID, "table-1", "u", "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	actual, ok := seated.ActualWaitMinutes()
	if !ok {
		t.Fatal("expected actual_wait_minutes to be defined once seated")
	}
	if actual != 12 {
		t.Errorf("expected actual wait 12 minutes, got %d", actual)
	}
}

func TestMarkNoShowOnlyAffectsNotifiedEntries(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestCore(clock)
	ctx := context.Background()

	entry, _ := c.AddToQueue(ctx, EntryData{CustomerName: "Ana", CustomerPhone: "1", PartySize: 2, NotificationMethod: notification.MethodSMS}, "store-1", "u", "t")

	// Still WAITING: marking no-show is a no-op.
	unchanged, err := c.MarkNoShow(ctx, entry.ID, "system", "system")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unchanged.Status != StatusWaiting {
		t.Errorf("expected WAITING entry to be unaffected by MarkNoShow, got %s", unchanged.Status)
	}

	if _, err := c.NotifyCustomer(ctx, entry.ID, "u", "t"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.cancelNoShow(entry.ID) // avoid a real timer firing mid-test

	noShow, err := c.MarkNoShow(ctx, entry.ID, "system", "system")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if noShow.Status != StatusNoShow {
		t.Errorf("expected NO_SHOW, got %s", noShow.Status)
	}
}

func TestCancelEntryRejectsTerminalState(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestCore(clock)
	ctx := context.Background()

	entry, _ := c.AddToQueue(ctx, EntryData{CustomerName: "Ana", CustomerPhone: "1", PartySize: 2, NotificationMethod: notification.MethodSMS}, "store-1", "u", "t")
	if _, err := c.SeatCustomer(ctx, entry.ID, "table-1", "u", "t"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := c.CancelEntry(ctx, entry.ID, "changed mind", "u", "t")
	if err == nil {
		t.Fatal("expected an error cancelling a SEATED entry")
	}
}

func TestSuggestTablesScoring(t *testing.T) {
	c := newTestCore(&fakeClock{now: time.Now()})
	ctx := context.Background()

	entry, _ := c.AddToQueue(ctx, EntryData{
		CustomerName:       "Ana",
		CustomerPhone:      "1",
		PartySize:          4,
		TablePreferences:   []string{"WINDOW", "QUIET"},
		NotificationMethod: notification.MethodSMS,
	}, "store-1", "u", "t")

	candidates := []TableCandidate{
		{ID: "small", Number: 1, Seats: 2},                                     // discarded: too small
		{ID: "exact-no-pref", Number: 2, Seats: 4},                             // 0.5 + 0.3 = 0.8
		{ID: "exact-both-pref", Number: 3, Seats: 4, Preferences: []string{"WINDOW", "QUIET"}}, // 0.5+0.3+0.2 = 1.0
		{ID: "bigger-one-pref", Number: 4, Seats: 6, Preferences: []string{"WINDOW"}},          // 0.5+0.1 = 0.6
	}

	suggestions, err := c.SuggestTables(ctx, entry.ID, candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(suggestions) != 3 {
		t.Fatalf("expected 3 eligible suggestions (one discarded), got %d", len(suggestions))
	}
	if suggestions[0].TableID != "exact-both-pref" || suggestions[0].Score != 1.0 {
		t.Errorf("expected exact-both-pref to rank first with score 1.0, got %+v", suggestions[0])
	}
	if suggestions[1].TableID != "exact-no-pref" {
		t.Errorf("expected exact-no-pref to rank second, got %+v", suggestions[1])
	}
}

func TestSuggestTablesTopFiveAndTieBreakByNumber(t *testing.T) {
	c := newTestCore(&fakeClock{now: time.Now()})
	ctx := context.Background()

	entry, _ := c.AddToQueue(ctx, EntryData{CustomerName: "Ana", CustomerPhone: "1", PartySize: 2, NotificationMethod: notification.MethodSMS}, "store-1", "u", "t")

	var candidates []TableCandidate
	for i := 10; i >= 1; i-- {
		candidates = append(candidates, TableCandidate{ID: string(rune('a' + i)), Number: i, Seats: 2})
	}

	suggestions, err := c.SuggestTables(ctx, entry.ID, candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(suggestions) != 5 {
		t.Fatalf("expected top-5 truncation, got %d", len(suggestions))
	}
	for i, s := range suggestions {
		if s.Number != i+1 {
			t.Errorf("expected tie-break by ascending table number, position %d got number %d", i, s.Number)
		}
	}
}

func TestStatisticsNoShowRate(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestCore(clock)
	ctx := context.Background()

	e1, _ := c.AddToQueue(ctx, EntryData{CustomerName: "Ana", CustomerPhone: "1", PartySize: 2, NotificationMethod: notification.MethodSMS}, "store-1", "u", "t")
	e2, _ := c.AddToQueue(ctx, EntryData{CustomerName: "Bea", CustomerPhone: "2", PartySize: 2, NotificationMethod: notification.MethodSMS}, "store-1", "u", "t")

	if _, err := c.NotifyCustomer(ctx, e1.ID, "u", "t"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.cancelNoShow(e1.ID)
	if _, err := c.MarkNoShow(ctx, e1.ID, "system", "system"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := c.NotifyCustomer(ctx, e2.ID, "u", "t"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.cancelNoShow(e2.ID)
	if _, err := c.SeatCustomer(ctx, e2.ID, "table-1", "u", "t"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := c.Statistics(ctx, "store-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.NoShowRate != 0.5 {
		t.Errorf("expected no-show rate 0.5 (1 of 2 terminal outcomes), got %v", stats.NoShowRate)
	}
}
