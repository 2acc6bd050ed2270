package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/agrolert/backend/internal/dedup"
	"github.com/agrolert/backend/internal/farms"
	"github.com/agrolert/backend/internal/push"
	"github.com/agrolert/backend/internal/risk"
	"github.com/jonboulle/clockwork"
)

type dispatcherFixture struct {
	dispatcher *Dispatcher
	store      *dedup.MemoryStore
	history    *HistoryService
	pusher     *fakePusher
	clock      *clockwork.FakeClock
}

func newDispatcherFixture(t *testing.T, maxPerOwner int) *dispatcherFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	store := dedup.NewMemoryStore(clock)
	history := newTestHistory(t, clock.Now())
	pusher := &fakePusher{}

	dispatcher, err := NewDispatcher(DispatcherConfig{
		Pusher:            pusher,
		Store:             store,
		History:           history,
		Clock:             clock,
		FlushInterval:     15 * time.Minute,
		PushDedupWindow:   time.Hour,
		MaxQueuedPerOwner: maxPerOwner,
	})
	if err != nil {
		t.Fatalf("unexpected dispatcher error: %v", err)
	}
	return &dispatcherFixture{
		dispatcher: dispatcher,
		store:      store,
		history:    history,
		pusher:     pusher,
		clock:      clock,
	}
}

func queuedItem(recordID, ownerID string, severity risk.Severity) batchItem {
	return batchItem{
		recordID:     recordID,
		ownerID:      farms.OwnerID(ownerID),
		severity:     severity,
		message:      "alert " + recordID,
		fingerprint:  "fp-" + recordID,
		pushEligible: true,
	}
}

func TestFlushGroupsQueuePerOwner(t *testing.T) {
	fixture := newDispatcherFixture(t, 0)
	for _, item := range []batchItem{
		queuedItem("r1", "owner-1", risk.SeverityLow),
		queuedItem("r2", "owner-1", risk.SeverityMedium),
		queuedItem("r3", "owner-1", risk.SeverityLow),
		queuedItem("r4", "owner-2", risk.SeverityMedium),
	} {
		if !fixture.dispatcher.Enqueue(item) {
			t.Fatalf("unexpected enqueue rejection for %s", item.recordID)
		}
	}

	fixture.dispatcher.FlushAll(context.Background())

	if len(fixture.pusher.calls) != 2 {
		t.Fatalf("expected one grouped push per owner, got %d calls", len(fixture.pusher.calls))
	}
	var grouped push.Payload
	for i, owner := range fixture.pusher.owners {
		if owner == "owner-1" {
			grouped = fixture.pusher.calls[i]
		}
	}
	if grouped.Title != "3 Weather Updates" {
		t.Fatalf("unexpected grouped title: %q", grouped.Title)
	}
	if grouped.Severity != string(risk.SeverityMedium) {
		t.Fatalf("expected top severity in grouped payload, got %q", grouped.Severity)
	}
	if fixture.dispatcher.QueuedCount(farms.OwnerID("owner-1")) != 0 {
		t.Fatal("expected queue to be cleared after flush")
	}
}

func TestFlushWithEmptyQueueMakesNoCalls(t *testing.T) {
	fixture := newDispatcherFixture(t, 0)
	fixture.dispatcher.FlushAll(context.Background())
	if len(fixture.pusher.calls) != 0 {
		t.Fatalf("expected no push calls, got %d", len(fixture.pusher.calls))
	}
}

func TestFlushMarksPushWindowAndDeliveryID(t *testing.T) {
	fixture := newDispatcherFixture(t, 0)
	seedRecords(t, fixture.history, "owner-1", 1, fixture.clock.Now())
	item := queuedItem("record-owner-1-000", "owner-1", risk.SeverityMedium)
	fixture.dispatcher.Enqueue(item)

	fixture.dispatcher.FlushAll(context.Background())

	seen, err := fixture.store.Seen(context.Background(), dedup.WindowPush, item.fingerprint)
	if err != nil {
		t.Fatalf("unexpected seen error: %v", err)
	}
	if !seen {
		t.Fatal("expected push window to be marked after flush")
	}
	page, err := fixture.history.List(context.Background(), farms.OwnerID("owner-1"), 1, 1)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if page.Records[0].ExternalDeliveryID == "" {
		t.Fatal("expected external delivery id after flush")
	}
}

func TestFlushFailureReleasesQuotaAndKeepsWindowUnmarked(t *testing.T) {
	fixture := newDispatcherFixture(t, 0)
	ctx := context.Background()
	if ok, err := fixture.store.ReserveQuota(ctx, "owner-1", dedup.QuotaHourly, 1); err != nil || !ok {
		t.Fatalf("unexpected reserve state: ok=%v err=%v", ok, err)
	}
	if ok, err := fixture.store.ReserveQuota(ctx, "owner-1", dedup.QuotaDaily, 20); err != nil || !ok {
		t.Fatalf("unexpected reserve state: ok=%v err=%v", ok, err)
	}

	fixture.pusher.err = push.ErrProviderUnavailable
	fixture.pusher.failNext = -1
	item := queuedItem("r1", "owner-1", risk.SeverityMedium)
	fixture.dispatcher.Enqueue(item)

	fixture.dispatcher.FlushAll(ctx)

	if len(fixture.pusher.calls) != 2 {
		t.Fatalf("expected one retry on transient failure, got %d calls", len(fixture.pusher.calls))
	}
	seen, err := fixture.store.Seen(ctx, dedup.WindowPush, item.fingerprint)
	if err != nil {
		t.Fatalf("unexpected seen error: %v", err)
	}
	if seen {
		t.Fatal("failed flush must not mark the push window")
	}
	// The released hourly slot can be reserved again.
	if ok, err := fixture.store.ReserveQuota(ctx, "owner-1", dedup.QuotaHourly, 1); err != nil || !ok {
		t.Fatalf("expected quota slot back after failed flush: ok=%v err=%v", ok, err)
	}
}

func TestFlushSkipsRecentlyPushedItems(t *testing.T) {
	fixture := newDispatcherFixture(t, 0)
	item := queuedItem("r1", "owner-1", risk.SeverityMedium)
	item.pushEligible = false
	fixture.dispatcher.Enqueue(item)

	fixture.dispatcher.FlushAll(context.Background())

	if len(fixture.pusher.calls) != 0 {
		t.Fatalf("expected no push for short-window items, got %d calls", len(fixture.pusher.calls))
	}
	if fixture.dispatcher.QueuedCount(farms.OwnerID("owner-1")) != 0 {
		t.Fatal("expected ineligible items to leave the queue")
	}
}

func TestEnqueueRejectsWhenOwnerQueueIsFull(t *testing.T) {
	fixture := newDispatcherFixture(t, 2)
	if !fixture.dispatcher.Enqueue(queuedItem("r1", "owner-1", risk.SeverityLow)) {
		t.Fatal("first enqueue should succeed")
	}
	if !fixture.dispatcher.Enqueue(queuedItem("r2", "owner-1", risk.SeverityLow)) {
		t.Fatal("second enqueue should succeed")
	}
	if fixture.dispatcher.Enqueue(queuedItem("r3", "owner-1", risk.SeverityLow)) {
		t.Fatal("third enqueue should be rejected")
	}
	if !fixture.dispatcher.Enqueue(queuedItem("r4", "owner-2", risk.SeverityLow)) {
		t.Fatal("other owners should be unaffected by a full queue")
	}
}

func TestStopDrainsPendingQueue(t *testing.T) {
	clock := clockwork.NewRealClock()
	store := dedup.NewMemoryStore(clock)
	history := newTestHistory(t, time.Unix(1700000000, 0))
	pusher := &fakePusher{}
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Pusher:          pusher,
		Store:           store,
		History:         history,
		Clock:           clock,
		FlushInterval:   time.Hour,
		PushDedupWindow: time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected dispatcher error: %v", err)
	}

	go dispatcher.Run(context.Background())
	dispatcher.Enqueue(queuedItem("r1", "owner-1", risk.SeverityMedium))
	dispatcher.Stop()

	if len(pusher.calls) != 1 {
		t.Fatalf("expected final drain flush, got %d calls", len(pusher.calls))
	}
}
