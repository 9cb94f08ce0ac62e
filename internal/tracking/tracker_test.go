package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"riderlink/internal/models"
	"riderlink/internal/realtime"
)

type mockFetcher struct {
	mu     sync.Mutex
	detail models.ShipmentDetail
	err    error
	calls  int
}

func (m *mockFetcher) GetShipment(_ context.Context, id string) (models.ShipmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return models.ShipmentDetail{}, m.err
	}
	d := m.detail
	d.ID = id
	return d, nil
}

func (m *mockFetcher) set(detail models.ShipmentDetail, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detail = detail
	m.err = err
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func event(id string, status models.ShipmentStatus, offset time.Duration) models.ShipmentStatusEvent {
	return models.ShipmentStatusEvent{ID: id, Status: status, Timestamp: t0.Add(offset)}
}

func TestMerge_Dedup(t *testing.T) {
	tr := New("shp1", &mockFetcher{})

	ev := event("A", models.StatusAssigned, 10*time.Second)
	if !tr.Merge(ev) {
		t.Fatal("first merge should change the history")
	}
	if tr.Merge(ev) {
		t.Error("second merge of the same id should be a no-op")
	}

	snap := tr.Snapshot()
	if len(snap.History) != 1 {
		t.Fatalf("expected history length 1, got %d", len(snap.History))
	}
	if snap.Status != models.StatusAssigned {
		t.Errorf("expected status assigned, got %s", snap.Status)
	}
}

func TestMerge_OutOfOrder(t *testing.T) {
	tr := New("shp1", &mockFetcher{})

	tr.Merge(event("e3", models.StatusInTransit, 3*time.Minute))
	tr.Merge(event("e1", models.StatusAssigned, time.Minute))
	if tr.Status() != models.StatusInTransit {
		t.Errorf("late arrival of an older event must not change status, got %s", tr.Status())
	}
	tr.Merge(event("e2", models.StatusPickedUp, 2*time.Minute))
	tr.Merge(event("e4", models.StatusOutForDelivery, 4*time.Minute))

	var ids []string
	for _, ev := range tr.Snapshot().History {
		ids = append(ids, ev.ID)
	}
	want := []string{"e1", "e2", "e3", "e4"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
	if tr.Status() != models.StatusOutForDelivery {
		t.Errorf("expected out_for_delivery, got %s", tr.Status())
	}
}

func TestMerge_OtherShipment(t *testing.T) {
	tr := New("shp1", &mockFetcher{})

	ev := event("A", models.StatusAssigned, 0)
	ev.ShipmentID = "shp2"
	if tr.Merge(ev) {
		t.Error("event for another shipment must be ignored")
	}
	if tr.Merge(event("", models.StatusAssigned, 0)) {
		t.Error("event without id must be ignored")
	}
	if n := len(tr.Snapshot().History); n != 0 {
		t.Errorf("expected empty history, got %d", n)
	}
}

func TestRefresh(t *testing.T) {
	api := &mockFetcher{}
	api.set(models.ShipmentDetail{
		Status:          models.StatusDelivered,
		AssignedRiderID: "rider-1",
		TrackingHistory: []models.ShipmentStatusEvent{
			event("e2", models.StatusPickedUp, 2*time.Minute),
			event("e1", models.StatusAssigned, time.Minute),
			event("e1", models.StatusAssigned, time.Minute),
		},
	}, nil)
	now := t0.Add(time.Hour)
	tr := New("shp1", api, WithClock(func() time.Time { return now }))

	tr.Merge(event("speculative", models.StatusInTransit, 3*time.Minute))

	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	snap := tr.Snapshot()
	if len(snap.History) != 2 || snap.History[0].ID != "e1" || snap.History[1].ID != "e2" {
		t.Fatalf("history not replaced wholesale: %+v", snap.History)
	}
	if snap.Status != models.StatusPickedUp {
		t.Errorf("status must follow latest event, got %s", snap.Status)
	}
	if snap.AssignedRiderID != "rider-1" {
		t.Errorf("unexpected rider %q", snap.AssignedRiderID)
	}
	if snap.History[0].ShipmentID != "shp1" {
		t.Errorf("shipment id not filled in: %+v", snap.History[0])
	}

	f := tr.Freshness()
	if f.Stale || f.LastError != nil || !f.RefreshedAt.Equal(now) {
		t.Errorf("unexpected freshness %+v", f)
	}
}

func TestRefresh_EmptyHistory(t *testing.T) {
	api := &mockFetcher{}
	api.set(models.ShipmentDetail{Status: models.StatusPending}, nil)
	tr := New("shp1", api)

	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.Status() != models.StatusPending {
		t.Errorf("expected pending, got %s", tr.Status())
	}
}

func TestRefresh_FailureKeepsSnapshot(t *testing.T) {
	api := &mockFetcher{}
	api.set(models.ShipmentDetail{
		TrackingHistory: []models.ShipmentStatusEvent{
			event("e1", models.StatusAssigned, time.Minute),
			event("e2", models.StatusInTransit, 2*time.Minute),
		},
	}, nil)
	tr := New("shp1", api)

	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := tr.Snapshot()
	refreshedAt := tr.Freshness().RefreshedAt

	netErr := errors.New("connection refused")
	api.set(models.ShipmentDetail{}, netErr)

	err := tr.Refresh(context.Background())
	var ff *FetchFailure
	if !errors.As(err, &ff) || ff.ShipmentID != "shp1" || !errors.Is(err, netErr) {
		t.Fatalf("expected FetchFailure wrapping the cause, got %v", err)
	}

	after := tr.Snapshot()
	if after.Status != before.Status || len(after.History) != len(before.History) {
		t.Fatalf("snapshot changed after failed refresh: %+v -> %+v", before, after)
	}
	for i := range before.History {
		if after.History[i] != before.History[i] {
			t.Errorf("event %d changed", i)
		}
	}

	f := tr.Freshness()
	if !f.Stale || !errors.Is(f.LastError, netErr) || !f.RefreshedAt.Equal(refreshedAt) {
		t.Errorf("unexpected freshness %+v", f)
	}

	api.set(models.ShipmentDetail{TrackingHistory: before.History}, nil)
	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.Freshness().Stale {
		t.Error("successful refresh should clear the stale flag")
	}
}

func TestTimeline(t *testing.T) {
	tr := New("shp1", &mockFetcher{})
	tr.Merge(event("e2", models.StatusDelivered, 2*time.Minute))
	tr.Merge(event("e1", "teleported", time.Minute))

	entries := tr.Timeline()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Display.Title != "teleported" || entries[0].Terminal || entries[0].Latest {
		t.Errorf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Display.Title != "Delivered" || !entries[1].Terminal || !entries[1].Latest {
		t.Errorf("unexpected last entry %+v", entries[1])
	}
}

func TestDisplayFor(t *testing.T) {
	tests := []struct {
		status models.ShipmentStatus
		title  string
	}{
		{models.StatusPending, "Pending"},
		{models.StatusArrivedAtHub, "Arrived at hub"},
		{models.StatusReturned, "Returned"},
		{"held_at_customs", "held at customs"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := DisplayFor(tt.status).Title; got != tt.title {
				t.Errorf("DisplayFor(%q) = %q, want %q", tt.status, got, tt.title)
			}
		})
	}
}

func pushStatus(t *testing.T, shipmentID string, ev models.ShipmentStatusEvent) realtime.Event {
	t.Helper()
	data, err := json.Marshal(models.StatusUpdatedEvent{ShipmentID: shipmentID, Event: ev})
	if err != nil {
		t.Fatal(err)
	}
	return realtime.Event{Name: realtime.EventStatusUpdated, Data: data}
}

func TestHandleEvent(t *testing.T) {
	var changes []models.ShipmentSnapshot
	tr := New("shp1", &mockFetcher{}, OnChange(func(s models.ShipmentSnapshot) {
		changes = append(changes, s)
	}))

	tr.HandleEvent(pushStatus(t, "shp2", event("x", models.StatusAssigned, 0)))
	tr.HandleEvent(pushStatus(t, "shp1", event("a", models.StatusAssigned, 0)))
	tr.HandleEvent(pushStatus(t, "shp1", event("a", models.StatusAssigned, 0)))
	tr.HandleEvent(realtime.Event{Name: realtime.EventStatusUpdated, Data: json.RawMessage(`[]`)})
	tr.HandleEvent(realtime.Event{Name: realtime.EventNewMessage, Data: json.RawMessage(`{}`)})

	if len(changes) != 1 {
		t.Fatalf("expected one change, got %d", len(changes))
	}
	if changes[0].Status != models.StatusAssigned || len(changes[0].History) != 1 {
		t.Errorf("unexpected snapshot %+v", changes[0])
	}
}

func TestPoll(t *testing.T) {
	api := &mockFetcher{}
	api.set(models.ShipmentDetail{Status: models.StatusPending}, nil)
	tr := New("shp1", api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Poll(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for api.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Poll did not stop on cancel")
	}
	if api.callCount() < 3 {
		t.Errorf("expected periodic refreshes, got %d", api.callCount())
	}
}
