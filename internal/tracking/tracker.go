package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"riderlink/internal/metrics"
	"riderlink/internal/models"
	"riderlink/internal/realtime"
)

// Fetcher is the shipment-detail REST collaborator.
type Fetcher interface {
	GetShipment(ctx context.Context, id string) (models.ShipmentDetail, error)
}

// Subscriber is the part of the realtime channel a tracker listens on.
type Subscriber interface {
	Subscribe(name string, h realtime.Handler) func()
}

// FetchFailure is returned when a snapshot refresh fails. The previous
// snapshot is kept.
type FetchFailure struct {
	ShipmentID string
	Err        error
}

func (e *FetchFailure) Error() string {
	return fmt.Sprintf("refresh shipment %s: %v", e.ShipmentID, e.Err)
}

func (e *FetchFailure) Unwrap() error {
	return e.Err
}

// Freshness describes how current the held snapshot is.
type Freshness struct {
	Stale       bool
	LastError   error
	RefreshedAt time.Time
}

// Entry is one render-ready timeline row.
type Entry struct {
	Event    models.ShipmentStatusEvent
	Display  Display
	Terminal bool
	Latest   bool
}

type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// OnChange is called with a copy of the snapshot after every change.
func OnChange(fn func(models.ShipmentSnapshot)) Option {
	return func(t *Tracker) {
		t.onChange = fn
	}
}

// Tracker holds the status history of one shipment, merging snapshot pulls
// with pushed status events.
type Tracker struct {
	shipmentID string
	api        Fetcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	onChange   func(models.ShipmentSnapshot)

	mu        sync.RWMutex
	snapshot  models.ShipmentSnapshot
	freshness Freshness
}

func New(shipmentID string, api Fetcher, opts ...Option) *Tracker {
	t := &Tracker{
		shipmentID: shipmentID,
		api:        api,
		logger:     slog.Default(),
		now:        time.Now,
		snapshot:   models.ShipmentSnapshot{ShipmentID: shipmentID},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("shipment_id", shipmentID)
	return t
}

// Merge adds ev to the history unless an event with the same id is already
// there. Events for other shipments are ignored.
func (t *Tracker) Merge(ev models.ShipmentStatusEvent) bool {
	if ev.ShipmentID != "" && ev.ShipmentID != t.shipmentID {
		return false
	}
	if ev.ID == "" {
		t.logger.Warn("status event without id", "status", ev.Status)
		return false
	}
	ev.ShipmentID = t.shipmentID

	t.mu.Lock()
	history := t.snapshot.History
	if slices.ContainsFunc(history, func(e models.ShipmentStatusEvent) bool { return e.ID == ev.ID }) {
		t.mu.Unlock()
		return false
	}

	// Insert after every event with the same or earlier timestamp.
	i := slices.IndexFunc(history, func(e models.ShipmentStatusEvent) bool { return e.Timestamp.After(ev.Timestamp) })
	if i < 0 {
		i = len(history)
	}
	t.snapshot.History = slices.Insert(slices.Clip(history), i, ev)
	t.snapshot.Status = t.snapshot.History[len(t.snapshot.History)-1].Status
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.logger.Debug("status event merged", "event_id", ev.ID, "status", ev.Status)
	t.notify(snap)
	return true
}

// Refresh replaces the history with a full pull from the server. On failure
// the current snapshot is kept and marked stale.
func (t *Tracker) Refresh(ctx context.Context) error {
	detail, err := t.api.GetShipment(ctx, t.shipmentID)
	t.metrics.RecordRefresh(err)
	if err != nil {
		t.mu.Lock()
		t.freshness.Stale = true
		t.freshness.LastError = err
		t.mu.Unlock()
		return &FetchFailure{ShipmentID: t.shipmentID, Err: err}
	}

	history := normalize(t.shipmentID, detail.TrackingHistory)
	status := detail.Status
	if len(history) > 0 {
		status = history[len(history)-1].Status
	}

	t.mu.Lock()
	t.snapshot = models.ShipmentSnapshot{
		ShipmentID:      t.shipmentID,
		Status:          status,
		History:         history,
		AssignedRiderID: detail.AssignedRiderID,
	}
	t.freshness = Freshness{RefreshedAt: t.now()}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.logger.Debug("snapshot refreshed", "status", status, "events", len(history))
	t.notify(snap)
	return nil
}

// normalize dedups by id, keeping the first occurrence, and orders by timestamp.
func normalize(shipmentID string, events []models.ShipmentStatusEvent) []models.ShipmentStatusEvent {
	seen := make(map[string]bool, len(events))
	out := make([]models.ShipmentStatusEvent, 0, len(events))
	for _, ev := range events {
		if ev.ID == "" || seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		ev.ShipmentID = shipmentID
		out = append(out, ev)
	}
	slices.SortStableFunc(out, func(a, b models.ShipmentStatusEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

// Poll refreshes every interval until ctx is done. Failures are logged and
// leave the tracker stale until the next successful refresh.
func (t *Tracker) Poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("snapshot refresh failed", "error", err)
			}
		}
	}
}

// HandleEvent applies a shipment:status-updated push.
func (t *Tracker) HandleEvent(ev realtime.Event) {
	if ev.Name != realtime.EventStatusUpdated {
		return
	}
	var payload models.StatusUpdatedEvent
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.logger.Warn("malformed status event", "error", err)
		return
	}
	if payload.ShipmentID != t.shipmentID {
		return
	}
	t.Merge(payload.Event)
}

// Attach subscribes the tracker to status push events. The returned func
// detaches it.
func (t *Tracker) Attach(sub Subscriber) func() {
	return sub.Subscribe(realtime.EventStatusUpdated, t.HandleEvent)
}

func (t *Tracker) Snapshot() models.ShipmentSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) Status() models.ShipmentStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot.Status
}

func (t *Tracker) Freshness() Freshness {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.freshness
}

// Timeline returns the history ready for display, latest last.
func (t *Tracker) Timeline() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]Entry, len(t.snapshot.History))
	for i, ev := range t.snapshot.History {
		entries[i] = Entry{
			Event:    ev,
			Display:  DisplayFor(ev.Status),
			Terminal: ev.Status.Terminal(),
			Latest:   i == len(t.snapshot.History)-1,
		}
	}
	return entries
}

func (t *Tracker) snapshotLocked() models.ShipmentSnapshot {
	snap := t.snapshot
	snap.History = slices.Clone(t.snapshot.History)
	return snap
}

func (t *Tracker) notify(snap models.ShipmentSnapshot) {
	if t.onChange != nil {
		t.onChange(snap)
	}
}
