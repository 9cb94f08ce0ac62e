package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"riderlink/internal/models"
)

type mockToggler struct {
	mu    sync.Mutex
	calls []bool
	err   error
	panic bool
	ch    chan bool
}

func newMockToggler() *mockToggler {
	return &mockToggler{ch: make(chan bool, 10)}
}

func (m *mockToggler) ToggleOnlineStatus(_ context.Context, isOnline bool) error {
	m.mu.Lock()
	m.calls = append(m.calls, isOnline)
	err, shouldPanic := m.err, m.panic
	m.mu.Unlock()
	m.ch <- isOnline
	if shouldPanic {
		panic("collaborator blew up")
	}
	return err
}

func (m *mockToggler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type fakeSession struct {
	role models.Role
	auth bool
}

func (s fakeSession) Role() models.Role   { return s.role }
func (s fakeSession) Authenticated() bool { return s.auth }

var (
	rider    = fakeSession{role: models.RoleRider, auth: true}
	merchant = fakeSession{role: models.RoleMerchant, auth: true}
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func lifecycle(s AppState, at time.Duration) signal {
	return signal{kind: lifecycleSignal, app: s, at: t0.Add(at)}
}

func network(s NetworkState, at time.Duration) signal {
	return signal{kind: networkSignal, network: s, at: t0.Add(at)}
}

func TestForeground(t *testing.T) {
	tests := []struct {
		name      string
		session   fakeSession
		away      AppState
		elapsed   time.Duration
		wantCalls int
	}{
		{"Rider back after six minutes", rider, AppBackground, 6 * time.Minute, 1},
		{"Rider back after two minutes", rider, AppBackground, 2 * time.Minute, 0},
		{"Rider back exactly at threshold", rider, AppBackground, DefaultThreshold, 1},
		{"Rider back just under threshold", rider, AppBackground, DefaultThreshold - time.Millisecond, 0},
		{"Rider inactive for six minutes", rider, AppInactive, 6 * time.Minute, 1},
		{"Merchant back after six minutes", merchant, AppBackground, 6 * time.Minute, 0},
		{"Logged out rider", fakeSession{role: models.RoleRider}, AppBackground, 6 * time.Minute, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newMockToggler()
			m := New(api, tt.session, Config{})
			ctx := context.Background()

			m.step(ctx, lifecycle(tt.away, 0))
			if got := m.State().LastBackgroundAt; !got.Equal(t0) {
				t.Fatalf("background time not recorded: %v", got)
			}
			m.step(ctx, lifecycle(AppActive, tt.elapsed))

			if api.count() != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, api.count())
			}
			st := m.State()
			if !st.LastBackgroundAt.IsZero() {
				t.Error("background time must be cleared on return")
			}
			if st.IsOnline != (tt.wantCalls == 0) {
				t.Errorf("unexpected IsOnline %v", st.IsOnline)
			}
			for _, arg := range api.calls {
				if arg {
					t.Error("force offline must pass false")
				}
			}
		})
	}
}

func TestForeground_OncePerTransition(t *testing.T) {
	api := newMockToggler()
	m := New(api, rider, Config{})
	ctx := context.Background()

	m.step(ctx, lifecycle(AppBackground, 0))
	m.step(ctx, lifecycle(AppInactive, time.Minute))
	m.step(ctx, lifecycle(AppActive, 10*time.Minute))
	m.step(ctx, lifecycle(AppActive, 11*time.Minute))

	if api.count() != 1 {
		t.Fatalf("expected 1 call, got %d", api.count())
	}

	m.step(ctx, lifecycle(AppBackground, 20*time.Minute))
	m.step(ctx, lifecycle(AppActive, 30*time.Minute))
	if api.count() != 2 {
		t.Fatalf("expected a call per qualifying transition, got %d", api.count())
	}
}

func TestForeground_BackgroundOverwrites(t *testing.T) {
	api := newMockToggler()
	m := New(api, rider, Config{})
	ctx := context.Background()

	m.step(ctx, lifecycle(AppBackground, 0))
	m.step(ctx, lifecycle(AppActive, time.Minute))
	m.step(ctx, lifecycle(AppBackground, 4*time.Minute))
	m.step(ctx, lifecycle(AppActive, 8*time.Minute))

	if api.count() != 0 {
		t.Errorf("elapsed must be measured from the latest background, got %d calls", api.count())
	}
}

func TestForeground_FailedCall(t *testing.T) {
	api := newMockToggler()
	api.err = errors.New("503")
	m := New(api, rider, Config{})
	ctx := context.Background()

	m.step(ctx, lifecycle(AppBackground, 0))
	m.step(ctx, lifecycle(AppActive, 6*time.Minute))

	st := m.State()
	if api.count() != 1 {
		t.Fatalf("expected 1 call, got %d", api.count())
	}
	if !st.IsOnline {
		t.Error("IsOnline must only go false after a successful call")
	}
	if !st.LastBackgroundAt.IsZero() {
		t.Error("background time must be cleared even when the call fails")
	}
}

func TestNetworkDisconnect(t *testing.T) {
	tests := []struct {
		name      string
		session   fakeSession
		state     NetworkState
		err       error
		wantCalls int
		wantOn    bool
	}{
		{"Merchant disconnect", merchant, NetworkDisconnected, nil, 0, true},
		{"Rider disconnect", rider, NetworkDisconnected, nil, 1, false},
		{"Rider disconnect call fails", rider, NetworkDisconnected, errors.New("no route to host"), 1, true},
		{"Rider reconnect", rider, NetworkConnected, nil, 0, true},
		{"Logged out disconnect", fakeSession{}, NetworkDisconnected, nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newMockToggler()
			api.err = tt.err
			m := New(api, tt.session, Config{})

			m.step(context.Background(), network(tt.state, 0))

			if api.count() != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, api.count())
			}
			st := m.State()
			if st.IsOnline != tt.wantOn {
				t.Errorf("expected IsOnline %v, got %v", tt.wantOn, st.IsOnline)
			}
			if st.Network != tt.state {
				t.Errorf("expected network %s, got %s", tt.state, st.Network)
			}
		})
	}
}

func TestRun_SerializedQueue(t *testing.T) {
	api := newMockToggler()
	clock := t0
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}

	m := New(api, rider, Config{}, WithClock(now))

	// Signals queued before Run starts are kept.
	m.Lifecycle(AppBackground)
	advance(6 * time.Minute)
	m.Lifecycle(AppActive)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case arg := <-api.ch:
		if arg {
			t.Error("expected ToggleOnlineStatus(false)")
		}
	case <-time.After(time.Second):
		t.Fatal("force offline not called")
	}

	m.Network(NetworkDisconnected)
	select {
	case <-api.ch:
	case <-time.After(time.Second):
		t.Fatal("network disconnect not handled")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	if api.count() != 2 {
		t.Errorf("expected 2 calls, got %d", api.count())
	}
	st := m.State()
	if st.IsOnline || st.Network != NetworkDisconnected || st.App != AppActive {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestRun_SurvivesPanic(t *testing.T) {
	api := newMockToggler()
	api.panic = true
	m := New(api, rider, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	m.Network(NetworkDisconnected)
	m.Network(NetworkConnected)
	m.Network(NetworkDisconnected)

	for i := 0; i < 2; i++ {
		select {
		case <-api.ch:
		case <-time.After(time.Second):
			t.Fatalf("call %d not made; loop died", i+1)
		}
	}
	if !m.State().IsOnline {
		t.Error("a panicking call is not a completed call")
	}
}

func TestParseStates(t *testing.T) {
	for _, s := range []AppState{AppActive, AppBackground, AppInactive} {
		got, err := ParseAppState(s.String())
		if err != nil || got != s {
			t.Errorf("ParseAppState(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseAppState("sleeping"); err == nil {
		t.Error("expected error for unknown app state")
	}
	for _, s := range []NetworkState{NetworkConnected, NetworkDisconnected} {
		got, err := ParseNetworkState(s.String())
		if err != nil || got != s {
			t.Errorf("ParseNetworkState(%q) = %v, %v", s.String(), got, err)
		}
	}
}
