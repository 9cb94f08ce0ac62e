package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"riderlink/internal/metrics"
	"riderlink/internal/models"
)

type AppState int

const (
	AppActive AppState = iota
	AppBackground
	AppInactive
)

func (s AppState) String() string {
	switch s {
	case AppActive:
		return "active"
	case AppBackground:
		return "background"
	case AppInactive:
		return "inactive"
	}
	return "unknown"
}

// ParseAppState accepts the names produced by String.
func ParseAppState(s string) (AppState, error) {
	for _, st := range []AppState{AppActive, AppBackground, AppInactive} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown app state %q", s)
}

type NetworkState int

const (
	NetworkConnected NetworkState = iota
	NetworkDisconnected
)

func (s NetworkState) String() string {
	if s == NetworkDisconnected {
		return "disconnected"
	}
	return "connected"
}

func ParseNetworkState(s string) (NetworkState, error) {
	switch s {
	case "connected":
		return NetworkConnected, nil
	case "disconnected":
		return NetworkDisconnected, nil
	}
	return 0, fmt.Errorf("unknown network state %q", s)
}

const (
	DefaultThreshold   = 5 * time.Minute
	DefaultCallTimeout = 10 * time.Second
)

const (
	triggerForeground = "foreground"
	triggerNetwork    = "network"
)

// Toggler is the rider availability REST collaborator.
type Toggler interface {
	ToggleOnlineStatus(ctx context.Context, isOnline bool) error
}

// SessionInfo reports who is logged in.
type SessionInfo interface {
	Role() models.Role
	Authenticated() bool
}

// State is a snapshot of the monitor. A zero LastBackgroundAt means the app
// has not been backgrounded since it was last active.
type State struct {
	IsOnline         bool
	LastBackgroundAt time.Time
	Threshold        time.Duration
	App              AppState
	Network          NetworkState
}

type Config struct {
	// Threshold is how long the app may stay in the background before the
	// rider is forced offline on return. Elapsed time equal to the threshold
	// qualifies.
	Threshold   time.Duration
	CallTimeout time.Duration
}

type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

type signalKind int

const (
	lifecycleSignal signalKind = iota
	networkSignal
)

type signal struct {
	kind    signalKind
	app     AppState
	network NetworkState
	at      time.Time
}

// Monitor decides when a rider must be forced offline. Lifecycle and
// network signals are queued and applied one at a time by Run.
type Monitor struct {
	api     Toggler
	session SessionInfo
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	qmu    sync.Mutex
	queue  []signal
	wakeup chan struct{}

	mu    sync.RWMutex
	state State
}

func New(api Toggler, sess SessionInfo, cfg Config, opts ...Option) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	m := &Monitor{
		api:     api,
		session: sess,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		wakeup:  make(chan struct{}, 1),
		state: State{
			IsOnline:  true,
			Threshold: cfg.Threshold,
			App:       AppActive,
			Network:   NetworkConnected,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lifecycle queues an app state change observed now.
func (m *Monitor) Lifecycle(s AppState) {
	m.enqueue(signal{kind: lifecycleSignal, app: s, at: m.now()})
}

// Network queues a connectivity change observed now.
func (m *Monitor) Network(s NetworkState) {
	m.enqueue(signal{kind: networkSignal, network: s, at: m.now()})
}

func (m *Monitor) enqueue(sig signal) {
	m.qmu.Lock()
	m.queue = append(m.queue, sig)
	m.qmu.Unlock()

	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

// Run applies queued signals in order until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("presence monitor started", "threshold", m.cfg.Threshold)
	defer m.logger.Info("presence monitor stopped")

	for {
		for _, sig := range m.drain() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.step(ctx, sig)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wakeup:
		}
	}
}

func (m *Monitor) drain() []signal {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	batch := m.queue
	m.queue = nil
	return batch
}

func (m *Monitor) step(ctx context.Context, sig signal) {
	switch sig.kind {
	case lifecycleSignal:
		m.applyLifecycle(ctx, sig)
	case networkSignal:
		m.applyNetwork(ctx, sig)
	}
}

func (m *Monitor) applyLifecycle(ctx context.Context, sig signal) {
	m.mu.Lock()
	prev := m.state.App
	m.state.App = sig.app
	since := m.state.LastBackgroundAt

	switch {
	case prev == AppActive && sig.app != AppActive:
		m.state.LastBackgroundAt = sig.at
		m.mu.Unlock()
		m.logger.Debug("app left foreground", "state", sig.app.String())
		return
	case prev != AppActive && sig.app == AppActive:
		m.state.LastBackgroundAt = time.Time{}
		m.mu.Unlock()
	default:
		m.mu.Unlock()
		return
	}

	if since.IsZero() {
		return
	}
	elapsed := sig.at.Sub(since)
	if elapsed < m.cfg.Threshold {
		m.logger.Debug("app returned within threshold", "elapsed", elapsed)
		return
	}
	if !m.isRider() {
		return
	}
	m.logger.Info("app returned after threshold, forcing offline", "elapsed", elapsed)
	if err := m.forceOffline(ctx, triggerForeground); err != nil {
		m.logger.Warn("force offline failed", "trigger", triggerForeground, "error", err)
	}
}

func (m *Monitor) applyNetwork(ctx context.Context, sig signal) {
	m.mu.Lock()
	m.state.Network = sig.network
	m.mu.Unlock()

	if sig.network != NetworkDisconnected || !m.isRider() {
		return
	}
	// Best effort: the network is likely gone, so failure is expected and not retried.
	if err := m.forceOffline(ctx, triggerNetwork); err != nil {
		m.logger.Info("force offline on disconnect not delivered", "error", err)
	}
}

func (m *Monitor) isRider() bool {
	return m.session != nil && m.session.Authenticated() && m.session.Role() == models.RoleRider
}

func (m *Monitor) forceOffline(ctx context.Context, trigger string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("toggle online status panicked: %v", r)
		}
		m.metrics.RecordForceOffline(trigger, err)
	}()

	if err := m.api.ToggleOnlineStatus(ctx, false); err != nil {
		return err
	}

	m.mu.Lock()
	m.state.IsOnline = false
	m.mu.Unlock()
	m.logger.Info("rider forced offline", "trigger", trigger)
	return nil
}

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}
