// Package app owns the sync core for one logged-in session: it is built at
// login and torn down at logout.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"riderlink/internal/api"
	"riderlink/internal/chat"
	"riderlink/internal/config"
	riderhttp "riderlink/internal/http"
	"riderlink/internal/metrics"
	"riderlink/internal/models"
	"riderlink/internal/presence"
	"riderlink/internal/realtime"
	"riderlink/internal/session"
	"riderlink/internal/tracking"
)

// Session is what the app needs from the login session.
type Session interface {
	Token(ctx context.Context) (string, error)
	Role() models.Role
	Authenticated() bool
}

type Option func(*App)

func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithRegistry registers metrics on reg and serves them from it.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) {
		a.registry = reg
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(a *App) {
		a.httpClient = client
	}
}

// ChatOptions are applied to every conversation the app opens.
func ChatOptions(opts ...chat.Option) Option {
	return func(a *App) {
		a.chatOpts = append(a.chatOpts, opts...)
	}
}

// TrackingOptions are applied to every tracker the app opens.
func TrackingOptions(opts ...tracking.Option) Option {
	return func(a *App) {
		a.trackingOpts = append(a.trackingOpts, opts...)
	}
}

type conversation struct {
	conv   *chat.Conversation
	detach func()
	cancel context.CancelFunc
}

type tracked struct {
	tracker *tracking.Tracker
	detach  func()
	cancel  context.CancelFunc
}

// App is the service object passed to consumers in place of global state.
type App struct {
	cfg          *config.Config
	sessions     Session
	logger       *slog.Logger
	registry     *prometheus.Registry
	httpClient   *http.Client
	chatOpts     []chat.Option
	trackingOpts []tracking.Option

	metrics  *metrics.Metrics
	api      *api.Client
	channel  *realtime.Channel
	presence *presence.Monitor
	server   *riderhttp.MetricsServer

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu            sync.Mutex
	conversations map[string]*conversation
	trackers      map[string]*tracked
	closed        bool
}

// Start builds the app for an authenticated session and connects the
// realtime channel. It fails with session.ErrNoSession when nobody is logged
// in and with *realtime.AuthError when no token is available.
func Start(ctx context.Context, cfg *config.Config, sessions Session, opts ...Option) (*App, error) {
	if sessions == nil || !sessions.Authenticated() {
		return nil, session.ErrNoSession
	}

	a := &App{
		cfg:           cfg,
		sessions:      sessions,
		logger:        slog.Default(),
		conversations: make(map[string]*conversation),
		trackers:      make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}

	a.metrics = metrics.New(a.registry)
	a.api = api.New(cfg.APIURL, sessions,
		api.WithHTTPClient(a.httpClient),
		api.WithLogger(a.logger.With("component", "api")),
	)
	a.channel = realtime.New(realtime.Config{
		URL:            cfg.SocketURL,
		ConnectTimeout: cfg.ConnectTimeout,
		Reconnect: realtime.ReconnectConfig{
			MaxAttempts: cfg.ReconnectAttemptsLimit(),
			Policy:      cfg.ReconnectPolicy(),
			StableAfter: cfg.ReconnectStableAfter,
		},
	}, sessions,
		realtime.WithLogger(a.logger.With("component", "realtime")),
		realtime.WithMetrics(a.metrics),
		realtime.WithHTTPClient(a.httpClient),
	)
	a.presence = presence.New(a.api, sessions, presence.Config{Threshold: cfg.PresenceThreshold},
		presence.WithLogger(a.logger.With("component", "presence")),
		presence.WithMetrics(a.metrics),
	)

	a.ctx, a.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(a.ctx)
	a.g = g

	if err := a.channel.Connect(gctx); err != nil {
		a.cancel()
		_ = a.channel.Close()
		return nil, err
	}

	g.Go(func() error {
		return ignoreCanceled(a.presence.Run(gctx))
	})

	if cfg.MetricsAddr != "" {
		a.server = riderhttp.NewMetricsServer(cfg.MetricsAddr, a.registry, a.Health, a.logger.With("component", "metrics"))
		g.Go(a.server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("metrics server shutdown error", "error", err)
			}
			return nil
		})
	}

	a.logger.Info("sync core started", "role", sessions.Role())
	return a, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) Channel() *realtime.Channel {
	return a.channel
}

func (a *App) Presence() *presence.Monitor {
	return a.presence
}

// OpenConversation loads the chat of a shipment and subscribes it to push
// events. Opening an already open conversation returns it.
func (a *App) OpenConversation(ctx context.Context, shipmentID, senderID string) (*chat.Conversation, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errClosed
	}
	if c, ok := a.conversations[shipmentID]; ok {
		a.mu.Unlock()
		return c.conv, nil
	}
	convCtx, cancel := context.WithCancel(a.ctx)
	opts := append([]chat.Option{
		chat.WithLogger(a.logger.With("component", "chat")),
		chat.WithMetrics(a.metrics),
	}, a.chatOpts...)
	conv := chat.NewConversation(convCtx, shipmentID, senderID, a.api, opts...)
	entry := &conversation{conv: conv, detach: conv.Attach(a.channel), cancel: cancel}
	a.conversations[shipmentID] = entry
	a.mu.Unlock()

	if err := conv.Load(ctx); err != nil {
		a.logger.Warn("conversation history unavailable", "shipment_id", shipmentID, "error", err)
		return conv, err
	}
	return conv, nil
}

func (a *App) CloseConversation(shipmentID string) {
	a.mu.Lock()
	c, ok := a.conversations[shipmentID]
	delete(a.conversations, shipmentID)
	a.mu.Unlock()

	if ok {
		c.close()
	}
}

func (c *conversation) close() {
	c.detach()
	c.conv.Wait()
	c.cancel()
}

// Track starts following a shipment: push events are merged as they arrive
// and a full snapshot is pulled every SnapshotPollInterval. A failed initial
// refresh is returned alongside the tracker, which keeps retrying.
func (a *App) Track(ctx context.Context, shipmentID string) (*tracking.Tracker, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errClosed
	}
	if t, ok := a.trackers[shipmentID]; ok {
		a.mu.Unlock()
		return t.tracker, nil
	}
	pollCtx, cancel := context.WithCancel(a.ctx)
	opts := append([]tracking.Option{
		tracking.WithLogger(a.logger.With("component", "tracking")),
		tracking.WithMetrics(a.metrics),
	}, a.trackingOpts...)
	tr := tracking.New(shipmentID, a.api, opts...)
	a.trackers[shipmentID] = &tracked{tracker: tr, detach: tr.Attach(a.channel), cancel: cancel}
	a.g.Go(func() error {
		tr.Poll(pollCtx, a.cfg.SnapshotPollInterval)
		return nil
	})
	a.mu.Unlock()

	if err := tr.Refresh(ctx); err != nil {
		return tr, err
	}
	return tr, nil
}

func (a *App) Untrack(shipmentID string) {
	a.mu.Lock()
	t, ok := a.trackers[shipmentID]
	delete(a.trackers, shipmentID)
	a.mu.Unlock()

	if ok {
		t.detach()
		t.cancel()
	}
}

// Health reports the realtime connection state and freshness of tracked shipments.
func (a *App) Health() (bool, any) {
	state := a.channel.State()
	details := map[string]any{
		"realtime":  state.String(),
		"transport": a.channel.Transport(),
	}
	if err := a.channel.Err(); err != nil {
		details["realtime_error"] = err.Error()
	}

	a.mu.Lock()
	stale := []string{}
	for id, t := range a.trackers {
		if t.tracker.Freshness().Stale {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()
	if len(stale) > 0 {
		details["stale_shipments"] = stale
	}

	return state == realtime.Connected, details
}

// Wait blocks until the background workers stop and returns the first error.
func (a *App) Wait() error {
	return a.g.Wait()
}

// Close detaches every consumer, closes the realtime channel and waits for
// background workers. It is safe to call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conversations := a.conversations
	trackers := a.trackers
	a.conversations = map[string]*conversation{}
	a.trackers = map[string]*tracked{}
	a.mu.Unlock()

	for _, t := range trackers {
		t.detach()
		t.cancel()
	}
	for _, c := range conversations {
		c.detach()
	}

	closeErr := a.channel.Close()
	a.cancel()
	for _, c := range conversations {
		c.conv.Wait()
		c.cancel()
	}

	err := a.g.Wait()
	a.logger.Info("sync core stopped")
	if closeErr != nil {
		return closeErr
	}
	if err != nil {
		return fmt.Errorf("background worker: %w", err)
	}
	return nil
}

var errClosed = errors.New("app closed")
