package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"riderlink/internal/backoff"
	"riderlink/internal/metrics"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Lifecycle events are produced by the channel itself.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventError      = "error"
)

// Domain events pushed by the backend.
const (
	EventNewMessage    = "chat:new-message"
	EventStatusUpdated = "shipment:status-updated"
)

// Event is delivered to subscribers. Err is set on error and disconnect events.
type Event struct {
	Name string
	Data json.RawMessage
	Err  error
}

type Handler func(Event)

// TokenSource provides the auth token presented on every connection attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type ReconnectConfig struct {
	MaxAttempts int
	Policy      backoff.Policy
	// StableAfter is how long a connection must stay up before the attempt
	// count starts over. Shorter connections count as failed attempts.
	StableAfter time.Duration
}

type Config struct {
	// URL is the http(s) base URL of the realtime endpoint.
	URL string
	// Transports in preference order. A websocket entry after polling is
	// tried as an upgrade of the polling session.
	Transports     []string
	ConnectTimeout time.Duration
	PollTimeout    time.Duration
	Reconnect      ReconnectConfig
}

const (
	DefaultConnectTimeout = 20 * time.Second
	DefaultPollTimeout    = 45 * time.Second
	DefaultMaxAttempts    = 5
	DefaultStableAfter    = 10 * time.Second
)

func (c *Config) setDefaults() {
	if len(c.Transports) == 0 {
		c.Transports = []string{TransportPolling, TransportWebsocket}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Reconnect.StableAfter <= 0 {
		c.Reconnect.StableAfter = DefaultStableAfter
	}
	if c.Reconnect.Policy.Initial <= 0 {
		c.Reconnect.Policy = backoff.Exponential(time.Second, 30*time.Second)
	}
}

type Option func(*Channel)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Channel) {
		if client != nil {
			c.httpClient = client
		}
	}
}

type subscription struct {
	id int
	fn Handler
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Channel owns one persistent authenticated connection and fans inbound
// events out to subscribers.
type Channel struct {
	cfg        Config
	tokens     TokenSource
	logger     *slog.Logger
	metrics    *metrics.Metrics
	httpClient *http.Client
	dial       func(ctx context.Context, token string) (transport, error)

	mu            sync.RWMutex
	state         ConnectionState
	handlers      map[string][]subscription
	nextID        int
	current       transport
	transportName string
	cancel        context.CancelFunc
	done          chan struct{}
	running       bool
	closed        bool
	err           error
}

func New(cfg Config, tokens TokenSource, opts ...Option) *Channel {
	cfg.setDefaults()
	c := &Channel{
		cfg:        cfg,
		tokens:     tokens,
		logger:     slog.Default(),
		httpClient: &http.Client{},
		handlers:   make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dial = c.negotiate

	// Lifecycle listeners go in before any transport exists.
	c.Subscribe(EventConnect, func(Event) {
		c.logger.Info("realtime connected", "transport", c.Transport())
	})
	c.Subscribe(EventDisconnect, func(ev Event) {
		c.logger.Warn("realtime disconnected", "error", ev.Err)
	})
	c.Subscribe(EventError, func(ev Event) {
		var ce *ConnectError
		if errors.As(ev.Err, &ce) && ce.Terminal {
			c.logger.Error("realtime connection given up", "attempts", ce.Attempt, "error", ce.Err)
			return
		}
		c.logger.Warn("realtime connection error", "error", ev.Err)
	})

	return c
}

// Subscribe registers h for events named name. Multiple handlers per name are
// called in registration order. The returned func removes the handler.
func (c *Channel) Subscribe(name string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || h == nil {
		return func() {}
	}

	c.nextID++
	id := c.nextID
	c.handlers[name] = append(c.handlers[name], subscription{id: id, fn: h})

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(name, id) })
	}
}

func (c *Channel) unsubscribe(name string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.handlers[name]
	kept := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(c.handlers, name)
		return
	}
	c.handlers[name] = kept
}

func (c *Channel) isSubscribed(name string, id int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.handlers[name] {
		if s.id == id {
			return true
		}
	}
	return false
}

func (c *Channel) emit(ev Event) {
	c.mu.RLock()
	subs := c.handlers[ev.Name]
	c.mu.RUnlock()

	for _, s := range subs {
		// A handler may have unsubscribed a later one.
		if !c.isSubscribed(ev.Name, s.id) {
			continue
		}
		c.call(s.fn, ev)
	}
}

func (c *Channel) call(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("realtime handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	fn(ev)
}

// Connect starts the connection loop. It fails synchronously only with an
// *AuthError when no token is available; transport failures are delivered as
// error events. Cancelling ctx has the same effect as Close.
func (c *Channel) Connect(ctx context.Context) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.err = nil

	go c.run(runCtx, token, c.done)
	return nil
}

func (c *Channel) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", &AuthError{Err: ErrNoToken}
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	if token == "" {
		return "", &AuthError{Err: ErrNoToken}
	}
	return token, nil
}

func (c *Channel) run(ctx context.Context, token string, done chan struct{}) {
	var terminal error
	defer func() {
		c.mu.Lock()
		c.running = false
		c.err = terminal
		c.mu.Unlock()
		c.setState(Disconnected)
		close(done)
	}()

	attempt := 0
	for {
		if attempt == 0 {
			c.setState(Connecting)
		} else {
			c.setState(Reconnecting)
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		tr, err := c.dial(dialCtx, token)
		cancel()
		c.metrics.RecordConnectAttempt(err)

		if ctx.Err() != nil {
			if tr != nil {
				_ = tr.Close()
			}
			return
		}

		if errors.Is(err, ErrUnauthorized) {
			// A refused credential ends the loop.
			terminal = &AuthError{Err: err}
			c.emit(Event{Name: EventError, Err: terminal})
			return
		}

		if err == nil {
			connectedAt := time.Now()
			err = c.serve(ctx, tr)
			if ctx.Err() != nil {
				c.emit(Event{Name: EventDisconnect, Err: ctx.Err()})
				return
			}
			c.emit(Event{Name: EventDisconnect, Err: err})
			if time.Since(connectedAt) >= c.cfg.Reconnect.StableAfter {
				attempt = 0
			}
		}

		if attempt >= c.cfg.Reconnect.MaxAttempts {
			terminal = &ConnectError{Attempt: attempt, Terminal: true, Err: err}
			c.emit(Event{Name: EventError, Err: terminal})
			return
		}
		if tr == nil {
			c.emit(Event{Name: EventError, Err: &ConnectError{Attempt: attempt, Err: err}})
		}

		attempt++
		if err := backoff.Sleep(ctx, c.cfg.Reconnect.Policy.Delay(attempt)); err != nil {
			return
		}

		// Pick up a refreshed token; losing it is fatal.
		next, err := c.token(ctx)
		if err != nil {
			terminal = err
			c.emit(Event{Name: EventError, Err: err})
			return
		}
		token = next
	}
}

// serve reads frames until the transport fails or ctx is done.
func (c *Channel) serve(ctx context.Context, tr transport) error {
	c.mu.Lock()
	c.current = tr
	c.transportName = tr.Name()
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = tr.Close() })
	defer func() {
		stop()
		_ = tr.Close()
		c.mu.Lock()
		c.current = nil
		c.transportName = ""
		c.mu.Unlock()
	}()

	c.setState(Connected)
	c.emit(Event{Name: EventConnect})

	for {
		var f frame
		if err := tr.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Event {
		case "", EventConnect, EventDisconnect, EventError:
			// Lifecycle names are reserved for the channel.
			continue
		}
		c.metrics.RecordEvent(f.Event)
		c.emit(Event{Name: f.Event, Data: f.Data})
	}
}

func (c *Channel) setState(s ConnectionState) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()

	if old != s {
		c.logger.Info("realtime state changed", "from", old.String(), "to", s.String())
		c.metrics.SetConnectionState(int(s))
	}
}

func (c *Channel) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Transport names the active transport, empty when not connected.
func (c *Channel) Transport() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transportName
}

// Err returns the error that ended the last connection loop, if any.
func (c *Channel) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Done is closed when the connection loop stops.
func (c *Channel) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.done == nil {
		return closedCh
	}
	return c.done
}

// Close tears the channel down and drops every subscription. It does not wait
// for the loop to exit; use Done for that.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handlers = make(map[string][]subscription)
	cancel := c.cancel
	tr := c.current
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tr != nil {
		_ = tr.Close()
	}
	c.logger.Info("realtime channel closed")
	return nil
}
