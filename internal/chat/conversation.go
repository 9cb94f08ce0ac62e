package chat

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"

	"riderlink/internal/content"
	"riderlink/internal/metrics"
	"riderlink/internal/models"
	"riderlink/internal/realtime"
)

const (
	DefaultAckTTL      = 10 * time.Minute
	DefaultSendTimeout = 15 * time.Second

	localIDPrefix = "local-"
)

// Sender is the chat REST collaborator.
type Sender interface {
	GetShipmentMessages(ctx context.Context, shipmentID string) ([]models.Message, error)
	SendShipmentMessage(ctx context.Context, req models.SendMessageRequest) (models.Message, error)
	MarkShipmentRead(ctx context.Context, shipmentID string) error
}

// Subscriber is the part of the realtime channel a conversation listens on.
type Subscriber interface {
	Subscribe(name string, h realtime.Handler) func()
}

type Option func(*Conversation)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Conversation) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Conversation) {
		c.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Conversation) {
		if now != nil {
			c.now = now
		}
	}
}

// WithAckTTL sets how long an acknowledged ClientID is remembered for Retry.
func WithAckTTL(ttl time.Duration) Option {
	return func(c *Conversation) {
		if ttl > 0 {
			c.ackTTL = ttl
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(c *Conversation) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// OnChange is called with the sorted message list after every mutation.
// It may be called from the send goroutine or the realtime read loop.
func OnChange(fn func([]models.Message)) Option {
	return func(c *Conversation) {
		c.onChange = fn
	}
}

// OnSendFailure is called once per rolled back message.
func OnSendFailure(fn func(*SendFailure)) Option {
	return func(c *Conversation) {
		c.onFailure = fn
	}
}

// Conversation is the message store of one shipment chat.
// Local sends are shown immediately as Pending and reconciled by ClientID.
type Conversation struct {
	shipmentID  string
	senderID    string
	api         Sender
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	ackTTL      time.Duration
	sendTimeout time.Duration
	onChange    func([]models.Message)
	onFailure   func(*SendFailure)

	ctx   context.Context
	acked geche.Geche[string, string]
	wg    sync.WaitGroup

	mu       sync.RWMutex
	messages []models.Message
}

// NewConversation creates the store for shipmentID. ctx bounds in-flight
// sends and the lifetime of the acknowledgement cache.
func NewConversation(ctx context.Context, shipmentID, senderID string, api Sender, opts ...Option) *Conversation {
	c := &Conversation{
		shipmentID:  shipmentID,
		senderID:    senderID,
		api:         api,
		logger:      slog.Default(),
		now:         time.Now,
		ackTTL:      DefaultAckTTL,
		sendTimeout: DefaultSendTimeout,
		ctx:         ctx,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("shipment_id", shipmentID)
	c.acked = geche.NewMapTTLCache[string, string](ctx, c.ackTTL, time.Minute)
	return c
}

func (c *Conversation) ShipmentID() string {
	return c.shipmentID
}

// Load pulls the conversation history and marks it read.
func (c *Conversation) Load(ctx context.Context) error {
	history, err := c.api.GetShipmentMessages(ctx, c.shipmentID)
	if err != nil {
		return fmt.Errorf("load messages for shipment %s: %w", c.shipmentID, err)
	}

	c.mu.Lock()
	for _, m := range history {
		c.upsertLocked(c.fromServer(m))
	}
	c.mu.Unlock()
	c.notify()

	if err := c.api.MarkShipmentRead(ctx, c.shipmentID); err != nil {
		c.logger.Warn("failed to mark conversation read", "error", err)
	}
	return nil
}

// Send appends a Pending message and returns it without waiting for the
// server. The outcome is applied asynchronously: Sent on success, removed
// and reported through OnSendFailure on failure.
func (c *Conversation) Send(text string) (models.Message, error) {
	if err := content.ValidateMessage(text); err != nil {
		return models.Message{}, err
	}
	return c.enqueue(uuid.NewString(), text), nil
}

// Retry resends a rolled back message with its original ClientID, so the
// server can drop it if the first attempt did in fact land.
func (c *Conversation) Retry(f *SendFailure) (models.Message, error) {
	if f == nil || f.ClientID == "" {
		return models.Message{}, fmt.Errorf("retry: missing client id")
	}
	if f.ShipmentID != "" && f.ShipmentID != c.shipmentID {
		return models.Message{}, fmt.Errorf("retry: message belongs to shipment %s", f.ShipmentID)
	}
	if _, err := c.acked.Get(f.ClientID); err == nil {
		return models.Message{}, ErrAlreadyDelivered
	}

	c.mu.RLock()
	existing, present := c.findClientLocked(f.ClientID)
	c.mu.RUnlock()
	if present {
		if existing.DeliveryState == models.DeliveryPending {
			return models.Message{}, fmt.Errorf("retry: message %s is still pending", f.ClientID)
		}
		return models.Message{}, ErrAlreadyDelivered
	}

	return c.enqueue(f.ClientID, f.Content), nil
}

func (c *Conversation) enqueue(clientID, text string) models.Message {
	msg := models.Message{
		ID:             localIDPrefix + clientID,
		ClientID:       clientID,
		ConversationID: c.shipmentID,
		SenderID:       c.senderID,
		Content:        text,
		CreatedAt:      c.now(),
		DeliveryState:  models.DeliveryPending,
	}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	c.notify()

	c.wg.Go(func() { c.deliver(clientID, text) })
	return msg
}

func (c *Conversation) deliver(clientID, text string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.sendTimeout)
	defer cancel()

	resp, err := c.api.SendShipmentMessage(ctx, models.SendMessageRequest{
		ShipmentID: c.shipmentID,
		Content:    text,
		ClientID:   clientID,
	})
	c.metrics.RecordSend(err)

	if err != nil {
		c.rollback(clientID)
		c.logger.Warn("message send failed", "client_id", clientID, "error", err)
		if c.onFailure != nil {
			c.onFailure(&SendFailure{ShipmentID: c.shipmentID, ClientID: clientID, Content: text, Err: err})
		}
		return
	}

	if resp.ID == "" {
		// Accepted without an id: the entry keeps its local id until an echo
		// carrying the ClientID names it.
		c.logger.Warn("send acknowledged without message id", "client_id", clientID)
		c.acked.Set(clientID, "")
		c.mu.Lock()
		i := c.findLocalLocked(clientID)
		if i >= 0 {
			c.messages[i].DeliveryState = models.DeliverySent
		}
		c.mu.Unlock()
		if i >= 0 {
			c.notify()
		}
		return
	}
	resp.ClientID = clientID
	c.acked.Set(clientID, resp.ID)

	c.mu.Lock()
	c.upsertLocked(c.fromServer(resp))
	c.mu.Unlock()
	c.notify()
}

func (c *Conversation) rollback(clientID string) {
	c.mu.Lock()
	i := c.findLocalLocked(clientID)
	if i >= 0 {
		c.messages = slices.Delete(c.messages, i, i+1)
	}
	c.mu.Unlock()

	if i >= 0 {
		c.notify()
	}
}

// HandleEvent applies a chat:new-message push for this shipment.
func (c *Conversation) HandleEvent(ev realtime.Event) {
	if ev.Name != realtime.EventNewMessage {
		return
	}

	var payload models.NewMessageEvent
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		c.logger.Warn("malformed message event", "error", err)
		return
	}
	if payload.ShipmentID != c.shipmentID {
		return
	}
	if payload.Message.ID == "" {
		c.logger.Warn("message event without id")
		return
	}

	msg := c.fromServer(payload.Message)
	if msg.ClientID != "" {
		c.acked.Set(msg.ClientID, msg.ID)
	}

	c.mu.Lock()
	changed := c.upsertLocked(msg)
	c.mu.Unlock()

	if changed {
		c.notify()
	}
}

// Attach subscribes the conversation to new-message events. The returned
// func detaches it.
func (c *Conversation) Attach(sub Subscriber) func() {
	return sub.Subscribe(realtime.EventNewMessage, c.HandleEvent)
}

// Messages returns a copy sorted by CreatedAt, then id.
func (c *Conversation) Messages() []models.Message {
	c.mu.RLock()
	out := slices.Clone(c.messages)
	c.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b models.Message) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Wait blocks until in-flight sends have finished.
func (c *Conversation) Wait() {
	c.wg.Wait()
}

func (c *Conversation) fromServer(m models.Message) models.Message {
	m.ConversationID = c.shipmentID
	m.Content = content.Sanitize(m.Content)
	m.DeliveryState = models.DeliverySent
	return m
}

// upsertLocked inserts a server-confirmed message. A message already present
// by id is left alone; a local entry with the same ClientID is replaced, or
// dropped when the confirmed copy is already in the list.
func (c *Conversation) upsertLocked(m models.Message) bool {
	local := -1
	if m.ClientID != "" {
		local = c.findLocalLocked(m.ClientID)
	}

	if c.indexLocked(m.ID) >= 0 {
		if local >= 0 {
			c.messages = slices.Delete(c.messages, local, local+1)
			return true
		}
		return false
	}

	if local >= 0 {
		prev := c.messages[local]
		if m.CreatedAt.IsZero() {
			m.CreatedAt = prev.CreatedAt
		}
		if m.Content == "" {
			m.Content = prev.Content
		}
		if m.SenderID == "" {
			m.SenderID = prev.SenderID
		}
		c.messages[local] = m
		return true
	}

	c.messages = append(c.messages, m)
	return true
}

func (c *Conversation) indexLocked(id string) int {
	return slices.IndexFunc(c.messages, func(m models.Message) bool { return m.ID == id })
}

// findLocalLocked finds the entry still carrying the local id for clientID,
// whether Pending or Sent without a server id.
func (c *Conversation) findLocalLocked(clientID string) int {
	return slices.IndexFunc(c.messages, func(m models.Message) bool {
		return m.ClientID == clientID && strings.HasPrefix(m.ID, localIDPrefix)
	})
}

func (c *Conversation) findClientLocked(clientID string) (models.Message, bool) {
	i := slices.IndexFunc(c.messages, func(m models.Message) bool { return m.ClientID == clientID })
	if i < 0 {
		return models.Message{}, false
	}
	return c.messages[i], true
}

func (c *Conversation) notify() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.Messages())
}
