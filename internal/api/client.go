package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"riderlink/internal/content"
	"riderlink/internal/models"
)

const DefaultTimeout = 15 * time.Second

// TokenSource provides the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is the HTTP implementation of the rider, chat and shipment REST contracts.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	logger  *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type onlineStatusRequest struct {
	IsOnline bool `json:"is_online"`
}

// ToggleOnlineStatus sets the rider's availability flag.
func (c *Client) ToggleOnlineStatus(ctx context.Context, isOnline bool) error {
	return c.do(ctx, http.MethodPatch, "/riders/me/online-status", nil, onlineStatusRequest{IsOnline: isOnline}, nil)
}

func (c *Client) GetShipmentMessages(ctx context.Context, shipmentID string) ([]models.Message, error) {
	path, err := shipmentPath("/chat/shipments/%s/messages", shipmentID)
	if err != nil {
		return nil, err
	}
	var messages []models.Message
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SendShipmentMessage posts a chat message. ClientID doubles as the
// Idempotency-Key so a retried send is applied at most once.
func (c *Client) SendShipmentMessage(ctx context.Context, req models.SendMessageRequest) (models.Message, error) {
	path, err := shipmentPath("/chat/shipments/%s/messages", req.ShipmentID)
	if err != nil {
		return models.Message{}, err
	}
	header := http.Header{}
	if req.ClientID != "" {
		header.Set("Idempotency-Key", req.ClientID)
	}
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, path, header, req, &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (c *Client) MarkShipmentRead(ctx context.Context, shipmentID string) error {
	path, err := shipmentPath("/chat/shipments/%s/read", shipmentID)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

func (c *Client) GetShipment(ctx context.Context, id string) (models.ShipmentDetail, error) {
	path, err := shipmentPath("/shipments/%s", id)
	if err != nil {
		return models.ShipmentDetail{}, err
	}
	var detail models.ShipmentDetail
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &detail); err != nil {
		return models.ShipmentDetail{}, err
	}
	if detail.ID == "" {
		detail.ID = id
	}
	return detail, nil
}

func shipmentPath(format string, id string) (string, error) {
	if err := content.ValidateID(id); err != nil {
		return "", fmt.Errorf("invalid shipment id: %w", err)
	}
	return fmt.Sprintf(format, url.PathEscape(id)), nil
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body any, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.logger.Debug("api request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}
