package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	TransportPolling   = "polling"
	TransportWebsocket = "websocket"
)

const (
	handshakePath = "/realtime/handshake"
	pollPath      = "/realtime/poll"
	websocketPath = "/realtime/ws"
	tokenHeader   = "token"
)

var ErrUnauthorized = errors.New("realtime: credentials refused")

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type transport interface {
	Name() string
	ReadJSON(v any) error
	Close() error
}

type handshakeResponse struct {
	SID string `json:"sid"`
}

// negotiate walks the configured transports in order. A polling session is
// upgraded to websocket when a later entry allows it; a failed upgrade keeps
// the polling session.
func (c *Channel) negotiate(ctx context.Context, token string) (transport, error) {
	var lastErr error
	for i, name := range c.cfg.Transports {
		switch name {
		case TransportPolling:
			p, err := c.openPolling(ctx, token)
			if errors.Is(err, ErrUnauthorized) {
				return nil, err
			}
			if err != nil {
				lastErr = err
				continue
			}
			if !contains(c.cfg.Transports[i+1:], TransportWebsocket) {
				return p, nil
			}
			ws, err := c.openWebsocket(ctx, token, p.sid)
			if err != nil {
				c.logger.Info("websocket upgrade failed, staying on polling", "error", err)
				return p, nil
			}
			_ = p.Close()
			return ws, nil
		case TransportWebsocket:
			ws, err := c.openWebsocket(ctx, token, "")
			if errors.Is(err, ErrUnauthorized) {
				return nil, err
			}
			if err != nil {
				lastErr = err
				continue
			}
			return ws, nil
		default:
			lastErr = fmt.Errorf("unknown transport %q", name)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no transports configured")
	}
	return nil, lastErr
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (c *Channel) endpoint(path string, sid string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(c.cfg.URL, "/") + path)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	if sid != "" {
		q := u.Query()
		q.Set("sid", sid)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Channel) openPolling(ctx context.Context, token string) (*pollingTransport, error) {
	handshakeURL, err := c.endpoint(handshakePath, "")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, handshakeURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(tokenHeader, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling handshake: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("polling handshake: %w", err)
	}

	var hs handshakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return nil, fmt.Errorf("polling handshake: failed to decode response: %w", err)
	}
	if hs.SID == "" {
		return nil, errors.New("polling handshake: empty session id")
	}

	pollURL, err := c.endpoint(pollPath, hs.SID)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	return &pollingTransport{
		client:  c.httpClient,
		pollURL: pollURL,
		token:   token,
		sid:     hs.SID,
		timeout: c.cfg.PollTimeout,
		ctx:     pollCtx,
		cancel:  cancel,
	}, nil
}

func (c *Channel) openWebsocket(ctx context.Context, token string, sid string) (*wsTransport, error) {
	wsURL, err := c.endpoint(websocketPath, sid)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}
	header := http.Header{}
	header.Set(tokenHeader, token)

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			if serr := statusError(resp.StatusCode); serr != nil {
				return nil, fmt.Errorf("websocket dial: %w", serr)
			}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

func statusError(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code < 200 || code > 299:
		return fmt.Errorf("unexpected status %d", code)
	}
	return nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Name() string {
	return TransportWebsocket
}

func (t *wsTransport) ReadJSON(v any) error {
	return t.conn.ReadJSON(v)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// pollingTransport long-polls the server; each poll returns a JSON array of frames.
// ReadJSON is only called from the channel's read loop.
type pollingTransport struct {
	client  *http.Client
	pollURL string
	token   string
	sid     string
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	pending []json.RawMessage
}

func (t *pollingTransport) Name() string {
	return TransportPolling
}

func (t *pollingTransport) ReadJSON(v any) error {
	for len(t.pending) == 0 {
		frames, err := t.poll()
		if err != nil {
			return err
		}
		t.pending = frames
	}

	raw := t.pending[0]
	t.pending = t.pending[1:]
	return json.Unmarshal(raw, v)
}

func (t *pollingTransport) poll() ([]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.pollURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(tokenHeader, t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := statusError(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}

	var frames []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return nil, fmt.Errorf("poll: failed to decode frames: %w", err)
	}
	return frames, nil
}

func (t *pollingTransport) Close() error {
	t.cancel()
	return nil
}
