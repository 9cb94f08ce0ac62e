package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"riderlink/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSession    = errors.New("no authenticated session")
	ErrInvalidToken = errors.New("invalid session token")
)

// Claims are the parts of the backend-issued token the client relies on.
// The signature is checked by the backend; the client only reads the claims.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

type Session struct {
	UserID    string
	Role      models.Role
	Token     string
	ExpiresAt time.Time // zero means no expiry claim
}

// Authenticated reports whether the session carries a token that has not expired at now.
func (s Session) Authenticated(now time.Time) bool {
	if s.Token == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Parse extracts the session from a token without verifying its signature.
func Parse(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrInvalidToken
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Session{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	s := Session{
		UserID: claims.Subject,
		Role:   claims.Role,
		Token:  token,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// Persister stores the session between process runs.
type Persister interface {
	SaveSession(s Session) error
	LoadSession() (Session, error)
	ClearSession() error
}

// Manager owns the current session. It is the token source of the realtime
// channel and the role/auth source of the presence monitor.
type Manager struct {
	store Persister
	now   func() time.Time

	mu      sync.RWMutex
	current Session
}

// NewManager restores a previously stored session, if any.
func NewManager(store Persister) (*Manager, error) {
	m := &Manager{
		store: store,
		now:   time.Now,
	}
	if store == nil {
		return m, nil
	}

	s, err := store.LoadSession()
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load session: %w", err)
	default:
		m.current = s
	}
	return m, nil
}

func (m *Manager) Login(token string) (Session, error) {
	s, err := Parse(token)
	if err != nil {
		return Session{}, err
	}
	if !s.Authenticated(m.now()) {
		return Session{}, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}

	if m.store != nil {
		if err := m.store.SaveSession(s); err != nil {
			return Session{}, fmt.Errorf("failed to store session: %w", err)
		}
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	slog.Info("session started", "user_id", s.UserID, "role", s.Role)
	return s, nil
}

func (m *Manager) Logout() error {
	m.mu.Lock()
	userID := m.current.UserID
	m.current = Session{}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.ClearSession(); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
	}

	slog.Info("session ended", "user_id", userID)
	return nil
}

func (m *Manager) Current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Token returns the token to present on connect.
func (m *Manager) Token(_ context.Context) (string, error) {
	s := m.Current()
	if !s.Authenticated(m.now()) {
		return "", ErrNoSession
	}
	return s.Token, nil
}

func (m *Manager) Role() models.Role {
	return m.Current().Role
}

func (m *Manager) Authenticated() bool {
	return m.Current().Authenticated(m.now())
}
