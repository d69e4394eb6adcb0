package smart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const sessionKey = "smart:session"

// Session is the stored result of a successful token exchange.
type Session struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Scope       string    `json:"scope,omitempty"`
	Patient     string    `json:"patient,omitempty"`
	Issuer      string    `json:"issuer"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SessionStore persists the single active bearer session.
type SessionStore struct {
	store Store
}

// NewSessionStore wraps a Store with session (de)serialization.
func NewSessionStore(store Store) *SessionStore {
	return &SessionStore{store: store}
}

// Save stores the session with a TTL matching the token lifetime.
func (s *SessionStore) Save(ctx context.Context, sess *Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("smart: session already expired")
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("smart: encode session: %w", err)
	}
	return s.store.Set(ctx, sessionKey, string(raw), ttl)
}

// Current returns the active session, or ErrNotFound when none exists.
func (s *SessionStore) Current(ctx context.Context) (*Session, error) {
	raw, err := s.store.Get(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("smart: decode session: %w", err)
	}
	return &sess, nil
}

// Clear removes the active session.
func (s *SessionStore) Clear(ctx context.Context) error {
	return s.store.Delete(ctx, sessionKey)
}

// Token returns the current bearer token, or an empty string when no session
// is active. The empty token lets callers fall back to unauthenticated
// access against open sandboxes.
func (s *SessionStore) Token(ctx context.Context) (string, error) {
	sess, err := s.Current(ctx)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sess.AccessToken, nil
}
