// Package auth contains session issuance and credential verification for the
// hub's local API. Sessions are opaque random keys handed to clients; only the
// SHA-256 hash of a key is ever stored, so a database leak cannot be replayed.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/casalink/casalink/internal/common"
	"github.com/casalink/casalink/internal/cryptox"
	"github.com/casalink/casalink/internal/repositories/sessions"
	"github.com/casalink/casalink/internal/repositories/users"
)

// SessionManager issues and resolves sessions. Expiry is lazy: a session row
// stays in the store until it is looked up past its owner's timeout, at which
// point it is purged.
type SessionManager struct {
	sessions sessions.Repository
	now      func() time.Time
}

func NewSessionManager(repo sessions.Repository) *SessionManager {
	return &SessionManager{sessions: repo, now: time.Now}
}

// GenerateSession creates a session for the user and returns the raw key.
// The raw key is never persisted; the store holds only its hash.
func (m *SessionManager) GenerateSession(ctx context.Context, user *users.User) (string, error) {
	key, err := cryptox.GenerateSessionToken()
	if err != nil {
		return "", fmt.Errorf("error generating session key: %w", err)
	}

	session := &sessions.Session{
		KeyHash:   cryptox.HashToken(key),
		CreatedAt: m.now(),
		Email:     user.Email,
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return "", fmt.Errorf("error storing session: %w", err)
	}

	return key, nil
}

// GetSession resolves a raw session key to its stored record. Returns
// common.ErrorNotFound for unknown keys.
func (m *SessionManager) GetSession(ctx context.Context, key string) (*sessions.Session, error) {
	return m.sessions.GetSession(ctx, cryptox.HashToken(key))
}

// GetUserSessions lists the user's live sessions, skipping any whose age
// already exceeds the user's timeout.
func (m *SessionManager) GetUserSessions(ctx context.Context, user *users.User) ([]*sessions.Session, error) {
	all, err := m.sessions.GetSessions(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var result []*sessions.Session
	for _, s := range all {
		if s.Email != user.Email {
			continue
		}
		if now.Sub(s.CreatedAt) >= user.SessionTimeout {
			continue
		}
		result = append(result, s)
	}
	return result, nil
}

// DeleteSession removes the session for the given raw key. Deleting an
// unknown key is not an error.
func (m *SessionManager) DeleteSession(ctx context.Context, key string) error {
	return m.sessions.DeleteSession(ctx, cryptox.HashToken(key))
}

// expireIfStale purges the session when it has outlived the user's timeout
// and reports whether it did so.
func (m *SessionManager) expireIfStale(ctx context.Context, session *sessions.Session, user *users.User) (bool, error) {
	if m.now().Sub(session.CreatedAt) < user.SessionTimeout {
		return false, nil
	}
	if err := m.sessions.DeleteSession(ctx, session.KeyHash); err != nil && !errors.Is(err, common.ErrorNotFound) {
		return true, err
	}
	return true, nil
}
