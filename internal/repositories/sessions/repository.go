// Package sessions defines the session model and the credential-store
// contract for it. A session row never contains the raw token, only its
// one-way hash; expiry is decided by the auth layer against the owning
// user's timeout, not by the store.
package sessions

import (
	"context"
	"time"
)

// Session is a stored login. KeyHash is the SHA-256 of the raw token the
// client holds.
type Session struct {
	KeyHash   string
	CreatedAt time.Time
	Email     string
}

type Repository interface {
	// GetSession looks a session up by key hash; common.ErrorNotFound when
	// absent.
	GetSession(ctx context.Context, keyHash string) (*Session, error)

	GetSessions(ctx context.Context) ([]*Session, error)

	CreateSession(ctx context.Context, session *Session) error

	// DeleteSession is idempotent: deleting an absent session is not an
	// error.
	DeleteSession(ctx context.Context, keyHash string) error
}
